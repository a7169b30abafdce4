package ratelimit

import (
	"testing"
	"time"
)

func TestWindowStore_AdmitRequestWithinLimit(t *testing.T) {
	s := NewWindowStore()
	kw := s.Get("key-a")
	q := Quota{RequestsPerMinute: 2}

	for i := 0; i < 2; i++ {
		if res := kw.AdmitRequest(q); !res.Admitted {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	res := kw.AdmitRequest(q)
	if res.Admitted {
		t.Fatal("3rd request should be rejected at RequestsPerMinute=2")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected a positive RetryAfter, got %v", res.RetryAfter)
	}
}

func TestWindowStore_PerKeyIsolation(t *testing.T) {
	s := NewWindowStore()
	q := Quota{RequestsPerMinute: 1}

	if res := s.Get("key-a").AdmitRequest(q); !res.Admitted {
		t.Fatal("key-a first request should be admitted")
	}
	if res := s.Get("key-a").AdmitRequest(q); res.Admitted {
		t.Fatal("key-a second request should be rejected")
	}
	if res := s.Get("key-b").AdmitRequest(q); !res.Admitted {
		t.Fatal("key-b should have its own independent window")
	}
}

func TestWindowStore_UnboundedWhenLimitZero(t *testing.T) {
	kw := NewWindowStore().Get("key-a")
	q := Quota{} // all zero == unbounded
	for i := 0; i < 1000; i++ {
		if res := kw.AdmitRequest(q); !res.Admitted {
			t.Fatalf("request %d should be admitted under unbounded quota", i+1)
		}
	}
}

func TestKeyWindows_TokenReconciliationOvershootAffectsNextWindow(t *testing.T) {
	kw := newKeyWindows()
	if res := kw.AdmitTokensEstimate(100, 150); !res.Admitted {
		t.Fatal("estimate of 100 should fit under daily limit 150")
	}
	kw.ReconcileTokens(100, 140) // actual usage overshoots the estimate by 40
	if got := kw.tokDay.sum(); got != 140 {
		t.Fatalf("tokDay.sum() after reconcile = %d, want 140", got)
	}
	// The next admission sees the reconciled total, not the stale estimate.
	if res := kw.AdmitTokensEstimate(20, 150); res.Admitted {
		t.Fatal("140+20 > 150 should be rejected after reconciliation")
	}
}

func TestWindow_ResetAtReflectsSpanNotOneSecond(t *testing.T) {
	w := newWindow(time.Minute)
	base := int64(2_000_000)
	nowSec = func() int64 { return base }
	defer func() { nowSec = func() int64 { return time.Now().Unix() } }()

	w.add(2) // only request in the window, written at t=base

	nowSec = func() int64 { return base + 10 } // 10s later, still in-window
	retry := time.Until(w.resetAt())
	// The oldest (only) bucket was written at base and frees at base+60;
	// 10s have elapsed, so ~50s of wait should remain, not ~1s.
	if retry < 45*time.Second || retry > 51*time.Second {
		t.Fatalf("resetAt() implies retryAfter=%v, want ~50s (window span, not a flat 1s)", retry)
	}
}

func TestWindowStore_RetryAfterMatchesMinuteGranularity(t *testing.T) {
	kw := newKeyWindows()
	base := int64(3_000_000)
	nowSec = func() int64 { return base }
	defer func() { nowSec = func() int64 { return time.Now().Unix() } }()

	q := Quota{RequestsPerMinute: 2}
	for i := 0; i < 2; i++ {
		if res := kw.AdmitRequest(q); !res.Admitted {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	res := kw.AdmitRequest(q)
	if res.Admitted {
		t.Fatal("3rd request should be rejected at RequestsPerMinute=2")
	}
	if res.RetryAfter < 55*time.Second {
		t.Fatalf("RetryAfter = %v, want close to the full minute window", res.RetryAfter)
	}
}

func TestWindow_AdvanceAgesOutBucketsOutsideSpan(t *testing.T) {
	w := newWindow(2 * time.Second)
	base := int64(1_000_000)
	nowSec = func() int64 { return base }
	w.add(5)
	if w.sum() != 5 {
		t.Fatalf("sum() = %d, want 5", w.sum())
	}
	nowSec = func() int64 { return base + 3 } // 3s later, span is 2s
	if got := w.sum(); got != 0 {
		t.Fatalf("sum() after span elapsed = %d, want 0", got)
	}
	nowSec = func() int64 { return time.Now().Unix() }
}
