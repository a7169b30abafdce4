package cache

import (
	"testing"

	"github.com/relayforge/router/providers"
)

func sampleRequest(content string, temp float64) providers.Request {
	t := temp
	return providers.Request{
		Model:       "gpt-4o",
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: content}},
		Temperature: &t,
	}
}

func TestFingerprint_IgnoresNonOutputAffectingFields(t *testing.T) {
	a := sampleRequest("what is the capital of France?", 0.1)
	b := a
	b.User = "alice"
	if Fingerprint("openai", "gpt-4o", a) != Fingerprint("openai", "gpt-4o", b) {
		t.Fatal("fingerprints should match when only the ignorable User field differs")
	}
}

func TestFingerprint_DiffersOnOptionsThatAffectOutput(t *testing.T) {
	a := sampleRequest("summarize this", 0.1)
	b := sampleRequest("summarize this", 0.9)
	if Fingerprint("openai", "gpt-4o", a) == Fingerprint("openai", "gpt-4o", b) {
		t.Fatal("fingerprints should differ when temperature differs")
	}
}

func TestClassifyKind(t *testing.T) {
	if got := ClassifyKind(sampleRequest("x", 0.1)); got != KindFactual {
		t.Fatalf("low temperature => %v, want factual", got)
	}
	if got := ClassifyKind(sampleRequest("x", 0.9)); got != KindCreative {
		t.Fatalf("high temperature => %v, want creative", got)
	}
}

func TestSemantic_ExactHitReturnsStoredResponse(t *testing.T) {
	c := NewSemantic(10)
	req := sampleRequest("capital of France", 0.1)
	fp := Fingerprint("openai", "gpt-4o", req)
	resp := &providers.Response{ID: "r1"}

	c.Set(fp, KindFactual, "capital of France", resp, 0.002)
	res, ok := c.Lookup(fp, KindFactual, "capital of France")
	if !ok || res.Response.ID != "r1" || res.Similarity != 1.0 {
		t.Fatalf("expected exact hit for r1, got %+v ok=%v", res, ok)
	}
}

func TestSemantic_CreativeNeverCachesOrSemanticScans(t *testing.T) {
	c := NewSemantic(10)
	req := sampleRequest("write me a poem", 0.9)
	fp := Fingerprint("openai", "gpt-4o", req)
	resp := &providers.Response{ID: "poem"}

	c.Set(fp, ClassifyKind(req), "write me a poem", resp, 0.01)
	if c.Stats().Size != 0 {
		t.Fatal("creative responses must never be written to the cache")
	}

	other := sampleRequest("write me a poem please", 0.9)
	otherFP := Fingerprint("openai", "gpt-4o", other)
	if _, ok := c.Lookup(otherFP, KindCreative, "write me a poem please"); ok {
		t.Fatal("creative lookups must not fall back to semantic scan")
	}
}

func TestSemantic_SemanticHitOnNearDuplicatePrompt(t *testing.T) {
	c := NewSemantic(10).WithThreshold(0.5)
	req := sampleRequest("explain how photosynthesis works in plants", 0.1)
	fp := Fingerprint("openai", "gpt-4o", req)
	resp := &providers.Response{ID: "bio"}
	c.Set(fp, KindFactual, "explain how photosynthesis works in plants", resp, 0.003)

	near := sampleRequest("please explain how photosynthesis works", 0.1)
	nearFP := Fingerprint("openai", "gpt-4o", near) // different exact fingerprint
	if nearFP == fp {
		t.Fatal("test setup: prompts should have distinct exact fingerprints")
	}

	res, ok := c.Lookup(nearFP, KindFactual, "please explain how photosynthesis works")
	if !ok || !res.Semantic || res.Response.ID != "bio" {
		t.Fatalf("expected semantic hit on near-duplicate prompt, got %+v ok=%v", res, ok)
	}
}

func TestSemantic_MissUpdatesStats(t *testing.T) {
	c := NewSemantic(10)
	if _, ok := c.Lookup("nonexistent", KindFactual, "never seen before"); ok {
		t.Fatal("expected a miss")
	}
	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 0 {
		t.Fatalf("stats = %+v, want 1 miss 0 hits", stats)
	}
}

func TestSemantic_EvictsOldestBeyondCapacity(t *testing.T) {
	c := NewSemantic(2)
	for i, content := range []string{"alpha entry text", "beta entry text", "gamma entry text"} {
		req := sampleRequest(content, 0.1)
		fp := Fingerprint("openai", "gpt-4o", req)
		c.Set(fp, KindFactual, content, &providers.Response{ID: content}, 0)
		_ = i
	}
	if c.Stats().Size != 2 {
		t.Fatalf("Size = %d, want 2 after capacity eviction", c.Stats().Size)
	}
}
