package router

import (
	"context"
	"fmt"
	"time"

	"github.com/relayforge/router/internal/circuitbreaker"
	"github.com/relayforge/router/internal/errs"
	"github.com/relayforge/router/internal/logging"
	"github.com/relayforge/router/models"
)

// DefaultMaxFallbackDepth is how many candidates the dispatch loop will try
// before giving up and surfacing the last error, per §4.3.
const DefaultMaxFallbackDepth = 3

// Invoke dispatches req-shaped work to a single descriptor and returns its
// result. The router package is transport-agnostic: callers supply the
// actual adapter call (providers.Provider.Complete, .CompleteStream, ...).
type Invoke[T any] func(ctx context.Context, d *models.Descriptor) (T, error)

// Dispatcher runs the candidate-selection + fallback-chain dance described
// in §4.3/§4.9: pick a candidate, load-balance accounting around the call,
// retry UpstreamTransient errors per the backoff policy, and on a
// Fallbackable error advance to the next candidate, up to MaxFallbackDepth.
type Dispatcher struct {
	Registry         *models.Registry
	Strategy         Strategy
	Breakers         *circuitbreaker.Registry
	MaxFallbackDepth int
	RetryPolicy      errs.RetryPolicy
}

// NewDispatcher builds a Dispatcher with the §7 default retry policy and
// §4.3 default fallback depth.
func NewDispatcher(reg *models.Registry, strat Strategy, breakers *circuitbreaker.Registry) *Dispatcher {
	return &Dispatcher{
		Registry:         reg,
		Strategy:         strat,
		Breakers:         breakers,
		MaxFallbackDepth: DefaultMaxFallbackDepth,
		RetryPolicy:      errs.DefaultRetryPolicy(),
	}
}

// Dispatch selects from candidates via Strategy, invokes fn, retries
// transient failures on the same candidate, and on a fallbackable error
// removes that candidate and re-selects — up to MaxFallbackDepth
// candidates total. Load accounting (UpdateLoad +1/-1) and latency EMA
// recording happen around every attempt regardless of outcome.
func Dispatch[T any](ctx context.Context, d *Dispatcher, candidates []*models.Descriptor, sc SelectionContext, fn Invoke[T]) (T, error) {
	var zero T
	remaining := append([]*models.Descriptor(nil), candidates...)
	var lastErr error

	for depth := 0; depth < d.MaxFallbackDepth && len(remaining) > 0; depth++ {
		picked, err := d.Strategy.Select(remaining, sc)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		breaker := d.Breakers.Get(picked.Provider)
		if !breaker.Allow() {
			lastErr = errs.New(errs.KindUpstreamTrans, "circuit open").WithProvider(picked.Provider).WithModel(picked.ModelID)
			remaining = without(remaining, picked)
			continue
		}

		_ = d.Registry.UpdateLoad(picked.ID, 1)
		start := time.Now()
		result, attemptErr := runWithRetry(ctx, d.RetryPolicy, picked, fn)
		d.Registry.RecordLatency(picked.ID, float64(time.Since(start).Milliseconds()))
		_ = d.Registry.UpdateLoad(picked.ID, -1)

		if attemptErr == nil {
			breaker.RecordSuccess()
			return result, nil
		}

		classified := errs.As(attemptErr)
		breaker.RecordFailure()
		lastErr = classified
		logging.Logger.Warn("dispatch attempt failed",
			"provider", picked.Provider, "model", picked.ModelID, "kind", classified.Kind, "depth", depth)

		if !classified.Fallbackable() {
			return zero, classified
		}
		if classified.Kind == errs.KindContextLength {
			remaining = withLargerContext(remaining, picked)
		} else {
			remaining = without(remaining, picked)
		}
	}

	if lastErr == nil {
		lastErr = ErrNoCandidates
	}
	return zero, fmt.Errorf("router: fallback chain exhausted: %w", lastErr)
}

func runWithRetry[T any](ctx context.Context, policy errs.RetryPolicy, d *models.Descriptor, fn Invoke[T]) (T, error) {
	var result T
	var callErr error
	err := errs.Do(ctx, policy, func(ctx context.Context) error {
		result, callErr = fn(ctx, d)
		return callErr
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func without(candidates []*models.Descriptor, victim *models.Descriptor) []*models.Descriptor {
	out := make([]*models.Descriptor, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != victim.ID {
			out = append(out, c)
		}
	}
	return out
}

// withLargerContext drops failed and, per §7/§8, narrows the remaining
// candidates to those with strictly more context headroom than it offered —
// a context-length failure on a small-context model shouldn't fall back to
// an equally-cramped one. If none qualify, it falls back to dropping only
// the failed candidate.
func withLargerContext(candidates []*models.Descriptor, failed *models.Descriptor) []*models.Descriptor {
	out := make([]*models.Descriptor, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != failed.ID && c.Limits.ContextTokens > failed.Limits.ContextTokens {
			out = append(out, c)
		}
	}
	if len(out) > 0 {
		return out
	}
	return without(candidates, failed)
}
