package models

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DecayInterval is how often Registry multiplies every load counter by
// decayFactor (0.9), matching the load-balancer's decay pass. A model that sees
// a burst of traffic and then goes quiet stops looking "hot" after a few
// intervals instead of indefinitely biasing least-loaded/balanced picks.
const DecayInterval = 60 * time.Second

const decayFactor = 0.9

// EMAAlpha is the smoothing factor for recentLatencyMsEMA updates.
const EMAAlpha = 0.2

// Filter narrows GetAvailable results.
type Filter struct {
	Capabilities CapabilitySet
	Provider     string
	MaxCost      float64 // 0 means unconstrained
	MinContext   int
}

// Registry is the in-memory set of active model descriptors, keyed by
// globally unique descriptor ID. It is the router's only source of truth
// for "what can I dispatch to right now" — adapters populate it via Load,
// the router reads it via GetAvailable, and the load balancer mutates load
// counters via UpdateLoad.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Descriptor
	order []string // insertion order, for deterministic iteration before id tie-break

	stopDecay chan struct{}
	decayOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*Descriptor),
		stopDecay: make(chan struct{}),
	}
}

// Register inserts or atomically replaces the descriptor for d.ID. A
// re-registration under the same ID fully replaces the previous entry
// (including runtime counters), satisfying the "re-registration replaces
// atomically" invariant without ever exposing a torn descriptor to readers.
func (r *Registry) Register(d *Descriptor) {
	if d.status == "" {
		d.status = StatusReady
	}
	d.registeredAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.byID[d.ID] = d
}

// Unregister removes a descriptor. Idempotent: removing an unknown ID is a
// no-op, not an error.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the descriptor for id, if present.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// GetAvailable returns descriptors matching filter, sorted by ID so callers
// relying on deterministic tie-break behave consistently across calls.
func (r *Registry) GetAvailable(filter Filter) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		d := r.byID[id]
		if d.GetStatus() != StatusReady && d.GetStatus() != StatusDegraded {
			continue
		}
		if filter.Provider != "" && d.Provider != filter.Provider {
			continue
		}
		if filter.Capabilities != nil && !d.Capabilities.Superset(filter.Capabilities) {
			continue
		}
		if filter.MinContext > 0 && d.Limits.ContextTokens < filter.MinContext {
			continue
		}
		if filter.MaxCost > 0 {
			if d.Pricing.InputPerMTokens != nil && *d.Pricing.InputPerMTokens > filter.MaxCost {
				continue
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateLoad adjusts currentLoad by delta under the descriptor's own lock.
// delta is typically +1 on dispatch and -1 on completion/cancel; callers
// MUST release on every exit path (success, error, cancel) to preserve the
// "currentLoad returns to its pre-request value" invariant.
func (r *Registry) UpdateLoad(id string, delta int64) error {
	d, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("models: unknown descriptor %q", id)
	}
	d.mu.Lock()
	d.currentLoad += delta
	if d.currentLoad < 0 {
		d.currentLoad = 0
	}
	d.mu.Unlock()
	return nil
}

// UpdateLatency sets a descriptor's latency EMA directly, bypassing the
// smoothing RecordLatency applies. Used where a caller (a test, or a
// snapshot restore) needs to pin the EMA to a known value rather than feed
// it samples.
func (r *Registry) UpdateLatency(id string, ms float64) error {
	d, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("models: unknown descriptor %q", id)
	}
	d.mu.Lock()
	d.recentLatencyMsEMA = ms
	d.mu.Unlock()
	return nil
}

// RecordLatency folds a fresh latency sample into the descriptor's EMA.
func (r *Registry) RecordLatency(id string, sampleMs float64) {
	d, ok := r.Get(id)
	if !ok {
		return
	}
	d.mu.Lock()
	if d.recentLatencyMsEMA == 0 {
		d.recentLatencyMsEMA = sampleMs
	} else {
		d.recentLatencyMsEMA = EMAAlpha*sampleMs + (1-EMAAlpha)*d.recentLatencyMsEMA
	}
	d.mu.Unlock()
}

// StartDecay launches the background decay pass (every DecayInterval,
// multiply every load counter by decayFactor) and returns a stop function.
// Mirrors the gateway's own discovery-ticker pattern in gateway.go.
func (r *Registry) StartDecay() (stop func()) {
	r.decayOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(DecayInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.decayPass()
				case <-r.stopDecay:
					return
				}
			}
		}()
	})
	return func() {
		select {
		case <-r.stopDecay:
		default:
			close(r.stopDecay)
		}
	}
}

func (r *Registry) decayPass() {
	r.mu.RLock()
	descriptors := make([]*Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		descriptors = append(descriptors, d)
	}
	r.mu.RUnlock()

	for _, d := range descriptors {
		d.mu.Lock()
		d.currentLoad = int64(float64(d.currentLoad) * decayFactor)
		d.mu.Unlock()
	}
}
