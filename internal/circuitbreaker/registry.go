package circuitbreaker

import "sync"

// Registry lazily creates and memoizes one CircuitBreaker per provider name,
// using the default thresholds. Gateway.getStrategy builds breakers
// one-per-configured-target inline; Registry generalizes that so components
// that see providers dynamically (the descriptor-based router, which
// doesn't have a static config.Target list) can still get a stable breaker
// per provider.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	failureThreshold int
	successThreshold int
}

// NewRegistry creates a Registry using New's defaults for every provider.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for provider, creating it on first use.
func (r *Registry) Get(provider string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[provider]
	if !ok {
		cb = New(r.failureThreshold, r.successThreshold, 0)
		r.breakers[provider] = cb
	}
	return cb
}

// Snapshot returns the current state of every breaker created so far, for
// the CircuitBreakerState gauge.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}
