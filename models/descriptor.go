package models

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a registry entry.
type Status string

// Registry entry lifecycle states.
const (
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusDegraded  Status = "degraded"
	StatusUnloaded  Status = "unloaded"
	StatusErrored   Status = "errored"
)

// Capability is a single feature flag a model may advertise. Descriptor
// capabilities are a set (map[Capability]struct{}) rather than the fixed
// struct used by the pricing Catalog, since the registry must express
// provider-reported feature sets the static catalog doesn't enumerate
// (e.g. rerank, video_gen).
type Capability string

// Capabilities recognized by the router. Strategy capability-match and
// pipeline admission both test membership against this set.
const (
	CapText            Capability = "text"
	CapChat            Capability = "chat"
	CapEmbedding       Capability = "embedding"
	CapVision          Capability = "vision"
	CapToolUse         Capability = "tool_use"
	CapFunctionCalling Capability = "function_calling"
	CapJSONMode        Capability = "json_mode"
	CapStreaming       Capability = "streaming"
	CapRerank          Capability = "rerank"
	CapImageGen        Capability = "image_gen"
	CapVideoGen        Capability = "video_gen"
	CapSpeech          Capability = "speech"
)

// CapabilitySet is a small set of Capability values.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a capability list.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is present.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Superset reports whether s contains every capability in other — used by
// the capability-match strategy to test a descriptor against a request's
// required capability set.
func (s CapabilitySet) Superset(other CapabilitySet) bool {
	for c := range other {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Limits bounds a model's context and output size.
type Limits struct {
	ContextTokens   int
	MaxOutputTokens int
}

// Descriptor is a registry entry: one loaded, routable model. It mirrors
// the "Model descriptor" data model — distinct from the pricing-table Model
// in catalog.go, which describes models the router could load, not models
// currently live. Load populates a Descriptor from a Model plus runtime
// state; the registry only ever mutates the runtime fields below via
// UpdateLoad/UpdateLatency/SetStatus, never by replacing the struct wholesale,
// so in-flight readers of a *Descriptor never observe a torn update.
type Descriptor struct {
	ID           string // globally unique, e.g. "openai:gpt-4o"
	Provider     string
	ModelID      string // provider-local id
	Family       string // derived, e.g. "gpt-4", "claude-3"
	Capabilities CapabilitySet
	Limits       Limits
	Pricing      Pricing
	Quality      float64 // 0..1, static or learned
	Metadata     map[string]string

	mu                 sync.RWMutex
	currentLoad        int64
	recentLatencyMsEMA float64
	status             Status
	registeredAt       time.Time
}

// CurrentLoad returns the number of in-flight dispatches currently charged
// against this descriptor.
func (d *Descriptor) CurrentLoad() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentLoad
}

// LatencyEMA returns the exponential moving average of recent latency, ms.
func (d *Descriptor) LatencyEMA() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recentLatencyMsEMA
}

// GetStatus returns the descriptor's current lifecycle status.
func (d *Descriptor) GetStatus() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// SetStatus transitions the descriptor's lifecycle status.
func (d *Descriptor) SetStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}
