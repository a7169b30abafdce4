// Package router implements the descriptor-scoring strategies and fallback
// chain described for the router's C5 component: given a candidate set of
// *models.Descriptor, pick one (or, on failure, the next one) to dispatch a
// request to. It sits above the simpler, config-driven virtual-key routing
// in the internal/strategies package (single/fallback/loadbalance/
// conditional, wired into Gateway.getStrategy) and is used wherever a
// request carries capability/cost/quality requirements instead of (or in
// addition to) a fixed target list.
package router

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/relayforge/router/models"
)

// SelectionContext carries the per-request signals strategies score against.
type SelectionContext struct {
	SessionID       string
	EstInputTokens  int
	MaxTokens       int
	Urgency         string // "high" for adaptive -> speed-priority
	QualityPriority bool   // true for adaptive -> quality-first
}

// Strategy scores/selects one descriptor from candidates. Implementations
// are pure functions of (candidates, ctx) except round-robin and sticky,
// which hold strategy-local state (a monotonic counter, a session map)
// documented on their constructors. Ties are always broken by ascending ID
// to keep selection deterministic for tests, per §4.3.
type Strategy interface {
	Select(candidates []*models.Descriptor, sc SelectionContext) (*models.Descriptor, error)
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(candidates []*models.Descriptor, sc SelectionContext) (*models.Descriptor, error)

// Select implements Strategy.
func (f StrategyFunc) Select(candidates []*models.Descriptor, sc SelectionContext) (*models.Descriptor, error) {
	return f(candidates, sc)
}

// ErrNoCandidates is returned by every strategy when given an empty set.
var ErrNoCandidates = noCandidatesError{}

type noCandidatesError struct{}

func (noCandidatesError) Error() string { return "router: no candidates available" }

// sorted returns candidates ordered by ID, the tie-break rule every
// strategy below applies after its primary scoring comparison.
func sorted(candidates []*models.Descriptor) []*models.Descriptor {
	out := make([]*models.Descriptor, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LeastLoaded: argmin currentLoad, ties broken by lower latency EMA then ID.
func LeastLoaded() Strategy {
	return StrategyFunc(func(candidates []*models.Descriptor, _ SelectionContext) (*models.Descriptor, error) {
		if len(candidates) == 0 {
			return nil, ErrNoCandidates
		}
		cs := sorted(candidates)
		best := cs[0]
		for _, d := range cs[1:] {
			if d.CurrentLoad() < best.CurrentLoad() ||
				(d.CurrentLoad() == best.CurrentLoad() && d.LatencyEMA() < best.LatencyEMA()) {
				best = d
			}
		}
		return best, nil
	})
}

// SpeedPriority: argmin recentLatencyMsEMA.
func SpeedPriority() Strategy {
	return StrategyFunc(func(candidates []*models.Descriptor, _ SelectionContext) (*models.Descriptor, error) {
		if len(candidates) == 0 {
			return nil, ErrNoCandidates
		}
		cs := sorted(candidates)
		best := cs[0]
		for _, d := range cs[1:] {
			if d.LatencyEMA() < best.LatencyEMA() {
				best = d
			}
		}
		return best, nil
	})
}

// QualityFirst: argmax Quality.
func QualityFirst() Strategy {
	return StrategyFunc(func(candidates []*models.Descriptor, _ SelectionContext) (*models.Descriptor, error) {
		if len(candidates) == 0 {
			return nil, ErrNoCandidates
		}
		cs := sorted(candidates)
		best := cs[0]
		for _, d := range cs[1:] {
			if d.Quality > best.Quality {
				best = d
			}
		}
		return best, nil
	})
}

// CostPriority: argmin estimated cost = inputPrice*estInputTok + outputPrice*maxTokens.
func CostPriority() Strategy {
	return StrategyFunc(func(candidates []*models.Descriptor, sc SelectionContext) (*models.Descriptor, error) {
		if len(candidates) == 0 {
			return nil, ErrNoCandidates
		}
		cs := sorted(candidates)
		best := cs[0]
		bestCost := estimatedCost(best, sc)
		for _, d := range cs[1:] {
			c := estimatedCost(d, sc)
			if c < bestCost {
				best, bestCost = d, c
			}
		}
		return best, nil
	})
}

func estimatedCost(d *models.Descriptor, sc SelectionContext) float64 {
	var in, out float64
	if d.Pricing.InputPerMTokens != nil {
		in = *d.Pricing.InputPerMTokens
	}
	if d.Pricing.OutputPerMTokens != nil {
		out = *d.Pricing.OutputPerMTokens
	}
	return in*float64(sc.EstInputTokens)/1e6 + out*float64(sc.MaxTokens)/1e6
}

// CapabilityMatch filters to descriptors whose capabilities are a superset
// of required, then applies least-loaded within that set.
func CapabilityMatch(required models.CapabilitySet) Strategy {
	inner := LeastLoaded()
	return StrategyFunc(func(candidates []*models.Descriptor, sc SelectionContext) (*models.Descriptor, error) {
		matched := make([]*models.Descriptor, 0, len(candidates))
		for _, d := range candidates {
			if d.Capabilities.Superset(required) {
				matched = append(matched, d)
			}
		}
		if len(matched) == 0 {
			return nil, ErrNoCandidates
		}
		return inner.Select(matched, sc)
	})
}

// Balanced: argmax w_q*normQuality - w_c*normCost - w_l*normLatency -
// w_load*normLoad, w=0.25 each. All four terms are min-max normalized
// across the candidate set so each contributes on a comparable 0..1 scale —
// quality values cluster in a narrow band (e.g. 0.75-0.9) while cost spans
// orders of magnitude, and scoring raw quality against max-normalized cost
// lets cost dominate regardless of quality (§8 scenario 1 requires the
// mid-priced, mid-quality candidate to win, not the cheapest one).
func Balanced() Strategy {
	return StrategyFunc(func(candidates []*models.Descriptor, sc SelectionContext) (*models.Descriptor, error) {
		if len(candidates) == 0 {
			return nil, ErrNoCandidates
		}
		cs := sorted(candidates)

		minQ, maxQ := cs[0].Quality, cs[0].Quality
		minCost, maxCost := estimatedCost(cs[0], sc), estimatedCost(cs[0], sc)
		minLatency, maxLatency := cs[0].LatencyEMA(), cs[0].LatencyEMA()
		minLoad, maxLoad := float64(cs[0].CurrentLoad()), float64(cs[0].CurrentLoad())
		for _, d := range cs[1:] {
			if q := d.Quality; q < minQ {
				minQ = q
			} else if q > maxQ {
				maxQ = q
			}
			if c := estimatedCost(d, sc); c < minCost {
				minCost = c
			} else if c > maxCost {
				maxCost = c
			}
			if l := d.LatencyEMA(); l < minLatency {
				minLatency = l
			} else if l > maxLatency {
				maxLatency = l
			}
			if ld := float64(d.CurrentLoad()); ld < minLoad {
				minLoad = ld
			} else if ld > maxLoad {
				maxLoad = ld
			}
		}
		norm := func(v, min, max float64) float64 {
			if max == min {
				return 0
			}
			return (v - min) / (max - min)
		}

		const w = 0.25
		var best *models.Descriptor
		var bestScore float64
		for _, d := range cs {
			score := w*norm(d.Quality, minQ, maxQ) -
				w*norm(estimatedCost(d, sc), minCost, maxCost) -
				w*norm(d.LatencyEMA(), minLatency, maxLatency) -
				w*norm(float64(d.CurrentLoad()), minLoad, maxLoad)
			if best == nil || score > bestScore {
				best, bestScore = d, score
			}
		}
		return best, nil
	})
}

// Adaptive dispatches to speed-priority when urgency is "high", quality-first
// when QualityPriority is set, else balanced.
func Adaptive() Strategy {
	speed := SpeedPriority()
	quality := QualityFirst()
	balanced := Balanced()
	return StrategyFunc(func(candidates []*models.Descriptor, sc SelectionContext) (*models.Descriptor, error) {
		switch {
		case sc.Urgency == "high":
			return speed.Select(candidates, sc)
		case sc.QualityPriority:
			return quality.Select(candidates, sc)
		default:
			return balanced.Select(candidates, sc)
		}
	})
}

// RoundRobin holds a monotonic index shared across calls; NewRoundRobin
// returns a fresh one per router instance (teacher's loadbalance strategy
// is stateless per-call, this one intentionally isn't — round-robin needs
// memory to rotate at all).
type RoundRobin struct {
	mu  sync.Mutex
	idx uint64
}

// NewRoundRobin returns a fresh round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Select implements Strategy.
func (r *RoundRobin) Select(candidates []*models.Descriptor, _ SelectionContext) (*models.Descriptor, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	cs := sorted(candidates)
	r.mu.Lock()
	i := r.idx % uint64(len(cs))
	r.idx++
	r.mu.Unlock()
	return cs[i], nil
}

// Weighted samples proportional to 1/(currentLoad+1).
func Weighted() Strategy {
	return StrategyFunc(func(candidates []*models.Descriptor, _ SelectionContext) (*models.Descriptor, error) {
		if len(candidates) == 0 {
			return nil, ErrNoCandidates
		}
		cs := sorted(candidates)
		weights := make([]float64, len(cs))
		var total float64
		for i, d := range cs {
			w := 1.0 / float64(d.CurrentLoad()+1)
			weights[i] = w
			total += w
		}
		r := rand.Float64() * total //nolint:gosec
		var cumulative float64
		for i, w := range weights {
			cumulative += w
			if r < cumulative {
				return cs[i], nil
			}
		}
		return cs[len(cs)-1], nil
	})
}

// Sticky remembers the last pick per sessionId; if that descriptor is still
// a candidate, it's returned again, else it falls back to least-loaded.
type Sticky struct {
	mu      sync.Mutex
	sticky  map[string]string // sessionId -> descriptor ID
	fallback Strategy
}

// NewSticky returns a fresh sticky strategy.
func NewSticky() *Sticky {
	return &Sticky{sticky: make(map[string]string), fallback: LeastLoaded()}
}

// Select implements Strategy.
func (s *Sticky) Select(candidates []*models.Descriptor, sc SelectionContext) (*models.Descriptor, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if sc.SessionID != "" {
		s.mu.Lock()
		pickID, ok := s.sticky[sc.SessionID]
		s.mu.Unlock()
		if ok {
			for _, d := range candidates {
				if d.ID == pickID {
					return d, nil
				}
			}
		}
	}
	picked, err := s.fallback.Select(candidates, sc)
	if err != nil {
		return nil, err
	}
	if sc.SessionID != "" {
		s.mu.Lock()
		s.sticky[sc.SessionID] = picked.ID
		s.mu.Unlock()
	}
	return picked, nil
}

// ByName resolves one of the ten named strategies from §4.3's table.
// capabilityRequired is only consulted for "capability-match".
func ByName(name string, capabilityRequired models.CapabilitySet) Strategy {
	switch name {
	case "round-robin":
		return NewRoundRobin()
	case "least-loaded":
		return LeastLoaded()
	case "weighted":
		return Weighted()
	case "sticky":
		return NewSticky()
	case "capability-match":
		return CapabilityMatch(capabilityRequired)
	case "cost-priority":
		return CostPriority()
	case "speed-priority":
		return SpeedPriority()
	case "quality-first":
		return QualityFirst()
	case "adaptive":
		return Adaptive()
	case "balanced":
		fallthrough
	default:
		return Balanced()
	}
}
