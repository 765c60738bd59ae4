// Package routing turns a request's strategy into an ordered list of
// providers to try. Route is a pure function of the request, a registry
// snapshot and the meter's latency view.
package routing

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
)

var (
	ErrNoProviderAvailable = errors.New("routing: no provider available")
	ErrUnknownStrategy     = errors.New("routing: unknown strategy")
	ErrUnknownComplexity   = errors.New("routing: unknown task complexity")
	ErrPinnedRequired      = errors.New("routing: pinned strategy requires a provider")
)

// Strategy is the caller-selected ordering policy.
type Strategy string

const (
	Cost     Strategy = "cost"
	Speed    Strategy = "speed"
	Quality  Strategy = "quality"
	Balanced Strategy = "balanced"
	Failover Strategy = "failover"
	Pinned   Strategy = "pinned"
)

var Strategies = []Strategy{Cost, Speed, Quality, Balanced, Failover, Pinned}

// ParseStrategy is case-insensitive. An empty string yields def.
func ParseStrategy(s string, def Strategy) (Strategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def, nil
	}
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Complexity biases BALANCED ordering.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// ParseComplexity is case-insensitive. An empty string yields Medium.
func ParseComplexity(s string) (Complexity, error) {
	switch Complexity(strings.ToLower(strings.TrimSpace(s))) {
	case "", Medium:
		return Medium, nil
	case Simple:
		return Simple, nil
	case Complex:
		return Complex, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownComplexity, s)
}

// Request carries the routing-relevant part of a caller's ask.
type Request struct {
	Strategy   Strategy
	Pinned     providers.Name
	Complexity Complexity
	MaxTokens  int
}

// Weights for the BALANCED score.
type Weights struct {
	Cost    float64
	Speed   float64
	Quality float64
}

func (w Weights) validate() error {
	if w.Cost < 0 || w.Speed < 0 || w.Quality < 0 {
		return errors.New("weights must be non-negative")
	}
	if w.Cost+w.Speed+w.Quality == 0 {
		return errors.New("weights must not all be zero")
	}
	return nil
}

// DefaultWeights shifts toward cost and speed for simple tasks and toward
// quality for complex ones.
func DefaultWeights() map[Complexity]Weights {
	return map[Complexity]Weights{
		Simple:  {Cost: 0.5, Speed: 0.4, Quality: 0.1},
		Medium:  {Cost: 0.34, Speed: 0.33, Quality: 0.33},
		Complex: {Cost: 0.15, Speed: 0.15, Quality: 0.7},
	}
}

// Catalog is the registry view Route reads.
type Catalog interface {
	List() []registry.Provider
}

// LatencySource supplies recent observed latency. ok is false when there are
// no samples yet.
type LatencySource interface {
	CurrentAvgLatency(name providers.Name) (d time.Duration, ok bool)
}

// Candidates is the ordered try list. Route never returns it empty.
type Candidates []registry.Provider

// Names returns candidate names in order.
func (c Candidates) Names() []providers.Name {
	out := make([]providers.Name, len(c))
	for i, p := range c {
		out[i] = p.Name
	}
	return out
}

// Router holds routing configuration. It has no mutable state.
type Router struct {
	failoverOrder []providers.Name
	weights       map[Complexity]Weights
}

// New validates weights; missing complexities take DefaultWeights. An empty
// failoverOrder means quality-descending.
func New(failoverOrder []providers.Name, weights map[Complexity]Weights) (*Router, error) {
	w := DefaultWeights()
	for c, v := range weights {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("routing: %s %w", c, err)
		}
		w[c] = v
	}
	return &Router{failoverOrder: slices.Clone(failoverOrder), weights: w}, nil
}

// Route orders the providers in cat according to req.Strategy. Unavailable
// providers are excluded, except under PINNED where an unavailable pin fails.
func (r *Router) Route(req Request, cat Catalog, lat LatencySource) (Candidates, error) {
	all := cat.List()

	if req.Strategy == Pinned {
		return pinned(req, all)
	}

	pool := make(Candidates, 0, len(all))
	for _, p := range all {
		if !p.IsAvailable {
			continue
		}
		if req.MaxTokens > 0 && p.MaxTokens < req.MaxTokens {
			continue
		}
		pool = append(pool, p)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: all %d providers are unavailable or too small", ErrNoProviderAvailable, len(all))
	}

	switch req.Strategy {
	case Cost:
		slices.SortStableFunc(pool, func(a, b registry.Provider) int {
			if c := a.CostPer1KTokens.Cmp(b.CostPer1KTokens); c != 0 {
				return c
			}
			return b.QualityScore - a.QualityScore
		})
	case Speed:
		slices.SortStableFunc(pool, func(a, b registry.Provider) int {
			return cmp.Compare(latency(a, lat), latency(b, lat))
		})
	case Quality:
		slices.SortStableFunc(pool, byQuality)
	case Balanced:
		w, ok := r.weights[req.Complexity]
		if !ok {
			w = r.weights[Medium]
		}
		pool = balanced(pool, w, lat)
	case Failover:
		pool = r.failover(pool)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	return pool, nil
}

func pinned(req Request, all []registry.Provider) (Candidates, error) {
	if req.Pinned == "" {
		return nil, ErrPinnedRequired
	}
	for _, p := range all {
		if p.Name != req.Pinned {
			continue
		}
		if !p.IsAvailable {
			return nil, fmt.Errorf("%w: pinned provider %s is unavailable", ErrNoProviderAvailable, p.Name)
		}
		return Candidates{p}, nil
	}
	return nil, fmt.Errorf("%w: pinned provider %s is not configured", ErrNoProviderAvailable, req.Pinned)
}

func byQuality(a, b registry.Provider) int {
	if d := b.QualityScore - a.QualityScore; d != 0 {
		return d
	}
	return a.CostPer1KTokens.Cmp(b.CostPer1KTokens)
}

func latency(p registry.Provider, lat LatencySource) time.Duration {
	if lat != nil {
		if d, ok := lat.CurrentAvgLatency(p.Name); ok {
			return d
		}
	}
	return time.Duration(p.AvgLatencyMs) * time.Millisecond
}

// failover keeps the configured order, then appends anything unlisted by
// quality.
func (r *Router) failover(pool Candidates) Candidates {
	if len(r.failoverOrder) == 0 {
		slices.SortStableFunc(pool, byQuality)
		return pool
	}
	out := make(Candidates, 0, len(pool))
	var rest Candidates
	for _, name := range r.failoverOrder {
		for _, p := range pool {
			if p.Name == name {
				out = append(out, p)
				break
			}
		}
	}
	for _, p := range pool {
		if !slices.Contains(r.failoverOrder, p.Name) {
			rest = append(rest, p)
		}
	}
	slices.SortStableFunc(rest, byQuality)
	return append(out, rest...)
}
