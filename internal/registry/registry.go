// Package registry holds the catalog of upstream providers: their declared
// cost, latency, quality and capacity attributes, their live availability
// flag, and the client adapter used to reach them.
//
// The catalog is fixed at construction. Only the latency estimate and the
// availability flag change afterwards, and both are stored in atomics so
// readers never wait on writers.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

// ErrNotFound is returned for providers absent from the catalog.
var ErrNotFound = errors.New("registry: provider not found")

// Spec declares one catalog entry.
type Spec struct {
	Name              providers.Name
	CostPer1KTokens   decimal.Decimal
	AvgLatencyMs      int
	QualityScore      int
	MaxTokens         int
	SupportsStreaming bool
	Client            providers.Provider
}

// Provider is a point-in-time view of one catalog entry.
type Provider struct {
	Name              providers.Name
	CostPer1KTokens   decimal.Decimal
	AvgLatencyMs      int
	QualityScore      int
	MaxTokens         int
	SupportsStreaming bool
	IsAvailable       bool
}

type entry struct {
	spec      Spec
	latencyMs atomic.Int64
	available atomic.Bool
}

func (e *entry) view() Provider {
	return Provider{
		Name:              e.spec.Name,
		CostPer1KTokens:   e.spec.CostPer1KTokens,
		AvgLatencyMs:      int(e.latencyMs.Load()),
		QualityScore:      e.spec.QualityScore,
		MaxTokens:         e.spec.MaxTokens,
		SupportsStreaming: e.spec.SupportsStreaming,
		IsAvailable:       e.available.Load(),
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	order    []*entry
	byName   map[providers.Name]*entry
	onChange func(name providers.Name, available bool)
}

// New validates specs and builds a Registry. Every provider starts available.
func New(specs []Spec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, errors.New("registry: at least one provider is required")
	}

	r := &Registry{byName: make(map[providers.Name]*entry, len(specs))}
	for _, s := range specs {
		if err := validate(s); err != nil {
			return nil, err
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate provider %q", s.Name)
		}
		e := &entry{spec: s}
		e.latencyMs.Store(int64(s.AvgLatencyMs))
		e.available.Store(true)
		r.order = append(r.order, e)
		r.byName[s.Name] = e
	}
	return r, nil
}

func validate(s Spec) error {
	switch {
	case s.Name == "":
		return errors.New("registry: provider name is empty")
	case s.CostPer1KTokens.IsNegative():
		return fmt.Errorf("registry: %s: cost_per_1k_tokens must be >= 0", s.Name)
	case s.AvgLatencyMs <= 0:
		return fmt.Errorf("registry: %s: avg_latency_ms must be positive", s.Name)
	case s.QualityScore < 0 || s.QualityScore > 100:
		return fmt.Errorf("registry: %s: quality_score must be within 0..100", s.Name)
	case s.MaxTokens <= 0:
		return fmt.Errorf("registry: %s: max_tokens must be positive", s.Name)
	case s.Client == nil:
		return fmt.Errorf("registry: %s: client adapter is nil", s.Name)
	}
	return nil
}

// OnAvailabilityChange registers fn to run after every flip of a provider's
// availability flag. Must be called before the registry is shared.
func (r *Registry) OnAvailabilityChange(fn func(name providers.Name, available bool)) {
	r.onChange = fn
}

// Get returns the current view of one provider.
func (r *Registry) Get(name providers.Name) (Provider, error) {
	e, ok := r.byName[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.view(), nil
}

// Client returns the adapter for name.
func (r *Registry) Client(name providers.Name) (providers.Provider, bool) {
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.spec.Client, true
}

// List returns every provider in declaration order.
func (r *Registry) List() []Provider {
	out := make([]Provider, len(r.order))
	for i, e := range r.order {
		out[i] = e.view()
	}
	return out
}

// Names returns provider names in declaration order.
func (r *Registry) Names() []providers.Name {
	out := make([]providers.Name, len(r.order))
	for i, e := range r.order {
		out[i] = e.spec.Name
	}
	return out
}

// MarkUnavailable is idempotent. It reports whether the flag changed.
func (r *Registry) MarkUnavailable(name providers.Name) bool {
	return r.setAvailable(name, false)
}

// MarkAvailable is idempotent. It reports whether the flag changed.
func (r *Registry) MarkAvailable(name providers.Name) bool {
	return r.setAvailable(name, true)
}

func (r *Registry) setAvailable(name providers.Name, v bool) bool {
	e, ok := r.byName[name]
	if !ok {
		return false
	}
	changed := e.available.CompareAndSwap(!v, v)
	if changed && r.onChange != nil {
		r.onChange(name, v)
	}
	return changed
}

// SetAvgLatency refreshes the latency estimate shown for name.
func (r *Registry) SetAvgLatency(name providers.Name, ms int) {
	if e, ok := r.byName[name]; ok && ms > 0 {
		e.latencyMs.Store(int64(ms))
	}
}
