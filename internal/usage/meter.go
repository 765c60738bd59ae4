// Package usage aggregates per-provider and per-tenant call statistics and
// decides when a provider's recent failure rate makes it unavailable.
//
// Counters are atomics. The rolling state of each provider (latency EWMA,
// outcome window, recovery streak) sits behind its own mutex, so calls to
// different providers never contend.
package usage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

// Record is one immutable fact about a finished provider attempt.
type Record struct {
	ID              uuid.UUID
	TenantID        string
	Provider        providers.Name
	Timestamp       time.Time
	LatencyMs       int64
	Success         bool
	TokensEstimated int
	CostEstimated   decimal.Decimal
	// Reason is the failure category; empty on success.
	Reason string
}

// Transition reports how a Record changed a provider's availability.
type Transition int

const (
	Unchanged Transition = iota
	BecameUnavailable
	BecameAvailable
)

// Sink receives every recorded fact. Implementations must not block.
type Sink interface {
	Log(Record)
}

// Options tunes availability tracking. Zero values use defaults.
type Options struct {
	// Window is the number of most recent outcomes considered. Default: 10.
	Window int
	// FailureRatio at or above which a provider becomes unavailable. Default: 0.5.
	FailureRatio float64
	// MinSamples required in the window before the ratio is evaluated. Default: 3.
	MinSamples int
	// RecoverySuccesses is the consecutive successes that restore availability. Default: 2.
	RecoverySuccesses int
	// Alpha is the EWMA smoothing factor in (0,1]. Default: 0.3.
	Alpha float64
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 10
	}
	if o.FailureRatio <= 0 || o.FailureRatio > 1 {
		o.FailureRatio = 0.5
	}
	if o.MinSamples <= 0 {
		o.MinSamples = 3
	}
	if o.MinSamples > o.Window {
		o.MinSamples = o.Window
	}
	if o.RecoverySuccesses <= 0 {
		o.RecoverySuccesses = 2
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = 0.3
	}
	return o
}

type providerStats struct {
	usage    atomic.Int64
	failures atomic.Int64

	mu        sync.Mutex
	ewmaMs    float64
	samples   int64
	outcomes  []bool // ring buffer, true = failure
	next      int
	filled    int
	failed    int
	available bool
	streak    int
}

type tenantStats struct {
	requests atomic.Int64

	mu   sync.Mutex
	cost decimal.Decimal
}

// Meter is safe for concurrent use.
type Meter struct {
	opts  Options
	total atomic.Int64

	order []providers.Name
	stats map[providers.Name]*providerStats

	tenants sync.Map // string -> *tenantStats
	sink    Sink
}

// New creates a Meter tracking the given providers.
func New(names []providers.Name, opts Options) *Meter {
	opts = opts.withDefaults()
	m := &Meter{
		opts:  opts,
		order: append([]providers.Name(nil), names...),
		stats: make(map[providers.Name]*providerStats, len(names)),
	}
	for _, n := range names {
		m.stats[n] = &providerStats{
			outcomes:  make([]bool, opts.Window),
			available: true,
		}
	}
	return m
}

// SetSink attaches an observer for every Record. Not safe to call once the
// meter is in use.
func (m *Meter) SetSink(s Sink) { m.sink = s }

// Record folds r into the aggregates and reports whether the provider's
// availability flipped as a result.
func (m *Meter) Record(r Record) Transition {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	m.total.Add(1)
	m.recordTenant(r)
	if m.sink != nil {
		m.sink.Log(r)
	}

	ps, ok := m.stats[r.Provider]
	if !ok {
		return Unchanged
	}
	ps.usage.Add(1)
	if !r.Success {
		ps.failures.Add(1)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if r.Success && r.LatencyMs >= 0 {
		if ps.samples == 0 {
			ps.ewmaMs = float64(r.LatencyMs)
		} else {
			ps.ewmaMs = m.opts.Alpha*float64(r.LatencyMs) + (1-m.opts.Alpha)*ps.ewmaMs
		}
		ps.samples++
	}

	ps.push(!r.Success)
	return m.evaluate(ps, r.Success)
}

// RecordProbe feeds an out-of-band health check result into the recovery
// logic without touching usage counters.
func (m *Meter) RecordProbe(name providers.Name, success bool) Transition {
	ps, ok := m.stats[name]
	if !ok {
		return Unchanged
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return m.evaluate(ps, success)
}

// Reset clears the outcome window for name and marks it available. Used for
// manual overrides.
func (m *Meter) Reset(name providers.Name) {
	ps, ok := m.stats[name]
	if !ok {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i := range ps.outcomes {
		ps.outcomes[i] = false
	}
	ps.next, ps.filled, ps.failed, ps.streak = 0, 0, 0, 0
	ps.available = true
}

// evaluate must be called with ps.mu held.
func (m *Meter) evaluate(ps *providerStats, success bool) Transition {
	if success {
		ps.streak++
	} else {
		ps.streak = 0
	}

	if ps.available {
		if !success && ps.filled >= m.opts.MinSamples &&
			float64(ps.failed)/float64(ps.filled) >= m.opts.FailureRatio {
			ps.available = false
			return BecameUnavailable
		}
		return Unchanged
	}

	if ps.streak >= m.opts.RecoverySuccesses {
		ps.available = true
		// Start the new availability period with a clean window.
		for i := range ps.outcomes {
			ps.outcomes[i] = false
		}
		ps.next, ps.filled, ps.failed = 0, 0, 0
		return BecameAvailable
	}
	return Unchanged
}

func (ps *providerStats) push(failure bool) {
	if ps.filled == len(ps.outcomes) {
		if ps.outcomes[ps.next] {
			ps.failed--
		}
	} else {
		ps.filled++
	}
	ps.outcomes[ps.next] = failure
	if failure {
		ps.failed++
	}
	ps.next = (ps.next + 1) % len(ps.outcomes)
}

func (m *Meter) recordTenant(r Record) {
	if r.TenantID == "" {
		return
	}
	v, _ := m.tenants.LoadOrStore(r.TenantID, &tenantStats{})
	ts := v.(*tenantStats)
	ts.requests.Add(1)
	if !r.CostEstimated.IsZero() {
		ts.mu.Lock()
		ts.cost = ts.cost.Add(r.CostEstimated)
		ts.mu.Unlock()
	}
}

// CurrentAvgLatency returns the EWMA latency for name. ok is false when no
// successful call has been recorded yet.
func (m *Meter) CurrentAvgLatency(name providers.Name) (d time.Duration, ok bool) {
	ps, found := m.stats[name]
	if !found {
		return 0, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.samples == 0 {
		return 0, false
	}
	return time.Duration(ps.ewmaMs * float64(time.Millisecond)), true
}

// CurrentFailureRate returns the failure ratio over the outcome window.
func (m *Meter) CurrentFailureRate(name providers.Name) float64 {
	ps, ok := m.stats[name]
	if !ok {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.filled == 0 {
		return 0
	}
	return float64(ps.failed) / float64(ps.filled)
}

// Available reports the meter's view of name's availability.
func (m *Meter) Available(name providers.Name) bool {
	ps, ok := m.stats[name]
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.available
}

// Attempts returns the number of recorded attempts for name.
func (m *Meter) Attempts(name providers.Name) int64 {
	if ps, ok := m.stats[name]; ok {
		return ps.usage.Load()
	}
	return 0
}

// Failures returns the number of recorded failures for name.
func (m *Meter) Failures(name providers.Name) int64 {
	if ps, ok := m.stats[name]; ok {
		return ps.failures.Load()
	}
	return 0
}

// Snapshot is the externally reported view of the meter.
type Snapshot struct {
	TotalRequests        int64             `json:"total_requests"`
	ProviderUsage        map[string]int64  `json:"provider_usage"`
	ProviderFailures     map[string]int64  `json:"provider_failures"`
	AvgLatencyMs         map[string]int64  `json:"avg_latency_ms"`
	ProviderAvailability map[string]bool   `json:"provider_availability"`
	TenantUsage          map[string]int64  `json:"tenant_usage"`
	TenantCost           map[string]string `json:"tenant_cost"`
}

// Snapshot copies the current aggregates.
func (m *Meter) Snapshot() Snapshot {
	s := Snapshot{
		TotalRequests:        m.total.Load(),
		ProviderUsage:        make(map[string]int64, len(m.order)),
		ProviderFailures:     make(map[string]int64, len(m.order)),
		AvgLatencyMs:         make(map[string]int64, len(m.order)),
		ProviderAvailability: make(map[string]bool, len(m.order)),
		TenantUsage:          make(map[string]int64),
		TenantCost:           make(map[string]string),
	}

	for _, n := range m.order {
		ps := m.stats[n]
		key := string(n)
		s.ProviderUsage[key] = ps.usage.Load()
		s.ProviderFailures[key] = ps.failures.Load()

		ps.mu.Lock()
		s.AvgLatencyMs[key] = int64(ps.ewmaMs + 0.5)
		s.ProviderAvailability[key] = ps.available
		ps.mu.Unlock()
	}

	m.tenants.Range(func(k, v any) bool {
		ts := v.(*tenantStats)
		s.TenantUsage[k.(string)] = ts.requests.Load()
		ts.mu.Lock()
		s.TenantCost[k.(string)] = ts.cost.String()
		ts.mu.Unlock()
		return true
	})

	return s
}
