package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/omniscient-ai/provider-gateway/internal/keystore"
)

// window is one tenant's sliding log: admission times inside the current
// window, oldest first.
type window struct {
	hits       []time.Time
	limit      Limit
	lastAccess time.Time
}

// trim drops admissions at or before cutoff.
func (w *window) trim(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(w.hits, w.hits[i:])
		w.hits = w.hits[:n]
	}
}

// Memory keeps a sliding window log per tenant in this process, with the
// same semantics as the Redis script: at most N admissions in any span of
// length W. Idle tenants are dropped after idleTTL.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	policy  Policy
	idleTTL time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory starts a background sweep of idle tenants. Call Close to stop it.
func NewMemory(policy Policy) (*Memory, error) {
	m, err := newMemory(policy, time.Now)
	if err != nil {
		return nil, err
	}
	go m.sweepLoop(5 * time.Minute)
	return m, nil
}

func newMemory(policy Policy, now func() time.Time) (*Memory, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	var longest time.Duration
	for _, l := range policy {
		longest = max(longest, l.Window)
	}
	return &Memory{
		windows: make(map[string]*window),
		policy:  policy,
		idleTTL: max(10*time.Minute, 2*longest),
		now:     now,
		stop:    make(chan struct{}),
	}, nil
}

func (m *Memory) Allow(_ context.Context, tenantID string, tier keystore.Tier) (Decision, error) {
	lim := m.policy.For(tier)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[tenantID]
	if !ok || w.limit != lim {
		w = &window{limit: lim, hits: make([]time.Time, 0, min(lim.Requests, 64))}
		m.windows[tenantID] = w
	}
	w.lastAccess = now
	w.trim(now.Add(-lim.Window))

	if len(w.hits) >= lim.Requests {
		retry := w.hits[0].Add(lim.Window).Sub(now)
		return Decision{Limit: lim.Requests, RetryAfter: max(retry, time.Millisecond)}, nil
	}

	w.hits = append(w.hits, now)
	return Decision{Allowed: true, Limit: lim.Requests, Remaining: lim.Requests - len(w.hits)}, nil
}

// Len returns the number of tracked tenants.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) sweep() {
	cutoff := m.now().Add(-m.idleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.windows {
		if w.lastAccess.Before(cutoff) {
			delete(m.windows, id)
		}
	}
}
