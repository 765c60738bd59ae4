package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/omniscient-ai/provider-gateway/internal/dispatch"
	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
	"github.com/omniscient-ai/provider-gateway/internal/usage"
)

const (
	defaultProbeInterval = 30 * time.Second
	healthProbeTimeout   = 5 * time.Second
)

// Probe checks one shared backend (Redis, Postgres).
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthConfig wires a HealthChecker.
type HealthConfig struct {
	Registry *registry.Registry
	Meter    *usage.Meter
	Probes   []Probe
	Interval time.Duration
	Logger   *slog.Logger
}

// HealthChecker runs two kinds of background probe on every tick:
//   - each unavailable provider's HealthCheck, whose successes count toward
//     the meter's recovery streak
//   - each shared backend, for /readiness
type HealthChecker struct {
	reg     *registry.Registry
	meter   *usage.Meter
	probes  []Probe
	log     *slog.Logger
	baseCtx context.Context

	backends map[string]*componentStatus

	startTime time.Time
	interval  time.Duration
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker runs one probe round synchronously and then starts the
// background loop.
func NewHealthChecker(ctx context.Context, cfg HealthConfig) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := &HealthChecker{
		reg:       cfg.Registry,
		meter:     cfg.Meter,
		probes:    cfg.Probes,
		log:       cfg.Logger,
		baseCtx:   ctx,
		backends:  make(map[string]*componentStatus, len(cfg.Probes)),
		startTime: time.Now(),
		interval:  cfg.Interval,
		done:      make(chan struct{}),
	}
	for _, p := range cfg.Probes {
		hc.backends[p.Name] = &componentStatus{}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()
	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Backends      map[string]string `json:"backends,omitempty"`
}

// Snapshot reports "degraded" while any provider is unavailable or any
// backend is down, and "down" when no provider is available.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     make(map[string]string),
	}

	up := 0
	for _, p := range hc.reg.List() {
		st := "unavailable"
		if p.IsAvailable {
			st = "available"
			up++
		} else {
			snap.Status = "degraded"
		}
		snap.Providers[string(p.Name)] = st
	}

	if len(hc.backends) > 0 {
		snap.Backends = make(map[string]string, len(hc.backends))
		for name, s := range hc.backends {
			st := s.get()
			snap.Backends[name] = st
			if st != "ok" {
				snap.Status = "degraded"
			}
		}
	}

	if up == 0 {
		snap.Status = "down"
	}
	return snap
}

// Ready reports whether every shared backend answered its last probe.
func (hc *HealthChecker) Ready() bool {
	for _, s := range hc.backends {
		if s.get() != "ok" {
			return false
		}
	}
	return true
}

// Close stops the background loop. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range hc.reg.List() {
		if p.IsAvailable {
			continue
		}
		client, ok := hc.reg.Client(p.Name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name providers.Name, client providers.Provider) {
			defer wg.Done()
			hc.probeProvider(ctx, name, client)
		}(p.Name, client)
	}

	for _, p := range hc.probes {
		s := hc.backends[p.Name]
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			if err := p.Check(ctx); err != nil {
				if s.get() != "down" {
					hc.log.Warn("backend_probe_failed",
						slog.String("backend", p.Name),
						slog.String("error", err.Error()),
					)
				}
				s.set("down")
				return
			}
			s.set("ok")
		}(p)
	}

	wg.Wait()
}

// probeProvider feeds one out-of-band check into the meter's recovery logic.
func (hc *HealthChecker) probeProvider(ctx context.Context, name providers.Name, client providers.Provider) {
	err := client.HealthCheck(ctx)
	tr := hc.meter.RecordProbe(name, err == nil)
	dispatch.Apply(hc.reg, name, tr)

	if err != nil {
		hc.log.Debug("provider_probe_failed",
			slog.String("provider", string(name)),
			slog.String("reason", providers.Classify(err)),
		)
		return
	}
	if tr == usage.BecameAvailable {
		hc.log.Info("provider_recovered",
			slog.String("provider", string(name)),
			slog.String("via", "health_probe"),
		)
	}
}
