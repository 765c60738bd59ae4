// Package proxy is the gateway's HTTP front door.
//
// Every completion request runs the same strictly sequential pipeline:
//
//	authenticate → rate limit → cache lookup → route → dispatch → cache populate
//
// Each stage either hands the request on or writes exactly one terminal
// response. Stages never run out of order and none is skipped, except that a
// cache hit ends the pipeline before routing.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/omniscient-ai/provider-gateway/internal/cache"
	"github.com/omniscient-ai/provider-gateway/internal/dispatch"
	"github.com/omniscient-ai/provider-gateway/internal/keystore"
	"github.com/omniscient-ai/provider-gateway/internal/metrics"
	"github.com/omniscient-ai/provider-gateway/internal/ratelimit"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
	"github.com/omniscient-ai/provider-gateway/internal/routing"
	"github.com/omniscient-ai/provider-gateway/internal/usage"
)

// Deps are the components the front door drives. Registry, Router,
// Dispatcher, Meter and Auth are required.
type Deps struct {
	Registry   *registry.Registry
	Router     *routing.Router
	Dispatcher *dispatch.Dispatcher
	Meter      *usage.Meter
	Auth       keystore.Resolver
	// Limiter defaults to ratelimit.Unlimited.
	Limiter ratelimit.Limiter
	// Cache defaults to cache.Disabled.
	Cache cache.Cache
}

// Options tunes the front door. Zero values use defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// RequestTimeout is the overall deadline for one request. Default: 30s.
	RequestTimeout time.Duration
	// DefaultStrategy applies when a request names none. Default: balanced.
	DefaultStrategy routing.Strategy
	// CachePolicy decides which requests may use the cache. A zero TTL
	// disables caching.
	CachePolicy cache.Policy

	CORSOrigins []string

	// Probes are the shared backends reported by /readiness.
	Probes []Probe
	// ProbeInterval is the cadence of background health probes. Default: 30s.
	ProbeInterval time.Duration
}

// Gateway is safe for concurrent use.
type Gateway struct {
	reg      *registry.Registry
	router   *routing.Router
	dispatch *dispatch.Dispatcher
	meter    *usage.Meter
	auth     keystore.Resolver
	limiter  ratelimit.Limiter
	cache    cache.Cache

	log     *slog.Logger
	metrics *metrics.Registry
	health  *HealthChecker

	requestTimeout  time.Duration
	defaultStrategy routing.Strategy
	cachePolicy     cache.Policy
	corsOrigins     []string

	validate *validator.Validate
	now      func() time.Time
}

// New builds a Gateway and starts its background health prober. Call Close
// to stop it.
func New(ctx context.Context, d Deps, opts Options) (*Gateway, error) {
	if ctx == nil {
		return nil, errors.New("proxy: context must not be nil")
	}
	switch {
	case d.Registry == nil:
		return nil, errors.New("proxy: registry is required")
	case d.Router == nil:
		return nil, errors.New("proxy: router is required")
	case d.Dispatcher == nil:
		return nil, errors.New("proxy: dispatcher is required")
	case d.Meter == nil:
		return nil, errors.New("proxy: usage meter is required")
	case d.Auth == nil:
		return nil, errors.New("proxy: credential resolver is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.Unlimited{}
	}
	if d.Cache == nil {
		d.Cache = cache.Disabled{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = routing.Balanced
	}

	g := &Gateway{
		reg:             d.Registry,
		router:          d.Router,
		dispatch:        d.Dispatcher,
		meter:           d.Meter,
		auth:            d.Auth,
		limiter:         d.Limiter,
		cache:           d.Cache,
		log:             log,
		metrics:         opts.Metrics,
		requestTimeout:  opts.RequestTimeout,
		defaultStrategy: opts.DefaultStrategy,
		cachePolicy:     opts.CachePolicy,
		corsOrigins:     opts.CORSOrigins,
		validate:        newValidator(),
		now:             time.Now,
	}

	for _, p := range d.Registry.List() {
		g.metrics.InitProvider(string(p.Name))
	}

	g.health = NewHealthChecker(ctx, HealthConfig{
		Registry: d.Registry,
		Meter:    d.Meter,
		Probes:   opts.Probes,
		Interval: opts.ProbeInterval,
		Logger:   log,
	})

	return g, nil
}

// Close stops the health prober.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// Health exposes the background prober's view.
func (g *Gateway) Health() *HealthChecker { return g.health }
