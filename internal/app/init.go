package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/omniscient-ai/provider-gateway/internal/cache"
	"github.com/omniscient-ai/provider-gateway/internal/dispatch"
	"github.com/omniscient-ai/provider-gateway/internal/keystore"
	"github.com/omniscient-ai/provider-gateway/internal/logger"
	"github.com/omniscient-ai/provider-gateway/internal/metrics"
	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/proxy"
	"github.com/omniscient-ai/provider-gateway/internal/ratelimit"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
	"github.com/omniscient-ai/provider-gateway/internal/routing"
	"github.com/omniscient-ai/provider-gateway/internal/usage"
)

// initInfra establishes optional external connections. Redis is shared by
// the cache and the rate limiter; Postgres backs the key store.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := cache.Dial(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.probes = append(a.probes, proxy.Probe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		a.log.Info("redis connected")
	}

	if a.cfg.Keystore.Mode == "postgres" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Keystore.DatabaseURL)))

		pg, err := keystore.OpenPostgres(ctx, a.cfg.Keystore.DatabaseURL, a.cfg.Keystore.CacheTTL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pg = pg
		a.probes = append(a.probes, proxy.Probe{Name: "postgres", Check: pg.Ping})
		a.log.Info("postgres connected")
	}

	return nil
}

// initProviders builds the upstream clients and the registry. At least one
// provider is guaranteed by config validation.
func (a *App) initProviders(ctx context.Context) error {
	specs, err := buildSpecs(ctx, a.cfg)
	if err != nil {
		return err
	}
	reg, err := registry.New(specs)
	if err != nil {
		return err
	}
	a.reg = reg

	a.log.Info("providers loaded", slog.Any("providers", reg.Names()))
	return nil
}

// initServices creates metrics, the usage meter and its log sink, the cache,
// the rate limiter and the key store chain.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	d := a.cfg.Dispatch
	a.meter = usage.New(a.reg.Names(), usage.Options{
		Window:            d.AvailabilityWindow,
		FailureRatio:      d.FailureRatio,
		MinSamples:        d.MinSamples,
		RecoverySuccesses: d.RecoverySuccesses,
		Alpha:             d.LatencyAlpha,
	})

	usageLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("usage log: %w", err)
	}
	a.usageLog = usageLog
	a.meter.SetSink(usageLog)
	a.prom.WatchDroppedLogs(usageLog.DroppedLogs)

	a.reg.OnAvailabilityChange(func(name providers.Name, available bool) {
		a.prom.SetProviderAvailable(string(name), available)
		a.log.Info("provider_availability_changed",
			slog.String("provider", string(name)),
			slog.Bool("available", available),
		)
	})

	if err := a.initCache(); err != nil {
		return err
	}
	if err := a.initRateLimiter(); err != nil {
		return err
	}
	return a.initKeystore()
}

func (a *App) initCache() error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cache = cache.NewRedis(a.rdb,
			cache.WithFailOpen(a.cfg.Cache.FailOpen),
			cache.WithLogger(a.log),
		)
		a.log.Info("cache backend: redis", slog.Bool("fail_open", a.cfg.Cache.FailOpen))

	case "memory":
		a.cache = cache.NewMemory(a.cfg.Cache.MaxEntries, a.cfg.Cache.TTL)
		a.log.Info("cache backend: memory (in-process)", slog.Int("max_entries", a.cfg.Cache.MaxEntries))

	case "none":
		a.cache = cache.Disabled{}
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}
	return nil
}

func (a *App) initRateLimiter() error {
	rl := a.cfg.RateLimit
	policy := ratelimit.Policy{
		keystore.TierFree:       {Requests: rl.Free, Window: rl.Window},
		keystore.TierPro:        {Requests: rl.Pro, Window: rl.Window},
		keystore.TierEnterprise: {Requests: rl.Enterprise, Window: rl.Window},
	}

	switch rl.Mode {
	case "redis":
		lim, err := ratelimit.NewRedis(a.rdb, policy,
			ratelimit.WithFailOpen(rl.FailOpen),
			ratelimit.WithLogger(a.log),
		)
		if err != nil {
			return err
		}
		a.limiter = lim

	case "memory":
		lim, err := ratelimit.NewMemory(policy)
		if err != nil {
			return err
		}
		a.memLimiter = lim
		a.limiter = lim

	case "none":
		a.limiter = ratelimit.Unlimited{}

	default:
		return fmt.Errorf("unknown rate limit mode: %s", rl.Mode)
	}

	a.log.Info("rate limiting",
		slog.String("mode", rl.Mode),
		slog.Duration("window", rl.Window),
		slog.Int("free", rl.Free),
		slog.Int("pro", rl.Pro),
		slog.Int("enterprise", rl.Enterprise),
	)
	return nil
}

// initKeystore chains admin keys, static keys, JWT bearer tokens and
// Postgres, in that order.
func (a *App) initKeystore() error {
	ks := a.cfg.Keystore

	if len(ks.AdminKeys) > 0 {
		adm, err := keystore.ParseAdmin(ks.AdminKeys)
		if err != nil {
			return err
		}
		a.auth = append(a.auth, adm)
		a.log.Info("keystore: admin keys loaded", slog.Int("keys", adm.Len()))
	}

	if len(ks.StaticKeys) > 0 {
		st, err := keystore.ParseStatic(ks.StaticKeys)
		if err != nil {
			return err
		}
		a.auth = append(a.auth, st)
		a.log.Info("keystore: static keys loaded", slog.Int("keys", st.Len()))
	}
	if ks.JWTSecret != "" {
		a.auth = append(a.auth, keystore.NewJWT(ks.JWTSecret))
		a.log.Info("keystore: jwt bearer tokens enabled")
	}
	if a.pg != nil {
		a.auth = append(a.auth, a.pg)
		a.log.Info("keystore: postgres enabled", slog.Duration("cache_ttl", ks.CacheTTL))
	}
	if len(a.auth) == 0 {
		return fmt.Errorf("no inbound credential source configured")
	}
	return nil
}

// initGateway wires the router, dispatcher and front door together.
func (a *App) initGateway(_ context.Context) error {
	rc := a.cfg.Routing
	router, err := routing.New(rc.FailoverOrder, rc.Weights)
	if err != nil {
		return err
	}

	d := a.cfg.Dispatch
	// dispatch.Options reads 0 as "use the default"; negative disables.
	retries := d.TransientRetries
	if retries == 0 {
		retries = -1
	}
	dispatcher := dispatch.New(a.reg, a.meter, a.prom, a.log, dispatch.Options{
		AttemptTimeout:   d.ProviderTimeout,
		TransientRetries: retries,
	})

	var exclusions *cache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		exclusions, err = cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.log.Info("cache exclusions loaded", slog.Int("rules", exclusions.Len()))
	}

	policy := cache.Policy{MaxTemperature: a.cfg.Cache.MaxTemperature, Exclusions: exclusions}
	if a.cfg.Cache.Mode != "none" {
		policy.TTL = a.cfg.Cache.TTL
	}

	// The gateway's health checker outlives init; bind it to the app context.
	gw, err := proxy.New(a.baseCtx, proxy.Deps{
		Registry:   a.reg,
		Router:     router,
		Dispatcher: dispatcher,
		Meter:      a.meter,
		Auth:       a.auth,
		Limiter:    a.limiter,
		Cache:      a.cache,
	}, proxy.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		RequestTimeout:  d.RequestTimeout,
		DefaultStrategy: rc.DefaultStrategy,
		CachePolicy:     policy,
		CORSOrigins:     a.cfg.CORSOrigins,
		Probes:          a.probes,
		ProbeInterval:   a.cfg.Health.ProbeInterval,
	})
	if err != nil {
		return err
	}
	a.gw = gw
	return nil
}
