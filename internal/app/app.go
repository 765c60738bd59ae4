// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, Postgres when needed)
//  2. initProviders — upstream clients and the provider registry
//  3. initServices  — metrics, usage meter, usage log, cache, rate limiter, key store
//  4. initGateway   — router, dispatcher and the HTTP front door
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/omniscient-ai/provider-gateway/internal/cache"
	"github.com/omniscient-ai/provider-gateway/internal/config"
	"github.com/omniscient-ai/provider-gateway/internal/keystore"
	"github.com/omniscient-ai/provider-gateway/internal/logger"
	"github.com/omniscient-ai/provider-gateway/internal/metrics"
	"github.com/omniscient-ai/provider-gateway/internal/providers"
	anthropicprov "github.com/omniscient-ai/provider-gateway/internal/providers/anthropic"
	geminiprov "github.com/omniscient-ai/provider-gateway/internal/providers/gemini"
	openaiprov "github.com/omniscient-ai/provider-gateway/internal/providers/openai"
	openaicompatprov "github.com/omniscient-ai/provider-gateway/internal/providers/openaicompat"
	"github.com/omniscient-ai/provider-gateway/internal/proxy"
	"github.com/omniscient-ai/provider-gateway/internal/ratelimit"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
	"github.com/omniscient-ai/provider-gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections; nil when not configured.
	rdb *redis.Client
	pg  *keystore.Postgres

	reg      *registry.Registry
	meter    *usage.Meter
	usageLog *logger.Logger
	prom     *metrics.Registry

	cache      cache.Cache
	limiter    ratelimit.Limiter
	memLimiter *ratelimit.Memory
	auth       keystore.Chain
	probes     []proxy.Probe

	gw *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. Shutdown is graceful: in-flight requests get up to the
// request timeout to finish.
func (a *App) Run(ctx context.Context) error {
	addr := ":" + strconv.Itoa(a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("rate_limit_mode", a.cfg.RateLimit.Mode),
		slog.String("default_strategy", string(a.cfg.Routing.DefaultStrategy)),
		slog.Int("providers", len(a.reg.Names())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.gw.ListenAndServe(gctx, addr)
	})

	err := g.Wait()
	a.log.Info("gateway stopped")
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.gw != nil {
			a.gw.Close()
		}
		if a.usageLog != nil {
			if err := a.usageLog.Close(); err != nil {
				a.log.Error("usage log close error", slog.String("error", err.Error()))
			}
		}
		if a.memLimiter != nil {
			_ = a.memLimiter.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
		if a.pg != nil {
			if err := a.pg.Close(); err != nil {
				a.log.Error("postgres close error", slog.String("error", err.Error()))
			}
		}
	})
}

// Gateway returns the wired front door, mainly for in-process tests.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// ── Private helpers ──────────────────────────────────────────────────────────

// buildSpecs creates one registry entry per enabled provider, applying
// configured attribute overrides on top of the catalog defaults. Outbound
// secrets are read from the credential store.
func buildSpecs(ctx context.Context, cfg *config.Config) ([]registry.Spec, error) {
	names := cfg.EnabledProviders()
	specs := make([]registry.Spec, 0, len(names))

	keys := make(map[providers.Name]string, len(names))
	for _, name := range names {
		keys[name] = cfg.Providers[name].APIKey
	}
	creds := keystore.NewCredentials(keys)

	for _, name := range names {
		pc := cfg.Providers[name]
		key, _ := creds.APIKey(name)

		client, err := buildClient(ctx, name, key, pc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		s := registry.Defaults[name]
		s.Client = client
		applyAttributes(&s, pc.Attributes)
		specs = append(specs, s)
	}
	return specs, nil
}

func buildClient(ctx context.Context, name providers.Name, apiKey string, pc config.ProviderConfig) (providers.Provider, error) {
	switch name {
	case providers.OpenAI:
		opts := []openaiprov.Option{openaiprov.WithModel(pc.Model)}
		if pc.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(pc.BaseURL))
		}
		return openaiprov.New(apiKey, opts...), nil

	case providers.Anthropic:
		opts := []anthropicprov.Option{anthropicprov.WithModel(pc.Model)}
		if pc.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(pc.BaseURL))
		}
		return anthropicprov.New(apiKey, opts...), nil

	case providers.Gemini:
		opts := []geminiprov.Option{geminiprov.WithModel(pc.Model)}
		if pc.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(pc.BaseURL))
		}
		return geminiprov.New(ctx, apiKey, opts...)

	case providers.Ollama:
		return openaicompatprov.New(providers.Ollama, apiKey, pc.BaseURL, pc.Model), nil
	}
	return nil, fmt.Errorf("no adapter for provider %q", name)
}

func applyAttributes(s *registry.Spec, a config.Attributes) {
	if a.CostPer1KTokens != nil {
		s.CostPer1KTokens = *a.CostPer1KTokens
	}
	if a.AvgLatencyMs != nil {
		s.AvgLatencyMs = *a.AvgLatencyMs
	}
	if a.QualityScore != nil {
		s.QualityScore = *a.QualityScore
	}
	if a.MaxTokens != nil {
		s.MaxTokens = *a.MaxTokens
	}
	if a.SupportsStreaming != nil {
		s.SupportsStreaming = *a.SupportsStreaming
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	at := -1
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return raw
	}
	for j := 0; j+3 <= at; j++ {
		if raw[j:j+3] == "://" {
			return raw[:j+3] + "***" + raw[at:]
		}
	}
	return "***" + raw[at:]
}
