// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. A .env file, when
// present, is loaded into the process environment first. Environment
// variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// At least one provider and at least one inbound credential source must be
// configured for the gateway to start.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/routing"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of: debug, info, warn, error. Default: info.
	LogLevel string

	// Providers holds one entry per known provider, keyed by name. Entries
	// that are not Enabled are skipped at startup.
	Providers map[providers.Name]ProviderConfig

	Routing   RoutingConfig
	Keystore  KeystoreConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	Health    HealthConfig

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider
	// (Ollama is enabled by BaseURL instead).
	APIKey string
	// BaseURL overrides the provider's default API endpoint.
	BaseURL string
	// Model is the upstream model the adapter requests.
	Model string
	// Attributes override the catalog defaults; nil fields keep them.
	Attributes Attributes
}

// Attributes are per-provider catalog overrides.
type Attributes struct {
	CostPer1KTokens   *decimal.Decimal
	AvgLatencyMs      *int
	QualityScore      *int
	MaxTokens         *int
	SupportsStreaming *bool
}

// RoutingConfig controls candidate ordering.
type RoutingConfig struct {
	// DefaultStrategy applies when a request names neither strategy nor
	// provider. Default: balanced.
	DefaultStrategy routing.Strategy
	// FailoverOrder is the FAILOVER try sequence.
	FailoverOrder []providers.Name
	// Weights are the BALANCED cost/speed/quality weights per complexity.
	Weights map[routing.Complexity]routing.Weights
}

// KeystoreConfig selects inbound credential sources. Sources are chained in
// the order static, JWT, Postgres.
type KeystoreConfig struct {
	// Mode is "static" or "postgres". Default: static.
	Mode string
	// StaticKeys are "key=tenant[:tier]" entries.
	StaticKeys []string
	// AdminKeys use the StaticKeys format and may toggle provider availability.
	AdminKeys []string
	// DatabaseURL is the Postgres DSN. Required when Mode is "postgres".
	DatabaseURL string
	// CacheTTL bounds how long a resolved Postgres key is remembered. Default: 1m.
	CacheTTL time.Duration
	// JWTSecret enables HS256 bearer tokens when non-empty.
	JWTSecret string
}

// RateLimitConfig controls per-tenant request limiting.
type RateLimitConfig struct {
	// Mode selects the limiter backend:
	//   "memory" — in-process token buckets. Not shared across replicas.
	//   "redis"  — sliding window shared by every replica (requires REDIS_URL).
	//   "none"   — limiting disabled.
	// Default: "memory".
	Mode       string
	Window     time.Duration
	Free       int
	Pro        int
	Enterprise int
	// FailOpen admits requests when the shared store is unreachable. Default: true.
	FailOpen bool
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "memory" — in-process LRU with TTL. Not shared across replicas.
	//   "redis"  — Redis-backed cache (requires REDIS_URL).
	//   "none"   — cache disabled entirely.
	// Default: "memory".
	Mode string
	// TTL is the lifetime of a cached response. Default: 30m.
	TTL time.Duration
	// MaxEntries is the memory LRU capacity. Default: 10000.
	MaxEntries int
	// MaxTemperature above which requests are never cached. Default: 0.7.
	MaxTemperature float64
	// ExcludeExact lists prompts that must never be cached.
	ExcludeExact []string
	// ExcludePatterns are Go regular expressions matched against prompts.
	ExcludePatterns []string
	// FailOpen treats backend errors as misses. Default: true.
	FailOpen bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// DispatchConfig bounds upstream calls and tunes availability tracking.
type DispatchConfig struct {
	// RequestTimeout is the overall deadline of one inbound request. Default: 30s.
	RequestTimeout time.Duration
	// ProviderTimeout bounds a single candidate. Default: 10s.
	ProviderTimeout time.Duration
	// TransientRetries is the number of immediate retries within one
	// candidate. Default: 1.
	TransientRetries int

	AvailabilityWindow int
	FailureRatio       float64
	MinSamples         int
	RecoverySuccesses  int
	LatencyAlpha       float64
}

// HealthConfig controls the background prober.
type HealthConfig struct {
	// ProbeInterval is the cadence for probing unavailable providers. Default: 30s.
	ProbeInterval time.Duration
}

// providerEnv maps each provider to its env var names.
var providerEnv = []struct {
	name     providers.Name
	prefix   string
	keyVar   string
	urlVar   string
	modelVar string
	model    string
	// apiKey is the default key; Ollama ignores it but the client sends one.
	apiKey string
}{
	{providers.OpenAI, "OPENAI", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "gpt-4o", ""},
	{providers.Anthropic, "ANTHROPIC", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_MODEL", "claude-sonnet-4-5", ""},
	{providers.Gemini, "GEMINI", "GOOGLE_API_KEY", "GEMINI_BASE_URL", "GEMINI_MODEL", "gemini-2.0-flash", ""},
	{providers.Ollama, "OLLAMA", "OLLAMA_API_KEY", "OLLAMA_BASE_URL", "OLLAMA_MODEL", "llama3.2", "ollama"},
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")

	for _, p := range providerEnv {
		v.SetDefault(p.modelVar, p.model)
		if p.apiKey != "" {
			v.SetDefault(p.keyVar, p.apiKey)
		}
	}

	v.SetDefault("DEFAULT_STRATEGY", string(routing.Balanced))
	v.SetDefault("FAILOVER_ORDER", "openai,anthropic,gemini,ollama")
	v.SetDefault("BALANCED_WEIGHTS_SIMPLE", "0.5,0.4,0.1")
	v.SetDefault("BALANCED_WEIGHTS_MEDIUM", "0.34,0.33,0.33")
	v.SetDefault("BALANCED_WEIGHTS_COMPLEX", "0.15,0.15,0.7")

	v.SetDefault("KEYSTORE_MODE", "static")
	v.SetDefault("KEYSTORE_CACHE_TTL", "1m")

	v.SetDefault("RATE_LIMIT_MODE", "memory")
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("RATE_LIMIT_FREE", 20)
	v.SetDefault("RATE_LIMIT_PRO", 100)
	v.SetDefault("RATE_LIMIT_ENTERPRISE", 1000)
	v.SetDefault("RATE_LIMIT_FAIL_OPEN", true)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "30m")
	v.SetDefault("CACHE_MAX_ENTRIES", 10000)
	v.SetDefault("CACHE_MAX_TEMPERATURE", 0.7)
	v.SetDefault("CACHE_FAIL_OPEN", true)

	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("PROVIDER_TIMEOUT", "10s")
	v.SetDefault("TRANSIENT_RETRIES", 1)
	v.SetDefault("AVAILABILITY_WINDOW", 10)
	v.SetDefault("AVAILABILITY_FAILURE_RATIO", 0.5)
	v.SetDefault("AVAILABILITY_MIN_SAMPLES", 3)
	v.SetDefault("AVAILABILITY_RECOVERY_SUCCESSES", 2)
	v.SetDefault("LATENCY_EWMA_ALPHA", 0.3)
	v.SetDefault("HEALTH_PROBE_INTERVAL", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:      v.GetInt("PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		Providers: make(map[providers.Name]ProviderConfig, len(providerEnv)),

		Keystore: KeystoreConfig{
			Mode:        strings.ToLower(v.GetString("KEYSTORE_MODE")),
			StaticKeys:  splitList(v.GetString("GATEWAY_API_KEYS")),
			AdminKeys:   splitList(v.GetString("ADMIN_API_KEYS")),
			DatabaseURL: v.GetString("DATABASE_URL"),
			CacheTTL:    v.GetDuration("KEYSTORE_CACHE_TTL"),
			JWTSecret:   v.GetString("JWT_SECRET"),
		},

		RateLimit: RateLimitConfig{
			Mode:       strings.ToLower(v.GetString("RATE_LIMIT_MODE")),
			Window:     v.GetDuration("RATE_LIMIT_WINDOW"),
			Free:       v.GetInt("RATE_LIMIT_FREE"),
			Pro:        v.GetInt("RATE_LIMIT_PRO"),
			Enterprise: v.GetInt("RATE_LIMIT_ENTERPRISE"),
			FailOpen:   v.GetBool("RATE_LIMIT_FAIL_OPEN"),
		},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			MaxEntries:      v.GetInt("CACHE_MAX_ENTRIES"),
			MaxTemperature:  v.GetFloat64("CACHE_MAX_TEMPERATURE"),
			ExcludeExact:    splitList(v.GetString("CACHE_EXCLUDE_EXACT")),
			ExcludePatterns: splitList(v.GetString("CACHE_EXCLUDE_PATTERNS")),
			FailOpen:        v.GetBool("CACHE_FAIL_OPEN"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Dispatch: DispatchConfig{
			RequestTimeout:     v.GetDuration("REQUEST_TIMEOUT"),
			ProviderTimeout:    v.GetDuration("PROVIDER_TIMEOUT"),
			TransientRetries:   v.GetInt("TRANSIENT_RETRIES"),
			AvailabilityWindow: v.GetInt("AVAILABILITY_WINDOW"),
			FailureRatio:       v.GetFloat64("AVAILABILITY_FAILURE_RATIO"),
			MinSamples:         v.GetInt("AVAILABILITY_MIN_SAMPLES"),
			RecoverySuccesses:  v.GetInt("AVAILABILITY_RECOVERY_SUCCESSES"),
			LatencyAlpha:       v.GetFloat64("LATENCY_EWMA_ALPHA"),
		},

		Health: HealthConfig{ProbeInterval: v.GetDuration("HEALTH_PROBE_INTERVAL")},

		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
	}

	for _, p := range providerEnv {
		attrs, err := readAttributes(v, p.prefix)
		if err != nil {
			return nil, err
		}
		cfg.Providers[p.name] = ProviderConfig{
			APIKey:     v.GetString(p.keyVar),
			BaseURL:    v.GetString(p.urlVar),
			Model:      v.GetString(p.modelVar),
			Attributes: attrs,
		}
	}

	var err error
	if cfg.Routing, err = readRouting(v); err != nil {
		return nil, err
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readAttributes(v *viper.Viper, prefix string) (Attributes, error) {
	var a Attributes

	if key := prefix + "_COST_PER_1K"; v.IsSet(key) {
		d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return a, fmt.Errorf("config: invalid %s: %w", key, err)
		}
		a.CostPer1KTokens = &d
	}
	for key, dst := range map[string]**int{
		prefix + "_AVG_LATENCY_MS": &a.AvgLatencyMs,
		prefix + "_QUALITY":        &a.QualityScore,
		prefix + "_MAX_TOKENS":     &a.MaxTokens,
	} {
		if !v.IsSet(key) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return a, fmt.Errorf("config: invalid %s: %w", key, err)
		}
		*dst = &n
	}
	if key := prefix + "_STREAMING"; v.IsSet(key) {
		b, err := strconv.ParseBool(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return a, fmt.Errorf("config: invalid %s: %w", key, err)
		}
		a.SupportsStreaming = &b
	}
	return a, nil
}

func readRouting(v *viper.Viper) (RoutingConfig, error) {
	var rc RoutingConfig

	s, err := routing.ParseStrategy(v.GetString("DEFAULT_STRATEGY"), routing.Balanced)
	if err != nil {
		return rc, fmt.Errorf("config: invalid DEFAULT_STRATEGY: %w", err)
	}
	if s == routing.Pinned {
		return rc, errors.New("config: DEFAULT_STRATEGY cannot be pinned")
	}
	rc.DefaultStrategy = s

	for _, raw := range splitList(v.GetString("FAILOVER_ORDER")) {
		n, err := providers.ParseName(raw)
		if err != nil {
			return rc, fmt.Errorf("config: invalid FAILOVER_ORDER: %w", err)
		}
		rc.FailoverOrder = append(rc.FailoverOrder, n)
	}

	rc.Weights = make(map[routing.Complexity]routing.Weights, 3)
	for c, key := range map[routing.Complexity]string{
		routing.Simple:  "BALANCED_WEIGHTS_SIMPLE",
		routing.Medium:  "BALANCED_WEIGHTS_MEDIUM",
		routing.Complex: "BALANCED_WEIGHTS_COMPLEX",
	} {
		w, err := parseWeights(v.GetString(key))
		if err != nil {
			return rc, fmt.Errorf("config: invalid %s: %w", key, err)
		}
		rc.Weights[c] = w
	}
	return rc, nil
}

// parseWeights reads a "cost,speed,quality" triple.
func parseWeights(s string) (routing.Weights, error) {
	parts := splitList(s)
	if len(parts) != 3 {
		return routing.Weights{}, fmt.Errorf("want cost,speed,quality, got %q", s)
	}
	var f [3]float64
	for i, p := range parts {
		x, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return routing.Weights{}, err
		}
		if x < 0 {
			return routing.Weights{}, fmt.Errorf("negative weight %v", x)
		}
		f[i] = x
	}
	if f[0]+f[1]+f[2] == 0 {
		return routing.Weights{}, errors.New("weights sum to zero")
	}
	return routing.Weights{Cost: f[0], Speed: f[1], Quality: f[2]}, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.EnabledProviders()) == 0 {
		return errors.New(
			"config: at least one provider is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY or OLLAMA_BASE_URL)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Keystore.Mode {
	case "static":
	case "postgres":
		if c.Keystore.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when KEYSTORE_MODE=postgres")
		}
	default:
		return fmt.Errorf("config: invalid KEYSTORE_MODE %q; must be one of: static, postgres", c.Keystore.Mode)
	}
	if len(c.Keystore.StaticKeys) == 0 && c.Keystore.JWTSecret == "" && c.Keystore.Mode != "postgres" {
		return errors.New(
			"config: no inbound credential source; set GATEWAY_API_KEYS, JWT_SECRET or KEYSTORE_MODE=postgres",
		)
	}

	switch c.RateLimit.Mode {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_MODE %q; must be one of: memory, redis, none", c.RateLimit.Mode)
	}
	if c.RateLimit.Mode != "none" {
		if c.RateLimit.Window <= 0 {
			return errors.New("config: RATE_LIMIT_WINDOW must be a positive duration")
		}
		if c.RateLimit.Free < 1 || c.RateLimit.Pro < 1 || c.RateLimit.Enterprise < 1 {
			return errors.New("config: RATE_LIMIT_FREE, RATE_LIMIT_PRO and RATE_LIMIT_ENTERPRISE must be ≥ 1")
		}
	}

	switch c.Cache.Mode {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: memory, redis, none", c.Cache.Mode)
	}
	if c.Cache.Mode != "none" && c.Cache.TTL <= 0 {
		return errors.New("config: CACHE_TTL must be a positive duration")
	}
	if c.Cache.Mode == "memory" && c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be ≥ 1, got %d", c.Cache.MaxEntries)
	}

	if (c.Cache.Mode == "redis" || c.RateLimit.Mode == "redis") && c.Redis.URL == "" {
		return errors.New(
			"config: REDIS_URL is required when CACHE_MODE=redis or RATE_LIMIT_MODE=redis; " +
				"use memory mode for a single replica",
		)
	}

	d := c.Dispatch
	if d.RequestTimeout <= 0 || d.ProviderTimeout <= 0 {
		return errors.New("config: REQUEST_TIMEOUT and PROVIDER_TIMEOUT must be positive durations")
	}
	if d.ProviderTimeout >= d.RequestTimeout {
		return fmt.Errorf("config: PROVIDER_TIMEOUT (%s) must be shorter than REQUEST_TIMEOUT (%s)",
			d.ProviderTimeout, d.RequestTimeout)
	}
	if d.TransientRetries < 0 {
		return fmt.Errorf("config: TRANSIENT_RETRIES must be ≥ 0, got %d", d.TransientRetries)
	}
	if d.FailureRatio <= 0 || d.FailureRatio > 1 {
		return fmt.Errorf("config: AVAILABILITY_FAILURE_RATIO must be in (0,1], got %v", d.FailureRatio)
	}
	if d.AvailabilityWindow < 1 || d.MinSamples < 1 || d.RecoverySuccesses < 1 {
		return errors.New("config: AVAILABILITY_WINDOW, AVAILABILITY_MIN_SAMPLES and AVAILABILITY_RECOVERY_SUCCESSES must be ≥ 1")
	}
	if d.MinSamples > d.AvailabilityWindow {
		return fmt.Errorf("config: AVAILABILITY_MIN_SAMPLES (%d) exceeds AVAILABILITY_WINDOW (%d)",
			d.MinSamples, d.AvailabilityWindow)
	}
	if d.LatencyAlpha <= 0 || d.LatencyAlpha > 1 {
		return fmt.Errorf("config: LATENCY_EWMA_ALPHA must be in (0,1], got %v", d.LatencyAlpha)
	}

	if c.Health.ProbeInterval <= 0 {
		return errors.New("config: HEALTH_PROBE_INTERVAL must be a positive duration")
	}

	return nil
}

// EnabledProviders returns the configured providers in catalog order.
func (c *Config) EnabledProviders() []providers.Name {
	var out []providers.Name
	for _, p := range providerEnv {
		if c.Providers[p.name].Enabled(p.name) {
			out = append(out, p.name)
		}
	}
	return out
}

// Enabled reports whether the provider has enough configuration to be used.
// Ollama runs locally and needs a base URL; the hosted providers need a key.
func (pc ProviderConfig) Enabled(name providers.Name) bool {
	if name == providers.Ollama {
		return pc.BaseURL != ""
	}
	return pc.APIKey != ""
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
