package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/omniscient-ai/provider-gateway/internal/config"
	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/routing"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeOllama answers the OpenAI-compatible chat endpoint.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion",
				"created": 0,
				"model":   "llama3.2",
				"choices": []any{map[string]any{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": "local answer"},
					"finish_reason": "stop",
				}},
				"usage": map[string]any{"prompt_tokens": 4, "completion_tokens": 6, "total_tokens": 10},
			})
		case "/v1/models":
			_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(ollamaURL string) *config.Config {
	return &config.Config{
		Port:     0,
		LogLevel: "info",
		Providers: map[providers.Name]config.ProviderConfig{
			providers.Ollama: {APIKey: "ollama", BaseURL: ollamaURL, Model: "llama3.2"},
		},
		Routing: config.RoutingConfig{
			DefaultStrategy: routing.Balanced,
			FailoverOrder:   []providers.Name{providers.Ollama},
			Weights:         routing.DefaultWeights(),
		},
		Keystore:  config.KeystoreConfig{Mode: "static", StaticKeys: []string{"dev-key=tenant-a"}, AdminKeys: []string{"ops-key=platform"}, JWTSecret: "s3cret"},
		RateLimit: config.RateLimitConfig{Mode: "memory", Window: time.Minute, Free: 5, Pro: 10, Enterprise: 20, FailOpen: true},
		Cache:     config.CacheConfig{Mode: "memory", TTL: time.Minute, MaxEntries: 100, MaxTemperature: 0.7, FailOpen: true},
		Dispatch: config.DispatchConfig{
			RequestTimeout:     5 * time.Second,
			ProviderTimeout:    2 * time.Second,
			TransientRetries:   0,
			AvailabilityWindow: 10,
			FailureRatio:       0.5,
			MinSamples:         3,
			RecoverySuccesses:  2,
			LatencyAlpha:       0.3,
		},
		Health:      config.HealthConfig{ProbeInterval: time.Hour},
		CORSOrigins: []string{"*"},
	}
}

func TestApp_ServesCompletion(t *testing.T) {
	srv := fakeOllama(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(srv.URL+"/v1"), discard, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ln := fasthttputil.NewInmemoryListener()
	done := make(chan error, 1)
	go func() { done <- a.Gateway().Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
	}}

	post := func() map[string]any {
		req, _ := http.NewRequest(http.MethodPost, "http://gateway/complete", strings.NewReader(`{"prompt":"hello"}`))
		req.Header.Set("Authorization", "Bearer dev-key")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			t.Fatalf("status %d: %s", resp.StatusCode, b)
		}
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	first := post()
	if first["content"] != "local answer" || first["provider"] != "ollama" || first["cache"] != "miss" {
		t.Fatalf("first = %v", first)
	}
	if first["tokens_estimated"] != float64(10) {
		t.Errorf("tokens = %v, want upstream usage", first["tokens_estimated"])
	}
	if second := post(); second["cache"] != "hit" {
		t.Fatalf("second = %v", second)
	}

	for key, want := range map[string]int{"dev-key": http.StatusForbidden, "ops-key": http.StatusOK} {
		req, _ := http.NewRequest(http.MethodPost, "http://gateway/providers/ollama/available", nil)
		req.Header.Set("X-API-Key", key)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s: availability toggle status %d, want %d", key, resp.StatusCode, want)
		}
	}

	resp, err := client.Get("http://gateway/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "gateway_build_info") {
		t.Error("metrics endpoint should expose build info")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestApp_RedisModes(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := fakeOllama(t)

	cfg := testConfig(srv.URL + "/v1")
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Cache.Mode = "redis"
	cfg.RateLimit.Mode = "redis"

	a, err := New(context.Background(), cfg, discard, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.rdb == nil || len(a.probes) != 1 || a.probes[0].Name != "redis" {
		t.Fatalf("redis not wired: probes=%v", a.probes)
	}
	if a.memLimiter != nil {
		t.Error("memory limiter must not be created in redis mode")
	}
	if !a.Gateway().Health().Ready() {
		t.Error("redis probe should pass")
	}
}

func TestApp_RedisUnreachable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/v1")
	cfg.Redis.URL = "redis://127.0.0.1:1"
	cfg.Cache.Mode = "redis"

	if _, err := New(context.Background(), cfg, discard, "test"); err == nil || !strings.Contains(err.Error(), "init infra") {
		t.Fatalf("expected infra error, got %v", err)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	srv := fakeOllama(t)
	ctx, cancel := context.WithCancel(context.Background())

	a, err := New(ctx, testConfig(srv.URL+"/v1"), discard, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	a.Close()
}

func TestBuildSpecs_AppliesOverrides(t *testing.T) {
	cfg := testConfig("http://localhost:11434/v1")
	cost := decimal.RequireFromString("0.002")
	quality, streaming := 80, false
	pc := cfg.Providers[providers.Ollama]
	pc.Attributes = config.Attributes{CostPer1KTokens: &cost, QualityScore: &quality, SupportsStreaming: &streaming}
	cfg.Providers[providers.Ollama] = pc
	cfg.Providers[providers.OpenAI] = config.ProviderConfig{APIKey: "sk-test", Model: "gpt-4o"}

	specs, err := buildSpecs(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 || specs[0].Name != providers.OpenAI || specs[1].Name != providers.Ollama {
		t.Fatalf("specs = %+v", specs)
	}

	o := specs[1]
	if !o.CostPer1KTokens.Equal(cost) || o.QualityScore != 80 || o.SupportsStreaming {
		t.Errorf("overrides not applied: %+v", o)
	}
	if o.MaxTokens != 8192 || o.AvgLatencyMs != 2500 {
		t.Errorf("defaults lost: %+v", o)
	}
	if o.Client == nil || o.Client.Name() != providers.Ollama {
		t.Error("ollama client missing")
	}
	if specs[0].QualityScore != 95 {
		t.Errorf("openai defaults = %+v", specs[0])
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"redis://:secret@localhost:6379":        "redis://***@localhost:6379",
		"postgres://u:p@db:5432/keys?ssl=false": "postgres://***@db:5432/keys?ssl=false",
		"redis://localhost:6379":                "redis://localhost:6379",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
