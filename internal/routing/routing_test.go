package routing

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
)

type catalog []registry.Provider

func (c catalog) List() []registry.Provider { return slices.Clone(c) }

type latencies map[providers.Name]time.Duration

func (l latencies) CurrentAvgLatency(n providers.Name) (time.Duration, bool) {
	d, ok := l[n]
	return d, ok
}

func prov(name providers.Name, cost string, latencyMs, quality int) registry.Provider {
	return registry.Provider{
		Name:            name,
		CostPer1KTokens: decimal.RequireFromString(cost),
		AvgLatencyMs:    latencyMs,
		QualityScore:    quality,
		MaxTokens:       100_000,
		IsAvailable:     true,
	}
}

func defaultCatalog() catalog {
	return catalog{
		prov(providers.OpenAI, "0.03", 1200, 95),
		prov(providers.Anthropic, "0.015", 1500, 92),
		prov(providers.Gemini, "0.0005", 800, 75),
		prov(providers.Ollama, "0", 2500, 70),
	}
}

func newRouter(t *testing.T, order ...providers.Name) *Router {
	t.Helper()
	r, err := New(order, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func route(t *testing.T, r *Router, req Request, cat Catalog, lat LatencySource) []providers.Name {
	t.Helper()
	c, err := r.Route(req, cat, lat)
	if err != nil {
		t.Fatalf("Route(%+v): %v", req, err)
	}
	return c.Names()
}

func TestRoute_CostAndQualityOrdering(t *testing.T) {
	cat := catalog{
		prov(providers.OpenAI, "0.03", 1200, 95),
		prov(providers.Anthropic, "0.015", 1500, 92),
		prov(providers.Gemini, "0.0005", 800, 75),
	}
	r := newRouter(t)

	got := route(t, r, Request{Strategy: Cost}, cat, nil)
	want := []providers.Name{providers.Gemini, providers.Anthropic, providers.OpenAI}
	if !slices.Equal(got, want) {
		t.Errorf("cost order = %v, want %v", got, want)
	}

	got = route(t, r, Request{Strategy: Quality}, cat, nil)
	want = []providers.Name{providers.OpenAI, providers.Anthropic, providers.Gemini}
	if !slices.Equal(got, want) {
		t.Errorf("quality order = %v, want %v", got, want)
	}
}

func TestRoute_TieBreaks(t *testing.T) {
	cat := catalog{
		prov(providers.OpenAI, "0.01", 1000, 80),
		prov(providers.Anthropic, "0.01", 1000, 90),
		prov(providers.Gemini, "0.02", 1000, 90),
	}
	r := newRouter(t)

	// Equal cost: higher quality first.
	got := route(t, r, Request{Strategy: Cost}, cat, nil)
	if !slices.Equal(got, []providers.Name{providers.Anthropic, providers.OpenAI, providers.Gemini}) {
		t.Errorf("cost tie-break = %v", got)
	}

	// Equal quality: cheaper first.
	got = route(t, r, Request{Strategy: Quality}, cat, nil)
	if !slices.Equal(got, []providers.Name{providers.Anthropic, providers.Gemini, providers.OpenAI}) {
		t.Errorf("quality tie-break = %v", got)
	}
}

func TestRoute_CostPrefersFreeLocalModel(t *testing.T) {
	cat := catalog{
		prov(providers.OpenAI, "0.03", 1200, 95),
		prov(providers.Ollama, "0", 2500, 70),
	}
	got := route(t, newRouter(t), Request{Strategy: Cost}, cat, nil)
	if got[0] != providers.Ollama {
		t.Fatalf("cost strategy should pick ollama first, got %v", got)
	}
}

func TestRoute_SpeedUsesObservedLatency(t *testing.T) {
	cat := defaultCatalog()
	r := newRouter(t)

	// No samples: static priors decide.
	got := route(t, r, Request{Strategy: Speed}, cat, latencies{})
	want := []providers.Name{providers.Gemini, providers.OpenAI, providers.Anthropic, providers.Ollama}
	if !slices.Equal(got, want) {
		t.Errorf("speed (priors) = %v, want %v", got, want)
	}

	// Gemini has been slow recently; Ollama fast.
	lat := latencies{
		providers.Gemini: 3 * time.Second,
		providers.Ollama: 100 * time.Millisecond,
	}
	got = route(t, r, Request{Strategy: Speed}, cat, lat)
	want = []providers.Name{providers.Ollama, providers.OpenAI, providers.Anthropic, providers.Gemini}
	if !slices.Equal(got, want) {
		t.Errorf("speed (observed) = %v, want %v", got, want)
	}
}

func TestRoute_BalancedShiftsWithComplexity(t *testing.T) {
	cat := defaultCatalog()
	r := newRouter(t)

	simple := route(t, r, Request{Strategy: Balanced, Complexity: Simple}, cat, nil)
	if simple[0] != providers.Gemini {
		t.Errorf("simple tasks should favor the cheap fast provider, got %v", simple)
	}

	complexOrder := route(t, r, Request{Strategy: Balanced, Complexity: Complex}, cat, nil)
	want := []providers.Name{providers.OpenAI, providers.Anthropic, providers.Gemini, providers.Ollama}
	if !slices.Equal(complexOrder, want) {
		t.Errorf("complex order = %v, want %v", complexOrder, want)
	}
}

func TestRoute_BalancedCustomWeights(t *testing.T) {
	r, err := New(nil, map[Complexity]Weights{Medium: {Quality: 1}})
	if err != nil {
		t.Fatal(err)
	}
	got := route(t, r, Request{Strategy: Balanced, Complexity: Medium}, defaultCatalog(), nil)
	want := []providers.Name{providers.OpenAI, providers.Anthropic, providers.Gemini, providers.Ollama}
	if !slices.Equal(got, want) {
		t.Errorf("quality-only weights = %v, want %v", got, want)
	}
}

func TestRoute_Failover(t *testing.T) {
	cat := defaultCatalog()

	r := newRouter(t, providers.Anthropic, providers.Ollama)
	got := route(t, r, Request{Strategy: Failover}, cat, nil)
	want := []providers.Name{providers.Anthropic, providers.Ollama, providers.OpenAI, providers.Gemini}
	if !slices.Equal(got, want) {
		t.Errorf("configured failover = %v, want %v", got, want)
	}

	got = route(t, newRouter(t), Request{Strategy: Failover}, cat, nil)
	want = []providers.Name{providers.OpenAI, providers.Anthropic, providers.Gemini, providers.Ollama}
	if !slices.Equal(got, want) {
		t.Errorf("default failover = %v, want %v", got, want)
	}
}

func TestRoute_ExcludesUnavailable(t *testing.T) {
	cat := defaultCatalog()
	cat[2].IsAvailable = false // gemini

	for _, s := range []Strategy{Cost, Speed, Quality, Balanced, Failover} {
		got := route(t, newRouter(t), Request{Strategy: s, Complexity: Medium}, cat, nil)
		if slices.Contains(got, providers.Gemini) {
			t.Errorf("%s: unavailable provider included: %v", s, got)
		}
		if len(got) != 3 {
			t.Errorf("%s: expected 3 candidates, got %v", s, got)
		}
	}
}

func TestRoute_ExcludesTooSmall(t *testing.T) {
	cat := defaultCatalog()
	cat[3].MaxTokens = 8192 // ollama
	got := route(t, newRouter(t), Request{Strategy: Cost, MaxTokens: 16_000}, cat, nil)
	if slices.Contains(got, providers.Ollama) {
		t.Errorf("provider with max_tokens below the request included: %v", got)
	}
}

func TestRoute_NoProviderAvailable(t *testing.T) {
	cat := defaultCatalog()
	for i := range cat {
		cat[i].IsAvailable = false
	}
	c, err := newRouter(t).Route(Request{Strategy: Cost}, cat, nil)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil candidates, got %v", c)
	}
}

func TestRoute_Pinned(t *testing.T) {
	cat := defaultCatalog()
	cat[1].IsAvailable = false // anthropic
	r := newRouter(t)

	got := route(t, r, Request{Strategy: Pinned, Pinned: providers.Gemini}, cat, nil)
	if !slices.Equal(got, []providers.Name{providers.Gemini}) {
		t.Errorf("pinned = %v", got)
	}

	if _, err := r.Route(Request{Strategy: Pinned, Pinned: providers.Anthropic}, cat, nil); !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("unavailable pin: expected ErrNoProviderAvailable, got %v", err)
	}
	if _, err := r.Route(Request{Strategy: Pinned}, cat, nil); !errors.Is(err, ErrPinnedRequired) {
		t.Errorf("missing pin: got %v", err)
	}
	if _, err := r.Route(Request{Strategy: Pinned, Pinned: "mistral"}, cat, nil); !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("unconfigured pin: got %v", err)
	}
}

func TestRoute_DoesNotMutateCatalog(t *testing.T) {
	cat := defaultCatalog()
	before := cat.List()
	_ = route(t, newRouter(t), Request{Strategy: Cost}, cat, nil)
	if !slices.EqualFunc(before, cat, func(a, b registry.Provider) bool { return a.Name == b.Name }) {
		t.Fatal("Route reordered the catalog")
	}
}

func TestParse(t *testing.T) {
	if s, err := ParseStrategy("", Balanced); err != nil || s != Balanced {
		t.Errorf("empty strategy: %q %v", s, err)
	}
	if s, err := ParseStrategy("COST", Balanced); err != nil || s != Cost {
		t.Errorf("COST: %q %v", s, err)
	}
	if _, err := ParseStrategy("cheapest", Balanced); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("unknown strategy: %v", err)
	}
	if c, err := ParseComplexity(""); err != nil || c != Medium {
		t.Errorf("empty complexity: %q %v", c, err)
	}
	if _, err := ParseComplexity("hard"); !errors.Is(err, ErrUnknownComplexity) {
		t.Errorf("unknown complexity: %v", err)
	}
}

func TestNew_RejectsBadWeights(t *testing.T) {
	for _, w := range []Weights{{}, {Cost: -1, Quality: 2}} {
		if _, err := New(nil, map[Complexity]Weights{Simple: w}); err == nil {
			t.Errorf("weights %+v accepted", w)
		}
	}
}
