package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
	"github.com/omniscient-ai/provider-gateway/internal/routing"
	"github.com/omniscient-ai/provider-gateway/internal/usage"
)

type funcProvider struct {
	name  providers.Name
	calls atomic.Int64
	fn    func(context.Context, *providers.CompletionRequest) (*providers.Completion, error)
}

func (f *funcProvider) Name() providers.Name { return f.name }
func (f *funcProvider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}
func (f *funcProvider) HealthCheck(context.Context) error { return nil }

type providerError struct {
	status int
	msg    string
}

func (e *providerError) Error() string   { return e.msg }
func (e *providerError) HTTPStatus() int { return e.status }

func okProvider(name providers.Name, content string) *funcProvider {
	return &funcProvider{name: name, fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		return &providers.Completion{ID: "id-" + string(name), Content: content}, nil
	}}
}

func failProvider(name providers.Name, status int) *funcProvider {
	return &funcProvider{name: name, fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		return nil, &providerError{status: status, msg: "upstream says no"}
	}}
}

func blockingProvider(name providers.Name) *funcProvider {
	return &funcProvider{name: name, fn: func(ctx context.Context, _ *providers.CompletionRequest) (*providers.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

type fixture struct {
	reg   *registry.Registry
	meter *usage.Meter
	d     *Dispatcher
}

func newFixture(t *testing.T, opts Options, meterOpts usage.Options, clients ...*funcProvider) *fixture {
	t.Helper()
	specs := make([]registry.Spec, 0, len(clients))
	names := make([]providers.Name, 0, len(clients))
	for _, c := range clients {
		specs = append(specs, registry.Spec{
			Name:            c.name,
			CostPer1KTokens: decimal.RequireFromString("0.01"),
			AvgLatencyMs:    100,
			QualityScore:    50,
			MaxTokens:       4096,
			Client:          c,
		})
		names = append(names, c.name)
	}
	reg, err := registry.New(specs)
	if err != nil {
		t.Fatal(err)
	}
	meter := usage.New(names, meterOpts)
	return &fixture{reg: reg, meter: meter, d: New(reg, meter, nil, nil, opts)}
}

func (f *fixture) candidates(names ...providers.Name) routing.Candidates {
	out := make(routing.Candidates, 0, len(names))
	for _, n := range names {
		p, _ := f.reg.Get(n)
		out = append(out, p)
	}
	return out
}

func request() *providers.CompletionRequest {
	return &providers.CompletionRequest{Prompt: "What is AI?", RequestID: "req-1"}
}

// A and B fail, C succeeds: C's response wins and the meter holds exactly
// one failure each for A and B and one success for C.
func TestDispatch_FailoverOrdering(t *testing.T) {
	a := failProvider(providers.OpenAI, 500)
	b := failProvider(providers.Anthropic, 400)
	c := okProvider(providers.Gemini, "from gemini")
	f := newFixture(t, Options{}, usage.Options{}, a, b, c)

	res, err := f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI, providers.Anthropic, providers.Gemini), "tenant-1", request())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Provider != providers.Gemini || res.Completion.Content != "from gemini" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Failed) != 2 || res.Failed[0].Provider != providers.OpenAI || res.Failed[1].Provider != providers.Anthropic {
		t.Fatalf("failed attempts = %+v", res.Failed)
	}

	for _, tc := range []struct {
		name               providers.Name
		attempts, failures int64
	}{
		{providers.OpenAI, 1, 1},
		{providers.Anthropic, 1, 1},
		{providers.Gemini, 1, 0},
	} {
		if got := f.meter.Attempts(tc.name); got != tc.attempts {
			t.Errorf("%s attempts = %d, want %d", tc.name, got, tc.attempts)
		}
		if got := f.meter.Failures(tc.name); got != tc.failures {
			t.Errorf("%s failures = %d, want %d", tc.name, got, tc.failures)
		}
	}
}

func TestDispatch_FirstSuccessStops(t *testing.T) {
	a := okProvider(providers.OpenAI, "first")
	b := okProvider(providers.Anthropic, "second")
	f := newFixture(t, Options{}, usage.Options{}, a, b)

	res, err := f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI, providers.Anthropic), "t", request())
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != providers.OpenAI {
		t.Fatalf("provider = %s", res.Provider)
	}
	if b.calls.Load() != 0 {
		t.Fatal("second candidate must not be called after a success")
	}
}

func TestDispatch_AllFailed(t *testing.T) {
	a := failProvider(providers.OpenAI, 500)
	b := failProvider(providers.Anthropic, 429)
	f := newFixture(t, Options{}, usage.Options{}, a, b)

	_, err := f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI, providers.Anthropic), "t", request())
	var all *AllFailedError
	if !errors.As(err, &all) {
		t.Fatalf("expected AllFailedError, got %v", err)
	}
	if all.Aborted != nil {
		t.Fatalf("not aborted, got %v", all.Aborted)
	}
	reasons := all.Reasons()
	if reasons["openai"] != "http_500" || reasons["anthropic"] != "http_429" {
		t.Fatalf("reasons = %v", reasons)
	}

	var pe *providerError
	if !errors.As(err, &pe) {
		t.Fatal("attempt errors should be reachable via errors.As")
	}
}

// A transient blip answered by an immediate retry is one successful attempt,
// not a failure.
func TestDispatch_TransientRetryIsNotAFailure(t *testing.T) {
	var n atomic.Int64
	flaky := &funcProvider{name: providers.OpenAI, fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		if n.Add(1) == 1 {
			return nil, &providerError{status: 503, msg: "blip"}
		}
		return &providers.Completion{Content: "ok"}, nil
	}}
	f := newFixture(t, Options{}, usage.Options{}, flaky)

	res, err := f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI), "t", request())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Provider != providers.OpenAI || flaky.calls.Load() != 2 {
		t.Fatalf("provider=%s calls=%d", res.Provider, flaky.calls.Load())
	}
	if f.meter.Failures(providers.OpenAI) != 0 || f.meter.Attempts(providers.OpenAI) != 1 {
		t.Fatalf("attempts=%d failures=%d, want 1/0", f.meter.Attempts(providers.OpenAI), f.meter.Failures(providers.OpenAI))
	}
}

func TestDispatch_RetryIsBounded(t *testing.T) {
	down := failProvider(providers.OpenAI, 502)
	f := newFixture(t, Options{TransientRetries: 1}, usage.Options{}, down)

	_, err := f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI), "t", request())
	if err == nil {
		t.Fatal("expected failure")
	}
	if down.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", down.calls.Load())
	}
	if f.meter.Failures(providers.OpenAI) != 1 {
		t.Fatalf("failures = %d, want 1", f.meter.Failures(providers.OpenAI))
	}
}

func TestDispatch_NonTransientNotRetried(t *testing.T) {
	bad := failProvider(providers.OpenAI, 400)
	f := newFixture(t, Options{}, usage.Options{}, bad)

	_, _ = f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI), "t", request())
	if bad.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", bad.calls.Load())
	}
}

func TestDispatch_PerAttemptTimeout(t *testing.T) {
	slow := blockingProvider(providers.OpenAI)
	fast := okProvider(providers.Anthropic, "fast")
	f := newFixture(t, Options{AttemptTimeout: 20 * time.Millisecond}, usage.Options{}, slow, fast)

	res, err := f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI, providers.Anthropic), "t", request())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Provider != providers.Anthropic {
		t.Fatalf("provider = %s", res.Provider)
	}
	if len(res.Failed) != 1 || res.Failed[0].Reason != "timeout" {
		t.Fatalf("failed = %+v", res.Failed)
	}
	if slow.calls.Load() != 1 {
		t.Fatalf("timeouts must not be retried, calls = %d", slow.calls.Load())
	}
}

// The caller's deadline stops the loop: untried candidates are never called
// and the aborted attempt is not held against the provider.
func TestDispatch_OverallDeadlineAborts(t *testing.T) {
	slow := blockingProvider(providers.OpenAI)
	next := okProvider(providers.Anthropic, "never")
	f := newFixture(t, Options{AttemptTimeout: time.Second}, usage.Options{}, slow, next)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.d.Dispatch(ctx, f.candidates(providers.OpenAI, providers.Anthropic), "t", request())
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("dispatch did not honor the caller deadline")
	}

	var all *AllFailedError
	if !errors.As(err, &all) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected aborted AllFailedError, got %v", err)
	}
	if next.calls.Load() != 0 {
		t.Fatal("untried candidate was called after the deadline")
	}
	if f.meter.Failures(providers.OpenAI) != 0 {
		t.Fatal("an aborted attempt must not count as a provider failure")
	}
}

func TestDispatch_CanceledBeforeStart(t *testing.T) {
	a := okProvider(providers.OpenAI, "x")
	f := newFixture(t, Options{}, usage.Options{}, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.d.Dispatch(ctx, f.candidates(providers.OpenAI), "t", request())
	if !errors.Is(err, context.Canceled) || a.calls.Load() != 0 {
		t.Fatalf("err=%v calls=%d", err, a.calls.Load())
	}
}

func TestDispatch_FlipsAvailability(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	a := &funcProvider{name: providers.OpenAI, fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		if failing.Load() {
			return nil, &providerError{status: 500, msg: "down"}
		}
		return &providers.Completion{Content: "back"}, nil
	}}
	b := okProvider(providers.Anthropic, "ok")
	f := newFixture(t, Options{}, usage.Options{Window: 4, MinSamples: 2, FailureRatio: 0.5, RecoverySuccesses: 2}, a, b)
	ctx := context.Background()
	cands := f.candidates(providers.OpenAI, providers.Anthropic)

	for i := 0; i < 2; i++ {
		if _, err := f.d.Dispatch(ctx, cands, "t", request()); err != nil {
			t.Fatal(err)
		}
	}
	if p, _ := f.reg.Get(providers.OpenAI); p.IsAvailable {
		t.Fatal("openai should be unavailable after 2/2 failures")
	}

	// Recovery needs two consecutive successes.
	failing.Store(false)
	only := f.candidates(providers.OpenAI)
	_, _ = f.d.Dispatch(ctx, only, "t", request())
	if p, _ := f.reg.Get(providers.OpenAI); p.IsAvailable {
		t.Fatal("one success must not restore availability")
	}
	_, _ = f.d.Dispatch(ctx, only, "t", request())
	if p, _ := f.reg.Get(providers.OpenAI); !p.IsAvailable {
		t.Fatal("openai should be available after 2 consecutive successes")
	}
}

// A manual unavailable flag set while a call is in flight survives that
// call's success.
func TestDispatch_SuccessKeepsManualFlag(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	a := &funcProvider{name: providers.OpenAI, fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		close(started)
		<-release
		return &providers.Completion{Content: "late"}, nil
	}}
	f := newFixture(t, Options{}, usage.Options{Window: 4, MinSamples: 2, FailureRatio: 0.5, RecoverySuccesses: 2}, a)
	cands := f.candidates(providers.OpenAI)

	done := make(chan error, 1)
	go func() {
		_, err := f.d.Dispatch(context.Background(), cands, "t", request())
		done <- err
	}()

	<-started
	f.reg.MarkUnavailable(providers.OpenAI)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if p, _ := f.reg.Get(providers.OpenAI); p.IsAvailable {
		t.Fatal("a success must not clear a manual unavailable flag")
	}
	if f.meter.Attempts(providers.OpenAI) != 1 || f.meter.Failures(providers.OpenAI) != 0 {
		t.Fatal("the success should still be metered")
	}
}

func TestDispatch_TokensAndCost(t *testing.T) {
	withUsage := &funcProvider{name: providers.OpenAI, fn: func(context.Context, *providers.CompletionRequest) (*providers.Completion, error) {
		return &providers.Completion{Content: "x", Usage: providers.Usage{InputTokens: 300, OutputTokens: 200}}, nil
	}}
	f := newFixture(t, Options{}, usage.Options{}, withUsage)

	res, err := f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI), "tenant-c", request())
	if err != nil {
		t.Fatal(err)
	}
	if res.TokensEstimated != 500 {
		t.Fatalf("tokens = %d, want 500", res.TokensEstimated)
	}
	if !res.CostEstimated.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("cost = %s, want 0.005", res.CostEstimated)
	}
	if got := f.meter.Snapshot().TenantCost["tenant-c"]; got != "0.005" {
		t.Fatalf("tenant cost = %s", got)
	}

	// Without upstream usage the estimate is chars/4.
	plain := okProvider(providers.OpenAI, "12345678")
	f = newFixture(t, Options{}, usage.Options{}, plain)
	res, _ = f.d.Dispatch(context.Background(), f.candidates(providers.OpenAI), "t", &providers.CompletionRequest{Prompt: "abcd"})
	if res.TokensEstimated != 3 {
		t.Fatalf("estimated tokens = %d, want 3", res.TokensEstimated)
	}
}

func TestAllFailedError_Message(t *testing.T) {
	e := &AllFailedError{Attempts: []Attempt{
		{Provider: providers.OpenAI, Reason: "timeout"},
		{Provider: providers.Gemini, Reason: "http_503"},
	}}
	want := "dispatch: all 2 provider(s) failed: openai: timeout; gemini: http_503"
	if e.Error() != want {
		t.Fatalf("Error() = %q, want %q", e.Error(), want)
	}
}
