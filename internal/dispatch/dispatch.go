// Package dispatch executes a routed candidate list: it calls each provider
// in turn under a per-attempt timeout, returns the first success, and feeds
// every outcome to the usage meter and the registry's availability flags.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omniscient-ai/provider-gateway/internal/metrics"
	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
	"github.com/omniscient-ai/provider-gateway/internal/routing"
	"github.com/omniscient-ai/provider-gateway/internal/usage"
)

// Attempt describes one failed candidate.
type Attempt struct {
	Provider  providers.Name `json:"provider"`
	Reason    string         `json:"reason"`
	LatencyMs int64          `json:"latency_ms"`
	Err       error          `json:"-"`
}

// AllFailedError is returned when no candidate produced a response. When
// the caller's context ended first, Aborted holds ctx.Err() and the untried
// candidates are absent from Attempts.
type AllFailedError struct {
	Attempts []Attempt
	Aborted  error
}

func (e *AllFailedError) Error() string {
	var b strings.Builder
	if e.Aborted != nil {
		fmt.Fprintf(&b, "dispatch: aborted after %d attempt(s): %v", len(e.Attempts), e.Aborted)
	} else {
		fmt.Fprintf(&b, "dispatch: all %d provider(s) failed", len(e.Attempts))
	}
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(string(a.Provider))
		b.WriteString(": ")
		b.WriteString(a.Reason)
	}
	return b.String()
}

// Unwrap exposes the abort cause and every attempt error to errors.Is/As.
func (e *AllFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	if e.Aborted != nil {
		errs = append(errs, e.Aborted)
	}
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Reasons maps each failed provider to its failure category.
func (e *AllFailedError) Reasons() map[string]string {
	out := make(map[string]string, len(e.Attempts))
	for _, a := range e.Attempts {
		out[string(a.Provider)] = a.Reason
	}
	return out
}

// Result is a successful dispatch.
type Result struct {
	Completion      *providers.Completion
	Provider        providers.Name
	LatencyMs       int64
	TokensEstimated int
	CostEstimated   decimal.Decimal
	// Failed lists the candidates tried before the winner.
	Failed []Attempt
}

// Options tunes the try loop. Zero values use defaults.
type Options struct {
	// AttemptTimeout bounds one candidate, retries included. Default: 10s.
	AttemptTimeout time.Duration
	// TransientRetries is the number of immediate retries against the same
	// candidate after a transient error. Default: 1. Negative disables.
	TransientRetries int
}

func (o Options) withDefaults() Options {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.TransientRetries == 0 {
		o.TransientRetries = 1
	}
	if o.TransientRetries < 0 {
		o.TransientRetries = 0
	}
	return o
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	reg     *registry.Registry
	meter   *usage.Meter
	metrics *metrics.Registry
	log     *slog.Logger
	opts    Options
}

func New(reg *registry.Registry, meter *usage.Meter, m *metrics.Registry, log *slog.Logger, opts Options) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{reg: reg, meter: meter, metrics: m, log: log, opts: opts.withDefaults()}
}

// Dispatch tries cands in order and returns the first success. Every
// completed attempt produces exactly one usage record; transient retries
// inside an attempt do not.
func (d *Dispatcher) Dispatch(ctx context.Context, cands routing.Candidates, tenantID string, req *providers.CompletionRequest) (*Result, error) {
	var failed []Attempt

	for i, cand := range cands {
		if err := ctx.Err(); err != nil {
			return nil, &AllFailedError{Attempts: failed, Aborted: err}
		}

		client, ok := d.reg.Client(cand.Name)
		if !ok {
			failed = append(failed, Attempt{Provider: cand.Name, Reason: "not_configured", Err: registry.ErrNotFound})
			continue
		}

		start := time.Now()
		comp, err := d.attempt(ctx, client, req)
		dur := time.Since(start)
		latencyMs := dur.Milliseconds()

		if err == nil {
			return d.succeed(ctx, cand, tenantID, req, comp, dur, failed), nil
		}

		// The caller gave up; this is not the provider's fault.
		if ctx.Err() != nil {
			d.log.WarnContext(ctx, "dispatch_aborted",
				slog.String("request_id", req.RequestID),
				slog.String("provider", string(cand.Name)),
				slog.Int64("latency_ms", latencyMs),
				slog.String("error", ctx.Err().Error()),
			)
			return nil, &AllFailedError{Attempts: failed, Aborted: ctx.Err()}
		}

		reason := providers.Classify(err)
		failed = append(failed, Attempt{Provider: cand.Name, Reason: reason, LatencyMs: latencyMs, Err: err})

		tr := d.meter.Record(usage.Record{
			TenantID:  tenantID,
			Provider:  cand.Name,
			LatencyMs: latencyMs,
			Success:   false,
			Reason:    reason,
		})
		Apply(d.reg, cand.Name, tr)
		d.metrics.ObserveAttempt(string(cand.Name), reason, dur)

		d.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("tenant_id", tenantID),
			slog.String("provider", string(cand.Name)),
			slog.String("reason", reason),
			slog.Int64("latency_ms", latencyMs),
			slog.String("error", err.Error()),
		)

		if i+1 < len(cands) {
			d.metrics.RecordFailover(string(cand.Name), string(cands[i+1].Name), reason)
		}
	}

	return nil, &AllFailedError{Attempts: failed}
}

// attempt calls one candidate, retrying immediately on transient errors.
func (d *Dispatcher) attempt(ctx context.Context, client providers.Provider, req *providers.CompletionRequest) (*providers.Completion, error) {
	actx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()

	var lastErr error
	for try := 0; try <= d.opts.TransientRetries; try++ {
		comp, err := client.Complete(actx, req)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !providers.Transient(err) || actx.Err() != nil {
			break
		}
		if try < d.opts.TransientRetries {
			d.metrics.RecordRetry(string(client.Name()))
			d.log.DebugContext(ctx, "provider_transient_retry",
				slog.String("request_id", req.RequestID),
				slog.String("provider", string(client.Name())),
				slog.String("error", err.Error()),
			)
		}
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(lastErr, context.DeadlineExceeded) {
		lastErr = fmt.Errorf("%w: %v", context.DeadlineExceeded, lastErr)
	}
	return nil, lastErr
}

func (d *Dispatcher) succeed(
	ctx context.Context,
	cand registry.Provider,
	tenantID string,
	req *providers.CompletionRequest,
	comp *providers.Completion,
	dur time.Duration,
	failed []Attempt,
) *Result {
	tokens := comp.Usage.InputTokens + comp.Usage.OutputTokens
	if tokens == 0 {
		tokens = providers.EstimateTokens(req.SystemPrompt+req.Prompt) + providers.EstimateTokens(comp.Content)
	}
	cost := registry.EstimateCost(cand, tokens)

	tr := d.meter.Record(usage.Record{
		TenantID:        tenantID,
		Provider:        cand.Name,
		LatencyMs:       dur.Milliseconds(),
		Success:         true,
		TokensEstimated: tokens,
		CostEstimated:   cost,
	})
	Apply(d.reg, cand.Name, tr)
	if avg, ok := d.meter.CurrentAvgLatency(cand.Name); ok {
		d.reg.SetAvgLatency(cand.Name, int(avg.Milliseconds()))
	}

	d.metrics.ObserveAttempt(string(cand.Name), "success", dur)
	d.metrics.AddUsage(string(cand.Name), tokens, cost.InexactFloat64())

	if len(failed) > 0 {
		d.log.InfoContext(ctx, "failover_success",
			slog.String("request_id", req.RequestID),
			slog.String("from", string(failed[0].Provider)),
			slog.String("to", string(cand.Name)),
			slog.Int("failed_attempts", len(failed)),
		)
	}

	return &Result{
		Completion:      comp,
		Provider:        cand.Name,
		LatencyMs:       dur.Milliseconds(),
		TokensEstimated: tokens,
		CostEstimated:   cost,
		Failed:          failed,
	}
}

// Apply mirrors a meter availability transition onto the registry.
func Apply(reg *registry.Registry, name providers.Name, tr usage.Transition) {
	switch tr {
	case usage.BecameUnavailable:
		reg.MarkUnavailable(name)
	case usage.BecameAvailable:
		reg.MarkAvailable(name)
	}
}
