package proxy

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/omniscient-ai/provider-gateway/internal/dispatch"
	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/routing"
	"github.com/omniscient-ai/provider-gateway/pkg/apierr"
)

// handleCompare serves POST /compare: the same prompt goes to every named
// provider in parallel and each outcome is reported on its own. The overall
// status is 200 even when some providers fail. One request is charged
// against the tenant's quota, and nothing is cached.
func (g *Gateway) handleCompare(ctx *fasthttp.RequestCtx) {
	start := g.now()
	id := identityOf(ctx)
	reqID := requestIDOf(ctx)

	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("compare", ctx.Response.StatusCode(), time.Since(start), len(ctx.PostBody()))
	}()

	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	if !g.admit(ctx, reqCtx, id) {
		return
	}

	var body compareRequest
	if err := g.decodeBody(ctx, &body); err != nil {
		apierr.Write(ctx, apierr.InvalidRequest, err.Error())
		return
	}

	names := make([]providers.Name, 0, len(body.Providers))
	for _, raw := range body.Providers {
		n, err := providers.ParseName(raw)
		if err != nil {
			apierr.Write(ctx, apierr.InvalidRequest, err.Error())
			return
		}
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}

	preq := &providers.CompletionRequest{
		Prompt:       body.Prompt,
		SystemPrompt: body.SystemPrompt,
		Temperature:  temperatureOf(body.Temperature),
		MaxTokens:    body.MaxTokens,
		RequestID:    reqID,
	}

	results := make([]compareResult, len(names))
	var eg errgroup.Group
	for i, name := range names {
		eg.Go(func() error {
			results[i] = g.compareOne(reqCtx, name, id.TenantID, preq)
			return nil
		})
	}
	_ = eg.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	g.log.InfoContext(ctx, "compare",
		slog.String("request_id", reqID),
		slog.String("tenant_id", id.TenantID),
		slog.Int("providers", len(results)),
		slog.Int("succeeded", ok),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	writeJSON(ctx, fasthttp.StatusOK, compareResponse{Results: results})
}

// compareOne runs a single-candidate dispatch so the attempt is metered and
// can flip availability exactly like a routed call.
func (g *Gateway) compareOne(ctx context.Context, name providers.Name, tenantID string, preq *providers.CompletionRequest) compareResult {
	out := compareResult{Provider: string(name)}

	p, err := g.reg.Get(name)
	if err != nil {
		out.Error = &compareError{Reason: "not_configured", Message: err.Error()}
		return out
	}
	if !p.IsAvailable {
		out.Error = &compareError{Reason: "unavailable", Message: string(name) + " is marked unavailable"}
		return out
	}
	if preq.MaxTokens > 0 && p.MaxTokens < preq.MaxTokens {
		out.Error = &compareError{Reason: "max_tokens_exceeded", Message: "max_tokens exceeds provider limit"}
		return out
	}

	res, err := g.dispatch.Dispatch(ctx, routing.Candidates{p}, tenantID, preq)
	if err != nil {
		out.Error = compareFailure(err)
		var afe *dispatch.AllFailedError
		if errors.As(err, &afe) && len(afe.Attempts) > 0 {
			out.LatencyMs = afe.Attempts[0].LatencyMs
		}
		return out
	}

	out.Success = true
	out.Content = res.Completion.Content
	out.Model = res.Completion.Model
	out.LatencyMs = res.LatencyMs
	out.EstimatedCost = usd(res.CostEstimated)
	out.TokensEstimated = res.TokensEstimated
	return out
}

func compareFailure(err error) *compareError {
	var afe *dispatch.AllFailedError
	if errors.As(err, &afe) {
		switch {
		case afe.Aborted != nil:
			return &compareError{Reason: "timeout", Message: afe.Aborted.Error()}
		case len(afe.Attempts) > 0:
			a := afe.Attempts[0]
			msg := a.Reason
			if a.Err != nil {
				msg = a.Err.Error()
			}
			return &compareError{Reason: a.Reason, Message: msg}
		}
	}
	return &compareError{Reason: "unknown", Message: err.Error()}
}
