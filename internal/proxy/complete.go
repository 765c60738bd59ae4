package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/omniscient-ai/provider-gateway/internal/cache"
	"github.com/omniscient-ai/provider-gateway/internal/dispatch"
	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/routing"
	"github.com/omniscient-ai/provider-gateway/pkg/apierr"
)

const (
	xCacheHIT    = "HIT"
	xCacheMISS   = "MISS"
	xCacheBYPASS = "BYPASS"
)

// handleComplete serves POST /complete. The caller is already authenticated.
func (g *Gateway) handleComplete(ctx *fasthttp.RequestCtx) {
	start := g.now()
	id := identityOf(ctx)
	reqID := requestIDOf(ctx)

	strategyLabel := "none"
	servedProvider := "none"
	cacheLabel := "bypass"
	tokens := 0
	cost := 0.0

	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP("complete", status, dur, len(ctx.PostBody()))
		g.log.InfoContext(ctx, "request",
			slog.String("request_id", reqID),
			slog.String("tenant_id", id.TenantID),
			slog.String("key_id", id.KeyID),
			slog.String("strategy", strategyLabel),
			slog.String("provider", servedProvider),
			slog.String("cache", cacheLabel),
			slog.Int("status", status),
			slog.Int("tokens_estimated", tokens),
			slog.Float64("estimated_cost", cost),
			slog.Int64("latency_ms", dur.Milliseconds()),
		)
	}()

	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	// 1. Rate limit. Charged on admission, so cache hits count too.
	if !g.admit(ctx, reqCtx, id) {
		return
	}

	// 2. Parse.
	var body completeRequest
	if err := g.decodeBody(ctx, &body); err != nil {
		apierr.Write(ctx, apierr.InvalidRequest, err.Error())
		return
	}
	rreq, err := g.routingRequest(body)
	if err != nil {
		apierr.Write(ctx, apierr.InvalidRequest, err.Error())
		return
	}
	strategyLabel = string(rreq.Strategy)

	// 3. Cache lookup.
	temperature := temperatureOf(body.Temperature)
	key := cache.Key{
		Prompt:       body.Prompt,
		SystemPrompt: body.SystemPrompt,
		Temperature:  *temperature,
		MaxTokens:    body.MaxTokens,
	}
	cacheable := g.cachePolicy.Cacheable(key)
	var fingerprint string
	if cacheable {
		fingerprint = cache.Fingerprint(key)
		entry, hit, err := g.cache.Get(reqCtx, fingerprint)
		if err != nil {
			g.metrics.RecordCache("get", "error")
			g.log.ErrorContext(ctx, "cache_backend_unavailable",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			apierr.Write(ctx, apierr.BackendUnavailable, "response cache unavailable")
			return
		}
		// A pinned caller only accepts an answer from the provider it named.
		if hit && (rreq.Strategy != routing.Pinned || entry.Provider == rreq.Pinned) {
			g.metrics.RecordCache("get", "hit")
			g.metrics.RecordCompletion(strategyLabel, string(entry.Provider), "hit")
			cacheLabel, servedProvider, tokens = "hit", string(entry.Provider), entry.TokensEstimated

			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("provider", servedProvider),
				slog.Duration("age", g.now().Sub(entry.CreatedAt)),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.Response.Header.Set("X-Provider", servedProvider)
			writeJSON(ctx, fasthttp.StatusOK, completeResponse{
				Content:         entry.Content,
				Provider:        servedProvider,
				Model:           entry.Model,
				LatencyMs:       time.Since(start).Milliseconds(),
				EstimatedCost:   0,
				StrategyUsed:    strategyLabel,
				TokensEstimated: entry.TokensEstimated,
				Cache:           cacheLabel,
			})
			return
		}
		g.metrics.RecordCache("get", "miss")
		cacheLabel = "miss"
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheBYPASS)
	}

	// 4. Route.
	cands, err := g.router.Route(rreq, g.reg, g.meter)
	if err != nil {
		if errors.Is(err, routing.ErrNoProviderAvailable) {
			g.log.WarnContext(ctx, "no_provider_available",
				slog.String("request_id", reqID),
				slog.String("strategy", strategyLabel),
				slog.String("error", err.Error()),
			)
			apierr.Write(ctx, apierr.NoProviderAvailable, err.Error())
			return
		}
		apierr.Write(ctx, apierr.InvalidRequest, err.Error())
		return
	}

	// 5. Dispatch.
	res, err := g.dispatch.Dispatch(reqCtx, cands, id.TenantID, &providers.CompletionRequest{
		Prompt:       body.Prompt,
		SystemPrompt: body.SystemPrompt,
		Temperature:  temperature,
		MaxTokens:    body.MaxTokens,
		RequestID:    reqID,
	})
	if err != nil {
		g.metrics.RecordAllFailed(strategyLabel)
		g.writeDispatchError(ctx, err)
		return
	}
	servedProvider = string(res.Provider)
	tokens = res.TokensEstimated
	cost = usd(res.CostEstimated)
	g.metrics.RecordCompletion(strategyLabel, servedProvider, cacheLabel)

	// 6. Cache populate.
	if cacheable {
		err := g.cache.Put(reqCtx, fingerprint, cache.Entry{
			Content:         res.Completion.Content,
			Model:           res.Completion.Model,
			Provider:        res.Provider,
			TokensEstimated: res.TokensEstimated,
			CreatedAt:       g.now().UTC(),
			TTL:             g.cachePolicy.TTL,
		})
		if err != nil {
			g.metrics.RecordCache("put", "error")
			g.log.WarnContext(ctx, "cache_put_failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		} else {
			g.metrics.RecordCache("put", "ok")
		}
	}

	ctx.Response.Header.Set("X-Provider", servedProvider)
	writeJSON(ctx, fasthttp.StatusOK, completeResponse{
		Content:         res.Completion.Content,
		Provider:        servedProvider,
		Model:           res.Completion.Model,
		LatencyMs:       res.LatencyMs,
		EstimatedCost:   cost,
		StrategyUsed:    strategyLabel,
		TokensEstimated: tokens,
		Cache:           cacheLabel,
	})
}

// routingRequest resolves strategy, pin and complexity. Naming a provider
// without a strategy implies PINNED.
func (g *Gateway) routingRequest(b completeRequest) (routing.Request, error) {
	strategy, err := routing.ParseStrategy(b.Strategy, "")
	if err != nil {
		return routing.Request{}, err
	}

	var pinned providers.Name
	if strings.TrimSpace(b.Provider) != "" {
		pinned, err = providers.ParseName(b.Provider)
		if err != nil {
			return routing.Request{}, err
		}
		switch strategy {
		case "":
			strategy = routing.Pinned
		case routing.Pinned:
		default:
			return routing.Request{}, fmt.Errorf("provider is only valid with strategy %q", routing.Pinned)
		}
	}
	if strategy == "" {
		strategy = g.defaultStrategy
	}
	if strategy == routing.Pinned && pinned == "" {
		return routing.Request{}, routing.ErrPinnedRequired
	}

	complexity, err := routing.ParseComplexity(b.TaskComplexity)
	if err != nil {
		return routing.Request{}, err
	}

	return routing.Request{
		Strategy:   strategy,
		Pinned:     pinned,
		Complexity: complexity,
		MaxTokens:  b.MaxTokens,
	}, nil
}

// writeDispatchError maps a dispatch failure to its envelope. Per-provider
// reasons travel in details.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var afe *dispatch.AllFailedError
	if !errors.As(err, &afe) {
		g.log.ErrorContext(ctx, "dispatch_error",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, apierr.Internal, "dispatch failed")
		return
	}

	details := map[string]any{"attempts": afe.Attempts}
	if afe.Aborted != nil {
		msg := "request deadline exceeded before any provider answered"
		if errors.Is(afe.Aborted, context.Canceled) {
			msg = "request canceled before any provider answered"
		}
		apierr.WriteDetails(ctx, apierr.ProviderTimeout, msg, details)
		return
	}

	g.log.WarnContext(ctx, "all_providers_failed",
		slog.String("request_id", requestIDOf(ctx)),
		slog.Any("reasons", afe.Reasons()),
	)
	apierr.WriteDetails(ctx, apierr.AllProvidersFailed, afe.Error(), details)
}
