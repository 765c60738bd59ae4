package proxy

import (
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
	"github.com/omniscient-ai/provider-gateway/internal/registry"
	"github.com/omniscient-ai/provider-gateway/pkg/apierr"
)

// handleProviders serves GET /providers: name → catalog entry.
func (g *Gateway) handleProviders(ctx *fasthttp.RequestCtx) {
	list := g.reg.List()
	out := make(map[string]providerView, len(list))
	for _, p := range list {
		out[string(p.Name)] = view(p)
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// handleStats serves GET /stats. Availability comes from the registry, which
// also reflects manual overrides the meter does not know about.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	snap := g.meter.Snapshot()
	for _, p := range g.reg.List() {
		snap.ProviderAvailability[string(p.Name)] = p.IsAvailable
	}
	writeJSON(ctx, fasthttp.StatusOK, snap)
}

// handleSetAvailability serves POST /providers/{name}/available and
// /providers/{name}/unavailable.
//
// Marking a provider available also clears its outcome window, so the
// automatic tracker starts fresh. Marking it unavailable is sticky: only a
// manual "available", or a recovery streak seen by the health prober while
// the meter also considers it failing, brings it back.
func (g *Gateway) handleSetAvailability(available bool) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		raw, _ := ctx.UserValue("name").(string)
		name, err := providers.ParseName(raw)
		if err != nil {
			apierr.Write(ctx, apierr.NotFound, err.Error())
			return
		}

		var changed bool
		if available {
			g.meter.Reset(name)
			changed = g.reg.MarkAvailable(name)
		} else {
			changed = g.reg.MarkUnavailable(name)
		}

		p, err := g.reg.Get(name)
		if err != nil {
			apierr.Write(ctx, apierr.NotFound, err.Error())
			return
		}

		id := identityOf(ctx)
		g.log.InfoContext(ctx, "provider_availability_override",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("tenant_id", id.TenantID),
			slog.String("provider", string(name)),
			slog.Bool("available", available),
			slog.Bool("changed", changed),
		)
		writeJSON(ctx, fasthttp.StatusOK, view(p))
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.health.Snapshot()
	status := fasthttp.StatusOK
	if snap.Status == "down" {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health.Ready() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func view(p registry.Provider) providerView {
	return providerView{
		Name:              string(p.Name),
		CostPer1KTokens:   usd(p.CostPer1KTokens),
		AvgLatencyMs:      p.AvgLatencyMs,
		QualityScore:      p.QualityScore,
		MaxTokens:         p.MaxTokens,
		SupportsStreaming: p.SupportsStreaming,
		IsAvailable:       p.IsAvailable,
	}
}
