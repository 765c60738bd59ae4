package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/omniscient-ai/provider-gateway/internal/keystore"
	"github.com/omniscient-ai/provider-gateway/internal/ratelimit"
	"github.com/omniscient-ai/provider-gateway/pkg/apierr"
)

const (
	identityKey = "identity"
	authTimeout = 2 * time.Second
)

// credential returns the caller's API key from "Authorization: Bearer <key>"
// or, failing that, the X-API-Key header.
func credential(ctx *fasthttp.RequestCtx) string {
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))); raw != "" {
		scheme, token, ok := strings.Cut(raw, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key")))
}

// authenticated resolves the caller before next runs. A missing or unknown
// key ends the request with 401 and nothing downstream is invoked.
func (g *Gateway) authenticated(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		actx, cancel := context.WithTimeout(ctx, authTimeout)
		id, err := g.auth.Resolve(actx, credential(ctx))
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, keystore.ErrMissingKey):
			apierr.Write(ctx, apierr.Authentication, "missing API key")
			return
		case errors.Is(err, keystore.ErrUnknownKey):
			g.log.InfoContext(ctx, "auth_rejected",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("remote_ip", ctx.RemoteIP().String()),
			)
			apierr.Write(ctx, apierr.Authentication, "invalid API key")
			return
		default:
			g.log.ErrorContext(ctx, "auth_backend_error",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("error", err.Error()),
			)
			apierr.Write(ctx, apierr.BackendUnavailable, "credential store unavailable")
			return
		}

		ctx.SetUserValue(identityKey, id)
		next(ctx)
	}
}

// adminOnly runs next only for identities carrying Admin. It must sit inside
// authenticated.
func (g *Gateway) adminOnly(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := identityOf(ctx)
		if !id.Admin {
			g.log.WarnContext(ctx, "admin_rejected",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("tenant_id", id.TenantID),
				slog.String("key_id", id.KeyID),
			)
			apierr.Write(ctx, apierr.Forbidden, "admin credential required")
			return
		}
		next(ctx)
	}
}

func identityOf(ctx *fasthttp.RequestCtx) keystore.Identity {
	id, _ := ctx.UserValue(identityKey).(keystore.Identity)
	return id
}

// admit charges one unit of the tenant's quota. It writes the terminal
// response and returns false when the request must not continue.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, reqCtx context.Context, id keystore.Identity) bool {
	dec, err := g.limiter.Allow(reqCtx, id.TenantID, id.Tier)
	if err != nil {
		g.metrics.RecordRateLimit(string(id.Tier), "error")
		g.log.ErrorContext(ctx, "rate_limit_backend_unavailable",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("tenant_id", id.TenantID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, ratelimit.ErrBackendUnavailable) {
			apierr.Write(ctx, apierr.BackendUnavailable, "rate limit store unavailable")
		} else {
			apierr.Write(ctx, apierr.Internal, "rate limit check failed")
		}
		return false
	}

	if dec.Limit > 0 {
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	}

	if !dec.Allowed {
		g.metrics.RecordRateLimit(string(id.Tier), "rejected")
		g.log.InfoContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("tenant_id", id.TenantID),
			slog.String("tier", string(id.Tier)),
			slog.Int("limit", dec.Limit),
			slog.Duration("retry_after", dec.RetryAfter),
		)
		apierr.WriteRateLimit(ctx, dec.RetryAfter)
		return false
	}

	g.metrics.RecordRateLimit(string(id.Tier), "allowed")
	return true
}
