package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/omniscient-ai/provider-gateway/pkg/apierr"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into an internal_error envelope and logs it.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("request_id", requestIDOf(ctx)),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					apierr.Write(ctx, apierr.Internal, "internal server error")
				}
			}()
			next(ctx)
		}
	}
}

const requestIDKey = "request_id"

// requestID echoes the caller's X-Request-ID or mints a UUID, and stores it
// as a user value for every later stage.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Request-ID")))
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

// timing sets X-Response-Time, e.g. "2.5ms".
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds the OWASP API hardening headers.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		h.Set("Cache-Control", "no-store")
	}
}

// corsHandler answers preflights with 204. nil or ["*"] allows any origin.
func corsHandler(origins []string) middleware {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
			ctx.Response.Header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Cache, X-Provider, Retry-After")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] is outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
