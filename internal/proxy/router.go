package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/omniscient-ai/provider-gateway/pkg/apierr"
)

// Handler returns the full route table wrapped in the middleware chain.
//
//	POST /complete                        authenticated
//	POST /compare                         authenticated
//	GET  /providers                       authenticated
//	GET  /stats                           authenticated
//	POST /providers/{name}/available      admin
//	POST /providers/{name}/unavailable    admin
//	GET  /health, /readiness, /metrics    open
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/complete", g.authenticated(g.handleComplete))
	r.POST("/compare", g.authenticated(g.handleCompare))
	r.GET("/providers", g.authenticated(g.handleProviders))
	r.GET("/stats", g.authenticated(g.handleStats))
	r.POST("/providers/{name}/available", g.authenticated(g.adminOnly(g.handleSetAvailability(true))))
	r.POST("/providers/{name}/unavailable", g.authenticated(g.adminOnly(g.handleSetAvailability(false))))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, apierr.NotFound, "no route for "+string(ctx.Method())+" "+string(ctx.Path()))
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Server wraps Handler in a fasthttp.Server. WriteTimeout leaves headroom
// over the request deadline so a timed-out dispatch can still report it.
func (g *Gateway) Server() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               "provider-gateway",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       g.requestTimeout + 5*time.Second,
		IdleTimeout:        60 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
}

// Serve blocks serving ln until ctx is done, then shuts down gracefully.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := g.Server()
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.requestTimeout)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			return err
		}
		return <-errc
	}
}

// ListenAndServe listens on addr (e.g. ":8080") and calls Serve.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, apierr.Internal, "failed to encode response")
		return
	}
	ctx.SetBody(data)
}
