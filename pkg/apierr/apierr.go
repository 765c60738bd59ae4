// Package apierr writes the gateway's structured error envelope:
//
//	{"error": "<kind>", "message": "<text>", "retryable": <bool>}
//
// Each Kind has a fixed HTTP status and retryable flag so clients can decide
// mechanically whether to back off, switch strategy or fix the request.
package apierr

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Kind is the stable, caller-visible error category.
type Kind string

const (
	Authentication      Kind = "authentication_error"
	Forbidden           Kind = "permission_denied"
	RateLimited         Kind = "rate_limited"
	InvalidRequest      Kind = "invalid_request"
	NoProviderAvailable Kind = "no_provider_available"
	AllProvidersFailed  Kind = "all_providers_failed"
	ProviderTimeout     Kind = "provider_timeout"
	BackendUnavailable  Kind = "backend_unavailable"
	NotFound            Kind = "not_found"
	Internal            Kind = "internal_error"
)

type kindInfo struct {
	status    int
	retryable bool
}

var kinds = map[Kind]kindInfo{
	Authentication:      {fasthttp.StatusUnauthorized, false},
	Forbidden:           {fasthttp.StatusForbidden, false},
	RateLimited:         {fasthttp.StatusTooManyRequests, true},
	InvalidRequest:      {fasthttp.StatusBadRequest, false},
	NoProviderAvailable: {fasthttp.StatusServiceUnavailable, true},
	AllProvidersFailed:  {fasthttp.StatusBadGateway, true},
	ProviderTimeout:     {fasthttp.StatusGatewayTimeout, true},
	BackendUnavailable:  {fasthttp.StatusServiceUnavailable, true},
	NotFound:            {fasthttp.StatusNotFound, false},
	Internal:            {fasthttp.StatusInternalServerError, false},
}

// Status returns the HTTP status for k. Unknown kinds map to 500.
func (k Kind) Status() int {
	if i, ok := kinds[k]; ok {
		return i.status
	}
	return fasthttp.StatusInternalServerError
}

// Retryable reports whether a client may retry a request that failed with k.
func (k Kind) Retryable() bool {
	return kinds[k].retryable
}

// Envelope is the JSON error body.
type Envelope struct {
	Error     Kind   `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// Details carries kind-specific context, e.g. per-provider failure reasons.
	Details any `json:"details,omitempty"`
}

// Write sends the envelope for kind with the kind's status.
func Write(ctx *fasthttp.RequestCtx, kind Kind, message string) {
	WriteDetails(ctx, kind, message, nil)
}

// WriteDetails is Write with a details payload.
func WriteDetails(ctx *fasthttp.RequestCtx, kind Kind, message string, details any) {
	ctx.SetStatusCode(kind.Status())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{
		Error:     kind,
		Message:   message,
		Retryable: kind.Retryable(),
		Details:   details,
	})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After header in whole seconds,
// rounded up and at least 1.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	WriteDetails(ctx, RateLimited, "rate limit exceeded", map[string]int{"retry_after_seconds": secs})
}
