// Package providers defines the capability interface shared by every upstream
// AI provider adapter (OpenAI, Anthropic, Gemini, Ollama) together with the
// normalized request/response types the gateway passes through them.
//
// The set of providers is closed: each one has a Name constant and lives in
// its own sub-package implementing Provider.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// Name identifies one upstream provider.
type Name string

const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
	Gemini    Name = "gemini"
	Ollama    Name = "ollama"
)

// Names lists every known provider in declaration order.
var Names = []Name{OpenAI, Anthropic, Gemini, Ollama}

// ParseName resolves a caller-supplied provider name. "local" is accepted as
// an alias for the Ollama adapter.
func ParseName(s string) (Name, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return OpenAI, nil
	case "anthropic":
		return Anthropic, nil
	case "gemini":
		return Gemini, nil
	case "ollama", "local":
		return Ollama, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// ErrUnknownProvider is returned by ParseName for names outside the closed set.
var ErrUnknownProvider = errors.New("unknown provider")

type (
	// CompletionRequest is the normalized single-turn completion ask.
	CompletionRequest struct {
		Prompt       string
		SystemPrompt string
		// Model overrides the adapter's configured default model.
		Model string
		// Temperature is forwarded when non-nil; nil leaves the upstream
		// default in place.
		Temperature *float64
		MaxTokens   int
		RequestID   string
	}

	// Usage holds token counts reported by the upstream, when it reports them.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Completion is the normalized provider response.
	Completion struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
	}
)

// Provider is the capability every upstream adapter implements.
type Provider interface {
	Name() Name
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	HealthCheck(ctx context.Context) error
}

// DefaultTimeout bounds a single upstream HTTP exchange when the caller's
// context carries no deadline.
const DefaultTimeout = 30 * time.Second

// StatusCoder is implemented by adapter errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Transient reports whether err looks like a short-lived network or gateway
// blip worth one immediate retry against the same provider. Deadline and
// cancellation errors are never transient: the attempt budget is spent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case 502, 503, 504:
			return true
		}
		return false
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return !ne.Timeout()
	}
	return false
}

// Classify converts an adapter error into a short category used in logs,
// metrics labels and per-provider failure reasons.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return "timeout"
		}
		return "network"
	}
	return "unknown"
}

// EstimateTokens approximates a token count from text length (~4 chars per token).
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
