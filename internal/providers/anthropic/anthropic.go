package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/"
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithModel sets the model used when a request does not name one.
func WithModel(m string) Option {
	return func(p *Provider) {
		if m != "" {
			p.model = m
		}
	}
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() providers.Name { return providers.Anthropic }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if v, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}

	return &providers.Completion{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) buildParams(req *providers.CompletionRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	return params
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
