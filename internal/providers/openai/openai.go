package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o"
)

type Provider struct {
	apiKey  string
	baseURL string
	model   string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithModel sets the model used when a request does not name one.
func WithModel(m string) Option {
	return func(p *Provider) {
		if m != "" {
			p.model = m
		}
	}
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
	}

	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.DefaultTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	// Retries belong to the dispatcher; the SDK must surface the first failure.
	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() providers.Name { return providers.OpenAI }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, openaiSDK.UserMessage(req.Prompt))

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.Completion{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

// baseURLTransport rewrites scheme, host and path prefix so the SDK's
// absolute URLs land on a self-hosted or mock endpoint.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
		u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
