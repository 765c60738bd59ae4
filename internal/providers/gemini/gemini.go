package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"
)

// Provider implements providers.Provider for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
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

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.DefaultTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() providers.Name { return providers.Gemini }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, buildConfig(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if resp != nil && resp.ResponseID != "" {
		id = resp.ResponseID
	}
	if id == "" {
		id = "gemini-" + uuid.NewString()
	}

	out := &providers.Completion{ID: id, Model: model}
	if resp != nil {
		out.Content = resp.Text()
		if resp.UsageMetadata != nil {
			out.Usage = providers.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	return out, nil
}

// buildConfig returns nil when the request sets no generation parameters.
func buildConfig(req *providers.CompletionRequest) *genai.GenerateContentConfig {
	if req.SystemPrompt == "" && req.Temperature == nil && req.MaxTokens <= 0 {
		return nil
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

// splitBaseURLAndVersion separates a trailing "/vN..." path segment so it can
// be passed to the SDK as APIVersion.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
