// Package openaicompat provides a provider for any server that speaks the
// OpenAI chat completions API. The gateway uses it for Ollama and other
// local model servers.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

// DefaultOllamaURL is Ollama's OpenAI-compatible endpoint on its default port.
const DefaultOllamaURL = "http://localhost:11434/v1"

// Provider is a configurable OpenAI-compatible provider.
type Provider struct {
	name   providers.Name
	model  string
	client openaiSDK.Client
}

// New creates a new OpenAI-compatible Provider.
//
//   - name    — provider identity used for routing and logs.
//   - apiKey  — sent as "Authorization: Bearer <key>"; Ollama ignores it.
//   - baseURL — API base URL, e.g. "http://localhost:11434/v1".
//   - model   — model used for every request that does not name one.
func New(name providers.Name, apiKey, baseURL, model string) *Provider {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	p := &Provider{name: name, model: model}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
		option.WithMaxRetries(0),
	)
	return p
}

func (p *Provider) Name() providers.Name { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
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

	params := openaiSDK.ChatCompletionNewParams{Messages: msgs, Model: model}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.toProviderError(err)
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

// ProviderError is a structured error returned by an OpenAI-compatible API.
type ProviderError struct {
	Name       providers.Name
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Name:       p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
