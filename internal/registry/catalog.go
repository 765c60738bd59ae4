package registry

import (
	"github.com/shopspring/decimal"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

// Defaults are the attribute priors used when configuration does not
// override them. Costs are USD per 1K tokens.
var Defaults = map[providers.Name]Spec{
	providers.OpenAI: {
		Name:              providers.OpenAI,
		CostPer1KTokens:   decimal.RequireFromString("0.03"),
		AvgLatencyMs:      1200,
		QualityScore:      95,
		MaxTokens:         128000,
		SupportsStreaming: true,
	},
	providers.Anthropic: {
		Name:              providers.Anthropic,
		CostPer1KTokens:   decimal.RequireFromString("0.015"),
		AvgLatencyMs:      1500,
		QualityScore:      92,
		MaxTokens:         200000,
		SupportsStreaming: true,
	},
	providers.Gemini: {
		Name:              providers.Gemini,
		CostPer1KTokens:   decimal.RequireFromString("0.0005"),
		AvgLatencyMs:      800,
		QualityScore:      75,
		MaxTokens:         1000000,
		SupportsStreaming: true,
	},
	providers.Ollama: {
		Name:              providers.Ollama,
		CostPer1KTokens:   decimal.Zero,
		AvgLatencyMs:      2500,
		QualityScore:      70,
		MaxTokens:         8192,
		SupportsStreaming: true,
	},
}

// EstimateCost prices a token count at p's per-1K rate.
func EstimateCost(p Provider, tokens int) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return p.CostPer1KTokens.Mul(decimal.NewFromInt(int64(tokens))).Div(decimal.NewFromInt(1000))
}
