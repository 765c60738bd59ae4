package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

type (
	completeRequest struct {
		Prompt         string   `json:"prompt" validate:"required"`
		SystemPrompt   string   `json:"system_prompt"`
		Strategy       string   `json:"strategy"`
		Provider       string   `json:"provider"`
		TaskComplexity string   `json:"task_complexity"`
		MaxTokens      int      `json:"max_tokens" validate:"gte=0"`
		Temperature    *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	}

	completeResponse struct {
		Content         string  `json:"content"`
		Provider        string  `json:"provider"`
		Model           string  `json:"model,omitempty"`
		LatencyMs       int64   `json:"latency_ms"`
		EstimatedCost   float64 `json:"estimated_cost"`
		StrategyUsed    string  `json:"strategy_used"`
		TokensEstimated int     `json:"tokens_estimated"`
		Cache           string  `json:"cache"`
	}

	compareRequest struct {
		Prompt       string   `json:"prompt" validate:"required"`
		SystemPrompt string   `json:"system_prompt"`
		Providers    []string `json:"providers" validate:"required,min=1,max=8,dive,required"`
		MaxTokens    int      `json:"max_tokens" validate:"gte=0"`
		Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	}

	compareResult struct {
		Provider        string        `json:"provider"`
		Success         bool          `json:"success"`
		Content         string        `json:"content,omitempty"`
		Model           string        `json:"model,omitempty"`
		LatencyMs       int64         `json:"latency_ms"`
		EstimatedCost   float64       `json:"estimated_cost"`
		TokensEstimated int           `json:"tokens_estimated"`
		Error           *compareError `json:"error,omitempty"`
	}

	compareError struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}

	compareResponse struct {
		Results []compareResult `json:"results"`
	}

	providerView struct {
		Name              string  `json:"name"`
		CostPer1KTokens   float64 `json:"cost_per_1k_tokens"`
		AvgLatencyMs      int     `json:"avg_latency_ms"`
		QualityScore      int     `json:"quality_score"`
		MaxTokens         int     `json:"max_tokens"`
		SupportsStreaming bool    `json:"supports_streaming"`
		IsAvailable       bool    `json:"is_available"`
	}
)

// decodeBody unmarshals the POST body into v and runs struct validation.
// The returned error is safe to show to the caller.
func (g *Gateway) decodeBody(ctx *fasthttp.RequestCtx, v any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return errors.New("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if err := g.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return validationMessage(verrs)
		}
		return err
	}
	return nil
}

// validationMessage flattens validator errors into one line.
func validationMessage(errs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s entries", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must have at most %s entries", field, fe.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", field, fe.Param()))
		case "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be <= %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q validation", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// newValidator reports JSON field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// defaultTemperature is sent upstream when the caller omits one, so the
// cache key always records the temperature the provider actually used.
const defaultTemperature = 0.0

func temperatureOf(t *float64) *float64 {
	v := defaultTemperature
	if t != nil {
		v = *t
	}
	return &v
}

func usd(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}
