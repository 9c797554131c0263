package cost

import (
	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/model"
)

// Calculator computes USD cost estimates for model usage. Rates are
// configured per model id in USD per million tokens.
type Calculator struct {
	models map[string]config.ModelPricing
}

// NewCalculator creates a Calculator with the given pricing config. Missing
// models cost zero rather than erroring; accounting is advisory.
func NewCalculator(cfg config.PricingConfig) *Calculator {
	models := cfg.Models
	if models == nil {
		models = DefaultRates().Models
	}
	return &Calculator{models: models}
}

// Estimate computes the cost for one invocation of the given model.
func (c *Calculator) Estimate(modelID string, usage model.TokenUsage) float64 {
	rate, ok := c.models[modelID]
	if !ok {
		return 0
	}
	inCost := (float64(usage.InputTokens) / 1e6) * rate.Input
	outCost := (float64(usage.OutputTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// DefaultRates returns the default pricing rates for the three tiers.
func DefaultRates() config.PricingConfig {
	return config.PricingConfig{
		Models: map[string]config.ModelPricing{
			"gemini-2.5-pro":             {Input: 1.25, Output: 10.00},
			"gemini-2.5-flash":           {Input: 0.30, Output: 2.50},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"x-ai/grok-4-fast":           {Input: 0.20, Output: 0.50},
		},
	}
}
