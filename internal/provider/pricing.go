package provider

import (
	"github.com/edisonhq/edison/internal/fault"
	"github.com/shopspring/decimal"
)

// ModelPrice is the USD price per million tokens for one model.
type ModelPrice struct {
	PromptPerMTok     decimal.Decimal
	CompletionPerMTok decimal.Decimal
}

// PricingTable maps model ids to prices for one provider.
type PricingTable map[string]ModelPrice

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Built-in pricing tables. Rates are USD per million tokens. Unknown model
// ids fail validation rather than falling back to a default price.
var (
	openAIPricing = PricingTable{
		"gpt-4o":      {PromptPerMTok: usd("2.50"), CompletionPerMTok: usd("10.00")},
		"gpt-4o-mini": {PromptPerMTok: usd("0.15"), CompletionPerMTok: usd("0.60")},
		"gpt-4.1":     {PromptPerMTok: usd("2.00"), CompletionPerMTok: usd("8.00")},
		"o3-mini":     {PromptPerMTok: usd("1.10"), CompletionPerMTok: usd("4.40")},
	}

	anthropicPricing = PricingTable{
		"claude-sonnet-4.5":  {PromptPerMTok: usd("3.00"), CompletionPerMTok: usd("15.00")},
		"claude-sonnet-4":    {PromptPerMTok: usd("3.00"), CompletionPerMTok: usd("15.00")},
		"claude-haiku-3.5":   {PromptPerMTok: usd("0.80"), CompletionPerMTok: usd("4.00")},
		"claude-opus-4":      {PromptPerMTok: usd("15.00"), CompletionPerMTok: usd("75.00")},
	}
)

var million = decimal.NewFromInt(1_000_000)

// Cost prices a call against the table. Unknown model ids are a Validation
// fault.
func (t PricingTable) Cost(model string, promptTokens, completionTokens int) (decimal.Decimal, error) {
	price, ok := t[model]
	if !ok {
		return decimal.Zero, fault.New(fault.Validation, "no pricing entry for model %q", model)
	}
	prompt := price.PromptPerMTok.Mul(decimal.NewFromInt(int64(promptTokens))).Div(million)
	completion := price.CompletionPerMTok.Mul(decimal.NewFromInt(int64(completionTokens))).Div(million)
	return prompt.Add(completion), nil
}

// Known reports whether the model has a pricing entry.
func (t PricingTable) Known(model string) bool {
	_, ok := t[model]
	return ok
}
