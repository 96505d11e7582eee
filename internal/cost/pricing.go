package cost

import "sync"

// Per-model rates in microdollars per one million tokens. Cost math
// stays in integers end to end.
type ModelPricing struct {
	InputPerMillion  int64
	OutputPerMillion int64
	MaxOutputTokens  int64
}

// Worst-case output assumed when neither the model entry nor the
// request caps it.
const defaultMaxOutputTokens = 128_000

var (
	pricingMu sync.RWMutex

	// Seed table; operators can override entries at runtime via
	// SetModelPricing (e.g. from a refreshed pricing feed).
	pricingTable = map[string]ModelPricing{
		"gpt-4o":            {InputPerMillion: 2_500_000, OutputPerMillion: 10_000_000, MaxOutputTokens: 16_384},
		"gpt-4o-mini":       {InputPerMillion: 150_000, OutputPerMillion: 600_000, MaxOutputTokens: 16_384},
		"gpt-4.1":           {InputPerMillion: 2_000_000, OutputPerMillion: 8_000_000, MaxOutputTokens: 32_768},
		"o3-mini":           {InputPerMillion: 1_100_000, OutputPerMillion: 4_400_000, MaxOutputTokens: 100_000},
		"claude-sonnet-4-0": {InputPerMillion: 3_000_000, OutputPerMillion: 15_000_000, MaxOutputTokens: 64_000},
		"claude-haiku-3-5":  {InputPerMillion: 800_000, OutputPerMillion: 4_000_000, MaxOutputTokens: 8_192},
	}

	// Applied when the model is unknown. Deliberately priced at the
	// high end so unknown models err toward over-reserving.
	fallbackPricing = ModelPricing{
		InputPerMillion:  5_000_000,
		OutputPerMillion: 15_000_000,
		MaxOutputTokens:  defaultMaxOutputTokens,
	}
)

// LookupPricing returns the pricing entry for model, or the fallback
// entry and false when the model is unknown.
func LookupPricing(model string) (ModelPricing, bool) {
	pricingMu.RLock()
	defer pricingMu.RUnlock()
	p, ok := pricingTable[model]
	if !ok {
		return fallbackPricing, false
	}
	return p, true
}

// SetModelPricing installs or replaces the pricing entry for model.
func SetModelPricing(model string, p ModelPricing) {
	pricingMu.Lock()
	defer pricingMu.Unlock()
	pricingTable[model] = p
}

// CostForUsage returns the actual cost in microdollars for a completed
// call.
func CostForUsage(model string, promptTokens, completionTokens int64) int64 {
	p, _ := LookupPricing(model)
	return tokenCost(promptTokens, p.InputPerMillion) + tokenCost(completionTokens, p.OutputPerMillion)
}

// MaxCostForRequest returns the worst-case cost used to size a
// reservation before the call is made. requestMaxOutput of 0 means the
// request did not cap output.
func MaxCostForRequest(model string, promptTokens, requestMaxOutput int64) int64 {
	p, _ := LookupPricing(model)
	maxOutput := p.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputTokens
	}
	if requestMaxOutput > 0 && requestMaxOutput < maxOutput {
		maxOutput = requestMaxOutput
	}
	return tokenCost(promptTokens, p.InputPerMillion) + tokenCost(maxOutput, p.OutputPerMillion)
}

func tokenCost(tokens, perMillion int64) int64 {
	if tokens <= 0 || perMillion <= 0 {
		return 0
	}
	// Round up so integer division never under-charges.
	return (tokens*perMillion + 999_999) / 1_000_000
}
