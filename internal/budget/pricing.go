package budget

import "math"

// Price is the USD cost per million tokens for one model.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Pricing maps model names to prices. Models without an entry are
// treated as free, which covers local models.
type Pricing map[string]Price

// Cost returns the USD cost of one call.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	cost := float64(max(inputTokens, 0)) / 1_000_000 * sanitizePrice(price.InputPerMillion)
	cost += float64(max(outputTokens, 0)) / 1_000_000 * sanitizePrice(price.OutputPerMillion)
	return cost
}

func sanitizePrice(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
