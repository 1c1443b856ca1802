package realtime

import "math"

// ModelPricing holds per-million-token rates in USD.
type ModelPricing struct {
	InputAudio  float64
	OutputAudio float64
	InputText   float64
	OutputText  float64
}

var modelPricing = map[string]ModelPricing{
	"gpt-4o-realtime-preview": {
		InputAudio:  100.0,
		OutputAudio: 200.0,
		InputText:   2.5,
		OutputText:  10.0,
	},
	"gpt-4o-mini-realtime-preview": {
		InputAudio:  10.0,
		OutputAudio: 20.0,
		InputText:   0.6,
		OutputText:  2.4,
	},
}

// defaultPricing covers models without a published rate card.
var defaultPricing = modelPricing["gpt-4o-realtime-preview"]

// PricingFor returns the rate card for a model, falling back to the
// default card for unknown models.
func PricingFor(model string) ModelPricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	return defaultPricing
}

// EstimateCost computes the dollar cost of a usage snapshot under the
// given model's rates, rounded to whole cents.
func EstimateCost(model string, u Usage) float64 {
	p := PricingFor(model)
	const million = 1_000_000
	total := float64(u.InputAudioTokens)/million*p.InputAudio +
		float64(u.OutputAudioTokens)/million*p.OutputAudio +
		float64(u.InputTextTokens)/million*p.InputText +
		float64(u.OutputTextTokens)/million*p.OutputText
	return math.Round(total*100) / 100
}
