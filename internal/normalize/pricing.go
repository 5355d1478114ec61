package normalize

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// priceTable maps model-name prefixes to prices. Longest matching prefix
// wins; unknown models cost zero.
var priceTable = map[string]modelPrice{
	"claude-opus":      {InputPerMillion: 15.0, OutputPerMillion: 75.0},
	"claude-sonnet":    {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	"claude-3-5-haiku": {InputPerMillion: 0.8, OutputPerMillion: 4.0},
	"claude-haiku":     {InputPerMillion: 0.8, OutputPerMillion: 4.0},
	"gpt-5":            {InputPerMillion: 1.25, OutputPerMillion: 10.0},
	"gpt-4o":           {InputPerMillion: 2.5, OutputPerMillion: 10.0},
	"gemini-2.5-pro":   {InputPerMillion: 1.25, OutputPerMillion: 10.0},
	"gemini-2.5-flash": {InputPerMillion: 0.3, OutputPerMillion: 2.5},
}

func priceFor(model string) (modelPrice, bool) {
	var best string
	for prefix := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return modelPrice{}, false
	}
	return priceTable[best], true
}

// tokenCost converts a token usage report into USD for the given model.
func tokenCost(model string, u *TokenUsage) float64 {
	if u == nil {
		return 0
	}
	p, ok := priceFor(model)
	if !ok {
		return 0
	}
	return float64(u.InputTokens)/1_000_000*p.InputPerMillion +
		float64(u.OutputTokens)/1_000_000*p.OutputPerMillion
}
