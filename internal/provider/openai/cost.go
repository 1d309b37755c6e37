package openai

import (
	"strings"

	"github.com/antoniostano/voxline/internal/llm"
)

// USD per million tokens, input then output. Longer prefixes are matched
// first.
var prices = []struct {
	prefix        string
	input, output float64
}{
	{"gpt-4o-mini", 0.15, 0.60},
	{"gpt-4o", 2.50, 10.00},
	{"gpt-4.1-mini", 0.40, 1.60},
	{"gpt-4.1", 2.00, 8.00},
}

// EstimateCost prices usage for model. Unknown models cost nothing.
func (c *Client) EstimateCost(model string, u llm.Usage) float64 {
	if model == "" {
		model = c.model
	}
	for _, p := range prices {
		if strings.HasPrefix(model, p.prefix) {
			return (float64(u.PromptTokens)*p.input + float64(u.CompletionTokens)*p.output) / 1e6
		}
	}
	return 0
}
