package metrics

// Pricing is a per-model token rate pair in USD per 1000 tokens.
type Pricing struct {
	Input  float64
	Output float64
}

// defaultPricing returns the built-in rate table. Rates drift; operators
// correct them through the custom_pricing config block without a rebuild.
func defaultPricing() map[string]Pricing {
	return map[string]Pricing{
		// Alibaba DashScope
		"qwen-turbo": {Input: 0.00005, Output: 0.0002},
		"qwen-plus":  {Input: 0.0001, Output: 0.0003},
		"qwen-max":   {Input: 0.0003, Output: 0.0012},

		// OpenAI
		"gpt-4o":      {Input: 0.0025, Output: 0.01},
		"gpt-4o-mini": {Input: 0.00015, Output: 0.0006},

		// DeepSeek
		"deepseek-chat": {Input: 0.00014, Output: 0.00028},

		// Anthropic
		"claude-3-5-haiku": {Input: 0.0008, Output: 0.004},
	}
}

// price computes the cost triple for one record. Unknown models cost zero;
// the record is still written so usage shows up even without a rate.
func (r *Recorder) price(model string, promptTokens, completionTokens int) (in, out, total float64) {
	p, ok := r.pricing[model]
	if !ok {
		return 0, 0, 0
	}
	in = float64(promptTokens) / 1000 * p.Input
	out = float64(completionTokens) / 1000 * p.Output
	return in, out, in + out
}
