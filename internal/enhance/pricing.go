package enhance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rate is the price per 1K tokens.
type Rate struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// Pricing maps backend names to rates.
type Pricing map[string]Rate

// FallbackRateKey names the rate used for backends missing from the table.
const FallbackRateKey = "openai"

// DefaultPricing returns the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		"openai": {Input: 0.01, Output: 0.03},
		"claude": {Input: 0.008, Output: 0.024},
		"gemini": {Input: 0.001, Output: 0.002},
		"mock":   {Input: 0, Output: 0},
	}
}

// Cost returns the price of a session on the named backend.
func (p Pricing) Cost(backendName string, inputTokens, outputTokens int) float64 {
	rate, ok := p[backendName]
	if !ok {
		rate, ok = p[FallbackRateKey]
		if !ok {
			rate = DefaultPricing()[FallbackRateKey]
		}
	}
	return (float64(inputTokens)*rate.Input + float64(outputTokens)*rate.Output) / 1000
}

type pricingFile struct {
	Rates map[string]Rate `yaml:"rates"`
}

// LoadPricing reads a YAML price table and merges it over the defaults. An empty path returns
// the defaults.
//
//	rates:
//	  openai: {input: 0.01, output: 0.03}
func LoadPricing(path string) (Pricing, error) {
	out := DefaultPricing()
	if path == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("enhance: read pricing %s: %w", path, err)
	}
	var file pricingFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("enhance: parse pricing %s: %w", path, err)
	}
	for name, rate := range file.Rates {
		if rate.Input < 0 || rate.Output < 0 {
			return nil, fmt.Errorf("enhance: pricing %s: negative rate for %s", path, name)
		}
		out[name] = rate
	}
	return out, nil
}
