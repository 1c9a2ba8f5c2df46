// Package cost tracks token usage and dollar cost of agent invocations.
package cost

import (
	"regexp"
	"strconv"
)

// TokenUsage represents input and output token counts.
type TokenUsage struct {
	Input  int
	Output int
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
}

var (
	// Some CLIs report tokens in this format at the end of output
	tokenRe = regexp.MustCompile(`Tokens: (\d+) input, (\d+) output`)
	// Alternatively, some report separately
	inputRe  = regexp.MustCompile(`Input tokens: (\d+)`)
	outputRe = regexp.MustCompile(`Output tokens: (\d+)`)
)

// ExtractTokenUsage parses token counts from plain agent output. Used as
// the fallback when the stream carried no structured usage event; as a
// last resort it estimates from prompt and output length.
func ExtractTokenUsage(output string, prompt string) TokenUsage {
	usage := TokenUsage{}

	if m := tokenRe.FindStringSubmatch(output); len(m) == 3 {
		usage.Input, _ = strconv.Atoi(m[1])
		usage.Output, _ = strconv.Atoi(m[2])
	} else {
		if m := inputRe.FindStringSubmatch(output); len(m) == 2 {
			usage.Input, _ = strconv.Atoi(m[1])
		}
		if m := outputRe.FindStringSubmatch(output); len(m) == 2 {
			usage.Output, _ = strconv.Atoi(m[1])
		}
	}

	if usage.Input == 0 {
		usage.Input = estimateTokens(prompt)
	}
	if usage.Output == 0 {
		usage.Output = estimateTokens(output)
	}

	return usage
}

// estimateTokens provides a rough estimate of token count (approx 4 chars per token).
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 && len(text) > 0 {
		return 1
	}
	return tokens
}

// CalculateCost calculates total cost in USD based on token counts and pricing per million tokens.
func CalculateCost(usage TokenUsage, inputPriceMtok, outputPriceMtok float64) float64 {
	inputCost := (float64(usage.Input) / 1000000.0) * inputPriceMtok
	outputCost := (float64(usage.Output) / 1000000.0) * outputPriceMtok
	return inputCost + outputCost
}
