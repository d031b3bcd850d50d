package ledger

import "github.com/soyeahso/tokengate/internal/domain"

// Estimator converts prompts and outputs into token amounts. Reservation
// estimates are deliberately conservative upper bounds; settlement always
// reconciles to provider-reported usage when available, otherwise to a
// length-derived measurement of the accumulated output.
type Estimator struct {
	charsPerToken    int
	maxOutputReserve int64
	filePrices       map[domain.Capability]int64
}

// NewEstimator creates an estimator from metering settings.
func NewEstimator(charsPerToken int, maxOutputReserve int64, filePrices map[string]int64) *Estimator {
	if charsPerToken < 1 {
		charsPerToken = 4
	}
	if maxOutputReserve < 1 {
		maxOutputReserve = 1024
	}
	prices := make(map[domain.Capability]int64, len(filePrices))
	for name, price := range filePrices {
		prices[domain.Capability(name)] = price
	}
	return &Estimator{
		charsPerToken:    charsPerToken,
		maxOutputReserve: maxOutputReserve,
		filePrices:       prices,
	}
}

// EstimateText returns the upper-bound reservation for a text generation:
// the measured input (prompt plus history) plus a capped maximum output.
func (e *Estimator) EstimateText(inputChars int, maxTokens int) int64 {
	input := ceilDiv(int64(inputChars), int64(e.charsPerToken))
	output := e.maxOutputReserve
	if maxTokens > 0 && int64(maxTokens) < output {
		output = int64(maxTokens)
	}
	est := input + output
	if est < 1 {
		est = 1
	}
	return est
}

// Measure derives token usage from output length. Used at settlement when
// the provider reports no usage.
func (e *Estimator) Measure(output string) int64 {
	if output == "" {
		return 0
	}
	return ceilDiv(int64(len(output)), int64(e.charsPerToken))
}

// FilePrice returns the fixed file-token cost of a media capability.
func (e *Estimator) FilePrice(c domain.Capability) int64 {
	if price, ok := e.filePrices[c]; ok {
		return price
	}
	return 1
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
