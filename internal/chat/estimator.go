package chat

import (
	"fmt"
	"unicode/utf16"

	"github.com/pkoukk/tiktoken-go"
)

// responseOverhead is the fixed allowance added for the assistant's reply.
const responseOverhead = 800

// Estimator gives a display-only token estimate for a message about to be
// sent. Authoritative counts come back from the backend.
type Estimator interface {
	Estimate(content string) int
}

// HeuristicEstimator assumes four characters per token.
type HeuristicEstimator struct{}

// Estimate returns ceil(n/4) plus the response overhead, where n counts
// UTF-16 code units as the web client does.
func (HeuristicEstimator) Estimate(content string) int {
	n := len(utf16.Encode([]rune(content)))
	return (n+3)/4 + responseOverhead
}

// TiktokenEstimator counts prompt tokens with a BPE tokenizer.
type TiktokenEstimator struct {
	tokenizer *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the tokenizer for model, falling back to
// cl100k_base for unknown models.
func NewTiktokenEstimator(model string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenEstimator{tokenizer: enc}, nil
}

// Estimate returns the token count of content plus the response overhead.
func (e *TiktokenEstimator) Estimate(content string) int {
	return len(e.tokenizer.Encode(content, nil, nil)) + responseOverhead
}
