// Package usage estimates token counts for response accounting. The local
// engine does not report usage, so counts are approximated with a generic
// BPE encoding.
package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"chatbridge/internal/transcript"
)

const encodingName = "cl100k_base"

// Per-message formatting overhead in the chat encoding.
const messageOverhead = 4

// Estimator counts tokens with a cached encoder, falling back to a simple
// length heuristic when the encoding is unavailable.
type Estimator struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
	tried   bool
}

// NewEstimator creates an estimator. The encoder is loaded lazily on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count returns the estimated token count of a text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}

	if encoder := e.load(); encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	return estimate(text)
}

// CountContext estimates the prompt-side tokens of a generation context.
func (e *Estimator) CountContext(tc *transcript.Context) int {
	total := 0
	if tc.Instructions != "" {
		total += e.Count(tc.Instructions) + messageOverhead
	}
	for _, turn := range tc.History {
		total += e.Count(turn.Text) + messageOverhead
	}
	total += e.Count(tc.Prompt) + messageOverhead
	return total
}

func (e *Estimator) load() *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.tried {
		e.tried = true
		if encoder, err := tiktoken.GetEncoding(encodingName); err == nil {
			e.encoder = encoder
		}
	}
	return e.encoder
}

// estimate approximates roughly four characters per token.
func estimate(text string) int {
	count := (len(text) + 3) / 4
	if count == 0 {
		count = 1
	}
	return count
}
