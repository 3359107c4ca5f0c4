package chunker

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates the size of text in tokens.
type Estimator interface {
	Count(text string) int
}

// HeuristicEstimator assumes a fixed number of bytes per token.
type HeuristicEstimator struct {
	BytesPerToken int
}

func (h HeuristicEstimator) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	bpt := h.BytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return (len(text) + bpt - 1) / bpt
}

// TiktokenEstimator counts BPE tokens. Local models use their own
// tokenizers, so the count is an estimate that is usually within 10–15%.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (t *TiktokenEstimator) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// DefaultEstimator returns a cl100k_base tiktoken estimator, or the byte
// heuristic when the encoding cannot be loaded (it is fetched on first use).
func DefaultEstimator(logger *slog.Logger) Estimator {
	est, err := NewTiktokenEstimator("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using byte heuristic", "error", err)
		return HeuristicEstimator{BytesPerToken: 4}
	}
	return est
}
