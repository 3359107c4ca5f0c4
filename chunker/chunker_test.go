package chunker

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// One byte per token keeps the size arithmetic in these tests exact.
func newTestChunker() *Chunker {
	return New(HeuristicEstimator{BytesPerToken: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func exactOptions() Options {
	return Options{DocumentID: "doc-1", MinChunkSize: 1}
}

func TestSplit_PrefersSentenceBoundary(t *testing.T) {
	t.Parallel()

	text := "One two three. Four five six seven eight."
	chunks, err := newTestChunker().Split(text, 30, exactOptions())
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "One two three.", chunks[0].Content)
	assert.Equal(t, "Four five six seven eight.", chunks[1].Content)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 14, chunks[0].EndOffset)
	assert.Equal(t, "doc-1", chunks[1].SourceDocumentID)
}

func TestSplit_MinChunkSizeForcesHardCut(t *testing.T) {
	t.Parallel()

	opts := exactOptions()
	opts.MinChunkSize = 20

	text := "One two three. Four five six seven eight."
	chunks, err := newTestChunker().Split(text, 30, opts)
	require.NoError(t, err)

	assert.Equal(t, "One two three. Four five six s", chunks[0].Content)
	assert.Len(t, chunks[0].Content, 30)
}

func TestSplit_HardCutsOversizedSentence(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 250)
	chunks, err := newTestChunker().Split(text, 100, exactOptions())
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Len(t, chunks[0].Content, 100)
	assert.Len(t, chunks[1].Content, 100)
	assert.Len(t, chunks[2].Content, 50)
	assert.Equal(t, text, chunks[0].Content+chunks[1].Content+chunks[2].Content)
}

func TestSplit_SafetyMarginAndMaxChunkSize(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := range 200 {
		fmt.Fprintf(&b, "Sentence number %d is here. ", i)
	}

	opts := exactOptions()
	opts.SafetyMarginPercent = 0.2
	opts.MaxChunkSize = 150

	chunks, err := newTestChunker().Split(b.String(), 1000, opts)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, len(chunks), c.TotalChunks)
		assert.LessOrEqual(t, c.EstimatedSize, 150)
		assert.NotEmpty(t, strings.TrimSpace(c.Content))
		assert.True(t, strings.HasSuffix(c.Content, "."), "chunk %d should end on a sentence: %q", i, c.Content)
	}
}

func TestSplit_Overlap(t *testing.T) {
	t.Parallel()

	words := make([]string, 40)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}
	text := strings.Join(words, " ")

	opts := exactOptions()
	opts.Overlap = 8

	chunks, err := newTestChunker().Split(text, 40, opts)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	assert.True(t, strings.HasPrefix(chunks[0].Content, "w00"))
	assert.True(t, strings.HasSuffix(chunks[0].Content, "w09"))
	assert.True(t, strings.HasPrefix(chunks[1].Content, "w08"), "got %q", chunks[1].Content)
	assert.Less(t, chunks[1].StartOffset, chunks[0].EndOffset)

	for _, c := range chunks {
		assert.LessOrEqual(t, c.EstimatedSize, 40)
		assert.Equal(t, text[c.StartOffset:c.EndOffset], c.Content)
	}
}

func TestSplit_ParagraphFallback(t *testing.T) {
	t.Parallel()

	text := "heading without punctuation\n\nbody text that keeps going without any stop"
	chunks, err := newTestChunker().Split(text, 50, exactOptions())
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "heading without punctuation", chunks[0].Content)
	assert.Equal(t, "body text that keeps going without any stop", chunks[1].Content)
}

func TestSplit_ParagraphBeforeLineBreak(t *testing.T) {
	t.Parallel()

	text := "alpha beta gamma\n\ndelta epsilon\nzeta eta theta iota"
	chunks, err := newTestChunker().Split(text, 40, exactOptions())
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "alpha beta gamma", chunks[0].Content)
	assert.Equal(t, "delta epsilon\nzeta eta theta iota", chunks[1].Content)
}

// countingEstimator counts one token per byte and totals the bytes it reads.
type countingEstimator struct {
	read int
}

func (e *countingEstimator) Count(text string) int {
	e.read += len(text)
	return len(text)
}

func TestSplit_LargeDocumentReadsLinearly(t *testing.T) {
	t.Parallel()

	for _, size := range []int{128 << 10, 1 << 20} {
		var b strings.Builder
		for i := 0; b.Len() < size; i++ {
			fmt.Fprintf(&b, "Line %d of a long report. ", i)
		}
		text := b.String()

		est := &countingEstimator{}
		c := New(est, slog.New(slog.NewTextHandler(io.Discard, nil)))
		opts := exactOptions()
		opts.MinChunkSize = 100
		chunks, err := c.Split(text, 4000, opts)
		require.NoError(t, err)
		require.Greater(t, len(chunks), size/4000)

		assert.Less(t, est.read, 64*len(text), "bytes read for a %d byte document", len(text))
	}
}

func TestSplit_Errors(t *testing.T) {
	t.Parallel()

	c := newTestChunker()

	_, err := c.Split(" \n\t ", 100, exactOptions())
	require.ErrorIs(t, err, ErrEmptyText)

	_, err = c.Split("text", 0, exactOptions())
	require.ErrorIs(t, err, ErrInvalidCapacity)

	opts := exactOptions()
	opts.SafetyMarginPercent = 1
	_, err = c.Split("text", 100, opts)
	assert.Error(t, err)
}

func TestSplit_MultibyteHardCut(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("й", 30) // 2 bytes per rune
	chunks, err := newTestChunker().Split(text, 25, exactOptions())
	require.NoError(t, err)

	var joined strings.Builder
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), 25)
		joined.WriteString(c.Content)
	}
	assert.Equal(t, text, joined.String())
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	in := "a  \r\nb\r\n\r\n\r\n\r\nc\rd"
	assert.Equal(t, "a\nb\n\nc\nd", Normalize(in))
}

func TestHeuristicEstimator(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, HeuristicEstimator{}.Count(""))
	assert.Equal(t, 1, HeuristicEstimator{}.Count("abc"))
	assert.Equal(t, 2, HeuristicEstimator{}.Count("abcde"))
	assert.Equal(t, 5, HeuristicEstimator{BytesPerToken: 1}.Count("abcde"))
}
