// Package chunker splits normalized document text into chunks that fit the
// completion backend's capacity.
package chunker

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"docflow/types"
)

// windowBytesPerToken is the first guess of bytes per token when sizing the
// search window. Fewer bytes per token only cost extra doublings.
const windowBytesPerToken = 4

var (
	ErrEmptyText       = errors.New("chunker: text is empty")
	ErrInvalidCapacity = errors.New("chunker: capacity leaves no room for content")
)

// Options tune a single Split call. Sizes are in tokens.
type Options struct {
	DocumentID          string
	SafetyMarginPercent float64
	MinChunkSize        int
	MaxChunkSize        int
	Overlap             int
}

// DefaultOptions keeps 10% of the capacity free for the prompt and the reply.
func DefaultOptions(documentID string) Options {
	return Options{
		DocumentID:          documentID,
		SafetyMarginPercent: 0.10,
		MinChunkSize:        100,
		MaxChunkSize:        8000,
		Overlap:             50,
	}
}

type Chunker struct {
	est    Estimator
	logger *slog.Logger
}

func New(est Estimator, logger *slog.Logger) *Chunker {
	return &Chunker{est: est, logger: logger}
}

type span struct {
	start, end int
}

// Split cuts text into chunks no larger than capacity × (1 − margin) and
// MaxChunkSize. Offsets refer to the normalized text.
func (c *Chunker) Split(text string, capacity int, opts Options) ([]types.Chunk, error) {
	if opts.SafetyMarginPercent < 0 || opts.SafetyMarginPercent >= 1 {
		return nil, fmt.Errorf("chunker: safety margin %.2f out of range", opts.SafetyMarginPercent)
	}

	text = Normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	limit := int(float64(capacity) * (1 - opts.SafetyMarginPercent))
	if opts.MaxChunkSize > 0 && limit > opts.MaxChunkSize {
		limit = opts.MaxChunkSize
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidCapacity, capacity)
	}
	minSize := min(max(opts.MinChunkSize, 0), limit/2)
	overlap := min(max(opts.Overlap, 0), limit/4)

	var spans []span
	pos := skipSpace(text, 0)
	for pos < len(text) {
		budget := limit
		if len(spans) > 0 {
			budget = limit - overlap
		}
		end := c.fit(text, pos, budget)
		if end < len(text) {
			end = c.boundary(text, pos, end, minSize)
		}
		end = trimRightSpace(text, pos, end)
		spans = append(spans, span{pos, end})
		pos = skipSpace(text, end)
	}

	now := time.Now().UTC()
	chunks := make([]types.Chunk, 0, len(spans))
	for i, sp := range spans {
		start := sp.start
		if i > 0 && overlap > 0 {
			start = c.overlapStart(text, spans[i-1], overlap)
		}
		content := text[start:sp.end]
		size := c.est.Count(content)
		if size > limit && start != sp.start {
			start = sp.start
			content = text[start:sp.end]
			size = c.est.Count(content)
		}
		chunks = append(chunks, types.Chunk{
			ID:               uuid.New(),
			Content:          content,
			Index:            i,
			TotalChunks:      len(spans),
			SourceDocumentID: opts.DocumentID,
			StartOffset:      start,
			EndOffset:        sp.end,
			EstimatedSize:    size,
			CreatedAt:        now,
		})
	}

	c.logger.Debug("document split", "document_id", opts.DocumentID, "chunks", len(chunks), "limit_tokens", limit)
	return chunks, nil
}

// fit returns the largest rune boundary e in (start, len(text)] such that
// text[start:e] fits budget. At least one rune is always taken. The window
// grows by doubling from start, so a call only reads a few times the bytes
// of the chunk it returns.
func (c *Chunker) fit(text string, start, budget int) int {
	lo := start + runeLen(text, start)
	if lo >= len(text) {
		return len(text)
	}
	hi := len(text)
	for span := max(budget, 1) * windowBytesPerToken; ; span *= 2 {
		end := alignBack(text, min(start+span, len(text)))
		if end <= lo {
			continue
		}
		if c.est.Count(text[start:end]) > budget {
			hi = end
			break
		}
		if end == len(text) {
			return end
		}
		lo = end
	}
	for {
		mid := alignBack(text, lo+(hi-lo)/2)
		if mid <= lo {
			mid = lo + runeLen(text, lo)
		}
		if mid >= hi {
			return lo
		}
		if c.est.Count(text[start:mid]) <= budget {
			lo = mid
		} else {
			hi = mid
		}
	}
}

// boundary backs end up to the nearest sentence end, else paragraph break,
// else line break, as
// long as the chunk keeps at least minSize tokens. Otherwise end is a hard cut.
func (c *Chunker) boundary(text string, start, end, minSize int) int {
	for _, find := range []func(string, int, int) int{lastSentenceEnd, lastParagraphBreak, lastLineBreak} {
		if b := find(text, start, end); b > start && c.est.Count(text[start:b]) >= max(minSize, 1) {
			return b
		}
	}
	return end
}

func (c *Chunker) overlapStart(text string, prev span, overlap int) int {
	lo, hi := prev.start, prev.end
	for lo < hi {
		mid := max(alignBack(text, lo+(hi-lo)/2), lo)
		if c.est.Count(text[mid:prev.end]) <= overlap {
			hi = mid
		} else {
			lo = mid + runeLen(text, mid)
		}
	}
	s := min(hi, prev.end)
	// Never start mid-word.
	if s > prev.start {
		if r, _ := utf8.DecodeLastRuneInString(text[:s]); !unicode.IsSpace(r) {
			for s < prev.end {
				r, size := utf8.DecodeRuneInString(text[s:])
				if unicode.IsSpace(r) {
					break
				}
				s += size
			}
		}
	}
	s = skipSpace(text, s)
	if s >= prev.end {
		return prev.end
	}
	return s
}

var (
	closers     = []string{`"`, `'`, ")", "]", "”", "’", "»"}
	terminators = []string{".", "!", "?", "…", "。"}

	crlf       = regexp.MustCompile(`\r\n?`)
	trailingWS = regexp.MustCompile(`[ \t]+\n`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
)

// Normalize unifies line endings, strips trailing blanks and collapses runs
// of empty lines.
func Normalize(text string) string {
	text = crlf.ReplaceAllString(text, "\n")
	text = trailingWS.ReplaceAllString(text, "\n")
	return blankRuns.ReplaceAllString(text, "\n\n")
}

func lastSentenceEnd(text string, start, end int) int {
	for i := min(end, len(text)-1); i > start; i-- {
		if !isSpaceByte(text[i]) {
			continue
		}
		head := text[start:i]
		for trimmed := true; trimmed; {
			trimmed = false
			for _, closer := range closers {
				if len(head) > len(closer) && strings.HasSuffix(head, closer) {
					head = head[:len(head)-len(closer)]
					trimmed = true
				}
			}
		}
		for _, term := range terminators {
			if strings.HasSuffix(head, term) {
				return i
			}
		}
	}
	return -1
}

func lastParagraphBreak(text string, start, end int) int {
	if i := strings.LastIndex(text[start:min(end+2, len(text))], "\n\n"); i > 0 {
		return start + i
	}
	return -1
}

func lastLineBreak(text string, start, end int) int {
	if i := strings.LastIndexByte(text[start:min(end+1, len(text))], '\n'); i > 0 {
		return start + i
	}
	return -1
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

func trimRightSpace(text string, start, end int) int {
	trimmed := strings.TrimRightFunc(text[start:end], unicode.IsSpace)
	if trimmed == "" {
		return end
	}
	return start + len(trimmed)
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t'
}

func alignBack(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

func runeLen(text string, i int) int {
	if i >= len(text) {
		return 1
	}
	_, size := utf8.DecodeRuneInString(text[i:])
	return size
}
