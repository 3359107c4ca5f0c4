package processor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"docflow/model"
	"docflow/store"
	"docflow/types"
)

// PostProcessor is a best-effort pass over the assembled parts. An error
// leaves the parts as they were before the pass.
type PostProcessor interface {
	Name() string
	Process(ctx context.Context, parts []string) ([]string, error)
}

// ReferenceResolver strips phrases that only make sense inside a single
// chunk, like "continuing from the previous section".
type ReferenceResolver struct{}

var continuationPhrase = regexp.MustCompile(`(?i)^\s*(?:` +
	`\(continued\)|` +
	`continu(?:ing|ed) (?:from|with) (?:the )?(?:previous|prior|last|above) (?:section|part|chunk|passage)|` +
	`as (?:mentioned|discussed|noted|stated) (?:above|earlier|previously|before)|` +
	`in (?:this|the (?:next|following)) (?:part|section|chunk|passage)(?: of the (?:document|text))?` +
	`)[\s,:;.-]*`)

func (ReferenceResolver) Name() string { return "reference_resolution" }

func (ReferenceResolver) Process(_ context.Context, parts []string) ([]string, error) {
	out := make([]string, len(parts))
	for i, p := range parts {
		if i == 0 {
			out[i] = p
			continue
		}
		loc := continuationPhrase.FindStringIndex(p)
		if loc == nil {
			out[i] = p
			continue
		}
		rest := p[loc[1]:]
		// A sentence left open by the previous part keeps its lower case.
		if !splitSentence(out[i-1], rest) {
			rest = capitalize(rest)
		}
		out[i] = rest
	}
	return out, nil
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// RedundancyDetector drops repeated paragraphs. Exact repeats are found by
// normalized text; with an Embedder and a VectorIndex, paragraphs at least
// Threshold similar to an earlier one are dropped too.
type RedundancyDetector struct {
	Embedder  model.Embedder
	Index     store.VectorIndex
	Threshold float64
	// MinLength is the shortest paragraph, in runes, checked for near repeats.
	MinLength int
	Logger    *slog.Logger
}

func (RedundancyDetector) Name() string { return "redundancy_detection" }

func (d RedundancyDetector) Process(ctx context.Context, parts []string) ([]string, error) {
	semantic := d.Embedder != nil && d.Index != nil
	key := "redundancy:" + uuid.NewString()
	if semantic {
		defer func() {
			if err := d.Index.Reset(context.WithoutCancel(ctx), key); err != nil && d.Logger != nil {
				d.Logger.Warn("vector index reset failed", "key", key, "error", err)
			}
		}()
	}
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = 0.95
	}

	seen := make(map[string]bool)
	seq := 0
	dropped := 0
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		var kept []string
		for _, para := range strings.Split(part, partSeparator) {
			norm := normalizeParagraph(para)
			if norm == "" {
				continue
			}
			if seen[norm] {
				dropped++
				continue
			}
			seen[norm] = true

			if semantic && utf8.RuneCountInString(norm) >= d.MinLength {
				vec, err := d.Embedder.Embed(ctx, para)
				if err != nil {
					return nil, fmt.Errorf("embed paragraph: %w", err)
				}
				_, sim, err := d.Index.Nearest(ctx, key, vec)
				if err != nil {
					return nil, err
				}
				if sim >= threshold {
					dropped++
					continue
				}
				if err := d.Index.Add(ctx, key, seq, vec); err != nil {
					return nil, err
				}
				seq++
			}
			kept = append(kept, strings.TrimSpace(para))
		}
		if len(kept) > 0 {
			out = append(out, strings.Join(kept, partSeparator))
		}
	}
	if d.Logger != nil && dropped > 0 {
		d.Logger.Debug("redundant paragraphs dropped", "count", dropped)
	}
	return out, nil
}

func normalizeParagraph(p string) string {
	return strings.ToLower(strings.Join(strings.Fields(p), " "))
}

// CoherenceOptimizer rejoins sentences that a chunk boundary split in two and
// normalizes blank lines inside each part.
type CoherenceOptimizer struct{}

var blankRuns = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)

func (CoherenceOptimizer) Name() string { return "coherence_optimization" }

func (CoherenceOptimizer) Process(_ context.Context, parts []string) ([]string, error) {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(blankRuns.ReplaceAllString(p, partSeparator))
		if p == "" {
			continue
		}
		if n := len(out); n > 0 && splitSentence(out[n-1], p) {
			out[n-1] += " " + p
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// splitSentence reports whether prev stops mid-sentence and next carries on.
func splitSentence(prev, next string) bool {
	last, _ := utf8.DecodeLastRuneInString(prev)
	if strings.ContainsRune(".!?:;…\"')]”’»", last) {
		return false
	}
	first, _ := utf8.DecodeRuneInString(next)
	return unicode.IsLower(first)
}

// runPostProcessors applies the passes enabled by opts, in order. Passes
// with other names always run. A failing pass is logged and skipped.
func runPostProcessors(ctx context.Context, passes []PostProcessor, opts types.PostProcessingOptions, parts []string, logger *slog.Logger) []string {
	enabled := map[string]bool{
		ReferenceResolver{}.Name():  opts.ReferenceResolution,
		RedundancyDetector{}.Name(): opts.RedundancyDetection,
		CoherenceOptimizer{}.Name(): opts.CoherenceOptimization,
	}
	for _, pass := range passes {
		if on, known := enabled[pass.Name()]; known && !on {
			continue
		}
		next, err := pass.Process(ctx, parts)
		if err != nil {
			logger.Warn("post-processing pass failed", "pass", pass.Name(), "error", err)
			continue
		}
		parts = next
	}
	return parts
}
