package processor

import (
	"maps"
	"slices"
	"strings"

	"docflow/types"
)

const partSeparator = "\n\n"

// assembler folds accepted chunk contents in index order. Contents past the
// first index that is not accepted wait in buffered, so a failed chunk can
// still be slotted in by a later resume.
type assembler struct {
	folded   []string
	next     int
	buffered map[int]string
	accepted map[int]bool
}

func newAssembler(state types.AssemblyState) *assembler {
	a := &assembler{
		folded:   append([]string(nil), state.Folded...),
		next:     state.Next,
		buffered: make(map[int]string, len(state.Buffered)),
		accepted: make(map[int]bool),
	}
	maps.Copy(a.buffered, state.Buffered)
	for i := range state.Next {
		a.accepted[i] = true
	}
	for i := range state.Buffered {
		a.accepted[i] = true
	}
	return a
}

// add records accepted content for index and folds every contiguous part.
// It returns the number of parts folded by this call.
func (a *assembler) add(index int, content string) int {
	if index < a.next || a.accepted[index] {
		return 0
	}
	a.accepted[index] = true
	a.buffered[index] = content

	folded := 0
	for {
		c, ok := a.buffered[a.next]
		if !ok {
			return folded
		}
		a.folded = append(a.folded, c)
		delete(a.buffered, a.next)
		a.next++
		folded++
	}
}

// isFolded reports whether index is already part of the folded prefix.
func (a *assembler) isFolded(index int) bool {
	return index < a.next
}

// parts returns all accepted contents in index order.
func (a *assembler) parts() []string {
	out := append([]string(nil), a.folded...)
	for _, i := range slices.Sorted(maps.Keys(a.buffered)) {
		out = append(out, a.buffered[i])
	}
	return out
}

func (a *assembler) count() int {
	return len(a.folded) + len(a.buffered)
}

func (a *assembler) state() types.AssemblyState {
	s := types.AssemblyState{
		Folded: append([]string(nil), a.folded...),
		Next:   a.next,
	}
	if len(a.buffered) > 0 {
		s.Buffered = maps.Clone(a.buffered)
	}
	return s
}

func join(parts []string) string {
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return strings.Join(trimmed, partSeparator)
}
