package processor

import (
	"container/heap"
	"regexp"
	"time"

	"docflow/types"
)

const headingWeight = 200

var headingLine = regexp.MustCompile(`(?m)^#{1,6}\s`)

// task is a chunk waiting for, or undergoing, a completion call. A task is in
// exactly one place at a time: the ready heap, the delayed set, or in flight.
type task struct {
	chunk   types.Chunk
	score   int
	retries int
	// elapsed sums call time over all attempts; backoff waits are excluded.
	elapsed time.Duration
	// partial is the longest partial response seen across attempts.
	partial string
	readyAt time.Time
}

func newTask(c types.Chunk) *task {
	return &task{
		chunk: c,
		score: c.EstimatedSize + headingWeight*len(headingLine.FindAllStringIndex(c.Content, -1)),
	}
}

type readyHeap []*task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].chunk.Index < h[j].chunk.Index
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// queue orders ready tasks by informational value and parks tasks that are
// backing off until their ready time.
type queue struct {
	ready   readyHeap
	delayed []*task
}

func newQueue(tasks []*task) *queue {
	q := &queue{ready: append(readyHeap(nil), tasks...)}
	heap.Init(&q.ready)
	return q
}

func (q *queue) push(t *task) {
	heap.Push(&q.ready, t)
}

func (q *queue) delay(t *task, until time.Time) {
	t.readyAt = until
	q.delayed = append(q.delayed, t)
}

// promote moves every delayed task whose ready time has passed into the heap.
func (q *queue) promote(now time.Time) {
	kept := q.delayed[:0]
	for _, t := range q.delayed {
		if !t.readyAt.After(now) {
			heap.Push(&q.ready, t)
		} else {
			kept = append(kept, t)
		}
	}
	clear(q.delayed[len(kept):])
	q.delayed = kept
}

// next returns the earliest ready time among delayed tasks.
func (q *queue) next() (time.Time, bool) {
	if len(q.delayed) == 0 {
		return time.Time{}, false
	}
	earliest := q.delayed[0].readyAt
	for _, t := range q.delayed[1:] {
		if t.readyAt.Before(earliest) {
			earliest = t.readyAt
		}
	}
	return earliest, true
}

func (q *queue) take(n int) []*task {
	batch := make([]*task, 0, min(n, q.ready.Len()))
	for len(batch) < n && q.ready.Len() > 0 {
		batch = append(batch, heap.Pop(&q.ready).(*task))
	}
	return batch
}
