package types

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a processing run.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CheckpointStats is the progress snapshot kept in a checkpoint.
type CheckpointStats struct {
	TotalChunks        int           `json:"total_chunks"`
	Completed          int           `json:"completed"`
	AverageChunkTime   time.Duration `json:"average_chunk_time"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// AssemblyState is the running assembly. Folded holds the accepted contents
// of indexes [0, Next) in order; Buffered holds accepted contents past the
// first unsettled or failed index.
type AssemblyState struct {
	Folded   []string       `json:"folded"`
	Next     int            `json:"next"`
	Buffered map[int]string `json:"buffered,omitempty"`
}

// ProcessingCheckpoint is the only durable state of a run.
//
// CompletedChunkIDs, PendingChunkIDs and the keys of FailedChunkIDs partition
// the chunk ids of the document.
type ProcessingCheckpoint struct {
	ID                      uuid.UUID            `json:"id"`
	DocumentID              string               `json:"document_id"`
	DocumentName            string               `json:"document_name"`
	CreatedAt               time.Time            `json:"created_at"`
	UpdatedAt               time.Time            `json:"updated_at"`
	CompletedChunkIDs       []uuid.UUID          `json:"completed_chunk_ids"`
	PendingChunkIDs         []uuid.UUID          `json:"pending_chunk_ids"`
	FailedChunkIDs          map[uuid.UUID]string `json:"failed_chunk_ids"`
	PartialResultsByChunkID map[uuid.UUID]string `json:"partial_results_by_chunk_id"`
	Stats                   CheckpointStats      `json:"stats"`
	Status                  Status               `json:"status"`
	OptionsSnapshot         ProcessingOptions    `json:"options_snapshot"`

	// Resume support.
	ChunkIndexes     map[uuid.UUID]int `json:"chunk_indexes"`
	ChunkPayloads    []Chunk           `json:"chunk_payloads,omitempty"`
	Assembly         AssemblyState     `json:"assembly"`
	AssembledContent string            `json:"assembled_content,omitempty"`
	Error            string            `json:"error,omitempty"`
	ResumedFrom      *uuid.UUID        `json:"resumed_from,omitempty"`
}

// NewCheckpoint creates an ACTIVE checkpoint with every chunk pending.
func NewCheckpoint(documentID, documentName string, chunks []Chunk, opts ProcessingOptions) *ProcessingCheckpoint {
	now := time.Now().UTC()
	cp := &ProcessingCheckpoint{
		ID:                      uuid.New(),
		DocumentID:              documentID,
		DocumentName:            documentName,
		CreatedAt:               now,
		UpdatedAt:               now,
		CompletedChunkIDs:       []uuid.UUID{},
		PendingChunkIDs:         make([]uuid.UUID, 0, len(chunks)),
		FailedChunkIDs:          make(map[uuid.UUID]string),
		PartialResultsByChunkID: make(map[uuid.UUID]string),
		ChunkIndexes:            make(map[uuid.UUID]int, len(chunks)),
		ChunkPayloads:           append([]Chunk(nil), chunks...),
		Status:                  StatusActive,
		OptionsSnapshot:         opts,
		Stats:                   CheckpointStats{TotalChunks: len(chunks)},
	}
	for _, c := range chunks {
		cp.PendingChunkIDs = append(cp.PendingChunkIDs, c.ID)
		cp.ChunkIndexes[c.ID] = c.Index
	}
	return cp
}

// Unfinished returns the ids that a resume must dispatch again.
func (cp *ProcessingCheckpoint) Unfinished() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(cp.PendingChunkIDs)+len(cp.FailedChunkIDs))
	ids = append(ids, cp.PendingChunkIDs...)
	for id := range cp.FailedChunkIDs {
		ids = append(ids, id)
	}
	return ids
}
