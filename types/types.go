package types

import (
	"time"

	"github.com/google/uuid"
)

// Chunk is a bounded slice of a source document. Chunks are immutable once
// produced and are reassembled strictly by Index.
type Chunk struct {
	ID               uuid.UUID `json:"id"`
	Content          string    `json:"content"`
	Index            int       `json:"index"`
	TotalChunks      int       `json:"total_chunks"`
	SourceDocumentID string    `json:"source_document_id"`
	StartOffset      int       `json:"start_offset"`
	EndOffset        int       `json:"end_offset"`
	EstimatedSize    int       `json:"estimated_size"` // tokens
	CreatedAt        time.Time `json:"created_at"`
}

// ChunkResult is the latest outcome recorded for a chunk.
type ChunkResult struct {
	ChunkID     uuid.UUID     `json:"chunk_id"`
	Content     string        `json:"content,omitempty"`
	Succeeded   bool          `json:"succeeded"`
	Error       *ChunkError   `json:"error,omitempty"`
	RetryCount  int           `json:"retry_count"`
	ElapsedTime time.Duration `json:"elapsed_time"`
	Index       int           `json:"index"`
	IsPartial   bool          `json:"is_partial"`
}

// ChunkError describes why a chunk call failed.
type ChunkError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ChunkError) Error() string {
	return e.Kind + ": " + e.Message
}

// Progress is handed to progress callbacks after each chunk settles.
type Progress struct {
	DocumentID      string `json:"document_id"`
	ChunksProcessed int    `json:"chunks_processed"`
	TotalChunks     int    `json:"total_chunks"`
	CurrentStatus   Status `json:"current_status"`
}

// ProcessingStats summarizes a finished (or interrupted) run.
type ProcessingStats struct {
	ChunksProcessed int           `json:"chunks_processed"`
	Retries         int           `json:"retries"`
	Errors          int           `json:"errors"`
	ElapsedTime     time.Duration `json:"elapsed_time"`
}

// PerformanceMetrics reports what the run observed about the backend.
type PerformanceMetrics struct {
	AverageChunkTime  time.Duration `json:"average_chunk_time"`
	TokensPerSecond   float64       `json:"tokens_per_second"`
	Timeouts          int           `json:"timeouts"`
	FinalBatchSize    int           `json:"final_batch_size"`
	PeakBufferedBytes int           `json:"peak_buffered_bytes"`
	Evictions         int           `json:"evictions"`
}

// ProcessingResult is returned by every process or resume call.
type ProcessingResult struct {
	DocumentID         string              `json:"document_id"`
	DocumentName       string              `json:"document_name"`
	Succeeded          bool                `json:"succeeded"`
	Status             Status              `json:"status"`
	AssembledContent   string              `json:"assembled_content,omitempty"`
	Error              string              `json:"error,omitempty"`
	CheckpointID       *uuid.UUID          `json:"checkpoint_id,omitempty"`
	Stats              ProcessingStats     `json:"stats"`
	PerformanceMetrics *PerformanceMetrics `json:"performance_metrics,omitempty"`
	// ChunkResults holds the latest result of every chunk settled by this call,
	// in index order.
	ChunkResults []ChunkResult `json:"chunk_results,omitempty"`
}
