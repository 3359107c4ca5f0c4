// Package store persists processing checkpoints and summary vectors.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"docflow/types"
)

var ErrNotFound = errors.New("checkpoint not found")

// CheckpointStore is durable checkpoint storage. A Save is atomic with
// respect to Load: a reader sees either the previous or the new record.
type CheckpointStore interface {
	Save(ctx context.Context, cp *types.ProcessingCheckpoint) error
	Load(ctx context.Context, id uuid.UUID) (*types.ProcessingCheckpoint, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]Summary, error)
}

// Summary is the listing view of a checkpoint.
type Summary struct {
	ID           uuid.UUID    `json:"id"`
	DocumentID   string       `json:"document_id"`
	DocumentName string       `json:"document_name"`
	Status       types.Status `json:"status"`
	Completed    int          `json:"completed"`
	TotalChunks  int          `json:"total_chunks"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func Summarize(cp *types.ProcessingCheckpoint) Summary {
	return Summary{
		ID:           cp.ID,
		DocumentID:   cp.DocumentID,
		DocumentName: cp.DocumentName,
		Status:       cp.Status,
		Completed:    len(cp.CompletedChunkIDs),
		TotalChunks:  cp.Stats.TotalChunks,
		UpdatedAt:    cp.UpdatedAt,
	}
}

func sortSummaries(s []Summary) {
	slices.SortFunc(s, func(a, b Summary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}

func encode(cp *types.ProcessingCheckpoint) ([]byte, error) {
	if cp == nil {
		return nil, errors.New("nil checkpoint")
	}
	if cp.ID == uuid.Nil {
		return nil, errors.New("checkpoint has no id")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*types.ProcessingCheckpoint, error) {
	cp := &types.ProcessingCheckpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// MemoryStore keeps serialized checkpoints in process memory, so callers
// never share state with the stored copy.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, cp *types.ProcessingCheckpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[cp.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id uuid.UUID) (*types.ProcessingCheckpoint, error) {
	m.mu.RLock()
	data, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decode(data)
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.records))
	for _, data := range m.records {
		cp, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(cp))
	}
	sortSummaries(out)
	return out, nil
}
