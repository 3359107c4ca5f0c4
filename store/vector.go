package store

import (
	"context"
	"errors"
	"sync"

	"docflow/model"
)

// VectorIndex finds the closest previously added vector within a key.
// Nearest returns seq -1 when the key holds no vectors.
type VectorIndex interface {
	Add(ctx context.Context, key string, seq int, vec []float32) error
	Nearest(ctx context.Context, key string, vec []float32) (seq int, similarity float64, err error)
	Reset(ctx context.Context, key string) error
}

type MemoryVectorIndex struct {
	mu      sync.RWMutex
	vectors map[string]map[int][]float32
}

func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{vectors: make(map[string]map[int][]float32)}
}

func (m *MemoryVectorIndex) Add(_ context.Context, key string, seq int, vec []float32) error {
	if len(vec) == 0 {
		return errors.New("empty vector")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vectors[key] == nil {
		m.vectors[key] = make(map[int][]float32)
	}
	m.vectors[key][seq] = append([]float32(nil), vec...)
	return nil
}

func (m *MemoryVectorIndex) Nearest(_ context.Context, key string, vec []float32) (int, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best, bestSim := -1, -2.0
	for seq, v := range m.vectors[key] {
		sim := model.Cosine(vec, v)
		if sim > bestSim || (sim == bestSim && seq < best) {
			best, bestSim = seq, sim
		}
	}
	if best < 0 {
		return -1, 0, nil
	}
	return best, bestSim, nil
}

func (m *MemoryVectorIndex) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, key)
	return nil
}
