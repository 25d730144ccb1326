package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WessleyAI/groundwork/engine/domain"
)

// Memory is a concurrency-safe in-process Store using brute-force cosine
// similarity.
type Memory struct {
	mu     sync.RWMutex
	chunks map[string]domain.Chunk
	dims   int
	now    func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{chunks: make(map[string]domain.Chunk), now: time.Now}
}

// Upsert stores each chunk independently. A chunk without an id or with a
// vector of the wrong dimension is reported as failed.
func (m *Memory) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failures []domain.ChunkFailure
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			failures = append(failures, domain.ChunkFailure{ID: c.ID, Index: c.Index, Where: "store.upsert", Err: err})
			continue
		}
		if err := m.check(c); err != nil {
			failures = append(failures, domain.ChunkFailure{ID: c.ID, Index: c.Index, Where: "store.upsert", Err: err})
			continue
		}
		if c.IngestedAt.IsZero() {
			c.IngestedAt = m.now()
		}
		c.Embedding = append([]float32(nil), c.Embedding...)
		m.chunks[c.ID] = c
		if m.dims == 0 {
			m.dims = len(c.Embedding)
		}
	}
	if len(failures) > 0 {
		return &domain.PartialFailure{Failures: failures}
	}
	return nil
}

func (m *Memory) check(c domain.Chunk) error {
	switch {
	case c.ID == "":
		return fmt.Errorf("store: missing id")
	case len(c.Embedding) == 0:
		return domain.ErrEmptyEmbedding
	case m.dims != 0 && len(c.Embedding) != m.dims:
		return fmt.Errorf("store: %d dims, want %d: %w", len(c.Embedding), m.dims, domain.ErrDimensionMismatch)
	}
	return nil
}

// Search scans every chunk.
func (m *Memory) Search(ctx context.Context, embedding []float32, threshold float32, count int) ([]domain.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.RetrievalError("store.search", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if count <= 0 || len(m.chunks) == 0 {
		return []domain.Match{}, nil
	}
	if len(embedding) != m.dims {
		return nil, domain.RetrievalError("store.search", fmt.Errorf("query has %d dims, store has %d: %w", len(embedding), m.dims, domain.ErrDimensionMismatch))
	}

	raw := make([]domain.Match, 0, len(m.chunks))
	for _, c := range m.chunks {
		sim := Cosine(embedding, c.Embedding)
		if sim < threshold {
			continue
		}
		raw = append(raw, domain.Match{Chunk: c, Similarity: sim})
	}
	return Finalize(raw, threshold, count), nil
}

// Count returns the number of stored chunks.
func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks), nil
}

// PruneDocument deletes chunks of docID not listed in keep.
func (m *Memory) PruneDocument(_ context.Context, docID string, keep []string) error {
	live := make(map[string]bool, len(keep))
	for _, id := range keep {
		live[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.DocID == docID && !live[id] {
			delete(m.chunks, id)
		}
	}
	return nil
}

// Get returns a stored chunk by id.
func (m *Memory) Get(id string) (domain.Chunk, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[id]
	return c, ok
}
