package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Entry is one indexed chunk vector. The payload carries just enough chunk
// metadata to map a search hit back to its chunk without a second lookup.
type Entry struct {
	ChunkID    int64
	DocumentID int64
	Order      int
	Vector     []float32
}

// Hit is a similarity search result, highest-similarity first.
type Hit struct {
	ChunkID    int64
	DocumentID int64
	Order      int
	Score      float64
}

// Index stores chunk vectors and supports cosine-similarity search,
// optionally scoped to a single document (documentID > 0).
type Index interface {
	Upsert(ctx context.Context, entries []Entry) error
	DeleteByDocument(ctx context.Context, documentID int64) error
	Search(ctx context.Context, vector []float32, topK int, documentID int64) ([]Hit, error)
	// CountByDocument reports indexed entries per document, used by the
	// consistency sweeper.
	CountByDocument(ctx context.Context, documentID int64) (int, error)
}

// Memory is a brute-force in-memory Index for tests and single-node dev
// setups. Scores are cosine similarity.
type Memory struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

// NewMemory builds an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[int64]Entry)}
}

func (m *Memory) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.ChunkID == 0 {
			return fmt.Errorf("index: entry requires a chunk id")
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("index: entry for chunk %d has no vector", e.ChunkID)
		}
		m.entries[e.ChunkID] = e
	}
	return nil
}

func (m *Memory) DeleteByDocument(_ context.Context, documentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.DocumentID == documentID {
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *Memory) Search(_ context.Context, vector []float32, topK int, documentID int64) ([]Hit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("index: query vector must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if documentID > 0 && e.DocumentID != documentID {
			continue
		}
		hits = append(hits, Hit{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Order:      e.Order,
			Score:      Cosine(vector, e.Vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *Memory) CountByDocument(_ context.Context, documentID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

// Len reports the total number of indexed entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
