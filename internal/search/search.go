// Package search keeps an in-memory keyword index over chunk text. It
// backs the lexical fallback for questions whose vector retrieval comes
// back empty, typically when embeddings failed or are still pending.
package search

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/docstackhq/docstack/internal/index"
	"github.com/docstackhq/docstack/internal/store"
)

type chunkDoc struct {
	Text         string `json:"text"`
	DocumentName string `json:"document_name"`
}

type chunkMeta struct {
	documentID int64
	order      int
}

// Lexical is a BM25 index over chunk text. Safe for concurrent use.
type Lexical struct {
	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]chunkMeta
}

// NewLexical builds an empty in-memory index.
func NewLexical() (*Lexical, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("search: create index: %w", err)
	}
	return &Lexical{index: idx, meta: make(map[string]chunkMeta)}, nil
}

// IndexChunks replaces a document's entries with the given chunks.
func (l *Lexical) IndexChunks(documentID int64, documentName string, chunks []store.Chunk) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.deleteDocumentLocked(documentID); err != nil {
		return err
	}
	batch := l.index.NewBatch()
	for _, c := range chunks {
		key := strconv.FormatInt(c.ID, 10)
		if err := batch.Index(key, chunkDoc{Text: c.Text, DocumentName: documentName}); err != nil {
			return fmt.Errorf("search: batch index chunk %d: %w", c.ID, err)
		}
		l.meta[key] = chunkMeta{documentID: documentID, order: c.Order}
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("search: commit batch: %w", err)
	}
	return nil
}

// DeleteDocument drops all of a document's chunks from the index.
func (l *Lexical) DeleteDocument(documentID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deleteDocumentLocked(documentID)
}

func (l *Lexical) deleteDocumentLocked(documentID int64) error {
	for key, m := range l.meta {
		if m.documentID != documentID {
			continue
		}
		if err := l.index.Delete(key); err != nil {
			return fmt.Errorf("search: delete chunk %s: %w", key, err)
		}
		delete(l.meta, key)
	}
	return nil
}

// Search runs a keyword match over chunk text and returns hits in score
// order. documentID 0 means unfiltered. Scores are BM25, not cosine, so
// they are comparable to each other but not to vector scores.
func (l *Lexical) Search(query string, topK int, documentID int64) ([]index.Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	match := bleve.NewMatchQuery(query)
	// Over-fetch so post-filtering by document still fills topK.
	req := bleve.NewSearchRequestOptions(match, topK*3, 0, false)
	res, err := l.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []index.Hit
	for _, h := range res.Hits {
		m, ok := l.meta[h.ID]
		if !ok {
			continue
		}
		if documentID > 0 && m.documentID != documentID {
			continue
		}
		chunkID, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, index.Hit{
			ChunkID:    chunkID,
			DocumentID: m.documentID,
			Order:      m.order,
			Score:      h.Score,
		})
		if len(hits) >= topK {
			break
		}
	}
	return hits, nil
}

// Count reports the number of indexed chunks.
func (l *Lexical) Count() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.DocCount()
}
