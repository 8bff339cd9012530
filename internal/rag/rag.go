// Package rag answers questions grounded in indexed document chunks.
package rag

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/docstackhq/docstack/config"
	"github.com/docstackhq/docstack/internal/embedding"
	"github.com/docstackhq/docstack/internal/index"
	"github.com/docstackhq/docstack/internal/llm"
	"github.com/docstackhq/docstack/internal/notify"
	"github.com/docstackhq/docstack/internal/store"
)

const (
	excerptChars    = 200
	previewChars    = 100
	noContextAnswer = "I could not find any relevant content in your documents to answer this question."
)

// StoreAPI is the slice of the store the engine reads from.
type StoreAPI interface {
	GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]store.Chunk, error)
	GetDocumentByID(ctx context.Context, id int64) (store.Document, error)
}

// Notifier delivers the completion notification.
type Notifier interface {
	Emit(userID int64, typ notify.Type, title, text string, opts notify.EmitOpts)
}

// Fallback retrieves chunks by keyword match when vector retrieval comes
// back empty. Nil-able.
type Fallback interface {
	Search(query string, topK int, documentID int64) ([]index.Hit, error)
}

// Citation points an answer back at a retrieved chunk.
type Citation struct {
	DocumentID      int64   `json:"documentId"`
	DocumentName    string  `json:"documentName"`
	ChunkOrder      int     `json:"chunkOrder"`
	SimilarityScore float64 `json:"similarityScore"`
	Excerpt         string  `json:"excerpt"`
}

// Answer is the full query result.
type Answer struct {
	Question    string     `json:"question"`
	Answer      string     `json:"answer"`
	Citations   []Citation `json:"citations"`
	ContextUsed []string   `json:"contextUsed"`
	Model       string     `json:"model"`
}

// Engine runs the retrieve-then-generate loop. Fully concurrent across
// questions; it holds no mutable state.
type Engine struct {
	store    StoreAPI
	idx      index.Index
	embedder embedding.Client
	provider llm.Provider
	notifier Notifier
	fallback Fallback
	logger   *log.Logger

	cfg   config.RAGConfig
	model string
}

// New wires a query engine. fallback may be nil.
func New(st StoreAPI, idx index.Index, embedder embedding.Client, provider llm.Provider,
	notifier Notifier, fallback Fallback, cfg config.RAGConfig, model string, logger *log.Logger) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 3000
	}
	if cfg.TokensPerWord <= 0 {
		cfg.TokensPerWord = 1.3
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:    st,
		idx:      idx,
		embedder: embedder,
		provider: provider,
		notifier: notifier,
		fallback: fallback,
		logger:   logger,
		cfg:      cfg,
		model:    model,
	}
}

type retrieved struct {
	chunk   store.Chunk
	docName string
	score   float64
}

// Ask answers a question for the given user, optionally scoped to one
// document. Retrieval that matches nothing yields a grounded "no context"
// answer rather than an error; provider failures propagate and emit no
// notification since the operation did not complete.
func (e *Engine) Ask(ctx context.Context, ownerID int64, question string, documentID int64) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question must not be empty")
	}

	hits, err := e.retrieve(ctx, question, documentID)
	if err != nil {
		return Answer{}, err
	}

	candidates, err := e.loadChunks(ctx, ownerID, hits)
	if err != nil {
		return Answer{}, err
	}

	if len(candidates) == 0 {
		ans := Answer{
			Question:    question,
			Answer:      noContextAnswer,
			Citations:   []Citation{},
			ContextUsed: []string{},
			Model:       e.model,
		}
		e.emitAnswered(ownerID, ans)
		return ans, nil
	}

	selected := e.selectWithinBudget(candidates)
	prompt := e.buildPrompt(question, selected)
	text, err := e.provider.Complete(ctx, []llm.Message{{Role: "user", Content: prompt}}, llm.Options{})
	if err != nil {
		return Answer{}, fmt.Errorf("llm completion: %w", err)
	}

	ans := Answer{
		Question:    question,
		Answer:      text,
		Citations:   make([]Citation, 0, len(selected)),
		ContextUsed: make([]string, 0, len(selected)),
		Model:       e.model,
	}
	for _, r := range selected {
		ans.Citations = append(ans.Citations, Citation{
			DocumentID:      r.chunk.DocumentID,
			DocumentName:    r.docName,
			ChunkOrder:      r.chunk.Order,
			SimilarityScore: r.score,
			Excerpt:         excerpt(r.chunk.Text),
		})
		ans.ContextUsed = append(ans.ContextUsed, r.chunk.Text)
	}
	e.emitAnswered(ownerID, ans)
	return ans, nil
}

func (e *Engine) retrieve(ctx context.Context, question string, documentID int64) ([]index.Hit, error) {
	vec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	hits, err := e.idx.Search(ctx, vec, e.cfg.TopK, documentID)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if e.cfg.SimilarityFloor > 0 {
		kept := hits[:0]
		for _, h := range hits {
			if h.Score >= e.cfg.SimilarityFloor {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	if len(hits) == 0 && e.fallback != nil {
		kw, err := e.fallback.Search(question, e.cfg.TopK, documentID)
		if err != nil {
			e.logger.Printf("warn: lexical fallback: %v", err)
			return nil, nil
		}
		return kw, nil
	}
	return hits, nil
}

// loadChunks maps hits to chunk records and document names, dropping any
// chunk the requesting user does not own.
func (e *Engine) loadChunks(ctx context.Context, ownerID int64, hits []index.Hit) ([]retrieved, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	chunks, err := e.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	docNames := make(map[int64]string)
	docOwned := make(map[int64]bool)
	var out []retrieved
	for _, h := range hits {
		c, ok := chunks[h.ChunkID]
		if !ok {
			continue
		}
		if _, seen := docOwned[c.DocumentID]; !seen {
			doc, err := e.store.GetDocumentByID(ctx, c.DocumentID)
			if err != nil {
				docOwned[c.DocumentID] = false
				continue
			}
			docOwned[c.DocumentID] = doc.OwnerID == ownerID
			docNames[c.DocumentID] = doc.Filename
		}
		if !docOwned[c.DocumentID] {
			continue
		}
		out = append(out, retrieved{chunk: c, docName: docNames[c.DocumentID], score: h.Score})
	}
	return out, nil
}

// selectWithinBudget keeps chunks in similarity-descending order until the
// estimated token budget is spent. At least one chunk is always kept.
func (e *Engine) selectWithinBudget(rs []retrieved) []retrieved {
	budget := float64(e.cfg.MaxContextTokens)
	var used float64
	var out []retrieved
	for _, r := range rs {
		cost := float64(r.chunk.WordCount) * e.cfg.TokensPerWord
		if len(out) > 0 && used+cost > budget {
			break
		}
		out = append(out, r)
		used += cost
	}
	return out
}

func (e *Engine) buildPrompt(question string, rs []retrieved) string {
	var b strings.Builder
	b.WriteString("SYSTEM: You are a helpful assistant that answers questions based on the provided document context. Use only the context below; if it does not contain the answer, say so.\n\n")
	b.WriteString("CONTEXT:\n")
	for i, r := range rs {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "[Chunk %d - Relevance: %.2f]\n%s", i+1, r.score, r.chunk.Text)
	}
	b.WriteString("\n\nQUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\nANSWER:")
	return b.String()
}

func (e *Engine) emitAnswered(ownerID int64, ans Answer) {
	e.notifier.Emit(ownerID, notify.TypeQuestionAnswered, "Question Answered",
		"Your question has been answered",
		notify.EmitOpts{Data: map[string]interface{}{
			"question":      ans.Question,
			"answerPreview": preview(ans.Answer),
			"citationCount": len(ans.Citations),
		}})
}

func excerpt(text string) string {
	return truncateRunes(text, excerptChars)
}

func preview(text string) string {
	return truncateRunes(text, previewChars)
}

// truncateRunes cuts on rune boundaries so multibyte text is never split
// mid-character.
func truncateRunes(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}
