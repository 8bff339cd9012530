// Package pipeline runs the per-document ingestion state machine:
// extraction, chunking, embedding, indexing, then summary and tags.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/docstackhq/docstack/config"
	"github.com/docstackhq/docstack/internal/chunker"
	"github.com/docstackhq/docstack/internal/embedding"
	"github.com/docstackhq/docstack/internal/extract"
	"github.com/docstackhq/docstack/internal/index"
	"github.com/docstackhq/docstack/internal/journal"
	"github.com/docstackhq/docstack/internal/llm"
	"github.com/docstackhq/docstack/internal/notify"
	"github.com/docstackhq/docstack/internal/store"
)

// State labels the document's position in the pipeline. States are
// in-memory per run; durable progress lives on the document and chunk rows.
type State string

const (
	StateUploaded    State = "UPLOADED"
	StateExtracting  State = "EXTRACTING"
	StateExtracted   State = "EXTRACTED"
	StateChunking    State = "CHUNKING"
	StateChunked     State = "CHUNKED"
	StateEmbedding   State = "EMBEDDING"
	StateEmbedded    State = "EMBEDDED"
	StateIndexed     State = "INDEXED"
	StateSummarizing State = "SUMMARIZING"
	StateSummarized  State = "SUMMARIZED"
	StateTagging     State = "TAGGING"
	StateTagged      State = "TAGGED"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// StoreAPI is the slice of the store the pipeline needs.
type StoreAPI interface {
	GetDocumentByID(ctx context.Context, id int64) (store.Document, error)
	SetExtractionResult(ctx context.Context, id int64, text string, success bool) error
	SetEmbeddingsGenerated(ctx context.Context, id int64, generated bool) error
	SetSummary(ctx context.Context, id int64, summary string) error
	SetTags(ctx context.Context, id int64, tags string) error
	DeleteDocument(ctx context.Context, id int64) error
	ReplaceChunks(ctx context.Context, documentID int64, drafts []store.Chunk) ([]store.Chunk, error)
	ListChunks(ctx context.Context, documentID int64) ([]store.Chunk, error)
	SetChunkEmbeddingStatus(ctx context.Context, chunkID int64, status, reason string) error
	MarkChunksEmbeddingFailed(ctx context.Context, chunkIDs []int64, reason string) error
}

// Notifier is the fan-out surface the pipeline emits through. Emissions
// never fail; the fan-out service swallows delivery errors internally.
type Notifier interface {
	Emit(userID int64, typ notify.Type, title, text string, opts notify.EmitOpts)
}

// Journal records ingest events out of band. Nil-able: a disabled journal
// is skipped, never an error.
type Journal interface {
	Publish(ctx context.Context, eventType string, attempt int, payload interface{}) (string, error)
}

// Lexical receives chunk text for keyword search. Nil-able.
type Lexical interface {
	IndexChunks(documentID int64, documentName string, chunks []store.Chunk) error
	DeleteDocument(documentID int64) error
}

// Job describes one upload to process.
type Job struct {
	DocumentID int64
	OwnerID    int64
	Filename   string
	FileType   string
	Content    []byte
}

// Orchestrator drives the ingestion pipeline. Writes to one document's
// chunk set are serialized through a per-document mutex so a re-chunk can
// never race an in-flight embedding batch for the same document.
type Orchestrator struct {
	store    StoreAPI
	idx      index.Index
	embedder embedding.Client
	provider llm.Provider
	notifier Notifier
	journal  Journal
	lexical  Lexical
	logger   *log.Logger

	llmCfg   config.LLMConfig
	chunkCfg config.ChunkingConfig

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New wires an orchestrator. provider, journal and lexical may be nil;
// the corresponding stages degrade silently.
func New(st StoreAPI, idx index.Index, embedder embedding.Client, provider llm.Provider,
	notifier Notifier, jnl Journal, lexical Lexical, llmCfg config.LLMConfig,
	chunkCfg config.ChunkingConfig, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		store:    st,
		idx:      idx,
		embedder: embedder,
		provider: provider,
		notifier: notifier,
		journal:  jnl,
		lexical:  lexical,
		logger:   logger,
		llmCfg:   llmCfg,
		chunkCfg: chunkCfg,
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (o *Orchestrator) lock(documentID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[documentID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[documentID] = l
	}
	return l
}

func (o *Orchestrator) transition(documentID int64, s State) {
	o.logger.Printf("[PIPE] document %d: %s", documentID, s)
}

// Process runs the full pipeline for a freshly uploaded document. Intended
// to run on its own goroutine; errors are terminal for the affected stage
// only and are reported through document state and notifications.
func (o *Orchestrator) Process(ctx context.Context, job Job) {
	o.transition(job.DocumentID, StateUploaded)
	o.notifier.Emit(job.OwnerID, notify.TypeDocumentUploaded, "Document Uploaded",
		fmt.Sprintf("'%s' has been uploaded successfully", job.Filename),
		notify.EmitOpts{DocumentID: job.DocumentID, DocumentName: job.Filename})
	o.publishJournal(ctx, journal.EventDocumentIngested, journal.DocumentEvent{
		DocumentID: job.DocumentID, OwnerID: job.OwnerID, Filename: job.Filename,
	})

	text, ok := o.runExtraction(ctx, job)
	if !ok {
		return
	}

	o.runFromText(ctx, job.DocumentID, job.OwnerID, job.Filename, text, false)
}

// Rechunk re-runs the pipeline from chunking onward using the stored
// extracted text. Used by the re-chunk endpoint and retry tooling.
func (o *Orchestrator) Rechunk(ctx context.Context, documentID, ownerID int64) error {
	doc, err := o.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	if !doc.TextExtractionSuccess {
		return fmt.Errorf("document %d has no extracted text", documentID)
	}
	o.runFromText(ctx, documentID, ownerID, doc.Filename, doc.ExtractedText, false)
	return nil
}

func (o *Orchestrator) runExtraction(ctx context.Context, job Job) (string, bool) {
	o.transition(job.DocumentID, StateExtracting)
	text, err := extract.Text(job.FileType, job.Content)
	if err != nil || strings.TrimSpace(text) == "" {
		if err == nil {
			err = fmt.Errorf("extracted text is empty")
		}
		o.transition(job.DocumentID, StateFailed)
		if serr := o.store.SetExtractionResult(ctx, job.DocumentID, "", false); serr != nil {
			o.logger.Printf("warn: record extraction failure for document %d: %v", job.DocumentID, serr)
		}
		o.notifier.Emit(job.OwnerID, notify.TypeTextExtractionFailed, "Text Extraction Failed",
			fmt.Sprintf("Text extraction failed for '%s'", job.Filename),
			notify.EmitOpts{
				DocumentID: job.DocumentID, DocumentName: job.Filename,
				Data: map[string]interface{}{"error": err.Error()},
			})
		return "", false
	}

	if err := o.store.SetExtractionResult(ctx, job.DocumentID, text, true); err != nil {
		o.logger.Printf("warn: store extracted text for document %d: %v", job.DocumentID, err)
		return "", false
	}
	words := chunker.WordCount(text)
	o.transition(job.DocumentID, StateExtracted)
	o.notifier.Emit(job.OwnerID, notify.TypeTextExtractionComplete, "Text Extraction Complete",
		fmt.Sprintf("Text extraction completed for '%s' (%d words)", job.Filename, words),
		notify.EmitOpts{
			DocumentID: job.DocumentID, DocumentName: job.Filename,
			Data: map[string]interface{}{"wordCount": words},
		})
	return text, true
}

// runFromText covers CHUNKING through DONE. regen marks summary/tag
// notifications as regenerated variants. Chunking and embedding run under
// a single lock acquisition: releasing between the stages would let a
// concurrent re-chunk replace the chunk set and leave this run indexing
// vectors for chunk ids that no longer exist.
func (o *Orchestrator) runFromText(ctx context.Context, documentID, ownerID int64, filename, text string, regen bool) {
	l := o.lock(documentID)
	l.Lock()
	chunks, ok := o.runChunking(ctx, documentID, filename, text)
	if ok {
		o.runEmbedding(ctx, documentID, ownerID, filename, chunks)
	}
	l.Unlock()
	if !ok {
		return
	}
	o.runSummary(ctx, documentID, ownerID, filename, text, regen)
	o.runTags(ctx, documentID, ownerID, filename, text, regen)
	o.transition(documentID, StateDone)
}

// runChunking expects the document lock to be held by the caller.
func (o *Orchestrator) runChunking(ctx context.Context, documentID int64, filename, text string) ([]store.Chunk, bool) {
	o.transition(documentID, StateChunking)
	ch := chunker.New(o.chunkCfg.MinChunkWords, o.chunkCfg.MaxChunkWords)
	drafts, err := ch.Chunk(text)
	if err != nil {
		o.logger.Printf("warn: chunking document %d failed: %v", documentID, err)
		return nil, false
	}

	rows := make([]store.Chunk, len(drafts))
	for i, d := range drafts {
		rows[i] = store.Chunk{
			Text:      d.Text,
			Order:     d.Order,
			WordCount: d.WordCount,
			StartPos:  d.Start,
			EndPos:    d.End,
		}
	}

	// Replacing chunks also clears the vector entries for the document,
	// so the index can never hold vectors for chunks that no longer exist.
	stored, err := o.store.ReplaceChunks(ctx, documentID, rows)
	if err != nil {
		o.logger.Printf("warn: store chunks for document %d: %v", documentID, err)
		return nil, false
	}
	if err := o.idx.DeleteByDocument(ctx, documentID); err != nil {
		o.logger.Printf("warn: clear index for document %d: %v", documentID, err)
	}
	if o.lexical != nil {
		if err := o.lexical.IndexChunks(documentID, filename, stored); err != nil {
			o.logger.Printf("warn: lexical index for document %d: %v", documentID, err)
		}
	}
	o.transition(documentID, StateChunked)
	return stored, true
}

// runEmbedding expects the document lock to be held by the caller.
func (o *Orchestrator) runEmbedding(ctx context.Context, documentID, ownerID int64, filename string, chunks []store.Chunk) {
	o.transition(documentID, StateEmbedding)
	if len(chunks) == 0 {
		o.transition(documentID, StateEmbedded)
		return
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	results := o.embedder.EmbedBatch(ctx, texts)

	var entries []index.Entry
	var succeededIDs []int64
	succeeded, failed := 0, 0
	for i, res := range results {
		c := chunks[i]
		if res.Err != nil {
			failed++
			o.recordChunkFailure(ctx, documentID, ownerID, c, res.Err)
			continue
		}
		succeeded++
		succeededIDs = append(succeededIDs, c.ID)
		entries = append(entries, index.Entry{
			ChunkID:    c.ID,
			DocumentID: documentID,
			Order:      c.Order,
			Vector:     res.Vector,
		})
	}
	o.transition(documentID, StateEmbedded)

	if len(entries) > 0 {
		if err := o.idx.Upsert(ctx, entries); err != nil {
			// The vectors never reached the index, so the chunks must not
			// claim success. Roll them back to failed for the retry path.
			o.logger.Printf("warn: index upsert for document %d: %v", documentID, err)
			if merr := o.store.MarkChunksEmbeddingFailed(ctx, succeededIDs, "index write failed: "+err.Error()); merr != nil {
				o.logger.Printf("warn: rollback chunk status for document %d: %v", documentID, merr)
			}
			succeeded = 0
		} else {
			for _, id := range succeededIDs {
				if err := o.store.SetChunkEmbeddingStatus(ctx, id, store.EmbeddingSucceeded, ""); err != nil {
					o.logger.Printf("warn: mark chunk %d succeeded: %v", id, err)
				}
			}
		}
	}
	o.transition(documentID, StateIndexed)

	if err := o.store.SetEmbeddingsGenerated(ctx, documentID, succeeded > 0); err != nil {
		o.logger.Printf("warn: set embeddings flag for document %d: %v", documentID, err)
	}

	// One notification per batch, after every chunk has been attempted.
	o.notifier.Emit(ownerID, notify.TypeEmbeddingsGenerated, "Embeddings Generated",
		fmt.Sprintf("Generated embeddings for %d chunks of '%s'", len(chunks), filename),
		notify.EmitOpts{
			DocumentID: documentID, DocumentName: filename,
			Data: map[string]interface{}{"chunkCount": len(chunks), "failedCount": failed},
		})
}

func (o *Orchestrator) recordChunkFailure(ctx context.Context, documentID, ownerID int64, c store.Chunk, cause error) {
	if err := o.store.SetChunkEmbeddingStatus(ctx, c.ID, store.EmbeddingFailed, cause.Error()); err != nil {
		o.logger.Printf("warn: mark chunk %d failed: %v", c.ID, err)
	}
	o.publishJournal(ctx, journal.EventChunkEmbeddingFailed, journal.EmbeddingFailure{
		DocumentID: documentID,
		ChunkID:    c.ID,
		OwnerID:    ownerID,
		Reason:     cause.Error(),
		Transient:  embedding.IsTransient(cause),
	})
}

func (o *Orchestrator) runSummary(ctx context.Context, documentID, ownerID int64, filename, text string, regen bool) {
	if o.provider == nil {
		return
	}
	o.transition(documentID, StateSummarizing)
	summary, err := o.generateSummary(ctx, text)
	if err != nil {
		// Silent degrade: logged, no failure notification, earlier stages
		// stay intact.
		o.logger.Printf("warn: summary for document %d: %v", documentID, err)
		return
	}
	if err := o.store.SetSummary(ctx, documentID, summary); err != nil {
		o.logger.Printf("warn: store summary for document %d: %v", documentID, err)
		return
	}
	o.transition(documentID, StateSummarized)

	typ, title := notify.TypeSummaryGenerated, "Summary Generated"
	if regen {
		typ, title = notify.TypeSummaryRegenerated, "Summary Regenerated"
	}
	o.notifier.Emit(ownerID, typ, title,
		fmt.Sprintf("Summary generated for '%s'", filename),
		notify.EmitOpts{DocumentID: documentID, DocumentName: filename})
}

func (o *Orchestrator) runTags(ctx context.Context, documentID, ownerID int64, filename, text string, regen bool) {
	if o.provider == nil {
		return
	}
	o.transition(documentID, StateTagging)
	tags, err := o.generateTags(ctx, text)
	if err != nil {
		o.logger.Printf("warn: tags for document %d: %v", documentID, err)
		return
	}
	if err := o.store.SetTags(ctx, documentID, strings.Join(tags, ", ")); err != nil {
		o.logger.Printf("warn: store tags for document %d: %v", documentID, err)
		return
	}
	o.transition(documentID, StateTagged)

	typ, title := notify.TypeTagsGenerated, "Tags Generated"
	if regen {
		typ, title = notify.TypeTagsRegenerated, "Tags Regenerated"
	}
	o.notifier.Emit(ownerID, typ, title,
		fmt.Sprintf("Generated %d tags for '%s'", len(tags), filename),
		notify.EmitOpts{
			DocumentID: documentID, DocumentName: filename,
			Data: map[string]interface{}{"tagCount": len(tags)},
		})
}

// RegenerateSummary recomputes the summary on demand.
func (o *Orchestrator) RegenerateSummary(ctx context.Context, documentID, ownerID int64) error {
	doc, err := o.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	if !doc.TextExtractionSuccess {
		return fmt.Errorf("document %d has no extracted text", documentID)
	}
	o.runSummary(ctx, documentID, ownerID, doc.Filename, doc.ExtractedText, true)
	return nil
}

// RegenerateTags recomputes tags on demand.
func (o *Orchestrator) RegenerateTags(ctx context.Context, documentID, ownerID int64) error {
	doc, err := o.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	if !doc.TextExtractionSuccess {
		return fmt.Errorf("document %d has no extracted text", documentID)
	}
	o.runTags(ctx, documentID, ownerID, doc.Filename, doc.ExtractedText, true)
	return nil
}

// Delete removes a document with its chunks and index entries. Vector
// entries go first so a partial failure can never leave dangling vectors
// for a missing document.
func (o *Orchestrator) Delete(ctx context.Context, documentID, ownerID int64, filename string) error {
	l := o.lock(documentID)
	l.Lock()
	defer l.Unlock()

	if err := o.idx.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete index entries: %w", err)
	}
	if o.lexical != nil {
		if err := o.lexical.DeleteDocument(documentID); err != nil {
			o.logger.Printf("warn: lexical delete for document %d: %v", documentID, err)
		}
	}
	if err := o.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	// The document is gone, so its mutex has nothing left to guard. A
	// late waiter on the old mutex just finds the row missing.
	o.mu.Lock()
	delete(o.locks, documentID)
	o.mu.Unlock()

	o.notifier.Emit(ownerID, notify.TypeDocumentDeleted, "Document Deleted",
		fmt.Sprintf("'%s' has been deleted", filename),
		notify.EmitOpts{DocumentID: documentID, DocumentName: filename})
	o.publishJournal(ctx, journal.EventDocumentDeleted, journal.DocumentEvent{
		DocumentID: documentID, OwnerID: ownerID, Filename: filename,
	})
	return nil
}

func (o *Orchestrator) generateSummary(ctx context.Context, text string) (string, error) {
	input := truncate(text, o.llmCfg.SummaryMaxInputChars)
	return o.provider.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You write concise factual summaries of documents. Respond with the summary only, no preamble."},
		{Role: "user", Content: "Summarize the following document:\n\n" + input},
	}, llm.Options{
		Temperature: o.llmCfg.StageTemperature,
		MaxTokens:   o.llmCfg.SummaryMaxTokens,
	})
}

func (o *Orchestrator) generateTags(ctx context.Context, text string) ([]string, error) {
	input := truncate(text, o.llmCfg.TaggingMaxInputChars)
	maxTags := o.llmCfg.TaggingMaxTags
	if maxTags <= 0 {
		maxTags = 10
	}
	raw, err := o.provider.Complete(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf("You label documents with topic tags. Respond with at most %d short tags as a single comma-separated line, nothing else.", maxTags)},
		{Role: "user", Content: "Generate tags for the following document:\n\n" + input},
	}, llm.Options{
		Temperature: o.llmCfg.StageTemperature,
		MaxTokens:   o.llmCfg.TaggingMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	tags := ParseTags(raw, maxTags)
	if len(tags) == 0 {
		return nil, fmt.Errorf("no tags in model output")
	}
	return tags, nil
}

// ParseTags normalizes a comma-separated tag line from the model, dropping
// empties and duplicates and capping the count.
func ParseTags(raw string, max int) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		tag := strings.Trim(strings.TrimSpace(part), `"'.`)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tags = append(tags, tag)
		if max > 0 && len(tags) >= max {
			break
		}
	}
	return tags
}

func (o *Orchestrator) publishJournal(ctx context.Context, eventType string, payload interface{}) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.Publish(ctx, eventType, 0, payload); err != nil {
		o.logger.Printf("warn: journal %s: %v", eventType, err)
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
