package worker

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/docstackhq/docstack/internal/embedding"
	"github.com/docstackhq/docstack/internal/index"
	"github.com/docstackhq/docstack/internal/journal"
	"github.com/docstackhq/docstack/internal/store"
)

type fakeStore struct {
	chunks map[int64]store.Chunk
}

func (f *fakeStore) GetChunksByIDs(_ context.Context, ids []int64) (map[int64]store.Chunk, error) {
	out := make(map[int64]store.Chunk)
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeStore) SetChunkEmbeddingStatus(_ context.Context, chunkID int64, status, reason string) error {
	c := f.chunks[chunkID]
	c.EmbeddingState = status
	c.EmbeddingError = reason
	f.chunks[chunkID] = c
	return nil
}

type fakeEmbedder struct {
	err  error
	vec  []float32
	seen []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.seen = append(f.seen, text)
	return f.vec, f.err
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) []embedding.Result {
	out := make([]embedding.Result, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		out[i] = embedding.Result{Vector: v, Err: err}
	}
	return out
}

func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }

type fakePublisher struct {
	events []journal.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, eventType string, attempt int, payload interface{}) (string, error) {
	data, _ := json.Marshal(payload)
	f.events = append(f.events, journal.Envelope{EventType: eventType, Attempt: attempt, Data: data})
	return "1-0", nil
}

func failureMessage(t *testing.T, attempt int, failure journal.EmbeddingFailure) journal.Message {
	t.Helper()
	data, err := json.Marshal(failure)
	if err != nil {
		t.Fatalf("marshal failure: %v", err)
	}
	return journal.Message{
		ID: "1-1",
		Envelope: journal.Envelope{
			EventID:    "evt",
			EventType:  journal.EventChunkEmbeddingFailed,
			OccurredAt: time.Now().UTC(),
			Attempt:    attempt,
			Data:       data,
		},
	}
}

func newRetrier(st StoreAPI, idx index.Index, emb embedding.Client, pub Publisher) *Retrier {
	return New(st, idx, emb, nil, pub, log.New(io.Discard, "", 0), nil)
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{chunks: map[int64]store.Chunk{
		9: {ID: 9, DocumentID: 3, Text: "chunk text", Order: 2, EmbeddingState: store.EmbeddingFailed},
	}}
	mem := index.NewMemory()
	r := newRetrier(st, mem, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	msg := failureMessage(t, 0, journal.EmbeddingFailure{DocumentID: 3, ChunkID: 9, Transient: true})
	if err := r.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if st.chunks[9].EmbeddingState != store.EmbeddingSucceeded {
		t.Fatalf("expected chunk repaired, got %s", st.chunks[9].EmbeddingState)
	}
	if n, _ := mem.CountByDocument(ctx, 3); n != 1 {
		t.Fatalf("expected vector indexed, got %d", n)
	}
}

func TestHandleSkipsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{chunks: map[int64]store.Chunk{
		9: {ID: 9, DocumentID: 3, Text: "chunk text", EmbeddingState: store.EmbeddingFailed},
	}}
	emb := &fakeEmbedder{vec: []float32{1}}
	r := newRetrier(st, index.NewMemory(), emb, nil)

	msg := failureMessage(t, 0, journal.EmbeddingFailure{ChunkID: 9, Transient: false})
	if err := r.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(emb.seen) != 0 {
		t.Fatalf("permanent failures must not be retried")
	}
	if st.chunks[9].EmbeddingState != store.EmbeddingFailed {
		t.Fatalf("chunk must stay failed")
	}
}

func TestHandleRequeuesOnRepeatedTransientFailure(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{chunks: map[int64]store.Chunk{
		9: {ID: 9, DocumentID: 3, Text: "chunk text", EmbeddingState: store.EmbeddingFailed},
	}}
	pub := &fakePublisher{}
	emb := &fakeEmbedder{err: &embedding.ProviderError{StatusCode: 429, Message: "rate limited", Transient: true}}
	r := newRetrier(st, index.NewMemory(), emb, pub)

	msg := failureMessage(t, 1, journal.EmbeddingFailure{ChunkID: 9, Transient: true})
	if err := r.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected a requeued event, got %d", len(pub.events))
	}
	if pub.events[0].Attempt != 2 {
		t.Fatalf("expected attempt incremented to 2, got %d", pub.events[0].Attempt)
	}
}

func TestHandleGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{chunks: map[int64]store.Chunk{
		9: {ID: 9, Text: "chunk text", EmbeddingState: store.EmbeddingFailed},
	}}
	emb := &fakeEmbedder{vec: []float32{1}}
	r := newRetrier(st, index.NewMemory(), emb, nil)

	msg := failureMessage(t, maxAttempts, journal.EmbeddingFailure{ChunkID: 9, Transient: true})
	if err := r.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(emb.seen) != 0 {
		t.Fatalf("exhausted budget must not retry")
	}
}

func TestHandleSkipsRepairedChunk(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{chunks: map[int64]store.Chunk{
		9: {ID: 9, Text: "chunk text", EmbeddingState: store.EmbeddingSucceeded},
	}}
	emb := &fakeEmbedder{vec: []float32{1}}
	r := newRetrier(st, index.NewMemory(), emb, nil)

	msg := failureMessage(t, 0, journal.EmbeddingFailure{ChunkID: 9, Transient: true})
	if err := r.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(emb.seen) != 0 {
		t.Fatalf("already-repaired chunk must not be re-embedded")
	}
}

func TestHandleIgnoresUnrelatedEvents(t *testing.T) {
	r := newRetrier(&fakeStore{chunks: map[int64]store.Chunk{}}, index.NewMemory(), &fakeEmbedder{}, nil)
	msg := journal.Message{ID: "1-2", Envelope: journal.Envelope{
		EventID: "evt", EventType: journal.EventDocumentIngested, Attempt: 0,
		Data: json.RawMessage(`{"document_id":1}`),
	}}
	if err := r.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
}
