// Package worker retries failed chunk embeddings out of band. The pipeline
// never retries inline; transient failures land on the ingest journal and
// this worker picks them up through a consumer group.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docstackhq/docstack/internal/embedding"
	"github.com/docstackhq/docstack/internal/index"
	"github.com/docstackhq/docstack/internal/journal"
	"github.com/docstackhq/docstack/internal/store"
)

// Group is the consumer group the retry worker reads through.
const Group = "embedding-retry"

const (
	maxAttempts  = 5
	readCount    = 16
	readBlock    = 5 * time.Second
	claimMinIdle = time.Minute
)

// StoreAPI is the slice of the store the retrier needs.
type StoreAPI interface {
	GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]store.Chunk, error)
	SetChunkEmbeddingStatus(ctx context.Context, chunkID int64, status, reason string) error
}

// Consumer is the journal read surface, satisfied by journal.Consumer.
type Consumer interface {
	Read(ctx context.Context, count int64, block time.Duration) ([]journal.Message, error)
	Ack(ctx context.Context, ids ...string) error
	AutoClaim(ctx context.Context, minIdle time.Duration, start string, count int64) ([]journal.Message, string, error)
}

// Publisher re-enqueues failures that are still transient.
type Publisher interface {
	Publish(ctx context.Context, eventType string, attempt int, payload interface{}) (string, error)
}

// Retrier consumes chunk.embedding_failed events and re-attempts the
// embedding. Permanent failures and exhausted budgets are acked and left
// failed for the admin report.
type Retrier struct {
	store     StoreAPI
	idx       index.Index
	embedder  embedding.Client
	consumer  Consumer
	publisher Publisher
	logger    *log.Logger

	retried prometheus.Counter
	gaveUp  prometheus.Counter
}

// New wires a retrier. reg may be nil when metrics are disabled.
func New(st StoreAPI, idx index.Index, embedder embedding.Client, consumer Consumer,
	publisher Publisher, logger *log.Logger, reg prometheus.Registerer) *Retrier {
	if logger == nil {
		logger = log.Default()
	}
	r := &Retrier{
		store:     st,
		idx:       idx,
		embedder:  embedder,
		consumer:  consumer,
		publisher: publisher,
		logger:    logger,
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstack_embedding_retries_total",
			Help: "Chunk embedding retry attempts.",
		}),
		gaveUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstack_embedding_retries_exhausted_total",
			Help: "Chunks whose retry budget ran out.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.retried, r.gaveUp)
	}
	return r
}

// Start consumes the journal until ctx is cancelled.
func (r *Retrier) Start(ctx context.Context) error {
	claimStart := "0-0"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Reclaim work another consumer left pending.
		claimed, next, err := r.consumer.AutoClaim(ctx, claimMinIdle, claimStart, readCount)
		if err != nil {
			r.logger.Printf("warn: autoclaim: %v", err)
		} else {
			claimStart = next
			r.handleBatch(ctx, claimed)
		}

		msgs, err := r.consumer.Read(ctx, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Printf("warn: journal read: %v", err)
			continue
		}
		r.handleBatch(ctx, msgs)
	}
}

func (r *Retrier) handleBatch(ctx context.Context, msgs []journal.Message) {
	for _, msg := range msgs {
		if err := r.handle(ctx, msg); err != nil {
			r.logger.Printf("warn: retry event %s: %v", msg.ID, err)
			continue
		}
		if err := r.consumer.Ack(ctx, msg.ID); err != nil {
			r.logger.Printf("warn: ack %s: %v", msg.ID, err)
		}
	}
}

// handle processes a single event. A nil return means the event is done
// and may be acked; retryable processing errors return non-nil so the
// message stays pending for a later claim.
func (r *Retrier) handle(ctx context.Context, msg journal.Message) error {
	if msg.Envelope.EventType != journal.EventChunkEmbeddingFailed {
		return nil
	}
	var failure journal.EmbeddingFailure
	if err := json.Unmarshal(msg.Envelope.Data, &failure); err != nil {
		r.logger.Printf("warn: malformed failure payload on %s: %v", msg.ID, err)
		return nil
	}
	if !failure.Transient {
		return nil
	}
	if msg.Envelope.Attempt >= maxAttempts {
		r.gaveUp.Inc()
		r.logger.Printf("[RETRY] chunk %d exhausted %d attempts", failure.ChunkID, msg.Envelope.Attempt)
		return nil
	}

	chunks, err := r.store.GetChunksByIDs(ctx, []int64{failure.ChunkID})
	if err != nil {
		return err
	}
	chunk, ok := chunks[failure.ChunkID]
	if !ok || chunk.EmbeddingState != store.EmbeddingFailed {
		// Deleted or already repaired by a re-chunk.
		return nil
	}

	r.retried.Inc()
	vec, err := r.embedder.Embed(ctx, chunk.Text)
	if err != nil {
		return r.requeue(ctx, msg, failure, err)
	}
	err = r.idx.Upsert(ctx, []index.Entry{{
		ChunkID:    chunk.ID,
		DocumentID: chunk.DocumentID,
		Order:      chunk.Order,
		Vector:     vec,
	}})
	if err != nil {
		return r.requeue(ctx, msg, failure, err)
	}
	if err := r.store.SetChunkEmbeddingStatus(ctx, chunk.ID, store.EmbeddingSucceeded, ""); err != nil {
		return err
	}
	r.logger.Printf("[RETRY] chunk %d re-embedded on attempt %d", chunk.ID, msg.Envelope.Attempt+1)
	return nil
}

// requeue records the new failure and publishes a follow-up event with an
// incremented attempt, then lets the original message be acked.
func (r *Retrier) requeue(ctx context.Context, msg journal.Message, failure journal.EmbeddingFailure, cause error) error {
	failure.Reason = cause.Error()
	failure.Transient = embedding.IsTransient(cause)
	if err := r.store.SetChunkEmbeddingStatus(ctx, failure.ChunkID, store.EmbeddingFailed, failure.Reason); err != nil {
		r.logger.Printf("warn: record retry failure for chunk %d: %v", failure.ChunkID, err)
	}
	if !failure.Transient {
		return nil
	}
	if r.publisher == nil {
		return nil
	}
	if _, err := r.publisher.Publish(ctx, journal.EventChunkEmbeddingFailed, msg.Envelope.Attempt+1, failure); err != nil {
		r.logger.Printf("warn: requeue chunk %d: %v", failure.ChunkID, err)
	}
	return nil
}
