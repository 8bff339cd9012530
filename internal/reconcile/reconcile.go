// Package reconcile sweeps for divergence between the chunk store and the
// vector index. A chunk marked succeeded whose vector is missing, or index
// entries for documents with no chunks, are repaired rather than ignored.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/docstackhq/docstack/internal/index"
	"github.com/docstackhq/docstack/internal/store"
)

const lockKey = "docstack:reconcile:lock"

// StoreAPI is the slice of the store the sweeper reads and repairs.
type StoreAPI interface {
	DocumentIDsWithChunks(ctx context.Context) ([]int64, error)
	ListChunks(ctx context.Context, documentID int64) ([]store.Chunk, error)
	CountChunksByStatus(ctx context.Context, documentID int64, status string) (int, error)
	MarkChunksEmbeddingFailed(ctx context.Context, chunkIDs []int64, reason string) error
}

// Sweeper periodically compares chunk embedding statuses against the vector
// index. On divergence it demotes the affected chunks to failed so the
// retry path picks them up; it never fabricates index entries.
type Sweeper struct {
	store  StoreAPI
	idx    index.Index
	rdb    *redis.Client
	logger *log.Logger

	expr *cronexpr.Expression
}

// New builds a sweeper on the given cron spec. rdb may be nil on
// single-node deployments; the distributed lock is then skipped.
func New(st StoreAPI, idx index.Index, rdb *redis.Client, cronSpec string, logger *log.Logger) (*Sweeper, error) {
	if cronSpec == "" {
		cronSpec = "*/15 * * * *"
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{store: st, idx: idx, rdb: rdb, logger: logger, expr: expr}, nil
}

// Run blocks, sweeping on the cron schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.expr.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !s.acquireLock(ctx) {
			continue
		}
		if n, err := s.SweepOnce(ctx); err != nil {
			s.logger.Printf("warn: reconcile sweep: %v", err)
		} else if n > 0 {
			s.logger.Printf("[RECONCILE] demoted %d diverged chunks", n)
		}
		s.releaseLock(ctx)
	}
}

// SweepOnce checks every document with chunks and returns how many chunks
// were demoted to failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	docIDs, err := s.store.DocumentIDsWithChunks(ctx)
	if err != nil {
		return 0, err
	}
	demoted := 0
	for _, docID := range docIDs {
		n, err := s.reconcileDocument(ctx, docID)
		if err != nil {
			s.logger.Printf("warn: reconcile document %d: %v", docID, err)
			continue
		}
		demoted += n
	}
	return demoted, nil
}

func (s *Sweeper) reconcileDocument(ctx context.Context, docID int64) (int, error) {
	succeeded, err := s.store.CountChunksByStatus(ctx, docID, store.EmbeddingSucceeded)
	if err != nil {
		return 0, err
	}
	indexed, err := s.idx.CountByDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	if succeeded == indexed {
		return 0, nil
	}

	// Chunk rows are authoritative. Clear the document's index entries and
	// demote its succeeded chunks so the retry path re-embeds and rebuilds
	// the vectors from scratch.
	s.logger.Printf("[RECONCILE] document %d has %d vectors for %d succeeded chunks", docID, indexed, succeeded)
	if err := s.idx.DeleteByDocument(ctx, docID); err != nil {
		return 0, err
	}

	chunks, err := s.store.ListChunks(ctx, docID)
	if err != nil {
		return 0, err
	}
	var diverged []int64
	for _, c := range chunks {
		if c.EmbeddingState == store.EmbeddingSucceeded {
			diverged = append(diverged, c.ID)
		}
	}
	if len(diverged) == 0 {
		return 0, nil
	}
	if err := s.store.MarkChunksEmbeddingFailed(ctx, diverged, "index divergence detected"); err != nil {
		return 0, err
	}
	return len(diverged), nil
}

func (s *Sweeper) acquireLock(ctx context.Context) bool {
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, lockKey, "1", 5*time.Minute).Result()
	if err != nil {
		s.logger.Printf("warn: reconcile lock: %v", err)
		return false
	}
	return ok
}

func (s *Sweeper) releaseLock(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, lockKey).Err(); err != nil {
		s.logger.Printf("warn: release reconcile lock: %v", err)
	}
}
