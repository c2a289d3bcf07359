// Package ingest drives commits from the firehose through classification,
// like-sampling and the feed store, one commit at a time.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chcolte/bluesky-feedgen-go/algos"
	"github.com/chcolte/bluesky-feedgen-go/classifier"
	"github.com/chcolte/bluesky-feedgen-go/firehose"
	"github.com/chcolte/bluesky-feedgen-go/logger"
	"github.com/chcolte/bluesky-feedgen-go/models"
)

// FeedStore is the write side of the feed store.
type FeedStore interface {
	ApplyCommit(ctx context.Context, rows []models.FeedRow, deleteURIs []string, deadline time.Time) error
	SetCursor(ctx context.Context, service string, cursor int64) error
}

// LikeSampler expands one like into candidate feed rows.
type LikeSampler interface {
	Sample(ctx context.Context, like classifier.CreateOp[classifier.LikeRecord]) []models.FeedRow
}

// Config tunes the per-commit processing.
type Config struct {
	BatchSize  int           // likes sampled concurrently per batch
	BatchPause time.Duration // pacing between batches (upstream rate limits)
	Retention  time.Duration // max row age before eviction
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:  25,
		BatchPause: 1 * time.Second,
		Retention:  48 * time.Hour,
	}
}

// Orchestrator applies one commit's effects to the feed store.
type Orchestrator struct {
	service  string
	store    FeedStore
	sampler  LikeSampler // nil = like-sampling disabled (keyword-only mode)
	registry *algos.Registry
	cfg      Config
	limiter  *rate.Limiter
}

// NewOrchestrator creates an Orchestrator. The service name keys the
// persisted cursor row.
func NewOrchestrator(service string, store FeedStore, sampler LikeSampler, registry *algos.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{
		service:  service,
		store:    store,
		sampler:  sampler,
		registry: registry,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.BatchPause), 1),
	}
}

// HandleCommit processes one commit: classify, collect rows from the post
// filters and the like sampler, then apply delete+insert and advance the
// cursor. A store failure aborts without advancing the cursor; upstream
// at-least-once redelivery retries the commit, which is safe because insert
// is idempotent and delete is a pure predicate.
func (o *Orchestrator) HandleCommit(ctx context.Context, commit *firehose.RepoCommit) error {
	if commit.TooBig {
		// ブロックが省略されて届くためcreateは解決できない。
		// deleteはURIだけで適用できるので処理は続ける
		logger.Warnf("ingest: commit seq=%d is tooBig, creates cannot be resolved", commit.Seq)
	}
	blocks := firehose.ReadBlocks(commit.Blocks)
	ops := classifier.ByType(commit, blocks)
	return o.handleOps(ctx, commit.Seq, ops)
}

func (o *Orchestrator) handleOps(ctx context.Context, seq int64, ops *classifier.Ops) error {
	now := time.Now()
	rows := o.filterPosts(ops.Posts.Creates, now)

	if o.sampler != nil && len(ops.Likes.Creates) > 0 {
		sampled, err := o.sampleLikes(ctx, ops.Likes.Creates)
		if err != nil {
			return err
		}
		rows = append(rows, sampled...)
	}

	deleteURIs := make([]string, 0, len(ops.Posts.Deletes))
	for _, del := range ops.Posts.Deletes {
		deleteURIs = append(deleteURIs, del.URI)
	}

	deadline := now.Add(-o.cfg.Retention)
	if err := o.store.ApplyCommit(ctx, rows, deleteURIs, deadline); err != nil {
		return fmt.Errorf("applying commit seq=%d: %w", seq, err)
	}

	if err := o.store.SetCursor(ctx, o.service, seq); err != nil {
		return fmt.Errorf("persisting cursor seq=%d: %w", seq, err)
	}

	if len(rows) > 0 || len(deleteURIs) > 0 {
		logger.Debugf("ingest: seq=%d inserted=%d deleted_uris=%d", seq, len(rows), len(deleteURIs))
	}
	return nil
}

// filterPosts runs every registered algorithm's Filter over the post
// creates; a post matched by any algorithm becomes one row.
func (o *Orchestrator) filterPosts(creates []classifier.CreateOp[classifier.PostRecord], now time.Time) []models.FeedRow {
	var rows []models.FeedRow
	for _, op := range creates {
		for _, algo := range o.registry.All() {
			if algo.Filter(op) {
				rows = append(rows, models.FeedRow{
					ID:        op.URI,
					URI:       op.URI,
					CID:       op.CID,
					IndexedAt: now,
				})
				break
			}
		}
	}
	return rows
}

// sampleLikes runs the sampler over the commit's likes in fixed-size
// concurrent batches, paced by the limiter. A single like's failure never
// fails the batch.
func (o *Orchestrator) sampleLikes(ctx context.Context, likes []classifier.CreateOp[classifier.LikeRecord]) ([]models.FeedRow, error) {
	var (
		mu   sync.Mutex
		rows []models.FeedRow
	)

	for start := 0; start < len(likes); start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > len(likes) {
			end = len(likes)
		}
		batch := likes[start:end]

		// バッチ間のスロットル。他コミットの処理をブロックしない(呼び出し元は直列)
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var wg sync.WaitGroup
		for _, like := range batch {
			wg.Add(1)
			go func(like classifier.CreateOp[classifier.LikeRecord]) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						logger.Warnf("ingest: sampling %s panicked: %v", like.URI, r)
					}
				}()
				sampled := o.sampler.Sample(ctx, like)
				if len(sampled) == 0 {
					return
				}
				mu.Lock()
				rows = append(rows, sampled...)
				mu.Unlock()
			}(like)
		}
		wg.Wait()
	}

	return rows, nil
}
