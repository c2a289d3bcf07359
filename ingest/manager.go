package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chcolte/bluesky-feedgen-go/firehose"
	"github.com/chcolte/bluesky-feedgen-go/logger"
)

const reconnectDelay = 5 * time.Second

// Manager owns the firehose subscription and feeds commits to the
// orchestrator strictly in delivery order. On stream errors it reconnects,
// resuming from the last successfully processed sequence number.
type Manager struct {
	sub       *firehose.Subscription
	orch      *Orchestrator
	sessionID string
}

// NewManager creates a Manager resuming after cursor.
func NewManager(service string, cursor int64, orch *Orchestrator) *Manager {
	return &Manager{
		sub:       firehose.NewSubscription(service, cursor),
		orch:      orch,
		sessionID: uuid.New().String(),
	}
}

// Run blocks until ctx is cancelled, reconnecting on stream errors.
func (m *Manager) Run(ctx context.Context) error {
	logger.Infof("Ingest session %s: resuming from cursor %d", m.sessionID, m.sub.Cursor)

	for {
		if err := m.sub.Connect(); err != nil {
			logger.Errorf("Failed to connect: %v. Reconnecting in 5 seconds...", err)
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		err := m.receive(ctx)
		m.sub.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Errorf("Stream error: %v. Reconnecting in 5 seconds...", err)
		if !sleepCtx(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

// receive consumes the stream until it fails or ctx is cancelled. Commits
// are handled one at a time; no two commits' store writes interleave.
func (m *Manager) receive(ctx context.Context) error {
	commits := make(chan *firehose.RepoCommit, 100)
	errCh := make(chan error, 1)

	go func() {
		errCh <- m.sub.ReceiveCommits(commits)
	}()

	for {
		select {
		case <-ctx.Done():
			m.sub.Close()
			drainStream(commits, errCh)
			return ctx.Err()
		case err := <-errCh:
			return err
		case commit := <-commits:
			if err := m.orch.HandleCommit(ctx, commit); err != nil {
				// カーソルは最後に成功したコミットのまま接続を切る。
				// 次の接続はそのカーソルから再開し、失敗したコミットが再配信される
				m.sub.Close()
				drainStream(commits, errCh)
				return fmt.Errorf("processing commit seq=%d: %w", commit.Seq, err)
			}
			m.sub.Cursor = commit.Seq
		}
	}
}

// drainStream は購読を閉じた後、受信goroutineが送信でブロックしないように
// 終了まで読み捨てる
func drainStream(commits <-chan *firehose.RepoCommit, errCh <-chan error) {
	for {
		select {
		case <-commits:
		case <-errCh:
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
