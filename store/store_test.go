package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chcolte/bluesky-feedgen-go/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func row(id, uri, viaLiker string, indexedAt time.Time) models.FeedRow {
	return models.FeedRow{
		ID:        id,
		URI:       uri,
		CID:       "cid-" + id,
		ViaLiker:  viaLiker,
		IndexedAt: indexedAt,
	}
}

func TestApplyCommit_InsertIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	deadline := now.Add(-48 * time.Hour)

	rows := []models.FeedRow{
		row("p1#a", "at://did:plc:d/app.bsky.feed.post/p1", "did:plc:a", now),
		row("p2#a", "at://did:plc:d/app.bsky.feed.post/p2", "did:plc:a", now),
	}

	require.NoError(t, st.ApplyCommit(ctx, rows, nil, deadline))
	// 同じコミットの再配信
	require.NoError(t, st.ApplyCommit(ctx, rows, nil, deadline))

	count, err := st.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestApplyCommit_ConflictKeepsOriginalRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	deadline := now.Add(-48 * time.Hour)

	original := row("p1#a", "at://did:plc:d/app.bsky.feed.post/p1", "did:plc:a", now)
	require.NoError(t, st.ApplyCommit(ctx, []models.FeedRow{original}, nil, deadline))

	// 再発見: 同じidでindexedAtが新しい行は無視される
	rediscovered := original
	rediscovered.IndexedAt = now.Add(time.Hour)
	require.NoError(t, st.ApplyCommit(ctx, []models.FeedRow{rediscovered}, nil, deadline))

	got, err := st.GetFeed(ctx, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, now.UnixMilli(), got[0].IndexedAt.UnixMilli())
}

func TestApplyCommit_DeleteByURIAndRetention(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seed := []models.FeedRow{
		row("p1#a", "at://did:plc:d/app.bsky.feed.post/p1", "did:plc:a", now),
		row("p2#a", "at://did:plc:d/app.bsky.feed.post/p2", "did:plc:a", now),
		row("old#a", "at://did:plc:d/app.bsky.feed.post/old", "did:plc:a", now.Add(-72*time.Hour)),
	}
	require.NoError(t, st.ApplyCommit(ctx, seed, nil, now.Add(-96*time.Hour)))

	// p1の明示削除 + 48hより古い行の掃除
	require.NoError(t, st.ApplyCommit(ctx, nil,
		[]string{"at://did:plc:d/app.bsky.feed.post/p1"}, now.Add(-48*time.Hour)))

	got, err := st.GetFeed(ctx, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p2#a", got[0].ID)
}

func TestApplyCommit_ExpiredAndRediscoveredInSameCommit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := row("p1#a", "at://did:plc:d/app.bsky.feed.post/p1", "did:plc:a", now.Add(-72*time.Hour))
	require.NoError(t, st.ApplyCommit(ctx, []models.FeedRow{stale}, nil, now.Add(-96*time.Hour)))

	// 期限切れと同時に再発見された行は、新しいindexedAtで入り直す
	fresh := row("p1#a", "at://did:plc:d/app.bsky.feed.post/p1", "did:plc:a", now)
	require.NoError(t, st.ApplyCommit(ctx, []models.FeedRow{fresh}, nil, now.Add(-48*time.Hour)))

	got, err := st.GetFeed(ctx, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, now.UnixMilli(), got[0].IndexedAt.UnixMilli())
}

func TestGetFeed_OrderingAndPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	deadline := base.Add(-48 * time.Hour)

	rows := []models.FeedRow{
		{ID: "a", URI: "uri-a", CID: "cid-1", IndexedAt: base.Add(1 * time.Second)},
		{ID: "b", URI: "uri-b", CID: "cid-9", IndexedAt: base.Add(2 * time.Second)},
		{ID: "c", URI: "uri-c", CID: "cid-5", IndexedAt: base.Add(2 * time.Second)},
		{ID: "d", URI: "uri-d", CID: "cid-2", IndexedAt: base.Add(3 * time.Second)},
	}
	require.NoError(t, st.ApplyCommit(ctx, rows, nil, deadline))

	// indexed_at desc, 同時刻はcid desc
	got, err := st.GetFeed(ctx, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"d", "b", "c", "a"}, []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})

	// カーソルは厳密に「より古い」行だけを返す
	page1, err := st.GetFeed(ctx, 2, 0, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := st.GetFeed(ctx, 10, page1[1].IndexedAt.UnixMilli(), "")
	require.NoError(t, err)
	require.Len(t, page2, 2)
	for _, r := range page2 {
		assert.Less(t, r.IndexedAt.UnixMilli(), page1[1].IndexedAt.UnixMilli())
	}
}

func TestGetFeed_ViaLikerScope(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rows := []models.FeedRow{
		row("p1#a", "uri-1", "did:plc:a", now),
		row("p1#b", "uri-1", "did:plc:b", now),
		row("p2#a", "uri-2", "did:plc:a", now),
	}
	require.NoError(t, st.ApplyCommit(ctx, rows, nil, now.Add(-48*time.Hour)))

	got, err := st.GetFeed(ctx, 10, 0, "did:plc:a")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, "did:plc:a", r.ViaLiker)
	}
}

func TestCursorState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// 初回は0
	cursor, err := st.GetCursor(ctx, "bsky.network")
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, st.SetCursor(ctx, "bsky.network", 42))
	require.NoError(t, st.SetCursor(ctx, "bsky.network", 43))

	cursor, err = st.GetCursor(ctx, "bsky.network")
	require.NoError(t, err)
	assert.Equal(t, int64(43), cursor)

	// サービスごとに独立
	other, err := st.GetCursor(ctx, "other.relay")
	require.NoError(t, err)
	assert.Zero(t, other)
}
