package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func (m *memStore) snapshot() (cursor int64, cursorSets int, deleteURIs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, m.cursorSets, append([]string(nil), m.deleteURIs...)
}

func (m *memStore) setApplyErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// deleteCommitFrame builds a raw #commit frame carrying one post delete.
// Deletes need no CAR blocks, so the frame round-trips without encoding any.
func deleteCommitFrame(t *testing.T, seq int64) []byte {
	t.Helper()
	header, err := cbor.Marshal(map[string]interface{}{"op": 1, "t": "#commit"})
	require.NoError(t, err)
	payload, err := cbor.Marshal(map[string]interface{}{
		"seq":  seq,
		"repo": "did:plc:alice",
		"rev":  fmt.Sprintf("rev%d", seq),
		"time": "2026-08-28T00:00:00Z",
		"ops": []interface{}{
			map[string]interface{}{
				"action": "delete",
				"path":   fmt.Sprintf("app.bsky.feed.post/p%d", seq),
			},
		},
	})
	require.NoError(t, err)
	return append(header, payload...)
}

// A store failure must stop the stream with the cursor still pointing at the
// last successful commit, so reconnecting redelivers the failed commit
// instead of skipping past it.
func TestReceive_FailedCommitIsRedeliveredOnReconnect(t *testing.T) {
	store := &memStore{applyErr: errors.New("disk full")}
	orch := NewOrchestrator("test.relay", store, nil, testRegistry(matchNone{}), fastConfig())

	release := make(chan struct{})
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		// 本物のrelayと同様、カーソルより後のコミットだけを配信する
		cursor, _ := strconv.ParseInt(ws.Request().URL.Query().Get("cursor"), 10, 64)
		for seq := int64(40); seq <= 41; seq++ {
			if seq <= cursor {
				continue
			}
			if err := websocket.Message.Send(ws, deleteCommitFrame(t, seq)); err != nil {
				return
			}
		}
		<-release // クライアント側が切るまで接続を維持
	}))
	defer srv.Close()
	defer close(release)

	m := NewManager(srv.URL, 0, orch)

	// 1回目: seq=40の書き込みが失敗し、カーソル未更新のままストリームが切れる
	require.NoError(t, m.sub.Connect())
	err := m.receive(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seq=40")
	assert.Zero(t, m.sub.Cursor)

	cursor, sets, _ := store.snapshot()
	assert.Zero(t, cursor, "cursor must not be persisted past the failed commit")
	assert.Zero(t, sets)

	// 2回目: ストアが回復すると、同じコミットから再配信されて両方成功する
	store.setApplyErr(nil)
	require.NoError(t, m.sub.Connect())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.receive(ctx) }()

	require.Eventually(t, func() bool {
		cursor, _, _ := store.snapshot()
		return cursor == 41
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, int64(41), m.sub.Cursor)
	_, _, deleted := store.snapshot()
	assert.Equal(t, []string{
		"at://did:plc:alice/app.bsky.feed.post/p40",
		"at://did:plc:alice/app.bsky.feed.post/p41",
	}, deleted)
}
