package firehose

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeFrame builds a raw firehose frame: CBOR header followed by payload.
func encodeFrame(t *testing.T, header, payload map[string]interface{}) []byte {
	t.Helper()
	raw, err := cbor.Marshal(header)
	require.NoError(t, err)
	if payload != nil {
		body, err := cbor.Marshal(payload)
		require.NoError(t, err)
		raw = append(raw, body...)
	}
	return raw
}

func TestParseFrame_Commit(t *testing.T) {
	raw := encodeFrame(t,
		map[string]interface{}{"op": 1, "t": "#commit"},
		map[string]interface{}{
			"seq":    int64(42),
			"repo":   "did:plc:alice",
			"rev":    "rev1",
			"time":   "2026-08-28T00:00:00Z",
			"tooBig": false,
			"blocks": []byte{0x01, 0x02},
			"ops": []interface{}{
				map[string]interface{}{
					"action": "create",
					"path":   "app.bsky.feed.post/abc123",
					"cid":    "bafyreib1",
				},
				map[string]interface{}{
					"action": "delete",
					"path":   "app.bsky.feed.like/xyz",
				},
			},
		})

	commit, err := parseFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, commit)

	assert.Equal(t, int64(42), commit.Seq)
	assert.Equal(t, "did:plc:alice", commit.Repo)
	assert.Equal(t, "rev1", commit.Rev)
	assert.False(t, commit.TooBig)
	assert.Equal(t, []byte{0x01, 0x02}, commit.Blocks)

	require.Len(t, commit.Ops, 2)
	assert.Equal(t, "create", commit.Ops[0].Action)
	assert.Equal(t, "app.bsky.feed.post/abc123", commit.Ops[0].Path)
	assert.Equal(t, "bafyreib1", commit.Ops[0].CID)
	assert.Equal(t, "delete", commit.Ops[1].Action)
	assert.Empty(t, commit.Ops[1].CID)
}

func TestParseFrame_SkipsNonCommit(t *testing.T) {
	raw := encodeFrame(t,
		map[string]interface{}{"op": 1, "t": "#identity"},
		map[string]interface{}{"seq": int64(7), "did": "did:plc:bob"})

	commit, err := parseFrame(raw)
	require.NoError(t, err)
	assert.Nil(t, commit)
}

func TestParseFrame_SkipsErrorFrame(t *testing.T) {
	raw := encodeFrame(t, map[string]interface{}{"op": -1}, nil)

	commit, err := parseFrame(raw)
	require.NoError(t, err)
	assert.Nil(t, commit)
}

func TestParseFrame_MalformedHeader(t *testing.T) {
	_, err := parseFrame([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestReadBlocks_EmptyAndGarbage(t *testing.T) {
	assert.Empty(t, ReadBlocks(nil))
	// 壊れたCARは空マップに落ちる
	assert.Empty(t, ReadBlocks([]byte{0xde, 0xad, 0xbe, 0xef}))
}
