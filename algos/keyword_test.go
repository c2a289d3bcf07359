package algos

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chcolte/bluesky-feedgen-go/classifier"
	"github.com/chcolte/bluesky-feedgen-go/models"
)

// fakeReader is an in-memory FeedReader.
type fakeReader struct {
	rows        []models.FeedRow
	gotLimit    int
	gotBefore   int64
	gotViaLiker string
}

func (f *fakeReader) GetFeed(ctx context.Context, limit int, beforeMillis int64, viaLiker string) ([]models.FeedRow, error) {
	f.gotLimit = limit
	f.gotBefore = beforeMillis
	f.gotViaLiker = viaLiker
	return f.rows, nil
}

func postWithText(text string) classifier.CreateOp[classifier.PostRecord] {
	return classifier.CreateOp[classifier.PostRecord]{
		URI:    "at://did:plc:x/app.bsky.feed.post/1",
		CID:    "bafypost",
		Author: "did:plc:x",
		Record: classifier.PostRecord{
			Type: classifier.CollectionPost,
			Text: text,
		},
	}
}

func TestKeyword_FilterCaseInsensitive(t *testing.T) {
	k := NewKeyword("alf", nil)

	assert.True(t, k.Filter(postWithText("hello ALF!")))
	assert.True(t, k.Filter(postWithText("Alfred the great")))
	assert.False(t, k.Filter(postWithText("nothing to see here")))
	assert.False(t, k.Filter(postWithText("")))
}

func TestKeyword_FilterIgnoresURLs(t *testing.T) {
	k := NewKeyword("alf", nil)

	// キーワードがリンクの中にしか無い投稿は拾わない
	assert.False(t, k.Filter(postWithText("check this https://alf.example.com/page")))
	assert.True(t, k.Filter(postWithText("ALF moved to https://example.com")))
}

func TestKeyword_EmptyKeywordNeverMatches(t *testing.T) {
	k := NewKeyword("", nil)
	assert.False(t, k.Filter(postWithText("anything")))
}

func TestKeyword_GeneratePage(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	reader := &fakeReader{rows: []models.FeedRow{
		{URI: "at://did:plc:x/app.bsky.feed.post/2", IndexedAt: base.Add(2 * time.Second)},
		{URI: "at://did:plc:x/app.bsky.feed.post/1", IndexedAt: base},
	}}
	k := NewKeyword("alf", reader)

	page, err := k.Generate(context.Background(), models.QueryParams{Limit: 10}, "did:plc:requester")
	require.NoError(t, err)

	require.Len(t, page.Feed, 2)
	assert.Equal(t, "at://did:plc:x/app.bsky.feed.post/2", page.Feed[0].Post)
	assert.Equal(t, strconv.FormatInt(base.UnixMilli(), 10), page.Cursor)
	// キーワードフィードは常に非スコープ
	assert.Empty(t, reader.gotViaLiker)
	assert.Equal(t, 10, reader.gotLimit)
}

func TestGeneratePage_CursorHandling(t *testing.T) {
	reader := &fakeReader{}

	page, err := generatePage(context.Background(), reader, models.QueryParams{Limit: 5, Cursor: "1700000000000"}, "")
	require.NoError(t, err)
	assert.Empty(t, page.Feed)
	assert.Empty(t, page.Cursor, "empty page returns no cursor")
	assert.Equal(t, int64(1_700_000_000_000), reader.gotBefore)

	_, err = generatePage(context.Background(), reader, models.QueryParams{Limit: 5, Cursor: "not-a-number"}, "")
	assert.ErrorIs(t, err, ErrMalformedCursor)
}
