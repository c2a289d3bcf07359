package algos

import (
	"context"
	"regexp"
	"strings"

	"mvdan.cc/xurls/v2"

	"github.com/chcolte/bluesky-feedgen-go/classifier"
	"github.com/chcolte/bluesky-feedgen-go/models"
)

// KeywordShortname is the feed rkey of the keyword-filter algorithm.
// max 15 chars
const KeywordShortname = "keyword"

// Keyword indexes every post whose text contains the configured keyword,
// case-insensitively. No liker dimension: the matched post itself is the row.
type Keyword struct {
	keyword string
	store   FeedReader
	urlRx   *regexp.Regexp
}

// NewKeyword creates a Keyword feed for the given term.
func NewKeyword(keyword string, store FeedReader) *Keyword {
	return &Keyword{
		keyword: strings.ToLower(keyword),
		store:   store,
		urlRx:   xurls.Strict(),
	}
}

// Filter reports whether the post text mentions the keyword. URLs are
// stripped first so a keyword buried in a link does not trigger a match.
func (k *Keyword) Filter(op classifier.CreateOp[classifier.PostRecord]) bool {
	if k.keyword == "" {
		return false
	}
	text := k.urlRx.ReplaceAllString(op.Record.Text, " ")
	return strings.Contains(strings.ToLower(text), k.keyword)
}

// Generate serves the unscoped page of matched posts.
func (k *Keyword) Generate(ctx context.Context, params models.QueryParams, requesterDID string) (models.FeedPage, error) {
	return generatePage(ctx, k.store, params, "")
}
