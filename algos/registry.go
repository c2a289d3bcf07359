// Package algos holds the feed algorithm implementations behind one common
// contract, looked up by shortname at request time.
package algos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/chcolte/bluesky-feedgen-go/classifier"
	"github.com/chcolte/bluesky-feedgen-go/models"
)

// ErrMalformedCursor marks an unparseable pagination cursor. The HTTP layer
// maps it to a client error; everything else from Generate is a server fault.
var ErrMalformedCursor = errors.New("malformed cursor")

// FeedReader is the read side of the feed store.
// beforeMillis > 0 restricts to rows strictly older than that timestamp;
// viaLiker != "" scopes rows to one originating liker.
type FeedReader interface {
	GetFeed(ctx context.Context, limit int, beforeMillis int64, viaLiker string) ([]models.FeedRow, error)
}

// Algorithm is the contract every feed implements. Filter decides whether an
// incoming post create should be indexed for this feed; Generate serves one
// skeleton page. New algorithms plug in without touching ingestion.
type Algorithm interface {
	Filter(op classifier.CreateOp[classifier.PostRecord]) bool
	Generate(ctx context.Context, params models.QueryParams, requesterDID string) (models.FeedPage, error)
}

// Registry maps feed shortnames to implementations.
type Registry struct {
	algos map[string]Algorithm
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{algos: make(map[string]Algorithm)}
}

// Add registers an algorithm under its shortname.
func (r *Registry) Add(shortname string, algo Algorithm) {
	r.algos[shortname] = algo
}

// Get looks up an algorithm by shortname.
func (r *Registry) Get(shortname string) (Algorithm, bool) {
	algo, ok := r.algos[shortname]
	return algo, ok
}

// Names returns the registered shortnames in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.algos))
	for name := range r.algos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered algorithms.
func (r *Registry) All() []Algorithm {
	all := make([]Algorithm, 0, len(r.algos))
	for _, name := range r.Names() {
		all = append(all, r.algos[name])
	}
	return all
}

// generatePage is the shared skeleton pagination: indexedAt desc / cid desc
// ordering comes from the store, the cursor is the epoch-ms of the last row.
func generatePage(ctx context.Context, store FeedReader, params models.QueryParams, viaLiker string) (models.FeedPage, error) {
	var beforeMillis int64
	if params.Cursor != "" {
		millis, err := strconv.ParseInt(params.Cursor, 10, 64)
		if err != nil {
			return models.FeedPage{}, fmt.Errorf("%w: %q", ErrMalformedCursor, params.Cursor)
		}
		beforeMillis = millis
	}

	rows, err := store.GetFeed(ctx, params.Limit, beforeMillis, viaLiker)
	if err != nil {
		return models.FeedPage{}, err
	}

	page := models.FeedPage{Feed: make([]models.FeedItem, 0, len(rows))}
	for _, row := range rows {
		page.Feed = append(page.Feed, models.FeedItem{Post: row.URI})
	}
	// 空ページはカーソルを返さない（フィード終端）
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		page.Cursor = strconv.FormatInt(last.IndexedAt.UnixMilli(), 10)
	}
	return page, nil
}
