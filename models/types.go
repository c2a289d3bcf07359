package models

import "time"

// FeedRow is one persisted candidate-feed entry.
type FeedRow struct {
	// ID is "<post uri>#<liker did>" so the same post recommended via two
	// different likers is stored twice, while rediscovery of the same pair
	// collapses to one row. Keyword-style feeds have no liker dimension and
	// use the bare post URI.
	ID        string
	URI       string
	CID       string
	ViaLiker  string
	IndexedAt time.Time
}

// QueryParams are the caller-supplied parameters of a feed skeleton request.
type QueryParams struct {
	Feed   string
	Limit  int
	Cursor string
}

// FeedItem is a single skeleton entry (URI only, hydration happens upstream).
type FeedItem struct {
	Post string `json:"post"`
}

// FeedPage is one page of a feed skeleton response.
type FeedPage struct {
	Cursor string     `json:"cursor,omitempty"`
	Feed   []FeedItem `json:"feed"`
}
