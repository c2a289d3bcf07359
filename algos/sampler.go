package algos

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/chcolte/bluesky-feedgen-go/appview"
	"github.com/chcolte/bluesky-feedgen-go/classifier"
	"github.com/chcolte/bluesky-feedgen-go/logger"
	"github.com/chcolte/bluesky-feedgen-go/models"
)

// SamplerShortname is the feed rkey of the social-sampling algorithm.
// max 15 chars
const SamplerShortname = "colikes"

// GraphClient is the social-graph capability the sampler needs.
// appview.Client satisfies it.
type GraphClient interface {
	GetLikes(ctx context.Context, uri string, limit int) ([]string, error)
	GetActorLikes(ctx context.Context, did string, limit int) ([]appview.LikedPost, error)
	GetAuthorFeed(ctx context.Context, did string, limit int) ([]appview.PostRef, error)
}

// SamplerConfig are the sampling bounds. Every hop is capped by a constant so
// the external-call fan-out stays polynomial.
type SamplerConfig struct {
	ColikerLimit      int
	LikesPerUser      int
	TopAuthorFraction float64
	PostsPerAuthor    int
	CallTimeout       time.Duration
	// MonitoredActors is an allow-list of liker DIDs. Empty = all actors.
	MonitoredActors []string
}

// DefaultSamplerConfig returns the stock tuning.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		ColikerLimit:      100,
		LikesPerUser:      50,
		TopAuthorFraction: 0.10,
		PostsPerAuthor:    10,
		CallTimeout:       10 * time.Second,
	}
}

// Sampler implements the "who-else-liked-this, what-do-they-also-like"
// collaborative sampling feed.
type Sampler struct {
	client    GraphClient
	store     FeedReader
	cfg       SamplerConfig
	monitored map[string]bool
}

// NewSampler creates a Sampler.
func NewSampler(client GraphClient, store FeedReader, cfg SamplerConfig) *Sampler {
	monitored := make(map[string]bool, len(cfg.MonitoredActors))
	for _, did := range cfg.MonitoredActors {
		if did != "" {
			monitored[did] = true
		}
	}
	return &Sampler{
		client:    client,
		store:     store,
		cfg:       cfg,
		monitored: monitored,
	}
}

// Filter is always false: this feed is built from likes, not from raw posts.
func (s *Sampler) Filter(op classifier.CreateOp[classifier.PostRecord]) bool {
	return false
}

// Sample turns one like into candidate feed rows. External failures degrade
// to empty contributions; Sample itself never returns an error.
//
//  1. actor allow-list filter (no external calls when filtered out)
//  2. co-likers of the liked post
//  3. histogram of authors over each co-liker's recent likes
//  4. top ceil(distinctAuthors * fraction) authors, floor 1
//  5. each top author's recent posts become candidate rows
func (s *Sampler) Sample(ctx context.Context, like classifier.CreateOp[classifier.LikeRecord]) []models.FeedRow {
	liker := like.Author
	if len(s.monitored) > 0 && !s.monitored[liker] {
		logger.Debugf("sampler: %s is not monitored, skipping", liker)
		return nil
	}

	subject := like.Record.Subject.URI

	colikers, err := s.getLikes(ctx, subject)
	if err != nil {
		logger.Warnf("sampler: failed to fetch co-likers of %s: %v", subject, err)
		return nil
	}

	// Author histogram over the co-likers' recent likes. A failing co-liker
	// contributes nothing; the fraction below is over observed authors, not
	// over the co-liker count.
	counts := make(map[string]int)
	for _, coliker := range colikers {
		if coliker == liker {
			continue // 本人はco-likerに数えない
		}
		liked, err := s.getActorLikes(ctx, coliker)
		if err != nil {
			logger.Warnf("sampler: failed to fetch likes of %s: %v", coliker, err)
			continue
		}
		for _, post := range liked {
			counts[post.AuthorDID]++
		}
	}

	if len(counts) == 0 {
		logger.Debugf("sampler: no authors observed around %s", subject)
		return nil
	}

	topAuthors := rankAuthors(counts, s.cfg.TopAuthorFraction)
	logger.Debugf("sampler: %d distinct authors, selected %d", len(counts), len(topAuthors))

	now := time.Now()
	var rows []models.FeedRow
	for _, author := range topAuthors {
		posts, err := s.getAuthorFeed(ctx, author)
		if err != nil {
			logger.Warnf("sampler: failed to fetch posts of %s: %v", author, err)
			continue
		}
		for _, post := range posts {
			rows = append(rows, models.FeedRow{
				ID:        post.URI + "#" + liker,
				URI:       post.URI,
				CID:       post.CID,
				ViaLiker:  liker,
				IndexedAt: now,
			})
		}
	}
	return rows
}

// Generate serves the personalized page: rows discovered via the requester's
// own likes. Without a requester the page is unscoped.
func (s *Sampler) Generate(ctx context.Context, params models.QueryParams, requesterDID string) (models.FeedPage, error) {
	return generatePage(ctx, s.store, params, requesterDID)
}

// rankAuthors orders the histogram by count descending with ascending-DID
// tie-break, so identical input always yields the same selection.
func rankAuthors(counts map[string]int, fraction float64) []string {
	type entry struct {
		did   string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for did, count := range counts {
		entries = append(entries, entry{did: did, count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].did < entries[j].did
	})

	take := int(math.Ceil(float64(len(entries)) * fraction))
	if take < 1 {
		take = 1
	}
	if take > len(entries) {
		take = len(entries)
	}

	top := make([]string, take)
	for i := 0; i < take; i++ {
		top[i] = entries[i].did
	}
	return top
}

// 外部呼び出しは個別にタイムアウトを切る

func (s *Sampler) getLikes(ctx context.Context, uri string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.client.GetLikes(ctx, uri, s.cfg.ColikerLimit)
}

func (s *Sampler) getActorLikes(ctx context.Context, did string) ([]appview.LikedPost, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.client.GetActorLikes(ctx, did, s.cfg.LikesPerUser)
}

func (s *Sampler) getAuthorFeed(ctx context.Context, did string) ([]appview.PostRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.client.GetAuthorFeed(ctx, did, s.cfg.PostsPerAuthor)
}
