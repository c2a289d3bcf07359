// Package appview is a minimal client for the handful of app.bsky graph
// queries the social sampler needs: who liked a post, what an actor liked,
// and what an author posted.
package appview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/chcolte/bluesky-feedgen-go/logger"
)

const userAgent = "bluesky-feedgen-go/0.1"

// 同一コミット内で共有されるco-likerのlike履歴を二重取得しないためのTTL
const (
	actorLikesCacheTTL     = 5 * time.Minute
	actorLikesCacheCleanup = 10 * time.Minute
)

// Client calls the AppView XRPC API. All methods honor the passed context
// and return plain errors; soft-degradation policy is the caller's job.
type Client struct {
	service    string
	session    *Session
	httpClient *http.Client
	likesCache *gocache.Cache
}

// NewClient creates a Client for the given AppView host. session may be nil
// for callers that only use unauthenticated endpoints.
func NewClient(service string, session *Session) *Client {
	return &Client{
		service: service,
		session: session,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		likesCache: gocache.New(actorLikesCacheTTL, actorLikesCacheCleanup),
	}
}

// GetLikes returns up to limit distinct DIDs of actors who liked the post.
func (c *Client) GetLikes(ctx context.Context, uri string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("uri", uri)
	params.Set("limit", strconv.Itoa(limit))

	var res getLikesResponse
	if err := c.getJSON(ctx, "app.bsky.feed.getLikes", params, false, &res); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(res.Likes))
	dids := make([]string, 0, len(res.Likes))
	for _, like := range res.Likes {
		did := like.Actor.DID
		if did == "" || seen[did] {
			continue
		}
		seen[did] = true
		dids = append(dids, did)
	}
	return dids, nil
}

// GetActorLikes returns the actor's most recent liked posts, newest first.
// Responses are cached briefly because co-likers recur across the likes of
// one commit. Requires authentication.
func (c *Client) GetActorLikes(ctx context.Context, did string, limit int) ([]LikedPost, error) {
	cacheKey := fmt.Sprintf("%s/%d", did, limit)
	if cached, found := c.likesCache.Get(cacheKey); found {
		logger.Debugf("appview: actor-likes cache hit for %s", did)
		return cached.([]LikedPost), nil
	}

	params := url.Values{}
	params.Set("actor", did)
	params.Set("limit", strconv.Itoa(limit))

	var res feedResponse
	if err := c.getJSON(ctx, "app.bsky.feed.getActorLikes", params, true, &res); err != nil {
		return nil, err
	}

	liked := make([]LikedPost, 0, len(res.Feed))
	for _, item := range res.Feed {
		if item.Post.URI == "" || item.Post.Author.DID == "" {
			continue
		}
		liked = append(liked, LikedPost{
			URI:       item.Post.URI,
			CID:       item.Post.CID,
			AuthorDID: item.Post.Author.DID,
		})
	}

	c.likesCache.Set(cacheKey, liked, gocache.DefaultExpiration)
	return liked, nil
}

// GetAuthorFeed returns the author's own recent posts, newest first.
// Reposts are filtered out (reason set, or a different author's post).
func (c *Client) GetAuthorFeed(ctx context.Context, did string, limit int) ([]PostRef, error) {
	params := url.Values{}
	params.Set("actor", did)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("filter", "posts_no_replies")

	var res feedResponse
	if err := c.getJSON(ctx, "app.bsky.feed.getAuthorFeed", params, false, &res); err != nil {
		return nil, err
	}

	posts := make([]PostRef, 0, len(res.Feed))
	for _, item := range res.Feed {
		if item.Reason != nil || item.Post.Author.DID != did {
			continue
		}
		posts = append(posts, PostRef{URI: item.Post.URI, CID: item.Post.CID})
	}
	return posts, nil
}

// getJSON はGETのXRPCクエリを投げてJSONをデコードする。
// 認証付きの場合、401を一度だけセッション作り直しでリトライする。
func (c *Client) getJSON(ctx context.Context, nsid string, params url.Values, auth bool, v interface{}) error {
	for attempt := 0; ; attempt++ {
		status, err := c.doOnce(ctx, nsid, params, auth, v)
		if err == nil {
			return nil
		}
		if auth && status == http.StatusUnauthorized && attempt == 0 {
			logger.Debugf("appview: token rejected, re-authenticating")
			c.session.Invalidate()
			continue
		}
		return err
	}
}

func (c *Client) doOnce(ctx context.Context, nsid string, params url.Values, auth bool, v interface{}) (int, error) {
	endpoint := fmt.Sprintf("%s/xrpc/%s?%s", serviceURL(c.service), nsid, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)

	if auth {
		if c.session == nil {
			return 0, ErrNoCredentials
		}
		token, err := c.session.Token()
		if err != nil {
			return 0, fmt.Errorf("failed to get access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var xerr xrpcError
		if json.Unmarshal(body, &xerr) == nil && xerr.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s failed with status %d: %s", nsid, resp.StatusCode, xerr.Error)
		}
		return resp.StatusCode, fmt.Errorf("%s failed with status %d", nsid, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", nsid, err)
	}
	return resp.StatusCode, nil
}

// ホスト名だけの指定はhttpsとみなす
func serviceURL(service string) string {
	if strings.HasPrefix(service, "http://") || strings.HasPrefix(service, "https://") {
		return service
	}
	return "https://" + service
}
