package classifier

// Collection NSIDs handled by this system.
const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionRepost = "app.bsky.feed.repost"
	CollectionLike   = "app.bsky.feed.like"
	CollectionFollow = "app.bsky.graph.follow"
)

// StrongRef points at a specific record revision.
type StrongRef struct {
	URI string `cbor:"uri"`
	CID string `cbor:"cid"`
}

// PostRecord is an app.bsky.feed.post record (only the fields we read).
type PostRecord struct {
	Type      string   `cbor:"$type"`
	Text      string   `cbor:"text"`
	CreatedAt string   `cbor:"createdAt"`
	Langs     []string `cbor:"langs"`
}

// RepostRecord is an app.bsky.feed.repost record.
type RepostRecord struct {
	Type      string    `cbor:"$type"`
	Subject   StrongRef `cbor:"subject"`
	CreatedAt string    `cbor:"createdAt"`
}

// LikeRecord is an app.bsky.feed.like record.
type LikeRecord struct {
	Type      string    `cbor:"$type"`
	Subject   StrongRef `cbor:"subject"`
	CreatedAt string    `cbor:"createdAt"`
}

// FollowRecord is an app.bsky.graph.follow record.
type FollowRecord struct {
	Type      string `cbor:"$type"`
	Subject   string `cbor:"subject"`
	CreatedAt string `cbor:"createdAt"`
}

// 構造チェック: $typeの一致に加えて、後段が依存するフィールドの存在を見る

func validPost(r *PostRecord) bool {
	return r.Type == CollectionPost && r.CreatedAt != ""
}

func validRepost(r *RepostRecord) bool {
	return r.Type == CollectionRepost && r.Subject.URI != "" && r.Subject.CID != ""
}

func validLike(r *LikeRecord) bool {
	return r.Type == CollectionLike && r.Subject.URI != "" && r.Subject.CID != ""
}

func validFollow(r *FollowRecord) bool {
	return r.Type == CollectionFollow && r.Subject != ""
}
