package appview

// LikedPost is one entry of an actor's like history, with the liked post's
// author already resolved from the hydrated post view.
type LikedPost struct {
	URI       string
	CID       string
	AuthorDID string
}

// PostRef identifies one authored post.
type PostRef struct {
	URI string
	CID string
}

// ---- XRPC response shapes (only the fields we read) ----

type sessionResponse struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

type actorView struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type postView struct {
	URI    string    `json:"uri"`
	CID    string    `json:"cid"`
	Author actorView `json:"author"`
}

type getLikesResponse struct {
	Cursor string `json:"cursor"`
	Likes  []struct {
		Actor actorView `json:"actor"`
	} `json:"likes"`
}

type feedViewPost struct {
	Post   postView               `json:"post"`
	Reason map[string]interface{} `json:"reason,omitempty"`
}

type feedResponse struct {
	Cursor string         `json:"cursor"`
	Feed   []feedViewPost `json:"feed"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
