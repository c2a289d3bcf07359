// Package classifier turns raw firehose commits into typed,
// collection-partitioned create/delete operations.
package classifier

import (
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/chcolte/bluesky-feedgen-go/firehose"
	"github.com/chcolte/bluesky-feedgen-go/logger"
)

// CreateOp is one decoded record creation.
type CreateOp[T any] struct {
	URI    string
	CID    string
	Author string // リポジトリ所有者のDID
	Record T
}

// DeleteOp is one record deletion, identified by URI alone.
type DeleteOp struct {
	URI string
}

// Operations holds the creates and deletes of one collection.
type Operations[T any] struct {
	Creates []CreateOp[T]
	Deletes []DeleteOp
}

// Ops is a commit's operations partitioned by collection.
type Ops struct {
	Posts   Operations[PostRecord]
	Reposts Operations[RepostRecord]
	Likes   Operations[LikeRecord]
	Follows Operations[FollowRecord]
}

// ByType classifies a commit's operations. Creates whose block cannot be
// resolved or whose record fails decoding/validation are dropped silently.
// update actions are not supported and skipped entirely.
func ByType(commit *firehose.RepoCommit, blocks firehose.BlockMap) *Ops {
	ops := &Ops{}

	for _, op := range commit.Ops {
		collection, _, found := strings.Cut(op.Path, "/")
		if !found {
			continue
		}
		uri := "at://" + commit.Repo + "/" + op.Path

		switch op.Action {
		case "update":
			// updateは未対応
			continue

		case "create":
			if op.CID == "" {
				continue
			}
			raw, ok := blocks[op.CID]
			if !ok {
				logger.Debugf("classifier: no block for %s (cid=%s)", uri, op.CID)
				continue
			}
			classifyCreate(ops, collection, uri, op.CID, commit.Repo, raw)

		case "delete":
			// レコード本体は無いが、削除はURIだけで適用できる
			switch collection {
			case CollectionPost:
				ops.Posts.Deletes = append(ops.Posts.Deletes, DeleteOp{URI: uri})
			case CollectionRepost:
				ops.Reposts.Deletes = append(ops.Reposts.Deletes, DeleteOp{URI: uri})
			case CollectionLike:
				ops.Likes.Deletes = append(ops.Likes.Deletes, DeleteOp{URI: uri})
			case CollectionFollow:
				ops.Follows.Deletes = append(ops.Follows.Deletes, DeleteOp{URI: uri})
			}
		}
	}

	return ops
}

func classifyCreate(ops *Ops, collection, uri, cidStr, author string, raw []byte) {
	switch collection {
	case CollectionPost:
		var rec PostRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil || !validPost(&rec) {
			logger.Debugf("classifier: dropping invalid post %s: %v", uri, err)
			return
		}
		ops.Posts.Creates = append(ops.Posts.Creates, CreateOp[PostRecord]{
			URI: uri, CID: cidStr, Author: author, Record: rec,
		})
	case CollectionRepost:
		var rec RepostRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil || !validRepost(&rec) {
			logger.Debugf("classifier: dropping invalid repost %s: %v", uri, err)
			return
		}
		ops.Reposts.Creates = append(ops.Reposts.Creates, CreateOp[RepostRecord]{
			URI: uri, CID: cidStr, Author: author, Record: rec,
		})
	case CollectionLike:
		var rec LikeRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil || !validLike(&rec) {
			logger.Debugf("classifier: dropping invalid like %s: %v", uri, err)
			return
		}
		ops.Likes.Creates = append(ops.Likes.Creates, CreateOp[LikeRecord]{
			URI: uri, CID: cidStr, Author: author, Record: rec,
		})
	case CollectionFollow:
		var rec FollowRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil || !validFollow(&rec) {
			logger.Debugf("classifier: dropping invalid follow %s: %v", uri, err)
			return
		}
		ops.Follows.Creates = append(ops.Follows.Creates, CreateOp[FollowRecord]{
			URI: uri, CID: cidStr, Author: author, Record: rec,
		})
	}
}
