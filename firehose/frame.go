package firehose

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/chcolte/bluesky-feedgen-go/logger"
)

// parseFrame は受信した1フレーム（CBORヘッダー + ペイロード）をデコードする。
// #commit 以外のメッセージとエラーフレームは (nil, nil) でスキップされる。
func parseFrame(rawMsg []byte) (*RepoCommit, error) {
	decoder := cbor.NewDecoder(bytes.NewReader(rawMsg))

	// ヘッダーを汎用的なmapとしてデコード
	var headerMap map[string]interface{}
	if err := decoder.Decode(&headerMap); err != nil {
		return nil, fmt.Errorf("failed to decode frame header: %w", err)
	}

	// エラーフレームの場合 (op = -1)
	if opInt, ok := headerMap["op"].(int64); ok && opInt == -1 {
		logger.Warnf("Received error frame from firehose: %+v", headerMap)
		return nil, nil
	}

	messageType, _ := headerMap["t"].(string)
	if messageType != "#commit" {
		// #identity, #account, #info 等はこのシステムでは使わない
		logger.Debugf("Skipping %s message", messageType)
		return nil, nil
	}

	// ペイロードを汎用mapとしてデコード
	var payloadMap map[string]interface{}
	if err := decoder.Decode(&payloadMap); err != nil {
		return nil, fmt.Errorf("failed to decode commit payload: %w", err)
	}

	return parseCommit(payloadMap), nil
}

// マップからRepoCommitを作成
func parseCommit(m map[string]interface{}) *RepoCommit {
	commit := &RepoCommit{}

	// 文字列フィールド
	if repo, ok := m["repo"].(string); ok {
		commit.Repo = repo
	}
	if rev, ok := m["rev"].(string); ok {
		commit.Rev = rev
	}
	if t, ok := m["time"].(string); ok {
		commit.Time = t
	}

	// シーケンス番号 (uint64またはint64)
	switch seq := m["seq"].(type) {
	case uint64:
		commit.Seq = int64(seq)
	case int64:
		commit.Seq = seq
	case float64:
		commit.Seq = int64(seq)
	}

	// tooBig
	if tooBig, ok := m["tooBig"].(bool); ok {
		commit.TooBig = tooBig
	}

	// blocks (バイト配列)
	if blocks, ok := m["blocks"].([]byte); ok {
		commit.Blocks = blocks
	}

	// ops配列
	if opsRaw, ok := m["ops"].([]interface{}); ok {
		for _, opRaw := range opsRaw {
			opMap := toStringMap(opRaw)
			if opMap == nil {
				continue
			}
			op := CommitOp{}
			if action, ok := opMap["action"].(string); ok {
				op.Action = action
			}
			if path, ok := opMap["path"].(string); ok {
				op.Path = path
			}
			op.CID = cidToString(opMap["cid"])
			commit.Ops = append(commit.Ops, op)
		}
	}

	return commit
}

// CIDを文字列に変換
func cidToString(v interface{}) string {
	if v == nil {
		return ""
	}

	// CBORでデコードされたCIDはTagとして来ることがある
	switch c := v.(type) {
	case cbor.Tag:
		if content, ok := c.Content.([]byte); ok {
			// CIDバイト列の先頭バイト(0x00)をスキップ
			if len(content) > 1 && content[0] == 0x00 {
				content = content[1:]
			}
			_, parsed, err := cid.CidFromBytes(content)
			if err == nil {
				return parsed.String()
			}
		}
	case []byte:
		_, parsed, err := cid.CidFromBytes(c)
		if err == nil {
			return parsed.String()
		}
		return fmt.Sprintf("%x", c)
	case string:
		return c
	}
	return fmt.Sprintf("%v", v)
}

// map[interface{}]interface{}をmap[string]interface{}に変換するヘルパー関数
func toStringMap(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}

	// すでにmap[string]interface{}の場合
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}

	// map[interface{}]interface{}の場合（CBORのデフォルト）
	if m, ok := v.(map[interface{}]interface{}); ok {
		result := make(map[string]interface{})
		for k, val := range m {
			if ks, ok := k.(string); ok {
				result[ks] = val
			}
		}
		return result
	}

	return nil
}
