package firehose

import (
	"fmt"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/chcolte/bluesky-feedgen-go/logger"
)

const subscribeReposPath = "/xrpc/com.atproto.sync.subscribeRepos"

// Subscription は com.atproto.sync.subscribeRepos への1本のWebSocket購読
type Subscription struct {
	Service string // e.g. bsky.network
	Cursor  int64  // 再開用シーケンス番号 (0 = 先頭から)
	ws      *websocket.Conn
}

// NewSubscription creates a Subscription that resumes after the given cursor.
func NewSubscription(service string, cursor int64) *Subscription {
	return &Subscription{
		Service: service,
		Cursor:  cursor,
	}
}

// Connect dials the relay's subscribeRepos endpoint.
func (s *Subscription) Connect() error {
	wsURL, httpURL := urlAdjust(s.Service)

	streamURL := wsURL + subscribeReposPath
	if s.Cursor > 0 {
		streamURL = fmt.Sprintf("%s?cursor=%d", streamURL, s.Cursor)
	}

	ws, err := websocket.Dial(streamURL, "", httpURL)
	if err != nil {
		return err
	}
	s.ws = ws
	logger.Info("Connected to ", streamURL)
	return nil
}

// ReceiveCommits はフレームを受信し、パース済みのコミットを output に送信する。
// 不正なフレームはスキップして継続、接続エラーのみ error を返す。
func (s *Subscription) ReceiveCommits(output chan<- *RepoCommit) error {
	logger.Info("Subscription: Starting to receive commits")

	for {
		var rawMsg []byte
		if err := websocket.Message.Receive(s.ws, &rawMsg); err != nil {
			logger.Errorf("Subscription: Receive error: %v", err)
			return err
		}

		commit, err := parseFrame(rawMsg)
		if err != nil {
			logger.Debugf("Subscription: Dropping malformed frame: %v", err)
			continue
		}
		if commit == nil {
			continue
		}

		output <- commit
	}
}

// WebSocket接続を閉じる
func (s *Subscription) Close() error {
	if s.ws != nil {
		return s.ws.Close()
	}
	return nil
}

// urlAdjust は URL を WebSocket 用に変換する
func urlAdjust(url string) (ws string, http string) {
	if strings.HasPrefix(url, "https://") {
		return strings.Replace(url, "https://", "wss://", -1), url
	}
	if strings.HasPrefix(url, "http://") {
		return strings.Replace(url, "http://", "ws://", -1), url
	}
	if strings.HasPrefix(url, "wss://") {
		return url, strings.Replace(url, "wss://", "https://", -1)
	}
	if strings.HasPrefix(url, "ws://") {
		return strings.Replace(url, "ws://", "http://", -1), url
	}
	return "wss://" + url, "https://" + url
}
