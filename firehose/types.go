package firehose

// CommitOp は #commit ペイロード内の1リポジトリ操作
type CommitOp struct {
	Action string // create, update, delete
	Path   string // "<collection>/<rkey>"
	CID    string // create時のみ（文字列化済み）
}

// RepoCommit はパース済みの #commit メッセージ
type RepoCommit struct {
	Seq    int64
	Repo   string // リポジトリ所有者のDID
	Rev    string
	Time   string
	TooBig bool
	Ops    []CommitOp
	Blocks []byte // CAR形式のレコードブロック
}

// BlockMap はCID文字列 -> 生レコードバイト列
type BlockMap map[string][]byte
