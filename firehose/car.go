package firehose

import (
	"bytes"
	"io"

	"github.com/ipld/go-car/v2"

	"github.com/chcolte/bluesky-feedgen-go/logger"
)

// ReadBlocks はコミットのCARバイト列を読み、CID文字列 -> 生レコードのマップにする。
// 壊れたブロックはスキップし、読めた分だけ返す。
func ReadBlocks(blocks []byte) BlockMap {
	out := make(BlockMap)
	if len(blocks) == 0 {
		return out
	}

	reader, err := car.NewBlockReader(bytes.NewReader(blocks))
	if err != nil {
		logger.Debugf("Failed to create CAR reader: %v", err)
		return out
	}

	for {
		block, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Debugf("Error reading CAR block: %v", err)
			break
		}
		out[block.Cid().String()] = block.RawData()
	}

	return out
}
