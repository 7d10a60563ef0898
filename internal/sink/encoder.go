package sink

import (
	"bytes"

	"eventlog-ingest/internal/pool"

	"github.com/klauspost/compress/gzip"
)

// Encoder 는 이미 JSON 으로 직렬화된 레코드 라인들을 JSONL → gzip 으로 묶는다.
// 레코드 직렬화는 Append 시점에 끝나므로 여기서는 압축만 한다.
//
// 특징:
//   - gzip.Writer + bytes.Buffer 재사용(pool 기반)
//   - 결과는 새로운 []byte 로 복사해 호출자에게 소유권을 넘김
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeJSONLGZ 는 lines 를 한 줄씩 '\n' 으로 구분해 gzip 압축한다.
func (e *Encoder) EncodeJSONLGZ(lines [][]byte) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer pool.GzipPool.Put(gz)

	for _, line := range lines {
		if _, err := gz.Write(line); err != nil {
			_ = gz.Close()
			return nil, err
		}
		if _, err := gz.Write(newline); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	// pool 버퍼는 재사용되므로 복사본을 돌려준다.
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}

var newline = []byte{'\n'}
