// internal/decoder/decoder.go
package decoder

// ------------------------------------------------------------
// Decoder
//
// gzip 으로 압축된 /log 요청 body 를 EventBatch 로 푼다.
// 압축 해제 크기는 New 에 넘긴 maxDecoded 로 제한한다.
// ------------------------------------------------------------

import (
	"bytes"
	"io"

	"eventlog-ingest/internal/model"
	"eventlog-ingest/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var (
	// ErrDecompress 는 body 가 gzip 이 아니거나 압축 스트림이 깨진 경우.
	ErrDecompress = errors.New("decompress failed")

	// ErrParse 는 압축은 정상이지만 JSON 구조가 EventBatch 와 맞지 않는 경우.
	ErrParse = errors.New("parse failed")
)

// IsClientError 는 err 가 클라이언트 입력 오류(400)로 분류되는지 알려준다.
// 두 경우 모두 재시도하지 않고 즉시 거절한다.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDecompress) || errors.Is(err, ErrParse)
}

// Params 는 body 가 아닌 쿼리 파라미터로 전달되는 요청 메타데이터.
type Params struct {
	APIVersion int
	Platform   model.Platform
	SDKVersion string
	AppKey     string

	// ReceivedAt 은 서버가 요청을 받은 시각(ms). 0 이 아니면 body 의 serverTs 를 덮어쓴다.
	ReceivedAt int64
}

// Decoder 는 상태가 없으므로 여러 goroutine 에서 공유해도 안전하다.
type Decoder struct {
	maxDecoded int64
}

// New 는 gunzip 결과가 maxDecoded 바이트를 넘으면 거절하는 Decoder 를 만든다.
func New(maxDecoded int64) *Decoder {
	return &Decoder{maxDecoded: maxDecoded}
}

// Decode 는 body 를 gunzip → JSON 파싱하고 Params 를 배치에 찍는다.
func (d *Decoder) Decode(body []byte, p Params) (*model.EventBatch, error) {
	zr, err := pool.GetGzipReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(ErrDecompress, err.Error())
	}
	defer pool.PutGzipReader(zr)

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, pool.MaxBufferCap)

	// maxDecoded+1 까지만 읽어서 초과 여부를 판단한다.
	n, err := io.Copy(buf, io.LimitReader(zr, d.maxDecoded+1))
	if err != nil {
		return nil, errors.Wrap(ErrDecompress, err.Error())
	}
	if n > d.maxDecoded {
		return nil, errors.Wrapf(ErrDecompress, "decoded size exceeds %d bytes", d.maxDecoded)
	}

	// body 가 JSON null 이면 batch 는 nil 로 남는다. 빈 배치로 받아들이지 않는다.
	var batch *model.EventBatch
	if err := json.Unmarshal(buf.Bytes(), &batch); err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}
	if batch == nil {
		return nil, errors.Wrap(ErrParse, "null batch")
	}

	// null 원소는 이후 단계에서 nil 역참조가 되므로 여기서 걸러낸다.
	events := batch.Events[:0]
	for _, ev := range batch.Events {
		if ev != nil {
			events = append(events, ev)
		}
	}
	batch.Events = events

	batch.APIVersion = p.APIVersion
	batch.Platform = p.Platform
	batch.SDKVersion = p.SDKVersion
	batch.AppKey = p.AppKey
	if p.ReceivedAt != 0 {
		batch.ServerTs = p.ReceivedAt
	}

	return batch, nil
}
