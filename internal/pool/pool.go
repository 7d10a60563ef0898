package pool

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// ingest 서버는 초당 수천~수만 요청을 처리하며,
// 매 요청마다 body 읽기, gunzip 결과 버퍼, gzip reader 생성,
// sink 쪽 gzip 결과 버퍼 생성 등 메모리 할당이 매우 빈번하다.
//
// 아래 Pool들은 "GC 줄이기, 메모리 재사용, 성능 안정화" 목적.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - 압축된 POST body / gunzip 결과를 임시 저장하는 버퍼
	//   - 초기 용량 4KB (대부분의 SDK 배치는 여기에 수용됨)
	//   - 너무 큰 버퍼는 caller(maxCap 조건)에서 재사용하지 않음
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - sink 배치의 gzip 인코딩 결과를 담는 임시 버퍼
	//   - 초기 용량 256KB
	//   - 1MB 초과 버퍼는 메모리 폭주 방지를 위해 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용 매우 큼)
	//   - BestSpeed 옵션: ingest 서버 특성상 속도 우선 전략
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}

	// gzipReaderPool:
	//   - gzip.Reader 는 헤더를 읽어야 생성되므로 New 에서 만들 수 없다.
	//   - GetGzipReader 가 비어 있으면 새로 만들고, 있으면 Reset 한다.
	gzipReaderPool sync.Pool
)

// Pool에 되돌려줄 최대 gzip 버퍼 용량
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody:
//   - BodyPool에 buf를 반환할지 결정.
//   - maxCap 보다 크면 버려서 GC로.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer:
//   - gzip 결과 버퍼 반환
//   - 1MB 이하이면 풀에 재사용
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// GetGzipReader 는 r 에 연결된 gzip.Reader 를 돌려준다.
// 헤더가 gzip 이 아니면 에러를 반환하며, 이 경우 풀에서 꺼낸 reader 는 다시 넣는다.
func GetGzipReader(r io.Reader) (*gzip.Reader, error) {
	if zr, ok := gzipReaderPool.Get().(*gzip.Reader); ok {
		if err := zr.Reset(r); err != nil {
			gzipReaderPool.Put(zr)
			return nil, err
		}
		return zr, nil
	}
	return gzip.NewReader(r)
}

// PutGzipReader 는 사용이 끝난 reader 를 닫고 풀에 반환한다.
func PutGzipReader(zr *gzip.Reader) {
	_ = zr.Close()
	gzipReaderPool.Put(zr)
}
