// internal/sink/file_util.go
package sink

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// file_util.go
// ------------------------------------------------------------
// S3 / DLQ 파일명 규칙:
//
//	<unix>_<stream>_<instance>_<counter>.jsonl.gz
//
// 예:
//
//	1764721594_lr_ingest1_000042.jsonl.gz
//
// 문자열 정렬 = 시간 정렬이므로 DLQ 는 가장 오래된 파일부터 재업로드한다.
// 스트림 이름에는 '_' 를 쓰지 않는다 (파일명에서 다시 꺼내기 위해).
var globalCounter uint64

// NextCounter 는 goroutine 간 충돌 없는 순번을 만든다. 1e6 에서 0 으로 돌아간다.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename 은 새 파일명을 만든다.
func NewFilename(stream, instanceID string) string {
	return fmt.Sprintf("%d_%s_%s_%06d.jsonl.gz", Unix(), stream, instanceID, NextCounter())
}

// BuildS3Key
// ------------------------------------------------------------
// S3 Key 생성기. 스트림별로 디렉토리를 나눠 Athena 테이블을 따로 잡을 수 있게 한다.
//
//	<prefix>/<stream>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
func BuildS3Key(prefix, stream, filename string) string {
	return fmt.Sprintf("%s/%s/dt=%s/hr=%s/%s", prefix, stream, DT(), HR(), filename)
}

// extractUnixFromFilename 은 파일명 prefix 에서 Unix seconds 를 파싱한다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}

// extractStreamFromFilename 은 두 번째 segment(스트림 이름)를 꺼낸다.
func extractStreamFromFilename(name string) (string, bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
