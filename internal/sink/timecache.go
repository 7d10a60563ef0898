// internal/sink/timecache.go
package sink

import (
	"sync/atomic"
	"time"
)

//
// timecache.go
// ------------------------------------------------------------
// 현재 UTC epoch seconds 와 KST 기준 날짜/시간 파티션을 1초 단위로 캐싱한다.
//
// 파일명 생성과 S3 파티션 prefix 는 업로드마다 호출되므로
// 매번 time.Now() + Format 하는 대신 ticker 로 갱신된 값을 읽는다.
//
// 사용처:
//   - DLQ / S3 파일명 prefix (<unix>_...)
//   - S3 파티션 prefix (dt=YYYY-MM-DD / hr=HH)
//   - DLQ TTL 판단
// ------------------------------------------------------------

var (
	unixSec atomic.Int64
	dtVal   atomic.Value // "YYYY-MM-DD"
	hrVal   atomic.Value // "HH"
)

const kstOffset = 9 * time.Hour

func init() {
	update(time.Now())

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for now := range ticker.C {
			update(now)
		}
	}()
}

func update(now time.Time) {
	unixSec.Store(now.Unix())

	kst := now.UTC().Add(kstOffset)
	dtVal.Store(kst.Format("2006-01-02"))
	hrVal.Store(kst.Format("15"))
}

// Unix returns current UTC epoch seconds (cached, 1-second precision).
func Unix() int64 {
	return unixSec.Load()
}

// DT returns "YYYY-MM-DD" (KST 기준).
func DT() string {
	return dtVal.Load().(string)
}

// HR returns "HH" (KST 기준).
func HR() string {
	return hrVal.Load().(string)
}
