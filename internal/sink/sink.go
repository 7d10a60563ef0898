// Package sink 은 enrich 가 끝난 레코드를 스트림별로 모아 S3 에 gzip+JSONL 로 올린다.
//
// 흐름:
//
//	Append (요청 goroutine) → queue → collectLoop (스트림별 batch)
//	  → uploadCh → uploadLoop (encode + S3) → 실패 시 로컬 DLQ
//	  → dlqLoop 가 주기적으로 DLQ 파일을 재업로드
//
// 같은 goroutine 이 같은 스트림에 넣은 레코드는 넣은 순서대로 한 파일 안에 기록된다.
package sink

import (
	"errors"
	"fmt"
)

// 스트림 이름은 S3 prefix 와 파일명 segment 로 그대로 쓰인다. '_' 금지.
const (
	StreamPrimary = "om-log" // 배치 전체 (이벤트 포함)
	StreamAudit   = "lr"     // interaction 이벤트 audit 레코드
)

var (
	// ErrQueueFull 은 overflow 정책에 의해 레코드가 버려졌다는 뜻이다.
	ErrQueueFull = errors.New("sink queue full")
	// ErrClosed 는 Shutdown 이후의 Append 에 반환된다.
	ErrClosed = errors.New("sink closed")
)

// OverflowPolicy 는 queue 가 가득 찼을 때 Append 의 동작.
type OverflowPolicy int

const (
	DropNewest OverflowPolicy = iota // 새 레코드를 버린다
	DropOldest                       // 가장 오래된 레코드를 밀어내고 넣는다
	Block                            // SinkBlockTimeout 까지 기다린 뒤 버린다
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy 는 SINK_OVERFLOW 값을 해석한다. 빈 문자열은 drop_newest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropNewest, fmt.Errorf("unknown sink overflow policy %q", s)
	}
}

// Record 는 queue 에 들어가는 단위. Line 은 이미 JSON 으로 직렬화된 한 줄이다.
type Record struct {
	Stream string
	Line   []byte
}
