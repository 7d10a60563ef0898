package pipeline

import (
	"fmt"
	"hash/fnv"

	"eventlog-ingest/internal/model"
)

// ABTestStrategy 는 placement 와 디바이스로 A/B 버킷을 정한다.
type ABTestStrategy interface {
	Assign(p *model.Placement, deviceID string) model.ABTest
}

// NoABTest 는 항상 ABTestNone 을 돌려준다. 현재 운영 기본값.
type NoABTest struct{}

func (NoABTest) Assign(*model.Placement, string) model.ABTest {
	return model.ABTestNone
}

// HashABTest 는 (placement id, device id) 해시로 버킷을 고정 배정한다.
// 같은 디바이스는 같은 placement 에서 항상 같은 버킷을 받는다.
// ABTestRatioB 가 0 이면 테스트 대상이 아니므로 ABTestNone.
type HashABTest struct{}

func (HashABTest) Assign(p *model.Placement, deviceID string) model.ABTest {
	if p == nil || p.ABTestRatioB <= 0 || deviceID == "" {
		return model.ABTestNone
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(p.ID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(deviceID))
	if int(h.Sum32()%100) < p.ABTestRatioB {
		return model.ABTestB
	}
	return model.ABTestA
}

// NewABTestStrategy 는 설정값(none|hash)에 맞는 전략을 만든다.
func NewABTestStrategy(mode string) (ABTestStrategy, error) {
	switch mode {
	case "", "none":
		return NoABTest{}, nil
	case "hash":
		return HashABTest{}, nil
	default:
		return nil, fmt.Errorf("unknown ab test mode %q", mode)
	}
}
