package pipeline

import "eventlog-ingest/internal/model"

// Skew 는 배치 단위 시계 보정값 = 서버 수신 시각 - 클라이언트 전송 시각 (ms).
// 음수일 수 있으며 범위 제한은 두지 않는다.
func Skew(b *model.EventBatch) int64 {
	return b.ServerTs - b.ClientTs
}

// Reconcile 은 배치의 모든 이벤트에 같은 skew 를 더해 ServerTs 를 채우고 skew 를 돌려준다.
// 한 배치 안에서의 전송 지연 차이는 무시한다.
func Reconcile(b *model.EventBatch) int64 {
	skew := Skew(b)
	for _, ev := range b.Events {
		ev.ServerTs = ev.ClientTs + skew
	}
	return skew
}
