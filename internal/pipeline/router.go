package pipeline

import "eventlog-ingest/internal/model"

// SDK 가 광고 노출/준비 상태 호출을 알리는 interaction 이벤트 코드.
const (
	EventCalledShow         = 501
	EventCalledIsReadyTrue  = 502
	EventCalledIsReadyFalse = 503
)

// InteractionEventIDs 는 기본 라우팅 대상.
var InteractionEventIDs = []int{EventCalledShow, EventCalledIsReadyTrue, EventCalledIsReadyFalse}

// Router 는 interaction 이벤트를 AuditRecord 로 투영한다.
// 대상 집합은 생성 시점에 복사되어 이후 바뀌지 않는다.
type Router struct {
	types map[int]struct{}
}

func NewRouter(types ...int) *Router {
	set := make(map[int]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &Router{types: set}
}

// Routes 는 eventID 가 보조 스트림 대상인지 알려준다.
func (r *Router) Routes(eventID int) bool {
	_, ok := r.types[eventID]
	return ok
}

// Route 는 대상 이벤트면 AuditRecord 와 true 를 돌려준다. 원본 이벤트는 건드리지 않는다.
func (r *Router) Route(b *model.EventBatch, ev *model.Event) (model.AuditRecord, bool) {
	if !r.Routes(ev.EventID) {
		return model.AuditRecord{}, false
	}

	rec := model.NewAuditRecord(b)
	rec.Type = ev.EventID
	rec.ServerTs = ev.ServerTs
	rec.MediationID = ev.MediationID
	rec.PlacementID = ev.PlacementID
	rec.InstanceID = ev.InstanceID
	rec.Scene = ev.Scene
	if ev.ABTest != nil {
		rec.ABTest = *ev.ABTest
	}
	return rec, true
}
