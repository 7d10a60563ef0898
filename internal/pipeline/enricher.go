package pipeline

import (
	"strings"
	"sync/atomic"

	"eventlog-ingest/internal/geo"
	"eventlog-ingest/internal/metrics"
	"eventlog-ingest/internal/model"
)

// ReferenceCache 는 enrichment 가 읽는 reference 데이터.
// 조회는 메모리에서 즉시 끝나야 하며, 없는 것은 (nil, false) 이지 에러가 아니다.
type ReferenceCache interface {
	PublisherAppByKey(key string) (*model.PublisherApp, bool)
	PlacementByID(id string) (*model.Placement, bool)
	CurrencyRate(code string) float64
}

// GeoResolver 는 실패하지 않는다. 모르면 Country 가 빈 값을 돌려준다.
type GeoResolver interface {
	Resolve(o geo.Origin) *model.GeoData
}

// messageLineBreak 는 msg 안의 개행을 대체하는 문자열. 로그 한 줄 = 레코드 하나를 보장한다.
const messageLineBreak = "<br>"

// Enricher 는 reference 데이터로 배치와 이벤트를 보강한다.
type Enricher struct {
	cache   ReferenceCache
	geo     GeoResolver
	abtest  ABTestStrategy
	metrics *metrics.Metrics
}

func NewEnricher(cache ReferenceCache, g GeoResolver, ab ABTestStrategy, m *metrics.Metrics) *Enricher {
	if ab == nil {
		ab = NoABTest{}
	}
	return &Enricher{cache: cache, geo: g, abtest: ab, metrics: m}
}

// EnrichBatch 는 배치 단위 값(geo, publisher app)을 한 번만 채운다.
func (e *Enricher) EnrichBatch(b *model.EventBatch, origin geo.Origin) {
	b.Geo = e.geo.Resolve(origin)

	if app, ok := e.cache.PublisherAppByKey(b.AppKey); ok {
		b.PublisherApp = app
	} else {
		atomic.AddInt64(&e.metrics.PublisherAppMissTotal, 1)
	}
}

// Enrich 는 이벤트 하나를 순서대로 보강한다.
//  1. placement 조회 → adType / abt (miss 면 둘 다 nil)
//  2. price > 0 이면 USD 로 환산
//  3. msg 개행 치환
func (e *Enricher) Enrich(b *model.EventBatch, ev *model.Event) {
	if p, ok := e.cache.PlacementByID(ev.PlacementID); ok {
		adType := p.AdType
		abt := e.abtest.Assign(p, b.DeviceID)
		ev.AdType = &adType
		ev.ABTest = &abt
	} else {
		atomic.AddInt64(&e.metrics.PlacementMissTotal, 1)
	}

	if ev.Price > 0 {
		ev.Price = e.cache.CurrencyRate(ev.Currency) * ev.Price
	}

	ev.Message = SanitizeMessage(ev.Message)
}

// SanitizeMessage 는 개행 문자를 치환한다. 그 외 문자는 그대로 둔다.
func SanitizeMessage(msg string) string {
	if strings.IndexByte(msg, '\n') < 0 {
		return msg
	}
	return strings.ReplaceAll(msg, "\n", messageLineBreak)
}
