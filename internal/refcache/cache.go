// internal/refcache/cache.go
package refcache

// ------------------------------------------------------------
// Reference Cache
//
// enrichment 가 읽는 reference 데이터(publisher app, placement,
// 환율, geo prefix)를 메모리에 들고 있는다.
//
// 조회 쪽은 lock 을 잡지 않는다. 갱신은 새 Snapshot 을 통째로 만든 뒤
// atomic store 한 번으로 교체하므로, 조회는 이전 또는 새 데이터 중
// 하나만 보고 둘이 섞인 상태는 보지 않는다.
// ------------------------------------------------------------

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"eventlog-ingest/internal/geo"
	"eventlog-ingest/internal/metrics"
	"eventlog-ingest/internal/model"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
)

// CanonicalCurrency 는 모든 매출이 환산되는 기준 통화.
const CanonicalCurrency = "USD"

// Snapshot 은 한 시점의 reference 데이터 전체. 만들어진 뒤에는 수정하지 않는다.
type Snapshot struct {
	Apps       map[string]*model.PublisherApp // app key →
	Placements map[string]*model.Placement    // placement id →
	Rates      map[string]float64             // 통화 코드(대문자) → USD 환산 비율
	Geo        *geo.Table
	LoadedAt   time.Time
}

// Loader 는 원본 저장소에서 Snapshot 을 새로 읽는다.
type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// Cache 는 Snapshot 을 atomic 으로 교체하며 조회를 제공한다.
type Cache struct {
	snap    atomic.Pointer[Snapshot]
	loader  Loader
	metrics *metrics.Metrics
}

func New(loader Loader, m *metrics.Metrics) *Cache {
	c := &Cache{loader: loader, metrics: m}
	c.snap.Store(&Snapshot{})
	return c
}

// Refresh 는 loader 로 새 Snapshot 을 읽어 교체한다.
// 실패하면 기존 Snapshot 을 그대로 유지한다.
func (c *Cache) Refresh(ctx context.Context) error {
	atomic.AddInt64(&c.metrics.RefRefreshTotal, 1)

	s, err := c.loader.Load(ctx)
	if err != nil {
		atomic.AddInt64(&c.metrics.RefRefreshErrorsTotal, 1)
		return errors.Wrap(err, "refcache refresh")
	}
	c.snap.Store(s)
	return nil
}

// Run 은 interval 마다 Refresh 한다. ctx 가 끝나면 반환한다.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				zlog.Warn().Err(err).Msg("reference refresh failed, keeping previous snapshot")
				continue
			}
			s := c.snap.Load()
			zlog.Debug().
				Int("apps", len(s.Apps)).
				Int("placements", len(s.Placements)).
				Int("rates", len(s.Rates)).
				Int("geo_prefixes", s.Geo.Len()).
				Msg("reference snapshot refreshed")
		}
	}
}

// Snapshot 은 현재 Snapshot 을 돌려준다.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

func (c *Cache) PublisherAppByKey(key string) (*model.PublisherApp, bool) {
	app, ok := c.snap.Load().Apps[key]
	return app, ok
}

func (c *Cache) PlacementByID(id string) (*model.Placement, bool) {
	if id == "" {
		return nil, false
	}
	p, ok := c.snap.Load().Placements[id]
	return p, ok
}

// CurrencyRate 는 code 1 단위를 USD 로 바꾸는 비율.
// 빈 코드와 USD 는 1, 모르는 코드는 1 을 돌려주고 miss 로 센다.
func (c *Cache) CurrencyRate(code string) float64 {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == CanonicalCurrency {
		return 1
	}
	if r, ok := c.snap.Load().Rates[code]; ok && r > 0 {
		return r
	}
	atomic.AddInt64(&c.metrics.CurrencyMissTotal, 1)
	return 1
}

// GeoTable 은 geo.TableSource 구현.
func (c *Cache) GeoTable() *geo.Table {
	return c.snap.Load().Geo
}
