package geo

import (
	"net/netip"
	"strings"
	"sync/atomic"

	"eventlog-ingest/internal/metrics"
	"eventlog-ingest/internal/model"
)

// Origin 은 요청의 네트워크 출처.
// CountryHint 는 CDN 이 붙여주는 국가 코드 헤더 값(CloudFront-Viewer-Country)이며 없을 수 있다.
type Origin struct {
	IP          string
	CountryHint string
}

// TableSource 는 현재 geo 테이블을 돌려준다. reference 스냅샷이 교체되면 새 테이블이 보인다.
type TableSource interface {
	GeoTable() *Table
}

// Resolver 는 실패하지 않는다. 찾지 못하면 IP 만 채운 GeoData 를 돌려준다.
type Resolver struct {
	src     TableSource
	metrics *metrics.Metrics
}

func NewResolver(src TableSource, m *metrics.Metrics) *Resolver {
	return &Resolver{src: src, metrics: m}
}

// Resolve
//
// 우선순위:
//  1. CDN 국가 헤더 (2글자 코드일 때만)
//  2. geo_prefix 테이블 longest-prefix match
//  3. unknown (Country="")
func (r *Resolver) Resolve(o Origin) *model.GeoData {
	g := &model.GeoData{IP: o.IP}

	if c := strings.ToUpper(strings.TrimSpace(o.CountryHint)); len(c) == 2 {
		g.Country = c
		return g
	}

	if addr, err := netip.ParseAddr(o.IP); err == nil {
		if found, ok := r.src.GeoTable().Lookup(addr); ok {
			found.IP = o.IP
			return &found
		}
	}

	atomic.AddInt64(&r.metrics.GeoMissTotal, 1)
	return g
}
