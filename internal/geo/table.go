// internal/geo/table.go
package geo

// 접속 IP 를 국가/지역/도시 수준의 위치로 바꾸는 prefix 테이블.

import (
	"net/netip"
	"sort"

	"eventlog-ingest/internal/model"
)

// Entry 는 geo_prefix 테이블의 한 행.
type Entry struct {
	Prefix  netip.Prefix
	Country string
	Region  string
	City    string
}

// Table 은 CIDR → 위치 매핑을 prefix 길이별 map 으로 들고 있는 불변 테이블.
// 조회는 존재하는 prefix 길이만 긴 순서대로 확인하므로 IPv4 기준 최대 33번의 map 조회다.
type Table struct {
	byLen map[int]map[netip.Prefix]model.GeoData
	lens  []int // 내림차순
}

// NewTable 은 entries 로 Table 을 만든다. 같은 prefix 가 중복되면 뒤의 값이 이긴다.
func NewTable(entries []Entry) *Table {
	t := &Table{byLen: make(map[int]map[netip.Prefix]model.GeoData)}
	for _, e := range entries {
		if !e.Prefix.IsValid() {
			continue
		}
		p := e.Prefix
		// ::ffff:a.b.c.d/n 은 Lookup 이 Unmap 한 주소와 비교되도록 IPv4 prefix 로 바꾼다.
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		p = p.Masked()
		m, ok := t.byLen[p.Bits()]
		if !ok {
			m = make(map[netip.Prefix]model.GeoData)
			t.byLen[p.Bits()] = m
			t.lens = append(t.lens, p.Bits())
		}
		m[p] = model.GeoData{Country: e.Country, Region: e.Region, City: e.City}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(t.lens)))
	return t
}

// Lookup 은 addr 를 포함하는 가장 긴 prefix 의 위치를 돌려준다.
func (t *Table) Lookup(addr netip.Addr) (model.GeoData, bool) {
	if t == nil || !addr.IsValid() {
		return model.GeoData{}, false
	}
	addr = addr.Unmap()
	for _, bits := range t.lens {
		if bits > addr.BitLen() {
			continue
		}
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if g, ok := t.byLen[bits][p]; ok {
			return g, true
		}
	}
	return model.GeoData{}, false
}

// Len 은 테이블의 prefix 수.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, m := range t.byLen {
		n += len(m)
	}
	return n
}
