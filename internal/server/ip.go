package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"eventlog-ingest/internal/geo"
)

// ------------------------------------------------------------
// IP / Origin Utility Functions
//
// ingest 서버는 ALB 또는 CloudFront 뒤에 배치되므로
// RemoteAddr 만으로는 "실제 SDK 단말 IP"를 알 수 없다.
// 아래 로직은 AWS 표준 헤더 기반으로
// 가장 신뢰할 수 있는 클라이언트 IP 와 국가 힌트를 추출한다.
// ------------------------------------------------------------

const (
	headerForwardedFor  = "X-Forwarded-For"
	headerViewerAddress = "CloudFront-Viewer-Address"
	headerViewerCountry = "CloudFront-Viewer-Country"
)

// isPublicAddr:
//   - private / loopback / link-local / unspecified 가 아닌 경우 true
//   - X-Forwarded-For 에서 내부 hop 을 건너뛰기 위해 필요
func isPublicAddr(a netip.Addr) bool {
	if !a.IsValid() {
		return false
	}
	a = a.Unmap()
	return !(a.IsPrivate() || a.IsLoopback() || a.IsUnspecified() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast())
}

// parseAddr 는 공백을 제거하고 파싱한다. 잘못된 값이면 zero Addr.
func parseAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}

// ------------------------------------------------------------
// clientIP:
//
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. CloudFront-Viewer-Address → 포트 제거 후 IP 사용
//  3. RemoteAddr fallback
//
// 모두 실패하면 "" (geo 는 unknown 으로 처리된다).
// ------------------------------------------------------------
func clientIP(r *http.Request) string {

	// 1) X-Forwarded-For (ALB)
	// 예: "203.0.113.1, 10.0.1.24"
	if xff := r.Header.Get(headerForwardedFor); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if a := parseAddr(part); isPublicAddr(a) {
				return a.String()
			}
		}
	}

	// 2) CloudFront-Viewer-Address
	// 예: "203.0.113.55:44321" 또는 "2404:6800:4004::200e:44321"
	if cf := r.Header.Get(headerViewerAddress); cf != "" {
		host := cf
		// 마지막 ":" 를 기준으로 포트 제거 (IPv6 포함 대응)
		if i := strings.LastIndexByte(cf, ':'); i != -1 {
			host = cf[:i]
		}
		if a := parseAddr(host); isPublicAddr(a) {
			return a.String()
		}
	}

	// 3) RemoteAddr fallback
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if a := parseAddr(host); isPublicAddr(a) {
			return a.String()
		}
	}

	return ""
}

// requestOrigin 은 geo 조회에 넘길 출처 정보를 만든다.
func requestOrigin(r *http.Request) geo.Origin {
	return geo.Origin{
		IP:          clientIP(r),
		CountryHint: r.Header.Get(headerViewerCountry),
	}
}
