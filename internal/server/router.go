package server

import (
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const headerRequestID = "X-Request-ID"

// NewRouter
//
// 엔드포인트:
//   - POST /log   : SDK 텔레메트리 수집 (핵심, IP 당 rate limit 적용)
//   - GET /health : ALB Target Group Health check 용
//   - GET /stats  : 운영자용 카운터 텍스트
//   - GET /metrics: Prometheus scrape
//
// ALB 가 5xx 또는 응답지연을 감지하면 인스턴스를 교체하기 때문에
// /health 는 rate limit 과 pipeline 을 거치지 않는다.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(h.Recover)

	r.Get("/health", h.HandleHealth)
	r.Get("/stats", h.HandleStats)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if h.cfg.RateLimitPerIP > 0 {
			r.Use(httprate.Limit(
				h.cfg.RateLimitPerIP,
				h.cfg.RateLimitWindow,
				httprate.WithKeyFuncs(keyByClientIP),
			))
		}
		r.Post("/log", h.HandleLog)
	})

	return r
}

// keyByClientIP 는 ALB/CloudFront 헤더를 고려한 IP 로 rate limit 버킷을 나눈다.
// public IP 를 찾지 못하면 httprate 기본(RemoteAddr) 으로 돌아간다.
func keyByClientIP(r *http.Request) (string, error) {
	if ip := clientIP(r); ip != "" {
		return ip, nil
	}
	return httprate.KeyByIP(r)
}

// RequestID 는 X-Request-ID 를 이어받거나 새로 만들고,
// request_id 필드가 붙은 zerolog Logger 를 요청 ctx 에 넣는다.
// 이후 zerolog.Ctx(r.Context()) 로 꺼내 쓴다.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		l := zlog.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}

// Recover 는 요청 처리 중 panic 을 잡아 해당 요청만 500 으로 끝낸다.
// 서버는 계속 요청을 받는다.
func (h *Handler) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			atomic.AddInt64(&h.metrics.HTTPRequestsFailedTotal, 1)
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("path", r.URL.Path).
				Msg("panic recovered")

			http.Error(w, msgServerError, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}
