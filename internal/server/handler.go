package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"eventlog-ingest/internal/config"
	"eventlog-ingest/internal/decoder"
	"eventlog-ingest/internal/geo"
	"eventlog-ingest/internal/metrics"
	"eventlog-ingest/internal/model"
	"eventlog-ingest/internal/pool"

	"github.com/rs/zerolog"
)

// 응답 본문. SDK 는 상태 코드만 보지만 운영 중 curl 로 확인할 때 쓴다.
const (
	msgBadData     = "bad data"
	msgBadParams   = "bad params"
	msgServerError = "server error"
)

// supportedAPIVersion 은 현재 라우팅하는 /log 프로토콜 버전.
const supportedAPIVersion = 1

// Ingester 는 요청 body 한 건을 끝까지 처리한다 (pipeline.Pipeline).
type Ingester interface {
	Ingest(ctx context.Context, body []byte, p decoder.Params, origin geo.Origin) error
}

type Handler struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	pipeline Ingester
}

func NewHandler(cfg config.Config, m *metrics.Metrics, p Ingester) *Handler {
	return &Handler{
		cfg:      cfg,
		metrics:  m,
		pipeline: p,
	}
}

// HandleLog
//
// SDK 텔레메트리 수집 엔드포인트. POST /log?v=1&plat=&sdkv=&k=
//
// 공통 동작:
//  1. 쿼리 파라미터 검증 (실패 → 400 bad params)
//  2. 요청 길이 제한(MaxBodySize, 초과 → 413)
//  3. BodyPool 기반 메모리 재사용
//  4. pipeline 동기 실행 (decode → reconcile → enrich → route → sink)
//  5. metrics 증가
//
// 운영 상 의미:
//   - 이 함수는 ingest 서버의 "가장 뜨거운 경로(hot path)"다.
//   - 200 은 sink queue 에 넣었다는 뜻이지 S3 에 저장됐다는 뜻이 아니다.
func (h *Handler) HandleLog(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		h.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}()

	atomic.AddInt64(&h.metrics.HTTPRequestsTotal, 1)
	log := zerolog.Ctx(r.Context())

	// --------------------------------------------------------------------
	// 쿼리 파라미터 검증
	// --------------------------------------------------------------------
	params, ok := parseParams(r.URL.Query())
	if !ok {
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBadParamsTotal, 1)
		log.Debug().Str("query", r.URL.RawQuery).Msg("rejected: bad params")
		http.Error(w, msgBadParams, http.StatusBadRequest)
		return
	}

	// --------------------------------------------------------------------
	// 요청 Body 최대 크기 강제 제한
	// --------------------------------------------------------------------
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBodyTooLargeTotal, 1)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		// body 를 끝까지 받지 못함 → 깨진 입력으로 본다
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBadDataTotal, 1)
		http.Error(w, msgBadData, http.StatusBadRequest)
		return
	}

	// 서버 시계는 body 를 다 받은 시점 기준
	params.ReceivedAt = time.Now().UnixMilli()

	// --------------------------------------------------------------------
	// pipeline 실행
	// --------------------------------------------------------------------
	err := h.pipeline.Ingest(r.Context(), buf.Bytes(), params, requestOrigin(r))
	switch {
	case err == nil:
		atomic.AddInt64(&h.metrics.HTTPRequestsAcceptedTotal, 1)
		w.WriteHeader(http.StatusOK)

	case decoder.IsClientError(err):
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBadDataTotal, 1)
		log.Warn().Err(err).Str("query", r.URL.RawQuery).Int("bytes", buf.Len()).Msg("rejected: bad data")
		http.Error(w, msgBadData, http.StatusBadRequest)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// 클라이언트가 이미 떠났다. 카운터는 pipeline 이 올린다.
		log.Debug().Err(err).Msg("request canceled during processing")

	default:
		atomic.AddInt64(&h.metrics.HTTPRequestsFailedTotal, 1)
		log.Error().Err(err).Str("query", r.URL.RawQuery).Msg("ingest failed")
		http.Error(w, msgServerError, http.StatusInternalServerError)
	}
}

// parseParams 는 v / plat / sdkv / k 를 검증한다. 하나라도 잘못되면 false.
func parseParams(q url.Values) (decoder.Params, bool) {
	v, err := strconv.Atoi(q.Get("v"))
	if err != nil || v != supportedAPIVersion {
		return decoder.Params{}, false
	}

	plat, err := strconv.Atoi(q.Get("plat"))
	if err != nil || !model.Platform(plat).Valid() {
		return decoder.Params{}, false
	}

	sdkv, key := q.Get("sdkv"), q.Get("k")
	if sdkv == "" || key == "" {
		return decoder.Params{}, false
	}

	return decoder.Params{
		APIVersion: v,
		Platform:   model.Platform(plat),
		SDKVersion: sdkv,
		AppKey:     key,
	}, true
}

// HandleStats
//
// ingest 서버 상태를 나타내는 카운터 값들을 key=value 텍스트로 출력한다.
// Prometheus 형식은 /metrics 에서 제공한다.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

// HandleHealth 는 ALB Target Group health check 용. 단순 문자열로 충분하다.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}
