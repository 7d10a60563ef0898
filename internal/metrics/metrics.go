package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 는 서버 상태를 나타내는 카운터 모음이다.
// 모든 카운터는 atomic 으로만 접근하며, /stats 에서는 텍스트로,
// /metrics 에서는 Register 로 등록한 Prometheus collector 로 노출된다.
type Metrics struct {
	// ======================
	// HTTP 레벨 지표
	// ======================

	// HTTPRequestsTotal
	// - /log 로 들어온 모든 요청 수 (성공/실패 무관).
	HTTPRequestsTotal int64

	// HTTPRequestsAcceptedTotal
	// - 파이프라인을 끝까지 통과해서 200 을 받은 요청 수.
	HTTPRequestsAcceptedTotal int64

	// HTTPRequestsRejectedBadDataTotal
	// - gunzip 또는 JSON 파싱 실패로 400 "bad data" 를 받은 요청 수.
	// - SDK 버전별 버그나 중간 프록시의 body 훼손을 의심할 때 본다.
	HTTPRequestsRejectedBadDataTotal int64

	// HTTPRequestsRejectedBadParamsTotal
	// - v / plat / sdkv / k 쿼리 파라미터가 없거나 잘못된 요청 수.
	HTTPRequestsRejectedBadParamsTotal int64

	// HTTPRequestsRejectedBodyTooLargeTotal
	// - 압축된 body 가 MaxBodySize 를 넘어 413 을 받은 요청 수.
	HTTPRequestsRejectedBodyTooLargeTotal int64

	// HTTPRequestsFailedTotal
	// - 예상하지 못한 내부 오류(panic 포함)로 500 을 받은 요청 수.
	// - 0 이 아니면 반드시 error 로그를 확인해야 한다.
	HTTPRequestsFailedTotal int64

	// HTTPRequestsCanceledTotal
	// - 처리 도중 클라이언트 연결이 끊겨 남은 이벤트 처리를 중단한 요청 수.
	HTTPRequestsCanceledTotal int64

	// ======================
	// 파이프라인 지표
	// ======================

	EventsProcessedTotal int64 // enrich 까지 끝난 이벤트 수
	AuditRecordsTotal    int64 // lr 스트림으로 복제된 레코드 수

	// 조회 miss 는 오류가 아니지만 비율이 갑자기 오르면 reference 데이터 갱신이 멈췄다는 신호다.
	PlacementMissTotal    int64
	PublisherAppMissTotal int64
	CurrencyMissTotal     int64
	GeoMissTotal          int64

	// ======================
	// Reference 데이터 갱신
	// ======================

	RefRefreshTotal       int64
	RefRefreshErrorsTotal int64

	// ======================
	// Log Sink 지표
	// ======================

	// SinkRecordsAppendedTotal
	// - sink 큐에 정상적으로 들어간 레코드 수 (om-log + lr).
	SinkRecordsAppendedTotal int64

	// SinkRecordsDroppedTotal
	// - 큐가 가득 차서 overflow 정책에 의해 버려진 레코드 수.
	// - 요청은 200 을 받았지만 로그가 유실되었다는 뜻이다.
	SinkRecordsDroppedTotal int64

	// SinkQueueDepth
	// - 현재 sink 큐에 쌓여 있는 레코드 수 (gauge).
	SinkQueueDepth int64

	// ======================
	// S3 레벨 지표
	// ======================

	// S3RecordsStoredTotal
	// - 최종적으로 S3에 성공 저장된 레코드(JSONL 라인) 수.
	S3RecordsStoredTotal int64

	// S3PutErrorsTotal
	// - S3 PutObject 시도(attempt) 실패 횟수. 재시도마다 증가한다.
	S3PutErrorsTotal int64

	// S3BreakerRejectedTotal
	// - circuit breaker 가 열려 있어 S3 를 호출하지 않고 바로 DLQ 로 보낸 업로드 수.
	S3BreakerRejectedTotal int64

	// ======================
	// DLQ (Dead Letter Queue) 지표
	// ======================

	DLQEventsEnqueuedTotal   int64 // DLQ 에 들어간 레코드 수
	DLQEventsReuploadedTotal int64 // DLQ 에서 S3 로 복구된 레코드 수
	DLQEventsDroppedTotal    int64 // DLQ 용량 초과로 영구 유실된 레코드 수
	DLQFilesExpiredTotal     int64 // TTL/용량 정책으로 삭제된 파일 수
	DLQFilesCurrent          int64 // 현재 DLQ 파일 수 (gauge)
	DLQSizeBytes             int64 // 현재 DLQ 전체 용량 (gauge)

	// 분포 지표는 atomic 카운터로 표현할 수 없어서 Prometheus 타입을 직접 쓴다.
	RequestDuration prometheus.Histogram
	ClockSkew       prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventlog_request_duration_seconds",
			Help:    "Duration of /log requests in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
		ClockSkew: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventlog_clock_skew_seconds",
			Help:    "Absolute server-minus-client clock skew per batch in seconds",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 3600, 86400, 604800},
		}),
	}
}

type counterDesc struct {
	name  string
	help  string
	gauge bool
	v     *int64
}

func (m *Metrics) descs() []counterDesc {
	return []counterDesc{
		{"http_requests_total", "All /log requests", false, &m.HTTPRequestsTotal},
		{"http_requests_accepted_total", "Requests acknowledged with 200", false, &m.HTTPRequestsAcceptedTotal},
		{"http_requests_rejected_bad_data_total", "Requests rejected for undecodable body", false, &m.HTTPRequestsRejectedBadDataTotal},
		{"http_requests_rejected_bad_params_total", "Requests rejected for invalid query parameters", false, &m.HTTPRequestsRejectedBadParamsTotal},
		{"http_requests_rejected_body_too_large_total", "Requests rejected for oversized body", false, &m.HTTPRequestsRejectedBodyTooLargeTotal},
		{"http_requests_failed_total", "Requests failed with an internal error", false, &m.HTTPRequestsFailedTotal},
		{"http_requests_canceled_total", "Requests aborted by client disconnect", false, &m.HTTPRequestsCanceledTotal},

		{"events_processed_total", "Events enriched", false, &m.EventsProcessedTotal},
		{"audit_records_total", "Audit records routed to the secondary stream", false, &m.AuditRecordsTotal},
		{"placement_miss_total", "Placement lookups that found nothing", false, &m.PlacementMissTotal},
		{"publisher_app_miss_total", "Publisher app lookups that found nothing", false, &m.PublisherAppMissTotal},
		{"currency_miss_total", "Currency codes without a rate", false, &m.CurrencyMissTotal},
		{"geo_miss_total", "Connections without a geo match", false, &m.GeoMissTotal},

		{"ref_refresh_total", "Reference snapshot loads", false, &m.RefRefreshTotal},
		{"ref_refresh_errors_total", "Failed reference snapshot loads", false, &m.RefRefreshErrorsTotal},

		{"sink_records_appended_total", "Records accepted by the sink queue", false, &m.SinkRecordsAppendedTotal},
		{"sink_records_dropped_total", "Records dropped by the sink overflow policy", false, &m.SinkRecordsDroppedTotal},
		{"sink_queue_depth", "Records waiting in the sink queue", true, &m.SinkQueueDepth},

		{"s3_records_stored_total", "Records stored in S3", false, &m.S3RecordsStoredTotal},
		{"s3_put_errors_total", "Failed S3 PutObject attempts", false, &m.S3PutErrorsTotal},
		{"s3_breaker_rejected_total", "Uploads short-circuited by the breaker", false, &m.S3BreakerRejectedTotal},

		{"dlq_events_enqueued_total", "Records written to the local DLQ", false, &m.DLQEventsEnqueuedTotal},
		{"dlq_events_reuploaded_total", "Records recovered from the DLQ", false, &m.DLQEventsReuploadedTotal},
		{"dlq_events_dropped_total", "Records lost because the DLQ was full", false, &m.DLQEventsDroppedTotal},
		{"dlq_files_expired_total", "DLQ files removed by TTL or capacity", false, &m.DLQFilesExpiredTotal},
		{"dlq_files_current", "DLQ files on disk", true, &m.DLQFilesCurrent},
		{"dlq_size_bytes", "DLQ bytes on disk", true, &m.DLQSizeBytes},
	}
}

// Register 는 모든 카운터를 Prometheus collector 로 감싸 reg 에 등록한다.
// 값은 scrape 시점에 atomic 으로 읽으므로 hot path 에 추가 비용이 없다.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, d := range m.descs() {
		v := d.v
		read := func() float64 { return float64(atomic.LoadInt64(v)) }

		var c prometheus.Collector
		if d.gauge {
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "eventlog", Name: d.name, Help: d.help}, read)
		} else {
			c = prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "eventlog", Name: d.name, Help: d.help}, read)
		}
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register %s: %w", d.name, err)
		}
	}
	if err := reg.Register(m.RequestDuration); err != nil {
		return fmt.Errorf("register request duration: %w", err)
	}
	if err := reg.Register(m.ClockSkew); err != nil {
		return fmt.Errorf("register clock skew: %w", err)
	}
	return nil
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)

	for _, d := range m.descs() {
		fmt.Fprintf(&sb, "%s=%d\n", d.name, atomic.LoadInt64(d.v))
	}

	return sb.String()
}
