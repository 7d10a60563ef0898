// internal/pipeline/pipeline.go
package pipeline

// ------------------------------------------------------------
// Pipeline
//
// 디코드된 배치 하나를 보정 → 보강 → 라우팅 → sink append 한다.
//
// Pipeline 은 모든 요청 goroutine 이 공유하지만 요청별 상태는 없다.
// 배치는 호출한 goroutine 이 단독으로 소유하며, 모든 단계가
// 그 goroutine 위에서 이벤트 순서대로 실행된다.
// ------------------------------------------------------------

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"eventlog-ingest/internal/decoder"
	"eventlog-ingest/internal/geo"
	"eventlog-ingest/internal/metrics"
	"eventlog-ingest/internal/model"
	"eventlog-ingest/internal/sink"

	"github.com/rs/zerolog"
)

// Sink 는 레코드를 스트림에 append 한다. 짧은 시간 안에 반환해야 하며
// 같은 호출자가 넣은 순서를 유지해야 한다.
type Sink interface {
	Append(ctx context.Context, stream string, record any) error
}

type Pipeline struct {
	decoder  *decoder.Decoder
	enricher *Enricher
	router   *Router
	sink     Sink
	metrics  *metrics.Metrics
}

func New(d *decoder.Decoder, e *Enricher, r *Router, s Sink, m *metrics.Metrics) *Pipeline {
	return &Pipeline{decoder: d, enricher: e, router: r, sink: s, metrics: m}
}

// Ingest 는 body 디코드부터 sink append 까지 한 요청을 처리한다.
// 반환되는 에러는 decoder 의 클라이언트 오류이거나 ctx 취소뿐이다.
// 디코드에 실패하면 sink 에는 아무것도 쓰지 않는다.
func (p *Pipeline) Ingest(ctx context.Context, body []byte, params decoder.Params, origin geo.Origin) error {
	batch, err := p.decoder.Decode(body, params)
	if err != nil {
		return err
	}
	return p.Process(ctx, batch, origin)
}

// Process 는 디코드된 배치를 보정 → 보강 → 라우팅 → append 한다.
//
// ctx 가 중간에 취소되면 남은 이벤트는 처리하지 않고 ctx.Err() 를 반환한다.
// 이미 append 된 audit 레코드는 되돌리지 않으며, 배치 전체(om-log)는 쓰지 않는다.
// sink 실패는 로그와 카운터로만 남기고 호출자에게 전달하지 않는다.
func (p *Pipeline) Process(ctx context.Context, batch *model.EventBatch, origin geo.Origin) error {
	log := zerolog.Ctx(ctx)

	skew := Reconcile(batch)
	p.metrics.ClockSkew.Observe(math.Abs(float64(skew)) / float64(time.Second/time.Millisecond))

	p.enricher.EnrichBatch(batch, origin)

	for _, ev := range batch.Events {
		if err := ctx.Err(); err != nil {
			atomic.AddInt64(&p.metrics.HTTPRequestsCanceledTotal, 1)
			return err
		}

		p.enricher.Enrich(batch, ev)
		atomic.AddInt64(&p.metrics.EventsProcessedTotal, 1)

		if rec, ok := p.router.Route(batch, ev); ok {
			atomic.AddInt64(&p.metrics.AuditRecordsTotal, 1)
			if err := p.sink.Append(ctx, sink.StreamAudit, rec); err != nil {
				appendFailed(log, err).Str("stream", sink.StreamAudit).Int("eid", ev.EventID).Msg("sink append failed")
			}
		}
	}

	if err := p.sink.Append(ctx, sink.StreamPrimary, batch); err != nil {
		appendFailed(log, err).Str("stream", sink.StreamPrimary).Int("events", len(batch.Events)).Msg("sink append failed")
	}
	return nil
}

// appendFailed 는 queue full 이면 Debug(샘플링 대상), 그 외는 Warn 으로 남긴다.
// queue full 은 트래픽에 비례해서 발생하고 sink_records_dropped_total 로 이미 집계된다.
func appendFailed(log *zerolog.Logger, err error) *zerolog.Event {
	if errors.Is(err, sink.ErrQueueFull) {
		return log.Debug().Err(err)
	}
	return log.Warn().Err(err)
}
