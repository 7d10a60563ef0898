// internal/sink/manager.go
package sink

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"eventlog-ingest/internal/config"
	"eventlog-ingest/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
)

// dropOldest 정책에서 밀어내기를 재시도하는 최대 횟수.
// 다른 goroutine 과 경쟁해서 계속 자리를 뺏기면 새 레코드를 버린다.
const maxEvictRetries = 4

// DLQ 재업로드 주기와 한 번에 처리하는 파일 수.
const (
	dlqInterval = time.Second
	dlqPerTick  = 3
)

type uploadJob struct {
	stream string
	lines  [][]byte
}

// Manager 는 Log Sink 의 핵심 파이프라인이다.
// 파이프라인이 Append 한 레코드를 스트림별로 모아서(batch)
//   - gzip+JSONL 로 인코딩
//   - S3 업로드 (실패 시 DLQ 저장)
//
// 하는 전체 흐름을 제어한다.
//
// 주요 구성:
//   - queue: Append → collectLoop 로 레코드 전달 (크기 = SinkQueueSize)
//   - collectLoop: 스트림별로 BatchSize 또는 FlushInterval 마다 묶어서 uploadCh 에 전달
//   - uploadCh: 인코딩 및 S3 업로드 작업 큐
//   - uploadLoop: 실제 업로드 및 DLQ 저장 담당
//   - dlqLoop: 로컬 DLQ 파일 재업로드
//
// Manager 는 graceful shutdown 을 지원하며, Shutdown 은 queue 에 남은 레코드까지
// 업로드(또는 DLQ 저장)한 뒤 반환한다.
type Manager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader Uploader
	dlq      *DLQManager
	encoder  *Encoder
	policy   OverflowPolicy

	queue    chan Record
	uploadCh chan uploadJob

	// closed 는 mu 로 보호한다. Append 는 RLock 을 잡은 채 send 하므로
	// close(queue) 와 send 가 겹치지 않는다.
	mu     sync.RWMutex
	closed bool

	// ctx 는 업로드용. Shutdown 기한이 지나면 cancel 되어 진행 중 업로드를 DLQ 로 돌린다.
	ctx       context.Context
	cancel    context.CancelFunc
	dlqCancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager 는 DLQManager · Encoder 를 초기화하고 채널을 구성한다.
func NewManager(cfg config.Config, m *metrics.Metrics, uploader Uploader) (*Manager, error) {
	policy, err := ParseOverflowPolicy(cfg.SinkOverflow)
	if err != nil {
		return nil, err
	}

	dlq, err := NewDLQManager(cfg, m, uploader)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:      cfg,
		metrics:  m,
		uploader: uploader,
		dlq:      dlq,
		encoder:  NewEncoder(),
		policy:   policy,
		queue:    make(chan Record, cfg.SinkQueueSize),
		uploadCh: make(chan uploadJob, cfg.UploadQueue),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start 는 collectLoop / uploadLoop / dlqLoop 를 실행한다.
func (m *Manager) Start() {
	dlqCtx, dlqCancel := context.WithCancel(m.ctx)
	m.dlqCancel = dlqCancel

	m.wg.Add(3)
	go m.collectLoop()
	go m.uploadLoop()
	go m.dlqLoop(dlqCtx)
}

// Append 는 record 를 JSON 한 줄로 직렬화해 stream 의 queue 에 넣는다.
// 직렬화는 호출 시점에 끝나므로 이후 record 를 수정해도 기록되는 값은 바뀌지 않는다.
//
// queue 가 가득 차면 overflow 정책을 따른다. 레코드를 버렸으면 ErrQueueFull.
func (m *Manager) Append(ctx context.Context, stream string, record any) error {
	if stream == "" {
		return errors.New("sink: empty stream")
	}

	line, err := json.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "sink: marshal %s record", stream)
	}
	rec := Record{Stream: stream, Line: line}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	var ok bool
	switch m.policy {
	case DropOldest:
		ok = m.pushEvictOldest(rec)
	case Block:
		ok, err = m.pushBlocking(ctx, rec)
		if err != nil {
			return err
		}
	default:
		ok = m.tryPush(rec)
	}

	atomic.StoreInt64(&m.metrics.SinkQueueDepth, int64(len(m.queue)))

	if !ok {
		atomic.AddInt64(&m.metrics.SinkRecordsDroppedTotal, 1)
		return ErrQueueFull
	}
	atomic.AddInt64(&m.metrics.SinkRecordsAppendedTotal, 1)
	return nil
}

func (m *Manager) tryPush(rec Record) bool {
	select {
	case m.queue <- rec:
		return true
	default:
		return false
	}
}

func (m *Manager) pushEvictOldest(rec Record) bool {
	for i := 0; i < maxEvictRetries; i++ {
		if m.tryPush(rec) {
			return true
		}
		select {
		case <-m.queue:
			atomic.AddInt64(&m.metrics.SinkRecordsDroppedTotal, 1)
		default:
		}
	}
	return m.tryPush(rec)
}

func (m *Manager) pushBlocking(ctx context.Context, rec Record) (bool, error) {
	if m.tryPush(rec) {
		return true, nil
	}

	timer := time.NewTimer(m.cfg.SinkBlockTimeout)
	defer timer.Stop()

	select {
	case m.queue <- rec:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		atomic.AddInt64(&m.metrics.SinkRecordsDroppedTotal, 1)
		return false, ctx.Err()
	}
}

// Shutdown 은 queue 를 닫고 남은 레코드가 모두 업로드(또는 DLQ 저장)될 때까지 기다린다.
// ctx 가 먼저 끝나면 진행 중 업로드를 취소해서 나머지를 DLQ 로 보내고 ctx.Err() 를 반환한다.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.queue)
		m.mu.Unlock()

		// 종료 중에는 DLQ 재업로드를 하지 않는다.
		if m.dlqCancel != nil {
			m.dlqCancel()
		}
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		zlog.Warn().Msg("sink shutdown deadline exceeded, spilling pending batches to DLQ")
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// collectLoop 는 queue 에서 레코드를 읽어 스트림별 batch 로 묶는다.
// 어떤 스트림이든 BatchSize 에 도달하면 그 스트림만, FlushInterval 타이머가 만료되면 전부 flush 한다.
//
// flush 는 항상 새로운 batch slice 를 만들어 재사용으로 인한 데이터 오염을 막는다.
func (m *Manager) collectLoop() {
	defer m.wg.Done()
	defer close(m.uploadCh)

	batches := make(map[string][][]byte)
	timer := time.NewTimer(m.cfg.FlushInterval)
	defer timer.Stop()

	reset := func() {
		// 타이머가 이미 만료된 상태면 drain
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.FlushInterval)
	}

	flush := func(stream string) {
		lines := batches[stream]
		if len(lines) == 0 {
			return
		}
		delete(batches, stream)

		job := uploadJob{stream: stream, lines: lines}
		select {
		case m.uploadCh <- job:
		case <-m.ctx.Done():
			// 업로드 불가 → 바로 DLQ
			m.spill(job)
		}
	}

	flushAll := func() {
		streams := make([]string, 0, len(batches))
		for s := range batches {
			streams = append(streams, s)
		}
		sort.Strings(streams)
		for _, s := range streams {
			flush(s)
		}
	}

	for {
		select {
		case rec, ok := <-m.queue:
			if !ok {
				// queue 종료 → 남은 batch 처리 후 종료
				flushAll()
				atomic.StoreInt64(&m.metrics.SinkQueueDepth, 0)
				return
			}
			atomic.StoreInt64(&m.metrics.SinkQueueDepth, int64(len(m.queue)))

			lines := batches[rec.Stream]
			if lines == nil {
				lines = make([][]byte, 0, m.cfg.BatchSize)
			}
			batches[rec.Stream] = append(lines, rec.Line)

			if len(batches[rec.Stream]) >= m.cfg.BatchSize {
				flush(rec.Stream)
			}

		case <-timer.C:
			flushAll()
			reset()
		}
	}
}

// uploadLoop 는 uploadCh 에서 batch 를 받아 인코딩 + S3 업로드를 수행한다.
// uploadCh 가 닫히면(= collectLoop 종료) 남은 작업을 모두 마치고 종료된다.
func (m *Manager) uploadLoop() {
	defer m.wg.Done()

	for job := range m.uploadCh {
		m.processUpload(m.ctx, job)
	}
	zlog.Info().Msg("sink uploader exiting")
}

// dlqLoop 는 idle 여부와 관계없이 dlqInterval 마다 DLQ 파일을 최대 dlqPerTick 개 재업로드한다.
func (m *Manager) dlqLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(dlqInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < dlqPerTick; i++ {
				if !m.dlq.ProcessOne(ctx) {
					break
				}
			}
		}
	}
}

// processUpload 는 하나의 batch 를 처리한다.
//  1. JSONL + gzip 인코딩 실패 → 원본 JSONL 을 DLQPrefix 로 best-effort 업로드
//  2. S3 업로드 실패 → 로컬 DLQ 저장
//  3. 성공 시 metrics 업데이트
func (m *Manager) processUpload(ctx context.Context, job uploadJob) {
	n := len(job.lines)
	if n == 0 {
		return
	}

	data, err := m.encoder.EncodeJSONLGZ(job.lines)
	if err != nil {
		zlog.Error().Err(err).Str("stream", job.stream).Int("records", n).Msg("sink encode failed")

		var buf bytes.Buffer
		for _, line := range job.lines {
			buf.Write(line)
			buf.WriteByte('\n')
		}

		key := BuildS3Key(m.cfg.DLQPrefix, job.stream, NewFilename(job.stream, m.cfg.InstanceID))
		if err := m.uploader.UploadBytes(ctx, key, buf.Bytes()); err != nil {
			atomic.AddInt64(&m.metrics.DLQEventsDroppedTotal, int64(n))
			return
		}
		atomic.AddInt64(&m.metrics.DLQEventsEnqueuedTotal, int64(n))
		return
	}

	key := BuildS3Key(m.cfg.RawPrefix, job.stream, NewFilename(job.stream, m.cfg.InstanceID))

	if err := m.uploader.UploadBytes(ctx, key, data); err != nil {
		zlog.Warn().Err(err).Str("key", key).Int("records", n).Msg("s3 upload failed, saving to DLQ")
		if err2 := m.dlq.Save(job.stream, data, n); err2 != nil {
			zlog.Error().Err(err2).Str("stream", job.stream).Int("records", n).Msg("local DLQ save failed")
		}
		return
	}

	atomic.AddInt64(&m.metrics.S3RecordsStoredTotal, int64(n))
}

// spill 은 업로드를 건너뛰고 batch 를 바로 로컬 DLQ 에 저장한다 (shutdown 기한 초과 시).
func (m *Manager) spill(job uploadJob) {
	data, err := m.encoder.EncodeJSONLGZ(job.lines)
	if err == nil {
		err = m.dlq.Save(job.stream, data, len(job.lines))
	}
	if err != nil {
		atomic.AddInt64(&m.metrics.DLQEventsDroppedTotal, int64(len(job.lines)))
		zlog.Error().Err(err).Str("stream", job.stream).Int("records", len(job.lines)).Msg("sink spill failed")
	}
}
