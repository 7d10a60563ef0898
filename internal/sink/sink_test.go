package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"eventlog-ingest/internal/config"
	"eventlog-ingest/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu      sync.Mutex
	fail    bool
	objects map[string][]byte
	keys    []string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte)}
}

func (f *fakeUploader) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeUploader) UploadBytes(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("s3 down")
	}
	f.objects[key] = append([]byte(nil), body...)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeUploader) UploadFile(ctx context.Context, key string, r io.ReadSeeker, _ int64) error {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return f.UploadBytes(ctx, key, b)
}

// objectsFor 는 key 에 "/<stream>/" 가 들어간 객체의 JSONL 라인을 업로드 순서대로 돌려준다.
func (f *fakeUploader) objectsFor(t *testing.T, stream string) [][]string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out [][]string
	for _, k := range f.keys {
		if strings.Contains(k, "/"+stream+"/") {
			out = append(out, gunzipLines(t, f.objects[k]))
		}
	}
	return out
}

func gunzipLines(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		InstanceID:       "test1",
		RawPrefix:        "raw",
		DLQPrefix:        "raw_dlq",
		SinkQueueSize:    64,
		SinkOverflow:     "drop_newest",
		SinkBlockTimeout: 10 * time.Millisecond,
		UploadQueue:      4,
		BatchSize:        100,
		FlushInterval:    time.Hour,
		DLQDir:           t.TempDir(),
		DLQMaxAge:        24 * time.Hour,
	}
}

func newTestManager(t *testing.T, cfg config.Config, up Uploader) (*Manager, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	mgr, err := NewManager(cfg, m, up)
	require.NoError(t, err)
	return mgr, m
}

type seqRecord struct {
	Seq int    `json:"seq"`
	Tag string `json:"tag,omitempty"`
}

type badRecord struct{}

func (badRecord) MarshalJSON() ([]byte, error) { return nil, errors.New("boom") }

func TestEncodeJSONLGZ(t *testing.T) {
	data, err := NewEncoder().EncodeJSONLGZ([][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, gunzipLines(t, data))
}

func TestFilenameCarriesStream(t *testing.T) {
	name := NewFilename(StreamAudit, "ingest1")

	stream, ok := extractStreamFromFilename(name)
	require.True(t, ok)
	assert.Equal(t, StreamAudit, stream)

	sec, ok := extractUnixFromFilename(name)
	require.True(t, ok)
	assert.InDelta(t, time.Now().Unix(), sec, 5)

	key := BuildS3Key("raw", StreamPrimary, name)
	assert.True(t, strings.HasPrefix(key, "raw/om-log/dt="), key)
	assert.True(t, strings.HasSuffix(key, "/"+name), key)
	assert.Contains(t, key, "/hr=")

	_, ok = extractStreamFromFilename("garbage")
	assert.False(t, ok)
}

func TestParseOverflowPolicy(t *testing.T) {
	for in, want := range map[string]OverflowPolicy{"": DropNewest, "drop_newest": DropNewest, "drop_oldest": DropOldest, "block": Block} {
		got, err := ParseOverflowPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOverflowPolicy("spill")
	assert.Error(t, err)
}

func TestManagerFlushesPerStreamInOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 3
	up := newFakeUploader()
	mgr, m := newTestManager(t, cfg, up)
	mgr.Start()

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		require.NoError(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: i}))
	}
	require.NoError(t, mgr.Append(ctx, StreamPrimary, seqRecord{Seq: 100}))

	require.NoError(t, mgr.Shutdown(ctx))

	audit := up.objectsFor(t, StreamAudit)
	require.Len(t, audit, 2, "one full batch + remainder on shutdown")
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}, audit[0])
	assert.Equal(t, []string{`{"seq":4}`}, audit[1])

	primary := up.objectsFor(t, StreamPrimary)
	require.Len(t, primary, 1)
	assert.Equal(t, []string{`{"seq":100}`}, primary[0])

	assert.EqualValues(t, 5, m.SinkRecordsAppendedTotal)
	assert.EqualValues(t, 5, m.S3RecordsStoredTotal)
	assert.EqualValues(t, 0, m.SinkQueueDepth)
}

func TestManagerFlushInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushInterval = 20 * time.Millisecond
	up := newFakeUploader()
	mgr, _ := newTestManager(t, cfg, up)
	mgr.Start()
	defer mgr.Shutdown(context.Background())

	require.NoError(t, mgr.Append(context.Background(), StreamAudit, seqRecord{Seq: 1}))

	require.Eventually(t, func() bool {
		return len(up.objectsFor(t, StreamAudit)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAppendSerializesAtCallTime(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(t), newFakeUploader())

	rec := &seqRecord{Seq: 1, Tag: "before"}
	require.NoError(t, mgr.Append(context.Background(), StreamPrimary, rec))
	rec.Tag = "after"

	got := <-mgr.queue
	assert.Equal(t, StreamPrimary, got.Stream)
	assert.JSONEq(t, `{"seq":1,"tag":"before"}`, string(got.Line))
}

func TestAppendDropNewest(t *testing.T) {
	cfg := testConfig(t)
	cfg.SinkQueueSize = 2
	mgr, m := newTestManager(t, cfg, newFakeUploader())

	ctx := context.Background()
	require.NoError(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: 1}))
	require.NoError(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: 2}))
	assert.ErrorIs(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: 3}), ErrQueueFull)

	assert.EqualValues(t, 1, m.SinkRecordsDroppedTotal)
	assert.EqualValues(t, 2, m.SinkQueueDepth)
	assert.JSONEq(t, `{"seq":1}`, string((<-mgr.queue).Line))
	assert.JSONEq(t, `{"seq":2}`, string((<-mgr.queue).Line))
}

func TestAppendDropOldest(t *testing.T) {
	cfg := testConfig(t)
	cfg.SinkQueueSize = 2
	cfg.SinkOverflow = "drop_oldest"
	mgr, m := newTestManager(t, cfg, newFakeUploader())

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: i}))
	}

	assert.EqualValues(t, 1, m.SinkRecordsDroppedTotal)
	assert.JSONEq(t, `{"seq":2}`, string((<-mgr.queue).Line))
	assert.JSONEq(t, `{"seq":3}`, string((<-mgr.queue).Line))
}

func TestAppendBlock(t *testing.T) {
	cfg := testConfig(t)
	cfg.SinkQueueSize = 1
	cfg.SinkOverflow = "block"
	mgr, m := newTestManager(t, cfg, newFakeUploader())

	ctx := context.Background()
	require.NoError(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: 1}))

	start := time.Now()
	assert.ErrorIs(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: 2}), ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), cfg.SinkBlockTimeout)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, mgr.Append(canceled, StreamAudit, seqRecord{Seq: 3}), context.Canceled)

	assert.EqualValues(t, 2, m.SinkRecordsDroppedTotal)

	// 소비자가 자리를 비우면 block 은 대기 후 성공한다.
	go func() {
		time.Sleep(2 * time.Millisecond)
		<-mgr.queue
	}()
	cfg.SinkBlockTimeout = time.Second
	mgr.cfg = cfg
	assert.NoError(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: 4}))
}

func TestAppendAfterShutdown(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(t), newFakeUploader())
	mgr.Start()
	require.NoError(t, mgr.Shutdown(context.Background()))

	assert.ErrorIs(t, mgr.Append(context.Background(), StreamAudit, seqRecord{Seq: 1}), ErrClosed)
	// 두 번 호출해도 안전하다.
	assert.NoError(t, mgr.Shutdown(context.Background()))
}

func TestAppendRejectsUnmarshalable(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(t), newFakeUploader())
	assert.Error(t, mgr.Append(context.Background(), StreamAudit, badRecord{}))
	assert.Error(t, mgr.Append(context.Background(), "", seqRecord{}))
}

func TestUploadFailureSpillsToDLQAndRecovers(t *testing.T) {
	cfg := testConfig(t)
	up := newFakeUploader()
	up.setFail(true)
	mgr, m := newTestManager(t, cfg, up)
	mgr.Start()

	ctx := context.Background()
	require.NoError(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: 1}))
	require.NoError(t, mgr.Append(ctx, StreamAudit, seqRecord{Seq: 2}))
	require.NoError(t, mgr.Shutdown(ctx))

	assert.EqualValues(t, 0, m.S3RecordsStoredTotal)
	assert.EqualValues(t, 2, m.DLQEventsEnqueuedTotal)
	assert.EqualValues(t, 1, m.DLQFilesCurrent)

	// 재시작: 디스크의 DLQ 를 복원한 뒤 재업로드
	up.setFail(false)
	m2 := metrics.New()
	dlq, err := NewDLQManager(cfg, m2, up)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m2.DLQFilesCurrent)

	assert.True(t, dlq.ProcessOne(ctx))
	assert.False(t, dlq.ProcessOne(ctx), "DLQ drained")

	audit := up.objectsFor(t, StreamAudit)
	require.Len(t, audit, 1)
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":2}`}, audit[0])
	assert.True(t, strings.HasPrefix(up.keys[0], "raw/lr/"), up.keys[0])

	assert.EqualValues(t, 2, m2.DLQEventsReuploadedTotal)
	assert.EqualValues(t, 0, m2.DLQFilesCurrent)
	assert.EqualValues(t, 0, m2.DLQSizeBytes)

	entries, err := os.ReadDir(cfg.DLQDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDLQExpiresOldFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.DLQMaxAge = time.Hour
	up := newFakeUploader()

	old := filepath.Join(cfg.DLQDir, "1000_lr_test1_000001.jsonl.gz")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o600))

	m := metrics.New()
	dlq, err := NewDLQManager(cfg, m, up)
	require.NoError(t, err)

	assert.True(t, dlq.ProcessOne(context.Background()))
	assert.Empty(t, up.keys, "expired file is not uploaded")
	assert.EqualValues(t, 1, m.DLQFilesExpiredTotal)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestDLQInvalidFileGoesToDLQPrefix(t *testing.T) {
	cfg := testConfig(t)
	up := newFakeUploader()

	name := NewFilename(StreamPrimary, "test1")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DLQDir, name), []byte("not gzip"), 0o600))

	dlq, err := NewDLQManager(cfg, metrics.New(), up)
	require.NoError(t, err)

	assert.True(t, dlq.ProcessOne(context.Background()))
	require.Len(t, up.keys, 1)
	assert.True(t, strings.HasPrefix(up.keys[0], "raw_dlq/om-log/"), up.keys[0])
}

func TestDLQCapacityEvictsOldest(t *testing.T) {
	cfg := testConfig(t)
	cfg.DLQMaxSizeBytes = 10
	m := metrics.New()
	dlq, err := NewDLQManager(cfg, m, newFakeUploader())
	require.NoError(t, err)

	require.NoError(t, dlq.Save(StreamAudit, []byte("aaaaaa"), 1))
	require.NoError(t, dlq.Save(StreamAudit, []byte("bbbbbb"), 1))

	assert.EqualValues(t, 1, m.DLQFilesCurrent)
	assert.EqualValues(t, 6, m.DLQSizeBytes)
	assert.EqualValues(t, 1, m.DLQFilesExpiredTotal)

	// 단일 배치가 한도보다 크면 저장하지 않고 drop
	require.NoError(t, dlq.Save(StreamAudit, bytes.Repeat([]byte("c"), 11), 3))
	assert.EqualValues(t, 3, m.DLQEventsDroppedTotal)

	name := dlq.pickOldest()
	raw, err := os.ReadFile(filepath.Join(cfg.DLQDir, name+metaSuffix))
	require.NoError(t, err)
	var meta dlqMeta
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.EqualValues(t, 1, meta.NumRecords)
}
