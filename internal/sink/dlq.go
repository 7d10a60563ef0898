// internal/sink/dlq.go
package sink

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"eventlog-ingest/internal/config"
	"eventlog-ingest/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// unknownStream 은 파일명에서 스트림을 읽지 못한 DLQ 파일이 올라가는 prefix segment.
const unknownStream = "unknown"

type dlqMeta struct {
	NumRecords int64 `json:"num_records"`
}

// DLQManager 는 S3 업로드 실패 배치를 로컬 디스크에 저장하고,
// 이후 재업로드를 담당한다.
//   - encode 실패: 바로 S3 DLQPrefix 로 업로드 (여기 안 옴)
//   - S3 업로드 실패: gzip+JSONL 배치를 로컬 DLQ 에 저장
//
// 파일명에 스트림 이름이 들어 있으므로 재업로드 시 원래 스트림 prefix 로 돌아간다.
// TTL 판단은 "파일명 prefix 의 Unix timestamp" 기준으로 한다.
type DLQManager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader Uploader

	// 현재 DLQ 디렉토리에 저장된 data 파일 총 바이트 수
	dlqSizeBytes int64
}

// NewDLQManager 는 DLQ 디렉토리를 만들고, 기존 파일을 스캔하여
// DLQSizeBytes / DLQFilesCurrent 를 복원한다.
// 이때 meta orphan (data 없이 .meta.json 만 남은 경우) 도 정리한다.
func NewDLQManager(cfg config.Config, m *metrics.Metrics, uploader Uploader) (*DLQManager, error) {
	if err := os.MkdirAll(cfg.DLQDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create DLQ dir %s", cfg.DLQDir)
	}

	d := &DLQManager{
		cfg:      cfg,
		metrics:  m,
		uploader: uploader,
	}

	entries, err := os.ReadDir(cfg.DLQDir)
	if err != nil {
		return nil, errors.Wrapf(err, "scan DLQ dir %s", cfg.DLQDir)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()

		// meta orphan 제거
		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(cfg.DLQDir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(cfg.DLQDir, name))
			}
			continue
		}

		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	atomic.StoreInt64(&d.dlqSizeBytes, total)
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)

	if count > 0 {
		zlog.Info().Int64("files", count).Int64("bytes", total).Msg("DLQ restored from disk")
	}

	return d, nil
}

// Save 는 S3 업로드에 실패한 stream 의 gzip+JSONL 배치를 로컬 DLQ 에 저장한다.
// numRecords 는 메타 파일(.meta.json)에 기록되어 재업로드 시 카운터에 쓰인다.
func (d *DLQManager) Save(stream string, data []byte, numRecords int) error {
	if len(data) == 0 || numRecords <= 0 {
		return nil
	}

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		// 오래된 파일을 모두 지워도 공간 부족 → drop
		zlog.Error().Str("stream", stream).Int64("bytes", size).Int("records", numRecords).Msg("DLQ full, dropping batch")
		atomic.AddInt64(&d.metrics.DLQEventsDroppedTotal, int64(numRecords))
		return nil
	}

	filename := NewFilename(stream, d.cfg.InstanceID)
	dataPath := filepath.Join(d.cfg.DLQDir, filename)

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return errors.Wrapf(err, "write DLQ file %s", filename)
	}

	meta, _ := json.Marshal(dlqMeta{NumRecords: int64(numRecords)})
	_ = os.WriteFile(dataPath+metaSuffix, meta, 0o600)

	atomic.AddInt64(&d.dlqSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQEventsEnqueuedTotal, int64(numRecords))

	return nil
}

// ensureCapacity 는 DLQMaxSizeBytes 를 넘지 않도록 가장 오래된 파일부터 삭제한다.
// 지울 파일이 더 이상 없으면 false.
func (d *DLQManager) ensureCapacity(incoming int64) bool {
	max := d.cfg.DLQMaxSizeBytes
	if max <= 0 {
		return true
	}
	if incoming > max {
		return false
	}

	for {
		if atomic.LoadInt64(&d.dlqSizeBytes)+incoming <= max {
			return true
		}

		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}

		d.remove(oldest)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)

		zlog.Warn().Str("file", oldest).Msg("DLQ capacity exceeded, removed oldest file")
	}
}

// remove 는 data/meta 파일을 지우고 용량 카운터를 되돌린다.
func (d *DLQManager) remove(name string) {
	dataPath := filepath.Join(d.cfg.DLQDir, name)

	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&d.dlqSizeBytes, -info.Size())
		atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
	}

	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
}

// ProcessOne 은 가장 오래된 DLQ 파일 1개를 처리한다 (TTL 만료 삭제 또는 재업로드).
// 처리할 파일이 없거나 재업로드에 실패했으면 false 를 반환한다.
func (d *DLQManager) ProcessOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	name := d.pickOldest()
	if name == "" {
		return false
	}

	dataPath := filepath.Join(d.cfg.DLQDir, name)

	info, err := os.Stat(dataPath)
	if err != nil {
		// 파일이 사라진 경우 정리만 수행
		_ = os.Remove(dataPath + metaSuffix)
		atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
		return true
	}
	size := info.Size()

	// --- TTL 판단: 파일명 prefix 의 Unix timestamp 기반 ---
	if d.cfg.DLQMaxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := time.Duration(Unix()-sec) * time.Second
			if age > d.cfg.DLQMaxAge {
				d.remove(name)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)

				zlog.Info().Str("file", name).Dur("age", age).Msg("DLQ TTL expired, deleted")
				return true
			}
		}
	}

	f, err := os.Open(dataPath)
	if err != nil {
		zlog.Warn().Err(err).Str("file", name).Msg("DLQ open failed")
		return false
	}
	defer f.Close()

	// 유효하면 원래 스트림의 RawPrefix, 아니면 DLQPrefix 로 보낸다.
	stream, ok := extractStreamFromFilename(name)
	if !ok {
		stream = unknownStream
	}
	valid := ok && d.validateFile(f, size)

	prefix := d.cfg.RawPrefix
	if !valid {
		prefix = d.cfg.DLQPrefix
	}
	key := BuildS3Key(prefix, stream, name)

	if err := d.uploader.UploadFile(ctx, key, f, size); err != nil {
		zlog.Warn().Err(err).Str("key", key).Msg("DLQ reupload failed")
		return false
	}

	numRecords := int64(1)
	if raw, err := os.ReadFile(dataPath + metaSuffix); err == nil {
		var meta dlqMeta
		if json.Unmarshal(raw, &meta) == nil && meta.NumRecords > 0 {
			numRecords = meta.NumRecords
		}
	}

	d.remove(name)
	atomic.AddInt64(&d.metrics.DLQEventsReuploadedTotal, numRecords)

	zlog.Info().Str("key", key).Int64("records", numRecords).Bool("valid", valid).Msg("DLQ reupload success")
	return true
}

// validateFile 은 gzip 을 풀어 첫 번째 JSONL 라인이 유효한 JSON 인지 검사한다.
func (d *DLQManager) validateFile(f *os.File, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	return json.Valid(line)
}

// pickOldest 는 DLQ 디렉토리의 data 파일 중 파일명 기준(=timestamp 기준)으로 가장 오래된 것을 반환한다.
// 파일명은 <unix>_<stream>_... 이므로 문자열 정렬 = 시간 정렬이다.
func (d *DLQManager) pickOldest() string {
	entries, err := os.ReadDir(d.cfg.DLQDir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}

	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}
