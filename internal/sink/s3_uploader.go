// internal/sink/s3_uploader.go
package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"eventlog-ingest/internal/config"
	"eventlog-ingest/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	zlog "github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrBreakerOpen 은 circuit breaker 가 열려 있어서 S3 를 호출하지 않았다는 뜻.
var ErrBreakerOpen = errors.New("s3 circuit breaker open")

// Uploader 는 Manager / DLQManager 가 쓰는 업로드 계약.
type Uploader interface {
	UploadBytes(ctx context.Context, key string, body []byte) error
	UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// ObjectPutter 는 s3.Client 중 PutObject 만 떼어낸 것.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader 는 S3 업로드 기능을 담당하는 구성 요소이다.
//   - 모든 업로드는 컨텍스트 기반(timeout + cancel-safe)
//   - 앱 레벨 재시도 + exponential backoff (최대 2초)
//   - 재시도까지 모두 실패한 업로드가 연속 BreakerFailures 번 쌓이면
//     BreakerTimeout 동안 S3 호출 없이 즉시 ErrBreakerOpen 을 돌려준다.
//     (S3 장애 중에 요청마다 timeout 까지 기다리며 업로드 큐가 막히는 것을 방지)
type S3Uploader struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  ObjectPutter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewS3Uploader(cfg config.Config, m *metrics.Metrics, client ObjectPutter) *S3Uploader {
	return &S3Uploader{
		cfg:     cfg,
		metrics: m,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "s3-upload",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				// shutdown 으로 인한 취소는 S3 상태와 무관하다.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				zlog.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

// NewS3Client 는 AWS 리전을 적용한 S3 client 를 만든다.
// SDK retry 는 0 으로 고정한다 (재시도는 S3AppRetries 하나로만 제어).
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	}), nil
}

// UploadBytes 는 메모리의 gzip+JSONL 바이트를 업로드한다.
// 재시도마다 reader 를 새로 만들어야 하므로 bytes.NewReader 를 쓴다.
func (u *S3Uploader) UploadBytes(ctx context.Context, key string, body []byte) error {
	return u.execute(func() error {
		return u.retry(ctx, func() error {
			return u.putObject(ctx, key, bytes.NewReader(body), int64(len(body)))
		})
	})
}

// UploadFile 은 로컬 DLQ 파일을 그대로 업로드한다. 재시도 전에 Seek(0) 으로 되감는다.
func (u *S3Uploader) UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.execute(func() error {
		return u.retry(ctx, func() error {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			return u.putObject(ctx, key, f, size)
		})
	})
}

func (u *S3Uploader) execute(fn func() error) error {
	_, err := u.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		atomic.AddInt64(&u.metrics.S3BreakerRejectedTotal, 1)
		return ErrBreakerOpen
	}
	return err
}

// retry 는 S3AppRetries 번까지 시도한다. 실패 사이에 200ms 부터 두 배씩, 최대 2초 대기.
func (u *S3Uploader) retry(ctx context.Context, attempt func() error) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for i := 1; i <= u.cfg.S3AppRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := attempt(); err == nil {
			return nil
		} else {
			lastErr = err
			atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)
		}

		if i == u.cfg.S3AppRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject 는 PutObject 1회 호출. 시도마다 S3Timeout 을 적용한다.
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.cfg.S3Timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.RawBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})

	return err
}
