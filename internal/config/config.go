// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnv 가 설정되어 있으면 해당 YAML 파일을 env 보다 낮은 우선순위로 읽는다.
const ConfigPathEnv = "CONFIG_PATH"

// Config
//
// 서비스 실행 시 필요한 모든 설정 값을 보관하는 구조체.
// 프로세스 시작 시점에 Load() 에 의해 한 번 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
//
// 우선순위: env > YAML 파일(CONFIG_PATH) > defaults()
type Config struct {

	// ---------------------------
	// 서버 식별자 / 네트워크
	// ---------------------------

	ServiceName string `koanf:"service_name" validate:"required"`
	InstanceID  string `koanf:"instance_id"` // 비어 있으면 hostname → 랜덤 hex
	HTTPAddr    string `koanf:"http_addr" validate:"required"`

	// ---------------------------
	// 로깅
	// ---------------------------

	LogLevel   string `koanf:"log_level" validate:"oneof=trace debug info warn error"`
	LogPretty  bool   `koanf:"log_pretty"`
	LogSampleN uint32 `koanf:"log_sample_n"` // Debug/Info 를 N 개 중 1개만 기록 (0,1 = 전부)

	// ---------------------------
	// 요청 처리 파라미터
	// ---------------------------

	MaxBodySize     int64         `koanf:"max_body_size" validate:"gt=0"`    // 압축된 요청 body 최대 크기
	MaxDecodedSize  int64         `koanf:"max_decoded_size" validate:"gt=0"` // gunzip 후 최대 크기 (gzip bomb 방지)
	RateLimitPerIP  int           `koanf:"rate_limit_per_ip" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	ABTestMode      string        `koanf:"ab_test_mode" validate:"oneof=none hash"`

	// ---------------------------
	// Reference 데이터 (SQLite 스냅샷)
	// ---------------------------

	RefDBPath       string        `koanf:"refdb_path" validate:"required"`
	RefreshInterval time.Duration `koanf:"refresh_interval" validate:"gt=0"`

	// ---------------------------
	// AWS / S3 기본 환경
	// ---------------------------

	AWSRegion string `koanf:"aws_region" validate:"required"`
	RawBucket string `koanf:"raw_bucket" validate:"required"`
	RawPrefix string `koanf:"raw_prefix" validate:"required"`
	DLQPrefix string `koanf:"dlq_prefix" validate:"required"`

	// ---------------------------
	// Log Sink 큐 / 배치
	// ---------------------------

	SinkQueueSize    int           `koanf:"sink_queue_size" validate:"gt=0"`
	SinkOverflow     string        `koanf:"sink_overflow" validate:"oneof=drop_newest drop_oldest block"`
	SinkBlockTimeout time.Duration `koanf:"sink_block_timeout"`
	UploadQueue      int           `koanf:"upload_queue" validate:"gt=0"`
	BatchSize        int           `koanf:"batch_size" validate:"gt=0"`
	FlushInterval    time.Duration `koanf:"flush_interval" validate:"gt=0"`

	// ---------------------------
	// S3 업로드 설정
	// ---------------------------
	// SDK retry 는 0 으로 고정하고 재시도 횟수는 S3AppRetries 하나로만 제어한다.
	// 연속 실패가 BreakerFailures 에 도달하면 BreakerTimeout 동안 S3 호출 없이 바로 DLQ 로 보낸다.

	S3Timeout       time.Duration `koanf:"s3_timeout" validate:"gt=0"`
	S3AppRetries    int           `koanf:"s3_app_retries" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`

	// ---------------------------
	// 로컬 DLQ (Dead Letter Queue)
	// ---------------------------

	DLQDir          string        `koanf:"dlq_dir" validate:"required"`
	DLQMaxAge       time.Duration `koanf:"dlq_max_age"`
	DLQMaxSizeBytes int64         `koanf:"dlq_max_size_bytes"`
}

// defaults 는 파일/env 로 덮어쓰기 전의 기본값.
// AWS 관련 값과 RefDBPath 는 운영 환경마다 다르므로 기본값을 두지 않는다.
func defaults() Config {
	return Config{
		ServiceName: "eventlog-ingest",
		HTTPAddr:    ":8080",

		LogLevel:   "info",
		LogSampleN: 1,

		MaxBodySize:     1 << 20,
		MaxDecodedSize:  8 << 20,
		RateLimitWindow: time.Second,
		ABTestMode:      "none",

		RefreshInterval: time.Minute,

		RawPrefix: "raw",
		DLQPrefix: "raw_dlq",

		SinkQueueSize:    65536,
		SinkOverflow:     "drop_newest",
		SinkBlockTimeout: 50 * time.Millisecond,
		UploadQueue:      16,
		BatchSize:        5000,
		FlushInterval:    10 * time.Second,

		S3Timeout:       5 * time.Second,
		S3AppRetries:    3,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,

		DLQDir:          "/tmp/eventlog-dlq",
		DLQMaxAge:       24 * time.Hour,
		DLQMaxSizeBytes: 2 << 30,
	}
}

// Load
//
// defaults → YAML 파일(CONFIG_PATH, 선택) → 환경 변수 순서로 덮어쓴 뒤 검증한다.
// 환경 변수 이름은 키를 대문자로 쓴 것과 같다 (예: HTTP_ADDR → http_addr).
func Load() (Config, error) {
	k := koanf.New(".")

	d := defaults()
	if err := k.Load(structs.Provider(&d, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = fallbackInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad 는 Load 실패 시 즉시 프로세스를 종료한다(fail-fast).
// 런타임 중 설정 오류를 겪지 않도록 main 에서만 사용한다.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 는 struct tag 규칙과 필드 간 제약을 검사한다.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.SinkOverflow == "block" && c.SinkBlockTimeout <= 0 {
		return fmt.Errorf("config validation: sink_block_timeout must be > 0 when sink_overflow=block")
	}
	if c.RateLimitPerIP > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("config validation: rate_limit_window must be > 0 when rate_limit_per_ip is set")
	}
	return nil
}

// fallbackInstanceID
//
// 이 ingest 서버 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (ECS/Fargate에서는 task-id 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
