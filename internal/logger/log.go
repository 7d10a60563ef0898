// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"eventlog-ingest/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수입니다.
// Config 설정에 따라 '개발자용 화면' 또는 '운영용 시스템 로그'로
// 형태를 바꾸어 설정합니다.
//
// [주요 기능]
//
//  1. 로그 포맷 자동 전환:
//     - LOG_PRETTY=true : 컬러 텍스트 (가독성 위주)
//     - LOG_PRETTY=false: JSON (CloudWatch 등 검색/분석 위주)
//
//  2. 공통 필드 자동 추가:
//     - 모든 로그에 "service", "instance" 정보가 붙습니다.
//
//  3. 로그 샘플링:
//     - Debug/Info 는 LOG_SAMPLE_N 개 중 1개만 기록합니다.
//     - Warn/Error 는 100% 기록합니다.
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Msg("서버가 시작되었습니다")
func Init(cfg config.Config) {
	Setup(cfg, os.Stdout)
}

// Setup 은 Init 과 같지만 출력 대상을 직접 받는다 (테스트용).
func Setup(cfg config.Config, out io.Writer) zerolog.Logger {

	// -------------------------------------------------------------------
	// 1) 로그 레벨 결정
	// -------------------------------------------------------------------
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}

	zerolog.SetGlobalLevel(level)

	// -------------------------------------------------------------------
	// 2) 출력 방식 결정 (사람 vs 기계)
	// -------------------------------------------------------------------
	var w io.Writer

	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	} else {
		w = out
	}

	// -------------------------------------------------------------------
	// 3) 기본 Logger 생성 (공통 태그 부착)
	// -------------------------------------------------------------------
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// -------------------------------------------------------------------
	// 4) 샘플링 설정 (로그 홍수 방지)
	// -------------------------------------------------------------------
	// 디코드 실패 같은 클라이언트 오류는 트래픽에 비례해서 쌓이므로
	// Info/Debug 는 N개 중 1개만 남긴다. Warn 이상은 샘플링하지 않는다.
	logger := base

	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}

	// -------------------------------------------------------------------
	// 5) 전역 Logger 교체
	// -------------------------------------------------------------------
	zlog.Logger = logger

	// 요청 ctx 에 로거가 없을 때 zerolog.Ctx 가 전역 로거를 쓰도록 한다.
	zerolog.DefaultContextLogger = &zlog.Logger

	// 표준 log 패키지(log.Printf)도 zerolog 로 흘려보낸다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)

	return logger
}
