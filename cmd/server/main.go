package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"eventlog-ingest/internal/config"
	"eventlog-ingest/internal/decoder"
	"eventlog-ingest/internal/geo"
	"eventlog-ingest/internal/logger"
	"eventlog-ingest/internal/metrics"
	"eventlog-ingest/internal/pipeline"
	"eventlog-ingest/internal/refcache"
	"eventlog-ingest/internal/server"
	"eventlog-ingest/internal/sink"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	zlog "github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU 설정 (Fargate vCPU 특성 대응)
	// ====================================================================
	//
	// Go 런타임은 기본적으로 호스트의 모든 CPU 코어를 GOMAXPROCS 로 잡는다.
	// Fargate 에서는 vCPU share 만큼만 스케줄링되므로 default 로 두면
	// 불필요한 스케줄링 경합이 생긴다.
	//
	// Task Definition 환경변수 GOMAXPROCS 로 재정의 가능.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1) // default: 1 logical CPU
	}

	// ====================================================================
	// Config & Logger & Metrics 초기화
	// ====================================================================
	cfg := config.MustLoad()
	logger.Init(cfg)

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register(reg); err != nil {
		zlog.Fatal().Err(err).Msg("metrics register failed")
	}

	// ====================================================================
	// Reference 데이터 (SQLite 스냅샷)
	// ====================================================================
	//
	// 첫 로드는 반드시 성공해야 한다. 빈 스냅샷으로 시작하면
	// 모든 이벤트가 placement/app miss 로 기록되기 때문이다.
	// 이후 갱신 실패는 이전 스냅샷을 유지한다.
	// ====================================================================
	loader, err := refcache.OpenSQLite(cfg.RefDBPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", cfg.RefDBPath).Msg("open reference db failed")
	}
	defer loader.Close()

	cache := refcache.New(loader, m)

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := cache.Refresh(initCtx); err != nil {
		zlog.Fatal().Err(err).Msg("initial reference load failed")
	}
	initCancel()

	snap := cache.Snapshot()
	zlog.Info().
		Int("apps", len(snap.Apps)).
		Int("placements", len(snap.Placements)).
		Int("rates", len(snap.Rates)).
		Int("geo_prefixes", snap.Geo.Len()).
		Msg("reference snapshot loaded")

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		cache.Run(refreshCtx, cfg.RefreshInterval)
	}()

	// ====================================================================
	// Log Sink (S3Uploader + DLQManager + Encoder 포함)
	// ====================================================================
	//
	// ECS/Fargate 가 SIGTERM 을 보낼 때 queue 에 남은 레코드까지
	// S3 또는 로컬 DLQ 에 내려놓고 종료해야 한다.
	// ====================================================================
	s3Client, err := sink.NewS3Client(context.Background(), cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("aws config load failed")
	}

	mgr, err := sink.NewManager(cfg, m, sink.NewS3Uploader(cfg, m, s3Client))
	if err != nil {
		zlog.Fatal().Err(err).Msg("sink init failed")
	}
	mgr.Start()

	// ====================================================================
	// Pipeline
	// ====================================================================
	ab, err := pipeline.NewABTestStrategy(cfg.ABTestMode)
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid ab test mode")
	}

	p := pipeline.New(
		decoder.New(cfg.MaxDecodedSize),
		pipeline.NewEnricher(cache, geo.NewResolver(cache, m), ab, m),
		pipeline.NewRouter(pipeline.InteractionEventIDs...),
		mgr,
		m,
	)

	// ====================================================================
	// HTTP 서버 설정
	// ====================================================================
	//
	// ReadTimeout / WriteTimeout:
	//  - SDK 배치는 짧은 gzip payload
	//  - Timeout 을 짧게 잡아야 비정상 커넥션이 리소스를 점유하지 않는다
	//
	// IdleTimeout:
	//  - ALB → ECS 연결에서 keep-alive 연결 관리 목적
	// ====================================================================
	h := server.NewHandler(cfg, m, p)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(h, reg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       8 * time.Second,
		WriteTimeout:      8 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown (ECS/Fargate scale-in 대응)
	// ====================================================================
	//
	// SIGTERM 수신 시:
	//   1) HTTP 서버 먼저 멈추고 (진행 중 요청은 끝까지 처리)
	//   2) reference refresher 중지
	//   3) sink flush (남은 batch → S3, 실패 시 DLQ)
	//
	// 순서가 바뀌면 이미 200 을 받은 요청의 레코드가 유실될 수 있다.
	// ====================================================================
	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		zlog.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("http shutdown")
		}
		cancel()
	}()

	zlog.Info().Str("addr", cfg.HTTPAddr).Msg("ingest server listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zlog.Fatal().Err(err).Msg("http server terminated")
	}
	<-idleClosed

	stopRefresh()
	<-refreshDone

	zlog.Info().Msg("flushing sink...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		zlog.Error().Err(err).Msg("sink shutdown incomplete")
	}

	zlog.Info().Msg("shutdown complete")
}
