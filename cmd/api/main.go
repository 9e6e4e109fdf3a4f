// AppView service: firehose ingestion, commit processing, and the read APIs
// in one process. Components that are disabled by configuration (firehose,
// PDS fetch, tracing) are simply not wired.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/cache"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/config"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/firehose"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/handler"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/ingest"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/lexicon"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/metrics"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/pds"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/queue"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/scheduler"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/service"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/telemetry"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/thread"
)

// redisPinger adapts the Redis client to the readiness Pinger.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- Configuration (env + optional Vault secrets) ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}

	// --- OpenTelemetry Tracer ---
	if cfg.OTELEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "appview", cfg.OTELEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Index Store (Postgres, OTel-instrumented pool) ---
	if err := index.Migrate(cfg.DatabaseURL, logger); err != nil {
		logger.Fatal("index store migration failed", zap.Error(err))
	}
	pool, err := index.NewPool(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		logger.Fatal("index store connection failed", zap.Error(err))
	}
	defer pool.Close()
	store := index.NewStore(pool, logger)
	logger.Info("connected to index store")

	// --- Queue Store (Redis) ---
	rdb, err := queue.NewClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("queue store connection failed", zap.Error(err))
	}
	defer rdb.Close()
	if err := queue.CheckWritable(ctx, rdb, logger); err != nil {
		logger.Fatal("queue store not writable", zap.Error(err))
	}

	stream := queue.NewStream(rdb, queue.Options{
		Key:              cfg.StreamKey,
		Group:            cfg.ConsumerGroup,
		MaxLen:           cfg.MaxStreamLen,
		DeadLetterMaxLen: cfg.DeadLetterMaxLen,
	}, logger)
	if err := stream.EnsureGroup(ctx); err != nil {
		logger.Fatal("consumer group creation failed", zap.Error(err))
	}

	counters := queue.NewClusterCounters(rdb, logger)
	cursors := index.NewCursorStore(store, cfg.CursorFlushInterval, logger)
	readCache := cache.New(rdb, logger)

	// --- Metrics (Prometheus mirror over the cluster counters) ---
	m := metrics.New(counters, logger)

	// --- Commit Processor ---
	registry := lexicon.NewRegistry()

	var fetcher ingest.Fetcher
	if cfg.PDSFetchEnabled {
		resolver := pds.NewResolver(&http.Client{Timeout: 10 * time.Second}, "", logger)
		fetcher = pds.NewFetcher(resolver, logger)
	}

	cutoff, _ := cfg.BackfillCutoff(time.Now())
	processor := ingest.NewProcessor(ingest.Options{
		Pipelines:        cfg.ParallelPipelines,
		MaxConcurrentOps: cfg.MaxConcurrentOps,
		BatchSize:        cfg.QueueBatchSize,
		BlockDuration:    cfg.QueueBlockDuration,
		MaxDeliveries:    cfg.MaxDeliveries,
		BackfillCutoff:   cutoff,
		Buffer: ingest.BufferConfig{
			MaxTotal:     cfg.PendingMaxTotal,
			MaxPerParent: cfg.PendingMaxPerParent,
			TTL:          cfg.PendingTTL,
		},
	}, stream, store, registry, fetcher, readCache, m, logger)
	processor.Start(ctx)

	// --- Firehose Consumer ---
	var consumer *firehose.Consumer
	if cfg.FirehoseEnabled {
		fanOut := func(ctx context.Context, e queue.Event) {
			if err := queue.PublishEvent(ctx, rdb, e); err != nil {
				logger.Debug("event fan-out failed", zap.Error(err))
			}
		}
		consumer, err = firehose.NewConsumer(firehose.Config{
			RelayURL: cfg.RelayURL,
			Compress: true,
		}, stream, cursors, fanOut, m, logger)
		if err != nil {
			logger.Fatal("firehose consumer init failed", zap.Error(err))
		}
		consumer.Start(ctx)
	} else {
		logger.Info("firehose ingestion disabled")
	}

	// The consumer is handed around as interfaces; keep them untyped-nil when
	// ingestion is disabled so the nil checks downstream work.
	var firehoseStatus metrics.FirehoseStatus
	var firehoseInfo service.FirehoseInfo
	if consumer != nil {
		firehoseStatus = consumer
		firehoseInfo = consumer
	}

	bufferSizes := func() (int, int) {
		interactions, listItems := processor.PendingStats()
		return interactions.Size, listItems.Size
	}
	m.StartGaugeLoop(ctx, stream, bufferSizes, firehoseStatus)

	health := metrics.NewHealth(metrics.HealthConfig{
		MemoryLimitMB:     cfg.MemoryLimitMB,
		MemoryMaxFraction: cfg.MemoryMaxFraction,
	}, redisPinger{rdb}, store, firehoseStatus)

	// --- Read Path Services ---
	assembler := thread.NewAssembler(store, m, logger)
	threadSvc := service.NewThreadService(assembler, store, readCache, logger)
	searchSvc := service.NewSearchService(store)
	actorSvc := service.NewActorService(store)
	statsSvc := service.NewStatsService(store, stream, counters, registry,
		processor.PendingStats, firehoseInfo, readCache, logger)

	// --- Maintenance Scheduler ---
	sched := scheduler.New(store, counters, cfg.NotifRetentionDays, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// --- Control Channel (CLI commands via pub/sub) ---
	go queue.SubscribeControl(ctx, rdb, logger, func(command string) {
		switch command {
		case queue.ControlReconnect:
			if consumer != nil {
				consumer.Reconnect()
			}
		case queue.ControlRetryPending:
			processor.RetryPendingNow(ctx)
		default:
			logger.Warn("unknown control command", zap.String("command", command))
		}
	})

	// --- HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("appview"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	h := handler.New(threadSvc, searchSvc, actorSvc, statsSvc, health, m.Registry(), logger)
	h.Register(e)

	go func() {
		logger.Info("appview HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	logger.Info("appview started",
		zap.String("http", cfg.HTTPAddr),
		zap.Bool("firehose", cfg.FirehoseEnabled),
		zap.Int("pipelines", cfg.ParallelPipelines),
	)

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop producing before stopping consuming, then drain HTTP last.
	if consumer != nil {
		consumer.Stop(shutdownCtx)
	}
	processor.Stop()
	sched.Stop()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}

	cancel()
	counters.Stop()
	if err := cursors.Flush(shutdownCtx); err != nil {
		logger.Error("cursor flush failed", zap.Error(err))
	}

	logger.Info("appview shut down cleanly")
}
