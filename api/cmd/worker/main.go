package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"field-service-dispatch-system/api/internal/identity"
	"field-service-dispatch-system/api/internal/jobs"
	"field-service-dispatch-system/api/internal/report"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/api/internal/revenue"
	"field-service-dispatch-system/shared/cachex"
	"field-service-dispatch-system/shared/config"
	"field-service-dispatch-system/shared/dbx"
	"field-service-dispatch-system/shared/events"
	"field-service-dispatch-system/shared/influxx"
	"field-service-dispatch-system/shared/lockx"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
	"field-service-dispatch-system/shared/mqx"
	"field-service-dispatch-system/shared/observability"
)

func main() {
	cfg, problems := config.Load("dispatch-worker", 8083)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)
	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(ctx, "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	metricsx.Register()
	shutdownTracer, err := observability.Start(ctx, cfg)
	if err != nil {
		logger.Warn(ctx, "otel_init_failed", "tracing disabled", slog.String("error", err.Error()))
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	dbPool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(ctx, "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	queue := asynq.NewClient(redisOpt)
	defer queue.Close()

	outbox := repos.NewOutboxRepo(dbPool)
	relay := &jobs.OutboxRelay{
		Store:           outbox,
		Publisher:       producer,
		Queue:           queue,
		QueueName:       cfg.AsynqQueue,
		Owner:           cfg.ServiceName + "-" + hostname(),
		BatchSize:       cfg.OutboxBatchSize,
		MaxAttempts:     cfg.OutboxMaxAttempts,
		StaleAfter:      5 * time.Minute,
		DeadLetterTopic: events.TopicDeadLetter,
		Logger:          logger,
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TypeOutboxScan, relay.HandleScan)
	mux.HandleFunc(jobs.TypeOutboxDispatch, relay.HandleDispatch)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", asynq.NewTask(jobs.TypeOutboxScan, nil), asynq.Queue(cfg.AsynqQueue)); err != nil {
		logger.Error(ctx, "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	nightly, closeNightly := newNightlyReport(ctx, cfg, dbPool, logger)
	defer closeNightly()
	if nightly != nil {
		mux.HandleFunc(jobs.TypeNightlyReport, nightly.Handle)
		loc, err := time.LoadLocation(cfg.ReportTimezone)
		if err != nil {
			loc = time.UTC
		}
		spec := "CRON_TZ=" + loc.String() + " " + cfg.ReportNightlyCron
		if _, err := scheduler.Register(spec, asynq.NewTask(jobs.TypeNightlyReport, nil), asynq.Queue(cfg.AsynqQueue), asynq.MaxRetry(3)); err != nil {
			logger.Error(ctx, "scheduler_init_failed", "nightly report schedule rejected",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("cron", spec),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	if err := scheduler.Start(); err != nil {
		logger.Error(ctx, "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if info, err := inspector.GetQueueInfo(cfg.AsynqQueue); err == nil {
				metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
			}
			counts, err := outbox.CountByStatus(ctx)
			if err != nil {
				continue
			}
			for _, status := range []string{repos.OutboxStatusPending, repos.OutboxStatusSending, repos.OutboxStatusDead} {
				metricsx.SetOutboxBacklog(status, counts[status])
			}
		}
	}()

	metricsSrv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           metricsx.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(ctx, "metrics_server_failed", "metrics server failed", slog.String("error", err.Error()))
		}
	}()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{cfg.AsynqQueue: 1},
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker_start", "dispatch worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Bool("nightly_report", nightly != nil),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(ctx, "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	server.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info(ctx, "worker_stop", "dispatch worker stopped")
}

// newNightlyReport returns nil when InfluxDB is not configured. Workers come
// from the workers table; the cache Redis also carries the per-day lock.
func newNightlyReport(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger logx.Logger) (*jobs.NightlyReport, func()) {
	points, err := influxx.New(cfg)
	if err != nil {
		logger.Warn(ctx, "nightly_report_disabled", "influx not configured", slog.String("error", err.Error()))
		return nil, func() {}
	}

	var directory identity.Directory = repos.NewWorkersRepo(pool)
	var lockClient *redis.Client
	if cfg.RedisAddr != "" {
		if cache, err := cachex.New(cfg); err == nil {
			lockClient = cache.Client()
			directory = &identity.Cached{
				Source: directory,
				Cache:  cache,
				TTL:    time.Duration(cfg.WorkerCacheTTLSec) * time.Second,
				Logger: logger,
			}
		} else {
			logger.Warn(ctx, "cache_init_failed", "nightly report runs without a lock", slog.String("error", err.Error()))
		}
	}

	n := &jobs.NightlyReport{
		Reports: &report.Engine{
			Workers:         directory,
			Store:           repos.NewReportsRepo(pool),
			Splitter:        revenue.Splitter{Scale: cfg.RevenueScale},
			DefaultTimezone: cfg.ReportTimezone,
			MaxRangeDays:    cfg.ReportMaxRangeDays,
			Logger:          logger,
		},
		Points:   points,
		Timezone: cfg.ReportTimezone,
		Logger:   logger,
	}
	if lockClient != nil {
		if locker, err := lockx.New(lockClient); err == nil {
			n.Lock = locker.Run
		}
	}
	return n, func() {
		points.Close()
		if lockClient != nil {
			_ = lockClient.Close()
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}
