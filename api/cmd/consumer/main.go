package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"field-service-dispatch-system/api/internal/jobs"
	"field-service-dispatch-system/shared/config"
	"field-service-dispatch-system/shared/events"
	"field-service-dispatch-system/shared/influxx"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
	"field-service-dispatch-system/shared/mqx"
	"field-service-dispatch-system/shared/observability"
)

func main() {
	cfg, problems := config.Load("task-activity-consumer", 8082)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	points, err := influxx.New(cfg)
	if err != nil {
		problems = append(problems, config.Problem{Field: "INFLUX_URL", Message: err.Error()})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}
	defer points.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := points.Ping(pingCtx); err != nil {
		logger.Warn(pingCtx, "influx_unreachable", "influx ping failed at startup", slog.String("error", err.Error()))
	}
	pingCancel()

	metricsx.Register()
	shutdownTracer, err := observability.Start(context.Background(), cfg)
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled", slog.String("error", err.Error()))
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	reader, err := mqx.NewConsumer(cfg, events.TopicTaskEvents, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	projector := &jobs.ActivityProjector{Points: points}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "task activity consumer started",
		slog.String("topic", events.TopicTaskEvents),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := mqx.StartConsume(ctx, msg)
		err = project(spanCtx, projector, msg.Value)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		switch {
		case errors.Is(err, jobs.ErrMalformedEnvelope):
			logger.Warn(ctx, "event_skipped", "skipping malformed task event",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		case errors.Is(err, context.Canceled):
			continue
		case err != nil:
			// Best effort: the offset moves on.
			logger.Error(ctx, "event_handle_failed", "failed to project task event",
				slog.Int64("offset", msg.Offset),
				slog.String("error_code", "UPSTREAM_FAILURE"),
				slog.String("error", err.Error()),
			)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "task activity consumer stopped")
}

// project retries transient write failures a few times with a growing pause.
func project(ctx context.Context, p *jobs.ActivityProjector, value []byte) error {
	var err error
	for attempt := 1; attempt <= 4; attempt++ {
		err = p.Handle(ctx, value)
		if err == nil || errors.Is(err, jobs.ErrMalformedEnvelope) {
			return err
		}
		metricsx.IncInfluxWriteFailure()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 250 * time.Millisecond):
		}
	}
	return err
}
