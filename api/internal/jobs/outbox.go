// Package jobs holds the background work run by cmd/worker and cmd/consumer.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/shared/events"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
	"field-service-dispatch-system/shared/mqx"
	"field-service-dispatch-system/shared/observability"
)

const (
	TypeOutboxScan     = "outbox.scan"
	TypeOutboxDispatch = "outbox.dispatch"
	TypeNightlyReport  = "report.nightly"
)

type OutboxStore interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

// OutboxRelay moves committed outbox rows to Kafka. Scan claims due rows and
// fans them out as dispatch tasks; Dispatch publishes one row.
type OutboxRelay struct {
	Store           OutboxStore
	Publisher       mqx.Publisher
	Queue           Enqueuer
	QueueName       string
	Owner           string
	BatchSize       int
	MaxAttempts     int
	StaleAfter      time.Duration
	DeadLetterTopic string
	Logger          logx.Logger
	Now             func() time.Time
}

func (r *OutboxRelay) HandleScan(ctx context.Context, _ *asynq.Task) error {
	_, err := r.Scan(ctx)
	return err
}

// Scan returns the number of rows handed to the queue.
func (r *OutboxRelay) Scan(ctx context.Context) (int, error) {
	if r.StaleAfter > 0 {
		released, err := r.Store.ReleaseStale(ctx, r.StaleAfter)
		if err != nil {
			return 0, err
		}
		if released > 0 {
			r.Logger.Warn(ctx, "outbox_released", "released stale outbox claims", slog.Int64("count", released))
		}
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = 50
	}
	claimed, err := r.Store.ClaimPending(ctx, r.Owner, batch)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, ev := range claimed {
		payload, _ := json.Marshal(dispatchPayload{EventID: ev.EventID.String()})
		opts := []asynq.Option{asynq.MaxRetry(0)}
		if r.QueueName != "" {
			opts = append(opts, asynq.Queue(r.QueueName))
		}
		if _, err := r.Queue.EnqueueContext(ctx, asynq.NewTask(TypeOutboxDispatch, payload), opts...); err != nil {
			r.Logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("event_id", ev.EventID.String()),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			_ = r.fail(ctx, ev, err)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

func (r *OutboxRelay) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	var payload dispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	id, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return err
	}
	return r.Dispatch(ctx, id)
}

// Dispatch publishes one outbox row. A failed publish is rescheduled on the
// row itself, so the task reports success unless the bookkeeping fails.
func (r *OutboxRelay) Dispatch(ctx context.Context, eventID uuid.UUID) error {
	ctx, span := observability.Tracer("outbox").Start(ctx, "outbox.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.event_id", eventID.String()))

	ev, err := r.Store.GetByID(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if ev.Status == repos.OutboxStatusDelivered || ev.Status == repos.OutboxStatusDead {
		return nil
	}

	if err := r.Publisher.Publish(ctx, ev.Topic, []byte(ev.AggregateID.String()), ev.Payload, r.headers(ev)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return r.fail(ctx, ev, err)
	}
	if err := r.Store.MarkDelivered(ctx, ev.EventID); err != nil {
		return err
	}
	metricsx.IncOutbox("delivered")
	return nil
}

func (r *OutboxRelay) headers(ev models.OutboxEvent) map[string]string {
	return map[string]string{
		events.HeaderEventID:       ev.EventID.String(),
		events.HeaderAggregateType: ev.AggregateType,
		events.HeaderAggregateID:   ev.AggregateID.String(),
		"published_at":             r.now().Format(time.RFC3339Nano),
	}
}

func (r *OutboxRelay) fail(ctx context.Context, ev models.OutboxEvent, cause error) error {
	attempts := ev.Attempts + 1
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	dead := attempts >= maxAttempts
	next := r.now().Add(RetryDelay(attempts))
	if err := r.Store.MarkFailed(ctx, ev.EventID, attempts, &next, cause.Error(), dead); err != nil {
		return err
	}
	if !dead {
		metricsx.IncOutbox("retry")
		r.Logger.Warn(ctx, "outbox_retry", "outbox publish failed, rescheduled",
			slog.String("event_id", ev.EventID.String()),
			slog.Int("attempts", attempts),
			slog.Time("next_retry_at", next),
			slog.String("error", cause.Error()),
		)
		return nil
	}

	metricsx.IncOutbox("dead")
	r.Logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
		slog.String("event_id", ev.EventID.String()),
		slog.Int("attempts", attempts),
	)
	topic := r.DeadLetterTopic
	if topic == "" {
		topic = events.TopicDeadLetter
	}
	headers := r.headers(ev)
	headers[events.HeaderOriginalTopic] = ev.Topic
	headers[events.HeaderLastError] = cause.Error()
	if err := r.Publisher.Publish(ctx, topic, []byte(ev.AggregateID.String()), ev.Payload, headers); err != nil {
		r.Logger.Error(ctx, "dead_letter_failed", "dead-letter publish failed",
			slog.String("event_id", ev.EventID.String()),
			slog.String("error_code", "UPSTREAM_FAILURE"),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (r *OutboxRelay) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

// RetryDelay grows quadratically from 5s and caps at 5m.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
