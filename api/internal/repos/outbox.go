package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-dispatch-system/api/internal/models"
)

// Outbox row lifecycle: pending -> sending -> delivered, or back to pending
// with a retry time, or dead once attempts are exhausted.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

// Column order matches models.OutboxEvent field order for RowToStructByPos.
const outboxColumns = `event_id, aggregate_type, aggregate_id, topic, payload, status, attempts, next_retry_at,
	locked_at, locked_by, last_error, created_at, updated_at, published_at`

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

type outboxEntry struct {
	eventID       uuid.UUID
	aggregateType string
	aggregateID   uuid.UUID
	topic         string
	envelope      []byte
	createdAt     time.Time
}

// enqueueOutbox runs inside the event append transaction so the envelope is
// queued exactly when the event commits.
func enqueueOutbox(ctx context.Context, db DBTX, e outboxEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, topic, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, e.eventID, e.aggregateType, e.aggregateID, e.topic, e.envelope, e.createdAt)
	return err
}

func collectOutbox(rows pgx.Rows) ([]models.OutboxEvent, error) {
	return pgx.CollectRows(rows, pgx.RowToStructByPos[models.OutboxEvent])
}

// ClaimPending moves up to limit due rows to sending, oldest first, and
// returns them. SKIP LOCKED keeps concurrent scanners off each other's rows.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox_events
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = $1`, eventID)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	ev, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[models.OutboxEvent])
	return ev, notFound(err)
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, OutboxStatusDelivered)
	return err
}

// MarkFailed records a failed attempt. A dead row keeps no retry time.
func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status, nextRetryAt = OutboxStatusDead, nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5,
			locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStale returns rows stuck in sending for longer than olderThan to
// pending. A worker that died mid-dispatch leaves such rows behind.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - make_interval(secs => $3)
	`, OutboxStatusPending, OutboxStatusSending, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountByStatus feeds the outbox backlog gauge.
func (r *OutboxRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*)::int FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	var (
		status string
		n      int
	)
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		out[status] = n
		return nil
	})
	return out, err
}
