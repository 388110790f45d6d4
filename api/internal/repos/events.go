package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/shared/events"
)

// EventsRepo is the ledger's storage. It only ever inserts into events.
type EventsRepo struct {
	pool *pgxpool.Pool
}

func NewEventsRepo(pool *pgxpool.Pool) *EventsRepo {
	return &EventsRepo{pool: pool}
}

// AppendEvent inserts the event and its outbox row in one transaction.
func (r *EventsRepo) AppendEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Event{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ev, err = appendEvent(ctx, tx, ev)
	if err != nil {
		return models.Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Event{}, err
	}
	return ev, nil
}

func (r *EventsRepo) QueryEvents(ctx context.Context, f models.EventFilter) ([]models.Event, error) {
	where, args := eventWhere(f)
	// LIMIT NULL is unbounded.
	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit)
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, topic, action, actor_id, payload, created_at
		FROM events
		`+where+`
		ORDER BY created_at ASC, event_id ASC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Event, 0)
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.EventID, &ev.Topic, &ev.Action, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func eventWhere(f models.EventFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Topic != "" {
		add("topic = $%d", f.Topic)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.EventID)
		conds = append(conds, fmt.Sprintf("(created_at, event_id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// appendEvent writes the event row and queues it for publishing. It must run
// inside the caller's transaction.
func appendEvent(ctx context.Context, db DBTX, ev models.Event) (models.Event, error) {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := db.QueryRow(ctx, `
		INSERT INTO events (event_id, topic, action, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING event_id, topic, action, actor_id, payload, created_at
	`, ev.EventID, ev.Topic, ev.Action, ev.ActorID, ev.Payload, ev.CreatedAt).
		Scan(&ev.EventID, &ev.Topic, &ev.Action, &ev.ActorID, &ev.Payload, &ev.CreatedAt)
	if err != nil {
		return models.Event{}, err
	}

	aggregateID := taskIDFromTopic(ev.Topic)
	envelope, err := json.Marshal(events.Envelope{
		EventID:       ev.EventID,
		OccurredAt:    ev.CreatedAt,
		AggregateType: events.AggregateTask,
		AggregateID:   aggregateID,
		Topic:         ev.Topic,
		Action:        ev.Action,
		ActorID:       ev.ActorID,
		Payload:       ev.Payload,
	})
	if err != nil {
		return models.Event{}, err
	}
	if err := enqueueOutbox(ctx, db, outboxEntry{
		eventID:       ev.EventID,
		aggregateType: events.AggregateTask,
		aggregateID:   aggregateID,
		topic:         events.TopicTaskEvents,
		envelope:      envelope,
		createdAt:     ev.CreatedAt,
	}); err != nil {
		return models.Event{}, err
	}
	return ev, nil
}

func taskIDFromTopic(topic string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimPrefix(topic, "TASK_"))
	if err != nil {
		return uuid.Nil
	}
	return id
}
