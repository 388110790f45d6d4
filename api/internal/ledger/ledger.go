// Package ledger is the append-only log of worker actions. Events are
// partitioned by topic (one topic per task) and never updated or deleted.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
)

const (
	DefaultQueryLimit = 500
	MaxQueryLimit     = 5000
)

// Store persists events. AppendEvent writes the event and its outbox row
// atomically.
type Store interface {
	AppendEvent(ctx context.Context, ev models.Event) (models.Event, error)
	QueryEvents(ctx context.Context, f models.EventFilter) ([]models.Event, error)
}

type Event struct {
	ID        uuid.UUID `json:"id"`
	Topic     string    `json:"topic"`
	Action    Action    `json:"action"`
	ActorID   string    `json:"actorId"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Query selects events. From and To are both inclusive. After resumes a
// previous page.
type Query struct {
	Topic   string
	Action  string
	ActorID string
	From    *time.Time
	To      *time.Time
	After   *Cursor
	Limit   int
}

// Cursor is the position of the last event of a page in ledger order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// String encodes the cursor as "<RFC3339Nano>_<uuid>".
func (c Cursor) String() string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "_" + c.ID.String()
}

func ParseCursor(raw string) (*Cursor, error) {
	ts, id, ok := strings.Cut(strings.TrimSpace(raw), "_")
	if !ok {
		return nil, errx.Validation("malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, errx.Validation("malformed cursor")
	}
	eventID, err := uuid.Parse(id)
	if err != nil {
		return nil, errx.Validation("malformed cursor")
	}
	return &Cursor{CreatedAt: at, ID: eventID}, nil
}

// Page is one slice of a query result. Next is set when more events match;
// pass it back as Query.After.
type Page struct {
	Events []Event
	Next   *Cursor
}

func TaskTopic(taskID uuid.UUID) string {
	return "TASK_" + taskID.String()
}

// NewEvent encodes p into a storable event for topic.
func NewEvent(topic, actorID string, p Payload, at time.Time) (models.Event, error) {
	if strings.TrimSpace(topic) == "" {
		return models.Event{}, errx.Validation("topic is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return models.Event{}, errx.Validation("actorId is required")
	}
	raw, err := Encode(p)
	if err != nil {
		return models.Event{}, errx.Validation(err.Error())
	}
	return models.Event{
		EventID:   uuid.New(),
		Topic:     topic,
		Action:    string(p.Action()),
		ActorID:   actorID,
		Payload:   raw,
		CreatedAt: at.UTC(),
	}, nil
}

// FromModel decodes a stored event. Unknown actions yield an Unknown payload.
func FromModel(m models.Event) (Event, error) {
	p, err := Decode(m.Action, m.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        m.EventID,
		Topic:     m.Topic,
		Action:    Action(m.Action),
		ActorID:   m.ActorID,
		Payload:   p,
		CreatedAt: m.CreatedAt,
	}, nil
}

type Service struct {
	Store  Store
	Logger logx.Logger
	Now    func() time.Time
}

func NewService(store Store, logger logx.Logger) *Service {
	return &Service{Store: store, Logger: logger, Now: time.Now}
}

// Append records one event and returns its id. It fails only when the store
// does.
func (s *Service) Append(ctx context.Context, topic, actorID string, p Payload) (uuid.UUID, error) {
	ev, err := NewEvent(topic, actorID, p, s.now())
	if err != nil {
		return uuid.Nil, err
	}
	stored, err := s.Store.AppendEvent(ctx, ev)
	if err != nil {
		return uuid.Nil, errx.Internal(err)
	}
	metricsx.IncLedgerAppend(stored.Action)
	s.Logger.Debug(ctx, "ledger_append", "event appended",
		slog.String("event_id", stored.EventID.String()),
		slog.String("topic", stored.Topic),
		slog.String("action", stored.Action),
	)
	return stored.EventID, nil
}

// Query returns one page of matching events ordered by createdAt, then id.
// Payloads that fail to decode are logged and returned as Unknown so one bad
// row never hides the rest.
func (s *Service) Query(ctx context.Context, q Query) (Page, error) {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return Page{}, errx.Validation("to must not be before from")
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultQueryLimit
	case limit > MaxQueryLimit:
		limit = MaxQueryLimit
	}

	f := models.EventFilter{
		Topic:   strings.TrimSpace(q.Topic),
		Action:  strings.TrimSpace(q.Action),
		ActorID: strings.TrimSpace(q.ActorID),
		From:    q.From,
		To:      q.To,
		Limit:   limit + 1,
	}
	if q.After != nil {
		f.After = &models.EventCursor{CreatedAt: q.After.CreatedAt, EventID: q.After.ID}
	}
	rows, err := s.Store.QueryEvents(ctx, f)
	if err != nil {
		return Page{}, errx.Internal(err)
	}

	var page Page
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[limit-1]
		page.Next = &Cursor{CreatedAt: last.CreatedAt, ID: last.EventID}
	}
	page.Events = make([]Event, 0, len(rows))
	for _, row := range rows {
		ev, err := FromModel(row)
		if err != nil {
			s.Logger.Warn(ctx, "ledger_decode_failed", "event payload could not be decoded",
				slog.String("event_id", row.EventID.String()),
				slog.String("action", row.Action),
				slog.String("error", err.Error()),
			)
			ev = Event{
				ID:        row.EventID,
				Topic:     row.Topic,
				Action:    Action(row.Action),
				ActorID:   row.ActorID,
				Payload:   Unknown{Name: row.Action, Raw: json.RawMessage(row.Payload)},
				CreatedAt: row.CreatedAt,
			}
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

// QueryAll follows the cursor until the result is exhausted. Callers that
// need a whole history, such as the live attachment set, use it.
func (s *Service) QueryAll(ctx context.Context, q Query) ([]Event, error) {
	q.Limit = MaxQueryLimit
	var out []Event
	for {
		page, err := s.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if page.Next == nil {
			return out, nil
		}
		q.After = page.Next
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
