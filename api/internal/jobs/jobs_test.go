package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/api/internal/report"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/shared/events"
	"field-service-dispatch-system/shared/logx"
)

type failure struct {
	attempts int
	dead     bool
	next     time.Time
}

type memOutbox struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]models.OutboxEvent
	delivered []uuid.UUID
	failures  map[uuid.UUID]failure
	released  int64
}

func newMemOutbox(rows ...models.OutboxEvent) *memOutbox {
	m := &memOutbox{rows: map[uuid.UUID]models.OutboxEvent{}, failures: map[uuid.UUID]failure{}}
	for _, r := range rows {
		m.rows[r.EventID] = r
	}
	return m
}

func (m *memOutbox) ClaimPending(_ context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OutboxEvent
	for id, r := range m.rows {
		if r.Status != repos.OutboxStatusPending || len(out) == limit {
			continue
		}
		r.Status = repos.OutboxStatusSending
		r.LockedBy = &owner
		m.rows[id] = r
		out = append(out, r)
	}
	return out, nil
}

func (m *memOutbox) GetByID(_ context.Context, id uuid.UUID) (models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return models.OutboxEvent{}, repos.ErrNotFound
	}
	return r, nil
}

func (m *memOutbox) MarkDelivered(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.Status = repos.OutboxStatusDelivered
	m.rows[id] = r
	m.delivered = append(m.delivered, id)
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id uuid.UUID, attempts int, next *time.Time, _ string, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.Attempts = attempts
	r.Status = repos.OutboxStatusPending
	if dead {
		r.Status = repos.OutboxStatusDead
	}
	m.rows[id] = r
	m.failures[id] = failure{attempts: attempts, dead: dead, next: *next}
	return nil
}

func (m *memOutbox) ReleaseStale(context.Context, time.Duration) (int64, error) {
	return m.released, nil
}

type published struct {
	topic   string
	key     string
	headers map[string]string
}

type stubPublisher struct {
	failTopics map[string]bool
	sent       []published
}

func (p *stubPublisher) Publish(_ context.Context, topic string, key, _ []byte, headers map[string]string) error {
	if p.failTopics[topic] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{topic: topic, key: string(key), headers: headers})
	return nil
}

type stubQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *stubQueue) EnqueueContext(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, t)
	return &asynq.TaskInfo{ID: uuid.NewString()}, nil
}

var fixedNow = time.Date(2025, 11, 2, 17, 30, 0, 0, time.UTC)

func outboxRow(attempts int) models.OutboxEvent {
	return models.OutboxEvent{
		EventID:       uuid.New(),
		AggregateType: events.AggregateTask,
		AggregateID:   uuid.New(),
		Topic:         events.TopicTaskEvents,
		Payload:       []byte(`{"action":"CHECKED_IN"}`),
		Status:        repos.OutboxStatusPending,
		Attempts:      attempts,
	}
}

func newRelay(store *memOutbox, pub *stubPublisher, q *stubQueue) *OutboxRelay {
	return &OutboxRelay{
		Store:       store,
		Publisher:   pub,
		Queue:       q,
		Owner:       "worker-1",
		MaxAttempts: 3,
		Logger:      logx.Discard(),
		Now:         func() time.Time { return fixedNow },
	}
}

func TestScanEnqueuesClaimedRows(t *testing.T) {
	store := newMemOutbox(outboxRow(0), outboxRow(0))
	q := &stubQueue{}
	n, err := newRelay(store, &stubPublisher{}, q).Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, q.tasks, 2)
	assert.Equal(t, TypeOutboxDispatch, q.tasks[0].Type())

	var p dispatchPayload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &p))
	_, err = uuid.Parse(p.EventID)
	assert.NoError(t, err)
}

func TestScanEnqueueFailureReschedules(t *testing.T) {
	row := outboxRow(0)
	store := newMemOutbox(row)
	n, err := newRelay(store, &stubPublisher{}, &stubQueue{err: errors.New("redis down")}).Scan(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.failures[row.EventID].attempts)
	assert.Equal(t, repos.OutboxStatusPending, store.rows[row.EventID].Status)
}

func TestDispatchPublishesAndMarksDelivered(t *testing.T) {
	row := outboxRow(0)
	store := newMemOutbox(row)
	pub := &stubPublisher{}
	relay := newRelay(store, pub, &stubQueue{})

	payload, _ := json.Marshal(dispatchPayload{EventID: row.EventID.String()})
	require.NoError(t, relay.HandleDispatch(t.Context(), asynq.NewTask(TypeOutboxDispatch, payload)))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, events.TopicTaskEvents, pub.sent[0].topic)
	assert.Equal(t, row.AggregateID.String(), pub.sent[0].key)
	assert.Equal(t, row.EventID.String(), pub.sent[0].headers["event_id"])
	assert.Equal(t, []uuid.UUID{row.EventID}, store.delivered)

	// Redelivery of the same task is a no-op.
	require.NoError(t, relay.Dispatch(t.Context(), row.EventID))
	assert.Len(t, pub.sent, 1)
}

func TestDispatchFailureBacksOff(t *testing.T) {
	row := outboxRow(0)
	store := newMemOutbox(row)
	pub := &stubPublisher{failTopics: map[string]bool{events.TopicTaskEvents: true}}

	require.NoError(t, newRelay(store, pub, &stubQueue{}).Dispatch(t.Context(), row.EventID))
	f := store.failures[row.EventID]
	assert.Equal(t, 1, f.attempts)
	assert.False(t, f.dead)
	assert.Equal(t, fixedNow.Add(5*time.Second), f.next)
	assert.Empty(t, pub.sent)
}

func TestDispatchDeadLetters(t *testing.T) {
	row := outboxRow(2)
	store := newMemOutbox(row)
	pub := &stubPublisher{failTopics: map[string]bool{events.TopicTaskEvents: true}}

	require.NoError(t, newRelay(store, pub, &stubQueue{}).Dispatch(t.Context(), row.EventID))
	assert.True(t, store.failures[row.EventID].dead)
	assert.Equal(t, repos.OutboxStatusDead, store.rows[row.EventID].Status)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, events.TopicDeadLetter, pub.sent[0].topic)
	assert.Equal(t, events.TopicTaskEvents, pub.sent[0].headers["original_topic"])
	assert.Equal(t, "broker unavailable", pub.sent[0].headers["last_error"])
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryDelay(0))
	assert.Equal(t, 5*time.Second, RetryDelay(1))
	assert.Equal(t, 20*time.Second, RetryDelay(2))
	assert.Equal(t, 5*time.Minute, RetryDelay(100))
}

type stubReports struct {
	reqs []report.Request
	sum  report.Summary
	err  error
}

func (s *stubReports) GetSummary(_ context.Context, req report.Request) (report.Summary, error) {
	s.reqs = append(s.reqs, req)
	return s.sum, s.err
}

type stubPoints struct {
	points []*write.Point
	err    error
}

func (s *stubPoints) WritePoints(_ context.Context, points ...*write.Point) error {
	if s.err != nil {
		return s.err
	}
	s.points = append(s.points, points...)
	return nil
}

func sampleSummary() report.Summary {
	from := time.Date(2025, 11, 1, 0, 0, 0, 0, time.FixedZone("ICT", 7*3600))
	return report.Summary{
		Period: report.Period{StartDate: "2025-11-01", EndDate: "2025-11-01", Timezone: "Asia/Ho_Chi_Minh", From: from},
		Employees: []report.Employee{
			{WorkerID: "w1", DaysWorked: 1, TasksCompleted: 2, TotalRevenue: decimal.RequireFromString("1500000"), Rank: 1},
			{WorkerID: "w2", Rank: 2, TotalRevenue: decimal.Zero},
		},
		Summary: report.Totals{TotalEmployees: 2, ActiveEmployees: 1, TotalRevenue: decimal.RequireFromString("1500000"), TotalTasks: 2},
	}
}

func TestNightlyReportsPreviousLocalDay(t *testing.T) {
	reports := &stubReports{sum: sampleSummary()}
	points := &stubPoints{}
	n := &NightlyReport{
		Reports:  reports,
		Points:   points,
		Timezone: "Asia/Ho_Chi_Minh",
		Logger:   logx.Discard(),
		// 17:30 UTC is 00:30 on Nov 3 in Ho Chi Minh City.
		Now: func() time.Time { return fixedNow },
	}
	require.NoError(t, n.Handle(t.Context(), asynq.NewTask(TypeNightlyReport, nil)))

	require.Len(t, reports.reqs, 1)
	assert.Equal(t, "2025-11-02", reports.reqs[0].StartDate)
	assert.Equal(t, "2025-11-02", reports.reqs[0].EndDate)
	assert.Equal(t, "Asia/Ho_Chi_Minh", reports.reqs[0].Timezone)
	assert.Len(t, points.points, 3)
}

func TestNightlyHonoursPinnedDate(t *testing.T) {
	reports := &stubReports{sum: sampleSummary()}
	n := &NightlyReport{Reports: reports, Points: &stubPoints{}, Logger: logx.Discard()}
	payload, _ := json.Marshal(NightlyPayload{Date: "2025-10-31"})
	require.NoError(t, n.Handle(t.Context(), asynq.NewTask(TypeNightlyReport, payload)))
	assert.Equal(t, "2025-10-31", reports.reqs[0].StartDate)
}

func TestNightlySkipsWhenLockHeld(t *testing.T) {
	reports := &stubReports{sum: sampleSummary()}
	var key string
	n := &NightlyReport{
		Reports: reports,
		Points:  &stubPoints{},
		Logger:  logx.Discard(),
		Lock: func(_ context.Context, k string, _ time.Duration, _ func(context.Context) error) (bool, error) {
			key = k
			return false, nil
		},
	}
	require.NoError(t, n.Run(t.Context(), "2025-11-01"))
	assert.Equal(t, "lock:report:nightly:2025-11-01", key)
	assert.Empty(t, reports.reqs)
}

func TestNightlyPropagatesWriteFailure(t *testing.T) {
	n := &NightlyReport{
		Reports: &stubReports{sum: sampleSummary()},
		Points:  &stubPoints{err: errors.New("influx down")},
		Logger:  logx.Discard(),
	}
	assert.Error(t, n.Run(t.Context(), "2025-11-01"))
}

func TestPoints(t *testing.T) {
	sum := sampleSummary()
	pts := Points(sum)
	require.Len(t, pts, 3)

	first := pts[0]
	assert.Equal(t, MeasurementWorker, first.Name())
	assert.True(t, first.Time().Equal(sum.Period.From))
	tags := map[string]string{}
	for _, tag := range first.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "w1", tags["worker_id"])
	fields := map[string]any{}
	for _, f := range first.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 1500000.0, fields["total_revenue"])
	assert.EqualValues(t, 2, fields["tasks_completed"])

	assert.Equal(t, MeasurementTeam, pts[2].Name())
}
