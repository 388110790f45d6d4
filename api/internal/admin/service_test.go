package admin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/logx"
)

type stubTasks struct {
	tasks  map[uuid.UUID]models.Task
	events *[]models.Event
}

func (s stubTasks) GetTask(_ context.Context, id uuid.UUID) (models.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, repos.ErrNotFound
	}
	return t, nil
}

func (s stubTasks) UpdateExpectedRevenue(_ context.Context, id uuid.UUID, revenue decimal.NullDecimal, build func(decimal.NullDecimal) (models.Event, error)) (decimal.NullDecimal, error) {
	t, ok := s.tasks[id]
	if !ok {
		return decimal.NullDecimal{}, repos.ErrNotFound
	}
	ev, err := build(t.ExpectedRevenue)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	old := t.ExpectedRevenue
	t.ExpectedRevenue = revenue
	s.tasks[id] = t
	*s.events = append(*s.events, ev)
	return old, nil
}

type stubPayments struct {
	byTask map[uuid.UUID]models.Payment
	events *[]models.Event
}

func (s stubPayments) Update(_ context.Context, taskID uuid.UUID, edit repos.PaymentEdit) (models.Payment, error) {
	cur, ok := s.byTask[taskID]
	if !ok {
		return models.Payment{}, repos.ErrNotFound
	}
	next, ev, err := edit(cur)
	if err != nil {
		return models.Payment{}, err
	}
	s.byTask[taskID] = next
	*s.events = append(*s.events, ev)
	return next, nil
}

type stubStorage struct {
	deleted []string
	err     error
}

func (s *stubStorage) Delete(_ context.Context, ref string) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, ref)
	return nil
}

type memLedger struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *memLedger) AppendEvent(_ context.Context, ev models.Event) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memLedger) QueryEvents(_ context.Context, f models.EventFilter) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.events {
		if f.Topic != "" && ev.Topic != f.Topic {
			continue
		}
		if f.After != nil && !ev.CreatedAt.After(f.After.CreatedAt) {
			continue
		}
		out = append(out, ev)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type fixture struct {
	svc      *Service
	taskID   uuid.UUID
	events   []models.Event
	ledger   *memLedger
	storage  *stubStorage
	payments stubPayments
}

var (
	boss   = models.Actor{ID: "boss", Admin: true}
	worker = models.Actor{ID: "w1"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{taskID: uuid.New(), ledger: &memLedger{}, storage: &stubStorage{}}
	invoice := "inv-1"
	f.payments = stubPayments{
		byTask: map[uuid.UUID]models.Payment{f.taskID: {
			PaymentID: uuid.New(), TaskID: f.taskID, Amount: decimal.RequireFromString("500000"),
			CollectedBy: "w1", InvoiceAttachmentRef: &invoice,
		}},
		events: &f.events,
	}
	tasks := stubTasks{
		tasks:  map[uuid.UUID]models.Task{f.taskID: {TaskID: f.taskID, Status: "COMPLETED", AssigneeIDs: []string{"w1"}}},
		events: &f.events,
	}
	f.svc = &Service{
		Tasks:    tasks,
		Payments: f.payments,
		Storage:  f.storage,
		Ledger:   ledger.NewService(f.ledger, logx.Discard()),
		Logger:   logx.Discard(),
		Now:      func() time.Time { return time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC) },
	}
	return f
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestEditPaymentRecordsDiff(t *testing.T) {
	f := newFixture(t)
	by := "w2"
	got, err := f.svc.EditPayment(t.Context(), boss, f.taskID, PaymentPatch{Amount: dec("550000"), CollectedBy: &by}, "customer paid the surcharge")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("550000")))
	assert.Equal(t, "w2", got.CollectedBy)

	require.Len(t, f.events, 1)
	p, err := ledger.Decode(f.events[0].Action, f.events[0].Payload)
	require.NoError(t, err)
	upd := p.(ledger.PaymentUpdated)
	assert.Equal(t, "customer paid the surcharge", upd.Reason)
	require.Len(t, upd.Changes, 2)
	assert.Equal(t, "500000", *upd.Changes["amount"].Old)
	assert.Equal(t, "550000", *upd.Changes["amount"].New)
	assert.Equal(t, "w1", *upd.Changes["collectedBy"].Old)
}

func TestEditPaymentClearsInvoice(t *testing.T) {
	f := newFixture(t)
	empty := ""
	got, err := f.svc.EditPayment(t.Context(), boss, f.taskID, PaymentPatch{InvoiceAttachmentRef: &empty}, "invoice was for another job")
	require.NoError(t, err)
	assert.Nil(t, got.InvoiceAttachmentRef)

	p, err := ledger.Decode(f.events[0].Action, f.events[0].Payload)
	require.NoError(t, err)
	change := p.(ledger.PaymentUpdated).Changes["invoiceAttachmentRef"]
	assert.Equal(t, "inv-1", *change.Old)
	assert.Nil(t, change.New)
}

func TestEditPaymentRejections(t *testing.T) {
	tests := []struct {
		name   string
		actor  models.Actor
		taskID func(f *fixture) uuid.UUID
		patch  PaymentPatch
		reason string
		want   errx.Kind
	}{
		{"not admin", worker, nil, PaymentPatch{Amount: dec("1")}, "long enough reason", errx.KindForbidden},
		{"short reason", boss, nil, PaymentPatch{Amount: dec("1")}, "typo", errx.KindValidation},
		{"zero amount", boss, nil, PaymentPatch{Amount: dec("0")}, "long enough reason", errx.KindValidation},
		{"no changes", boss, nil, PaymentPatch{Amount: dec("500000.00")}, "long enough reason", errx.KindValidation},
		{"no payment", boss, func(*fixture) uuid.UUID { return uuid.New() }, PaymentPatch{Amount: dec("1")}, "long enough reason", errx.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.taskID
			if tt.taskID != nil {
				id = tt.taskID(f)
			}
			_, err := f.svc.EditPayment(t.Context(), tt.actor, id, tt.patch, tt.reason)
			assert.Equal(t, tt.want, errx.KindOf(err))
			assert.Empty(t, f.events)
		})
	}
}

func TestUpdateExpectedRevenue(t *testing.T) {
	f := newFixture(t)
	old, err := f.svc.UpdateExpectedRevenue(t.Context(), boss, f.taskID, decimal.NewNullDecimal(decimal.RequireFromString("2000000")), "quote revised upward")
	require.NoError(t, err)
	assert.False(t, old.Valid)
	require.Len(t, f.events, 1)
	assert.Equal(t, string(ledger.ActionExpectedRevenueUpdated), f.events[0].Action)

	_, err = f.svc.UpdateExpectedRevenue(t.Context(), boss, f.taskID, decimal.NewNullDecimal(decimal.RequireFromString("2000000.0")), "same value again")
	assert.Equal(t, errx.KindValidation, errx.KindOf(err))

	_, err = f.svc.UpdateExpectedRevenue(t.Context(), boss, f.taskID, decimal.NewNullDecimal(decimal.RequireFromString("-1")), "negative is not allowed")
	assert.Equal(t, errx.KindValidation, errx.KindOf(err))
}

func seedHistory(t *testing.T, f *fixture) {
	t.Helper()
	topic := ledger.TaskTopic(f.taskID)
	_, err := f.svc.Ledger.Append(t.Context(), topic, "w1", ledger.CheckedIn{Visit: ledger.Visit{AttachmentRefs: []string{"a1", "a2"}}})
	require.NoError(t, err)
	_, err = f.svc.Ledger.Append(t.Context(), topic, "w1", ledger.PaymentCollected{PaymentID: "p", Amount: decimal.NewFromInt(1), InvoiceAttachmentRef: "inv-1"})
	require.NoError(t, err)
}

func TestDeleteAttachment(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)

	_, err := f.svc.DeleteAttachment(t.Context(), boss, f.taskID, "a2", "blurry duplicate photo")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, f.storage.deleted)

	// Already deleted.
	_, err = f.svc.DeleteAttachment(t.Context(), boss, f.taskID, "a2", "blurry duplicate photo")
	assert.Equal(t, errx.KindNotFound, errx.KindOf(err))

	_, err = f.svc.DeleteAttachment(t.Context(), boss, f.taskID, "nope", "blurry duplicate photo")
	assert.Equal(t, errx.KindNotFound, errx.KindOf(err))
}

func TestDeleteAttachmentFindsRefBeyondFirstPage(t *testing.T) {
	f := newFixture(t)
	topic := ledger.TaskTopic(f.taskID)
	at := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	first, err := ledger.NewEvent(topic, "w1", ledger.CheckedIn{Visit: ledger.Visit{AttachmentRefs: []string{"early"}}}, at)
	require.NoError(t, err)
	f.ledger.events = append(f.ledger.events, first)
	for i := range ledger.MaxQueryLimit + 5 {
		ev, err := ledger.NewEvent(topic, "w1", ledger.Commented{Text: "still waiting"}, at.Add(time.Duration(i+1)*time.Millisecond))
		require.NoError(t, err)
		f.ledger.events = append(f.ledger.events, ev)
	}

	_, err = f.svc.DeleteAttachment(t.Context(), boss, f.taskID, "early", "wrong customer")
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, f.storage.deleted)
}

func TestDeleteAttachmentStorageFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)
	f.storage.err = errors.New("storage down")
	before := len(f.ledger.events)

	_, err := f.svc.DeleteAttachment(t.Context(), boss, f.taskID, "inv-1", "uploaded by mistake")
	assert.Equal(t, errx.KindUpstreamFailure, errx.KindOf(err))
	assert.Len(t, f.ledger.events, before)
}

func TestLiveAttachments(t *testing.T) {
	newRef := "inv-2"
	history := []ledger.Event{
		{Payload: ledger.CheckedIn{Visit: ledger.Visit{AttachmentRefs: []string{"a"}}}},
		{Payload: ledger.CheckedOut{Visit: ledger.Visit{AttachmentRefs: []string{"b"}}}},
		{Payload: ledger.PaymentCollected{InvoiceAttachmentRef: "inv-1"}},
		{Payload: ledger.PaymentUpdated{Changes: map[string]ledger.FieldChange{"invoiceAttachmentRef": {New: &newRef}}}},
		{Payload: ledger.AttachmentDeleted{AttachmentID: "a"}},
		{Payload: ledger.Unknown{Name: "SOMETHING_NEW"}},
	}
	live := LiveAttachments(history)
	assert.Len(t, live, 3)
	assert.NotContains(t, live, "a")
	assert.Contains(t, live, "inv-2")
}
