package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"field-service-dispatch-system/api/internal/admin"
	"field-service-dispatch-system/api/internal/dispatch"
	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/api/internal/report"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/shared/authx"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/logx"
)

type stubDispatch struct {
	checkIn  func(dispatch.Submission) (dispatch.Outcome, error)
	checkOut func(dispatch.CheckOutSubmission) (dispatch.Outcome, error)
	comments []string
	files    []string
}

func (s *stubDispatch) CheckIn(_ context.Context, sub dispatch.Submission) (dispatch.Outcome, error) {
	for _, f := range sub.Attachments {
		b, _ := io.ReadAll(f.Content)
		s.files = append(s.files, f.Name+":"+string(b))
	}
	return s.checkIn(sub)
}

func (s *stubDispatch) CheckOut(_ context.Context, sub dispatch.CheckOutSubmission) (dispatch.Outcome, error) {
	return s.checkOut(sub)
}

func (s *stubDispatch) Comment(_ context.Context, _ models.Actor, _ uuid.UUID, text string) (uuid.UUID, error) {
	s.comments = append(s.comments, text)
	return uuid.New(), nil
}

type stubCorrections struct {
	patch  admin.PaymentPatch
	reason string
}

func (s *stubCorrections) EditPayment(_ context.Context, actor models.Actor, taskID uuid.UUID, patch admin.PaymentPatch, reason string) (models.Payment, error) {
	if !actor.Admin {
		return models.Payment{}, errx.Forbidden("admin role required")
	}
	s.patch, s.reason = patch, reason
	return models.Payment{PaymentID: uuid.New(), TaskID: taskID, Amount: *patch.Amount, CollectedBy: "w1"}, nil
}

func (s *stubCorrections) UpdateExpectedRevenue(_ context.Context, _ models.Actor, _ uuid.UUID, _ decimal.NullDecimal, reason string) (decimal.NullDecimal, error) {
	s.reason = reason
	return decimal.NewNullDecimal(decimal.NewFromInt(100)), nil
}

func (s *stubCorrections) DeleteAttachment(_ context.Context, _ models.Actor, _ uuid.UUID, _ string, reason string) (uuid.UUID, error) {
	s.reason = reason
	return uuid.New(), nil
}

type stubEvents struct {
	last ledger.Query
	next *ledger.Cursor
}

func (s *stubEvents) Query(_ context.Context, q ledger.Query) (ledger.Page, error) {
	s.last = q
	return ledger.Page{
		Events: []ledger.Event{{ID: uuid.New(), Topic: q.Topic, Action: ledger.ActionCommented, ActorID: "w1", Payload: ledger.Commented{Text: "hi"}}},
		Next:   s.next,
	}, nil
}

type stubTasks map[uuid.UUID]models.Task

func (s stubTasks) GetTask(_ context.Context, id uuid.UUID) (models.Task, error) {
	t, ok := s[id]
	if !ok {
		return models.Task{}, repos.ErrNotFound
	}
	return t, nil
}

type stubReports struct{ last report.Request }

func (s *stubReports) GetSummary(_ context.Context, req report.Request) (report.Summary, error) {
	s.last = req
	if req.StartDate == "" {
		return report.Summary{}, errx.Validation("startDate must be YYYY-MM-DD")
	}
	return report.Summary{Employees: []report.Employee{}}, nil
}

type harness struct {
	mux      *http.ServeMux
	dispatch *stubDispatch
	fixes    *stubCorrections
	events   *stubEvents
	reports  *stubReports
	taskID   uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mux:      http.NewServeMux(),
		dispatch: &stubDispatch{},
		fixes:    &stubCorrections{},
		events:   &stubEvents{},
		reports:  &stubReports{},
		taskID:   uuid.New(),
	}
	s := &Server{
		Dispatch:    h.dispatch,
		Corrections: h.fixes,
		Events:      h.events,
		Tasks:       stubTasks{h.taskID: {TaskID: h.taskID, AssigneeIDs: []string{"w1"}}},
		Reports:     h.reports,
		Validate:    NewValidator(),
		AdminRole:   "admin",
		Logger:      logx.Discard(),
	}
	s.Routes(h.mux)
	return h
}

func as(req *http.Request, workerID string, roles ...string) *http.Request {
	return req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{Subject: workerID, WorkerID: workerID, Roles: roles}))
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func visitBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("attachments", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestCheckInParsesMultipart(t *testing.T) {
	h := newHarness(t)
	var got dispatch.Submission
	h.dispatch.checkIn = func(sub dispatch.Submission) (dispatch.Outcome, error) {
		got = sub
		d := 42.5
		return dispatch.Outcome{
			Task:           models.Task{TaskID: sub.TaskID, Status: "IN_PROGRESS"},
			EventID:        uuid.New(),
			DistanceMeters: &d,
			AttachmentRefs: []string{"ref-1"},
		}, nil
	}
	body, ct := visitBody(t,
		map[string]string{"latitude": "10.7769", "longitude": "106.7009", "accuracy": "8", "notes": " gate code 42 "},
		map[string]string{"door.jpg": "jpeg-bytes"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+h.taskID.String()+"/check-in", body)
	req.Header.Set("Content-Type", ct)

	rec := h.do(as(req, "w1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, h.taskID, got.TaskID)
	assert.Equal(t, "w1", got.WorkerID)
	require.NotNil(t, got.Location)
	assert.InDelta(t, 10.7769, got.Location.Lat, 1e-9)
	assert.InDelta(t, 8, got.Location.AccuracyMeters, 1e-9)
	assert.Equal(t, "gate code 42", got.Notes)
	assert.Equal(t, []string{"door.jpg:jpeg-bytes"}, h.dispatch.files)

	var resp visitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "IN_PROGRESS", resp.Status)
	assert.Equal(t, []string{"ref-1"}, resp.AttachmentRefs)
	assert.Equal(t, []string{}, resp.Warnings)
}

func TestCheckInRejectsBadForm(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		fields map[string]string
		want   string
	}{
		{"latitude out of range", "", map[string]string{"latitude": "91", "longitude": "0", "accuracy": "5"}, "VALIDATION_ERROR"},
		{"missing accuracy", "", map[string]string{"latitude": "1", "longitude": "1"}, "VALIDATION_ERROR"},
		{"bad task id", "not-a-uuid", map[string]string{"latitude": "1", "longitude": "1", "accuracy": "5"}, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.dispatch.checkIn = func(dispatch.Submission) (dispatch.Outcome, error) {
				t.Fatal("service must not be called")
				return dispatch.Outcome{}, nil
			}
			id := tt.path
			if id == "" {
				id = h.taskID.String()
			}
			body, ct := visitBody(t, tt.fields, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+id+"/check-in", body)
			req.Header.Set("Content-Type", ct)
			rec := h.do(as(req, "w1"))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, errorCode(t, rec))
		})
	}
}

func TestCheckInMapsServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
		want string
	}{
		{errx.Conflict("task was updated concurrently"), http.StatusConflict, "CONFLICT"},
		{errx.InvalidTransition("COMPLETED", "IN_PROGRESS"), http.StatusConflict, "INVALID_TRANSITION"},
		{errx.Forbidden("not assigned to this task"), http.StatusForbidden, "FORBIDDEN"},
		{errx.Upstream("storage", io.ErrUnexpectedEOF), http.StatusBadGateway, "UPSTREAM_FAILURE"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			h := newHarness(t)
			h.dispatch.checkIn = func(dispatch.Submission) (dispatch.Outcome, error) { return dispatch.Outcome{}, tt.err }
			body, ct := visitBody(t, map[string]string{"latitude": "1", "longitude": "1", "accuracy": "5"}, map[string]string{"a.jpg": "x"})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+h.taskID.String()+"/check-in", body)
			req.Header.Set("Content-Type", ct)
			rec := h.do(as(req, "w1"))
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.want, errorCode(t, rec))
		})
	}
}

func TestCheckOutReadsPayment(t *testing.T) {
	h := newHarness(t)
	var got dispatch.CheckOutSubmission
	h.dispatch.checkOut = func(sub dispatch.CheckOutSubmission) (dispatch.Outcome, error) {
		got = sub
		pid := uuid.New()
		return dispatch.Outcome{Task: models.Task{TaskID: sub.TaskID, Status: "COMPLETED"}, PaymentID: &pid}, nil
	}
	body, ct := visitBody(t, map[string]string{
		"latitude": "1", "longitude": "1", "accuracy": "5",
		"payment_collected": "true", "payment_amount": "1500000.50",
	}, map[string]string{"done.jpg": "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+h.taskID.String()+"/check-out", body)
	req.Header.Set("Content-Type", ct)

	rec := h.do(as(req, "w1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, got.Payment)
	assert.True(t, got.Payment.Amount.Equal(decimal.RequireFromString("1500000.5")))
	assert.Nil(t, got.Payment.Invoice)
	assert.Contains(t, rec.Body.String(), `"paymentId"`)
}

func TestCheckOutRequiresAmountWhenCollected(t *testing.T) {
	h := newHarness(t)
	body, ct := visitBody(t, map[string]string{
		"latitude": "1", "longitude": "1", "accuracy": "5", "payment_collected": "true",
	}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+h.taskID.String()+"/check-out", body)
	req.Header.Set("Content-Type", ct)
	rec := h.do(as(req, "w1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComment(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+h.taskID.String()+"/comments", strings.NewReader(`{"text":"customer not home"}`))
	rec := h.do(as(req, "w1"))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"customer not home"}, h.dispatch.comments)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+h.taskID.String()+"/comments", strings.NewReader(`{"text":""}`))
	rec = h.do(as(req, "w1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+h.taskID.String()+"/comments", strings.NewReader(`{"text":"x","extra":1}`))
	rec = h.do(as(req, "w1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditPayment(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/tasks/"+h.taskID.String()+"/payment",
		strings.NewReader(`{"amount":"550000","reason":"customer paid the surcharge"}`))
	rec := h.do(as(req, "boss", "admin"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, h.fixes.patch.Amount)
	assert.Equal(t, "550000", h.fixes.patch.Amount.String())
	assert.Equal(t, "customer paid the surcharge", h.fixes.reason)

	req = httptest.NewRequest(http.MethodPatch, "/api/v1/tasks/"+h.taskID.String()+"/payment",
		strings.NewReader(`{"amount":"550000","reason":"customer paid the surcharge"}`))
	rec = h.do(as(req, "w1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPatch, "/api/v1/tasks/"+h.taskID.String()+"/payment",
		strings.NewReader(`{"amount":"lots","reason":"customer paid the surcharge"}`))
	rec = h.do(as(req, "boss", "admin"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditExpectedRevenueAcceptsNull(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/tasks/"+h.taskID.String()+"/expected-revenue",
		strings.NewReader(`{"expectedRevenue":null,"reason":"quote withdrawn by sales"}`))
	rec := h.do(as(req, "boss", "admin"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `"100"`, mustField(t, rec, "oldValue"))
	assert.JSONEq(t, `null`, mustField(t, rec, "expectedRevenue"))
}

func mustField(t *testing.T, rec *httptest.ResponseRecorder, key string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return string(m[key])
}

func TestDeleteAttachmentPassesReason(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+h.taskID.String()+"/attachments/ref-9?reason=wrong+customer+photo", nil)
	rec := h.do(as(req, "boss", "admin"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wrong customer photo", h.fixes.reason)
}

func TestTaskEventsAccess(t *testing.T) {
	h := newHarness(t)
	path := "/api/v1/tasks/" + h.taskID.String() + "/events?limit=10"

	rec := h.do(as(httptest.NewRequest(http.MethodGet, path, nil), "w1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.TaskTopic(h.taskID), h.events.last.Topic)
	assert.Equal(t, 10, h.events.last.Limit)
	assert.Contains(t, rec.Body.String(), `"text":"hi"`)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, path, nil), "w2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, path, nil), "boss", "admin"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+uuid.NewString()+"/events", nil), "boss", "admin"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, path+"&from=yesterday", nil), "w1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGlobalEventsAdminOnly(t *testing.T) {
	h := newHarness(t)
	rec := h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/events?action=COMMENTED", nil), "w1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/events?action=COMMENTED&from=2025-11-01T00:00:00Z", nil), "boss", "admin"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMMENTED", h.events.last.Action)
	require.NotNil(t, h.events.last.From)
}

func TestEventsReportTruncation(t *testing.T) {
	h := newHarness(t)
	rec := h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/events", nil), "boss", "admin"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"truncated":false`)
	assert.NotContains(t, rec.Body.String(), "nextCursor")

	cursor := ledger.Cursor{CreatedAt: time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC), ID: uuid.New()}
	h.events.next = &cursor
	rec = h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/events?limit=1", nil), "boss", "admin"))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Truncated  bool   `json:"truncated"`
		NextCursor string `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Truncated)
	assert.Equal(t, cursor.String(), body.NextCursor)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/events?after="+body.NextCursor, nil), "boss", "admin"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.events.last.After)
	assert.Equal(t, cursor.ID, h.events.last.After.ID)
	assert.True(t, cursor.CreatedAt.Equal(h.events.last.After.CreatedAt))

	rec = h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/events?after=garbage", nil), "boss", "admin"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportSummary(t *testing.T) {
	h := newHarness(t)
	rec := h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary?startDate=2025-11-01&endDate=2025-11-30&sortBy=name", nil), "boss", "admin"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "name", h.reports.last.SortBy)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil), "boss", "admin"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary?startDate=2025-11-01&endDate=2025-11-30", nil), "w1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMeWithoutAuth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(as(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), "w1", "worker"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `false`, mustField(t, rec, "admin"))
}
