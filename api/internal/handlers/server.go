// Package handlers exposes the dispatch core over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"field-service-dispatch-system/api/internal/admin"
	"field-service-dispatch-system/api/internal/dispatch"
	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/api/internal/report"
	"field-service-dispatch-system/shared/authx"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/httpx"
	"field-service-dispatch-system/shared/logx"
)

type Dispatcher interface {
	CheckIn(ctx context.Context, sub dispatch.Submission) (dispatch.Outcome, error)
	CheckOut(ctx context.Context, sub dispatch.CheckOutSubmission) (dispatch.Outcome, error)
	Comment(ctx context.Context, actor models.Actor, taskID uuid.UUID, text string) (uuid.UUID, error)
}

type Corrections interface {
	EditPayment(ctx context.Context, actor models.Actor, taskID uuid.UUID, patch admin.PaymentPatch, reason string) (models.Payment, error)
	UpdateExpectedRevenue(ctx context.Context, actor models.Actor, taskID uuid.UUID, revenue decimal.NullDecimal, reason string) (decimal.NullDecimal, error)
	DeleteAttachment(ctx context.Context, actor models.Actor, taskID uuid.UUID, attachmentID, reason string) (uuid.UUID, error)
}

type EventReader interface {
	Query(ctx context.Context, q ledger.Query) (ledger.Page, error)
}

type TaskReader interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (models.Task, error)
}

type Reporter interface {
	GetSummary(ctx context.Context, req report.Request) (report.Summary, error)
}

type Server struct {
	Dispatch       Dispatcher
	Corrections    Corrections
	Events         EventReader
	Tasks          TaskReader
	Reports        Reporter
	Validate       *validator.Validate
	AdminRole      string
	MaxUploadBytes int64
	Logger         logx.Logger
}

const defaultMaxUploadBytes = 32 << 20

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/me", s.me)
	mux.HandleFunc("POST /api/v1/tasks/{id}/check-in", s.checkIn)
	mux.HandleFunc("POST /api/v1/tasks/{id}/check-out", s.checkOut)
	mux.HandleFunc("POST /api/v1/tasks/{id}/comments", s.comment)
	mux.HandleFunc("PATCH /api/v1/tasks/{id}/payment", s.editPayment)
	mux.HandleFunc("PATCH /api/v1/tasks/{id}/expected-revenue", s.editExpectedRevenue)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}/attachments/{ref}", s.deleteAttachment)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", s.taskEvents)
	mux.HandleFunc("GET /api/v1/events", s.events)
	mux.HandleFunc("GET /api/v1/reports/summary", s.reportSummary)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		s.fail(w, r, errx.New(errx.KindUnauthenticated, "missing auth context"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"subject":  auth.Subject,
		"workerId": auth.WorkerID,
		"email":    auth.Email,
		"name":     auth.Name,
		"roles":    auth.Roles,
		"admin":    s.actor(r).Admin,
	})
}

func (s *Server) actor(r *http.Request) models.Actor {
	auth, _ := authx.FromContext(r.Context())
	role := s.AdminRole
	if role == "" {
		role = "admin"
	}
	return models.Actor{ID: auth.WorkerID, Admin: auth.HasRole(role)}
}

func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	a := s.actor(r)
	if a.ID == "" {
		s.fail(w, r, errx.New(errx.KindUnauthenticated, "missing auth context"))
		return a, false
	}
	return a, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteAppError(w, r, s.Logger, err)
}

func taskID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		return uuid.Nil, errx.Validation("task id must be a uuid")
	}
	return id, nil
}

// decodeJSON reads a small JSON body into dst and runs struct validation.
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errx.Validation("request body is required")
		}
		return errx.Validation("malformed JSON body").WithDetail("cause", err.Error())
	}
	return s.validate(dst)
}

func (s *Server) validate(v any) error {
	if s.Validate == nil {
		return nil
	}
	err := s.Validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return errx.Validation(err.Error())
	}
	out := errx.Validation("request is invalid")
	for _, f := range fields {
		out.WithDetail(f.Field(), f.Tag())
	}
	return out
}

// NewValidator returns a validator that reports JSON/form field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{f.Tag.Get("json"), f.Tag.Get("form")} {
			name := strings.SplitN(tag, ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

func parseTime(field, v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errx.Validation(field + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}
