// Package dispatch runs worker check-in and check-out. A task moves
// READY -> IN_PROGRESS -> COMPLETED, and each move is recorded in the ledger
// in the same transaction as the status change.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"field-service-dispatch-system/api/internal/geo"
	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/shared/clients/storage"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
	"field-service-dispatch-system/shared/workflow"
)

const (
	DefaultMaxAttachments = 10
	MaxCommentLength      = 2000
)

type TaskStore interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (models.Task, error)
	Transition(ctx context.Context, p repos.TransitionParams) (models.Task, error)
}

type Storage interface {
	Upload(ctx context.Context, idempotencyKey string, files []storage.File) ([]storage.Ref, error)
	Delete(ctx context.Context, ref string) error
}

type Submission struct {
	TaskID      uuid.UUID
	WorkerID    string
	Location    *geo.Captured
	Attachments []storage.File
	Notes       string
}

// PaymentInput is the money a worker reports collecting at check-out.
type PaymentInput struct {
	Amount  decimal.Decimal
	Invoice *storage.File
}

type CheckOutSubmission struct {
	Submission
	Payment *PaymentInput
}

type Outcome struct {
	Task           models.Task
	EventID        uuid.UUID
	DistanceMeters *float64
	Warnings       []string
	AttachmentRefs []string
	PaymentID      *uuid.UUID
}

type Service struct {
	Tasks          TaskStore
	Storage        Storage
	Ledger         *ledger.Service
	GPS            geo.Verifier
	MaxAttachments int
	Logger         logx.Logger
	Now            func() time.Time
	NewKey         func() string
}

func (s *Service) CheckIn(ctx context.Context, sub Submission) (Outcome, error) {
	return s.transition(ctx, sub, nil, workflow.TaskStatusReady, workflow.TaskStatusInProgress)
}

func (s *Service) CheckOut(ctx context.Context, sub CheckOutSubmission) (Outcome, error) {
	return s.transition(ctx, sub.Submission, sub.Payment, workflow.TaskStatusInProgress, workflow.TaskStatusCompleted)
}

// transition validates the submission, uploads files, then performs the
// conditional status update. Nothing is written to the database unless the
// upload succeeded, and a lost race writes nothing at all.
func (s *Service) transition(ctx context.Context, sub Submission, payment *PaymentInput, from, to string) (Outcome, error) {
	action := workflow.EventTypeForTransition(from, to)
	if action == "" {
		return Outcome{}, errx.Internal(fmt.Errorf("no transition from %s to %s", from, to))
	}
	task, err := s.Tasks.GetTask(ctx, sub.TaskID)
	if errors.Is(err, repos.ErrNotFound) {
		return Outcome{}, errx.NotFound("task", sub.TaskID.String())
	}
	if err != nil {
		return Outcome{}, errx.Internal(err)
	}
	if !task.IsAssignee(sub.WorkerID) {
		return Outcome{}, errx.Forbidden("worker is not assigned to this task")
	}
	status := workflow.NormalizeTaskStatus(task.Status)
	if !workflow.IsValidStatus(status) {
		return Outcome{}, errx.Internal(fmt.Errorf("task %s has unknown status %q", task.TaskID, task.Status))
	}
	if status != from {
		// One step ahead means a concurrent submission for this step already
		// committed, which is the same race the conditional update reports.
		if workflow.CanTransition(from, status) {
			return Outcome{}, s.conflict(ctx, task.TaskID, sub.WorkerID, from, to)
		}
		return Outcome{}, errx.InvalidTransition(status, to)
	}
	if err := s.validate(sub, payment); err != nil {
		return Outcome{}, err
	}

	files := append([]storage.File(nil), sub.Attachments...)
	if payment != nil && payment.Invoice != nil {
		files = append(files, *payment.Invoice)
	}
	refs, err := s.Storage.Upload(ctx, s.newKey(), files)
	if err != nil {
		s.Logger.Error(ctx, "attachment_upload_failed", "attachment upload failed",
			slog.String("task_id", sub.TaskID.String()),
			slog.String("error_code", string(errx.KindUpstreamFailure)),
			slog.String("error", err.Error()),
		)
		return Outcome{}, errx.Upstream("storage", err)
	}
	if len(refs) != len(files) {
		s.discard(ctx, refs)
		return Outcome{}, errx.Upstream("storage", errors.New("storage returned an unexpected number of refs"))
	}
	attachmentRefs := make([]string, 0, len(sub.Attachments))
	for _, ref := range refs[:len(sub.Attachments)] {
		attachmentRefs = append(attachmentRefs, ref.ID)
	}

	var reference *geo.Point
	if g := task.GeoLocation; g != nil {
		reference = &geo.Point{Lat: g.Lat, Lng: g.Lng}
	}
	check := s.GPS.Verify(*sub.Location, reference)
	for _, w := range check.Warnings {
		metricsx.IncGPSWarning(w)
	}

	now := s.now().UTC()
	topic := ledger.TaskTopic(task.TaskID)
	visit := ledger.Visit{
		Location:       *sub.Location,
		DistanceMeters: check.DistanceMeters,
		Warnings:       check.Warnings,
		AttachmentRefs: attachmentRefs,
		Notes:          strings.TrimSpace(sub.Notes),
	}
	var p ledger.Payload
	switch action {
	case workflow.TaskEventCheckedIn:
		p = ledger.CheckedIn{Visit: visit}
	case workflow.TaskEventCheckedOut:
		p = ledger.CheckedOut{Visit: visit}
	default:
		s.discard(ctx, refs)
		return Outcome{}, errx.Internal(fmt.Errorf("no ledger payload for %s", action))
	}
	ev, err := ledger.NewEvent(topic, sub.WorkerID, p, now)
	if err != nil {
		return Outcome{}, err
	}

	params := repos.TransitionParams{
		TaskID:         task.TaskID,
		From:           from,
		To:             to,
		Now:            now,
		SetCompletedAt: to == workflow.TaskStatusCompleted,
		Events:         []models.Event{ev},
	}
	out := Outcome{
		EventID:        ev.EventID,
		DistanceMeters: check.DistanceMeters,
		Warnings:       check.Warnings,
		AttachmentRefs: attachmentRefs,
	}
	if payment != nil {
		rec := models.Payment{
			PaymentID:   uuid.New(),
			TaskID:      task.TaskID,
			Amount:      payment.Amount,
			CollectedBy: sub.WorkerID,
			CreatedAt:   now,
		}
		collected := ledger.PaymentCollected{PaymentID: rec.PaymentID.String(), Amount: payment.Amount}
		if payment.Invoice != nil {
			ref := refs[len(refs)-1].ID
			rec.InvoiceAttachmentRef = &ref
			collected.InvoiceAttachmentRef = ref
		}
		pev, err := ledger.NewEvent(topic, sub.WorkerID, collected, now)
		if err != nil {
			return Outcome{}, err
		}
		params.Payment = &rec
		params.Events = append(params.Events, pev)
		out.PaymentID = &rec.PaymentID
	}

	updated, err := s.Tasks.Transition(ctx, params)
	if err != nil {
		s.discard(ctx, refs)
		if errors.Is(err, repos.ErrStatusConflict) {
			return Outcome{}, s.conflict(ctx, task.TaskID, sub.WorkerID, from, to)
		}
		return Outcome{}, errx.Internal(err)
	}
	for _, e := range params.Events {
		metricsx.IncLedgerAppend(e.Action)
	}
	out.Task = updated
	s.Logger.Info(ctx, "task_transitioned", "task status changed",
		slog.String("task_id", task.TaskID.String()),
		slog.String("worker_id", sub.WorkerID),
		slog.String("from", from),
		slog.String("to", to),
		slog.Int("warnings", len(check.Warnings)),
	)
	return out, nil
}

func (s *Service) validate(sub Submission, payment *PaymentInput) error {
	if sub.Location == nil {
		return errx.Validation("location is required")
	}
	if !geo.ValidCoordinates(sub.Location.Lat, sub.Location.Lng) {
		return errx.Validation("location is out of range")
	}
	if sub.Location.AccuracyMeters < 0 {
		return errx.Validation("accuracy must not be negative")
	}
	limit := s.MaxAttachments
	if limit <= 0 {
		limit = DefaultMaxAttachments
	}
	if n := len(sub.Attachments); n < 1 || n > limit {
		return errx.Validation("between 1 and " + strconv.Itoa(limit) + " attachments are required").
			WithDetail("attachments", strconv.Itoa(n))
	}
	if payment != nil && !payment.Amount.IsPositive() {
		return errx.Validation("payment amount must be positive")
	}
	return nil
}

func (s *Service) conflict(ctx context.Context, taskID uuid.UUID, workerID, from, to string) error {
	metricsx.IncTransitionConflict(to)
	s.Logger.Warn(ctx, "checkin_conflict", "task status changed concurrently",
		slog.String("task_id", taskID.String()),
		slog.String("worker_id", workerID),
		slog.String("from", from),
		slog.String("to", to),
	)
	return errx.Conflict("task status changed, reload and retry").WithDetail("task_id", taskID.String())
}

// discard removes files uploaded for a submission that was not recorded.
func (s *Service) discard(ctx context.Context, refs []storage.Ref) {
	for _, ref := range refs {
		if err := s.Storage.Delete(ctx, ref.ID); err != nil {
			s.Logger.Warn(ctx, "attachment_cleanup_failed", "orphaned attachment left in storage",
				slog.String("ref", ref.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Comment appends a free-text note to the task's ledger. Assignees and admins
// may comment in any status.
func (s *Service) Comment(ctx context.Context, actor models.Actor, taskID uuid.UUID, text string) (uuid.UUID, error) {
	task, err := s.Tasks.GetTask(ctx, taskID)
	if errors.Is(err, repos.ErrNotFound) {
		return uuid.Nil, errx.NotFound("task", taskID.String())
	}
	if err != nil {
		return uuid.Nil, errx.Internal(err)
	}
	if !actor.Admin && !task.IsAssignee(actor.ID) {
		return uuid.Nil, errx.Forbidden("worker is not assigned to this task")
	}
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxCommentLength {
		return uuid.Nil, errx.Validation("comment must be between 1 and " + strconv.Itoa(MaxCommentLength) + " characters")
	}
	return s.Ledger.Append(ctx, ledger.TaskTopic(taskID), actor.ID, ledger.Commented{Text: text})
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) newKey() string {
	if s.NewKey == nil {
		return uuid.NewString()
	}
	return s.NewKey()
}
