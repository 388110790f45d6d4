// Package admin holds the corrections an administrator can make after the
// fact. Every correction is recorded in the task's ledger with a reason.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/logx"
)

const DefaultReasonMin = 10

type TaskStore interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (models.Task, error)
	UpdateExpectedRevenue(ctx context.Context, taskID uuid.UUID, revenue decimal.NullDecimal, build func(old decimal.NullDecimal) (models.Event, error)) (decimal.NullDecimal, error)
}

type PaymentStore interface {
	Update(ctx context.Context, taskID uuid.UUID, edit repos.PaymentEdit) (models.Payment, error)
}

type Storage interface {
	Delete(ctx context.Context, ref string) error
}

// PaymentPatch lists the fields to change; nil leaves a field alone. An empty
// InvoiceAttachmentRef clears the invoice.
type PaymentPatch struct {
	Amount               *decimal.Decimal
	CollectedBy          *string
	InvoiceAttachmentRef *string
}

type Service struct {
	Tasks     TaskStore
	Payments  PaymentStore
	Storage   Storage
	Ledger    *ledger.Service
	ReasonMin int
	Logger    logx.Logger
	Now       func() time.Time
}

func (s *Service) EditPayment(ctx context.Context, actor models.Actor, taskID uuid.UUID, patch PaymentPatch, reason string) (models.Payment, error) {
	reason, err := s.authorize(actor, reason)
	if err != nil {
		return models.Payment{}, err
	}
	if patch.Amount != nil && !patch.Amount.IsPositive() {
		return models.Payment{}, errx.Validation("amount must be positive")
	}
	if patch.CollectedBy != nil && strings.TrimSpace(*patch.CollectedBy) == "" {
		return models.Payment{}, errx.Validation("collectedBy must not be empty")
	}

	updated, err := s.Payments.Update(ctx, taskID, func(cur models.Payment) (models.Payment, models.Event, error) {
		next := cur
		changes := map[string]ledger.FieldChange{}
		if patch.Amount != nil && !patch.Amount.Equal(cur.Amount) {
			changes["amount"] = ledger.FieldChange{Old: strPtr(cur.Amount.String()), New: strPtr(patch.Amount.String())}
			next.Amount = *patch.Amount
		}
		if patch.CollectedBy != nil {
			by := strings.TrimSpace(*patch.CollectedBy)
			if by != cur.CollectedBy {
				changes["collectedBy"] = ledger.FieldChange{Old: strPtr(cur.CollectedBy), New: strPtr(by)}
				next.CollectedBy = by
			}
		}
		if patch.InvoiceAttachmentRef != nil {
			var ref *string
			if v := strings.TrimSpace(*patch.InvoiceAttachmentRef); v != "" {
				ref = &v
			}
			if !sameRef(cur.InvoiceAttachmentRef, ref) {
				changes["invoiceAttachmentRef"] = ledger.FieldChange{Old: cur.InvoiceAttachmentRef, New: ref}
				next.InvoiceAttachmentRef = ref
			}
		}
		if len(changes) == 0 {
			return models.Payment{}, models.Event{}, errx.Validation("no changes")
		}
		ev, err := ledger.NewEvent(ledger.TaskTopic(taskID), actor.ID, ledger.PaymentUpdated{Changes: changes, Reason: reason}, s.now())
		return next, ev, err
	})
	if err != nil {
		return models.Payment{}, mapErr(err, "payment", taskID.String())
	}
	s.Logger.Info(ctx, "payment_updated", "payment edited",
		slog.String("task_id", taskID.String()),
		slog.String("actor_id", actor.ID),
	)
	return updated, nil
}

// UpdateExpectedRevenue replaces the task's expected revenue. A zero-value
// NullDecimal clears it.
func (s *Service) UpdateExpectedRevenue(ctx context.Context, actor models.Actor, taskID uuid.UUID, revenue decimal.NullDecimal, reason string) (decimal.NullDecimal, error) {
	reason, err := s.authorize(actor, reason)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if revenue.Valid && revenue.Decimal.IsNegative() {
		return decimal.NullDecimal{}, errx.Validation("expected revenue must not be negative")
	}

	old, err := s.Tasks.UpdateExpectedRevenue(ctx, taskID, revenue, func(old decimal.NullDecimal) (models.Event, error) {
		if old.Valid == revenue.Valid && (!old.Valid || old.Decimal.Equal(revenue.Decimal)) {
			return models.Event{}, errx.Validation("no changes")
		}
		return ledger.NewEvent(ledger.TaskTopic(taskID), actor.ID,
			ledger.ExpectedRevenueUpdated{Old: old, New: revenue, Reason: reason}, s.now())
	})
	if err != nil {
		return decimal.NullDecimal{}, mapErr(err, "task", taskID.String())
	}
	s.Logger.Info(ctx, "expected_revenue_updated", "expected revenue edited",
		slog.String("task_id", taskID.String()),
		slog.String("actor_id", actor.ID),
	)
	return old, nil
}

// DeleteAttachment removes a file that was recorded on the task. The file is
// deleted from storage first; the ledger entry is only written once that
// succeeded.
func (s *Service) DeleteAttachment(ctx context.Context, actor models.Actor, taskID uuid.UUID, attachmentID, reason string) (uuid.UUID, error) {
	reason, err := s.authorize(actor, reason)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := s.Tasks.GetTask(ctx, taskID); err != nil {
		return uuid.Nil, mapErr(err, "task", taskID.String())
	}

	topic := ledger.TaskTopic(taskID)
	history, err := s.Ledger.QueryAll(ctx, ledger.Query{Topic: topic})
	if err != nil {
		return uuid.Nil, err
	}
	if _, ok := LiveAttachments(history)[attachmentID]; !ok {
		return uuid.Nil, errx.NotFound("attachment", attachmentID)
	}

	if err := s.Storage.Delete(ctx, attachmentID); err != nil {
		s.Logger.Error(ctx, "attachment_delete_failed", "storage delete failed",
			slog.String("task_id", taskID.String()),
			slog.String("attachment_id", attachmentID),
			slog.String("error_code", string(errx.KindUpstreamFailure)),
			slog.String("error", err.Error()),
		)
		return uuid.Nil, errx.Upstream("storage", err)
	}
	return s.Ledger.Append(ctx, topic, actor.ID, ledger.AttachmentDeleted{AttachmentID: attachmentID, Reason: reason})
}

// LiveAttachments returns the attachment refs recorded in a task's history
// that have not since been deleted.
func LiveAttachments(history []ledger.Event) map[string]struct{} {
	live := map[string]struct{}{}
	for _, ev := range history {
		switch p := ev.Payload.(type) {
		case ledger.CheckedIn:
			for _, ref := range p.AttachmentRefs {
				live[ref] = struct{}{}
			}
		case ledger.CheckedOut:
			for _, ref := range p.AttachmentRefs {
				live[ref] = struct{}{}
			}
		case ledger.PaymentCollected:
			if p.InvoiceAttachmentRef != "" {
				live[p.InvoiceAttachmentRef] = struct{}{}
			}
		case ledger.PaymentUpdated:
			if c, ok := p.Changes["invoiceAttachmentRef"]; ok && c.New != nil {
				live[*c.New] = struct{}{}
			}
		case ledger.AttachmentDeleted:
			delete(live, p.AttachmentID)
		}
	}
	return live
}

func (s *Service) authorize(actor models.Actor, reason string) (string, error) {
	if !actor.Admin {
		return "", errx.Forbidden("admin role required")
	}
	minLen := s.ReasonMin
	if minLen <= 0 {
		minLen = DefaultReasonMin
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < minLen {
		return "", errx.Validation("reason must be at least " + strconv.Itoa(minLen) + " characters")
	}
	return reason, nil
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func mapErr(err error, resource, id string) error {
	var appErr *errx.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, repos.ErrNotFound):
		return errx.NotFound(resource, id)
	default:
		return errx.Internal(err)
	}
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func strPtr(s string) *string { return &s }
