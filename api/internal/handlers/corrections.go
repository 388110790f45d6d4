package handlers

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"field-service-dispatch-system/api/internal/admin"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/httpx"
)

type paymentPatchRequest struct {
	Amount               *string `json:"amount" validate:"omitempty,numeric"`
	CollectedBy          *string `json:"collectedBy" validate:"omitempty,max=128"`
	InvoiceAttachmentRef *string `json:"invoiceAttachmentRef" validate:"omitempty,max=512"`
	Reason               string  `json:"reason" validate:"required"`
}

type paymentResponse struct {
	PaymentID            string          `json:"paymentId"`
	TaskID               string          `json:"taskId"`
	Amount               decimal.Decimal `json:"amount"`
	CollectedBy          string          `json:"collectedBy"`
	InvoiceAttachmentRef *string         `json:"invoiceAttachmentRef"`
}

func (s *Server) editPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, err := taskID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req paymentPatchRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	patch := admin.PaymentPatch{CollectedBy: req.CollectedBy, InvoiceAttachmentRef: req.InvoiceAttachmentRef}
	if req.Amount != nil {
		amount, err := decimal.NewFromString(strings.TrimSpace(*req.Amount))
		if err != nil {
			s.fail(w, r, errx.Validation("amount must be a decimal number"))
			return
		}
		patch.Amount = &amount
	}
	p, err := s.Corrections.EditPayment(r.Context(), actor, id, patch, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentResponse{
		PaymentID:            p.PaymentID.String(),
		TaskID:               p.TaskID.String(),
		Amount:               p.Amount,
		CollectedBy:          p.CollectedBy,
		InvoiceAttachmentRef: p.InvoiceAttachmentRef,
	})
}

// expectedRevenueRequest uses a null value to clear the figure.
type expectedRevenueRequest struct {
	ExpectedRevenue *string `json:"expectedRevenue" validate:"omitempty,numeric"`
	Reason          string  `json:"reason" validate:"required"`
}

func (s *Server) editExpectedRevenue(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, err := taskID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req expectedRevenueRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	var next decimal.NullDecimal
	if req.ExpectedRevenue != nil {
		d, err := decimal.NewFromString(strings.TrimSpace(*req.ExpectedRevenue))
		if err != nil {
			s.fail(w, r, errx.Validation("expectedRevenue must be a decimal number"))
			return
		}
		next = decimal.NewNullDecimal(d)
	}
	old, err := s.Corrections.UpdateExpectedRevenue(r.Context(), actor, id, next, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"taskId":          id,
		"oldValue":        old,
		"expectedRevenue": next,
	})
}

func (s *Server) deleteAttachment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, err := taskID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ref := strings.TrimSpace(r.PathValue("ref"))
	if ref == "" {
		s.fail(w, r, errx.Validation("attachment id is required"))
		return
	}
	eventID, err := s.Corrections.DeleteAttachment(r.Context(), actor, id, ref, r.URL.Query().Get("reason"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"eventId": eventID, "attachmentId": ref})
}
