package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"field-service-dispatch-system/api/internal/dispatch"
	"field-service-dispatch-system/api/internal/geo"
	"field-service-dispatch-system/shared/clients/storage"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/httpx"
)

// visitForm holds the non-file fields of a check-in or check-out upload.
type visitForm struct {
	Latitude         string `form:"latitude" validate:"required,latitude"`
	Longitude        string `form:"longitude" validate:"required,longitude"`
	Accuracy         string `form:"accuracy" validate:"required,numeric"`
	Notes            string `form:"notes" validate:"max=2000"`
	PaymentCollected string `form:"payment_collected" validate:"omitempty,boolean"`
	PaymentAmount    string `form:"payment_amount" validate:"omitempty,numeric"`
}

type visitResponse struct {
	TaskID         uuid.UUID  `json:"taskId"`
	Status         string     `json:"status"`
	EventID        uuid.UUID  `json:"eventId"`
	DistanceMeters *float64   `json:"distanceMeters"`
	Warnings       []string   `json:"warnings"`
	AttachmentRefs []string   `json:"attachmentRefs"`
	PaymentID      *uuid.UUID `json:"paymentId,omitempty"`
}

func (s *Server) checkIn(w http.ResponseWriter, r *http.Request) {
	sub, _, closeFiles, err := s.readVisit(w, r)
	defer closeFiles()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.Dispatch.CheckIn(r.Context(), sub)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toVisitResponse(out))
}

func (s *Server) checkOut(w http.ResponseWriter, r *http.Request) {
	sub, form, closeFiles, err := s.readVisit(w, r)
	defer closeFiles()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payment, err := readPayment(r, form)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if payment != nil && payment.Invoice != nil {
		if c, ok := payment.Invoice.Content.(io.Closer); ok {
			defer c.Close()
		}
	}
	out, err := s.Dispatch.CheckOut(r.Context(), dispatch.CheckOutSubmission{Submission: sub, Payment: payment})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toVisitResponse(out))
}

type commentRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

func (s *Server) comment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, err := taskID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req commentRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	eventID, err := s.Dispatch.Comment(r.Context(), actor, id, req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"eventId": eventID})
}

// readVisit parses the multipart body. The returned closer must always be
// called, even on error.
func (s *Server) readVisit(w http.ResponseWriter, r *http.Request) (dispatch.Submission, visitForm, func(), error) {
	var form visitForm
	noop := func() {}
	actor := s.actor(r)
	if actor.ID == "" {
		return dispatch.Submission{}, form, noop, errx.New(errx.KindUnauthenticated, "missing auth context")
	}
	id, err := taskID(r)
	if err != nil {
		return dispatch.Submission{}, form, noop, err
	}

	limit := s.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return dispatch.Submission{}, form, noop, errx.Validation("upload is too large").WithDetail("maxBytes", strconv.FormatInt(limit, 10))
		}
		return dispatch.Submission{}, form, noop, errx.Validation("expected a multipart/form-data body")
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	form = visitForm{
		Latitude:         r.FormValue("latitude"),
		Longitude:        r.FormValue("longitude"),
		Accuracy:         r.FormValue("accuracy"),
		Notes:            r.FormValue("notes"),
		PaymentCollected: r.FormValue("payment_collected"),
		PaymentAmount:    r.FormValue("payment_amount"),
	}
	if err := s.validate(form); err != nil {
		return dispatch.Submission{}, form, cleanup, err
	}
	lat, _ := strconv.ParseFloat(strings.TrimSpace(form.Latitude), 64)
	lng, _ := strconv.ParseFloat(strings.TrimSpace(form.Longitude), 64)
	acc, _ := strconv.ParseFloat(strings.TrimSpace(form.Accuracy), 64)

	var files []storage.File
	var opened []multipart.File
	release := func() {
		for _, f := range opened {
			_ = f.Close()
		}
		cleanup()
	}
	for _, key := range []string{"attachments", "attachments[]"} {
		for _, fh := range r.MultipartForm.File[key] {
			f, err := fh.Open()
			if err != nil {
				return dispatch.Submission{}, form, release, errx.Validation("attachment could not be read").WithDetail("file", fh.Filename)
			}
			opened = append(opened, f)
			files = append(files, storage.File{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Content: f})
		}
	}

	return dispatch.Submission{
		TaskID:      id,
		WorkerID:    actor.ID,
		Location:    &geo.Captured{Lat: lat, Lng: lng, AccuracyMeters: acc},
		Attachments: files,
		Notes:       strings.TrimSpace(form.Notes),
	}, form, release, nil
}

func readPayment(r *http.Request, form visitForm) (*dispatch.PaymentInput, error) {
	collected, _ := strconv.ParseBool(strings.TrimSpace(form.PaymentCollected))
	if !collected {
		return nil, nil
	}
	if strings.TrimSpace(form.PaymentAmount) == "" {
		return nil, errx.Validation("payment_amount is required when payment_collected is true")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(form.PaymentAmount))
	if err != nil {
		return nil, errx.Validation("payment_amount must be a decimal number")
	}
	in := &dispatch.PaymentInput{Amount: amount}
	if fhs := r.MultipartForm.File["invoice"]; len(fhs) > 0 {
		f, err := fhs[0].Open()
		if err != nil {
			return nil, errx.Validation("invoice could not be read")
		}
		in.Invoice = &storage.File{Name: fhs[0].Filename, ContentType: fhs[0].Header.Get("Content-Type"), Content: f}
	}
	return in, nil
}

func toVisitResponse(out dispatch.Outcome) visitResponse {
	refs := out.AttachmentRefs
	if refs == nil {
		refs = []string{}
	}
	warnings := out.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return visitResponse{
		TaskID:         out.Task.TaskID,
		Status:         out.Task.Status,
		EventID:        out.EventID,
		DistanceMeters: out.DistanceMeters,
		Warnings:       warnings,
		AttachmentRefs: refs,
		PaymentID:      out.PaymentID,
	}
}
