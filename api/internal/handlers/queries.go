package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/api/internal/report"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/httpx"
)

// eventsResponse carries one page. When truncated is set, nextCursor is the
// value for the next request's after parameter.
type eventsResponse struct {
	Events     []ledger.Event `json:"events"`
	Count      int            `json:"count"`
	Truncated  bool           `json:"truncated"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// taskEvents returns one task's history to its assignees and to admins.
func (s *Server) taskEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	id, err := taskID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.Tasks.GetTask(r.Context(), id)
	switch {
	case errors.Is(err, repos.ErrNotFound):
		s.fail(w, r, errx.NotFound("task", id.String()))
		return
	case err != nil:
		s.fail(w, r, errx.Internal(err))
		return
	}
	if !actor.Admin && !task.IsAssignee(actor.ID) {
		s.fail(w, r, errx.Forbidden("not assigned to this task"))
		return
	}
	q, err := eventQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q.Topic = ledger.TaskTopic(id)
	s.writeEvents(w, r, q)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if !actor.Admin {
		s.fail(w, r, errx.Forbidden("admin role required"))
		return
	}
	q, err := eventQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q.Topic = r.URL.Query().Get("topic")
	s.writeEvents(w, r, q)
}

func (s *Server) writeEvents(w http.ResponseWriter, r *http.Request, q ledger.Query) {
	page, err := s.Events.Query(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := eventsResponse{Events: page.Events, Count: len(page.Events)}
	if page.Next != nil {
		resp.Truncated = true
		resp.NextCursor = page.Next.String()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func eventQuery(r *http.Request) (ledger.Query, error) {
	v := r.URL.Query()
	q := ledger.Query{Action: v.Get("action"), ActorID: v.Get("actorId")}
	var err error
	if q.From, err = parseTime("from", v.Get("from")); err != nil {
		return q, err
	}
	if q.To, err = parseTime("to", v.Get("to")); err != nil {
		return q, err
	}
	if raw := strings.TrimSpace(v.Get("after")); raw != "" {
		if q.After, err = ledger.ParseCursor(raw); err != nil {
			return q, err
		}
	}
	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errx.Validation("limit must be a positive integer")
		}
		q.Limit = n
	}
	return q, nil
}

func (s *Server) reportSummary(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if !actor.Admin {
		s.fail(w, r, errx.Forbidden("admin role required"))
		return
	}
	v := r.URL.Query()
	sum, err := s.Reports.GetSummary(r.Context(), report.Request{
		StartDate: v.Get("startDate"),
		EndDate:   v.Get("endDate"),
		Timezone:  v.Get("timezone"),
		SortBy:    v.Get("sortBy"),
		SortOrder: v.Get("sortOrder"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}
