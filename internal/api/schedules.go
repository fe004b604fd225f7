package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
	"sefaz-fila/internal/service"
	"sefaz-fila/internal/store"
)

// localLayouts are accepted for dates sent without an offset, as produced by
// datetime-local inputs; they are read in the server's timezone.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func (s *Server) parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.Validationf("data_agendada is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, s.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Validationf("data_agendada %q is not an ISO 8601 date", raw)
}

type createScheduleRequest struct {
	CompanyIDs []int64           `json:"empresa_ids"`
	NextRunAt  string            `json:"data_agendada"`
	Recurrence models.Recurrence `json:"recorrencia"`
	Priority   int               `json:"prioridade"`
	Kind       models.JobKind    `json:"tipo"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	at, err := s.parseTime(req.NextRunAt)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if req.Recurrence == "" {
		req.Recurrence = models.RecurrenceOnce
	}
	sch, err := s.svc.CreateSchedule(r.Context(), service.ScheduleRequest{
		CompanyIDs: req.CompanyIDs,
		NextRunAt:  at,
		Recurrence: req.Recurrence,
		Priority:   req.Priority,
		Kind:       req.Kind,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	q := r.URL.Query()
	activeOnly, err := boolParam(q.Get("ativo_apenas"), "ativo_apenas")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	futureOnly, err := boolParam(q.Get("futuro_apenas"), "futuro_apenas")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	list, err := s.svc.ListSchedules(r.Context(), store.ScheduleFilter{
		ActiveOnly: activeOnly,
		FutureOnly: futureOnly,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.svc.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

type updateScheduleRequest struct {
	CompanyIDs *[]int64           `json:"empresa_ids"`
	NextRunAt  *string            `json:"data_agendada"`
	Recurrence *models.Recurrence `json:"recorrencia"`
	Priority   *int               `json:"prioridade"`
	Kind       *models.JobKind    `json:"tipo"`
	Active     *bool              `json:"ativo"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	u := store.ScheduleUpdate{
		Targets:    req.CompanyIDs,
		Recurrence: req.Recurrence,
		Priority:   req.Priority,
		Kind:       req.Kind,
		Active:     req.Active,
	}
	if req.NextRunAt != nil {
		at, err := s.parseTime(*req.NextRunAt)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		u.NextRunAt = &at
	}
	sch, err := s.svc.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.svc.CancelSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Agendamento cancelado",
		"agendamento": sch,
	})
}
