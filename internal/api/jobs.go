package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/executor"
	"sefaz-fila/internal/models"
	"sefaz-fila/internal/service"
	"sefaz-fila/internal/store"
)

// jobView is a job as shown to operators, with a readable failure message.
type jobView struct {
	models.Job
	FriendlyError *string            `json:"erro_amigavel,omitempty"`
	ErrorCategory *executor.Category `json:"erro_categoria,omitempty"`
}

func newJobView(j models.Job) jobView {
	v := jobView{Job: j}
	if j.Error != nil {
		cat, msg := executor.Describe(*j.Error)
		v.FriendlyError = &msg
		v.ErrorCategory = &cat
	}
	return v
}

func newJobViews(jobs []models.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	return out
}

type enqueueRequest struct {
	CompanyIDs []int64        `json:"empresa_ids"`
	Priority   int            `json:"prioridade"`
	Kind       models.JobKind `json:"tipo"`
}

type enqueueResponse struct {
	Message string    `json:"message"`
	Jobs    []jobView `json:"jobs"`
	Skipped []int64   `json:"ignoradas"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.svc.Enqueue(r.Context(), service.EnqueueRequest{
		CompanyIDs: req.CompanyIDs,
		Priority:   req.Priority,
		Kind:       req.Kind,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	msg := fmt.Sprintf("%d consulta(s) adicionada(s) à fila", len(res.Jobs))
	if len(res.Skipped) > 0 {
		msg += fmt.Sprintf(", %d ignorada(s) por já estarem na fila", len(res.Skipped))
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Message: msg, Jobs: newJobViews(res.Jobs), Skipped: res.Skipped})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	f := store.JobFilter{Limit: limit, Offset: offset, ScheduleID: r.URL.Query().Get("agendamento_id")}
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.JobStatus(v)
		f.Status = &st
	}
	jobs, err := s.svc.ListJobs(r.Context(), f)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobViews(jobs))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type statusResponse struct {
	Message    string   `json:"message,omitempty"`
	Running    bool     `json:"processando"`
	CurrentJob *jobView `json:"job_atual"`
}

func newStatusResponse(msg string, st service.Status) statusResponse {
	out := statusResponse{Message: msg, Running: st.Running}
	if st.Current != nil {
		v := newJobView(*st.Current)
		out.CurrentJob = &v
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStatusResponse("", s.svc.Status()))
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStatusResponse("Processamento da fila iniciado", s.svc.Start()))
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStatusResponse("Processamento da fila parado", s.svc.Stop()))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.JobHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if history == nil {
		history = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, history)
}

type jobMessageResponse struct {
	Message string   `json:"message"`
	Job     *jobView `json:"job,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	v := newJobView(job)
	writeJSON(w, http.StatusOK, jobMessageResponse{Message: "Consulta cancelada", Job: &v})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, jobMessageResponse{Message: "Consulta removida da fila"})
}

func (s *Server) handleReapStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ReapStale(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  fmt.Sprintf("%d consulta(s) travada(s) marcada(s) como falha", n),
		"afetados": n,
	})
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Validationf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func boolParam(raw, name string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Validationf("%s must be true or false", name)
	}
	return b, nil
}
