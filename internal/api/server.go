package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/logger"
	"sefaz-fila/internal/ratelimit"
	"sefaz-fila/internal/service"
	"sefaz-fila/internal/telemetry"
)

// Server wires HTTP handlers for the queue admin API.
type Server struct {
	svc     *service.Service
	limiter ratelimit.Limiter
	loc     *time.Location
	log     *zap.SugaredLogger
}

// New constructs the API server. limiter may be nil to disable throttling;
// loc is used for schedule dates sent without an offset.
func New(svc *service.Service, limiter ratelimit.Limiter, loc *time.Location, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Server{svc: svc, limiter: limiter, loc: loc, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/fila", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/stats", s.handleStats)
		r.Get("/status", s.handleStatus)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/historico", s.handleJobHistory)
		// start and stop always answer with the scheduler state
		r.Post("/iniciar", s.handleStart)
		r.Post("/parar", s.handleStop)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/adicionar", s.handleEnqueue)
			r.Post("/cancelar/{id}", s.handleCancel)
			r.Post("/limpar-travados", s.handleReapStale)
			r.Delete("/{id}", s.handleDeleteJob)
		})
	})

	r.Route("/agendamentos", func(r chi.Router) {
		r.Get("/", s.handleListSchedules)
		r.Get("/{id}", s.handleGetSchedule)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/", s.handleCreateSchedule)
			r.Put("/{id}", s.handleUpdateSchedule)
			r.Delete("/{id}", s.handleCancelSchedule)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		s.log.Warnw("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rateLimit throttles mutating calls per client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			s.log.Errorw("rate limiter failed", "error", err)
			writeDetail(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, s.log, errors.Wrap(errors.ErrRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalidTransition(err):
		return http.StatusConflict
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Errorw("request failed", "error", err)
		msg = "internal server error"
	}
	writeDetail(w, code, msg)
}

func writeDetail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Detail: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.Validationf("invalid json: %v", err)
	}
	return nil
}
