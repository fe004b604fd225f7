// Package service is the queue facade used by the HTTP API and the binaries.
// It validates input, suppresses duplicate work and keeps the scheduler
// informed about new jobs.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
	"sefaz-fila/internal/recurrence"
	"sefaz-fila/internal/scheduler"
	"sefaz-fila/internal/store"
	"sefaz-fila/internal/telemetry"
)

// Config tunes the facade.
type Config struct {
	// MinLead is the smallest distance between now and a schedule's next run.
	MinLead time.Duration
	// AutoStart starts the scheduler when jobs are enqueued while it is stopped.
	AutoStart bool
	// StaleAfter is the running time after which ReapStale fails a job.
	StaleAfter time.Duration
	// Location is the wall clock recurrences step on. Nil means UTC.
	Location *time.Location
}

// Service exposes the queue operations.
type Service struct {
	store *store.Store
	sched *scheduler.Scheduler
	cfg   Config
	log   *zap.SugaredLogger
	now   func() time.Time

	onAdded []func()
}

// New builds the facade.
func New(st *store.Store, sched *scheduler.Scheduler, cfg Config, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MinLead < 0 {
		cfg.MinLead = 0
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Service{store: st, sched: sched, cfg: cfg, log: log, now: time.Now}
}

// SetClock overrides the time source used for lead-time checks.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// EnqueueRequest asks for one job per company.
type EnqueueRequest struct {
	CompanyIDs []int64
	Priority   int
	Kind       models.JobKind
}

// EnqueueResult lists the created jobs and the companies skipped because they
// already had a pending or running job of the same kind.
type EnqueueResult struct {
	Jobs    []models.Job
	Skipped []int64
}

// Enqueue creates pending jobs. It never waits for execution.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if len(req.CompanyIDs) == 0 {
		return EnqueueResult{}, errors.Validationf("empresa_ids must not be empty")
	}
	if req.Kind == "" {
		req.Kind = models.KindConsultation
	}
	if !req.Kind.Valid() {
		return EnqueueResult{}, errors.Validationf("unknown job kind %q", req.Kind)
	}
	for _, id := range req.CompanyIDs {
		if id <= 0 {
			return EnqueueResult{}, errors.Validationf("invalid company id %d", id)
		}
	}

	res := EnqueueResult{Jobs: []models.Job{}, Skipped: []int64{}}
	seen := make(map[int64]struct{}, len(req.CompanyIDs))
	for _, company := range req.CompanyIDs {
		if _, dup := seen[company]; dup {
			continue
		}
		seen[company] = struct{}{}

		job, created, err := s.store.EnqueueUnlessLive(ctx, store.CreateJobParams{
			CompanyID: company,
			Kind:      req.Kind,
			Priority:  req.Priority,
		})
		if err != nil {
			return res, err
		}
		if !created {
			s.log.Infow("company already queued, skipping", "company_id", company, "job_id", job.ID, "status", job.Status)
			telemetry.DuplicateSkips.Inc()
			res.Skipped = append(res.Skipped, company)
			continue
		}
		telemetry.EnqueueCounter.WithLabelValues("api").Inc()
		res.Jobs = append(res.Jobs, job)
	}

	if len(res.Jobs) > 0 {
		s.log.Infow("jobs enqueued", "count", len(res.Jobs), "skipped", len(res.Skipped), "priority", req.Priority)
		s.JobsAdded()
	}
	return res, nil
}

// OnJobsAdded registers fn to run whenever new jobs land in the queue, so
// processes other than this one can be told. Register before serving.
func (s *Service) OnJobsAdded(fn func()) {
	s.onAdded = append(s.onAdded, fn)
}

// JobsAdded wakes the scheduler, starting it first when AutoStart is set.
func (s *Service) JobsAdded() {
	if s.cfg.AutoStart && !s.sched.Running() {
		s.sched.Start()
	}
	s.sched.Notify()
	for _, fn := range s.onAdded {
		fn()
	}
}

// ListJobs returns jobs in execution order.
func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, errors.Validationf("unknown status %q", *f.Status)
	}
	return s.store.ListJobs(ctx, f)
}

// GetJob returns one job.
func (s *Service) GetJob(ctx context.Context, id string) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// JobHistory returns the audit trail of a job.
func (s *Service) JobHistory(ctx context.Context, id string) ([]models.AuditLog, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}

// Stats returns job counts per status.
func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	return s.store.JobStats(ctx)
}

// Cancel cancels a pending or running job. Cancelling a cancelled job succeeds.
func (s *Service) Cancel(ctx context.Context, id string) (models.Job, error) {
	return s.sched.Cancel(ctx, id)
}

// Delete removes a job that is not running.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Infow("job deleted", "job_id", id)
	return nil
}

// Status is the scheduler state shown to operators.
type Status struct {
	Running bool
	Current *models.Job
}

// Start starts processing.
func (s *Service) Start() Status {
	s.sched.Start()
	return s.Status()
}

// Stop stops processing after the current job.
func (s *Service) Stop() Status {
	s.sched.Stop()
	return s.Status()
}

// Status reports whether processing is on and which job is running here.
func (s *Service) Status() Status {
	st := Status{Running: s.sched.Running()}
	if job, ok := s.sched.Current(); ok {
		st.Current = &job
	}
	return st
}

// ReapStale fails jobs stuck in running for longer than the configured limit.
func (s *Service) ReapStale(ctx context.Context) (int, error) {
	return s.sched.ReapStale(ctx, s.cfg.StaleAfter)
}

// ScheduleRequest defines a new schedule.
type ScheduleRequest struct {
	CompanyIDs []int64
	NextRunAt  time.Time
	Recurrence models.Recurrence
	Priority   int
	Kind       models.JobKind
}

// CreateSchedule validates and stores a schedule. The first run must be at
// least MinLead in the future.
func (s *Service) CreateSchedule(ctx context.Context, req ScheduleRequest) (models.Schedule, error) {
	if err := validateTargets(req.CompanyIDs); err != nil {
		return models.Schedule{}, err
	}
	if !req.Recurrence.Valid() {
		return models.Schedule{}, errors.Validationf("recorrencia must be one of once, daily, weekly, monthly")
	}
	if err := s.checkLead(req.NextRunAt); err != nil {
		return models.Schedule{}, err
	}
	sch, err := s.store.CreateSchedule(ctx, store.CreateScheduleParams{
		Targets:    req.CompanyIDs,
		Kind:       req.Kind,
		Recurrence: req.Recurrence,
		NextRunAt:  req.NextRunAt,
		Priority:   req.Priority,
	})
	if err != nil {
		return models.Schedule{}, err
	}
	s.log.Infow("schedule created", "schedule_id", sch.ID, "recurrence", sch.Recurrence, "next_run_at", sch.NextRunAt, "targets", len(sch.Targets))
	return sch, nil
}

// ListSchedules returns schedules ordered by next run.
func (s *Service) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]models.Schedule, error) {
	return s.store.ListSchedules(ctx, f)
}

// GetSchedule returns one schedule.
func (s *Service) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// UpdateSchedule edits a schedule. A new next run must respect MinLead.
// Turning an inactive schedule back on without a new next run moves it to
// the first occurrence past MinLead.
func (s *Service) UpdateSchedule(ctx context.Context, id string, u store.ScheduleUpdate) (models.Schedule, error) {
	if u.Targets != nil {
		if err := validateTargets(*u.Targets); err != nil {
			return models.Schedule{}, err
		}
	}
	if u.Recurrence != nil && !u.Recurrence.Valid() {
		return models.Schedule{}, errors.Validationf("recorrencia must be one of once, daily, weekly, monthly")
	}
	if u.Kind != nil && !u.Kind.Valid() {
		return models.Schedule{}, errors.Validationf("unknown job kind %q", *u.Kind)
	}
	if u.NextRunAt != nil {
		if err := s.checkLead(*u.NextRunAt); err != nil {
			return models.Schedule{}, err
		}
	}
	if u.Active != nil && *u.Active {
		u.Rearm = s.rearm
	}
	sch, err := s.store.UpdateSchedule(ctx, id, u)
	if err != nil {
		return models.Schedule{}, err
	}
	s.log.Infow("schedule updated", "schedule_id", id, "active", sch.Active, "next_run_at", sch.NextRunAt)
	return sch, nil
}

// CancelSchedule deactivates a schedule. Jobs it already created are kept.
func (s *Service) CancelSchedule(ctx context.Context, id string) (models.Schedule, error) {
	sch, err := s.store.DeactivateSchedule(ctx, id)
	if err != nil {
		return models.Schedule{}, err
	}
	s.log.Infow("schedule cancelled", "schedule_id", id)
	return sch, nil
}

func (s *Service) rearm(sch models.Schedule) (time.Time, error) {
	now := s.now()
	if !sch.NextRunAt.Before(now.Add(s.cfg.MinLead)) {
		return sch.NextRunAt, nil
	}
	next, ok := recurrence.Next(sch.Recurrence, sch.AnchorAt, sch.NextRunAt, now, s.cfg.MinLead, s.cfg.Location)
	if !ok {
		return time.Time{}, errors.Validationf("data_agendada is required to reactivate a once schedule whose date has passed")
	}
	return next, nil
}

func (s *Service) checkLead(at time.Time) error {
	if at.IsZero() {
		return errors.Validationf("data_agendada is required")
	}
	earliest := s.now().Add(s.cfg.MinLead)
	if at.Before(earliest) {
		return errors.Validationf("data_agendada must be at least %s in the future", s.cfg.MinLead)
	}
	return nil
}

func validateTargets(ids []int64) error {
	if len(ids) == 0 {
		return errors.Validationf("empresa_ids must not be empty")
	}
	for _, id := range ids {
		if id <= 0 {
			return errors.Validationf("invalid company id %d", id)
		}
	}
	return nil
}
