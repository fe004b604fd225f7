package recurrence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
	"sefaz-fila/internal/store"
	"sefaz-fila/internal/telemetry"
)

// ScheduleStore is the part of the store the expander needs.
type ScheduleStore interface {
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	ExpandSchedule(ctx context.Context, e store.Expansion) ([]models.Job, error)
}

// Config tunes the expander.
type Config struct {
	// Interval is how often Run checks for due schedules.
	Interval time.Duration
	// MinLead is the smallest distance between now and a recomputed next run.
	MinLead time.Duration
	// Location is the calendar recurrences advance on.
	Location *time.Location
	// BatchSize caps the schedules handled per tick.
	BatchSize int
}

// Result summarizes one tick.
type Result struct {
	Expanded int
	Skipped  int
	Failed   int
	Jobs     []models.Job
}

// Expander materializes due schedule occurrences into pending jobs.
type Expander struct {
	store ScheduleStore
	cfg   Config
	log   *zap.SugaredLogger

	mu      sync.Mutex
	onJobs  []func([]models.Job)
	running sync.Mutex
}

// New builds an expander.
func New(st ScheduleStore, cfg Config, log *zap.SugaredLogger) *Expander {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Expander{store: st, cfg: cfg, log: log}
}

// OnJobsCreated registers fn to receive the jobs each expansion creates.
func (e *Expander) OnJobsCreated(fn func([]models.Job)) {
	e.mu.Lock()
	e.onJobs = append(e.onJobs, fn)
	e.mu.Unlock()
}

// Tick expands every due schedule. A schedule that fails is logged and
// retried on a later tick; the others still proceed. The returned error joins
// the per-schedule failures.
func (e *Expander) Tick(ctx context.Context, now time.Time) (Result, error) {
	e.running.Lock()
	defer e.running.Unlock()

	var res Result
	due, err := e.store.ListDueSchedules(ctx, now, e.cfg.BatchSize)
	if err != nil {
		telemetry.ScheduleExpansions.WithLabelValues("error").Inc()
		return res, errors.Wrap(err, "list due schedules")
	}

	var errs []error
	for _, sch := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		jobs, err := e.expand(ctx, sch, now)
		switch {
		case errors.Is(err, store.ErrExpansionSkipped):
			res.Skipped++
			telemetry.ScheduleExpansions.WithLabelValues("skipped").Inc()
			e.log.Debugw("schedule expansion skipped", "schedule_id", sch.ID, "reason", err)
		case err != nil:
			res.Failed++
			telemetry.ScheduleExpansions.WithLabelValues("error").Inc()
			e.log.Errorw("schedule expansion failed", "schedule_id", sch.ID, "error", err)
			errs = append(errs, errors.Wrapf(err, "schedule %s", sch.ID))
		default:
			res.Expanded++
			res.Jobs = append(res.Jobs, jobs...)
			telemetry.ScheduleExpansions.WithLabelValues("expanded").Inc()
			telemetry.EnqueueCounter.WithLabelValues("schedule").Add(float64(len(jobs)))
		}
	}

	if len(res.Jobs) > 0 {
		e.notify(res.Jobs)
	}
	return res, errors.Join(errs...)
}

func (e *Expander) expand(ctx context.Context, sch models.Schedule, now time.Time) ([]models.Job, error) {
	next, active := Next(sch.Recurrence, sch.AnchorAt, sch.NextRunAt, now, e.cfg.MinLead, e.cfg.Location)

	params := make([]store.CreateJobParams, 0, len(sch.Targets))
	for _, company := range sch.Targets {
		if company <= 0 {
			e.log.Warnw("ignoring invalid schedule target", "schedule_id", sch.ID, "company_id", company)
			continue
		}
		params = append(params, store.CreateJobParams{
			CompanyID: company,
			Kind:      sch.Kind,
			Priority:  sch.Priority,
		})
	}
	if len(params) == 0 {
		e.log.Warnw("schedule has no targets, advancing without jobs", "schedule_id", sch.ID)
	}

	jobs, err := e.store.ExpandSchedule(ctx, store.Expansion{
		Schedule:  sch,
		Jobs:      params,
		NextRunAt: next,
		Active:    active,
	})
	if err != nil {
		return nil, err
	}
	e.log.Infow("schedule expanded",
		"schedule_id", sch.ID,
		"occurrence", sch.NextRunAt,
		"jobs", len(jobs),
		"next_run_at", next,
		"active", active,
	)
	return jobs, nil
}

func (e *Expander) notify(jobs []models.Job) {
	e.mu.Lock()
	hooks := append([]func([]models.Job){}, e.onJobs...)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(jobs)
	}
}

// OnJobTerminal observes a scheduled job reaching a terminal status. Liveness
// is re-derived from the store on every tick, so this only logs.
func (e *Expander) OnJobTerminal(job models.Job) {
	if job.ScheduleID == nil || *job.ScheduleID == "" || !job.Status.Terminal() {
		return
	}
	e.log.Debugw("scheduled job finished", "schedule_id", *job.ScheduleID, "job_id", job.ID, "status", job.Status)
}

// Run ticks until ctx ends.
func (e *Expander) Run(ctx context.Context) error {
	e.log.Infow("schedule expander started", "interval", e.cfg.Interval, "timezone", e.cfg.Location.String())
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	// catch up immediately instead of waiting one interval after startup
	e.tickOnce(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			e.log.Infow("schedule expander stopped")
			return nil
		case t := <-ticker.C:
			e.tickOnce(ctx, t)
		}
	}
}

func (e *Expander) tickOnce(ctx context.Context, now time.Time) {
	res, err := e.Tick(ctx, now)
	if err != nil && ctx.Err() == nil {
		e.log.Warnw("schedule tick finished with errors", "error", err, "failed", res.Failed)
	}
	if res.Expanded > 0 {
		e.log.Infow("schedule tick", "expanded", res.Expanded, "skipped", res.Skipped, "jobs", len(res.Jobs))
	}
}
