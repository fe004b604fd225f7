// Package scheduler runs queued jobs one at a time through the executor.
//
// A tick holds the session slot for its whole duration: it claims the head of
// the pending queue, waits for the executor with a bounded timeout, records the
// outcome and releases the slot on every path, executor panics included.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/executor"
	"sefaz-fila/internal/models"
	"sefaz-fila/internal/session"
	"sefaz-fila/internal/telemetry"
)

// JobStore is the part of the store the scheduler drives.
type JobStore interface {
	ClaimNextJob(ctx context.Context) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionJob(ctx context.Context, id string, to models.JobStatus, errMsg *string) (models.Job, error)
	FailStaleRunning(ctx context.Context, olderThan time.Duration, exceptID, reason string) (int, error)
	JobStats(ctx context.Context) (models.Stats, error)
}

// Config tunes the loop.
type Config struct {
	// PollInterval is the wait after a tick that found nothing to run.
	PollInterval time.Duration
	// JobPause is the wait between two jobs.
	JobPause time.Duration
	// JobTimeout bounds one executor call.
	JobTimeout time.Duration
	// WatchInterval is how often a running job's stored status is re-read to
	// notice cancellation by another process.
	WatchInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.JobPause < 0 {
		c.JobPause = 0
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = time.Second
	}
	return c
}

// Scheduler is the single-flight job loop.
type Scheduler struct {
	store JobStore
	exec  executor.Executor
	slot  *session.Slot
	cfg   Config
	log   *zap.SugaredLogger

	base       context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	started    bool
	stopCh     chan struct{}
	loops      sync.WaitGroup
	current    *inflight
	onTerminal []func(models.Job)

	wake chan struct{}
}

type inflight struct {
	job             models.Job
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	done            chan struct{}
}

// New builds a stopped scheduler.
func New(st JobStore, exec executor.Executor, slot *session.Slot, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if slot == nil {
		slot = session.NewSlot(nil, log)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		exec:       exec,
		slot:       slot,
		cfg:        cfg.withDefaults(),
		log:        log,
		base:       base,
		baseCancel: cancel,
		wake:       make(chan struct{}, 1),
	}
}

// OnTerminal registers fn to be called after a job this scheduler ran reaches
// a terminal status. Register before Start.
func (s *Scheduler) OnTerminal(fn func(models.Job)) {
	s.mu.Lock()
	s.onTerminal = append(s.onTerminal, fn)
	s.mu.Unlock()
}

// Start begins the polling loop. Calling Start on a started scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Debugw("scheduler already started")
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	telemetry.SchedulerRunning.Set(1)

	s.loops.Add(1)
	go s.loop(s.stopCh)
	s.log.Infow("scheduler started", "poll_interval", s.cfg.PollInterval, "job_timeout", s.cfg.JobTimeout)
}

// Stop asks the loop to finish its current job and dequeue nothing further.
// It does not wait; use Shutdown for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.stopCh)
	telemetry.SchedulerRunning.Set(0)
	s.log.Infow("scheduler stopping", "current_job", s.currentIDLocked())
}

// Running reports whether the loop is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Current returns the job this process is executing, if any.
func (s *Scheduler) Current() (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.Job{}, false
	}
	return s.current.job, true
}

// Notify wakes an idle loop so a freshly enqueued job starts without waiting
// for the poll interval.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the loop and waits for the current job. When ctx ends first
// the running executor call is aborted and the job recorded as failed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.baseCancel()
		return nil
	case <-ctx.Done():
		s.baseCancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	defer s.loops.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		ran, err := s.Tick(s.base)
		if err != nil {
			s.log.Errorw("scheduler tick failed", "error", err)
		}
		s.refreshDepth()

		wait := s.cfg.PollInterval
		if ran {
			wait = s.cfg.JobPause
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick runs at most one job. It reports whether a job was executed.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	tok, err := s.slot.TryAcquire(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrSlotBusy) {
			return false, nil
		}
		return false, err
	}
	defer tok.Release()

	telemetry.SessionBusy.Set(1)
	defer telemetry.SessionBusy.Set(0)

	job, found, err := s.store.ClaimNextJob(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrSlotBusy) {
			s.log.Debugw("another job is already running")
			return false, nil
		}
		return false, errors.Wrap(err, "claim next job")
	}
	if !found {
		return false, nil
	}
	s.run(job)
	return true, nil
}

func (s *Scheduler) run(job models.Job) {
	jobCtx, cancel := context.WithTimeout(s.base, s.cfg.JobTimeout)
	defer cancel()

	fl := &inflight{job: job, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.current = fl
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		close(fl.done)
	}()

	s.log.Infow("job started", "job_id", job.ID, "company_id", job.CompanyID, "kind", job.Kind, "priority", job.Priority)
	start := time.Now()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errors.Mark(errors.Newf("executor panic: %v", r), errors.ErrExecutor)
			}
		}()
		result <- s.exec.Execute(jobCtx, job)
	}()

	execErr, external := s.await(jobCtx, fl, result)
	telemetry.ExecutorDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	switch {
	case external:
		s.log.Infow("job finished elsewhere while running", "job_id", job.ID)
	case fl.cancelRequested.Load():
		s.finish(job, models.StatusCancelled, "")
	case execErr != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		telemetry.ExecutorTimeouts.Inc()
		s.finish(job, models.StatusFailed, fmt.Sprintf("executor timed out after %s", s.cfg.JobTimeout))
	case execErr != nil && s.base.Err() != nil:
		s.finish(job, models.StatusFailed, "interrupted by shutdown")
	case execErr != nil:
		s.finish(job, models.StatusFailed, execErr.Error())
	default:
		s.finish(job, models.StatusCompleted, "")
	}
}

// await blocks until the executor returns, the job context ends, or the
// stored job stops being running. external is true in the last case.
func (s *Scheduler) await(jobCtx context.Context, fl *inflight, result <-chan error) (execErr error, external bool) {
	watch := time.NewTicker(s.cfg.WatchInterval)
	defer watch.Stop()

	for {
		select {
		case err := <-result:
			return err, false
		case <-jobCtx.Done():
			return jobCtx.Err(), false
		case <-watch.C:
			cur, err := s.store.GetJob(s.base, fl.job.ID)
			if err != nil {
				if errors.IsNotFound(err) {
					fl.cancel()
					return nil, true
				}
				continue
			}
			if cur.Status != models.StatusRunning {
				fl.cancel()
				return nil, true
			}
		}
	}
}

func (s *Scheduler) finish(job models.Job, status models.JobStatus, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errMsg *string
	if msg != "" {
		errMsg = &msg
	}
	out, err := s.store.TransitionJob(ctx, job.ID, status, errMsg)
	if err != nil {
		if errors.IsInvalidTransition(err) || errors.IsNotFound(err) {
			s.log.Infow("job outcome superseded", "job_id", job.ID, "outcome", status, "reason", err)
			return
		}
		s.log.Errorw("record job outcome failed", "job_id", job.ID, "outcome", status, "error", err)
		return
	}

	telemetry.JobOutcomes.WithLabelValues(string(status)).Inc()
	if status == models.StatusFailed {
		s.log.Warnw("job failed", "job_id", job.ID, "company_id", job.CompanyID, "error", msg)
	} else {
		s.log.Infow("job finished", "job_id", job.ID, "company_id", job.CompanyID, "status", status)
	}
	s.notifyTerminal(out)
}

func (s *Scheduler) notifyTerminal(job models.Job) {
	s.mu.Lock()
	hooks := append([]func(models.Job){}, s.onTerminal...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(job)
	}
}

func (s *Scheduler) refreshDepth() {
	ctx, cancel := context.WithTimeout(s.base, 5*time.Second)
	defer cancel()
	if st, err := s.store.JobStats(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(st.Pending))
	}
}

func (s *Scheduler) currentIDLocked() string {
	if s.current == nil {
		return ""
	}
	return s.current.job.ID
}
