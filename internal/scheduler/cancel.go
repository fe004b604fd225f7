package scheduler

import (
	"context"
	"time"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
)

// maxCancelAttempts bounds retries when the job moves between reading and
// writing its status. Statuses only move forward, so a few attempts suffice.
const maxCancelAttempts = 3

// Cancel cancels a job. Pending jobs are cancelled synchronously. A job this
// process is running has its executor context cancelled and is recorded as
// cancelled as soon as the scheduler stops waiting on it. A job running in
// another process is marked cancelled in the store; its owner notices on the
// next status watch. Cancelling an already cancelled job is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) (models.Job, error) {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}

		switch job.Status {
		case models.StatusCancelled:
			return job, nil
		case models.StatusCompleted, models.StatusFailed:
			return job, errors.InvalidTransitionf("job %s already %s", id, job.Status)
		case models.StatusRunning:
			if fl := s.inflightFor(id); fl != nil {
				return s.cancelInflight(ctx, fl)
			}
		}

		out, err := s.store.TransitionJob(ctx, id, models.StatusCancelled, nil)
		if err == nil {
			s.log.Infow("job cancelled", "job_id", id, "was", job.Status)
			return out, nil
		}
		if !errors.IsInvalidTransition(err) {
			return models.Job{}, err
		}
		// lost a race with the scheduler or another caller; look again
	}
	return models.Job{}, errors.InvalidTransitionf("job %s kept changing while cancelling", id)
}

func (s *Scheduler) inflightFor(id string) *inflight {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.job.ID == id {
		return s.current
	}
	return nil
}

func (s *Scheduler) cancelInflight(ctx context.Context, fl *inflight) (models.Job, error) {
	if fl.cancelRequested.CompareAndSwap(false, true) {
		s.log.Infow("cancelling running job", "job_id", fl.job.ID)
	}
	fl.cancel()

	select {
	case <-fl.done:
	case <-ctx.Done():
		return models.Job{}, ctx.Err()
	}
	job, err := s.store.GetJob(ctx, fl.job.ID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusCancelled {
		// the executor finished before it saw the cancellation
		return job, errors.InvalidTransitionf("job %s already %s", job.ID, job.Status)
	}
	return job, nil
}

// RecoverInterrupted fails jobs left running by a process that died. It does
// nothing while another process holds the session lease.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) (int, error) {
	if lease := s.slot.Lease(); lease != nil {
		elsewhere, err := lease.HeldElsewhere(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "check session lease")
		}
		if elsewhere {
			s.log.Infow("session held by another process, skipping recovery")
			return 0, nil
		}
	}
	n, err := s.store.FailStaleRunning(ctx, 0, s.currentID(), "interrupted: process restarted while the job was running")
	if n > 0 {
		s.log.Warnw("recovered interrupted jobs", "count", n)
	}
	return n, err
}

// ReapStale fails jobs that have been running longer than olderThan, except
// the one this process is executing.
func (s *Scheduler) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.store.FailStaleRunning(ctx, olderThan, s.currentID(), "stuck: running for more than "+olderThan.String())
	if n > 0 {
		s.log.Warnw("reaped stale jobs", "count", n, "older_than", olderThan)
	}
	return n, err
}

func (s *Scheduler) currentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIDLocked()
}
