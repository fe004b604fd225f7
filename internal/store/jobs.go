package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
)

const jobColumns = `seq, id, company_id, tax_id, credential_ref, kind, status, priority, created_at, started_at, finished_at, error, schedule_id`

const queueOrder = ` ORDER BY priority DESC, created_at ASC, seq ASC`

// liveStatuses are the statuses in which a job still occupies its company.
var liveStatuses = func() []any {
	var out []any
	for _, st := range models.AllStatuses {
		if st.Live() {
			out = append(out, string(st))
		}
	}
	return out
}()

// inList renders n numbered placeholders starting at $from for an IN clause.
func inList(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	CompanyID     int64
	TaxID         string
	CredentialRef string
	Kind          models.JobKind
	Priority      int
	ScheduleID    string
}

func (p CreateJobParams) validate() error {
	if p.CompanyID <= 0 {
		return errors.Validationf("target company is required")
	}
	if !p.Kind.Valid() {
		return errors.Validationf("unknown job kind %q", p.Kind)
	}
	return nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status     *models.JobStatus
	ScheduleID string
	Limit      int
	Offset     int
}

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Kind == "" {
		p.Kind = models.KindConsultation
	}
	if err := p.validate(); err != nil {
		return models.Job{}, err
	}
	var job models.Job
	err := s.db.inTx(ctx, func(c conn) error {
		var err error
		job, err = s.insertJob(ctx, c, p, s.now())
		return err
	})
	return job, err
}

// EnqueueUnlessLive creates a pending job unless the company already has a
// pending or running job of the same kind, in which case that job is returned
// with created set to false.
func (s *Store) EnqueueUnlessLive(ctx context.Context, p CreateJobParams) (job models.Job, created bool, err error) {
	if p.Kind == "" {
		p.Kind = models.KindConsultation
	}
	if err := p.validate(); err != nil {
		return models.Job{}, false, err
	}
	err = s.db.inTx(ctx, func(c conn) error {
		live, found, err := s.findLiveJob(ctx, c, p.CompanyID, p.Kind)
		if err != nil {
			return err
		}
		if found {
			job = live
			return nil
		}
		job, err = s.insertJob(ctx, c, p, s.now())
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, ErrLiveJobExists) {
		// a concurrent enqueue committed between the lookup and the insert
		live, _, ferr := s.FindLiveJob(ctx, p.CompanyID, p.Kind)
		if ferr != nil {
			return models.Job{}, false, ferr
		}
		return live, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, created, nil
}

func (s *Store) insertJob(ctx context.Context, c conn, p CreateJobParams, now time.Time) (models.Job, error) {
	job := models.Job{
		ID:            uuid.New().String(),
		CompanyID:     p.CompanyID,
		TaxID:         p.TaxID,
		CredentialRef: p.CredentialRef,
		Kind:          p.Kind,
		Status:        models.StatusPending,
		Priority:      p.Priority,
		CreatedAt:     now,
	}
	var scheduleID *string
	if p.ScheduleID != "" {
		scheduleID = &p.ScheduleID
		job.ScheduleID = scheduleID
	}

	err := c.queryRow(ctx, `
		INSERT INTO jobs (id, company_id, tax_id, credential_ref, kind, status, priority, created_at, schedule_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $8)
		RETURNING seq
	`, job.ID, job.CompanyID, job.TaxID, job.CredentialRef, string(job.Kind), string(job.Status), job.Priority, now, scheduleID).Scan(&job.Seq)
	if err != nil {
		if s.db.isUniqueViolation(err) {
			return models.Job{}, errors.Wrapf(ErrLiveJobExists, "company %d kind %s", job.CompanyID, job.Kind)
		}
		return models.Job{}, errors.Wrap(err, "insert job")
	}

	detail := fmt.Sprintf("company=%d kind=%s priority=%d", job.CompanyID, job.Kind, job.Priority)
	if scheduleID != nil {
		detail += " schedule=" + *scheduleID
	}
	if err := appendAudit(ctx, c, job.ID, "enqueued", detail, now); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *Store) getJob(ctx context.Context, c conn, id string) (models.Job, error) {
	job, err := scanJob(c.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if s.db.isNoRows(err) {
			return models.Job{}, errors.NotFoundf("job %s not found", id)
		}
		return models.Job{}, errors.Wrap(err, "scan job")
	}
	return job, nil
}

// ListJobs returns jobs in queue order: priority desc, then enqueue time.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ScheduleID != "" {
		args = append(args, f.ScheduleID)
		where = append(where, fmt.Sprintf("schedule_id = $%d", len(args)))
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	q += queueOrder + fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	r, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return scanJobs(r)
}

// TransitionJob moves a job to a new status, enforcing the job state machine.
// errMsg is recorded only for failed jobs.
func (s *Store) TransitionJob(ctx context.Context, id string, to models.JobStatus, errMsg *string) (models.Job, error) {
	var out models.Job
	err := s.db.inTx(ctx, func(c conn) error {
		cur, err := s.getJob(ctx, c, id)
		if err != nil {
			return err
		}
		out, err = s.transition(ctx, c, cur, to, errMsg)
		return err
	})
	return out, err
}

func (s *Store) transition(ctx context.Context, c conn, cur models.Job, to models.JobStatus, errMsg *string) (models.Job, error) {
	if !models.CanTransition(cur.Status, to) {
		return models.Job{}, errors.InvalidTransitionf("job %s: cannot move from %s to %s", cur.ID, cur.Status, to)
	}

	now := s.now()
	next := cur
	next.Status = to
	next.Error = nil
	switch to {
	case models.StatusRunning:
		next.StartedAt = &now
		next.FinishedAt = nil
	case models.StatusCompleted:
		next.FinishedAt = &now
	case models.StatusFailed:
		msg := "unknown error"
		if errMsg != nil && *errMsg != "" {
			msg = *errMsg
		}
		next.Error = &msg
		next.FinishedAt = &now
	case models.StatusCancelled:
		// started_at is reserved for running, completed and failed jobs
		next.StartedAt = nil
		next.FinishedAt = &now
	}

	n, err := c.exec(ctx, `
		UPDATE jobs SET status = $1, started_at = $2, finished_at = $3, error = $4, updated_at = $5
		WHERE id = $6 AND status = $7
	`, string(next.Status), next.StartedAt, next.FinishedAt, next.Error, now, cur.ID, string(cur.Status))
	if err != nil {
		if s.db.isUniqueViolation(err) {
			return models.Job{}, errors.Wrapf(errors.ErrSlotBusy, "job %s: another job is running", cur.ID)
		}
		return models.Job{}, errors.Wrap(err, "update job status")
	}
	if n == 0 {
		return models.Job{}, errors.InvalidTransitionf("job %s changed concurrently, was %s", cur.ID, cur.Status)
	}

	detail := ""
	if next.Error != nil {
		detail = *next.Error
	}
	if err := appendAudit(ctx, c, cur.ID, string(to), detail, now); err != nil {
		return models.Job{}, err
	}
	return next, nil
}

// ClaimNextJob moves the head of the pending queue to running. found is false
// when nothing is pending. ErrSlotBusy is returned when another job is
// already running.
func (s *Store) ClaimNextJob(ctx context.Context) (job models.Job, found bool, err error) {
	err = s.db.inTx(ctx, func(c conn) error {
		cur, err := scanJob(c.queryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = $1`+queueOrder+` LIMIT 1`+s.db.lockClause(),
			string(models.StatusPending)))
		if err != nil {
			if s.db.isNoRows(err) {
				return nil
			}
			return errors.Wrap(err, "select next job")
		}
		job, err = s.transition(ctx, c, cur, models.StatusRunning, nil)
		if err != nil {
			if errors.IsInvalidTransition(err) {
				// lost the race for this row; the caller polls again
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return models.Job{}, false, err
	}
	return job, found, nil
}

// DeleteJob removes a pending or terminal job. Running jobs cannot be deleted.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.db.inTx(ctx, func(c conn) error {
		cur, err := s.getJob(ctx, c, id)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusPending && !cur.Status.Terminal() {
			return errors.InvalidTransitionf("job %s is %s; cancel it first", id, cur.Status)
		}
		n, err := c.exec(ctx, `DELETE FROM jobs WHERE id = $1 AND status = $2`, id, string(cur.Status))
		if err != nil {
			return errors.Wrap(err, "delete job")
		}
		if n == 0 {
			return errors.InvalidTransitionf("job %s changed concurrently, was %s", id, cur.Status)
		}
		if _, err := c.exec(ctx, `DELETE FROM audit_logs WHERE job_id = $1`, id); err != nil {
			return errors.Wrap(err, "delete job audit")
		}
		return nil
	})
}

// JobStats counts jobs per status.
func (s *Store) JobStats(ctx context.Context) (models.Stats, error) {
	r, err := s.db.query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return models.Stats{}, errors.Wrap(err, "job stats")
	}
	defer r.Close()

	var st models.Stats
	for r.Next() {
		var (
			status string
			n      int64
		)
		if err := r.Scan(&status, &n); err != nil {
			return models.Stats{}, errors.Wrap(err, "scan job stats")
		}
		st.Add(models.JobStatus(status), n)
	}
	return st, r.Err()
}

// FindLiveJob returns a pending or running job of kind for the company, if any.
func (s *Store) FindLiveJob(ctx context.Context, companyID int64, kind models.JobKind) (models.Job, bool, error) {
	return s.findLiveJob(ctx, s.db, companyID, kind)
}

func (s *Store) findLiveJob(ctx context.Context, c conn, companyID int64, kind models.JobKind) (models.Job, bool, error) {
	args := append([]any{companyID, string(kind)}, liveStatuses...)
	job, err := scanJob(c.queryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE company_id = $1 AND kind = $2 AND status IN `+inList(3, len(liveStatuses))+queueOrder+` LIMIT 1
	`, args...))
	if err != nil {
		if s.db.isNoRows(err) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, errors.Wrap(err, "find live job")
	}
	return job, true, nil
}

// FailStaleRunning marks running jobs started before now-olderThan as failed,
// skipping exceptID. It returns how many jobs were failed.
func (s *Store) FailStaleRunning(ctx context.Context, olderThan time.Duration, exceptID, reason string) (int, error) {
	cutoff := s.now().Add(-olderThan)
	r, err := s.db.query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND started_at <= $2
	`, string(models.StatusRunning), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "list stale jobs")
	}
	stale, err := scanJobs(r)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, job := range stale {
		if job.ID == exceptID {
			continue
		}
		if _, err := s.TransitionJob(ctx, job.ID, models.StatusFailed, &reason); err != nil {
			if errors.IsInvalidTransition(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// ListAudit returns the lifecycle events of a job, oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	r, err := s.db.query(ctx, `SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list audit")
	}
	defer r.Close()

	var out []models.AuditLog
	for r.Next() {
		var a models.AuditLog
		if err := r.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, errors.Wrap(err, "scan audit")
		}
		a.Recorded = a.Recorded.UTC()
		out = append(out, a)
	}
	return out, r.Err()
}

func appendAudit(ctx context.Context, c conn, jobID, event, detail string, ts time.Time) error {
	_, err := c.exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, $2, $3, $4)
	`, jobID, event, detail, ts)
	if err != nil {
		return errors.Wrap(err, "append audit")
	}
	return nil
}

func scanJob(r row) (models.Job, error) {
	var (
		job          models.Job
		kind, status string
	)
	if err := r.Scan(&job.Seq, &job.ID, &job.CompanyID, &job.TaxID, &job.CredentialRef, &kind, &status,
		&job.Priority, &job.CreatedAt, &job.StartedAt, &job.FinishedAt, &job.Error, &job.ScheduleID); err != nil {
		return models.Job{}, err
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = utcPtr(job.StartedAt)
	job.FinishedAt = utcPtr(job.FinishedAt)
	return job, nil
}

func scanJobs(r rows) ([]models.Job, error) {
	defer r.Close()
	jobs := make([]models.Job, 0)
	for r.Next() {
		job, err := scanJob(r)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return jobs, nil
}
