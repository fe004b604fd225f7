package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
)

const scheduleColumns = `id, targets, kind, recurrence, anchor_at, next_run_at, priority, active, last_run_at, created_at, updated_at`

// CreateScheduleParams collects inputs required to insert a schedule.
type CreateScheduleParams struct {
	Targets    []int64
	Kind       models.JobKind
	Recurrence models.Recurrence
	NextRunAt  time.Time
	Priority   int
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	ActiveOnly bool
	FutureOnly bool
	Limit      int
	Offset     int
}

// ScheduleUpdate carries the fields to change; nil fields are kept.
type ScheduleUpdate struct {
	Targets    *[]int64
	Kind       *models.JobKind
	Recurrence *models.Recurrence
	NextRunAt  *time.Time
	Priority   *int
	Active     *bool
	// Rearm picks the next run when an inactive schedule is turned back on
	// without a new NextRunAt. It sees the schedule with the other changes
	// applied.
	Rearm func(models.Schedule) (time.Time, error)
}

// Expansion is one materialized occurrence of a schedule: the jobs to create
// and where the schedule moves next. Schedule must be the row as read before
// the occurrence was computed; its NextRunAt guards against double expansion.
type Expansion struct {
	Schedule  models.Schedule
	Jobs      []CreateJobParams
	NextRunAt time.Time
	Active    bool
}

// CreateSchedule inserts an active schedule.
func (s *Store) CreateSchedule(ctx context.Context, p CreateScheduleParams) (models.Schedule, error) {
	if p.Kind == "" {
		p.Kind = models.KindConsultation
	}
	if !p.Kind.Valid() {
		return models.Schedule{}, errors.Validationf("unknown job kind %q", p.Kind)
	}
	if !p.Recurrence.Valid() {
		return models.Schedule{}, errors.Validationf("unknown recurrence %q", p.Recurrence)
	}
	targets, err := encodeTargets(p.Targets)
	if err != nil {
		return models.Schedule{}, err
	}

	now := s.now()
	next := p.NextRunAt.UTC().Truncate(time.Microsecond)
	sch := models.Schedule{
		ID:         uuid.New().String(),
		Targets:    normalizeTargets(p.Targets),
		Kind:       p.Kind,
		Recurrence: p.Recurrence,
		AnchorAt:   next,
		NextRunAt:  next,
		Priority:   p.Priority,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.exec(ctx, `
		INSERT INTO schedules (id, targets, kind, recurrence, anchor_at, next_run_at, priority, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $8)
	`, sch.ID, targets, string(sch.Kind), string(sch.Recurrence), next, sch.Priority, true, now)
	if err != nil {
		return models.Schedule{}, errors.Wrap(err, "insert schedule")
	}
	return sch, nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	return s.getSchedule(ctx, s.db, id)
}

func (s *Store) getSchedule(ctx context.Context, c conn, id string) (models.Schedule, error) {
	sch, err := scanSchedule(c.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if err != nil {
		if s.db.isNoRows(err) {
			return models.Schedule{}, errors.NotFoundf("schedule %s not found", id)
		}
		return models.Schedule{}, errors.Wrap(err, "scan schedule")
	}
	return sch, nil
}

// ListSchedules returns schedules ordered by next run.
func (s *Store) ListSchedules(ctx context.Context, f ScheduleFilter) ([]models.Schedule, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	var (
		where []string
		args  []any
	)
	if f.ActiveOnly {
		args = append(args, true)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	if f.FutureOnly {
		args = append(args, s.now())
		where = append(where, fmt.Sprintf("next_run_at > $%d", len(args)))
	}
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(" ORDER BY next_run_at ASC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	r, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	return scanSchedules(r)
}

// ListDueSchedules returns active schedules whose next run is at or before now.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	r, err := s.db.query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE active = $1 AND next_run_at <= $2
		ORDER BY next_run_at ASC
		LIMIT $3
	`, true, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due schedules")
	}
	return scanSchedules(r)
}

// UpdateSchedule changes the given fields. Moving next_run_at also moves the
// anchor used for monthly day-of-month.
func (s *Store) UpdateSchedule(ctx context.Context, id string, u ScheduleUpdate) (models.Schedule, error) {
	var out models.Schedule
	err := s.db.inTx(ctx, func(c conn) error {
		sch, err := s.getSchedule(ctx, c, id)
		if err != nil {
			return err
		}
		wasActive := sch.Active
		if u.Targets != nil {
			sch.Targets = normalizeTargets(*u.Targets)
		}
		if u.Kind != nil {
			if !u.Kind.Valid() {
				return errors.Validationf("unknown job kind %q", *u.Kind)
			}
			sch.Kind = *u.Kind
		}
		if u.Recurrence != nil {
			if !u.Recurrence.Valid() {
				return errors.Validationf("unknown recurrence %q", *u.Recurrence)
			}
			sch.Recurrence = *u.Recurrence
		}
		if u.NextRunAt != nil {
			next := u.NextRunAt.UTC().Truncate(time.Microsecond)
			sch.NextRunAt = next
			sch.AnchorAt = next
		}
		if u.Priority != nil {
			sch.Priority = *u.Priority
		}
		if u.Active != nil {
			sch.Active = *u.Active
		}
		if sch.Active && !wasActive {
			if err := s.rearm(&sch, u); err != nil {
				return err
			}
		}
		targets, err := encodeTargets(sch.Targets)
		if err != nil {
			return err
		}
		sch.UpdatedAt = s.now()

		_, err = c.exec(ctx, `
			UPDATE schedules
			SET targets = $1, kind = $2, recurrence = $3, anchor_at = $4, next_run_at = $5, priority = $6, active = $7, updated_at = $8
			WHERE id = $9
		`, targets, string(sch.Kind), string(sch.Recurrence), sch.AnchorAt, sch.NextRunAt, sch.Priority, sch.Active, sch.UpdatedAt, id)
		if err != nil {
			return errors.Wrap(err, "update schedule")
		}
		out = sch
		return nil
	})
	return out, err
}

// rearm checks that a schedule being turned back on has a future next run.
// A once schedule that already fired stays off.
func (s *Store) rearm(sch *models.Schedule, u ScheduleUpdate) error {
	if sch.Recurrence == models.RecurrenceOnce && sch.LastRunAt != nil {
		return errors.Validationf("schedule %s already ran; create a new one", sch.ID)
	}
	if u.NextRunAt == nil && u.Rearm != nil {
		next, err := u.Rearm(*sch)
		if err != nil {
			return err
		}
		sch.NextRunAt = next.UTC().Truncate(time.Microsecond)
	}
	if !sch.NextRunAt.After(s.now()) {
		return errors.Validationf("schedule %s next run %s is in the past", sch.ID, sch.NextRunAt.Format(time.RFC3339))
	}
	return nil
}

// DeactivateSchedule sets active=false. Deactivating an inactive schedule is a no-op.
func (s *Store) DeactivateSchedule(ctx context.Context, id string) (models.Schedule, error) {
	inactive := false
	return s.UpdateSchedule(ctx, id, ScheduleUpdate{Active: &inactive})
}

// ExpandSchedule atomically creates the jobs of one occurrence and advances
// the schedule. It returns ErrExpansionSkipped when the schedule still has a
// live job or another caller already expanded this occurrence.
func (s *Store) ExpandSchedule(ctx context.Context, e Expansion) ([]models.Job, error) {
	var created []models.Job
	err := s.db.inTx(ctx, func(c conn) error {
		now := s.now()
		next := e.NextRunAt.UTC().Truncate(time.Microsecond)

		// the conditional update also locks the row for the rest of the transaction
		n, err := c.exec(ctx, `
			UPDATE schedules SET next_run_at = $1, active = $2, last_run_at = $3, updated_at = $3
			WHERE id = $4 AND next_run_at = $5 AND active = $6
		`, next, e.Active, now, e.Schedule.ID, e.Schedule.NextRunAt.UTC(), true)
		if err != nil {
			return errors.Wrap(err, "advance schedule")
		}
		if n == 0 {
			return errors.Wrapf(ErrExpansionSkipped, "schedule %s already expanded for %s", e.Schedule.ID, e.Schedule.NextRunAt.Format(time.RFC3339))
		}

		live, err := countLiveScheduleJobs(ctx, c, e.Schedule.ID)
		if err != nil {
			return err
		}
		if live > 0 {
			return errors.Wrapf(ErrExpansionSkipped, "schedule %s has %d live jobs", e.Schedule.ID, live)
		}

		created = make([]models.Job, 0, len(e.Jobs))
		for _, p := range e.Jobs {
			p.ScheduleID = e.Schedule.ID
			if p.Kind == "" {
				p.Kind = models.KindConsultation
			}
			if err := p.validate(); err != nil {
				return err
			}
			// a company already queued by hand is not queued twice
			if _, found, err := s.findLiveJob(ctx, c, p.CompanyID, p.Kind); err != nil {
				return err
			} else if found {
				continue
			}
			job, err := s.insertJob(ctx, c, p, now)
			if err != nil {
				return err
			}
			created = append(created, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func countLiveScheduleJobs(ctx context.Context, c conn, scheduleID string) (int64, error) {
	var live int64
	args := append([]any{scheduleID}, liveStatuses...)
	if err := c.queryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE schedule_id = $1 AND status IN `+inList(2, len(liveStatuses)),
		args...).Scan(&live); err != nil {
		return 0, errors.Wrap(err, "count live schedule jobs")
	}
	return live, nil
}

func normalizeTargets(in []int64) []int64 {
	out := make([]int64, 0, len(in))
	seen := make(map[int64]struct{}, len(in))
	for _, id := range in {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func encodeTargets(targets []int64) (string, error) {
	b, err := json.Marshal(normalizeTargets(targets))
	if err != nil {
		return "", errors.Wrap(err, "marshal targets")
	}
	return string(b), nil
}

func scanSchedule(r row) (models.Schedule, error) {
	var (
		sch              models.Schedule
		targets          []byte
		kind, recurrence string
	)
	if err := r.Scan(&sch.ID, &targets, &kind, &recurrence, &sch.AnchorAt, &sch.NextRunAt, &sch.Priority,
		&sch.Active, &sch.LastRunAt, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
		return models.Schedule{}, err
	}
	if err := json.Unmarshal(targets, &sch.Targets); err != nil {
		return models.Schedule{}, errors.Wrap(err, "unmarshal targets")
	}
	if sch.Targets == nil {
		sch.Targets = []int64{}
	}
	sch.Kind = models.JobKind(kind)
	sch.Recurrence = models.Recurrence(recurrence)
	sch.AnchorAt = sch.AnchorAt.UTC()
	sch.NextRunAt = sch.NextRunAt.UTC()
	sch.LastRunAt = utcPtr(sch.LastRunAt)
	sch.CreatedAt = sch.CreatedAt.UTC()
	sch.UpdatedAt = sch.UpdatedAt.UTC()
	return sch, nil
}

func scanSchedules(r rows) ([]models.Schedule, error) {
	defer r.Close()
	out := make([]models.Schedule, 0)
	for r.Next() {
		sch, err := scanSchedule(r)
		if err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		out = append(out, sch)
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate schedules")
	}
	return out, nil
}
