package store

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	st, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(context.Background()))

	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	st.SetClock(clock.Now)
	return st, clock
}

func enqueue(t *testing.T, st *Store, company int64, priority int) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), CreateJobParams{CompanyID: company, Priority: priority})
	require.NoError(t, err)
	return job
}

func TestCreateJobValidation(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, CreateJobParams{})
	assert.True(t, errors.IsValidation(err))

	_, err = st.CreateJob(ctx, CreateJobParams{CompanyID: 1, Kind: "bogus"})
	assert.True(t, errors.IsValidation(err))

	job, err := st.CreateJob(ctx, CreateJobParams{CompanyID: 7, TaxID: "121234567", Priority: 2})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, models.KindConsultation, job.Kind)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.ScheduleID)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Seq, got.Seq)
	assert.Equal(t, "121234567", got.TaxID)
	assert.Equal(t, 2, got.Priority)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
}

func TestGetJobNotFound(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.GetJob(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestListJobsQueueOrder(t *testing.T) {
	st, clock := newTestStore(t)
	low := enqueue(t, st, 1, 1)
	clock.Advance(time.Second)
	high := enqueue(t, st, 2, 5)
	clock.Advance(time.Second)
	mid := enqueue(t, st, 3, 3)
	// same instant as mid: seq breaks the tie
	tie := enqueue(t, st, 4, 3)

	jobs, err := st.ListJobs(context.Background(), JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, []string{high.ID, mid.ID, tie.ID, low.ID}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID, jobs[3].ID})

	page, err := st.ListJobs(context.Background(), JobFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, tie.ID, page[0].ID)

	_, err = st.TransitionJob(context.Background(), low.ID, models.StatusCancelled, nil)
	require.NoError(t, err)
	cancelled := models.StatusCancelled
	only, err := st.ListJobs(context.Background(), JobFilter{Status: &cancelled})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, low.ID, only[0].ID)
}

func TestTransitionJobStateMachine(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	job := enqueue(t, st, 1, 0)

	clock.Advance(time.Minute)
	running, err := st.TransitionJob(ctx, job.ID, models.StatusRunning, nil)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.FinishedAt)

	msg := "login rejected"
	failed, err := st.TransitionJob(ctx, job.ID, models.StatusFailed, &msg)
	require.NoError(t, err)
	require.NotNil(t, failed.Error)
	assert.Equal(t, msg, *failed.Error)
	assert.NotNil(t, failed.StartedAt)
	assert.NotNil(t, failed.FinishedAt)

	_, err = st.TransitionJob(ctx, job.ID, models.StatusRunning, nil)
	assert.True(t, errors.IsInvalidTransition(err))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, msg, *stored.Error)
}

func TestCancelRunningClearsStartedAt(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	job := enqueue(t, st, 1, 0)

	_, err := st.TransitionJob(ctx, job.ID, models.StatusRunning, nil)
	require.NoError(t, err)
	cancelled, err := st.TransitionJob(ctx, job.ID, models.StatusCancelled, nil)
	require.NoError(t, err)
	assert.Nil(t, cancelled.StartedAt)
	assert.NotNil(t, cancelled.FinishedAt)
	assert.Nil(t, cancelled.Error)

	_, err = st.TransitionJob(ctx, job.ID, models.StatusCancelled, nil)
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestClaimNextJobHonoursSingleRunning(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()

	_, found, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	a := enqueue(t, st, 1, 0)
	clock.Advance(time.Second)
	c := enqueue(t, st, 3, 10)

	claimed, found, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c.ID, claimed.ID)
	assert.Equal(t, models.StatusRunning, claimed.Status)

	_, _, err = st.ClaimNextJob(ctx)
	assert.True(t, errors.Is(err, errors.ErrSlotBusy), "second claim must fail while a job runs: %v", err)

	_, err = st.TransitionJob(ctx, c.ID, models.StatusCompleted, nil)
	require.NoError(t, err)
	claimed, found, err = st.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, a.ID, claimed.ID)
}

func TestDeleteJob(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	pending := enqueue(t, st, 1, 0)
	running := enqueue(t, st, 2, 9)
	_, _, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)

	err = st.DeleteJob(ctx, running.ID)
	assert.True(t, errors.IsInvalidTransition(err))

	require.NoError(t, st.DeleteJob(ctx, pending.ID))
	_, err = st.GetJob(ctx, pending.ID)
	assert.True(t, errors.IsNotFound(err))

	err = st.DeleteJob(ctx, pending.ID)
	assert.True(t, errors.IsNotFound(err))

	audit, err := st.ListAudit(ctx, pending.ID)
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestJobStats(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		enqueue(t, st, i, 0)
	}
	job, _, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, job.ID, models.StatusCompleted, nil)
	require.NoError(t, err)

	stats, err := st.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Pending: 2, Completed: 1, Total: 3}, stats)
}

func TestFindLiveJob(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := st.FindLiveJob(ctx, 42, models.KindConsultation)
	require.NoError(t, err)
	assert.False(t, found)

	job := enqueue(t, st, 42, 0)
	live, found, err := st.FindLiveJob(ctx, 42, models.KindConsultation)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.ID, live.ID)

	_, found, err = st.FindLiveJob(ctx, 42, models.KindMessageScan)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEnqueueUnlessLive(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	first, created, err := st.EnqueueUnlessLive(ctx, CreateJobParams{CompanyID: 42})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := st.EnqueueUnlessLive(ctx, CreateJobParams{CompanyID: 42, Priority: 9})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, err = st.CreateJob(ctx, CreateJobParams{CompanyID: 42})
	assert.True(t, errors.Is(err, ErrLiveJobExists))

	// once the job is done the company can be queued again
	_, err = st.TransitionJob(ctx, first.ID, models.StatusCancelled, nil)
	require.NoError(t, err)
	next, created, err := st.EnqueueUnlessLive(ctx, CreateJobParams{CompanyID: 42})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestEnqueueUnlessLiveConcurrent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := st.EnqueueUnlessLive(ctx, CreateJobParams{CompanyID: 42})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	stats, err := st.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Pending: 1, Total: 1}, stats)
}

func TestEnqueueUnlessLiveLosesInsertRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newStore(newSQLiteDB(db))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	cols := []string{"seq", "id", "company_id", "tax_id", "credential_ref", "kind", "status", "priority",
		"created_at", "started_at", "finished_at", "error", "schedule_id"}

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE company_id").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("INSERT INTO jobs").WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})
	mock.ExpectRollback()
	mock.ExpectQuery("WHERE company_id").WillReturnRows(sqlmock.NewRows(cols).
		AddRow(int64(7), "winner", int64(42), "", "", "consultation", "pending", int64(0), now, nil, nil, nil, nil))

	job, created, err := st.EnqueueUnlessLive(context.Background(), CreateJobParams{CompanyID: 42})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailStaleRunning(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	job := enqueue(t, st, 1, 0)
	_, _, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)

	n, err := st.FailStaleRunning(ctx, time.Hour, "", "stuck")
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = st.FailStaleRunning(ctx, time.Hour, job.ID, "stuck")
	require.NoError(t, err)
	assert.Zero(t, n, "the excepted job is left alone")

	n, err = st.FailStaleRunning(ctx, time.Hour, "", "stuck")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "stuck", *got.Error)

	audit, err := st.ListAudit(ctx, job.ID)
	require.NoError(t, err)
	events := make([]string, 0, len(audit))
	for _, a := range audit {
		events = append(events, a.Event)
	}
	assert.Equal(t, []string{"enqueued", "running", "failed"}, events)
}

func TestStatsQueryFailureIsWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newStore(newSQLiteDB(db))
	mock.ExpectQuery("SELECT status, COUNT").WillReturnError(stderrors.New("disk I/O error"))

	_, err = st.JobStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job stats")
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNoRowsMapsToNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newStore(newSQLiteDB(db))
	mock.ExpectQuery("FROM jobs WHERE id").WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"seq"}))

	_, err = st.GetJob(context.Background(), "ghost")
	assert.True(t, errors.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
