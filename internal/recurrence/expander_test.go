package recurrence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
	"sefaz-fila/internal/store"
)

var day0 = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.RunMigrations(context.Background()))
	t.Cleanup(st.Close)
	return st
}

func newTestExpander(st ScheduleStore) *Expander {
	return New(st, Config{Interval: 10 * time.Millisecond, MinLead: 5 * time.Minute, Location: time.UTC}, nil)
}

func createSchedule(t *testing.T, st *store.Store, rec models.Recurrence, targets ...int64) models.Schedule {
	t.Helper()
	sch, err := st.CreateSchedule(context.Background(), store.CreateScheduleParams{
		Targets:    targets,
		Recurrence: rec,
		NextRunAt:  day0,
		Priority:   3,
	})
	require.NoError(t, err)
	return sch
}

func scheduleJobs(t *testing.T, st *store.Store, scheduleID string) []models.Job {
	t.Helper()
	jobs, err := st.ListJobs(context.Background(), store.JobFilter{ScheduleID: scheduleID})
	require.NoError(t, err)
	return jobs
}

func complete(t *testing.T, st *store.Store, jobs ...models.Job) {
	t.Helper()
	ctx := context.Background()
	for _, j := range jobs {
		_, err := st.TransitionJob(ctx, j.ID, models.StatusRunning, nil)
		require.NoError(t, err)
		_, err = st.TransitionJob(ctx, j.ID, models.StatusCompleted, nil)
		require.NoError(t, err)
	}
}

func TestDailyScheduleAdvancesFromPreviousRun(t *testing.T) {
	st := newTestStore(t)
	exp := newTestExpander(st)
	ctx := context.Background()
	sch := createSchedule(t, st, models.RecurrenceDaily, 7)

	res, err := exp.Tick(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expanded)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, int64(7), res.Jobs[0].CompanyID)
	assert.Equal(t, 3, res.Jobs[0].Priority)
	require.NotNil(t, res.Jobs[0].ScheduleID)
	assert.Equal(t, sch.ID, *res.Jobs[0].ScheduleID)

	got, err := st.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(day0.AddDate(0, 0, 1)), got.NextRunAt)
	assert.True(t, got.Active)
	require.NotNil(t, got.LastRunAt)

	complete(t, st, res.Jobs...)

	late := day0.AddDate(0, 0, 1).Add(2 * time.Minute)
	res, err = exp.Tick(ctx, late)
	require.NoError(t, err)
	assert.Len(t, res.Jobs, 1, "exactly one new job for the occurrence")

	got, err = st.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(day0.AddDate(0, 0, 2)), "next run steps from the occurrence, not from now: %s", got.NextRunAt)

	res, err = exp.Tick(ctx, late)
	require.NoError(t, err)
	assert.Empty(t, res.Jobs)
	assert.Len(t, scheduleJobs(t, st, sch.ID), 2)
}

func TestScheduleWithLiveJobIsNotExpanded(t *testing.T) {
	st := newTestStore(t)
	exp := newTestExpander(st)
	ctx := context.Background()
	sch := createSchedule(t, st, models.RecurrenceDaily, 1, 2)

	res, err := exp.Tick(ctx, day0)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)

	// first occurrence still pending when the second comes due
	late := day0.AddDate(0, 0, 1).Add(time.Minute)
	res, err = exp.Tick(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Jobs)

	got, err := st.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(day0.AddDate(0, 0, 1)))

	complete(t, st, scheduleJobs(t, st, sch.ID)...)
	res, err = exp.Tick(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expanded)
	assert.Len(t, res.Jobs, 2)
}

func TestOnceScheduleDeactivatesAfterSingleExpansion(t *testing.T) {
	st := newTestStore(t)
	exp := newTestExpander(st)
	ctx := context.Background()
	sch := createSchedule(t, st, models.RecurrenceOnce, 4)

	res, err := exp.Tick(ctx, day0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)

	got, err := st.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	complete(t, st, res.Jobs...)
	res, err = exp.Tick(ctx, day0.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, res.Jobs)
	assert.Len(t, scheduleJobs(t, st, sch.ID), 1)
}

func TestEmptyTargetsStillAdvance(t *testing.T) {
	st := newTestStore(t)
	exp := newTestExpander(st)
	ctx := context.Background()
	daily := createSchedule(t, st, models.RecurrenceDaily)
	once := createSchedule(t, st, models.RecurrenceOnce)

	res, err := exp.Tick(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expanded)
	assert.Empty(t, res.Jobs)

	got, err := st.GetSchedule(ctx, daily.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(day0.AddDate(0, 0, 1)))
	assert.True(t, got.Active)

	got, err = st.GetSchedule(ctx, once.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

// flakyStore fails expansion for one schedule.
type flakyStore struct {
	*store.Store
	failID string
}

func (f flakyStore) ExpandSchedule(ctx context.Context, e store.Expansion) ([]models.Job, error) {
	if e.Schedule.ID == f.failID {
		return nil, errors.New("connection reset")
	}
	return f.Store.ExpandSchedule(ctx, e)
}

func TestFailingScheduleDoesNotBlockOthers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	bad := createSchedule(t, st, models.RecurrenceDaily, 1)
	good := createSchedule(t, st, models.RecurrenceDaily, 2)
	exp := newTestExpander(flakyStore{Store: st, failID: bad.ID})

	res, err := exp.Tick(ctx, day0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad.ID)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Expanded)
	assert.Len(t, scheduleJobs(t, st, good.ID), 1)

	// the failed schedule was left untouched and is retried without duplicates
	got, err := st.GetSchedule(ctx, bad.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(day0))
	assert.Empty(t, scheduleJobs(t, st, bad.ID))

	res, err = newTestExpander(st).Tick(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expanded)
	assert.Len(t, scheduleJobs(t, st, bad.ID), 1)
}

func TestOnJobsCreatedHook(t *testing.T) {
	st := newTestStore(t)
	exp := newTestExpander(st)
	createSchedule(t, st, models.RecurrenceWeekly, 10, 11, 10)

	var got []models.Job
	exp.OnJobsCreated(func(jobs []models.Job) { got = append(got, jobs...) })

	_, err := exp.Tick(context.Background(), day0)
	require.NoError(t, err)
	assert.Len(t, got, 2, "duplicate targets fan out once")
}

func TestRunExpandsUntilCancelled(t *testing.T) {
	st := newTestStore(t)
	exp := newTestExpander(st)
	sch := createSchedule(t, st, models.RecurrenceOnce, 5)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = exp.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		jobs, err := st.ListJobs(context.Background(), store.JobFilter{ScheduleID: sch.ID})
		return err == nil && len(jobs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	assert.NoError(t, runErr)
}

func TestOnJobTerminalIgnoresAdHocJobs(t *testing.T) {
	exp := newTestExpander(nil)
	id := "sch-1"
	assert.NotPanics(t, func() {
		exp.OnJobTerminal(models.Job{ID: "a"})
		exp.OnJobTerminal(models.Job{ID: "b", ScheduleID: &id, Status: models.StatusCompleted})
	})
}
