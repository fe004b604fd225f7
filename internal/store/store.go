package store

import (
	"context"
	"time"

	"sefaz-fila/internal/config"
	"sefaz-fila/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	// ErrExpansionSkipped is returned by ExpandSchedule when the schedule still
	// has a live job or the occurrence was already materialized.
	ErrExpansionSkipped = errors.New("schedule expansion skipped")
	// ErrLiveJobExists is returned when an insert would give a company a
	// second pending or running job of the same kind.
	ErrLiveJobExists = errors.New("company already has a live job")
)

// Store persists jobs and schedules in Postgres or SQLite.
type Store struct {
	db    database
	clock func() time.Time
}

func newStore(db database) *Store {
	return &Store{db: db, clock: time.Now}
}

// Open connects to the database selected by cfg.DBDriver and applies migrations.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	var (
		st  *Store
		err error
	)
	switch cfg.DBDriver {
	case "postgres", "postgresql", "pgx":
		st, err = New(ctx, cfg.PostgresDSN)
	case "sqlite", "sqlite3", "":
		st, err = OpenSQLite(cfg.SQLitePath)
	default:
		return nil, errors.Newf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.clock = now
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.ping(ctx)
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.close()
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
