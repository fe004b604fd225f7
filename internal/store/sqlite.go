package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/mattn/go-sqlite3"

	"sefaz-fila/internal/errors"
)

var dollarParam = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders into SQLite's numbered ?N form.
func rebind(query string) string {
	return dollarParam.ReplaceAllString(query, "?$1")
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlConn struct {
	q sqlQuerier
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

func (c sqlConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqlConn) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.q.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

func (c sqlConn) queryRow(ctx context.Context, query string, args ...any) row {
	return c.q.QueryRowContext(ctx, rebind(query), args...)
}

type sqliteDB struct {
	sqlConn
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database. Use ":memory:" for an
// ephemeral database; the pool is pinned to one connection so it survives.
func OpenSQLite(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite has a single writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return newStore(newSQLiteDB(db)), nil
}

func newSQLiteDB(db *sql.DB) *sqliteDB {
	return &sqliteDB{sqlConn: sqlConn{q: db}, db: db}
}

func (d *sqliteDB) inTx(ctx context.Context, fn func(conn) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback() // safe no-op on commit

	if err := fn(sqlConn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (d *sqliteDB) isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (d *sqliteDB) isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (d *sqliteDB) lockClause() string { return "" }

func (d *sqliteDB) migrationDir() string { return "migrations/sqlite" }

func (d *sqliteDB) ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *sqliteDB) close() { _ = d.db.Close() }
