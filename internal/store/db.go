package store

import (
	"context"
)

// rows is the subset of pgx.Rows and *sql.Rows the store reads through.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type row interface {
	Scan(dest ...any) error
}

// conn runs statements written with $N placeholders, either on the pool or
// inside a transaction.
type conn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rows, error)
	queryRow(ctx context.Context, query string, args ...any) row
}

// database is one SQL backend. Only the driver specific bits live behind it.
type database interface {
	conn
	inTx(ctx context.Context, fn func(conn) error) error
	isNoRows(err error) bool
	isUniqueViolation(err error) bool
	// lockClause is appended to SELECTs that claim rows.
	lockClause() string
	migrationDir() string
	ping(ctx context.Context) error
	close()
}
