package storage

import (
	"context"
	"database/sql"

	"github.com/bridgesync/bsync/internal/interrupt"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadDao is handed to read closures. All statements run under the
// operation's interrupt scope, so an Interrupt on the owning handle
// aborts in-flight SQL at the driver level.
type ReadDao struct {
	db    *sql.DB // nil inside a write transaction
	tx    *sql.Tx // nil outside one
	scope *interrupt.Scope
}

func (d *ReadDao) q() querier {
	if d.tx != nil {
		return d.tx
	}
	return d.db
}

// ErrIfInterrupted fails with interrupt.ErrInterrupted if the owning
// handle was flagged. Call at the top of every record loop.
func (d *ReadDao) ErrIfInterrupted() error { return d.scope.ErrIfInterrupted() }

func (d *ReadDao) Query(query string, args ...any) (*sql.Rows, error) {
	return d.q().QueryContext(d.scope.Context(), query, args...)
}

func (d *ReadDao) QueryRow(query string, args ...any) *sql.Row {
	return d.q().QueryRowContext(d.scope.Context(), query, args...)
}

// WriteDao extends ReadDao with statement execution. Only handed out
// inside a write transaction.
type WriteDao struct {
	ReadDao
	tx *sql.Tx
}

func (d *WriteDao) Exec(query string, args ...any) (sql.Result, error) {
	return d.tx.ExecContext(d.scope.Context(), query, args...)
}
