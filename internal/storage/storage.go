// Package storage opens the per-database connection pair every engine
// runs on: one serialized writer and one reader that never blocks
// behind it (WAL isolation). Each connection carries its own interrupt
// handle so a foreground read can be cancelled without touching a
// background sync.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bridgesync/bsync/internal/interrupt"
)

var (
	// ErrMigration means the schema upgrade failed; the database file
	// was left as found.
	ErrMigration = errors.New("schema migration failed")
)

// MigrationFunc brings the schema up to date inside one transaction.
// Must be idempotent (CREATE IF NOT EXISTS / pragma_table_info probes).
type MigrationFunc func(tx *sql.Tx) error

// Store is the dual-connection database handle shared by the engines
// of one profile.
type Store struct {
	writer *sql.DB
	reader *sql.DB

	writeMu sync.Mutex
	readMu  sync.Mutex

	writerHandle *interrupt.Handle
	readerHandle *interrupt.Handle
}

var memSeq atomic.Int64

// Open opens (creating if needed) the database at path and runs
// migrate on the writer inside a single transaction before the reader
// connects. ":memory:" opens a private shared-cache in-memory database
// so both connections see the same data.
func Open(path string, migrate MigrationFunc) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		// Two connections on a plain :memory: DSN would get two
		// databases; a named shared-cache DB keeps them together.
		dsn = fmt.Sprintf("file:bsync_mem_%d?mode=memory&cache=shared", memSeq.Add(1))
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + path
	}
	params := "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	if path == ":memory:" {
		params = "&_journal_mode=MEMORY&_foreign_keys=on&_busy_timeout=5000"
	}

	writer, err := openConn(dsn + params)
	if err != nil {
		return nil, err
	}
	if err := runMigration(writer, migrate); err != nil {
		writer.Close()
		return nil, err
	}
	reader, err := openConn(dsn + params)
	if err != nil {
		writer.Close()
		return nil, err
	}

	return &Store{
		writer:       writer,
		reader:       reader,
		writerHandle: interrupt.NewHandle(),
		readerHandle: interrupt.NewHandle(),
	}, nil
}

func openConn(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One underlying connection per handle; the mutexes above do the
	// serialization, the pool must not hand out a second conn.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// 6 MiB page cache (negative value = KiB units).
	if _, err := db.Exec("PRAGMA cache_size=-6144"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache size: %w", err)
	}
	return db, nil
}

func runMigration(db *sql.DB, migrate MigrationFunc) error {
	if migrate == nil {
		return nil
	}
	// Enable incremental auto-vacuum only on a fresh file; the pragma
	// is a no-op once tables exist.
	var pages int
	if err := db.QueryRow("PRAGMA page_count").Scan(&pages); err == nil && pages <= 1 {
		_, _ = db.Exec("PRAGMA auto_vacuum=INCREMENTAL")
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrMigration, err)
	}
	if err := migrate(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrMigration, err)
	}
	return nil
}

// WriterHandle returns the interrupt handle of the write connection.
func (s *Store) WriterHandle() *interrupt.Handle { return s.writerHandle }

// ReaderHandle returns the interrupt handle of the read connection.
func (s *Store) ReaderHandle() *interrupt.Handle { return s.readerHandle }

// InterruptAll flags both handles.
func (s *Store) InterruptAll() {
	s.writerHandle.Interrupt()
	s.readerHandle.Interrupt()
}

// InterruptReaders flags only the reader, leaving a background sync
// undisturbed.
func (s *Store) InterruptReaders() {
	s.readerHandle.Interrupt()
}

// Read runs op on the reader connection under the reader's interrupt
// scope. No transaction is opened; ops needing a consistent snapshot
// across several queries begin one via dao.Begin.
func (s *Store) Read(ctx context.Context, op func(dao *ReadDao) error) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	scope, err := s.readerHandle.BeginScope(ctx)
	if err != nil {
		return err
	}
	defer scope.End()
	return op(&ReadDao{db: s.reader, scope: scope})
}

// Write runs op on the writer connection inside a deferred
// transaction, committing on nil and rolling back on error.
func (s *Store) Write(ctx context.Context, op func(dao *WriteDao) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	scope, err := s.writerHandle.BeginScope(ctx)
	if err != nil {
		return err
	}
	defer scope.End()

	tx, err := s.writer.BeginTx(scope.Context(), nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	dao := &WriteDao{ReadDao: ReadDao{tx: tx, scope: scope}, tx: tx}
	if err := op(dao); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write tx: %w", err)
	}
	return nil
}

// Close closes both connections. The writer runs PRAGMA optimize
// first; the reader is closed as-is.
func (s *Store) Close() error {
	s.InterruptAll()
	s.readMu.Lock()
	rerr := s.reader.Close()
	s.readMu.Unlock()

	s.writeMu.Lock()
	_, _ = s.writer.Exec("PRAGMA optimize")
	werr := s.writer.Close()
	s.writeMu.Unlock()

	if werr != nil {
		return werr
	}
	return rerr
}
