package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"lattice/internal/config"
)

// Store manages coordinator persistence backed by SQLite. Every method is
// safe for concurrent use; claims and transitions serialize on SQLite's
// writer lock rather than on an in-process mutex.
type Store struct {
	db   *sql.DB
	path string
}

// busyPolicy bounds how long a write waits out SQLITE_BUSY before the
// error reaches the caller. busy_timeout covers most contention; this
// catches the lock upgrades SQLite refuses to wait on.
type busyPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

var defaultBusyPolicy = busyPolicy{attempts: 5, initial: 10 * time.Millisecond, max: 200 * time.Millisecond}

// sqliteBusy is the primary result code; extended codes share the low byte.
const sqliteBusy = 5

// connectionPragmas apply per connection, so they ride on the DSN.
var connectionPragmas = []string{"busy_timeout(5000)", "foreign_keys(1)"}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code()&0xff == sqliteBusy
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// run calls op until it succeeds, fails with something other than busy, or
// the attempts are spent. The delay doubles up to max.
func (p busyPolicy) run(ctx context.Context, op func() error) error {
	delay := p.initial
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !isSQLiteBusy(err) || attempt >= p.attempts {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay = min(delay*2, p.max)
	}
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var res sql.Result
	err := defaultBusyPolicy.run(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// withTx runs fn inside a transaction, retrying the whole unit when SQLite
// reports the database busy. fn may therefore run more than once.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx = ensureContext(ctx)
	return defaultBusyPolicy.run(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func openDB(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=" + strings.Join(connectionPragmas, "&_pragma=")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// journal_mode is stored in the file, so once is enough.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return db, nil
}

// Open initializes or connects to the coordinator database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	path := cfg.DatabasePath()
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	st := &Store{db: db, path: path}
	if err := st.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
