package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/chainaudit/chainaudit/internal/closure"
	"github.com/chainaudit/chainaudit/internal/ledger"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     TEXT NOT NULL,
		actor_id      INTEGER,
		action        TEXT NOT NULL,
		target        TEXT,
		details       TEXT,
		previous_hash TEXT NOT NULL UNIQUE,
		current_hash  TEXT NOT NULL UNIQUE,
		signature     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_actor ON ledger_entries(actor_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger_entries(timestamp);

	CREATE TABLE IF NOT EXISTS daily_closures (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		date          TEXT NOT NULL UNIQUE,
		last_entry_id INTEGER NOT NULL,
		root_hash     TEXT NOT NULL,
		signature     TEXT NOT NULL,
		closed_at     TEXT NOT NULL
	);
`

// SQLite is the embedded backend.
//
// Appends in this process are serialised by an in-memory tail lock; other
// processes writing the same file (a CLI next to the server) are held off
// by BEGIN IMMEDIATE with busy_timeout set to the same bound.
type SQLite struct {
	sqlStore
	lock        *tailLock
	lockTimeout time.Duration
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(ctx context.Context, path string, lockTimeout time.Duration) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}

	// WAL lets the verifier read a snapshot while appends continue.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger %s: %w", path, err)
	}

	// journal_mode is persistent in the file; set it explicitly in case the
	// DSN pragma was not applied.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	slog.Debug("sqlite ledger opened", "path", path)
	return &SQLite{
		sqlStore: sqlStore{
			db:       db,
			bindTime: func(t time.Time) any { return ledger.FormatTimestamp(t) },
		},
		lock:        newTailLock(),
		lockTimeout: lockTimeout,
	}, nil
}

// DB exposes the underlying handle for maintenance tooling and tests.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) AppendEntry(ctx context.Context, build func(previousHash string) (*ledger.Entry, error)) (*ledger.Entry, error) {
	if err := s.lock.acquire(ctx, s.lockTimeout); err != nil {
		if errors.Is(err, ledger.ErrConcurrencyTimeout) {
			return nil, fmt.Errorf("waited %s: %w", s.lockTimeout, err)
		}
		return nil, err
	}
	defer s.lock.release()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, storageErr("acquiring connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
		return nil, storageErr("setting busy timeout", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, sqliteErr("beginning append", err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
				slog.Error("sqlite rollback failed", "error", err)
			}
		}
	}()

	previous := ledger.GenesisHash
	var tail string
	err = conn.QueryRowContext(ctx, "SELECT current_hash FROM ledger_entries ORDER BY id DESC LIMIT 1").Scan(&tail)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, sqliteErr("reading tail hash", err)
	default:
		previous = tail
	}

	e, err := build(previous)
	if err != nil {
		return nil, err
	}

	res, err := conn.ExecContext(ctx,
		`INSERT INTO ledger_entries (timestamp, actor_id, action, target, details, previous_hash, current_hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ledger.FormatTimestamp(e.Timestamp), nullInt(e.ActorID), e.Action, nullString(e.Target),
		nullString(e.Details), e.PreviousHash, e.CurrentHash, e.Signature,
	)
	if err != nil {
		return nil, sqliteErr("inserting entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, sqliteErr("reading entry id", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, sqliteErr("committing entry", err)
	}
	committed = true

	e.ID = id
	return e, nil
}

func (s *SQLite) ScanEntries(ctx context.Context, from, to int64, fn func(*ledger.Entry) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning scan", err)
	}
	defer tx.Rollback()
	return s.scanTx(ctx, tx, from, to, fn)
}

// InsertClosure shares the tail lock with appends: SQLite has a single
// writer and in-process writers queue here rather than on SQLITE_BUSY.
func (s *SQLite) InsertClosure(ctx context.Context, c *closure.Closure) error {
	if err := s.lock.acquire(ctx, s.lockTimeout); err != nil {
		return err
	}
	defer s.lock.release()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_closures (date, last_entry_id, root_hash, signature, closed_at) VALUES (?, ?, ?, ?, ?)`,
		c.Date, c.LastEntryID, c.RootHash, c.Signature, ledger.FormatTimestamp(c.ClosedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%s: %w", c.Date, closure.ErrAlreadyClosed)
		}
		return storageErr("inserting closure", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("reading closure id", err)
	}
	c.ID = id
	return nil
}

// sqliteErr maps SQLITE_BUSY to ErrConcurrencyTimeout and everything else
// to ErrStorage.
func sqliteErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrConcurrencyTimeout, err)
	}
	return storageErr(op, err)
}
