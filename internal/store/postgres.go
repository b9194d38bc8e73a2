package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/chainaudit/chainaudit/internal/closure"
	"github.com/chainaudit/chainaudit/internal/ledger"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id            BIGSERIAL PRIMARY KEY,
		timestamp     TIMESTAMPTZ NOT NULL,
		actor_id      BIGINT,
		action        VARCHAR(100) NOT NULL,
		target        VARCHAR(100),
		details       TEXT,
		previous_hash VARCHAR(64) NOT NULL UNIQUE,
		current_hash  VARCHAR(64) NOT NULL UNIQUE,
		signature     VARCHAR(64) NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_actor ON ledger_entries(actor_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger_entries(timestamp);

	CREATE TABLE IF NOT EXISTS daily_closures (
		id            BIGSERIAL PRIMARY KEY,
		date          VARCHAR(10) NOT NULL UNIQUE,
		last_entry_id BIGINT NOT NULL,
		root_hash     VARCHAR(64) NOT NULL,
		signature     VARCHAR(64) NOT NULL,
		closed_at     TIMESTAMPTZ NOT NULL
	);
`

// PostgreSQL error codes the backend reacts to.
const (
	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
)

// Postgres is the shared-database backend. The tail lock is a table lock
// taken inside the append transaction with a bounded lock_timeout, so it
// holds across every process writing to the same database.
type Postgres struct {
	sqlStore
	lockTimeout time.Duration
}

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string, lockTimeout time.Duration) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating postgres schema: %w", err)
	}

	slog.Debug("postgres ledger opened")
	return &Postgres{
		sqlStore: sqlStore{
			db:       db,
			dollar:   true,
			bindTime: func(t time.Time) any { return t.UTC() },
		},
		lockTimeout: lockTimeout,
	}, nil
}

// DB exposes the underlying handle for maintenance tooling and tests.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) AppendEntry(ctx context.Context, build func(previousHash string) (*ledger.Entry, error)) (*ledger.Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("beginning append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())); err != nil {
		return nil, pgErr("setting lock timeout", err)
	}
	// SHARE ROW EXCLUSIVE conflicts with itself: one appender at a time,
	// while plain readers are never blocked.
	if _, err := tx.ExecContext(ctx, "LOCK TABLE ledger_entries IN SHARE ROW EXCLUSIVE MODE"); err != nil {
		return nil, pgErr("locking ledger tail", err)
	}

	previous := ledger.GenesisHash
	var tail string
	err = tx.QueryRowContext(ctx, "SELECT current_hash FROM ledger_entries ORDER BY id DESC LIMIT 1 FOR UPDATE").Scan(&tail)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, pgErr("reading tail hash", err)
	default:
		previous = tail
	}

	e, err := build(previous)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (timestamp, actor_id, action, target, details, previous_hash, current_hash, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		e.Timestamp.UTC(), nullInt(e.ActorID), e.Action, nullString(e.Target),
		nullString(e.Details), e.PreviousHash, e.CurrentHash, e.Signature,
	).Scan(&e.ID)
	if err != nil {
		return nil, pgErr("inserting entry", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, pgErr("committing entry", err)
	}
	return e, nil
}

// ScanEntries reads from one REPEATABLE READ snapshot.
func (p *Postgres) ScanEntries(ctx context.Context, from, to int64, fn func(*ledger.Entry) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return storageErr("beginning scan", err)
	}
	defer tx.Rollback()
	return p.scanTx(ctx, tx, from, to, fn)
}

func (p *Postgres) InsertClosure(ctx context.Context, c *closure.Closure) error {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO daily_closures (date, last_entry_id, root_hash, signature, closed_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		c.Date, c.LastEntryID, c.RootHash, c.Signature, c.ClosedAt.UTC(),
	).Scan(&c.ID)
	if err != nil {
		var pqe *pq.Error
		if errors.As(err, &pqe) && pqe.Code == pgUniqueViolation {
			return fmt.Errorf("%s: %w", c.Date, closure.ErrAlreadyClosed)
		}
		return storageErr("inserting closure", err)
	}
	return nil
}

func pgErr(op string, err error) error {
	var pqe *pq.Error
	if errors.As(err, &pqe) && pqe.Code == pgLockNotAvailable {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrConcurrencyTimeout, err)
	}
	return storageErr(op, err)
}
