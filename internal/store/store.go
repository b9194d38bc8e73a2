// Package store persists ledger entries and daily closures in SQL databases.
//
// Two drivers are supported: an embedded pure-Go SQLite file (the default,
// stored at ~/.chainaudit/ledger.db) and PostgreSQL for shared deployments.
// Both use the same schema and the same read queries; they differ only in
// how the tail lock is taken on append.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainaudit/chainaudit/internal/closure"
	"github.com/chainaudit/chainaudit/internal/ledger"
)

// DefaultLockTimeout bounds how long an append waits for the tail lock.
const DefaultLockTimeout = 5 * time.Second

// Backend stores both entries and closures.
type Backend interface {
	ledger.Store
	closure.Store
}

// Options selects and configures a backend.
type Options struct {
	Driver      string // "sqlite" (default) or "postgres"
	Path        string // SQLite database file
	DSN         string // Postgres connection string
	LockTimeout time.Duration
}

// Open opens the configured backend and creates the schema if needed.
func Open(ctx context.Context, opts Options) (Backend, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	switch opts.Driver {
	case "", "sqlite":
		return OpenSQLite(ctx, opts.Path, opts.LockTimeout)
	case "postgres":
		return OpenPostgres(ctx, opts.DSN, opts.LockTimeout)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q (use sqlite or postgres)", opts.Driver)
	}
}

const entryColumns = "id, timestamp, actor_id, action, target, details, previous_hash, current_hash, signature"

const closureColumns = "id, date, last_entry_id, root_hash, signature, closed_at"

// sqlStore implements every read path on plain SQL shared by both drivers.
// Queries are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db       *sql.DB
	dollar   bool // Postgres-style $n placeholders
	bindTime func(time.Time) any
}

func (s *sqlStore) rebind(q string) string {
	if !s.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry decodes one row. Columns that do not decode (a rewritten
// timestamp, a non-numeric actor) are reported in Entry.Malformed rather
// than as an error, so the verifier can flag the row and keep going.
func scanEntry(r rowScanner) (*ledger.Entry, error) {
	var (
		e       ledger.Entry
		ts      any
		actor   any
		target  sql.NullString
		details sql.NullString
	)
	if err := r.Scan(&e.ID, &ts, &actor, &e.Action, &target, &details, &e.PreviousHash, &e.CurrentHash, &e.Signature); err != nil {
		return nil, err
	}
	var malformed []string
	if t, err := decodeTime(ts); err != nil {
		malformed = append(malformed, "timestamp: "+err.Error())
	} else {
		e.Timestamp = t
	}
	if id, err := decodeActor(actor); err != nil {
		malformed = append(malformed, "actor_id: "+err.Error())
	} else {
		e.ActorID = id
	}
	e.Malformed = strings.Join(malformed, "; ")
	if target.Valid {
		v := target.String
		e.Target = &v
	}
	if details.Valid {
		v := details.String
		e.Details = &v
	}
	return &e, nil
}

func scanClosure(r rowScanner) (*closure.Closure, error) {
	var (
		c        closure.Closure
		closedAt any
	)
	if err := r.Scan(&c.ID, &c.Date, &c.LastEntryID, &c.RootHash, &c.Signature, &closedAt); err != nil {
		return nil, err
	}
	t, err := decodeTime(closedAt)
	if err != nil {
		return nil, fmt.Errorf("closure %d: %w", c.ID, err)
	}
	c.ClosedAt = t
	return &c, nil
}

// decodeTime accepts the TEXT form SQLite returns and the time.Time
// Postgres returns.
func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Truncate(time.Second), nil
	case string:
		return ledger.ParseTimestamp(t)
	case []byte:
		return ledger.ParseTimestamp(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

// decodeActor accepts NULL, integers and integer text. SQLite keeps
// whatever was written to the column, so anything else is possible.
func decodeActor(v any) (*int64, error) {
	var id int64
	switch a := v.(type) {
	case nil:
		return nil, nil
	case int64:
		id = a
	case []byte:
		return decodeActor(string(a))
	case string:
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", a)
		}
		id = n
	default:
		return nil, fmt.Errorf("unexpected actor type %T", v)
	}
	return &id, nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ledger.ErrStorage, err)
}

func (s *sqlStore) GetEntry(ctx context.Context, id int64) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+entryColumns+" FROM ledger_entries WHERE id = ?"), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("reading entry", err)
	}
	return e, nil
}

// scanTx runs a ranged scan inside tx. The tail id is read first so rows
// committed by appenders after that point are not visited.
func (s *sqlStore) scanTx(ctx context.Context, tx *sql.Tx, from, to int64, fn func(*ledger.Entry) error) error {
	if to <= 0 {
		var tail sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT MAX(id) FROM ledger_entries").Scan(&tail); err != nil {
			return storageErr("reading tail", err)
		}
		if !tail.Valid {
			return nil
		}
		to = tail.Int64
	}

	rows, err := tx.QueryContext(ctx,
		s.rebind("SELECT "+entryColumns+" FROM ledger_entries WHERE id >= ? AND id <= ? ORDER BY id ASC"),
		from, to)
	if err != nil {
		return storageErr("scanning entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return storageErr("scanning entry row", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("scanning entries", err)
	}
	return nil
}

func (s *sqlStore) HashBefore(ctx context.Context, id int64) (string, bool, error) {
	var h string
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT current_hash FROM ledger_entries WHERE id < ? ORDER BY id DESC LIMIT 1"), id).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("reading preceding hash", err)
	}
	return h, true, nil
}

func (s *sqlStore) QueryEntries(ctx context.Context, actorID *int64, since time.Time, limit int) ([]ledger.Entry, error) {
	query := "SELECT " + entryColumns + " FROM ledger_entries WHERE 1=1"
	var args []any

	if actorID != nil {
		query += " AND actor_id = ?"
		args = append(args, *actorID)
	}
	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, s.bindTime(since))
	}

	query += " ORDER BY id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEntries(ctx, s.rebind(query), args...)
}

func (s *sqlStore) EntriesAfter(ctx context.Context, afterID int64, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryEntries(ctx,
		s.rebind("SELECT "+entryColumns+" FROM ledger_entries WHERE id > ? ORDER BY id ASC LIMIT ?"),
		afterID, limit)
}

func (s *sqlStore) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("querying entries", err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("scanning entry row", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("querying entries", err)
	}
	return entries, nil
}

func (s *sqlStore) LastEntryBetween(ctx context.Context, start, end time.Time) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+entryColumns+" FROM ledger_entries WHERE timestamp >= ? AND timestamp < ? ORDER BY id DESC LIMIT 1"),
		s.bindTime(start), s.bindTime(end))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("reading last entry of day", err)
	}
	return e, nil
}

func (s *sqlStore) ClosureByDate(ctx context.Context, date string) (*closure.Closure, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+closureColumns+" FROM daily_closures WHERE date = ?"), date)
	c, err := scanClosure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("reading closure", err)
	}
	return c, true, nil
}

func (s *sqlStore) ListClosures(ctx context.Context) ([]closure.Closure, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+closureColumns+" FROM daily_closures ORDER BY date ASC")
	if err != nil {
		return nil, storageErr("listing closures", err)
	}
	defer rows.Close()

	out := []closure.Closure{}
	for rows.Next() {
		c, err := scanClosure(rows)
		if err != nil {
			return nil, storageErr("scanning closure row", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing closures", err)
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
