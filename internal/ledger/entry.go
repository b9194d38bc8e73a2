// Package ledger implements the tamper-evident audit ledger: an append-only
// log where every entry carries the hash of its predecessor and an HMAC
// signature keyed with a process-wide secret.
//
// Each entry's hash is SHA-256 over the canonical JSON payload
//
//	{action, actorId, details, previousHash, target, timestamp}
//
// and the signature is HMAC-SHA256 over the same bytes. Editing any stored
// field, deleting a row or re-ordering rows is detected by Verify, which
// reports every problem it finds in a single pass.
package ledger

import (
	"context"
	"time"
)

// GenesisHash is the previousHash of the first entry ever written.
const GenesisHash = "GENESIS_HASH"

// TimestampLayout is the canonical timestamp form: UTC, whole seconds,
// explicit "Z" suffix.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Entry is one persisted ledger record.
//
// ID is assigned by storage on insert and defines the chain order.
// CurrentHash and Signature are written once and never updated.
type Entry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ActorID      *int64    `json:"actor_id"`
	Action       string    `json:"action"`
	Target       *string   `json:"target"`
	Details      *string   `json:"details"` // Canonical JSON text, nil when absent.
	PreviousHash string    `json:"previous_hash"`
	CurrentHash  string    `json:"current_hash"`
	Signature    string    `json:"signature"`

	// Malformed is set by the store when a stored column could not be
	// decoded into its field. The field is left at its zero value.
	Malformed string `json:"malformed,omitempty"`
}

// Event is the input to Append: what happened, who did it, to what.
//
// An empty Target and a nil or empty Details map are both recorded as
// absent (null in the canonical payload).
type Event struct {
	ActorID *int64         `json:"actor_id"`
	Action  string         `json:"action"`
	Target  string         `json:"target,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// QueryParams filters Query results. Zero values mean "no filter".
type QueryParams struct {
	ActorID *int64    // Exact actor match.
	Action  string    // Glob over the action code, e.g. "ECHEC_*".
	Since   time.Time // Entries at or after this instant.
	Limit   int       // Maximum entries returned (newest first).
}

// Store persists ledger entries. Implementations live in internal/store.
type Store interface {
	// AppendEntry acquires the tail lock (bounded wait), reads the
	// currentHash of the max-id entry (GenesisHash when empty), calls build
	// with it and inserts the returned entry, all in one transaction.
	// The inserted entry is returned with its ID set. Lock timeouts wrap
	// ErrConcurrencyTimeout, other failures wrap ErrStorage.
	AppendEntry(ctx context.Context, build func(previousHash string) (*Entry, error)) (*Entry, error)

	// GetEntry returns the entry with the given id or ErrNotFound.
	GetEntry(ctx context.Context, id int64) (*Entry, error)

	// ScanEntries calls fn for every entry with from <= id <= to in
	// ascending id order, reading from a single snapshot. to <= 0 means
	// "up to the tail as of the start of the scan".
	ScanEntries(ctx context.Context, from, to int64, fn func(*Entry) error) error

	// HashBefore returns the stored currentHash of the nearest entry with
	// an id lower than id. ok is false when there is none.
	HashBefore(ctx context.Context, id int64) (hash string, ok bool, err error)

	// QueryEntries returns entries newest first, filtered on actor and
	// since. Action globs and limits are applied by the caller.
	QueryEntries(ctx context.Context, actorID *int64, since time.Time, limit int) ([]Entry, error)

	// EntriesAfter returns entries with id > afterID in ascending order.
	EntriesAfter(ctx context.Context, afterID int64, limit int) ([]Entry, error)

	Close() error
}

// FormatTimestamp renders t in the canonical layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}

// ParseTimestamp parses a stored timestamp. It accepts the canonical layout
// and any RFC 3339 variant, normalising to UTC seconds.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Second), nil
}
