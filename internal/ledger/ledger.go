package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Options holds the dependencies of a Ledger.
type Options struct {
	Store  Store
	Signer *Signer

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// OnAppend, if set, is called after each committed append.
	OnAppend func(Entry)
}

// Ledger is the single entry point for writing and reading the audit chain.
// Safe for concurrent use: appends are serialised by the store's tail lock.
type Ledger struct {
	store    Store
	signer   *Signer
	clock    func() time.Time
	onAppend func(Entry)
}

// New creates a Ledger over the given store and signer.
func New(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("ledger: signer is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		store:    opts.Store,
		signer:   opts.Signer,
		clock:    clock,
		onAppend: opts.OnAppend,
	}, nil
}

// Signer returns the signer used for entries. The closure service signs
// checkpoints with the same key.
func (l *Ledger) Signer() *Signer {
	return l.signer
}

// Append records ev as a new entry linked to the current tail.
//
// Exactly one row is written on success and none on failure. Append never
// retries: ErrConcurrencyTimeout is returned as-is so callers can decide.
func (l *Ledger) Append(ctx context.Context, ev Event) (*Entry, error) {
	if strings.TrimSpace(ev.Action) == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}

	// Details are canonicalised before taking the lock.
	details, err := EncodeDetails(ev.Details)
	if err != nil {
		return nil, fmt.Errorf("encoding details for %s: %w", ev.Action, err)
	}

	var target *string
	if ev.Target != "" {
		t := ev.Target
		target = &t
	}
	ts := l.clock().UTC().Truncate(time.Second)

	entry, err := l.store.AppendEntry(ctx, func(previousHash string) (*Entry, error) {
		e := &Entry{
			Timestamp:    ts,
			ActorID:      ev.ActorID,
			Action:       ev.Action,
			Target:       target,
			Details:      details,
			PreviousHash: previousHash,
		}
		payload, err := CanonicalPayload(e)
		if err != nil {
			return nil, err
		}
		e.CurrentHash = Hash(payload)
		e.Signature = l.signer.Sign(payload)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("appending %s: %w", ev.Action, err)
	}

	slog.Debug("ledger entry appended", "id", entry.ID, "action", entry.Action)
	if l.onAppend != nil {
		l.onAppend(*entry)
	}
	return entry, nil
}

// Get returns a single entry by id.
func (l *Ledger) Get(ctx context.Context, id int64) (*Entry, error) {
	return l.store.GetEntry(ctx, id)
}

// Query returns entries matching params, newest first.
func (l *Ledger) Query(ctx context.Context, params QueryParams) ([]Entry, error) {
	var matcher glob.Glob
	if params.Action != "" {
		g, err := glob.Compile(strings.ToUpper(params.Action))
		if err != nil {
			return nil, fmt.Errorf("invalid action pattern %q: %w", params.Action, err)
		}
		matcher = g
	}

	// The glob is applied here, so the store cannot apply the limit.
	storeLimit := params.Limit
	if matcher != nil {
		storeLimit = 0
	}
	entries, err := l.store.QueryEntries(ctx, params.ActorID, params.Since, storeLimit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	if matcher == nil {
		return entries, nil
	}

	filtered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !matcher.Match(strings.ToUpper(e.Action)) {
			continue
		}
		filtered = append(filtered, e)
		if params.Limit > 0 && len(filtered) >= params.Limit {
			break
		}
	}
	return filtered, nil
}

// Tail returns the limit most recent entries, newest first.
func (l *Ledger) Tail(ctx context.Context, limit int) ([]Entry, error) {
	return l.Query(ctx, QueryParams{Limit: limit})
}

// Follow polls for entries appended after afterID and calls fn for each,
// in order. Blocks until ctx is cancelled.
func (l *Ledger) Follow(ctx context.Context, afterID int64, interval time.Duration, fn func(Entry)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := afterID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := l.store.EntriesAfter(ctx, last, 500)
			if err != nil {
				slog.Error("follow: error reading entries", "error", err)
				continue
			}
			for _, e := range entries {
				fn(e)
				last = e.ID
			}
		}
	}
}

// Export writes every entry, oldest first, in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func (l *Ledger) Export(ctx context.Context, w io.Writer, format string) error {
	var entries []Entry
	collect := func(e *Entry) error {
		entries = append(entries, *e)
		return nil
	}

	switch format {
	case "json":
		if err := l.store.ScanEntries(ctx, 0, 0, collect); err != nil {
			return fmt.Errorf("reading entries for export: %w", err)
		}
		if entries == nil {
			entries = []Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"id", "timestamp", "actor_id", "action", "target", "details", "previous_hash", "current_hash", "signature"}); err != nil {
			return err
		}
		err := l.store.ScanEntries(ctx, 0, 0, func(e *Entry) error {
			return cw.Write([]string{
				strconv.FormatInt(e.ID, 10),
				FormatTimestamp(e.Timestamp),
				optInt(e.ActorID),
				e.Action,
				optString(e.Target),
				optString(e.Details),
				e.PreviousHash,
				e.CurrentHash,
				e.Signature,
			})
		})
		if err != nil {
			return fmt.Errorf("exporting csv: %w", err)
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		err := l.store.ScanEntries(ctx, 0, 0, func(e *Entry) error {
			return enc.Encode(e)
		})
		if err != nil {
			return fmt.Errorf("exporting jsonl: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
