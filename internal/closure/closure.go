// Package closure creates and checks daily closures: signed checkpoints that
// anchor the ledger's state at the end of a UTC calendar day.
package closure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/chainaudit/chainaudit/internal/ledger"
	"github.com/chainaudit/chainaudit/internal/metrics"
)

// DateLayout is the closure date form.
const DateLayout = "2006-01-02"

var (
	// ErrAlreadyClosed means a closure already exists for the date.
	ErrAlreadyClosed = errors.New("closure: day already closed")

	// ErrNoEntries means the day has no ledger entries to anchor.
	ErrNoEntries = errors.New("closure: no ledger entries for day")
)

// Closure is one persisted daily checkpoint. Immutable once created.
type Closure struct {
	ID          int64     `json:"id"`
	Date        string    `json:"date"`
	LastEntryID int64     `json:"last_entry_id"`
	RootHash    string    `json:"root_hash"`
	Signature   string    `json:"signature"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Store persists closures and answers the ledger lookups closing needs.
type Store interface {
	// LastEntryBetween returns the max-id entry with start <= timestamp < end,
	// or ledger.ErrNotFound.
	LastEntryBetween(ctx context.Context, start, end time.Time) (*ledger.Entry, error)

	// ClosureByDate returns the closure for date; ok is false when none.
	ClosureByDate(ctx context.Context, date string) (c *Closure, ok bool, err error)

	// InsertClosure stores c and sets c.ID. A duplicate date wraps
	// ErrAlreadyClosed.
	InsertClosure(ctx context.Context, c *Closure) error

	// ListClosures returns all closures ordered by date.
	ListClosures(ctx context.Context) ([]Closure, error)
}

// Service creates and verifies closures.
type Service struct {
	ledger  *ledger.Ledger
	store   Store
	signer  *ledger.Signer
	clock   func() time.Time
	metrics *metrics.Metrics
}

// Options configures a Service. Clock defaults to time.Now; Metrics may be nil.
type Options struct {
	Ledger  *ledger.Ledger
	Store   Store
	Clock   func() time.Time
	Metrics *metrics.Metrics
}

// New creates a Service. Closures are signed with the ledger's key.
func New(opts Options) (*Service, error) {
	if opts.Ledger == nil || opts.Store == nil {
		return nil, errors.New("closure: ledger and store are required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		ledger:  opts.Ledger,
		store:   opts.Store,
		signer:  opts.Ledger.Signer(),
		clock:   clock,
		metrics: opts.Metrics,
	}, nil
}

// Payload returns the string a closure signature covers.
func Payload(date string, lastEntryID int64, rootHash string) string {
	return "CLOSURE|" + date + "|" + strconv.FormatInt(lastEntryID, 10) + "|" + rootHash
}

// CloseDay anchors the given UTC day, or yesterday when date is nil.
func (s *Service) CloseDay(ctx context.Context, date *time.Time) (*Closure, error) {
	c, err := s.closeDay(ctx, date)
	switch {
	case err == nil:
		s.metrics.IncClosures(metrics.OutcomeSuccess)
	case errors.Is(err, ErrAlreadyClosed):
		s.metrics.IncClosures(metrics.OutcomeAlreadyClosed)
	case errors.Is(err, ErrNoEntries):
		s.metrics.IncClosures(metrics.OutcomeNoEntries)
	default:
		s.metrics.IncClosures(metrics.OutcomeFailure)
	}
	return c, err
}

func (s *Service) closeDay(ctx context.Context, date *time.Time) (*Closure, error) {
	var day time.Time
	if date != nil {
		day = date.UTC()
	} else {
		day = s.clock().UTC().AddDate(0, 0, -1)
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	key := start.Format(DateLayout)

	if _, ok, err := s.store.ClosureByDate(ctx, key); err != nil {
		return nil, fmt.Errorf("looking up closure for %s: %w", key, err)
	} else if ok {
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyClosed)
	}

	last, err := s.store.LastEntryBetween(ctx, start, end)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNoEntries)
	}
	if err != nil {
		return nil, fmt.Errorf("finding last entry for %s: %w", key, err)
	}

	c := &Closure{
		Date:        key,
		LastEntryID: last.ID,
		RootHash:    last.CurrentHash,
		ClosedAt:    s.clock().UTC().Truncate(time.Second),
	}
	c.Signature = s.signer.Sign([]byte(Payload(c.Date, c.LastEntryID, c.RootHash)))

	// A concurrent close of the same day loses on the unique date.
	if err := s.store.InsertClosure(ctx, c); err != nil {
		return nil, fmt.Errorf("storing closure for %s: %w", key, err)
	}

	slog.Info("daily closure created", "date", c.Date, "last_entry_id", c.LastEntryID, "root_hash", c.RootHash)
	return c, nil
}

// List returns all closures ordered by date.
func (s *Service) List(ctx context.Context) ([]Closure, error) {
	return s.store.ListClosures(ctx)
}

// Verification is the outcome of VerifyClosures.
type Verification struct {
	Valid            bool    `json:"valid"`
	Checked          int     `json:"checked"`
	BrokenClosureIDs []int64 `json:"broken_closure_ids"`
}

// VerifyClosures recomputes every closure signature. It protects against a
// closure row being replaced, not against ledger edits between closures.
func (s *Service) VerifyClosures(ctx context.Context) (*Verification, error) {
	closures, err := s.store.ListClosures(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing closures: %w", err)
	}
	v := &Verification{BrokenClosureIDs: []int64{}}
	for _, c := range closures {
		v.Checked++
		if !s.signatureOK(c) {
			v.BrokenClosureIDs = append(v.BrokenClosureIDs, c.ID)
		}
	}
	v.Valid = len(v.BrokenClosureIDs) == 0
	return v, nil
}

func (s *Service) signatureOK(c Closure) bool {
	return s.signer.Verify([]byte(Payload(c.Date, c.LastEntryID, c.RootHash)), c.Signature)
}

// Anchor is the cross-check of one closure against the ledger.
type Anchor struct {
	ClosureID   int64  `json:"closure_id"`
	Date        string `json:"date"`
	LastEntryID int64  `json:"last_entry_id"`
	RootHash    string `json:"root_hash"`
	StoredHash  string `json:"stored_hash,omitempty"`
	Missing     bool   `json:"missing"`
	OK          bool   `json:"ok"`
}

// CheckAnchors compares each closure's root hash with the stored hash of the
// entry it anchors. A mismatch or a missing entry means the ledger was
// rewritten after the day was closed.
func (s *Service) CheckAnchors(ctx context.Context) ([]Anchor, error) {
	closures, err := s.store.ListClosures(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing closures: %w", err)
	}
	out := make([]Anchor, 0, len(closures))
	for _, c := range closures {
		a := Anchor{ClosureID: c.ID, Date: c.Date, LastEntryID: c.LastEntryID, RootHash: c.RootHash}
		e, err := s.ledger.Get(ctx, c.LastEntryID)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			a.Missing = true
		case err != nil:
			return nil, fmt.Errorf("reading anchored entry %d: %w", c.LastEntryID, err)
		default:
			a.StoredHash = e.CurrentHash
			a.OK = e.CurrentHash == c.RootHash
		}
		out = append(out, a)
	}
	return out, nil
}

// VerifySinceLastClosure verifies only the entries after the newest closure
// whose signature is valid, seeding the chain with its root hash. Without
// such a closure the whole chain is verified. The closure used is returned,
// nil when none.
func (s *Service) VerifySinceLastClosure(ctx context.Context) (*ledger.Report, *Closure, error) {
	closures, err := s.store.ListClosures(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing closures: %w", err)
	}
	sort.Slice(closures, func(i, j int) bool { return closures[i].LastEntryID > closures[j].LastEntryID })

	for i := range closures {
		c := closures[i]
		if !s.signatureOK(c) {
			slog.Warn("skipping closure with invalid signature", "id", c.ID, "date", c.Date)
			continue
		}
		report, err := s.ledger.Verify(ctx, ledger.Range{From: c.LastEntryID + 1, Seed: c.RootHash})
		if err != nil {
			return nil, nil, err
		}
		return report, &c, nil
	}

	report, err := s.ledger.Verify(ctx, ledger.Range{})
	if err != nil {
		return nil, nil, err
	}
	return report, nil, nil
}
