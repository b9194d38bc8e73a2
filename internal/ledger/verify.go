package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Failure is one integrity check an entry did not pass. An entry can fail
// several checks at once.
type Failure string

const (
	// BrokenPrecedent: previousHash differs from the stored hash of the
	// entry before it (or from GenesisHash for the first entry).
	BrokenPrecedent Failure = "broken_precedent"
	// BadHash: the recomputed content hash differs from currentHash.
	BadHash Failure = "bad_hash"
	// BadHMAC: the recomputed signature differs from the stored one.
	BadHMAC Failure = "bad_hmac"
	// BadEncoding: a stored field could not be decoded or the details
	// could not be canonicalised, so neither hash nor signature can be
	// reproduced.
	BadEncoding Failure = "bad_encoding"
)

// Range bounds a verification run. Zero values mean the whole chain.
type Range struct {
	From int64 // First id to check, inclusive.
	To   int64 // Last id to check, inclusive. <= 0 means the current tail.

	// Seed overrides the expected previousHash of the first checked entry,
	// e.g. with the root hash of a trusted closure.
	Seed string
}

// EntryReport is the verification outcome for one entry.
type EntryReport struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Action           string    `json:"action"`
	Target           *string   `json:"target,omitempty"`
	ExpectedPrevious string    `json:"expected_previous"`
	PreviousHash     string    `json:"previous_hash"`
	StoredHash       string    `json:"stored_hash"`
	ComputedHash     string    `json:"computed_hash,omitempty"`
	Failures         []Failure `json:"failures,omitempty"`
	EncodingError    string    `json:"encoding_error,omitempty"`
}

// OK reports whether the entry passed every check.
func (r EntryReport) OK() bool {
	return len(r.Failures) == 0
}

// Has reports whether the entry failed check f.
func (r EntryReport) Has(f Failure) bool {
	for _, got := range r.Failures {
		if got == f {
			return true
		}
	}
	return false
}

// Report is the result of one verification run.
type Report struct {
	RunID          string        `json:"run_id"`
	Valid          bool          `json:"valid"`
	From           int64         `json:"from"`
	To             int64         `json:"to"`
	EntriesChecked int           `json:"entries_checked"`
	EntriesFailed  int           `json:"entries_failed"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	Entries        []EntryReport `json:"entries"`
}

// Failed returns the reports of entries that failed at least one check.
func (r *Report) Failed() []EntryReport {
	var out []EntryReport
	for _, e := range r.Entries {
		if !e.OK() {
			out = append(out, e)
		}
	}
	return out
}

// Verify walks the entries in rng in ascending id order and re-derives the
// chain link, content hash and signature of each one.
//
// After each entry the expected previousHash advances to that entry's
// stored currentHash, not the recomputed one, so one corrupted entry does
// not flag every entry after it. Verify never writes and may run while
// appends are in progress: it reads a single snapshot.
func (l *Ledger) Verify(ctx context.Context, rng Range) (*Report, error) {
	start := l.clock()
	report := &Report{
		RunID:     uuid.NewString(),
		From:      rng.From,
		To:        rng.To,
		StartedAt: start.UTC(),
		Entries:   []EntryReport{},
	}

	expected := GenesisHash
	switch {
	case rng.Seed != "":
		expected = rng.Seed
	case rng.From > 1:
		h, ok, err := l.store.HashBefore(ctx, rng.From)
		if err != nil {
			return nil, fmt.Errorf("seeding verification at %d: %w", rng.From, err)
		}
		if ok {
			expected = h
		}
	}

	err := l.store.ScanEntries(ctx, rng.From, rng.To, func(e *Entry) error {
		item := l.checkEntry(e, expected)
		if !item.OK() {
			report.EntriesFailed++
		}
		report.Entries = append(report.Entries, item)
		report.EntriesChecked++
		expected = e.CurrentHash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning ledger: %w", err)
	}

	if n := len(report.Entries); n > 0 {
		report.From = report.Entries[0].ID
		report.To = report.Entries[n-1].ID
	}
	report.Valid = report.EntriesFailed == 0
	report.Duration = l.clock().Sub(start)
	return report, nil
}

func (l *Ledger) checkEntry(e *Entry, expectedPrevious string) EntryReport {
	item := EntryReport{
		ID:               e.ID,
		Timestamp:        e.Timestamp,
		Action:           e.Action,
		Target:           e.Target,
		ExpectedPrevious: expectedPrevious,
		PreviousHash:     e.PreviousHash,
		StoredHash:       e.CurrentHash,
	}

	if e.PreviousHash != expectedPrevious {
		item.Failures = append(item.Failures, BrokenPrecedent)
	}

	if e.Malformed != "" {
		item.Failures = append(item.Failures, BadEncoding)
		item.EncodingError = e.Malformed
		return item
	}

	payload, err := CanonicalPayload(e)
	if err != nil {
		if !errors.Is(err, ErrEncoding) {
			err = fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		item.Failures = append(item.Failures, BadEncoding)
		item.EncodingError = err.Error()
		return item
	}

	item.ComputedHash = Hash(payload)
	if item.ComputedHash != e.CurrentHash {
		item.Failures = append(item.Failures, BadHash)
	}
	if !l.signer.Verify(payload, e.Signature) {
		item.Failures = append(item.Failures, BadHMAC)
	}
	return item
}
