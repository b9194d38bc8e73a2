// Package recorder is the entry point business code calls to record an
// audit event. It masks sensitive details, appends to the ledger and applies
// the configured failure policy.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/chainaudit/chainaudit/internal/ledger"
	"github.com/chainaudit/chainaudit/internal/metrics"
)

// OnFailure values.
const (
	// Continue logs the failure and lets the business operation proceed.
	Continue = "continue"
	// Block makes every failed record an error the caller must act on.
	Block = "block"
)

// ErrAuditRequired is returned when an event could not be recorded and the
// policy does not allow the operation to proceed without it.
var ErrAuditRequired = errors.New("recorder: audit record required but not written")

// Policy controls failure handling and masking. It can be swapped at
// runtime with SetPolicy.
type Policy struct {
	OnFailure       string   // Continue (default) or Block
	RequiredActions []string // action globs that always behave as Block
	MaskFields      []string // detail key globs, case-insensitive
	MaskKeep        int      // trailing characters kept by masking
}

// Appender is the part of the ledger the recorder writes through.
type Appender interface {
	Append(ctx context.Context, ev ledger.Event) (*ledger.Entry, error)
}

type compiledPolicy struct {
	block    bool
	required []glob.Glob
	mask     *masker
}

// Recorder records events. Safe for concurrent use.
type Recorder struct {
	appender Appender
	metrics  *metrics.Metrics
	policy   atomic.Pointer[compiledPolicy]
}

// New creates a Recorder. m may be nil.
func New(a Appender, p Policy, m *metrics.Metrics) (*Recorder, error) {
	r := &Recorder{appender: a, metrics: m}
	if err := r.SetPolicy(p); err != nil {
		return nil, err
	}
	return r, nil
}

// SetPolicy compiles p and makes it current. On error the previous policy
// stays in effect.
func (r *Recorder) SetPolicy(p Policy) error {
	cp, err := compilePolicy(p)
	if err != nil {
		return err
	}
	r.policy.Store(cp)
	return nil
}

func compilePolicy(p Policy) (*compiledPolicy, error) {
	cp := &compiledPolicy{}
	switch p.OnFailure {
	case "", Continue:
	case Block:
		cp.block = true
	default:
		return nil, fmt.Errorf("invalid on_failure %q (use %s or %s)", p.OnFailure, Continue, Block)
	}

	for _, a := range p.RequiredActions {
		g, err := glob.Compile(strings.ToUpper(a))
		if err != nil {
			return nil, fmt.Errorf("invalid required_actions glob %q: %w", a, err)
		}
		cp.required = append(cp.required, g)
	}

	keep := p.MaskKeep
	if keep <= 0 {
		keep = DefaultMaskKeep
	}
	m, err := compileMasker(p.MaskFields, keep)
	if err != nil {
		return nil, err
	}
	cp.mask = m
	return cp, nil
}

func (cp *compiledPolicy) mustRecord(action string) bool {
	if cp.block {
		return true
	}
	a := strings.ToUpper(action)
	for _, g := range cp.required {
		if g.Match(a) {
			return true
		}
	}
	return false
}

// Record appends ev to the ledger.
//
// It returns (true, nil) when the entry was written. An event the ledger
// rejects (ErrInvalidEvent, ErrEncoding) is returned as (false, err) under
// any policy and is not counted as a write failure. Other failures are
// logged and counted; the result is (false, nil) if the policy lets the
// caller continue, or (false, err) wrapping ErrAuditRequired and the cause
// otherwise.
func (r *Recorder) Record(ctx context.Context, ev ledger.Event) (bool, error) {
	cp := r.policy.Load()
	ev.Details = cp.mask.apply(ev.Details)

	start := time.Now()
	entry, err := r.appender.Append(ctx, ev)
	elapsed := time.Since(start)

	if err == nil {
		r.metrics.ObserveAppend(metrics.OutcomeSuccess, elapsed)
		slog.Debug("audit event recorded", "id", entry.ID, "action", entry.Action)
		return true, nil
	}
	if errors.Is(err, ledger.ErrInvalidEvent) || errors.Is(err, ledger.ErrEncoding) {
		// The event itself is wrong; nothing failed on the write path.
		slog.Warn("audit event rejected", "action", ev.Action, "error", err)
		return false, err
	}

	outcome := metrics.OutcomeFailure
	if errors.Is(err, ledger.ErrConcurrencyTimeout) {
		outcome = metrics.OutcomeTimeout
	}
	r.metrics.ObserveAppend(outcome, elapsed)
	slog.Error("audit event not recorded", "action", ev.Action, "outcome", outcome, "error", err)

	if cp.mustRecord(ev.Action) {
		return false, fmt.Errorf("%w: %w", ErrAuditRequired, err)
	}
	return false, nil
}
