package store

import (
	"context"
	"time"

	"github.com/chainaudit/chainaudit/internal/ledger"
)

// tailLock serialises appenders inside one process. Unlike sync.Mutex it
// supports a bounded wait.
type tailLock struct {
	ch chan struct{}
}

func newTailLock() *tailLock {
	return &tailLock{ch: make(chan struct{}, 1)}
}

// acquire waits up to timeout for the lock. It returns
// ledger.ErrConcurrencyTimeout on expiry and ctx.Err() on cancellation.
func (l *tailLock) acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ledger.ErrConcurrencyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *tailLock) release() {
	<-l.ch
}
