package closure_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainaudit/chainaudit/internal/closure"
	"github.com/chainaudit/chainaudit/internal/ledger"
	"github.com/chainaudit/chainaudit/internal/metrics"
	"github.com/chainaudit/chainaudit/internal/store"
)

type fixture struct {
	now     time.Time
	store   *store.SQLite
	ledger  *ledger.Ledger
	service *closure.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{now: time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC), store: s}
	clock := func() time.Time { return f.now }

	signer, err := ledger.NewSigner([]byte("closure-test-key"))
	require.NoError(t, err)
	f.ledger, err = ledger.New(ledger.Options{Store: s, Signer: signer, Clock: clock})
	require.NoError(t, err)
	f.service, err = closure.New(closure.Options{Ledger: f.ledger, Store: s, Clock: clock, Metrics: metrics.NewMetrics()})
	require.NoError(t, err)
	return f
}

func (f *fixture) appendAt(t *testing.T, at time.Time, action string) *ledger.Entry {
	t.Helper()
	f.now = at
	e, err := f.ledger.Append(context.Background(), ledger.Event{Action: action})
	require.NoError(t, err)
	return e
}

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestCloseDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendAt(t, time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), "PREVIOUS_DAY")
	f.appendAt(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "MIDNIGHT")
	last := f.appendAt(t, time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC), "LAST")
	f.appendAt(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), "NEXT_DAY")

	c, err := f.service.CloseDay(ctx, day(2024, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", c.Date)
	assert.Equal(t, last.ID, c.LastEntryID)
	assert.Equal(t, last.CurrentHash, c.RootHash)
	assert.Equal(t,
		f.ledger.Signer().Sign([]byte(closure.Payload("2024-03-01", last.ID, last.CurrentHash))),
		c.Signature)
	assert.NotZero(t, c.ID)
}

func TestCloseDay_DefaultsToYesterday(t *testing.T) {
	f := newFixture(t)
	e := f.appendAt(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), "DEPOSIT")

	f.now = time.Date(2024, 3, 2, 0, 30, 0, 0, time.UTC)
	c, err := f.service.CloseDay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", c.Date)
	assert.Equal(t, e.ID, c.LastEntryID)
}

func TestCloseDay_NonUTCInputUsesUTCDate(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, time.Date(2024, 3, 1, 22, 30, 0, 0, time.UTC), "LATE")

	// 00:30 on March 2nd in UTC+2 is still March 1st in UTC.
	local := time.Date(2024, 3, 2, 0, 30, 0, 0, time.FixedZone("EET", 2*3600))
	c, err := f.service.CloseDay(context.Background(), &local)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", c.Date)
}

func TestCloseDay_Idempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendAt(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), "LOGIN")

	_, err := f.service.CloseDay(ctx, day(2024, 3, 1))
	require.NoError(t, err)

	_, err = f.service.CloseDay(ctx, day(2024, 3, 1))
	assert.ErrorIs(t, err, closure.ErrAlreadyClosed)

	v, err := f.service.VerifyClosures(ctx)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 1, v.Checked)
}

func TestCloseDay_ConcurrentAttemptsOneWins(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), "LOGIN")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.CloseDay(context.Background(), day(2024, 3, 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, closure.ErrAlreadyClosed):
				already++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)

	list, err := f.service.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCloseDay_NoEntries(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), "LOGIN")

	_, err := f.service.CloseDay(context.Background(), day(2024, 2, 28))
	assert.ErrorIs(t, err, closure.ErrNoEntries)

	list, err := f.service.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestVerifyClosures_DetectsTamper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendAt(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), "A")
	f.appendAt(t, time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC), "B")

	_, err := f.service.CloseDay(ctx, day(2024, 3, 1))
	require.NoError(t, err)
	second, err := f.service.CloseDay(ctx, day(2024, 3, 2))
	require.NoError(t, err)

	_, err = f.store.DB().Exec(`UPDATE daily_closures SET root_hash = 'rewritten' WHERE id = ?`, second.ID)
	require.NoError(t, err)

	v, err := f.service.VerifyClosures(ctx)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, 2, v.Checked)
	assert.Equal(t, []int64{second.ID}, v.BrokenClosureIDs)
}

func TestCheckAnchors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.appendAt(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), "A")
	second := f.appendAt(t, time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC), "B")

	_, err := f.service.CloseDay(ctx, day(2024, 3, 1))
	require.NoError(t, err)
	_, err = f.service.CloseDay(ctx, day(2024, 3, 2))
	require.NoError(t, err)

	anchors, err := f.service.CheckAnchors(ctx)
	require.NoError(t, err)
	require.Len(t, anchors, 2)
	assert.True(t, anchors[0].OK)
	assert.True(t, anchors[1].OK)

	_, err = f.store.DB().Exec(`UPDATE ledger_entries SET current_hash = 'rehashed' WHERE id = ?`, first.ID)
	require.NoError(t, err)
	_, err = f.store.DB().Exec(`DELETE FROM ledger_entries WHERE id = ?`, second.ID)
	require.NoError(t, err)

	anchors, err = f.service.CheckAnchors(ctx)
	require.NoError(t, err)
	assert.False(t, anchors[0].OK)
	assert.Equal(t, "rehashed", anchors[0].StoredHash)
	assert.True(t, anchors[1].Missing)
	assert.False(t, anchors[1].OK)
}

func TestVerifySinceLastClosure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendAt(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), "OLD_1")
	f.appendAt(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), "OLD_2")
	anchor := f.appendAt(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), "OLD_3")
	_, err := f.service.CloseDay(ctx, day(2024, 3, 1))
	require.NoError(t, err)

	f.appendAt(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), "NEW_1")
	f.appendAt(t, time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC), "NEW_2")

	// Damage before the closure is outside the window.
	_, err = f.store.DB().Exec(`UPDATE ledger_entries SET action = 'EDITED' WHERE id = 1`)
	require.NoError(t, err)

	r, c, err := f.service.VerifySinceLastClosure(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, anchor.ID, c.LastEntryID)
	assert.True(t, r.Valid)
	assert.Equal(t, 2, r.EntriesChecked)
	assert.Equal(t, anchor.CurrentHash, r.Entries[0].ExpectedPrevious)
}

func TestVerifySinceLastClosure_SkipsForgedClosure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendAt(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), "A")
	f.appendAt(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), "B")
	f.appendAt(t, time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC), "C")

	_, err := f.service.CloseDay(ctx, day(2024, 3, 1))
	require.NoError(t, err)
	forged, err := f.service.CloseDay(ctx, day(2024, 3, 2))
	require.NoError(t, err)
	_, err = f.store.DB().Exec(`UPDATE daily_closures SET signature = 'x' WHERE id = ?`, forged.ID)
	require.NoError(t, err)

	r, c, err := f.service.VerifySinceLastClosure(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "2024-03-01", c.Date)
	assert.Equal(t, 2, r.EntriesChecked)
}

func TestVerifySinceLastClosure_NoClosures(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), "A")

	r, c, err := f.service.VerifySinceLastClosure(context.Background())
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 1, r.EntriesChecked)
}

func TestPayload(t *testing.T) {
	assert.Equal(t, "CLOSURE|2024-03-01|42|abc", closure.Payload("2024-03-01", 42, "abc"))
}
