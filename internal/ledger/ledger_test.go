package ledger_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainaudit/chainaudit/internal/ledger"
	"github.com/chainaudit/chainaudit/internal/store"
)

var baseTime = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *ledger.Ledger
	store  *store.SQLite
}

func newFixture(t *testing.T, opts ...func(*ledger.Options)) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	signer, err := ledger.NewSigner([]byte("test-hmac-key"))
	require.NoError(t, err)

	o := ledger.Options{Store: s, Signer: signer, Clock: func() time.Time { return baseTime }}
	for _, fn := range opts {
		fn(&o)
	}
	l, err := ledger.New(o)
	require.NoError(t, err)
	return &fixture{ledger: l, store: s}
}

func (f *fixture) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := f.store.DB().Exec(query, args...)
	require.NoError(t, err)
}

func (f *fixture) append(t *testing.T, action string, details map[string]any) *ledger.Entry {
	t.Helper()
	e, err := f.ledger.Append(context.Background(), ledger.Event{Action: action, Details: details})
	require.NoError(t, err)
	return e
}

func (f *fixture) verify(t *testing.T) *ledger.Report {
	t.Helper()
	r, err := f.ledger.Verify(context.Background(), ledger.Range{})
	require.NoError(t, err)
	return r
}

func ptr[T any](v T) *T { return &v }

// ===========================================================================
// Append
// ===========================================================================

func TestAppend_GenesisAndLinkage(t *testing.T) {
	f := newFixture(t)

	a := f.append(t, "LOGIN", nil)
	b := f.append(t, "DEPOSIT", map[string]any{"amount": 100})
	c := f.append(t, "WITHDRAWAL", map[string]any{"amount": 50})

	assert.Equal(t, ledger.GenesisHash, a.PreviousHash)
	assert.Equal(t, a.CurrentHash, b.PreviousHash)
	assert.Equal(t, b.CurrentHash, c.PreviousHash)
	assert.Less(t, a.ID, b.ID)
	assert.Less(t, b.ID, c.ID)
	assert.Len(t, a.CurrentHash, 64)
	assert.Len(t, a.Signature, 64)
}

func TestAppend_StoresWhatWasHashed(t *testing.T) {
	f := newFixture(t)
	e, err := f.ledger.Append(context.Background(), ledger.Event{
		ActorID: ptr(int64(12)),
		Action:  "DEPOSIT",
		Target:  "ACC-9",
		Details: map[string]any{"montant": 250.5, "devise": "EUR"},
	})
	require.NoError(t, err)

	got, err := f.ledger.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.CurrentHash, got.CurrentHash)
	require.NotNil(t, got.ActorID)
	assert.Equal(t, int64(12), *got.ActorID)
	require.NotNil(t, got.Target)
	assert.Equal(t, "ACC-9", *got.Target)
	require.NotNil(t, got.Details)
	assert.Equal(t, `{"devise":"EUR","montant":250.5}`, *got.Details)

	payload, err := ledger.CanonicalPayload(got)
	require.NoError(t, err)
	assert.Equal(t, got.CurrentHash, ledger.Hash(payload))
}

func TestAppend_TruncatesTimestamp(t *testing.T) {
	f := newFixture(t, func(o *ledger.Options) {
		o.Clock = func() time.Time { return baseTime.Add(750 * time.Millisecond).In(time.FixedZone("X", 7200)) }
	})
	e := f.append(t, "LOGIN", nil)
	got, err := f.ledger.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(baseTime), "timestamp %v should be %v", got.Timestamp, baseTime)
	assert.Equal(t, time.UTC, got.Timestamp.Location())
}

func TestAppend_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, ledger.Event{Action: "  "})
	assert.ErrorIs(t, err, ledger.ErrInvalidEvent)

	_, err = f.ledger.Append(ctx, ledger.Event{Action: "X", Details: map[string]any{"c": make(chan int)}})
	assert.ErrorIs(t, err, ledger.ErrEncoding)

	entries, err := f.ledger.Tail(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed appends must not write rows")
}

func TestAppend_OnAppendHook(t *testing.T) {
	var got []int64
	f := newFixture(t, func(o *ledger.Options) {
		o.OnAppend = func(e ledger.Entry) { got = append(got, e.ID) }
	})
	a := f.append(t, "LOGIN", nil)
	b := f.append(t, "LOGOUT", nil)
	assert.Equal(t, []int64{a.ID, b.ID}, got)
}

func TestAppend_Deterministic(t *testing.T) {
	run := func() []string {
		f := newFixture(t)
		var hashes []string
		for _, ev := range []ledger.Event{
			{Action: "LOGIN", ActorID: ptr(int64(1))},
			{Action: "DEPOSIT", Target: "ACC-1", Details: map[string]any{"amount": 100, "note": "cash"}},
			{Action: "WITHDRAWAL", Target: "ACC-1", Details: map[string]any{"note": "atm", "amount": 40}},
		} {
			e, err := f.ledger.Append(context.Background(), ev)
			require.NoError(t, err)
			hashes = append(hashes, e.CurrentHash+"/"+e.Signature)
		}
		return hashes
	}
	assert.Equal(t, run(), run())
}

func TestAppend_ConcurrentWritersFormOneChain(t *testing.T) {
	f := newFixture(t)
	const n = 40

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.Append(context.Background(), ledger.Event{
				Action:  "DEPOSIT",
				Details: map[string]any{"writer": i},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r := f.verify(t)
	assert.True(t, r.Valid)
	assert.Equal(t, n, r.EntriesChecked)

	seen := map[string]bool{}
	for _, e := range r.Entries {
		assert.False(t, seen[e.PreviousHash], "two entries share previous hash %s", e.PreviousHash)
		seen[e.PreviousHash] = true
	}
}

// ===========================================================================
// Verify
// ===========================================================================

func TestVerify_EmptyLedger(t *testing.T) {
	f := newFixture(t)
	r := f.verify(t)
	assert.True(t, r.Valid)
	assert.Zero(t, r.EntriesChecked)
	assert.NotEmpty(t, r.RunID)
}

func TestVerify_ContentTamperFlagsOnlyThatEntry(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.append(t, "DEPOSIT", map[string]any{"amount": i})
	}
	f.exec(t, `UPDATE ledger_entries SET details = '{"amount":9999}' WHERE id = 2`)

	r := f.verify(t)
	assert.False(t, r.Valid)
	assert.Equal(t, 10, r.EntriesChecked)
	assert.Equal(t, 1, r.EntriesFailed)

	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(2), failed[0].ID)
	assert.ElementsMatch(t, []ledger.Failure{ledger.BadHash, ledger.BadHMAC}, failed[0].Failures)
}

func TestVerify_SignatureTamper(t *testing.T) {
	f := newFixture(t)
	f.append(t, "LOGIN", nil)
	f.append(t, "LOGOUT", nil)
	f.exec(t, `UPDATE ledger_entries SET signature = ? WHERE id = 1`, strings.Repeat("0", 64))

	r := f.verify(t)
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, []ledger.Failure{ledger.BadHMAC}, r.Failed()[0].Failures)
}

func TestVerify_ForgedHashStillFailsSignatureAndLink(t *testing.T) {
	// An attacker without the key can rewrite content and currentHash
	// consistently, but the signature and the next link still break.
	f := newFixture(t)
	f.append(t, "DEPOSIT", map[string]any{"amount": 100})
	f.append(t, "WITHDRAWAL", map[string]any{"amount": 50})

	e, err := f.ledger.Get(context.Background(), 1)
	require.NoError(t, err)
	forged := `{"amount":9999}`
	e.Details = &forged
	payload, err := ledger.CanonicalPayload(e)
	require.NoError(t, err)
	f.exec(t, `UPDATE ledger_entries SET details = ?, current_hash = ? WHERE id = 1`, forged, ledger.Hash(payload))

	r := f.verify(t)
	require.Len(t, r.Failed(), 2)
	assert.Equal(t, []ledger.Failure{ledger.BadHMAC}, r.Entries[0].Failures)
	assert.Equal(t, []ledger.Failure{ledger.BrokenPrecedent}, r.Entries[1].Failures)
}

func TestVerify_DeletionBreaksNextEntryOnly(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.append(t, "DEPOSIT", map[string]any{"n": i})
	}
	f.exec(t, `DELETE FROM ledger_entries WHERE id = 3`)

	r := f.verify(t)
	assert.False(t, r.Valid)
	assert.Equal(t, 4, r.EntriesChecked)
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, int64(4), r.Failed()[0].ID)
	assert.Equal(t, []ledger.Failure{ledger.BrokenPrecedent}, r.Failed()[0].Failures)
	for _, e := range r.Entries[:2] {
		assert.True(t, e.OK(), "entry %d before the deletion must stay valid", e.ID)
	}
}

func TestVerify_PreviousHashTamper(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A", nil)
	f.append(t, "B", nil)
	f.append(t, "C", nil)
	f.exec(t, `UPDATE ledger_entries SET previous_hash = 'forged' WHERE id = 2`)

	r := f.verify(t)
	require.Len(t, r.Failed(), 1)
	assert.ElementsMatch(t,
		[]ledger.Failure{ledger.BrokenPrecedent, ledger.BadHash, ledger.BadHMAC},
		r.Failed()[0].Failures)
	assert.True(t, r.Entries[2].OK(), "entry after a rewritten link checks against the stored hash")
}

func TestVerify_BadEncodingDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A", map[string]any{"k": "v"})
	f.append(t, "B", nil)
	f.exec(t, `UPDATE ledger_entries SET details = 'not json' WHERE id = 1`)

	r := f.verify(t)
	assert.Equal(t, 2, r.EntriesChecked)
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, []ledger.Failure{ledger.BadEncoding}, r.Entries[0].Failures)
	assert.NotEmpty(t, r.Entries[0].EncodingError)
	assert.True(t, r.Entries[1].OK())
}

func TestVerify_UndecodableColumnsFlagOnlyThatEntry(t *testing.T) {
	tests := []struct {
		name   string
		update string
	}{
		{"timestamp", `UPDATE ledger_entries SET timestamp = '2024-01-15 09:00:00' WHERE id = 2`},
		{"actor", `UPDATE ledger_entries SET actor_id = 'admin' WHERE id = 2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.append(t, "LOGIN", nil)
			f.append(t, "DEPOT", map[string]any{"montant": 100})
			f.append(t, "LOGOUT", nil)
			f.exec(t, tt.update)

			r, err := f.ledger.Verify(context.Background(), ledger.Range{})
			require.NoError(t, err)
			assert.False(t, r.Valid)
			assert.Equal(t, 3, r.EntriesChecked)
			require.Len(t, r.Failed(), 1)
			assert.Equal(t, int64(2), r.Failed()[0].ID)
			assert.Equal(t, []ledger.Failure{ledger.BadEncoding}, r.Failed()[0].Failures)
			assert.NotEmpty(t, r.Failed()[0].EncodingError)
			assert.True(t, r.Entries[2].OK(), "next entry still links to the stored hash")

			e, err := f.ledger.Get(context.Background(), 2)
			require.NoError(t, err)
			assert.NotEmpty(t, e.Malformed)
		})
	}
}

func TestVerify_WrongKeyFailsEverySignature(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A", nil)
	f.append(t, "B", nil)

	other, err := ledger.NewSigner([]byte("rotated-key"))
	require.NoError(t, err)
	l, err := ledger.New(ledger.Options{Store: f.store, Signer: other})
	require.NoError(t, err)

	r, err := l.Verify(context.Background(), ledger.Range{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.EntriesFailed)
	for _, e := range r.Entries {
		assert.Equal(t, []ledger.Failure{ledger.BadHMAC}, e.Failures)
	}
}

func TestVerify_Window(t *testing.T) {
	f := newFixture(t)
	var entries []*ledger.Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, f.append(t, "X", map[string]any{"i": i}))
	}
	ctx := context.Background()

	r, err := f.ledger.Verify(ctx, ledger.Range{From: 3, To: 5})
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, 3, r.EntriesChecked)
	assert.Equal(t, int64(3), r.From)
	assert.Equal(t, int64(5), r.To)
	assert.Equal(t, entries[1].CurrentHash, r.Entries[0].ExpectedPrevious)

	r, err = f.ledger.Verify(ctx, ledger.Range{From: 4, Seed: entries[2].CurrentHash})
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, 3, r.EntriesChecked)

	r, err = f.ledger.Verify(ctx, ledger.Range{From: 4, Seed: "untrusted"})
	require.NoError(t, err)
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, []ledger.Failure{ledger.BrokenPrecedent}, r.Failed()[0].Failures)
}

func TestVerify_Repeatable(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A", nil)
	f.append(t, "B", nil)
	f.exec(t, `UPDATE ledger_entries SET action = 'Z' WHERE id = 2`)

	a, b := f.verify(t), f.verify(t)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, a.Entries, b.Entries)
}

// Login, deposit, withdrawal; then someone edits the deposit amount.
func TestScenario_BackOfficeDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teller := ptr(int64(5))

	events := []ledger.Event{
		{ActorID: teller, Action: "LOGIN", Details: map[string]any{"ip": "10.0.0.8"}},
		{ActorID: teller, Action: "DEPOSIT", Target: "FR76-3000-4000", Details: map[string]any{"amount": 1500}},
		{ActorID: teller, Action: "WITHDRAWAL", Target: "FR76-3000-4000", Details: map[string]any{"amount": 200}},
	}
	var ids []int64
	for _, ev := range events {
		e, err := f.ledger.Append(ctx, ev)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	r := f.verify(t)
	require.True(t, r.Valid)
	require.Equal(t, 3, r.EntriesChecked)

	f.exec(t, `UPDATE ledger_entries SET details = '{"amount":9999}' WHERE id = ?`, ids[1])

	r = f.verify(t)
	assert.False(t, r.Valid)
	assert.Equal(t, 1, r.EntriesFailed)
	assert.True(t, r.Entries[0].OK())
	assert.True(t, r.Entries[1].Has(ledger.BadHash))
	assert.True(t, r.Entries[1].Has(ledger.BadHMAC))
	assert.False(t, r.Entries[1].Has(ledger.BrokenPrecedent))
	assert.True(t, r.Entries[2].OK())
}

// ===========================================================================
// Read helpers
// ===========================================================================

func TestQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := ptr(int64(1)), ptr(int64(2))

	for _, ev := range []ledger.Event{
		{ActorID: alice, Action: "LOGIN"},
		{ActorID: alice, Action: "ECHEC_CONNEXION"},
		{ActorID: bob, Action: "ECHEC_RETRAIT"},
		{ActorID: bob, Action: "DEPOSIT"},
	} {
		_, err := f.ledger.Append(ctx, ev)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		params ledger.QueryParams
		want   []string
	}{
		{"all newest first", ledger.QueryParams{}, []string{"DEPOSIT", "ECHEC_RETRAIT", "ECHEC_CONNEXION", "LOGIN"}},
		{"actor", ledger.QueryParams{ActorID: alice}, []string{"ECHEC_CONNEXION", "LOGIN"}},
		{"action glob", ledger.QueryParams{Action: "echec_*"}, []string{"ECHEC_RETRAIT", "ECHEC_CONNEXION"}},
		{"glob with limit", ledger.QueryParams{Action: "ECHEC_*", Limit: 1}, []string{"ECHEC_RETRAIT"}},
		{"actor and glob", ledger.QueryParams{ActorID: bob, Action: "ECHEC_*"}, []string{"ECHEC_RETRAIT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.ledger.Query(ctx, tt.params)
			require.NoError(t, err)
			var actions []string
			for _, e := range got {
				actions = append(actions, e.Action)
			}
			assert.Equal(t, tt.want, actions)
		})
	}

	_, err := f.ledger.Query(ctx, ledger.QueryParams{Action: "[unclosed"})
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Get(context.Background(), 404)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	f.append(t, "LOGIN", nil)
	f.append(t, "DEPOSIT", map[string]any{"amount": 10})
	ctx := context.Background()

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, f.ledger.Export(ctx, &buf, "jsonl"))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		var e ledger.Entry
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &e))
		assert.Equal(t, "DEPOSIT", e.Action)
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, f.ledger.Export(ctx, &buf, "json"))
		var entries []ledger.Entry
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
		require.Len(t, entries, 2)
		assert.Equal(t, entries[0].CurrentHash, entries[1].PreviousHash)
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, f.ledger.Export(ctx, &buf, "csv"))
		records, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "id", records[0][0])
		assert.Equal(t, "2024-01-15T09:00:00Z", records[1][1])
		assert.Equal(t, `{"amount":10}`, records[2][5])
	})

	t.Run("unsupported", func(t *testing.T) {
		assert.Error(t, f.ledger.Export(ctx, &bytes.Buffer{}, "xml"))
	})
}

func TestFollow(t *testing.T) {
	f := newFixture(t)
	first := f.append(t, "BEFORE", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan ledger.Entry, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.ledger.Follow(ctx, first.ID, 10*time.Millisecond, func(e ledger.Entry) { got <- e })
	}()

	f.append(t, "AFTER", nil)

	select {
	case e := <-got:
		assert.Equal(t, "AFTER", e.Action)
	case <-ctx.Done():
		t.Fatal("follow did not deliver the new entry")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
