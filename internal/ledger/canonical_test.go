package ledger

import (
	"errors"
	"testing"
	"time"
)

func TestCanonicalizeDetails(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sorts keys", `{"b":1,"a":2}`, `{"a":2,"b":1}`},
		{"strips whitespace", "{ \"a\" : [1, 2,\n 3] }", `{"a":[1,2,3]}`},
		{"nested keys sorted", `{"z":{"y":1,"x":2}}`, `{"z":{"x":2,"y":1}}`},
		{"numbers kept as written", `{"amount":1.10,"big":12345678901234567890}`, `{"amount":1.10,"big":12345678901234567890}`},
		{"non-ascii literal", `{"nom":"Émile","sym":"<&>"}`, `{"nom":"Émile","sym":"<&>"}`},
		{"unicode escapes decoded", `{"nom":"\u00c9mile"}`, `{"nom":"Émile"}`},
		{"null value", `{"a":null}`, `{"a":null}`},
		{"empty object", `{}`, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizeDetails(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCanonicalizeDetails_Rejects(t *testing.T) {
	for _, in := range []string{
		``,
		`not json`,
		`[1,2]`,
		`"string"`,
		`{"a":1`,
		`{"a":1} trailing`,
		`{"a":1}{"b":2}`,
	} {
		t.Run(in, func(t *testing.T) {
			_, err := CanonicalizeDetails(in)
			if !errors.Is(err, ErrEncoding) {
				t.Errorf("expected ErrEncoding for %q, got %v", in, err)
			}
		})
	}
}

func TestCanonicalizeDetails_Idempotent(t *testing.T) {
	once, err := CanonicalizeDetails(`{"b":{"d":4,"c":3},"a":[{"y":1,"x":2}]}`)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := CanonicalizeDetails(once)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Errorf("canonical form is not stable: %s vs %s", once, twice)
	}
}

func TestEncodeDetails(t *testing.T) {
	got, err := EncodeDetails(nil)
	if err != nil || got != nil {
		t.Errorf("nil map: got %v, %v; want nil, nil", got, err)
	}
	got, err = EncodeDetails(map[string]any{})
	if err != nil || got != nil {
		t.Errorf("empty map: got %v, %v; want nil, nil", got, err)
	}

	got, err = EncodeDetails(map[string]any{"montant": 2500.0, "compte": "FR76-0001"})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"compte":"FR76-0001","montant":2500}`; *got != want {
		t.Errorf("got %s, want %s", *got, want)
	}

	_, err = EncodeDetails(map[string]any{"bad": make(chan int)})
	if !errors.Is(err, ErrEncoding) {
		t.Errorf("unmarshalable value: expected ErrEncoding, got %v", err)
	}
}

func TestCanonicalPayload(t *testing.T) {
	actor := int64(3)
	target := "ACC-1"
	details := `{"amount": 100}`
	e := &Entry{
		Timestamp:    time.Date(2024, 1, 15, 10, 30, 0, 700_000_000, time.UTC),
		ActorID:      &actor,
		Action:       "DEPOSIT",
		Target:       &target,
		Details:      &details,
		PreviousHash: GenesisHash,
	}

	got, err := CanonicalPayload(e)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action":"DEPOSIT","actorId":3,"details":"{\"amount\":100}","previousHash":"GENESIS_HASH","target":"ACC-1","timestamp":"2024-01-15T10:30:00Z"}`
	if string(got) != want {
		t.Errorf("payload mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestCanonicalPayload_AbsentFields(t *testing.T) {
	e := &Entry{
		Timestamp:    time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("CET", 3600)),
		Action:       "LOGIN",
		PreviousHash: "abc",
	}
	got, err := CanonicalPayload(e)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action":"LOGIN","actorId":null,"details":null,"previousHash":"abc","target":null,"timestamp":"2024-01-15T09:30:00Z"}`
	if string(got) != want {
		t.Errorf("payload mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestCanonicalPayload_IgnoresStoredHashes(t *testing.T) {
	e := &Entry{Timestamp: time.Unix(0, 0), Action: "X", PreviousHash: GenesisHash}
	a, _ := CanonicalPayload(e)
	e.ID, e.CurrentHash, e.Signature = 99, "h", "s"
	b, _ := CanonicalPayload(e)
	if string(a) != string(b) {
		t.Error("id, currentHash and signature must not affect the payload")
	}
}

func TestCanonicalPayload_BadDetails(t *testing.T) {
	bad := "{oops"
	e := &Entry{Timestamp: time.Unix(0, 0), Action: "X", Details: &bad, PreviousHash: GenesisHash}
	if _, err := CanonicalPayload(e); !errors.Is(err, ErrEncoding) {
		t.Errorf("expected ErrEncoding, got %v", err)
	}
}
