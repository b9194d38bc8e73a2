package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EncodeDetails turns a structured details value into its canonical string.
// A nil or empty map yields nil, which is stored and hashed as null.
func EncodeDetails(details map[string]any) (*string, error) {
	if len(details) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	s, err := CanonicalizeDetails(string(raw))
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CanonicalizeDetails re-serialises stored details text: keys sorted, no
// insignificant whitespace, non-ASCII kept literally, numbers kept exactly
// as written. The text must hold a single JSON object.
func CanonicalizeDetails(raw string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if _, ok := v.(map[string]any); !ok {
		return "", fmt.Errorf("%w: details must be a JSON object", ErrEncoding)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: trailing data after details object", ErrEncoding)
	}

	out, err := marshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return string(out), nil
}

// CanonicalPayload returns the exact bytes that are hashed and signed for
// an entry. ID, CurrentHash and Signature do not take part.
func CanonicalPayload(e *Entry) ([]byte, error) {
	var details any
	if e.Details != nil {
		s, err := CanonicalizeDetails(*e.Details)
		if err != nil {
			return nil, err
		}
		details = s
	}

	var actor any
	if e.ActorID != nil {
		actor = *e.ActorID
	}
	var target any
	if e.Target != nil {
		target = *e.Target
	}

	payload := map[string]any{
		"timestamp":    FormatTimestamp(e.Timestamp),
		"actorId":      actor,
		"action":       e.Action,
		"target":       target,
		"details":      details,
		"previousHash": e.PreviousHash,
	}
	out, err := marshalCanonical(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return out, nil
}

// marshalCanonical encodes v compactly with sorted map keys and without
// HTML escaping. encoding/json sorts map keys itself.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
