package recorder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultMaskKeep is how many trailing characters a masked value keeps.
const DefaultMaskKeep = 4

// masker replaces sensitive detail values before they reach the ledger.
type masker struct {
	fields []glob.Glob
	keep   int
}

func compileMasker(patterns []string, keep int) (*masker, error) {
	m := &masker{keep: keep}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("invalid mask_fields glob %q: %w", p, err)
		}
		m.fields = append(m.fields, g)
	}
	return m, nil
}

func (m *masker) matches(key string) bool {
	k := strings.ToLower(key)
	for _, g := range m.fields {
		if g.Match(k) {
			return true
		}
	}
	return false
}

// apply returns a copy of details with matching keys masked at any depth.
// The input map is not modified.
func (m *masker) apply(details map[string]any) map[string]any {
	if len(m.fields) == 0 || details == nil {
		return details
	}
	return m.walkMap(details)
}

func (m *masker) walkMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m.matches(k) {
			if s, ok := scalarString(v); ok {
				out[k] = maskString(s, m.keep)
				continue
			}
		}
		out[k] = m.walk(v)
	}
	return out
}

func (m *masker) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return m.walkMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = m.walk(item)
		}
		return out
	default:
		return v
	}
}

// scalarString renders strings and numbers for masking. Containers, bools
// and nulls are not maskable values.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	default:
		return "", false
	}
}

// maskString keeps the last keep runes of s and stars the rest. Values no
// longer than keep are starred entirely.
func maskString(s string, keep int) string {
	r := []rune(s)
	if len(r) <= keep {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-keep) + string(r[len(r)-keep:])
}
