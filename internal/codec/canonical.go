package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonical serializes a value as deterministic JSON: object keys sorted
// lexicographically, minimal separators, no trailing newline. Signatures
// and content hashes are always computed over this form, so it must stay
// byte-stable across releases.
func Canonical(v any) ([]byte, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case json.Number:
		// Round-tripped numbers keep their original textual form.
		b.WriteString(val.String())
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical encode: %v", err)
		}
		b.Write(raw)
	}
	return nil
}
