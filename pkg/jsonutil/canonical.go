// Package jsonutil provides canonical JSON encoding used for request
// hashing and outbound service-task bodies.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// MarshalCanonical encodes v as canonical JSON: object keys sorted,
// compact separators, non-ASCII characters escaped. Equal inputs always
// produce identical bytes, which makes the output safe to hash and to
// replay byte-identically from idempotency records.
func MarshalCanonical(v any) ([]byte, error) {
	var sb strings.Builder
	if err := encodeCanonical(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// HashableForm normalizes v through a JSON round-trip so that structs,
// maps and json.RawMessage all canonicalize the same way.
func HashableForm(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}

func encodeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		encodeCanonicalString(sb, val)
	case float64:
		return encodeCanonicalNumber(sb, val)
	case int:
		sb.WriteString(strconv.Itoa(val))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		sb.WriteString(val.String())
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encodeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeCanonicalString(sb, k)
			sb.WriteByte(':')
			if err := encodeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		// Structs, typed maps, RawMessage: normalize first, then encode.
		normalized, err := HashableForm(val)
		if err != nil {
			return err
		}
		return encodeCanonical(sb, normalized)
	}
	return nil
}

func encodeCanonicalNumber(sb *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("unsupported number value: %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeCanonicalString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else if r < 0x80 {
				sb.WriteRune(r)
			} else if r <= 0xFFFF {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				r1, r2 := utf16.EncodeRune(r)
				fmt.Fprintf(sb, `\u%04x\u%04x`, r1, r2)
			}
		}
	}
	sb.WriteByte('"')
}
