// Package canonical implements the deterministic persona serialization rules
// shared by the server and every client SDK. The canonical byte form is the
// message over which persona hashes are computed, so any change to these
// rules is a breaking wire change.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// FloatPrecision is the quantization applied to every number before
// serialization: round(x * 1e10) / 1e10.
const FloatPrecision = 1e10

// Marshal produces the canonical byte representation of a value tree.
//
// Rules:
//   - mappings emit keys in ascending codepoint order and recurse into values
//   - sequences preserve input order and recurse element-wise
//   - numbers are rounded to 10 decimal places; integers and bools pass through
//   - null is preserved, strings are unmodified
//
// The value tree is the shape produced by encoding/json: map[string]any,
// []any, string, float64, bool and nil. json.Number and the Go integer types
// are accepted for convenience.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, t)
	case float64:
		return writeNumber(buf, t)
	case float32:
		return writeNumber(buf, float64(t))
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("canonical: bad number %q: %w", t.String(), err)
		}
		return writeNumber(buf, f)
	case map[string]any:
		return writeMap(buf, t)
	case []any:
		return writeSlice(buf, t)
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// writeNumber quantizes to 10 decimal places and emits the shortest exact
// decimal representation, so 0.30000000000000004 canonicalizes to "0.3" and
// any magnitude below 5e-11 collapses to "0".
func writeNumber(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: non-finite number %v", f)
	}
	q := math.Round(f*FloatPrecision) / FloatPrecision
	if q == 0 {
		// Normalize -0 so the sign bit never leaks into the hash.
		q = 0
	}
	buf.WriteString(strconv.FormatFloat(q, 'f', -1, 64))
	return nil
}

func writeMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeSlice(buf *bytes.Buffer, s []any) error {
	buf.WriteByte('[')
	for i, v := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
