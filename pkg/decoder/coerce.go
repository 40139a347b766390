package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	intShape   = regexp.MustCompile(`^\d+$`)
	floatShape = regexp.MustCompile(`^\d+\.\d+$`)
)

// CoerceByShape converts a captured string by its shape: all digits become an
// int64, digits with one decimal point a float64, anything else stays a
// string.
func CoerceByShape(s string) any {
	switch {
	case intShape.MatchString(s):
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	case floatShape.MatchString(s):
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return s
}

// ToFloat forces a decoded value to float64. Numeric strings are parsed.
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	case bool:
		return 0, fmt.Errorf("cannot convert bool to float")
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

// parseObject decodes a JSON object keeping integers and floats apart, the
// way the time-series store types its fields.
func parseObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		scalar, keep, err := scalarValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		if keep {
			out[k] = scalar
		}
	}
	return out, nil
}

// scalarValue maps a decoded JSON value onto a store field value. Nulls are
// dropped and nested values are kept as their compact JSON text.
func scalarValue(v any) (any, bool, error) {
	switch val := v.(type) {
	case nil:
		return nil, false, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, false, err
		}
		return f, true, nil
	case string, bool:
		return val, true, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, false, err
		}
		return string(b), true, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// liftTimestamp removes a "time" field that parses as a timestamp and
// returns it; otherwise fallback is returned and fields are left untouched.
func liftTimestamp(fields map[string]any, fallback time.Time) time.Time {
	raw, ok := fields["time"].(string)
	if !ok {
		return fallback
	}
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			delete(fields, "time")
			return ts
		}
	}
	return fallback
}
