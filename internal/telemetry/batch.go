package telemetry

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Batch is one raw attribute report from the gateway. Keys may belong to
// unrelated logical sensors of the same physical device and arrive in no
// particular order. Decoders never modify a Batch.
type Batch map[string]any

// Has reports whether key is present, whatever its value.
func (b Batch) Has(key string) bool {
	_, ok := b[key]
	return ok
}

// Int returns the value at key as an integer. Integral numbers, json.Number
// and numeric strings (decimal or 0x-prefixed) are accepted.
func (b Batch) Int(key string) (int64, bool) {
	v, ok := b[key]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// Float returns the value at key as a float. Strings are not numeric.
func (b Batch) Float(key string) (float64, bool) {
	v, ok := b[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// String returns the value at key when it is a string.
func (b Batch) String(key string) (string, bool) {
	s, ok := b[key].(string)
	return s, ok
}

// Keys returns the batch keys in lexical order.
func (b Batch) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toFloat converts numeric types to float64.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toInt converts a loosely typed value to int64. Non-integral floats are
// rejected.
func toInt(value any) (int64, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
		return n, err == nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	f, ok := toFloat(value)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// truthy follows the gateway's loose boolean convention.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	}
	if f, ok := toFloat(value); ok {
		return f != 0
	}
	return true
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
