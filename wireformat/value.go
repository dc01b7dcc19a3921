// Package wireformat implements the frame codec: a JSON superset that
// preserves time.Time, *big.Int, []byte and an explicit "undefined" value
// across the wire, plus the BREACH-shielding helper used by the security
// package for tokens carried inside frames.
package wireformat

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// tag values used in the wrapped representation of non-JSON-native values.
const (
	tagDate      = "date"
	tagBigInt    = "bigint"
	tagBuffer    = "buffer"
	tagUndefined = "undefined"
)

// wrapped is the on-wire shape of a JSON-plus value that needs tagging.
// Plain JSON values (string, float64, bool, nil, map, slice) round-trip
// through encoding/json unchanged and never take this shape.
type wrapped struct {
	Tag   string          `json:"$t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// Undefined is the sentinel placed in a decoded value tree wherever the
// sender explicitly sent "undefined" rather than omitting the field or
// sending null. Go has no native counterpart; callers that care about the
// JS-level distinction between undefined and null check for this value.
type Undefined struct{}

// MarshalPlus encodes v as JSON-plus: native JSON types pass through
// encoding/json; time.Time, *big.Int, []byte and Undefined are wrapped in a
// tagged envelope that DecodePlus knows how to reverse.
func MarshalPlus(v any) (json.RawMessage, error) {
	converted, err := convertForMarshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(converted)
}

func convertForMarshal(v any) (any, error) {
	switch val := v.(type) {
	case Undefined:
		return wrapped{Tag: tagUndefined}, nil
	case time.Time:
		raw, err := json.Marshal(val.Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
		return wrapped{Tag: tagDate, Value: raw}, nil
	case *big.Int:
		if val == nil {
			return nil, nil
		}
		raw, err := json.Marshal(val.String())
		if err != nil {
			return nil, err
		}
		return wrapped{Tag: tagBigInt, Value: raw}, nil
	case []byte:
		raw, err := json.Marshal(val) // encoding/json already base64-encodes []byte
		if err != nil {
			return nil, err
		}
		return wrapped{Tag: tagBuffer, Value: raw}, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			converted, err := convertForMarshal(elem)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			converted, err := convertForMarshal(elem)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}

// UnmarshalPlus decodes JSON-plus data into a generic any tree, reversing
// the tagging MarshalPlus applies.
func UnmarshalPlus(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("wireformat: unmarshal: %w", err)
	}
	return convertForUnmarshal(raw)
}

func convertForUnmarshal(raw any) (any, error) {
	switch val := raw.(type) {
	case map[string]any:
		if tag, ok := val["$t"].(string); ok {
			return unwrapTagged(tag, val)
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			converted, err := convertForUnmarshal(elem)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			converted, err := convertForUnmarshal(elem)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return raw, nil
	}
}

func unwrapTagged(tag string, val map[string]any) (any, error) {
	rawValue, _ := json.Marshal(val["v"])
	switch tag {
	case tagUndefined:
		return Undefined{}, nil
	case tagDate:
		var s string
		if err := json.Unmarshal(rawValue, &s); err != nil {
			return nil, fmt.Errorf("wireformat: decode date: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("wireformat: parse date: %w", err)
		}
		return t, nil
	case tagBigInt:
		var s string
		if err := json.Unmarshal(rawValue, &s); err != nil {
			return nil, fmt.Errorf("wireformat: decode bigint: %w", err)
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("wireformat: invalid bigint literal %q", s)
		}
		return n, nil
	case tagBuffer:
		var b []byte
		if err := json.Unmarshal(rawValue, &b); err != nil {
			return nil, fmt.Errorf("wireformat: decode buffer: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("wireformat: unknown tag %q", tag)
	}
}
