// Package plan parses and validates construction plans.
//
// Parsing only checks that the input is a JSON object; every field-level
// problem is left to the Validator so a rejected plan reports all of its
// violations at once.
package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"shapesmith/internal/types"
)

// ErrNotObject is returned when a plan document is not a JSON object.
var ErrNotObject = errors.New("plan must be a JSON object")

// RawPlan is a decoded but unvalidated plan. Absent fields are nil.
type RawPlan struct {
	fields map[string]json.RawMessage
}

// Parse decodes a plan in the collaborator wire format.
func Parse(data []byte) (*RawPlan, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &RawPlan{fields: fields}, nil
}

// FromConstructionPlan converts an in-memory plan into raw form so it goes
// through the same validation as wire input.
func FromConstructionPlan(cp types.ConstructionPlan) (*RawPlan, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return Parse(data)
}

// Has reports whether a top-level field was present.
func (r *RawPlan) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

func (r *RawPlan) field(name string) (json.RawMessage, bool) {
	v, ok := r.fields[name]
	if ok && isNull(v) {
		return nil, false
	}
	return v, ok
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// decodeValue turns a raw parameter value into a primitive: int64 for integral
// literals, float64 for other numbers, string or bool.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %s out of range", x)
		}
		return f, nil
	case string, bool:
		return x, nil
	case nil:
		return nil, errors.New("null is not a primitive value")
	case []any:
		return nil, errors.New("arrays are not allowed")
	case map[string]any:
		return nil, errors.New("objects are not allowed")
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}
