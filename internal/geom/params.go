package geom

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Params is the read-only view of an operation's parameters handed to Build.
type Params struct {
	values map[string]any
}

// NewParams copies values into a Params.
func NewParams(values map[string]any) Params {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Params{values: cp}
}

// Has reports whether the parameter was supplied.
func (p Params) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Float returns a numeric parameter, or def when absent or not numeric.
func (p Params) Float(name string, def float64) float64 {
	switch v := p.values[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return def
	}
}

// Int returns an integral parameter, or def when absent or not integral.
func (p Params) Int(name string, def int) int {
	switch v := p.values[name].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	}
	return def
}

// String returns a string parameter, or def.
func (p Params) String(name string, def string) string {
	if v, ok := p.values[name].(string); ok {
		return v
	}
	return def
}

// Bool returns a boolean parameter, or def.
func (p Params) Bool(name string, def bool) bool {
	if v, ok := p.values[name].(bool); ok {
		return v
	}
	return def
}

// Describe renders the parameters as sorted key=value pairs.
func (p Params) Describe() string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p.values[k])
	}
	return strings.Join(parts, " ")
}
