package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// DefaultMaxOperations bounds the number of steps in one plan.
const DefaultMaxOperations = 256

// techniquePattern matches snake_case identifiers with optional "." or "/"
// namespaces, e.g. "ring_band" or "mesh/leaf_relief".
var techniquePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*([./][a-z][a-z0-9_]*)*$`)

// stepRef matches symbolic target references.
var stepRef = regexp.MustCompile(`^step(0|[1-9][0-9]*)$`)

// SchemaSource provides known parameter schemas. The registry implements it.
type SchemaSource interface {
	Schema(id string) (types.ParamSchema, bool)
}

// Config tunes the validator.
type Config struct {
	MaxOperations int
}

// Validator turns raw plans into immutable, validated plans. It has no side
// effects beyond reading schemas.
type Validator struct {
	schemas SchemaSource
	config  Config
}

// NewValidator creates a validator. schemas may be nil.
func NewValidator(schemas SchemaSource, cfg Config) *Validator {
	if cfg.MaxOperations <= 0 {
		cfg.MaxOperations = DefaultMaxOperations
	}
	return &Validator{schemas: schemas, config: cfg}
}

type collector struct {
	violations []types.Violation
}

func (c *collector) add(path, format string, args ...any) {
	c.violations = append(c.violations, types.Violation{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks every rule and returns all violations together as a
// *types.ValidationError.
func (v *Validator) Validate(raw *RawPlan) (*Plan, error) {
	timer := logging.StartTimer(logging.CategoryPlan, "validate")
	defer timer.Stop()

	if raw == nil {
		return nil, &types.ValidationError{Violations: []types.Violation{{Message: "plan is missing"}}}
	}

	c := &collector{}
	p := &Plan{}

	if msg, ok := raw.field("reasoning"); !ok {
		c.add("reasoning", "is required")
	} else if err := json.Unmarshal(msg, &p.reasoning); err != nil {
		c.add("reasoning", "must be a string")
	}

	var rawOps []json.RawMessage
	if msg, ok := raw.field("operations"); !ok {
		c.add("operations", "is required")
	} else if err := json.Unmarshal(msg, &rawOps); err != nil {
		c.add("operations", "must be an array")
	} else if len(rawOps) == 0 {
		c.add("operations", "must contain at least one operation")
	} else if len(rawOps) > v.config.MaxOperations {
		c.add("operations", "has %d operations, limit is %d", len(rawOps), v.config.MaxOperations)
		rawOps = nil
	}

	for i, msg := range rawOps {
		p.ops = append(p.ops, v.operation(c, i, msg))
	}

	if len(c.violations) > 0 {
		logging.Plan("plan rejected with %d violations", len(c.violations))
		return nil, &types.ValidationError{Violations: c.violations}
	}

	p.id = uuid.NewString()
	logging.PlanDebug("plan %s validated: %d operations", p.id, len(p.ops))
	return p, nil
}

func (v *Validator) operation(c *collector, i int, msg json.RawMessage) types.Operation {
	path := fmt.Sprintf("operations[%d]", i)
	op := types.Operation{Paradigm: types.ParadigmUnspecified}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil || fields == nil {
		c.add(path, "must be an object")
		return op
	}
	get := func(name string) (json.RawMessage, bool) {
		f, ok := fields[name]
		if ok && isNull(f) {
			return nil, false
		}
		return f, ok
	}

	if f, ok := get("technique"); !ok {
		c.add(path+".technique", "is required")
	} else if err := json.Unmarshal(f, &op.Technique); err != nil {
		c.add(path+".technique", "must be a string")
	} else if !techniquePattern.MatchString(op.Technique) {
		c.add(path+".technique", "%q is not a valid technique identifier", op.Technique)
	}

	if f, ok := get("paradigm"); ok {
		var name string
		if err := json.Unmarshal(f, &name); err != nil {
			c.add(path+".paradigm", "must be a string")
		} else if pd, err := types.ParseParadigm(name); err != nil {
			c.add(path+".paradigm", "unknown paradigm %q", name)
		} else {
			op.Paradigm = pd
		}
	}

	if f, ok := get("optional"); ok {
		if err := json.Unmarshal(f, &op.Optional); err != nil {
			c.add(path+".optional", "must be a boolean")
		}
	}

	op.Parameters = map[string]any{}
	if f, ok := get("parameters"); ok {
		var params map[string]json.RawMessage
		if err := json.Unmarshal(f, &params); err != nil {
			c.add(path+".parameters", "must be an object")
		}
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rawValue := params[name]
			ppath := path + ".parameters." + name
			if strings.TrimSpace(name) == "" {
				c.add(path+".parameters", "parameter names must not be empty")
				continue
			}
			value, err := decodeValue(rawValue)
			if err != nil {
				c.add(ppath, "%v", err)
				continue
			}
			op.Parameters[name] = value
		}
	}

	if f, ok := get("target"); ok {
		if target, err := parseTarget(f); err != nil {
			c.add(path+".target", "%v", err)
		} else if target >= i {
			c.add(path+".target", "must reference an earlier step, got step%d", target)
		} else {
			op.Target = &target
		}
	}

	if op.Technique != "" && v.schemas != nil {
		if schema, ok := v.schemas.Schema(op.Technique); ok {
			checkSchema(c, path+".parameters", schema, op.Parameters)
		}
	}
	return op
}

// parseTarget accepts a non-negative integer or "stepN".
func parseTarget(raw json.RawMessage) (int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		m := stepRef.FindStringSubmatch(s)
		if m == nil {
			return 0, fmt.Errorf("malformed step reference %q", s)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("malformed step reference %q", s)
		}
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("must be a step index or \"stepN\"")
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("step index %v is not a non-negative integer", f)
	}
	return int(f), nil
}

func checkSchema(c *collector, path string, schema types.ParamSchema, params map[string]any) {
	for _, name := range schema.Names() {
		spec := schema[name]
		value, ok := params[name]
		if !ok {
			if spec.Required {
				c.add(path+"."+name, "is required")
			}
			continue
		}
		checkValue(c, path+"."+name, spec, value)
	}
	for _, name := range sortedKeys(params) {
		if _, ok := schema[name]; !ok {
			c.add(path+"."+name, "unknown parameter")
		}
	}
}

func checkValue(c *collector, path string, spec types.ParamSpec, value any) {
	switch spec.Type {
	case types.ParamNumber, types.ParamInteger:
		var f float64
		switch x := value.(type) {
		case int64:
			f = float64(x)
		case float64:
			f = x
			if spec.Type == types.ParamInteger && x != math.Trunc(x) {
				c.add(path, "must be an integer, got %v", x)
				return
			}
		default:
			c.add(path, "must be a %s, got %T", spec.Type, value)
			return
		}
		if spec.Min != nil && f < *spec.Min {
			c.add(path, "%v is below the minimum %v", f, *spec.Min)
		}
		if spec.Max != nil && f > *spec.Max {
			c.add(path, "%v is above the maximum %v", f, *spec.Max)
		}
	case types.ParamString:
		s, ok := value.(string)
		if !ok {
			c.add(path, "must be a string, got %T", value)
			return
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			c.add(path, "%q is not one of %s", s, strings.Join(spec.Enum, ", "))
		}
	case types.ParamBoolean:
		if _, ok := value.(bool); !ok {
			c.add(path, "must be a boolean, got %T", value)
		}
	}
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	return types.Operation{Parameters: m}.ParameterNames()
}
