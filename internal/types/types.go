// Package types provides shared type definitions used across shapesmith packages.
// This package exists to break import cycles between the engine, the sandbox and the
// synthesizer. Types in this package should be foundational data structures with no
// internal dependencies.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// PARADIGMS
// =============================================================================

// Paradigm is the backend family a technique targets.
type Paradigm string

const (
	// ParadigmUnspecified asks the dispatcher to infer the paradigm.
	ParadigmUnspecified Paradigm = "unspecified"

	// ParadigmPrecision covers NURBS/B-rep style engines with exact dimensions.
	ParadigmPrecision Paradigm = "precision"

	// ParadigmArtistic covers mesh and sculpting engines.
	ParadigmArtistic Paradigm = "artistic"
)

// ConcreteParadigms lists the paradigms that map to a backend.
var ConcreteParadigms = []Paradigm{ParadigmPrecision, ParadigmArtistic}

// ParseParadigm parses a paradigm name. Empty input means unspecified.
func ParseParadigm(s string) (Paradigm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unspecified":
		return ParadigmUnspecified, nil
	case "precision":
		return ParadigmPrecision, nil
	case "artistic":
		return ParadigmArtistic, nil
	default:
		return ParadigmUnspecified, fmt.Errorf("unknown paradigm %q (valid: precision, artistic, unspecified)", s)
	}
}

// Concrete reports whether the paradigm routes to a backend.
func (p Paradigm) Concrete() bool {
	return p == ParadigmPrecision || p == ParadigmArtistic
}

// String returns the upper-case display name.
func (p Paradigm) String() string {
	if p == "" {
		return "UNSPECIFIED"
	}
	return strings.ToUpper(string(p))
}

// Origin records where a technique implementation came from.
type Origin string

const (
	OriginRegistry    Origin = "registry"
	OriginSynthesized Origin = "synthesized"
	OriginPlaceholder Origin = "placeholder"
)

// =============================================================================
// PLAN
// =============================================================================

// Operation is one declarative construction step.
type Operation struct {
	Technique  string         `json:"technique"`
	Paradigm   Paradigm       `json:"paradigm,omitempty"`
	Parameters map[string]any `json:"parameters"`
	// Target is the index of an earlier step whose handle this step builds on.
	Target *int `json:"target,omitempty"`
	// Optional steps may fail without halting the plan.
	Optional bool `json:"optional,omitempty"`
}

// Required reports whether a failure of this step halts the plan.
func (o Operation) Required() bool {
	return !o.Optional
}

// Clone returns a deep copy of the operation.
func (o Operation) Clone() Operation {
	c := o
	if o.Parameters != nil {
		c.Parameters = make(map[string]any, len(o.Parameters))
		for k, v := range o.Parameters {
			c.Parameters[k] = v
		}
	}
	if o.Target != nil {
		t := *o.Target
		c.Target = &t
	}
	return c
}

// ParameterNames returns the operation's parameter names in sorted order.
func (o Operation) ParameterNames() []string {
	names := make([]string, 0, len(o.Parameters))
	for name := range o.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConstructionPlan is the ordered description of geometry steps for one request.
type ConstructionPlan struct {
	Reasoning  string      `json:"reasoning"`
	Operations []Operation `json:"operations"`
}

// =============================================================================
// PARAMETER SCHEMAS
// =============================================================================

// ParamType is a primitive parameter type.
type ParamType string

const (
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamString  ParamType = "string"
	ParamBoolean ParamType = "boolean"
)

// ParamSpec describes a single technique parameter.
type ParamSpec struct {
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Min         *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// ParamSchema maps parameter names to their specs.
type ParamSchema map[string]ParamSpec

// Names returns the schema's parameter names in sorted order.
func (s ParamSchema) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Range is a convenience for building bounded ParamSpecs.
func Range(min, max float64) (*float64, *float64) {
	return &min, &max
}

// =============================================================================
// TECHNIQUES
// =============================================================================

// TechniqueImplementation is an executable technique: source for the sandboxed
// technique language plus its metadata. Immutable once registered.
type TechniqueImplementation struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Source      string      `json:"source"`
	Hash        string      `json:"hash"`
	Origin      Origin      `json:"origin"`
	Paradigm    Paradigm    `json:"paradigm"`
	Schema      ParamSchema `json:"schema,omitempty"`
}

// HashSource returns the content hash used to compare implementations.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// NewImplementation builds an implementation with its hash filled in.
func NewImplementation(id string, paradigm Paradigm, origin Origin, source string) *TechniqueImplementation {
	return &TechniqueImplementation{
		ID:       id,
		Source:   source,
		Hash:     HashSource(source),
		Origin:   origin,
		Paradigm: paradigm,
	}
}

// =============================================================================
// HANDLES
// =============================================================================

// Bounds is an axis-aligned bounding box in millimetres.
type Bounds struct {
	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
}

// Empty reports whether the box has no volume.
func (b Bounds) Empty() bool {
	return b.MaxX <= b.MinX && b.MaxY <= b.MinY && b.MaxZ <= b.MinZ
}

// Union returns the smallest box containing both boxes.
func (b Bounds) Union(o Bounds) Bounds {
	if b.Empty() {
		return o
	}
	if o.Empty() {
		return b
	}
	return Bounds{
		MinX: min(b.MinX, o.MinX), MinY: min(b.MinY, o.MinY), MinZ: min(b.MinZ, o.MinZ),
		MaxX: max(b.MaxX, o.MaxX), MaxY: max(b.MaxY, o.MaxY), MaxZ: max(b.MaxZ, o.MaxZ),
	}
}

// ObjectHandle is an opaque reference to backend-owned geometry.
type ObjectHandle struct {
	ID        string   `json:"id"`
	Backend   string   `json:"backend"`
	Paradigm  Paradigm `json:"paradigm"`
	Technique string   `json:"technique"`
	Step      int      `json:"step"`
	Bounds    Bounds   `json:"bounds"`
	// Revision increments when a later step updates the geometry in place.
	Revision int `json:"revision"`
}

// ArtifactRef points at an exported artifact owned by a backend.
type ArtifactRef struct {
	Backend  string   `json:"backend"`
	Paradigm Paradigm `json:"paradigm"`
	Format   string   `json:"format"`
	URI      string   `json:"uri"`
	Handles  []string `json:"handles"`
}

// =============================================================================
// RESULTS
// =============================================================================

// StepStatus is the terminal status of one operation.
type StepStatus string

const (
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// PlanStatus is the terminal status of a plan.
type PlanStatus string

const (
	PlanCompleted          PlanStatus = "COMPLETED"
	PlanPartiallyCompleted PlanStatus = "PARTIALLY_COMPLETED"
	PlanRejected           PlanStatus = "REJECTED"
	PlanFailed             PlanStatus = "FAILED"
)

// ExecutionResult is the outcome of one operation.
type ExecutionResult struct {
	Step       int           `json:"step"`
	Technique  string        `json:"technique"`
	Paradigm   Paradigm      `json:"paradigm,omitempty"`
	Origin     Origin        `json:"origin,omitempty"`
	Handle     *ObjectHandle `json:"handle,omitempty"`
	Status     StepStatus    `json:"status"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ExecutionSummary is the structured outcome of a plan execution.
type ExecutionSummary struct {
	PlanID      string            `json:"plan_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Status      PlanStatus        `json:"status"`
	Results     []ExecutionResult `json:"results"`
	Handles     []ObjectHandle    `json:"handles"`
	Artifacts   []ArtifactRef     `json:"artifacts,omitempty"`
	Violations  []Violation       `json:"violations,omitempty"`
	Transitions []string          `json:"transitions,omitempty"`
	// Warnings record export and delivery problems; they never change Status.
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Count returns how many results have the given status.
func (s *ExecutionSummary) Count(status StepStatus) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}
