package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for plan-level outcomes.
var (
	// ErrPlanFailed wraps the error returned for a plan that ended FAILED.
	ErrPlanFailed = errors.New("plan failed")

	// ErrCancelled is returned when the owning session was cancelled.
	ErrCancelled = errors.New("execution cancelled")
)

// ErrorKind classifies the failure recorded on an ExecutionResult.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindValidation       ErrorKind = "validation"
	KindResolution       ErrorKind = "resolution"
	KindSandboxViolation ErrorKind = "sandbox_violation"
	KindBackend          ErrorKind = "backend"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindTechnique        ErrorKind = "technique"
)

// KindOf maps an error to its ErrorKind. Unclassified errors are technique failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		ve *ValidationError
		re *ResolutionError
		sv *SandboxViolation
		be *BackendError
		te *TimeoutError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &sv):
		return KindSandboxViolation
	case errors.As(err, &re):
		return KindResolution
	case errors.As(err, &te):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.As(err, &be):
		return KindBackend
	default:
		return KindTechnique
	}
}

// Violation is one validation finding, addressed by a JSON-ish path.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// ValidationError reports every reason a plan was rejected.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("plan rejected (%d violations): %s", len(e.Violations), strings.Join(parts, "; "))
}

// ResolutionError means a step's paradigm, backend or technique cannot be satisfied.
type ResolutionError struct {
	Technique string
	Paradigm  Paradigm
	Reason    string
}

func (e *ResolutionError) Error() string {
	if e.Paradigm == "" {
		return fmt.Sprintf("cannot resolve %q: %s", e.Technique, e.Reason)
	}
	return fmt.Sprintf("cannot resolve %q for %s: %s", e.Technique, e.Paradigm, e.Reason)
}

// SandboxViolation means technique code used something outside the allow-list.
type SandboxViolation struct {
	Technique  string
	Violations []string
}

func (e *SandboxViolation) Error() string {
	return fmt.Sprintf("sandbox violation in %q: %s", e.Technique, strings.Join(e.Violations, "; "))
}

// BackendError wraps a failed call to a geometry engine or the design assistant.
type BackendError struct {
	Backend   string
	Op        string
	Transient bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Backend, e.Op, kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable BackendError.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}

// TimeoutError means a stage exceeded its time allowance.
type TimeoutError struct {
	Stage string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %s", e.Stage, e.Limit)
}
