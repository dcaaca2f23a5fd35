package geom

import (
	"errors"
	"fmt"

	"shapesmith/internal/types"
)

// ErrAborted is raised (as a panic) by the builder once its context is done.
// The panic value wraps both ErrAborted and the context's error.
var ErrAborted = errors.New("geometry build aborted")

// CapabilityError is raised when a technique calls an operation outside the
// capability set of the paradigm it was routed to.
type CapabilityError struct {
	Op       string
	Paradigm types.Paradigm
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("operation %s is not available to %s techniques", e.Op, e.Paradigm)
}

// BudgetError is raised when a technique exceeds its primitive budget.
type BudgetError struct {
	Limit int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("primitive budget of %d exceeded", e.Limit)
}

// ArgumentError is raised for invalid operation arguments (negative radius, nil shape).
type ArgumentError struct {
	Op     string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}
