// Package backend defines the geometry engine adapters the sequencer talks to,
// one per paradigm, plus the in-process engine and the retry decorator.
package backend

import (
	"context"
	"errors"

	"shapesmith/internal/geom"
	"shapesmith/internal/types"
)

// ErrSessionClosed is returned by calls on a closed session.
var ErrSessionClosed = errors.New("backend session closed")

// Adapter connects to one geometry engine.
type Adapter interface {
	// Name identifies the engine in handles and diagnostics.
	Name() string
	// Paradigm is the paradigm the engine serves.
	Paradigm() types.Paradigm
	// Available reports whether the engine can accept sessions.
	Available() bool
	// Connect opens a session. Handles never outlive their session.
	Connect(ctx context.Context) (Session, error)
}

// CreateRequest asks the engine to materialize one step's contribution.
type CreateRequest struct {
	Step         int                 `json:"step"`
	Technique    string              `json:"technique"`
	Paradigm     types.Paradigm      `json:"paradigm"`
	Params       map[string]any      `json:"parameters,omitempty"`
	Contribution *geom.Contribution  `json:"contribution"`
	Target       *types.ObjectHandle `json:"target,omitempty"`
}

// Session is a live connection holding the geometry of one plan execution.
type Session interface {
	ID() string
	// CreateOrUpdate creates new geometry, or updates Target in place when the
	// contribution was derived from the target itself.
	CreateOrUpdate(ctx context.Context, req CreateRequest) (*types.ObjectHandle, error)
	// Export writes the given handles' geometry in format.
	Export(ctx context.Context, handles []types.ObjectHandle, format string) (types.ArtifactRef, error)
	// Close releases every handle of the session. It is idempotent.
	Close(ctx context.Context) error
}

// InPlace reports whether a contribution modifies its target rather than
// adding new geometry: every emitted solid was derived from the target.
func InPlace(c *geom.Contribution) bool {
	if c == nil || c.Target == nil || len(c.Solids) == 0 {
		return false
	}
	for _, s := range c.Solids {
		if len(s.History) == 0 || s.History[0] != "target:"+c.Target.Technique {
			return false
		}
	}
	return true
}

// DefaultFormats are the export formats used when none is configured.
var DefaultFormats = map[types.Paradigm]string{
	types.ParadigmPrecision: "step",
	types.ParadigmArtistic:  "obj",
}

// SupportedFormats lists the export formats each paradigm's engines accept.
var SupportedFormats = map[types.Paradigm][]string{
	types.ParadigmPrecision: {"step", "iges", "stl"},
	types.ParadigmArtistic:  {"obj", "stl", "glb"},
}

func supportsFormat(p types.Paradigm, format string) bool {
	for _, f := range SupportedFormats[p] {
		if f == format {
			return true
		}
	}
	return false
}
