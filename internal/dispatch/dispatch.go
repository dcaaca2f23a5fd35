// Package dispatch routes operations to the backend engine for their paradigm.
package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"shapesmith/internal/backend"
	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// Namespace prefixes that pin a paradigm ("cad.fillet", "mesh/swirl").
var namespaces = map[string]types.Paradigm{
	"precision": types.ParadigmPrecision,
	"cad":       types.ParadigmPrecision,
	"nurbs":     types.ParadigmPrecision,
	"brep":      types.ParadigmPrecision,
	"artistic":  types.ParadigmArtistic,
	"mesh":      types.ParadigmArtistic,
	"sculpt":    types.ParadigmArtistic,
	"organic":   types.ParadigmArtistic,
}

// precisionHints are identifier tokens that suggest engineering geometry.
var precisionHints = map[string]bool{
	"ring": true, "band": true, "shank": true, "prong": true, "bezel": true,
	"setting": true, "stone": true, "bore": true, "hole": true, "chamfer": true,
	"fillet": true, "flange": true, "plate": true, "bracket": true, "gear": true,
	"thread": true, "signet": true, "shell": true, "pattern": true, "extrude": true,
	"boss": true, "slot": true, "pocket": true, "bolt": true, "hinge": true,
}

// artisticHints are identifier tokens that suggest sculptural geometry.
var artisticHints = map[string]bool{
	"organic": true, "twist": true, "filigree": true, "vine": true, "leaf": true,
	"hammered": true, "texture": true, "sculpt": true, "blob": true, "relief": true,
	"swirl": true, "wave": true, "flower": true, "petal": true, "star": true,
	"noise": true, "smooth": true, "melt": true, "drip": true, "coral": true,
	"bark": true, "scale": true, "feather": true, "cloud": true, "flame": true,
}

// Route is the resolved destination of one operation.
type Route struct {
	Paradigm types.Paradigm
	Backend  backend.Adapter
	Inferred bool
}

// Dispatcher holds the fixed paradigm to backend table.
type Dispatcher struct {
	backends map[types.Paradigm]backend.Adapter
	fallback types.Paradigm
}

// New builds a dispatcher. fallback is used when inference finds no signal;
// an unspecified fallback means PRECISION.
func New(backends map[types.Paradigm]backend.Adapter, fallback types.Paradigm) *Dispatcher {
	if !fallback.Concrete() {
		fallback = types.ParadigmPrecision
	}
	table := make(map[types.Paradigm]backend.Adapter, len(backends))
	for p, b := range backends {
		table[p] = b
	}
	return &Dispatcher{backends: table, fallback: fallback}
}

// Paradigms returns the paradigms with a backend, sorted.
func (d *Dispatcher) Paradigms() []types.Paradigm {
	out := make([]types.Paradigm, 0, len(d.backends))
	for p := range d.backends {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Backend returns the adapter for p.
func (d *Dispatcher) Backend(p types.Paradigm) (backend.Adapter, bool) {
	b, ok := d.backends[p]
	return b, ok
}

// Route picks the backend for op. An explicit paradigm never falls back to
// the other engine.
func (d *Dispatcher) Route(op types.Operation) (Route, error) {
	p := op.Paradigm
	inferred := false
	if !p.Concrete() {
		p = d.Infer(op.Technique)
		inferred = true
	}

	b, ok := d.backends[p]
	if !ok {
		return Route{}, &types.ResolutionError{Technique: op.Technique, Paradigm: p, Reason: "no backend configured for paradigm"}
	}
	if !b.Available() {
		return Route{}, &types.ResolutionError{Technique: op.Technique, Paradigm: p, Reason: fmt.Sprintf("backend %s is unavailable", b.Name())}
	}

	if inferred {
		logging.DispatchDebug("%s inferred as %s -> %s", op.Technique, p, b.Name())
	} else {
		logging.DispatchDebug("%s declared %s -> %s", op.Technique, p, b.Name())
	}
	return Route{Paradigm: p, Backend: b, Inferred: inferred}, nil
}

// Infer guesses a paradigm from a technique identifier. It is deterministic:
// a namespace prefix wins, then the first hinted token from the left, then
// the fallback.
func (d *Dispatcher) Infer(technique string) types.Paradigm {
	return Infer(technique, d.fallback)
}

// Infer is the table-driven inference used by Dispatcher.Infer.
func Infer(technique string, fallback types.Paradigm) types.Paradigm {
	id := strings.ToLower(technique)
	if i := strings.IndexAny(id, "./"); i > 0 {
		if p, ok := namespaces[id[:i]]; ok {
			return p
		}
		id = id[strings.LastIndexAny(id, "./")+1:]
	}
	for _, tok := range strings.Split(id, "_") {
		if artisticHints[tok] {
			return types.ParadigmArtistic
		}
		if precisionHints[tok] {
			return types.ParadigmPrecision
		}
	}
	return fallback
}
