// Package geom is the geometry vocabulary available to technique code.
//
// Techniques are small Go programs in package technique that import "geom" and
// define Build(b *geom.Builder, p geom.Params) error. They run in the sandbox with
// nothing but these symbols: the math helpers below, the Builder (whose
// operations are gated per paradigm) and read-only Params.
package geom

import (
	"sort"

	"shapesmith/internal/types"
)

// ImportPath is the only import a technique may declare.
const ImportPath = "geom"

// Functions are the package-level helpers techniques may call as geom.<Name>.
var Functions = []string{
	"Sqrt", "Sin", "Cos", "Tan", "Atan2", "Abs", "Min", "Max", "Clamp", "Lerp",
	"Pow", "Floor", "Ceil", "Round", "Radians", "Vec",
}

// Constants are the package-level constants techniques may reference.
var Constants = []string{"Pi"}

// Builtins are the Go builtins and conversions techniques may call.
var Builtins = []string{"len", "float64", "int", "append"}

// CommonOps are builder operations available to every paradigm.
var CommonOps = []string{
	"Box", "Cylinder", "Sphere", "Cone", "Torus", "Prism",
	"Circle", "Rect", "Polygon", "StarProfile",
	"Extrude", "Revolve", "Loft",
	"Translate", "Rotate", "Scale", "Mirror",
	"Union", "Subtract", "Intersect",
	"Target", "HasTarget", "TargetBounds", "Attach", "Emit",
}

// PrecisionOps are builder operations reserved for PRECISION techniques.
var PrecisionOps = []string{"Fillet", "Chamfer", "Shell", "Pattern", "Bore"}

// ArtisticOps are builder operations reserved for ARTISTIC techniques.
var ArtisticOps = []string{"Subdivide", "Displace", "Smooth", "Twist", "Inflate", "Noise"}

// ParamMethods are the read accessors on Params.
var ParamMethods = []string{"Float", "Int", "String", "Bool", "Has"}

// CapabilitySet is the set of builder operations a paradigm may use.
type CapabilitySet map[string]bool

// Allows reports whether op is in the set.
func (c CapabilitySet) Allows(op string) bool {
	return c[op]
}

// Capabilities returns the builder operations available to a paradigm.
// UNSPECIFIED gets only the common operations.
func Capabilities(p types.Paradigm) CapabilitySet {
	set := make(CapabilitySet, len(CommonOps)+len(PrecisionOps))
	for _, op := range CommonOps {
		set[op] = true
	}
	switch p {
	case types.ParadigmPrecision:
		for _, op := range PrecisionOps {
			set[op] = true
		}
	case types.ParadigmArtistic:
		for _, op := range ArtisticOps {
			set[op] = true
		}
	}
	return set
}

// Methods returns every method name a technique may call on a Builder or
// Params value, across all paradigms, sorted.
func Methods() []string {
	var all []string
	all = append(all, CommonOps...)
	all = append(all, PrecisionOps...)
	all = append(all, ArtisticOps...)
	all = append(all, ParamMethods...)
	sort.Strings(all)
	return all
}
