package geom

import (
	"go/constant"
	"math"
	"reflect"
)

// Symbols is the complete symbol table exposed to the technique interpreter.
// It is keyed the way yaegi expects: "<import path>/<package name>".
var Symbols = map[string]map[string]reflect.Value{
	ImportPath + "/geom": {
		// types
		"Builder": reflect.ValueOf((*Builder)(nil)),
		"Params":  reflect.ValueOf((*Params)(nil)),
		"Shape":   reflect.ValueOf((*Shape)(nil)),
		"Profile": reflect.ValueOf((*Profile)(nil)),
		"Vector":  reflect.ValueOf((*Vector)(nil)),
		"Bounds":  reflect.ValueOf((*Bounds)(nil)),

		// constants
		"Pi": reflect.ValueOf(constant.MakeFloat64(math.Pi)),

		// functions
		"Sqrt":    reflect.ValueOf(Sqrt),
		"Sin":     reflect.ValueOf(Sin),
		"Cos":     reflect.ValueOf(Cos),
		"Tan":     reflect.ValueOf(Tan),
		"Atan2":   reflect.ValueOf(Atan2),
		"Abs":     reflect.ValueOf(Abs),
		"Min":     reflect.ValueOf(Min),
		"Max":     reflect.ValueOf(Max),
		"Clamp":   reflect.ValueOf(Clamp),
		"Lerp":    reflect.ValueOf(Lerp),
		"Pow":     reflect.ValueOf(Pow),
		"Floor":   reflect.ValueOf(Floor),
		"Ceil":    reflect.ValueOf(Ceil),
		"Round":   reflect.ValueOf(Round),
		"Radians": reflect.ValueOf(Radians),
		"Vec":     reflect.ValueOf(Vec),
	},
}
