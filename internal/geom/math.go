package geom

import "math"

// Pi is exported to techniques as an untyped constant.
const Pi = math.Pi

// Vector is a point or direction in model space (millimetres).
type Vector struct {
	X, Y, Z float64
}

// Vec builds a Vector.
func Vec(x, y, z float64) Vector { return Vector{X: x, Y: y, Z: z} }

func (v Vector) add(o Vector) Vector       { return Vector{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vector) scale(f float64) Vector    { return Vector{v.X * f, v.Y * f, v.Z * f} }
func (v Vector) dot(o Vector) float64      { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vector) length() float64           { return math.Sqrt(v.dot(v)) }
func (v Vector) cross(o Vector) Vector {
	return Vector{v.Y*o.Z - v.Z*o.Y, v.Z*o.X - v.X*o.Z, v.X*o.Y - v.Y*o.X}
}

func Sqrt(x float64) float64     { return math.Sqrt(x) }
func Sin(x float64) float64      { return math.Sin(x) }
func Cos(x float64) float64      { return math.Cos(x) }
func Tan(x float64) float64      { return math.Tan(x) }
func Atan2(y, x float64) float64 { return math.Atan2(y, x) }
func Abs(x float64) float64      { return math.Abs(x) }
func Min(a, b float64) float64   { return math.Min(a, b) }
func Max(a, b float64) float64   { return math.Max(a, b) }
func Pow(x, y float64) float64   { return math.Pow(x, y) }
func Floor(x float64) float64    { return math.Floor(x) }
func Ceil(x float64) float64     { return math.Ceil(x) }
func Round(x float64) float64    { return math.Round(x) }

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// Lerp interpolates between a and b; t is not clamped.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}
