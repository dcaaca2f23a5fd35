package geom

import (
	"context"
	"fmt"
	"math"
	"strings"

	"shapesmith/internal/types"
)

// Bounds is the axis-aligned box type shared with the engine.
type Bounds = types.Bounds

// DefaultMaxPrimitives is used when a builder is created with a zero budget.
const DefaultMaxPrimitives = 512

// Ref identifies an existing object a technique builds on.
type Ref struct {
	HandleID  string
	Technique string
	Bounds    Bounds
}

// Profile is a closed 2D outline in the XY plane.
type Profile struct {
	kind string
	minX float64
	minY float64
	maxX float64
	maxY float64
}

// Shape is an intermediate solid. Techniques only pass shapes between builder
// operations; the fields are not visible to technique code.
type Shape struct {
	kind    string
	bounds  Bounds
	history []string
}

// Solid is an emitted shape as seen by the engine.
type Solid struct {
	Kind    string   `json:"kind"`
	Bounds  Bounds   `json:"bounds"`
	History []string `json:"history"`
}

// Contribution is everything one technique invocation emitted.
type Contribution struct {
	Technique  string         `json:"technique"`
	Paradigm   types.Paradigm `json:"paradigm"`
	Target     *Ref           `json:"target,omitempty"`
	Solids     []Solid        `json:"solids"`
	Primitives int            `json:"primitives"`
}

// Bounds returns the union of every emitted solid's bounds.
func (c *Contribution) Bounds() Bounds {
	var b Bounds
	for _, s := range c.Solids {
		b = b.Union(s.Bounds)
	}
	return b
}

// BuilderOptions configure a Builder.
type BuilderOptions struct {
	Technique     string
	Paradigm      types.Paradigm
	Target        *Ref
	MaxPrimitives int
}

// Builder records geometry operations for one technique invocation.
//
// Every operation checks the context, the paradigm capability set and the
// primitive budget, and panics with ErrAborted, *CapabilityError or *BudgetError
// respectively. The sandbox recovers those panics. A Builder is not safe for
// concurrent use.
type Builder struct {
	ctx        context.Context
	opts       BuilderOptions
	caps       CapabilitySet
	primitives int
	emitted    []Solid
}

// NewBuilder creates a builder bound to ctx.
func NewBuilder(ctx context.Context, opts BuilderOptions) *Builder {
	if opts.MaxPrimitives <= 0 {
		opts.MaxPrimitives = DefaultMaxPrimitives
	}
	return &Builder{
		ctx:  ctx,
		opts: opts,
		caps: Capabilities(opts.Paradigm),
	}
}

// Contribution returns what has been emitted so far.
func (b *Builder) Contribution() *Contribution {
	solids := make([]Solid, len(b.emitted))
	copy(solids, b.emitted)
	return &Contribution{
		Technique:  b.opts.Technique,
		Paradigm:   b.opts.Paradigm,
		Target:     b.opts.Target,
		Solids:     solids,
		Primitives: b.primitives,
	}
}

// Primitives returns how many primitives have been created.
func (b *Builder) Primitives() int { return b.primitives }

func (b *Builder) enter(op string) {
	if err := b.ctx.Err(); err != nil {
		panic(fmt.Errorf("%w: %w", ErrAborted, err))
	}
	if !b.caps.Allows(op) {
		panic(&CapabilityError{Op: op, Paradigm: b.opts.Paradigm})
	}
}

func (b *Builder) spend(n int) {
	b.primitives += n
	if b.primitives > b.opts.MaxPrimitives {
		panic(&BudgetError{Limit: b.opts.MaxPrimitives})
	}
}

func positive(op, name string, v float64) {
	if !(v > 0) || math.IsInf(v, 0) {
		panic(&ArgumentError{Op: op, Reason: fmt.Sprintf("%s must be a positive finite number, got %v", name, v)})
	}
}

func nonNegative(op, name string, v float64) {
	if !(v >= 0) || math.IsInf(v, 0) {
		panic(&ArgumentError{Op: op, Reason: fmt.Sprintf("%s must be non-negative, got %v", name, v)})
	}
}

func requireShape(op string, s *Shape) {
	if s == nil {
		panic(&ArgumentError{Op: op, Reason: "nil shape"})
	}
}

func requireProfile(op string, p *Profile) {
	if p == nil {
		panic(&ArgumentError{Op: op, Reason: "nil profile"})
	}
}

func (b *Builder) primitive(kind string, bounds Bounds) *Shape {
	b.spend(1)
	return &Shape{kind: kind, bounds: bounds, history: []string{kind}}
}

func derive(s *Shape, op string, bounds Bounds) *Shape {
	h := make([]string, len(s.history), len(s.history)+1)
	copy(h, s.history)
	return &Shape{kind: s.kind, bounds: bounds, history: append(h, op)}
}

// -----------------------------------------------------------------------------
// Solids
// -----------------------------------------------------------------------------

// Box is centered on the XY origin and rests on Z=0.
func (b *Builder) Box(width, depth, height float64) *Shape {
	b.enter("Box")
	positive("Box", "width", width)
	positive("Box", "depth", depth)
	positive("Box", "height", height)
	return b.primitive("box", Bounds{
		MinX: -width / 2, MinY: -depth / 2, MinZ: 0,
		MaxX: width / 2, MaxY: depth / 2, MaxZ: height,
	})
}

// Cylinder stands on Z=0 around the Z axis.
func (b *Builder) Cylinder(radius, height float64) *Shape {
	b.enter("Cylinder")
	positive("Cylinder", "radius", radius)
	positive("Cylinder", "height", height)
	return b.primitive("cylinder", column(radius, height))
}

// Sphere is centered on the origin.
func (b *Builder) Sphere(radius float64) *Shape {
	b.enter("Sphere")
	positive("Sphere", "radius", radius)
	return b.primitive("sphere", Bounds{
		MinX: -radius, MinY: -radius, MinZ: -radius,
		MaxX: radius, MaxY: radius, MaxZ: radius,
	})
}

// Cone tapers from bottom radius to top radius; either may be zero.
func (b *Builder) Cone(bottom, top, height float64) *Shape {
	b.enter("Cone")
	nonNegative("Cone", "bottom", bottom)
	nonNegative("Cone", "top", top)
	positive("Cone", "height", height)
	r := math.Max(bottom, top)
	positive("Cone", "radius", r)
	return b.primitive("cone", column(r, height))
}

// Torus lies in the XY plane around the origin.
func (b *Builder) Torus(major, minor float64) *Shape {
	b.enter("Torus")
	positive("Torus", "major", major)
	positive("Torus", "minor", minor)
	r := major + minor
	return b.primitive("torus", Bounds{
		MinX: -r, MinY: -r, MinZ: -minor,
		MaxX: r, MaxY: r, MaxZ: minor,
	})
}

// Prism is a regular n-sided prism standing on Z=0.
func (b *Builder) Prism(sides int, radius, height float64) *Shape {
	b.enter("Prism")
	if sides < 3 {
		panic(&ArgumentError{Op: "Prism", Reason: fmt.Sprintf("need at least 3 sides, got %d", sides)})
	}
	positive("Prism", "radius", radius)
	positive("Prism", "height", height)
	return b.primitive("prism", column(radius, height))
}

func column(r, h float64) Bounds {
	return Bounds{MinX: -r, MinY: -r, MinZ: 0, MaxX: r, MaxY: r, MaxZ: h}
}

// -----------------------------------------------------------------------------
// Profiles
// -----------------------------------------------------------------------------

// Circle is a circular profile centered on the origin.
func (b *Builder) Circle(radius float64) *Profile {
	b.enter("Circle")
	positive("Circle", "radius", radius)
	b.spend(1)
	return &Profile{kind: "circle", minX: -radius, minY: -radius, maxX: radius, maxY: radius}
}

// Rect is a rectangular profile centered on the origin.
func (b *Builder) Rect(width, height float64) *Profile {
	b.enter("Rect")
	positive("Rect", "width", width)
	positive("Rect", "height", height)
	b.spend(1)
	return &Profile{kind: "rect", minX: -width / 2, minY: -height / 2, maxX: width / 2, maxY: height / 2}
}

// Polygon is a closed outline through the XY components of points.
func (b *Builder) Polygon(points ...Vector) *Profile {
	b.enter("Polygon")
	if len(points) < 3 {
		panic(&ArgumentError{Op: "Polygon", Reason: fmt.Sprintf("need at least 3 points, got %d", len(points))})
	}
	b.spend(1)
	p := &Profile{kind: "polygon", minX: points[0].X, minY: points[0].Y, maxX: points[0].X, maxY: points[0].Y}
	for _, pt := range points[1:] {
		p.minX, p.maxX = math.Min(p.minX, pt.X), math.Max(p.maxX, pt.X)
		p.minY, p.maxY = math.Min(p.minY, pt.Y), math.Max(p.maxY, pt.Y)
	}
	if p.maxX-p.minX <= 0 || p.maxY-p.minY <= 0 {
		panic(&ArgumentError{Op: "Polygon", Reason: "degenerate outline"})
	}
	return p
}

// StarProfile alternates between outer and inner radius.
func (b *Builder) StarProfile(points int, outer, inner float64) *Profile {
	b.enter("StarProfile")
	if points < 3 {
		panic(&ArgumentError{Op: "StarProfile", Reason: fmt.Sprintf("need at least 3 points, got %d", points)})
	}
	positive("StarProfile", "outer", outer)
	positive("StarProfile", "inner", inner)
	if inner >= outer {
		panic(&ArgumentError{Op: "StarProfile", Reason: "inner radius must be smaller than outer"})
	}
	b.spend(1)
	return &Profile{kind: "star", minX: -outer, minY: -outer, maxX: outer, maxY: outer}
}

// Extrude sweeps a profile along +Z.
func (b *Builder) Extrude(p *Profile, height float64) *Shape {
	b.enter("Extrude")
	requireProfile("Extrude", p)
	positive("Extrude", "height", height)
	return b.primitive("extrude:"+p.kind, Bounds{
		MinX: p.minX, MinY: p.minY, MinZ: 0,
		MaxX: p.maxX, MaxY: p.maxY, MaxZ: height,
	})
}

// Revolve spins a profile around the Z axis; the profile's X is the radius and
// its Y becomes height.
func (b *Builder) Revolve(p *Profile, degrees float64) *Shape {
	b.enter("Revolve")
	requireProfile("Revolve", p)
	positive("Revolve", "degrees", degrees)
	r := math.Max(math.Abs(p.minX), math.Abs(p.maxX))
	return b.primitive("revolve:"+p.kind, Bounds{
		MinX: -r, MinY: -r, MinZ: p.minY,
		MaxX: r, MaxY: r, MaxZ: p.maxY,
	})
}

// Loft blends from the bottom profile at Z=0 to the top profile at height.
func (b *Builder) Loft(bottom, top *Profile, height float64) *Shape {
	b.enter("Loft")
	requireProfile("Loft", bottom)
	requireProfile("Loft", top)
	positive("Loft", "height", height)
	return b.primitive("loft", Bounds{
		MinX: math.Min(bottom.minX, top.minX), MinY: math.Min(bottom.minY, top.minY), MinZ: 0,
		MaxX: math.Max(bottom.maxX, top.maxX), MaxY: math.Max(bottom.maxY, top.maxY), MaxZ: height,
	})
}

// -----------------------------------------------------------------------------
// Transforms
// -----------------------------------------------------------------------------

// Translate moves a shape.
func (b *Builder) Translate(s *Shape, x, y, z float64) *Shape {
	b.enter("Translate")
	requireShape("Translate", s)
	return derive(s, "translate", shift(s.bounds, Vector{x, y, z}))
}

// Rotate turns a shape about axis (through the origin) by degrees.
func (b *Builder) Rotate(s *Shape, axis Vector, degrees float64) *Shape {
	b.enter("Rotate")
	requireShape("Rotate", s)
	n := axis.length()
	if n == 0 {
		panic(&ArgumentError{Op: "Rotate", Reason: "zero axis"})
	}
	return derive(s, "rotate", rotateBounds(s.bounds, axis.scale(1/n), Radians(degrees)))
}

// Scale scales a shape uniformly about the origin.
func (b *Builder) Scale(s *Shape, factor float64) *Shape {
	b.enter("Scale")
	requireShape("Scale", s)
	positive("Scale", "factor", factor)
	bb := s.bounds
	return derive(s, "scale", Bounds{
		MinX: bb.MinX * factor, MinY: bb.MinY * factor, MinZ: bb.MinZ * factor,
		MaxX: bb.MaxX * factor, MaxY: bb.MaxY * factor, MaxZ: bb.MaxZ * factor,
	})
}

// Mirror reflects a shape across the plane normal to axis ("x", "y" or "z").
func (b *Builder) Mirror(s *Shape, axis string) *Shape {
	b.enter("Mirror")
	requireShape("Mirror", s)
	bb := s.bounds
	switch strings.ToLower(axis) {
	case "x":
		bb.MinX, bb.MaxX = -bb.MaxX, -bb.MinX
	case "y":
		bb.MinY, bb.MaxY = -bb.MaxY, -bb.MinY
	case "z":
		bb.MinZ, bb.MaxZ = -bb.MaxZ, -bb.MinZ
	default:
		panic(&ArgumentError{Op: "Mirror", Reason: fmt.Sprintf("unknown axis %q", axis)})
	}
	return derive(s, "mirror:"+strings.ToLower(axis), bb)
}

func shift(bb Bounds, d Vector) Bounds {
	return Bounds{
		MinX: bb.MinX + d.X, MinY: bb.MinY + d.Y, MinZ: bb.MinZ + d.Z,
		MaxX: bb.MaxX + d.X, MaxY: bb.MaxY + d.Y, MaxZ: bb.MaxZ + d.Z,
	}
}

// rotateBounds rotates the eight corners (Rodrigues) and re-boxes them.
func rotateBounds(bb Bounds, k Vector, theta float64) Bounds {
	sin, cos := math.Sincos(theta)
	out := Bounds{
		MinX: math.Inf(1), MinY: math.Inf(1), MinZ: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1), MaxZ: math.Inf(-1),
	}
	for _, x := range []float64{bb.MinX, bb.MaxX} {
		for _, y := range []float64{bb.MinY, bb.MaxY} {
			for _, z := range []float64{bb.MinZ, bb.MaxZ} {
				v := Vector{x, y, z}
				r := v.scale(cos).add(k.cross(v).scale(sin)).add(k.scale(k.dot(v) * (1 - cos)))
				out.MinX, out.MaxX = math.Min(out.MinX, r.X), math.Max(out.MaxX, r.X)
				out.MinY, out.MaxY = math.Min(out.MinY, r.Y), math.Max(out.MaxY, r.Y)
				out.MinZ, out.MaxZ = math.Min(out.MinZ, r.Z), math.Max(out.MaxZ, r.Z)
			}
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Booleans
// -----------------------------------------------------------------------------

// Union joins two shapes.
func (b *Builder) Union(a, c *Shape) *Shape {
	b.enter("Union")
	requireShape("Union", a)
	requireShape("Union", c)
	return derive(a, "union:"+c.kind, a.bounds.Union(c.bounds))
}

// Subtract removes c from a. The result never grows beyond a.
func (b *Builder) Subtract(a, c *Shape) *Shape {
	b.enter("Subtract")
	requireShape("Subtract", a)
	requireShape("Subtract", c)
	return derive(a, "subtract:"+c.kind, a.bounds)
}

// Intersect keeps the overlap of two shapes.
func (b *Builder) Intersect(a, c *Shape) *Shape {
	b.enter("Intersect")
	requireShape("Intersect", a)
	requireShape("Intersect", c)
	x, y := a.bounds, c.bounds
	out := Bounds{
		MinX: math.Max(x.MinX, y.MinX), MinY: math.Max(x.MinY, y.MinY), MinZ: math.Max(x.MinZ, y.MinZ),
		MaxX: math.Min(x.MaxX, y.MaxX), MaxY: math.Min(x.MaxY, y.MaxY), MaxZ: math.Min(x.MaxZ, y.MaxZ),
	}
	if out.MaxX <= out.MinX || out.MaxY <= out.MinY || out.MaxZ <= out.MinZ {
		panic(&ArgumentError{Op: "Intersect", Reason: "shapes do not overlap"})
	}
	return derive(a, "intersect:"+c.kind, out)
}

// -----------------------------------------------------------------------------
// Targets and output
// -----------------------------------------------------------------------------

// HasTarget reports whether the operation builds on an earlier step.
func (b *Builder) HasTarget() bool {
	b.enter("HasTarget")
	return b.opts.Target != nil
}

// TargetBounds returns the target's bounds, or zero bounds without a target.
func (b *Builder) TargetBounds() Bounds {
	b.enter("TargetBounds")
	if b.opts.Target == nil {
		return Bounds{}
	}
	return b.opts.Target.Bounds
}

// Target returns the target as a shape for use in booleans.
func (b *Builder) Target() *Shape {
	b.enter("Target")
	if b.opts.Target == nil {
		panic(&ArgumentError{Op: "Target", Reason: "operation has no target"})
	}
	return &Shape{kind: "target", bounds: b.opts.Target.Bounds, history: []string{"target:" + b.opts.Target.Technique}}
}

// Attach places s against the target. Anchors: top, bottom, center, left,
// right, front, back.
func (b *Builder) Attach(s *Shape, anchor string) *Shape {
	b.enter("Attach")
	requireShape("Attach", s)
	if b.opts.Target == nil {
		panic(&ArgumentError{Op: "Attach", Reason: "operation has no target"})
	}
	t, o := b.opts.Target.Bounds, s.bounds
	tc, oc := center(t), center(o)
	d := tc.add(oc.scale(-1))
	switch strings.ToLower(anchor) {
	case "top":
		d.Z = t.MaxZ - o.MinZ
	case "bottom":
		d.Z = t.MinZ - o.MaxZ
	case "center":
	case "left":
		d.X = t.MinX - o.MaxX
	case "right":
		d.X = t.MaxX - o.MinX
	case "front":
		d.Y = t.MinY - o.MaxY
	case "back":
		d.Y = t.MaxY - o.MinY
	default:
		panic(&ArgumentError{Op: "Attach", Reason: fmt.Sprintf("unknown anchor %q", anchor)})
	}
	return derive(s, "attach:"+strings.ToLower(anchor), shift(o, d))
}

func center(bb Bounds) Vector {
	return Vector{(bb.MinX + bb.MaxX) / 2, (bb.MinY + bb.MaxY) / 2, (bb.MinZ + bb.MaxZ) / 2}
}

// Emit adds a shape to the invocation's output.
func (b *Builder) Emit(s *Shape) {
	b.enter("Emit")
	requireShape("Emit", s)
	h := make([]string, len(s.history))
	copy(h, s.history)
	b.emitted = append(b.emitted, Solid{Kind: s.kind, Bounds: s.bounds, History: h})
}

// -----------------------------------------------------------------------------
// PRECISION operations
// -----------------------------------------------------------------------------

// Fillet rounds edges with radius.
func (b *Builder) Fillet(s *Shape, radius float64) *Shape {
	b.enter("Fillet")
	requireShape("Fillet", s)
	positive("Fillet", "radius", radius)
	return derive(s, fmt.Sprintf("fillet:%g", radius), s.bounds)
}

// Chamfer bevels edges by distance.
func (b *Builder) Chamfer(s *Shape, distance float64) *Shape {
	b.enter("Chamfer")
	requireShape("Chamfer", s)
	positive("Chamfer", "distance", distance)
	return derive(s, fmt.Sprintf("chamfer:%g", distance), s.bounds)
}

// Shell hollows a solid leaving walls of thickness.
func (b *Builder) Shell(s *Shape, thickness float64) *Shape {
	b.enter("Shell")
	requireShape("Shell", s)
	positive("Shell", "thickness", thickness)
	return derive(s, fmt.Sprintf("shell:%g", thickness), s.bounds)
}

// Pattern places count copies of s around the Z axis at radius.
func (b *Builder) Pattern(s *Shape, count int, radius float64) *Shape {
	b.enter("Pattern")
	requireShape("Pattern", s)
	if count < 1 {
		panic(&ArgumentError{Op: "Pattern", Reason: fmt.Sprintf("count must be at least 1, got %d", count)})
	}
	nonNegative("Pattern", "radius", radius)
	b.spend(count)
	bb := s.bounds
	reach := radius + math.Max(math.Max(math.Abs(bb.MinX), math.Abs(bb.MaxX)), math.Max(math.Abs(bb.MinY), math.Abs(bb.MaxY)))
	return derive(s, fmt.Sprintf("pattern:%d", count), Bounds{
		MinX: -reach, MinY: -reach, MinZ: bb.MinZ,
		MaxX: reach, MaxY: reach, MaxZ: bb.MaxZ,
	})
}

// Bore drills a hole of radius down from the top face.
func (b *Builder) Bore(s *Shape, radius, depth float64) *Shape {
	b.enter("Bore")
	requireShape("Bore", s)
	positive("Bore", "radius", radius)
	positive("Bore", "depth", depth)
	return derive(s, fmt.Sprintf("bore:%g", radius), s.bounds)
}

// -----------------------------------------------------------------------------
// ARTISTIC operations
// -----------------------------------------------------------------------------

// Subdivide refines the mesh levels times.
func (b *Builder) Subdivide(s *Shape, levels int) *Shape {
	b.enter("Subdivide")
	requireShape("Subdivide", s)
	if levels < 1 || levels > 6 {
		panic(&ArgumentError{Op: "Subdivide", Reason: fmt.Sprintf("levels must be in [1, 6], got %d", levels)})
	}
	return derive(s, fmt.Sprintf("subdivide:%d", levels), s.bounds)
}

// Displace pushes the surface outward by up to amplitude.
func (b *Builder) Displace(s *Shape, amplitude float64) *Shape {
	b.enter("Displace")
	requireShape("Displace", s)
	nonNegative("Displace", "amplitude", amplitude)
	return derive(s, fmt.Sprintf("displace:%g", amplitude), grow(s.bounds, amplitude))
}

// Smooth relaxes the surface.
func (b *Builder) Smooth(s *Shape, iterations int) *Shape {
	b.enter("Smooth")
	requireShape("Smooth", s)
	if iterations < 1 {
		panic(&ArgumentError{Op: "Smooth", Reason: "iterations must be at least 1"})
	}
	return derive(s, fmt.Sprintf("smooth:%d", iterations), s.bounds)
}

// Twist rotates cross-sections progressively about Z up to degrees.
func (b *Builder) Twist(s *Shape, degrees float64) *Shape {
	b.enter("Twist")
	requireShape("Twist", s)
	bb := s.bounds
	r := math.Hypot(math.Max(math.Abs(bb.MinX), math.Abs(bb.MaxX)), math.Max(math.Abs(bb.MinY), math.Abs(bb.MaxY)))
	if degrees != 0 {
		bb.MinX, bb.MinY, bb.MaxX, bb.MaxY = -r, -r, r, r
	}
	return derive(s, fmt.Sprintf("twist:%g", degrees), bb)
}

// Inflate grows the shape uniformly by amount.
func (b *Builder) Inflate(s *Shape, amount float64) *Shape {
	b.enter("Inflate")
	requireShape("Inflate", s)
	nonNegative("Inflate", "amount", amount)
	return derive(s, fmt.Sprintf("inflate:%g", amount), grow(s.bounds, amount))
}

// Noise perturbs the surface with amplitude at the given frequency.
func (b *Builder) Noise(s *Shape, amplitude, frequency float64) *Shape {
	b.enter("Noise")
	requireShape("Noise", s)
	nonNegative("Noise", "amplitude", amplitude)
	positive("Noise", "frequency", frequency)
	return derive(s, fmt.Sprintf("noise:%g@%g", amplitude, frequency), grow(s.bounds, amplitude))
}

func grow(bb Bounds, d float64) Bounds {
	return Bounds{
		MinX: bb.MinX - d, MinY: bb.MinY - d, MinZ: bb.MinZ - d,
		MaxX: bb.MaxX + d, MaxY: bb.MaxY + d, MaxZ: bb.MaxZ + d,
	}
}
