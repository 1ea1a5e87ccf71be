package visibility

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"tilestream.ai/internal/observer"
	"tilestream.ai/internal/primitive"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/tiles"
)

// uvRect is a rectangle in sequence UV space, u to the right, v downward.
type uvRect struct {
	u0, v0, u1, v1 float32
}

var fullUV = uvRect{0, 0, 1, 1}

// pair is the outcome of projecting one primitive into one observer.
type pair struct {
	mip   int
	frac  float32
	uv    uvRect
	focus mgl32.Vec2
}

// vertex carries a clip-space position together with the primitive-local
// coordinate it came from; clipping interpolates both.
type vertex struct {
	view  mgl32.Vec3
	local mgl32.Vec2
}

func toView(v observer.View, p mgl32.Vec3) mgl32.Vec3 {
	d := p.Sub(v.State.Position)
	return mgl32.Vec3{d.Dot(v.State.Right), d.Dot(v.State.Up), d.Dot(v.State.Forward)}
}

// outsideFrustum reports whether a bounding sphere lies completely behind the
// observer or outside one of the four side planes.
func outsideFrustum(v observer.View, center mgl32.Vec3, radius float32) bool {
	c := toView(v, center)
	if c.Z() < -radius {
		return true
	}
	planes := [4]mgl32.Vec3{
		sidePlane(1, 0, v.TanHalfH),
		sidePlane(-1, 0, v.TanHalfH),
		sidePlane(0, 1, v.TanHalfV),
		sidePlane(0, -1, v.TanHalfV),
	}
	for _, n := range planes {
		if n.Dot(c) > radius {
			return true
		}
	}
	return false
}

// sidePlane returns the outward unit normal of a frustum side plane in view
// space. Points inside satisfy dot(n, p) <= 0.
func sidePlane(sx, sy, tanHalf float32) mgl32.Vec3 {
	n := mgl32.Vec3{sx, sy, -tanHalf}
	return n.Normalize()
}

// clipPolygon clips a convex polygon against the near and side planes
// (Sutherland-Hodgman).
func clipPolygon(poly []vertex, v observer.View, near float32) []vertex {
	type plane func(p mgl32.Vec3) float32 // <= 0 inside
	planes := []plane{
		func(p mgl32.Vec3) float32 { return near - p.Z() },
		func(p mgl32.Vec3) float32 { return p.X() - p.Z()*v.TanHalfH },
		func(p mgl32.Vec3) float32 { return -p.X() - p.Z()*v.TanHalfH },
		func(p mgl32.Vec3) float32 { return p.Y() - p.Z()*v.TanHalfV },
		func(p mgl32.Vec3) float32 { return -p.Y() - p.Z()*v.TanHalfV },
	}
	for _, pl := range planes {
		if len(poly) == 0 {
			return nil
		}
		out := make([]vertex, 0, len(poly)+2)
		for i := range poly {
			a := poly[i]
			b := poly[(i+1)%len(poly)]
			da, db := pl(a.view), pl(b.view)
			if da <= 0 {
				out = append(out, a)
			}
			if (da <= 0) != (db <= 0) {
				t := da / (da - db)
				out = append(out, vertex{
					view:  a.view.Add(b.view.Sub(a.view).Mul(t)),
					local: a.local.Add(b.local.Sub(a.local).Mul(t)),
				})
			}
		}
		poly = out
	}
	return poly
}

func clamp01(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func planeUV(local, half mgl32.Vec2) mgl32.Vec2 {
	return mgl32.Vec2{
		(local.X()/half.X() + 1) / 2,
		(1 - local.Y()/half.Y()) / 2,
	}
}

// desiredMip turns a projected texel size into a clamped integer mip and
// its fractional part.
func desiredMip(texelWorld, pixelsPerUnit, dist, lodBias, footprintEps float32, mipCount int) (int, float32) {
	pixel := texelWorld * (pixelsPerUnit / dist)
	m := math32.Log2(1/math32.Max(pixel, footprintEps)) + lodBias
	top := float32(mipCount - 1)
	if m < 0 || math32.IsNaN(m) {
		m = 0
	}
	if m > top {
		m = top
	}
	fl := math32.Floor(m)
	return int(fl), m - fl
}

func (s *Solver) projectPlane(v observer.View, p *primitive.Info, d sequence.Descriptor) (pair, bool) {
	t := p.Transform
	half := p.HalfExtents
	center := t.Mul4x1(mgl32.Vec4{0, 0, 0, 1}).Vec3()

	locals := [4]mgl32.Vec2{
		{-half.X(), -half.Y()},
		{half.X(), -half.Y()},
		{half.X(), half.Y()},
		{-half.X(), half.Y()},
	}
	var radius float32
	poly := make([]vertex, 4)
	for i, l := range locals {
		w := t.Mul4x1(mgl32.Vec4{l.X(), l.Y(), 0, 1}).Vec3()
		radius = math32.Max(radius, w.Sub(center).Len())
		poly[i] = vertex{view: toView(v, w), local: l}
	}
	if outsideFrustum(v, center, radius) {
		return pair{}, false
	}
	if t.Det() == 0 {
		return pair{}, false
	}
	inv := t.Inv()

	lp := inv.Mul4x1(v.State.Position.Vec4(1)).Vec3()
	closestLocal := mgl32.Vec2{
		mgl32.Clamp(lp.X(), -half.X(), half.X()),
		mgl32.Clamp(lp.Y(), -half.Y(), half.Y()),
	}
	closest := t.Mul4x1(mgl32.Vec4{closestLocal.X(), closestLocal.Y(), 0, 1}).Vec3()
	dist := closest.Sub(v.State.Position).Len()
	if dist < s.cfg.DistanceEpsilon {
		return pair{mip: 0, uv: fullUV, focus: planeUV(closestLocal, half)}, true
	}

	clipped := clipPolygon(poly, v, s.cfg.DistanceEpsilon)
	if len(clipped) < 3 {
		return pair{}, false
	}
	uv := uvRect{u0: 1, v0: 1, u1: 0, v1: 0}
	for _, c := range clipped {
		q := planeUV(c.local, half)
		uv.u0 = math32.Min(uv.u0, clamp01(q.X()))
		uv.v0 = math32.Min(uv.v0, clamp01(q.Y()))
		uv.u1 = math32.Max(uv.u1, clamp01(q.X()))
		uv.v1 = math32.Max(uv.v1, clamp01(q.Y()))
	}

	px := d.PixelDim()
	axisX := t.Mul4x1(mgl32.Vec4{1, 0, 0, 0}).Vec3().Len() * half.X()
	axisY := t.Mul4x1(mgl32.Vec4{0, 1, 0, 0}).Vec3().Len() * half.Y()
	texel := math32.Min(axisX/(float32(px.X)/2), axisY/(float32(px.Y)/2))
	mip, frac := desiredMip(texel, v.PixelsPerUnit, dist, p.LODBias, s.cfg.FootprintEpsilon, d.MipCount())

	focus := mgl32.Vec2{(uv.u0 + uv.u1) / 2, (uv.v0 + uv.v1) / 2}
	normal := t.Mul4x1(mgl32.Vec4{1, 0, 0, 0}).Vec3().Cross(t.Mul4x1(mgl32.Vec4{0, 1, 0, 0}).Vec3())
	if denom := v.State.Forward.Dot(normal); math32.Abs(denom) > 1e-6 {
		if k := center.Sub(v.State.Position).Dot(normal) / denom; k > 0 {
			hit := v.State.Position.Add(v.State.Forward.Mul(k))
			hl := inv.Mul4x1(hit.Vec4(1)).Vec3()
			q := planeUV(mgl32.Vec2{hl.X(), hl.Y()}, half)
			focus = mgl32.Vec2{clamp01(q.X()), clamp01(q.Y())}
		}
	}
	return pair{mip: mip, frac: frac, uv: uv, focus: focus}, true
}

func (s *Solver) projectSphere(v observer.View, p *primitive.Info, d sequence.Descriptor) (pair, bool) {
	t := p.Transform
	center := t.Mul4x1(mgl32.Vec4{0, 0, 0, 1}).Vec3()
	radius := t.Mul4x1(mgl32.Vec4{1, 0, 0, 0}).Vec3().Len() * p.HalfExtents.X()
	if radius <= 0 {
		return pair{}, false
	}
	if outsideFrustum(v, center, radius) {
		return pair{}, false
	}
	dist := center.Sub(v.State.Position).Len() - radius
	focus := mgl32.Vec2{0.5, 0.5}
	if dist < s.cfg.DistanceEpsilon {
		return pair{mip: 0, uv: fullUV, focus: focus}, true
	}
	texel := 2 * math32.Pi * radius / float32(d.PixelDim().X)
	mip, frac := desiredMip(texel, v.PixelsPerUnit, dist, p.LODBias, s.cfg.FootprintEpsilon, d.MipCount())
	return pair{mip: mip, frac: frac, uv: fullUV, focus: focus}, true
}

// tileRect converts a UV rectangle to the tile rectangle it touches at a
// grid of the given dimensions. A non-empty UV rect always yields at least
// one tile.
func tileRect(uv uvRect, dim tiles.Coord) tiles.Rect {
	x0 := int(math32.Floor(uv.u0 * float32(dim.X)))
	y0 := int(math32.Floor(uv.v0 * float32(dim.Y)))
	x1 := int(math32.Ceil(uv.u1 * float32(dim.X)))
	y1 := int(math32.Ceil(uv.v1 * float32(dim.Y)))
	x0 = min(max(x0, 0), dim.X-1)
	y0 = min(max(y0, 0), dim.Y-1)
	x1 = min(max(x1, x0+1), dim.X)
	y1 = min(max(y1, y0+1), dim.Y)
	return tiles.R(x0, y0, x1, y1)
}

// tileCenterDist is the UV distance between a tile's center and focus.
func tileCenterDist(c tiles.Coord, dim tiles.Coord, focus mgl32.Vec2) float32 {
	u := (float32(c.X) + 0.5) / float32(dim.X)
	v := (float32(c.Y) + 0.5) / float32(dim.Y)
	du, dv := u-focus.X(), v-focus.Y()
	return math32.Sqrt(du*du + dv*dv)
}
