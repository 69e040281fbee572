// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import "math"

// Point3 is a point in (x, y, t) space: x, y are spatial, t is temporal.
// Spatial coordinates are f32 as required by §9; t is kept as an integer
// "time" scalar (§3) and its width is converted to float64 inside Size,
// where all three widths are multiplied in float64.
type Point3 struct {
	X, Y float32
	T    uint32
}

// MinPoint returns the componentwise minimum of a and b.
func MinPoint(a, b Point3) Point3 {
	return Point3{
		X: minf32(a.X, b.X),
		Y: minf32(a.Y, b.Y),
		T: minu32(a.T, b.T),
	}
}

// MaxPoint returns the componentwise maximum of a and b.
func MaxPoint(a, b Point3) Point3 {
	return Point3{
		X: maxf32(a.X, b.X),
		Y: maxf32(a.Y, b.Y),
		T: maxu32(a.T, b.T),
	}
}

// LessEq reports whether a <= b componentwise.
func (a Point3) LessEq(b Point3) bool {
	return a.X <= b.X && a.Y <= b.Y && a.T <= b.T
}

func minf32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// BoundingBox is an axis-aligned 3D rectangle over (x, y, t), required to
// satisfy Min <= Max componentwise.
type BoundingBox struct {
	Min, Max Point3
}

// NewBoundingBox returns the smallest box containing both points.
func NewBoundingBox(a, b Point3) BoundingBox {
	return BoundingBox{Min: MinPoint(a, b), Max: MaxPoint(a, b)}
}

// Extend returns the union of b with other.
func (b BoundingBox) Extend(other BoundingBox) BoundingBox {
	return BoundingBox{
		Min: MinPoint(b.Min, other.Min),
		Max: MaxPoint(b.Max, other.Max),
	}
}

// ExtendPoint returns the union of b with the singleton box {p, p}.
func (b BoundingBox) ExtendPoint(p Point3) BoundingBox {
	return BoundingBox{Min: MinPoint(b.Min, p), Max: MaxPoint(b.Max, p)}
}

// Intersects reports whether b and other overlap on every axis.
func (b BoundingBox) Intersects(other BoundingBox) bool {
	return b.Min.X <= other.Max.X && other.Min.X <= b.Max.X &&
		b.Min.Y <= other.Max.Y && other.Min.Y <= b.Max.Y &&
		b.Min.T <= other.Max.T && other.Min.T <= b.Max.T
}

// Contains reports whether other is fully contained in b.
func (b BoundingBox) Contains(other BoundingBox) bool {
	return b.Min.LessEq(other.Min) && other.Max.LessEq(b.Max)
}

// Size returns the product of the box's f32 widths. Per §9, this may
// overflow to infinity for extreme inputs; such overflow is clamped to the
// largest finite float32 rather than surfaced as +Inf, so cost comparisons
// downstream stay well-ordered (an infinite cost is only ever a tie,
// resolved by box size per §4.5/§4.6).
func (b BoundingBox) Size() float32 {
	wx := float64(b.Max.X - b.Min.X)
	wy := float64(b.Max.Y - b.Min.Y)
	wt := float64(b.Max.T - b.Min.T)
	s := wx * wy * wt
	if math.IsInf(s, 0) || s > math.MaxFloat32 {
		return math.MaxFloat32
	}
	return float32(s)
}

// Enlargement returns size(E ∪ b) - size(E), the cost of extending box e by
// box b (§4.5).
func Enlargement(e, b BoundingBox) float32 {
	return e.Extend(b).Size() - e.Size()
}

// Waste returns max(0, size(a ∪ b) - size(a) - size(b)), used when picking
// split seeds (§4.6).
func Waste(a, b BoundingBox) float32 {
	w := a.Extend(b).Size() - a.Size() - b.Size()
	if w < 0 {
		return 0
	}
	return w
}
