// Package geometry implements the spatial primitives used by the search
// pipeline on top of github.com/paulmach/orb. Coordinates are WGS84
// longitude/latitude; distances are metres.
package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Engine is the default geometry capability.
type Engine struct{}

// Contains reports whether p lies inside boundary. Polygons, multipolygons
// and bounds are supported; any other geometry contains nothing.
func (Engine) Contains(boundary orb.Geometry, p orb.Point) bool {
	if boundary == nil || !boundary.Bound().Contains(p) {
		return false
	}
	switch g := boundary.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	case orb.Bound:
		return true
	default:
		return false
	}
}

// Centroid returns the area centroid of the polygon.
func (Engine) Centroid(p orb.Polygon) orb.Point {
	c, _ := planar.CentroidArea(p)
	return c
}

// MaxVertexDistance returns the largest great-circle distance from `from`
// to any vertex of the polygon.
func (Engine) MaxVertexDistance(p orb.Polygon, from orb.Point) float64 {
	var farthest float64
	for _, ring := range p {
		for _, v := range ring {
			if d := geo.DistanceHaversine(from, v); d > farthest {
				farthest = d
			}
		}
	}
	return farthest
}

// Circle approximates a circle of radius metres around center with a closed
// ring of the given number of steps.
func Circle(center orb.Point, radius float64, steps int) orb.Polygon {
	if steps < 3 {
		steps = 3
	}
	ring := make(orb.Ring, 0, steps+1)
	for i := 0; i < steps; i++ {
		bearing := -360.0 * float64(i) / float64(steps)
		ring = append(ring, geo.PointAtBearingAndDistance(center, bearing, radius))
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// RoundTo rounds x to the given number of decimal places.
func RoundTo(x float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(x*p) / p
}

// SignificantFigures rounds x to n significant figures.
func SignificantFigures(x float64, n int) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) || n < 1 {
		return x
	}
	exp := int(math.Floor(math.Log10(math.Abs(x)))) - n + 1
	if exp < 0 {
		p := math.Pow10(-exp)
		return math.Round(x*p) / p
	}
	p := math.Pow10(exp)
	return math.Round(x/p) * p
}
