// Package route prepares the elevation profile of the ride ahead for devices
// that need it pushed at start (EPP upload of Daum Classic style bikes).
package route

import (
	"math"
	"sort"
)

// Point is one sample of an elevation profile
type Point struct {
	Distance  float64 `json:"distance"`  // m
	Elevation float64 `json:"elevation"` // m
}

type Format int

const (
	// FormatGeneric passes the points ahead through unchanged
	FormatGeneric Format = iota
	// FormatEPP resamples the points ahead at a fixed distance
	FormatEPP
)

const (
	DefaultSampleRate = 10.0 // m
	eps               = 1e-9
)

// Request describes the route window to prepare
type Request struct {
	Points []Point
	// StartPos is the ride start offset into the route in m
	StartPos float64
	// RealityFactor scales elevation deltas relative to the start elevation
	// in percent. 0 is unset and keeps the profile as is.
	RealityFactor float64
	// Lap routes wrap: points before StartPos follow the end of the route
	Lap        bool
	Format     Format
	SampleRate float64
}

// PrepareEpp returns the profile of the route ahead of StartPos, distances
// relative to StartPos, with RealityFactor applied.
func PrepareEpp(req Request) []Point {
	if len(req.Points) == 0 {
		return nil
	}
	points := append([]Point(nil), req.Points...)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Distance < points[j].Distance })

	total := points[len(points)-1].Distance
	start := req.StartPos
	if start < 0 {
		start = 0
	}
	if start > total {
		if req.Lap && total > 0 {
			start = math.Mod(start, total)
		} else {
			start = total
		}
	}

	ahead := window(points, start, req.Lap)
	ahead = applyRealityFactor(ahead, req.RealityFactor)

	if req.Format != FormatEPP {
		return ahead
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return resample(ahead, rate)
}

// window shifts the points at or after start to start at distance 0. The
// first point is the (possibly interpolated) elevation at start.
func window(points []Point, start float64, lap bool) []Point {
	total := points[len(points)-1].Distance
	e0 := elevationAt(points, start)
	out := []Point{{Distance: 0, Elevation: e0}}
	for _, p := range points {
		if p.Distance > start+eps {
			out = append(out, Point{Distance: p.Distance - start, Elevation: p.Elevation})
		}
	}
	if !lap || start <= eps {
		return out
	}

	offset := total - start
	last := out[len(out)-1].Distance
	for _, p := range points {
		if p.Distance >= start-eps {
			break
		}
		d := offset + p.Distance
		if d <= last+eps {
			continue
		}
		out = append(out, Point{Distance: d, Elevation: p.Elevation})
		last = d
	}
	// close the loop back at the start position
	if total > last+eps {
		out = append(out, Point{Distance: total, Elevation: e0})
	}
	return out
}

func applyRealityFactor(points []Point, rf float64) []Point {
	if rf == 0 || rf == 100 || len(points) == 0 {
		return points
	}
	e0 := points[0].Elevation
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{Distance: p.Distance, Elevation: e0 + (p.Elevation-e0)*rf/100}
	}
	return out
}

// resample takes a sample every rate m. A sample on an existing point keeps
// its elevation, a sample between two points is interpolated and samples
// beyond the last point are truncated.
func resample(points []Point, rate float64) []Point {
	last := points[len(points)-1].Distance
	out := make([]Point, 0, int(last/rate)+1)
	j := 0
	for i := 0; ; i++ {
		d := float64(i) * rate
		if d > last+eps {
			break
		}
		for j < len(points)-1 && points[j+1].Distance <= d+eps {
			j++
		}
		p := points[j]
		switch {
		case math.Abs(p.Distance-d) <= eps:
			out = append(out, Point{Distance: d, Elevation: p.Elevation})
		case j < len(points)-1:
			out = append(out, Point{Distance: d, Elevation: interpolate(p, points[j+1], d)})
		default:
			out = append(out, Point{Distance: d, Elevation: p.Elevation})
		}
	}
	return out
}

// elevationAt interpolates the elevation at distance d
func elevationAt(points []Point, d float64) float64 {
	if d <= points[0].Distance {
		return points[0].Elevation
	}
	for i := 1; i < len(points); i++ {
		if math.Abs(points[i].Distance-d) <= eps {
			return points[i].Elevation
		}
		if points[i].Distance > d {
			return interpolate(points[i-1], points[i], d)
		}
	}
	return points[len(points)-1].Elevation
}

func interpolate(a, b Point, d float64) float64 {
	if b.Distance-a.Distance <= eps {
		return a.Elevation
	}
	return a.Elevation + (b.Elevation-a.Elevation)*(d-a.Distance)/(b.Distance-a.Distance)
}
