package machine

import "math"

// Vec3 is an X/Y/Z triple in millimetres.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Round rounds every axis to digits decimal places.
func (v Vec3) Round(digits int) Vec3 {
	return Vec3{Round(v.X, digits), Round(v.Y, digits), Round(v.Z, digits)}
}

// Position holds machine, work and work-coordinate-offset coordinates.
// After every decode W = M - WCO on each axis.
type Position struct {
	M   Vec3 `json:"mpos"`
	W   Vec3 `json:"wpos"`
	WCO Vec3 `json:"wco"`
}

// SetWork records an authoritative work position and derives the offset.
func (p *Position) SetWork(w Vec3, digits int) {
	p.W = w.Round(digits)
	p.WCO = p.M.Sub(p.W).Round(digits)
}

// SetOffset records an authoritative offset and derives the work position.
func (p *Position) SetOffset(wco Vec3, digits int) {
	p.WCO = wco.Round(digits)
	p.W = p.M.Sub(p.WCO).Round(digits)
}

// Round rounds v to digits decimal places. Negative digits leave v untouched.
func Round(v float64, digits int) float64 {
	if digits < 0 {
		return v
	}
	p := math.Pow(10, float64(digits))
	r := math.Round(v*p) / p
	if r == 0 {
		return 0 // avoid -0 leaking into equality checks
	}
	return r
}
