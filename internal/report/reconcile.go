package report

import "github.com/shaunagostinho/cncstream/internal/machine"

// Reconcile merges the coordinates of st into pos, axis by axis, and keeps
// W = M - WCO. Whichever of {work position, offset} the report carries is
// authoritative; the other one is recomputed. When a report has only a work
// position the machine position is derived from the known offset. All values
// are rounded to digits. It reports whether any axis was touched.
func Reconcile(pos *machine.Position, st Status, digits int) bool {
	m := axes(pos.M)
	w := axes(pos.W)
	o := axes(pos.WCO)
	sm, sw, so := axes(st.MPos), axes(st.WPos), axes(st.WCO)

	touched := false
	for i := 0; i < 3; i++ {
		bit := uint8(1) << i
		hasM := st.MPosAxes&bit != 0
		hasW := st.WPosAxes&bit != 0
		hasO := st.WCOs&bit != 0
		if !hasM && !hasW && !hasO {
			continue
		}
		touched = true

		if hasO {
			o[i] = machine.Round(so[i], digits)
		}
		switch {
		case hasM:
			m[i] = machine.Round(sm[i], digits)
			if !hasO && hasW {
				w[i] = machine.Round(sw[i], digits)
				o[i] = machine.Round(m[i]-w[i], digits)
			} else {
				w[i] = machine.Round(m[i]-o[i], digits)
			}
		case hasW:
			w[i] = machine.Round(sw[i], digits)
			m[i] = machine.Round(w[i]+o[i], digits)
		default:
			w[i] = machine.Round(m[i]-o[i], digits)
		}
	}

	pos.M = vec(m)
	pos.W = vec(w)
	pos.WCO = vec(o)
	return touched
}

func axes(v machine.Vec3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }
func vec(a [3]float64) machine.Vec3  { return machine.Vec3{X: a[0], Y: a[1], Z: a[2]} }
