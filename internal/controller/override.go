package controller

import (
	"regexp"
	"strconv"

	"github.com/shaunagostinho/cncstream/internal/machine"
)

// GRBL 1.1 realtime override bytes.
const (
	FeedReset      = 0x90
	FeedPlus10     = 0x91
	FeedMinus10    = 0x92
	FeedPlus1      = 0x93
	FeedMinus1     = 0x94
	Rapid100       = 0x95
	Rapid50        = 0x96
	Rapid25        = 0x97
	SpindleReset   = 0x99
	SpindlePlus10  = 0x9A
	SpindleMinus10 = 0x9B
	SpindlePlus1   = 0x9C
	SpindleMinus1  = 0x9D
)

// Override limits in percent.
const (
	MinOverride = 10
	MaxOverride = 200
)

// ClampOverride bounds a feed or spindle percentage.
func ClampOverride(v int) int {
	return min(max(v, MinOverride), MaxOverride)
}

// NearestRapid snaps a rapid percentage to one of 25, 50 or 100.
func NearestRapid(v int) int {
	switch {
	case v >= 75:
		return 100
	case v >= 38:
		return 50
	default:
		return 25
	}
}

type stepBytes struct {
	reset, plus10, minus10, plus1, minus1 byte
}

var (
	feedBytes    = stepBytes{FeedReset, FeedPlus10, FeedMinus10, FeedPlus1, FeedMinus1}
	spindleBytes = stepBytes{SpindleReset, SpindlePlus10, SpindleMinus10, SpindlePlus1, SpindleMinus1}
)

// PlanSteps returns the shortest byte sequence moving a feed or spindle
// override from current to target using ±10 and ±1 steps, optionally
// preceded by the reset-to-100 byte. The controller clamps every step to
// 10..200.
func PlanSteps(kind machine.OverrideKind, current, target int) []byte {
	sb := feedBytes
	if kind == machine.SpindleOverride {
		sb = spindleBytes
	}
	target = ClampOverride(target)
	best := steps(current, target, sb)
	if current != 100 {
		if alt := steps(100, target, sb); alt != nil && len(alt)+1 < len(best) {
			best = append([]byte{sb.reset}, alt...)
		}
	}
	return best
}

func steps(from, to int, sb stepBytes) []byte {
	d := to - from
	if d == 0 {
		return []byte{}
	}
	up, fineUp, fineDown := sb.plus10, sb.plus1, sb.minus1
	sign := 1
	if d < 0 {
		d, sign = -d, -1
		up, fineUp, fineDown = sb.minus10, sb.minus1, sb.plus1
	}
	tens, ones := d/10, d%10

	// Overshoot by one coarse step and come back with fine steps when that
	// is shorter. The controller stops the last coarse step at the limit.
	if ones > 0 {
		over := min(max(from+sign*(tens+1)*10, MinOverride), MaxOverride)
		back := over - to
		if back < 0 {
			back = -back
		}
		if tens+1+back < tens+ones {
			out := repeat(up, tens+1)
			return append(out, repeat(fineDown, back)...)
		}
	}
	out := repeat(up, tens)
	return append(out, repeat(fineUp, ones)...)
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// planRealtimeOverrides is the GRBL 1.1 implementation of ApplyOverrides.
func planRealtimeOverrides(ov *machine.Overrides) []Command {
	var out []byte
	for _, k := range []machine.OverrideKind{machine.FeedOverride, machine.SpindleOverride} {
		o := ov.Get(k)
		o.Target = ClampOverride(o.Target)
		if o.Pending || o.Converged() {
			continue
		}
		if b := PlanSteps(k, o.Current, o.Target); len(b) > 0 {
			out = append(out, b...)
			o.Pending = true
		}
	}

	r := &ov.Rapid
	r.Target = NearestRapid(r.Target)
	if !r.Pending && !r.Converged() {
		switch r.Target {
		case 100:
			out = append(out, Rapid100)
		case 50:
			out = append(out, Rapid50)
		default:
			out = append(out, Rapid25)
		}
		r.Pending = true
	}
	if len(out) == 0 {
		return nil
	}
	return []Command{rt(out...)}
}

// applySoftwareOverrides confirms feed and spindle locally; the values are
// applied by RewriteLine. Rapid overrides have no software equivalent.
func applySoftwareOverrides(ov *machine.Overrides) []Command {
	ov.Feed.Target = ClampOverride(ov.Feed.Target)
	ov.Spindle.Target = ClampOverride(ov.Spindle.Target)
	ov.Rapid.Target = 100
	ov.Confirm(machine.FeedOverride, ov.Feed.Target)
	ov.Confirm(machine.SpindleOverride, ov.Spindle.Target)
	ov.Confirm(machine.RapidOverride, 100)
	return nil
}

var fsWord = regexp.MustCompile(`([FfSs])\s*([+]?[0-9]*\.?[0-9]+)`)

// scaleWords multiplies every F and S word of a program line by the
// current feed and spindle override.
func scaleWords(text string, ov machine.Overrides) string {
	feed, spindle := ov.Feed.Current, ov.Spindle.Current
	if feed == 100 && spindle == 100 {
		return text
	}
	return fsWord.ReplaceAllStringFunc(text, func(w string) string {
		m := fsWord.FindStringSubmatch(w)
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return w
		}
		pct := feed
		if m[1] == "S" || m[1] == "s" {
			pct = spindle
		}
		return m[1] + formatNumber(machine.Round(v*float64(pct)/100, 3))
	})
}
