// Package report decodes the asynchronous reports of GRBL-family controllers:
// bracketed status lines, square-bracket parameter echoes, $ settings and the
// JSON objects of the g2core/TinyG variant.
package report

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/cncstream/internal/machine"
)

var (
	ErrNotStatus   = errors.New("report: not a status report")
	ErrShortVector = errors.New("report: fewer than three axis values")
)

// Format discriminates the wire format of a status report.
type Format int

const (
	// FormatComma is <State,MPos:x,y,z,WPos:x,y,z,...> (GRBL 0.9, old Smoothieware).
	FormatComma Format = iota
	// FormatPipe is <State|MPos:x,y,z|WCO:x,y,z|Ov:f,r,s|...> (GRBL 1.1, new Smoothieware).
	FormatPipe
	// FormatJSON is {"sr":{...}} (g2core, TinyG).
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatComma:
		return "comma"
	case FormatPipe:
		return "pipe"
	case FormatJSON:
		return "json"
	}
	return "unknown"
}

// Axis bits used by the presence masks of Status.
const (
	AxisX uint8 = 1 << iota
	AxisY
	AxisZ

	AllAxes = AxisX | AxisY | AxisZ
)

// Status is one decoded status report. Fields that were absent from the
// report carry a zero presence mask or a false Has flag.
type Status struct {
	Keyword  string // raw state keyword, e.g. "Hold:0"
	State    machine.RunState
	KnownRun bool

	MPos, WPos, WCO          machine.Vec3
	MPosAxes, WPosAxes, WCOs uint8

	Feed, Spindle       float64
	HasFeed, HasSpindle bool

	Ov    [3]int // feed, rapid, spindle
	HasOv [3]bool

	PlannerFree, RxFree int
	HasBuffer           bool

	Line    int
	HasLine bool

	Pins        string
	HasPins     bool
	Accessories string
	HasAcc      bool
}

type field struct {
	key  string
	vals []string
}

// ParseStatus decodes a text status line in format f. JSON reports go
// through ParseJSON instead. Extra axes beyond Z and unknown trailing
// fields are ignored.
func ParseStatus(line string, f Format) (Status, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") {
		return Status{}, ErrNotStatus
	}
	body := strings.TrimPrefix(line, "<")
	if i := strings.LastIndexByte(body, '>'); i >= 0 {
		body = body[:i]
	}

	var (
		keyword string
		fields  []field
	)
	switch f {
	case FormatPipe:
		keyword, fields = splitPipe(body)
	case FormatComma:
		keyword, fields = splitComma(body)
	default:
		return Status{}, fmt.Errorf("report: status format %s is not text", f)
	}

	var st Status
	st.Keyword = keyword
	st.State, st.KnownRun = machine.ParseRunState(keyword)

	for _, fl := range fields {
		if err := st.apply(fl); err != nil {
			return Status{}, fmt.Errorf("report: field %s in %q: %w", fl.key, line, err)
		}
	}
	return st, nil
}

func splitPipe(body string) (string, []field) {
	parts := strings.Split(body, "|")
	out := make([]field, 0, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(p, ":")
		var vals []string
		if v != "" {
			vals = strings.Split(v, ",")
		}
		out = append(out, field{key: k, vals: vals})
	}
	return parts[0], out
}

// splitComma handles the older format where both fields and their values are
// comma separated: a token with "Key:" starts a new field and every following
// bare token belongs to it.
func splitComma(body string) (string, []field) {
	tokens := strings.Split(body, ",")
	var out []field
	for _, tok := range tokens[1:] {
		if k, v, ok := strings.Cut(tok, ":"); ok && isKey(k) {
			out = append(out, field{key: k, vals: []string{v}})
			continue
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			last.vals = append(last.vals, tok)
		}
	}
	return tokens[0], out
}

func isKey(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func (st *Status) apply(fl field) error {
	var err error
	switch fl.key {
	case "MPos":
		st.MPos, err = parseVec(fl.vals)
		st.MPosAxes = AllAxes
	case "WPos":
		st.WPos, err = parseVec(fl.vals)
		st.WPosAxes = AllAxes
	case "WCO":
		st.WCO, err = parseVec(fl.vals)
		st.WCOs = AllAxes
	case "F":
		// Smoothieware appends the feed override percentage: F:feed,override
		if len(fl.vals) > 0 {
			st.Feed, err = parseFloat(fl.vals[0])
			st.HasFeed = true
		}
	case "FS":
		if len(fl.vals) >= 2 {
			if st.Feed, err = parseFloat(fl.vals[0]); err == nil {
				st.Spindle, err = parseFloat(fl.vals[1])
			}
			st.HasFeed, st.HasSpindle = true, true
		}
	case "S":
		if len(fl.vals) > 0 {
			st.Spindle, err = parseFloat(fl.vals[0])
			st.HasSpindle = true
		}
	case "Ov":
		for i := 0; i < 3 && i < len(fl.vals); i++ {
			var v float64
			if v, err = parseFloat(fl.vals[i]); err != nil {
				break
			}
			st.Ov[i] = int(v)
			st.HasOv[i] = true
		}
	case "Bf":
		if len(fl.vals) >= 2 {
			if st.PlannerFree, err = strconv.Atoi(strings.TrimSpace(fl.vals[0])); err == nil {
				st.RxFree, err = strconv.Atoi(strings.TrimSpace(fl.vals[1]))
			}
			st.HasBuffer = true
		}
	case "Ln":
		if len(fl.vals) > 0 {
			st.Line, err = strconv.Atoi(strings.TrimSpace(fl.vals[0]))
			st.HasLine = true
		}
	case "Pn":
		st.Pins = strings.Join(fl.vals, "")
		st.HasPins = true
	case "A":
		st.Accessories = strings.Join(fl.vals, "")
		st.HasAcc = true
	}
	return err
}

func parseVec(vals []string) (machine.Vec3, error) {
	if len(vals) < 3 {
		return machine.Vec3{}, ErrShortVector
	}
	var v [3]float64
	for i := 0; i < 3; i++ {
		f, err := parseFloat(vals[i])
		if err != nil {
			return machine.Vec3{}, err
		}
		v[i] = f
	}
	return machine.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
