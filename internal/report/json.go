package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shaunagostinho/cncstream/internal/machine"
)

var ErrNotJSON = errors.New("report: not a JSON report")

// JSONKind classifies a g2core/TinyG JSON line.
type JSONKind int

const (
	JSONUnknown   JSONKind = iota
	JSONResponse           // {"r":{...},"f":[rev,status,rx]}: acknowledges one line
	JSONStatus             // {"sr":{...}}: unsolicited or polled status
	JSONException          // {"er":{...}}: asynchronous exception (alarm)
	JSONProbe              // {"prb":{...}}
)

// JSONReport is one decoded JSON line.
type JSONReport struct {
	Kind JSONKind

	// Response footer status, 0 means the line was accepted.
	Code int

	Status    Status
	HasStatus bool

	Probe    machine.Vec3
	HasProbe bool
	ProbeOK  bool

	TLO    float64
	HasTLO bool

	Banner  bool
	Version string

	Message string
}

type jsonLine struct {
	R   map[string]json.RawMessage `json:"r"`
	F   []float64                  `json:"f"`
	SR  map[string]json.RawMessage `json:"sr"`
	ER  *jsonException             `json:"er"`
	PRB map[string]float64         `json:"prb"`
	TOF map[string]float64         `json:"tof"`
}

type jsonException struct {
	Status  int    `json:"st"`
	Message string `json:"msg"`
	Value   string `json:"val"`
}

// g2core "stat" values mapped to the canonical run state.
var jsonStates = map[int]machine.RunState{
	0:  machine.Connected, // initializing
	1:  machine.Idle,      // ready
	2:  machine.Alarm,
	3:  machine.Idle, // program stop
	4:  machine.Idle, // program end
	5:  machine.Run,
	6:  machine.Hold,
	7:  machine.Run, // probe
	8:  machine.Run, // cycle
	9:  machine.Home,
	10: machine.Jog,
	11: machine.Door0, // interlock
	12: machine.Alarm, // shutdown
	13: machine.Alarm, // panic
}

// ParseJSON decodes one JSON line of the g2core/TinyG protocol.
func ParseJSON(line string) (JSONReport, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return JSONReport{}, ErrNotJSON
	}
	var raw jsonLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return JSONReport{}, fmt.Errorf("report: json %q: %w", line, err)
	}

	var rep JSONReport
	switch {
	case raw.R != nil:
		rep.Kind = JSONResponse
		if len(raw.F) >= 2 {
			rep.Code = int(raw.F[1])
		}
		if err := rep.fromResponse(raw.R); err != nil {
			return JSONReport{}, err
		}
	case raw.SR != nil:
		rep.Kind = JSONStatus
		st, err := parseJSONStatus(raw.SR)
		if err != nil {
			return JSONReport{}, err
		}
		rep.Status, rep.HasStatus = st, true
	case raw.ER != nil:
		rep.Kind = JSONException
		rep.Code = raw.ER.Status
		rep.Message = raw.ER.Message
	case raw.PRB != nil:
		rep.Kind = JSONProbe
		rep.setProbe(raw.PRB)
	}
	if raw.TOF != nil {
		rep.TLO, rep.HasTLO = raw.TOF["z"], true
	}
	return rep, nil
}

func (rep *JSONReport) fromResponse(r map[string]json.RawMessage) error {
	if msg, ok := r["msg"]; ok {
		_ = json.Unmarshal(msg, &rep.Message)
	}
	_, hasFV := r["fv"]
	_, hasFB := r["fb"]
	if rep.Message == "SYSTEM READY" || (hasFV && hasFB) {
		rep.Banner = true
		if fb, ok := r["fb"]; ok {
			rep.Version = strings.Trim(string(fb), `"`)
		}
	}
	if sr, ok := r["sr"]; ok {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(sr, &m); err != nil {
			return fmt.Errorf("report: json sr: %w", err)
		}
		st, err := parseJSONStatus(m)
		if err != nil {
			return err
		}
		rep.Status, rep.HasStatus = st, true
	}
	if prb, ok := r["prb"]; ok {
		var m map[string]float64
		if err := json.Unmarshal(prb, &m); err == nil {
			rep.setProbe(m)
		}
	}
	if tof, ok := r["tof"]; ok {
		var m map[string]float64
		if err := json.Unmarshal(tof, &m); err == nil {
			rep.TLO, rep.HasTLO = m["z"], true
		}
	}
	return nil
}

func (rep *JSONReport) setProbe(m map[string]float64) {
	rep.HasProbe = true
	rep.ProbeOK = m["e"] == 1
	rep.Probe = machine.Vec3{X: m["x"], Y: m["y"], Z: m["z"]}
}

// parseJSONStatus decodes a possibly filtered status report: g2core only
// sends the keys that changed, so every axis carries its own presence bit.
func parseJSONStatus(sr map[string]json.RawMessage) (Status, error) {
	var st Status
	num := func(key string) (float64, bool, error) {
		raw, ok := sr[key]
		if !ok {
			return 0, false, nil
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return 0, false, fmt.Errorf("report: json sr.%s: %w", key, err)
		}
		return v, true, nil
	}

	axisKeys := [3]string{"x", "y", "z"}
	for i, a := range axisKeys {
		bit := uint8(1) << i
		if v, ok, err := num("pos" + a); err != nil {
			return Status{}, err
		} else if ok {
			setAxis(&st.WPos, i, v)
			st.WPosAxes |= bit
		}
		if v, ok, err := num("mpo" + a); err != nil {
			return Status{}, err
		} else if ok {
			setAxis(&st.MPos, i, v)
			st.MPosAxes |= bit
		}
	}

	if v, ok, err := num("stat"); err != nil {
		return Status{}, err
	} else if ok {
		st.State, st.KnownRun = jsonStates[int(v)]
		st.Keyword = st.State.String()
	}
	if v, ok, err := num("feed"); err != nil {
		return Status{}, err
	} else if ok {
		st.Feed, st.HasFeed = v, true
	}
	if v, ok, err := num("sps"); err != nil {
		return Status{}, err
	} else if ok {
		st.Spindle, st.HasSpindle = v, true
	}
	if v, ok, err := num("line"); err != nil {
		return Status{}, err
	} else if ok {
		st.Line, st.HasLine = int(v), true
	}
	for i, key := range [3]string{"mfo", "mto", "sso"} {
		if v, ok, err := num(key); err != nil {
			return Status{}, err
		} else if ok {
			st.Ov[i] = int(machine.Round(v*100, 0))
			st.HasOv[i] = true
		}
	}
	return st, nil
}

func setAxis(v *machine.Vec3, i int, f float64) {
	switch i {
	case 0:
		v.X = f
	case 1:
		v.Y = f
	case 2:
		v.Z = f
	}
}
