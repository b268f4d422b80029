package machine

import (
	"maps"
	"slices"
	"time"
)

// ProbeResult is one contact point in work coordinates. Never mutated after append.
type ProbeResult struct {
	Vec3
	At time.Time `json:"at"`
}

// State is the decoded machine state owned by the sender. Everything else
// receives it as an explicit parameter; observers only ever see a Snapshot.
type State struct {
	Machine *StateMachine

	Pos       Position
	Overrides Overrides

	Feed        float64
	Spindle     float64
	PlannerFree int
	RxFree      int
	LineNumber  int
	Pins        string
	Accessories string

	Modal    []string        // last $G echo, e.g. G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0
	TLO      float64         // tool length offset
	Offsets  map[string]Vec3 // G54..G59, G28, G30, G92
	Settings map[string]string
	Version  string
	Build    string

	Probing bool

	// Digits is the display precision every decoded float is rounded to.
	Digits int

	probes       []ProbeResult
	probeUpdated bool
	posUpdated   bool
}

// NewState returns an empty state rounding decoded values to digits.
func NewState(digits int, suppressBareAlarm bool) *State {
	return &State{
		Machine:   NewStateMachine(suppressBareAlarm),
		Overrides: DefaultOverrides(),
		Offsets:   make(map[string]Vec3),
		Settings:  make(map[string]string),
		Digits:    digits,
	}
}

// Reset drops everything a firmware reset invalidates. Probe results,
// settings and the firmware version survive; the override targets are kept
// so they get re-applied once the controller reports again.
func (s *State) Reset() Transition {
	s.Probing = false
	s.Overrides.Feed = Override{Target: s.Overrides.Feed.Target, Current: 100}
	s.Overrides.Rapid = Override{Target: s.Overrides.Rapid.Target, Current: 100}
	s.Overrides.Spindle = Override{Target: s.Overrides.Spindle.Target, Current: 100}
	s.PlannerFree = 0
	s.RxFree = 0
	s.LineNumber = 0
	return s.Machine.OnReset()
}

// AddProbe appends a contact point given in machine coordinates, converting
// it to work space with the currently known offset. It only records while
// a probing cycle is active.
func (s *State) AddProbe(machinePos Vec3, at time.Time) bool {
	if !s.Probing {
		return false
	}
	p := ProbeResult{Vec3: machinePos.Sub(s.Pos.WCO).Round(s.Digits), At: at}
	s.probes = append(s.probes, p)
	s.probeUpdated = true
	return true
}

// Probes returns a copy of the probe list.
func (s *State) Probes() []ProbeResult { return slices.Clone(s.probes) }

// ClearProbes empties the probe list.
func (s *State) ClearProbes() {
	s.probes = nil
	s.probeUpdated = true
}

// ConsumeProbeUpdate returns true exactly once per batch of new probe points.
func (s *State) ConsumeProbeUpdate() bool {
	u := s.probeUpdated
	s.probeUpdated = false
	return u
}

// MarkPositionUpdated flags that a decode touched the position.
func (s *State) MarkPositionUpdated() { s.posUpdated = true }

// ConsumePositionUpdate returns true once per batch of position changes.
func (s *State) ConsumePositionUpdate() bool {
	u := s.posUpdated
	s.posUpdated = false
	return u
}

// Snapshot is an immutable copy of State handed to observers.
type Snapshot struct {
	State       RunState          `json:"state"`
	AlarmCode   int               `json:"alarmCode,omitempty"`
	Unresolved  bool              `json:"unresolved"`
	Pos         Position          `json:"position"`
	Overrides   Overrides         `json:"overrides"`
	Feed        float64           `json:"feed"`
	Spindle     float64           `json:"spindle"`
	PlannerFree int               `json:"plannerFree"`
	RxFree      int               `json:"rxFree"`
	LineNumber  int               `json:"lineNumber"`
	Pins        string            `json:"pins,omitempty"`
	Accessories string            `json:"accessories,omitempty"`
	Modal       []string          `json:"modal,omitempty"`
	TLO         float64           `json:"tlo"`
	Offsets     map[string]Vec3   `json:"offsets,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
	Version     string            `json:"version,omitempty"`
	Build       string            `json:"build,omitempty"`
	Probing     bool              `json:"probing"`
	Probes      []ProbeResult     `json:"probes,omitempty"`
}

// Snapshot copies s deeply enough that later decodes cannot alter the result.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		State:       s.Machine.State(),
		AlarmCode:   s.Machine.AlarmCode(),
		Unresolved:  s.Machine.Unresolved(),
		Pos:         s.Pos,
		Overrides:   s.Overrides,
		Feed:        s.Feed,
		Spindle:     s.Spindle,
		PlannerFree: s.PlannerFree,
		RxFree:      s.RxFree,
		LineNumber:  s.LineNumber,
		Pins:        s.Pins,
		Accessories: s.Accessories,
		Modal:       slices.Clone(s.Modal),
		TLO:         s.TLO,
		Offsets:     maps.Clone(s.Offsets),
		Settings:    maps.Clone(s.Settings),
		Version:     s.Version,
		Build:       s.Build,
		Probing:     s.Probing,
		Probes:      slices.Clone(s.probes),
	}
}
