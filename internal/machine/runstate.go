package machine

import "strings"

// RunState is the canonical controller run state shared by every firmware variant.
type RunState int

const (
	NotConnected RunState = iota
	Connected
	Idle
	Run
	Hold
	Hold0 // hold complete, ready to resume
	Hold1 // hold in progress
	Alarm
	Door0 // door closed, ready to resume
	Door1 // machine stopped, door still ajar
	Door2 // door opened, parking in progress
	Door3 // door closed, restoring from park
	Check
	Home
	Jog
	Sleep
	Queue
)

var runStateNames = map[RunState]string{
	NotConnected: "Not connected",
	Connected:    "Connected",
	Idle:         "Idle",
	Run:          "Run",
	Hold:         "Hold",
	Hold0:        "Hold:0",
	Hold1:        "Hold:1",
	Alarm:        "Alarm",
	Door0:        "Door:0",
	Door1:        "Door:1",
	Door2:        "Door:2",
	Door3:        "Door:3",
	Check:        "Check",
	Home:         "Home",
	Jog:          "Jog",
	Sleep:        "Sleep",
	Queue:        "Queue",
}

func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText lets snapshots encode the state by name.
func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsHold reports whether s is any of the feed-hold states.
func (s RunState) IsHold() bool { return s == Hold || s == Hold0 || s == Hold1 }

// IsDoor reports whether s is any of the safety-door states.
func (s RunState) IsDoor() bool { return s >= Door0 && s <= Door3 }

// IsIdle reports whether the controller is quiescent and accepts a new job.
func (s RunState) IsIdle() bool { return s == Idle || s == Check }

// ParseRunState maps a status keyword ("Idle", "Hold:0", "Door", ...) to a RunState.
// Bare "Door" (GRBL 0.9) maps to Door0. Unknown keywords return false.
func ParseRunState(keyword string) (RunState, bool) {
	keyword = strings.TrimSpace(keyword)
	switch keyword {
	case "Idle":
		return Idle, true
	case "Run", "Cycle":
		return Run, true
	case "Hold":
		return Hold, true
	case "Hold:0":
		return Hold0, true
	case "Hold:1":
		return Hold1, true
	case "Alarm":
		return Alarm, true
	case "Door", "Door:0":
		return Door0, true
	case "Door:1":
		return Door1, true
	case "Door:2":
		return Door2, true
	case "Door:3":
		return Door3, true
	case "Check":
		return Check, true
	case "Home":
		return Home, true
	case "Jog":
		return Jog, true
	case "Sleep":
		return Sleep, true
	case "Queue":
		return Queue, true
	}
	return NotConnected, false
}
