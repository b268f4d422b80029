package machine

// Transition describes one state-machine step. Code carries the alarm code
// on both sides so Alarm(1) -> Alarm(2) counts as a change.
type Transition struct {
	From     RunState
	To       RunState
	FromCode int
	ToCode   int
}

// Changed reports whether the step altered the visible state.
func (t Transition) Changed() bool { return t.From != t.To || t.FromCode != t.ToCode }

// StateMachine owns the run state. It is the only writer of RunState.
//
// Alarm precedence: an error: or ALARM: line sets the unresolved flag. While
// it is set, a bare "Alarm" status keyword does not overwrite a coded alarm
// that is already recorded ("most specific alarm wins until explicitly
// cleared"). Variants that want the bare keyword to win disable
// SuppressBareAlarm.
type StateMachine struct {
	state      RunState
	alarmCode  int
	unresolved bool
	latched    bool
	lastError  int

	// SuppressBareAlarm keeps a coded alarm when a later status only says "Alarm".
	SuppressBareAlarm bool
}

// NewStateMachine returns a machine in NotConnected.
func NewStateMachine(suppressBareAlarm bool) *StateMachine {
	return &StateMachine{state: NotConnected, SuppressBareAlarm: suppressBareAlarm}
}

func (m *StateMachine) State() RunState { return m.state }

// AlarmCode is the code of the recorded alarm, 0 when none or unknown.
func (m *StateMachine) AlarmCode() int { return m.alarmCode }

// Unresolved reports whether an error/alarm has been seen and not cleared.
func (m *StateMachine) Unresolved() bool { return m.unresolved }

// Frozen reports whether program transmission must stay stopped: an
// ALARM: line was received and neither unlock nor a reset cleared it.
func (m *StateMachine) Frozen() bool { return m.latched }

// LastError is the code of the most recent error: line, 0 when none.
func (m *StateMachine) LastError() int { return m.lastError }

func (m *StateMachine) set(to RunState, code int) Transition {
	t := Transition{From: m.state, FromCode: m.alarmCode, To: to, ToCode: code}
	m.state = to
	m.alarmCode = code
	return t
}

// Connect moves a freshly opened connection to Connected.
func (m *StateMachine) Connect() Transition {
	m.clear()
	return m.set(Connected, 0)
}

// Disconnect returns to NotConnected and forgets every flag.
func (m *StateMachine) Disconnect() Transition {
	m.clear()
	return m.set(NotConnected, 0)
}

// OnStatus applies the state keyword of a status report.
func (m *StateMachine) OnStatus(s RunState) Transition {
	if m.state == NotConnected {
		return Transition{From: m.state, To: m.state}
	}
	if s == Alarm {
		if m.unresolved && m.SuppressBareAlarm && m.state == Alarm && m.alarmCode != 0 {
			return Transition{From: m.state, To: m.state, FromCode: m.alarmCode, ToCode: m.alarmCode}
		}
		return m.set(Alarm, 0)
	}
	return m.set(s, 0)
}

// OnAlarm records an ALARM:<code> line and freezes transmission.
func (m *StateMachine) OnAlarm(code int) Transition {
	m.unresolved = true
	m.latched = true
	return m.set(Alarm, code)
}

// OnError records an error:<code> line. The run state itself is untouched.
func (m *StateMachine) OnError(code int) {
	m.unresolved = true
	m.lastError = code
}

// OnReset handles a firmware banner or a locally issued reset: the
// controller rebooted, so the state goes back to Connected and every
// alarm flag is dropped.
func (m *StateMachine) OnReset() Transition {
	if m.state == NotConnected {
		return Transition{From: m.state, To: m.state}
	}
	m.clear()
	return m.set(Connected, 0)
}

// Unlock clears the alarm flags. It is a no-op unless the state is Alarm
// and reports whether anything was cleared. The state itself stays Alarm
// until the next status report confirms.
func (m *StateMachine) Unlock() bool {
	if m.state != Alarm {
		return false
	}
	m.unresolved = false
	m.latched = false
	return true
}

func (m *StateMachine) clear() {
	m.unresolved = false
	m.latched = false
	m.lastError = 0
}
