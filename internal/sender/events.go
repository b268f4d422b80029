package sender

import "github.com/shaunagostinho/cncstream/internal/machine"

// Event is delivered to subscribers. Payloads are copies; observers never
// see live sender state.
type Event interface{ isEvent() }

// StateChanged fires on every visible run-state step.
type StateChanged struct {
	Old, New  machine.RunState
	AlarmCode int
}

// PositionUpdated carries the reconciled position after a status report.
type PositionUpdated struct {
	Pos machine.Position
}

// JobProgress counts program lines written and acknowledged.
type JobProgress struct {
	Sent, Acked, Total int
}

// ProbeUpdated carries the whole probe list after new contact points.
type ProbeUpdated struct {
	Probes []machine.ProbeResult
}

// Direction of a logged line.
type Direction int

const (
	Out Direction = iota
	In
)

func (d Direction) String() string {
	if d == In {
		return "<"
	}
	return ">"
}

// LogLine is one line of controller traffic, verbatim.
type LogLine struct {
	Dir  Direction
	Text string
}

// Message is operator-facing text: [MSG:...] reports and %msg directives.
type Message struct {
	Text string
}

// JobFinished ends every job started by Run.
type JobFinished struct {
	Aborted bool
	Err     error
}

// Disconnected reports that the link went away; Err is nil after Close.
type Disconnected struct {
	Err error
}

func (StateChanged) isEvent()    {}
func (PositionUpdated) isEvent() {}
func (JobProgress) isEvent()     {}
func (ProbeUpdated) isEvent()    {}
func (LogLine) isEvent()         {}
func (Message) isEvent()         {}
func (JobFinished) isEvent()     {}
func (Disconnected) isEvent()    {}

const subscriberBuffer = 256

// Subscribe returns a channel of events and a function that unsubscribes.
// Delivery never blocks the sender: a subscriber that falls behind by more
// than the channel buffer loses events.
func (s *Sender) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Sender) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
