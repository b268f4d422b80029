package controller

import (
	"fmt"
	"strings"
	"time"
)

// CommandKind tells the sender how to execute one step of a plan.
type CommandKind int

const (
	// Realtime bytes bypass the receive buffer and the pending queue.
	Realtime CommandKind = iota
	// QueuedLine goes through budget admission and waits for its ack.
	QueuedLine
	// Delay pauses the plan.
	Delay
	// Flush drops all local bookkeeping as after a controller reset.
	Flush
)

func (k CommandKind) String() string {
	switch k {
	case Realtime:
		return "realtime"
	case QueuedLine:
		return "line"
	case Delay:
		return "delay"
	case Flush:
		return "flush"
	}
	return "unknown"
}

// Command is one step of a plan returned by a Protocol. Protocols never
// touch the transport; the sender executes plans in order.
type Command struct {
	Kind  CommandKind
	Bytes []byte
	Line  string
	Wait  time.Duration
}

func (c Command) String() string {
	switch c.Kind {
	case Realtime:
		return fmt.Sprintf("realtime % X", c.Bytes)
	case QueuedLine:
		return fmt.Sprintf("line %q", c.Line)
	case Delay:
		return fmt.Sprintf("delay %s", c.Wait)
	}
	return c.Kind.String()
}

func rt(b ...byte) Command         { return Command{Kind: Realtime, Bytes: b} }
func line(s string) Command        { return Command{Kind: QueuedLine, Line: s} }
func wait(d time.Duration) Command { return Command{Kind: Delay, Wait: d} }
func flush() Command               { return Command{Kind: Flush} }

func lines(ss ...string) []Command {
	out := make([]Command, 0, len(ss))
	for _, s := range ss {
		out = append(out, line(s))
	}
	return out
}

// Lines extracts the queued line texts of a plan, mostly for logging.
func Lines(plan []Command) []string {
	var out []string
	for _, c := range plan {
		if c.Kind == QueuedLine {
			out = append(out, c.Line)
		}
	}
	return out
}

// Describe renders a plan on one line.
func Describe(plan []Command) string {
	parts := make([]string, len(plan))
	for i, c := range plan {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}
