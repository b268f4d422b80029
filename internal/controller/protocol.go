// Package controller abstracts the command surface and reply handling of the
// supported controller firmwares behind one Protocol interface. A Protocol
// only builds command plans and decodes replies; the sender owns the
// transport, the pending queue and the machine state and passes them in.
package controller

import (
	"time"

	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/report"
)

// Realtime command bytes shared by the GRBL family and g2core.
const (
	StatusPollByte = '?'
	FeedHoldByte   = '!'
	CycleStartByte = '~'
	ResetByte      = 0x18
)

// Protocol is implemented once per firmware variant.
type Protocol interface {
	Variant() Variant
	Name() string

	// StatusFormat is the nominal wire format of status reports.
	StatusFormat() report.Format
	// BufferSize is the default receive buffer size in bytes.
	BufferSize() int
	// SuppressBareAlarm is the default alarm precedence for this firmware.
	SuppressBareAlarm() bool

	StatusPoll() byte
	FeedHold() byte
	CycleStart() byte
	ResetByte() byte

	// InitController runs once after every open or reset.
	InitController() []Command
	ViewState() []Command
	ViewParameters() []Command
	ViewBuild() []Command
	ViewSettings() []Command

	Home() []Command
	Unlock() []Command
	SoftResetPre() []Command
	SoftResetPost() []Command
	HardResetPre() []Command
	HardResetPost() []Command
	Jog(m Move, feed float64) []Command
	Goto(m Move) []Command
	SetToolLengthOffset(v float64) []Command

	// Purge empties the controller buffers and restores modal state and
	// tool length offset from st afterwards.
	Purge(st *machine.State) []Command

	// ApplyOverrides plans whatever brings the current override values to
	// their targets. Channels with an unconfirmed request are left alone.
	ApplyOverrides(ov *machine.Overrides) []Command

	// RewriteLine applies software overrides to an outgoing program line.
	RewriteLine(text string, ov machine.Overrides) string

	// Dispatch classifies and decodes one received line, mutating the
	// session state accordingly.
	Dispatch(line string, s *Session) Result
}

// base carries the behaviour common to every variant. Variants embed it
// and override what differs.
type base struct {
	variant Variant
	name    string
	format  report.Format
	bufSize int
	// suppress is the default for machine.StateMachine.SuppressBareAlarm.
	suppress bool
}

func (b *base) Variant() Variant            { return b.variant }
func (b *base) Name() string                { return b.name }
func (b *base) StatusFormat() report.Format { return b.format }
func (b *base) BufferSize() int             { return b.bufSize }
func (b *base) SuppressBareAlarm() bool     { return b.suppress }
func (b *base) StatusPoll() byte            { return StatusPollByte }
func (b *base) FeedHold() byte              { return FeedHoldByte }
func (b *base) CycleStart() byte            { return CycleStartByte }
func (b *base) ResetByte() byte             { return ResetByte }

func (b *base) InitController() []Command { return lines("$G", "$#") }
func (b *base) ViewState() []Command      { return lines("$G") }
func (b *base) ViewParameters() []Command { return lines("$#") }
func (b *base) ViewBuild() []Command      { return lines("$I") }
func (b *base) ViewSettings() []Command   { return lines("$$") }
func (b *base) Home() []Command           { return lines("$H") }
func (b *base) Unlock() []Command         { return lines("$X") }
func (b *base) SoftResetPre() []Command   { return nil }
func (b *base) SoftResetPost() []Command  { return nil }
func (b *base) HardResetPre() []Command   { return nil }
func (b *base) HardResetPost() []Command  { return nil }

// Jog moves relative to the current position and restores absolute mode.
func (b *base) Jog(m Move, feed float64) []Command {
	if len(m) == 0 {
		return nil
	}
	return lines("G91G0"+m.String(), "G90")
}

func (b *base) Goto(m Move) []Command {
	if len(m) == 0 {
		return nil
	}
	return lines("G90G0" + m.String())
}

func (b *base) SetToolLengthOffset(v float64) []Command {
	return lines("G43.1Z" + formatNumber(v))
}

// Purge holds, waits for deceleration, resets and restores the G-code
// modal state and tool length offset that the reset discarded.
func (b *base) Purge(st *machine.State) []Command {
	plan := []Command{rt(FeedHoldByte), wait(time.Second), rt(ResetByte), flush()}
	return append(plan, restoreModal(st)...)
}

func restoreModal(st *machine.State) []Command {
	var plan []Command
	if g := modalGWords(st.Modal); g != "" {
		plan = append(plan, line(g))
	}
	return append(plan, line("G43.1Z"+formatNumber(st.TLO)))
}

// modalGWords keeps only the G words of a $G echo; M, T, F and S are not
// safe to replay blindly.
func modalGWords(words []string) string {
	var out []byte
	for _, w := range words {
		if len(w) > 1 && (w[0] == 'G' || w[0] == 'g') {
			if len(out) > 0 {
				out = append(out, ' ')
			}
			out = append(out, w...)
		}
	}
	return string(out)
}

func (b *base) ApplyOverrides(ov *machine.Overrides) []Command { return nil }

func (b *base) RewriteLine(text string, ov machine.Overrides) string { return text }

func (b *base) Dispatch(text string, s *Session) Result {
	return dispatchText(b.format, text, s)
}
