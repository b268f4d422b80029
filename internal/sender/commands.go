package sender

import (
	"context"
	"strings"

	"github.com/shaunagostinho/cncstream/internal/controller"
	"github.com/shaunagostinho/cncstream/internal/machine"
)

// SendImmediate queues one line ahead of the program. It still obeys the
// receive buffer budget.
func (s *Sender) SendImmediate(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queueLine(text); err != nil {
		return err
	}
	s.pump()
	return nil
}

// Probe sends a probing move. Contact points are recorded while it is
// outstanding.
func (s *Sender) Probe(text string) error { return s.SendImmediate(text) }

// ClearProbes empties the probe list.
func (s *Sender) ClearProbes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ClearProbes()
	if s.state.ConsumeProbeUpdate() {
		s.publish(ProbeUpdated{})
	}
}

// Pause holds feed. No program lines are dequeued until Resume; the
// pending queue is untouched.
func (s *Sender) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write([]byte{s.proto.FeedHold()}); err != nil {
		return err
	}
	s.paused = true
	return nil
}

// Resume restarts the cycle and the program stream.
func (s *Sender) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write([]byte{s.proto.CycleStart()}); err != nil {
		return err
	}
	s.paused = false
	s.pump()
	return nil
}

// Paused reports whether the program stream is held.
func (s *Sender) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SoftReset sends the reset byte and reinitialises the local state.
func (s *Sender) SoftReset(ctx context.Context) error {
	s.mu.Lock()
	if s.t == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	pre, post := s.proto.SoftResetPre(), s.proto.SoftResetPost()
	s.mu.Unlock()

	if err := s.execPlan(ctx, pre); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.write([]byte{s.proto.ResetByte()}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.localReset(ErrReset)
	s.holdForBanner()
	s.mu.Unlock()
	s.log.Info().Msg("soft reset")
	return s.execPlan(ctx, post)
}

// HardReset pulses the transport's reset line and reopens it.
func (s *Sender) HardReset(ctx context.Context) error {
	s.mu.Lock()
	t := s.t
	if t == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	pre, post := s.proto.HardResetPre(), s.proto.HardResetPost()
	s.mu.Unlock()

	if err := s.execPlan(ctx, pre); err != nil {
		return err
	}
	s.mu.Lock()
	s.resetting = true
	s.mu.Unlock()

	err := t.Reset()

	s.mu.Lock()
	s.resetting = false
	if err != nil {
		if s.t == t {
			s.failLocked(err)
		}
		s.mu.Unlock()
		return err
	}
	s.localReset(ErrReset)
	s.holdForBanner()
	s.mu.Unlock()
	s.log.Info().Msg("hard reset")
	return s.execPlan(ctx, post)
}

// Unlock clears an alarm. Outside Alarm it does nothing. The firmware
// drops its buffer on alarm, so the pending queue is flushed and a frozen
// job is aborted with the alarm as its cause.
func (s *Sender) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		return ErrNotConnected
	}
	if !s.state.Machine.Unlock() {
		return nil
	}
	s.clearQueue()
	if j := s.job; j != nil {
		s.finishJob(true, j.err)
	}
	if err := s.queuePlan(s.proto.Unlock()); err != nil {
		return err
	}
	s.log.Info().Msg("unlock")
	s.pump()
	return nil
}

// Purge empties the controller buffers and restores modal state and tool
// length offset afterwards.
func (s *Sender) Purge(ctx context.Context) error {
	s.mu.Lock()
	if s.t == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	plan := s.proto.Purge(s.state)
	s.mu.Unlock()
	s.log.Info().Str("plan", controller.Describe(plan)).Msg("purge")
	return s.execPlan(ctx, plan)
}

// Home runs the homing cycle.
func (s *Sender) Home() error { return s.plan(func(p controller.Protocol) []controller.Command { return p.Home() }) }

// Jog moves relative to the current position. feed <= 0 uses the
// configured jog feed.
func (s *Sender) Jog(m controller.Move, feed float64) error {
	if len(m) == 0 {
		return controller.ErrEmptyMove
	}
	if feed <= 0 {
		feed = s.cfg.JogFeed
	}
	return s.plan(func(p controller.Protocol) []controller.Command { return p.Jog(m, feed) })
}

// Goto rapids to an absolute work position.
func (s *Sender) Goto(m controller.Move) error {
	if len(m) == 0 {
		return controller.ErrEmptyMove
	}
	return s.plan(func(p controller.Protocol) []controller.Command { return p.Goto(m) })
}

// SetToolLengthOffset applies a dynamic tool length offset.
func (s *Sender) SetToolLengthOffset(v float64) error {
	return s.plan(func(p controller.Protocol) []controller.Command { return p.SetToolLengthOffset(v) })
}

func (s *Sender) ViewState() error {
	return s.plan(func(p controller.Protocol) []controller.Command { return p.ViewState() })
}

func (s *Sender) ViewParameters() error {
	return s.plan(func(p controller.Protocol) []controller.Command { return p.ViewParameters() })
}

func (s *Sender) ViewBuild() error {
	return s.plan(func(p controller.Protocol) []controller.Command { return p.ViewBuild() })
}

func (s *Sender) ViewSettings() error {
	return s.plan(func(p controller.Protocol) []controller.Command { return p.ViewSettings() })
}

// plan queues a non-blocking plan built by the active protocol.
func (s *Sender) plan(build func(controller.Protocol) []controller.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		return ErrNotConnected
	}
	if err := s.queuePlan(build(s.proto)); err != nil {
		return err
	}
	s.pump()
	return nil
}

// SetOverrides sets the override targets in percent; values are clamped
// to what the firmware accepts. A value <= 0 leaves that channel alone.
func (s *Sender) SetOverrides(feed, rapid, spindle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		return ErrNotConnected
	}
	ov := &s.state.Overrides
	for k, v := range map[machine.OverrideKind]int{
		machine.FeedOverride:    feed,
		machine.RapidOverride:   rapid,
		machine.SpindleOverride: spindle,
	} {
		if v <= 0 {
			continue
		}
		if k == machine.RapidOverride {
			v = controller.NearestRapid(v)
		} else {
			v = controller.ClampOverride(v)
		}
		ov.Get(k).Target = v
	}
	if err := s.applyOverrides(); err != nil {
		return err
	}
	s.pump()
	return nil
}
