package sender

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shaunagostinho/cncstream/internal/controller"
	"github.com/shaunagostinho/cncstream/internal/program"
	"github.com/shaunagostinho/cncstream/internal/transport"
)

// bannerWait bounds how long queued lines are held back after we reset the
// controller ourselves and wait for it to announce itself.
const bannerWait = 2 * time.Second

// readLoop feeds every received line through the protocol until the
// transport fails or the context is cancelled.
func (s *Sender) readLoop(ctx context.Context, t transport.Transport) {
	defer s.wg.Done()
	for {
		line, err := t.ReadLine(s.cfg.ReadTimeout)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			s.fail(t, err)
			return
		}
		s.mu.Lock()
		if s.t == t {
			s.handleLine(line)
		}
		s.mu.Unlock()
	}
}

// transmitLoop polls status on a ticker and pushes queued lines whenever
// something may have freed buffer space.
func (s *Sender) transmitLoop(ctx context.Context) {
	defer s.wg.Done()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.mu.Lock()
			if s.t != nil && !s.resetting {
				// a failed poll has already dropped the connection
				if err := s.poll(); err == nil {
					s.pollModal()
				}
			}
			s.pump()
			s.mu.Unlock()
		case <-s.wake:
			s.mu.Lock()
			s.pump()
			s.mu.Unlock()
		}
	}
}

// poll writes a status request. Callers hold mu.
func (s *Sender) poll() error {
	s.session.StatusExpected = true
	if err := s.write([]byte{s.proto.StatusPoll()}); err != nil {
		return err
	}
	s.pollsOut++
	return nil
}

// pollModal refreshes the modal state while the machine sits idle.
func (s *Sender) pollModal() {
	if s.job != nil || !s.initialized || s.queue.Len() > 0 || len(s.mdi) > 0 {
		return
	}
	if !s.state.Machine.State().IsIdle() || time.Since(s.lastModal) < s.cfg.ModalInterval {
		return
	}
	s.lastModal = time.Now()
	s.queuePlan(s.proto.ViewState())
}

// pump transmits as many waiting lines as the receive buffer admits:
// immediate lines first, then the running program. Callers hold mu.
func (s *Sender) pump() {
	if s.t == nil || s.resetting {
		return
	}
	if s.awaitBanner {
		if time.Now().Before(s.bannerDeadline) {
			return
		}
		s.awaitBanner = false
	}
	for len(s.mdi) > 0 {
		text := s.mdi[0]
		ok, err := s.budget.Admit(&s.queue, len(text)+1)
		if err != nil {
			s.log.Warn().Str("line", text).Msg("dropping line larger than receive buffer")
			s.mdi = s.mdi[1:]
			continue
		}
		if !ok {
			return
		}
		s.mdi = s.mdi[1:]
		if err := s.sendLine(text, false); err != nil {
			return
		}
	}
	s.pumpJob()
}

func (s *Sender) pumpJob() {
	j := s.job
	if j == nil || s.paused || s.state.Machine.Frozen() {
		return
	}
	for {
		if j.aborted {
			if s.programOutstanding() == 0 {
				s.finishJob(true, j.err)
			}
			return
		}
		if j.waiting {
			if s.queue.Len() == 0 && !j.barrierPolled {
				j.barrierPolled = true
				s.poll()
			}
			return
		}
		if j.next >= len(j.prog) {
			j.waiting = true
			continue
		}
		l := j.prog[j.next]
		switch l.Directive {
		case program.Message:
			j.next++
			s.publish(Message{Text: l.Text})
			continue
		case program.Wait:
			j.next++
			j.waiting = true
			continue
		}
		text := s.proto.RewriteLine(l.Text, s.state.Overrides)
		ok, err := s.budget.Admit(&s.queue, len(text)+1)
		if err != nil {
			j.aborted = true
			j.err = &LineError{Index: l.Index, Text: text, Err: ErrLineTooLong}
			continue
		}
		if !ok {
			return
		}
		if err := s.sendLine(text, true); err != nil {
			return
		}
		j.next++
		j.sent++
		s.publish(j.progress())
	}
}

// sendLine writes one line and records it as outstanding. Both happen
// under mu, so the reply cannot be handled before the entry exists.
func (s *Sender) sendLine(text string, fromProgram bool) error {
	if err := s.write([]byte(text + "\n")); err != nil {
		return err
	}
	s.queue.Push(len(text)+1, text)
	s.origins = append(s.origins, fromProgram)
	if isProbeLine(text) {
		s.state.Probing = true
	}
	s.publish(LogLine{Dir: Out, Text: text})
	return nil
}

func isProbeLine(text string) bool {
	return strings.Contains(strings.ToUpper(text), "G38")
}

// probePending reports whether a probing move is still unanswered.
func (s *Sender) probePending() bool {
	for _, e := range s.queue.Entries() {
		if isProbeLine(e.Text) {
			return true
		}
	}
	return false
}

func (s *Sender) programOutstanding() int {
	n := 0
	for _, p := range s.origins {
		if p {
			n++
		}
	}
	return n
}

// handleLine applies one received line. Callers hold mu.
func (s *Sender) handleLine(text string) {
	s.publish(LogLine{Dir: In, Text: text})
	ov := s.state.Overrides
	res := s.proto.Dispatch(text, &s.session)
	s.emitTransition(res.Transition)
	if res.Kind == controller.StatusReport {
		s.pollsOut = max(s.pollsOut-1, 0)
		if s.staleOv > 0 {
			// answers a poll written before the last override request
			s.staleOv--
			s.state.Overrides = ov
		}
	}

	switch res.Kind {
	case controller.Unrecognized:
		s.log.Debug().Str("line", text).Err(res.Err).Msg("unrecognized")
	case controller.Ack, controller.ErrorReport, controller.AlarmReport:
		s.resolved(res)
	case controller.ResetReport:
		s.onBanner(res)
	case controller.MessageReport:
		s.publish(Message{Text: res.Message})
	case controller.StatusReport:
		s.onStatus(res)
	}

	if s.state.ConsumePositionUpdate() {
		s.publish(PositionUpdated{Pos: s.state.Pos})
	}
	if s.state.ConsumeProbeUpdate() {
		s.publish(ProbeUpdated{Probes: s.state.Probes()})
	}
	s.signal()
}

// resolved accounts for a reply that consumed a pending entry.
func (s *Sender) resolved(res controller.Result) {
	fromProgram := false
	if res.Resolved && len(s.origins) > 0 {
		fromProgram = s.origins[0]
		s.origins = s.origins[1:]
	}
	if res.Resolved && isProbeLine(res.Entry.Text) {
		// each PRB report precedes the reply to its own probing move, and
		// later probe moves may already sit in the controller's buffer
		s.state.Probing = s.probePending()
	}

	j := s.job
	switch res.Kind {
	case controller.ErrorReport:
		s.log.Warn().Err(res.Err).Msg("controller error")
		if j != nil && fromProgram && s.cfg.StopOnError && !j.aborted {
			j.aborted = true
			j.err = res.Err
		}
	case controller.AlarmReport:
		s.log.Error().Err(res.Err).Int("outstanding", s.queue.Len()).Msg("controller alarm")
		if j != nil && j.err == nil {
			j.err = res.Err
		}
	}
	if j != nil && fromProgram {
		j.acked++
		s.publish(j.progress())
	}
}

// onBanner handles a controller that announced itself after a reboot.
// The protocol already dropped the pending queue; lines not yet written
// are kept and go out once the controller is initialised again.
func (s *Sender) onBanner(res controller.Result) {
	s.origins = nil
	s.pollsOut, s.staleOv = 0, 0
	s.paused = false
	s.awaitBanner = false
	s.finishJob(true, ErrReset)

	if res.Detected != s.proto.Variant() {
		if s.explicit {
			s.log.Warn().Str("configured", s.proto.Name()).Stringer("banner", res.Detected).
				Msg("banner does not match configured firmware")
		} else {
			s.setProtocol(controller.New(res.Detected))
			s.log.Info().Str("firmware", s.proto.Name()).Int("buffer", int(s.budget)).Msg("firmware detected")
		}
	}
	s.log.Info().Str("version", res.Version).Msg("controller reset")
	s.initController()
}

func (s *Sender) onStatus(res controller.Result) {
	if !s.initialized {
		s.initController()
	}
	if err := s.applyOverrides(); err != nil {
		s.failLocked(err)
		return
	}

	j := s.job
	if j == nil || !j.waiting || !res.Polled || !j.barrierPolled {
		return
	}
	if s.queue.Len() > 0 || !s.state.Machine.State().IsIdle() {
		// ask again on the next pump
		j.barrierPolled = false
		return
	}
	j.waiting = false
	j.barrierPolled = false
	if j.next >= len(j.prog) {
		s.finishJob(false, nil)
	}
}

// applyOverrides emits whatever moves the overrides toward their targets.
// Status reports already in flight carry the old values and must not
// confirm the request. Callers hold mu.
func (s *Sender) applyOverrides() error {
	plan := s.proto.ApplyOverrides(&s.state.Overrides)
	if len(plan) == 0 {
		return nil
	}
	s.staleOv = s.pollsOut
	return s.queuePlan(plan)
}

func (s *Sender) initController() {
	s.initialized = true
	s.lastModal = time.Now()
	s.queuePlan(s.proto.InitController())
}

// queuePlan runs the parts of a plan that never block: realtime bytes are
// written at once and lines join the immediate queue. Callers hold mu.
func (s *Sender) queuePlan(plan []controller.Command) error {
	for _, c := range plan {
		switch c.Kind {
		case controller.Realtime:
			if err := s.write(c.Bytes); err != nil {
				return err
			}
		case controller.QueuedLine:
			if err := s.queueLine(c.Line); err != nil {
				return err
			}
		default:
			s.log.Warn().Stringer("command", c).Msg("blocking command in non-blocking plan")
		}
	}
	return nil
}

// queueLine appends an immediate line. Callers hold mu.
func (s *Sender) queueLine(text string) error {
	if s.t == nil {
		return ErrNotConnected
	}
	if len(text)+1 > int(s.budget) {
		return &LineError{Index: -1, Text: text, Err: ErrLineTooLong}
	}
	s.mdi = append(s.mdi, text)
	s.signal()
	return nil
}

// execPlan runs a full command plan including delays and flushes. It
// takes mu per step and never holds it while sleeping.
func (s *Sender) execPlan(ctx context.Context, plan []controller.Command) error {
	flushed := false
	for _, c := range plan {
		switch c.Kind {
		case controller.Realtime:
			s.mu.Lock()
			err := s.write(c.Bytes)
			if err == nil && bytes.IndexByte(c.Bytes, s.proto.ResetByte()) >= 0 {
				// the banner must not overtake the flush
				s.flush()
				s.holdForBanner()
				flushed = true
			}
			s.mu.Unlock()
			if err != nil {
				return err
			}
		case controller.QueuedLine:
			s.mu.Lock()
			err := s.queueLine(c.Line)
			s.mu.Unlock()
			if err != nil {
				return err
			}
		case controller.Delay:
			if err := sleep(ctx, c.Wait); err != nil {
				return err
			}
		case controller.Flush:
			if flushed {
				continue
			}
			s.mu.Lock()
			s.flush()
			s.mu.Unlock()
		}
	}
	return nil
}

// flush forgets everything the controller was holding for us. Callers
// hold mu.
func (s *Sender) flush() {
	s.clearQueue()
	s.paused = false
	s.finishJob(true, ErrAborted)
}

func (s *Sender) holdForBanner() {
	s.awaitBanner = true
	s.bannerDeadline = time.Now().Add(bannerWait)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
