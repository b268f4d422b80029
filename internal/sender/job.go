package sender

import (
	"context"
	"fmt"

	"github.com/shaunagostinho/cncstream/internal/program"
)

// LineError reports a line that could not be streamed.
type LineError struct {
	Index int // program index, -1 for immediate lines
	Text  string
	Err   error
}

func (e *LineError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %q", e.Err, e.Text)
	}
	return fmt.Sprintf("line %d: %v: %q", e.Index+1, e.Err, e.Text)
}

func (e *LineError) Unwrap() error { return e.Err }

// job is one program being streamed. All fields are guarded by Sender.mu
// except done, which is closed exactly once by finishJob.
type job struct {
	prog  []program.Line
	next  int
	total int

	sent, acked int

	// waiting holds transmission at a %wait or at the end of the program
	// until the queue drained and a status poll written after the drain
	// reports Idle.
	waiting       bool
	barrierPolled bool

	aborted bool
	err     error
	done    chan struct{}
}

func (j *job) progress() JobProgress {
	return JobProgress{Sent: j.sent, Acked: j.acked, Total: j.total}
}

// Run starts streaming prog in the background. The controller must be
// idle and no other job may be running. Use Wait for the outcome.
func (s *Sender) Run(prog []program.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.t == nil:
		return ErrNotConnected
	case s.job != nil:
		return ErrBusy
	case !s.state.Machine.State().IsIdle():
		return ErrNotIdle
	}
	for _, l := range prog {
		if l.Directive == program.None && l.Size > int(s.budget) {
			return &LineError{Index: l.Index, Text: l.Text, Err: ErrLineTooLong}
		}
	}
	j := &job{
		prog:  prog,
		total: program.Transmittable(prog),
		done:  make(chan struct{}),
	}
	s.job = j
	s.lastJob = j
	s.log.Info().Int("lines", j.total).Msg("job started")
	s.publish(j.progress())
	s.signal()
	return nil
}

// Wait blocks until the most recently started job finished and returns
// its error: nil on success, the abort cause otherwise.
func (s *Sender) Wait(ctx context.Context) error {
	s.mu.Lock()
	j := s.lastJob
	s.mu.Unlock()
	if j == nil {
		return nil
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return j.err
}

// Running reports whether a job is active.
func (s *Sender) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job != nil
}

// Stop aborts the running job: nothing more is sent, lines already in the
// controller drain normally and the job then finishes as aborted.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job
	if j == nil {
		return
	}
	j.aborted = true
	if s.programOutstanding() == 0 {
		s.finishJob(true, j.err)
		return
	}
	s.signal()
}

// finishJob ends the running job. Callers hold mu.
func (s *Sender) finishJob(aborted bool, err error) {
	j := s.job
	if j == nil {
		return
	}
	s.job = nil
	if aborted && err == nil {
		err = ErrAborted
	}
	j.aborted = aborted
	j.err = err
	close(j.done)
	ev := s.log.Info()
	if aborted {
		ev = s.log.Warn().Err(err)
	}
	ev.Int("sent", j.sent).Int("acked", j.acked).Int("total", j.total).Msg("job finished")
	s.publish(JobFinished{Aborted: aborted, Err: err})
}
