// Package sender streams G-code to a controller without overflowing its
// receive buffer. It owns the transport, the pending-line bookkeeping and
// the decoded machine state; observers get snapshots and events.
package sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/cncstream/internal/controller"
	"github.com/shaunagostinho/cncstream/internal/flow"
	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/transport"
)

var (
	ErrNotConnected = errors.New("sender: not connected")
	ErrConnected    = errors.New("sender: already connected")
	ErrNotIdle      = errors.New("sender: controller is not idle")
	ErrBusy         = errors.New("sender: a job is running")
	ErrLineTooLong  = errors.New("sender: line exceeds receive buffer")
	ErrAborted      = errors.New("sender: job aborted")
	ErrReset        = errors.New("sender: controller reset")
)

// Config holds the sender tunables.
type Config struct {
	// Firmware is a controller.ParseFirmware id; "GRBL" lets the banner decide.
	Firmware string
	// BufferSize overrides the variant's receive buffer size when > 0.
	BufferSize int
	// PollInterval is the status poll period.
	PollInterval time.Duration
	// ModalInterval is the $G poll period while idle.
	ModalInterval time.Duration
	// ReadTimeout bounds one transport read.
	ReadTimeout time.Duration
	// Digits is the rounding precision of decoded values.
	Digits int
	// StopOnError aborts a job on the first error: reply.
	StopOnError bool
	// SuppressBareAlarm overrides the variant's alarm precedence when set.
	SuppressBareAlarm *bool
	// JogFeed is used when a jog is requested without a feed rate.
	JogFeed float64
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Firmware:      "GRBL",
		PollInterval:  200 * time.Millisecond,
		ModalInterval: 10 * time.Second,
		ReadTimeout:   100 * time.Millisecond,
		Digits:        3,
		StopOnError:   true,
		JogFeed:       500,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.Firmware == "" {
		c.Firmware = d.Firmware
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ModalInterval <= 0 {
		c.ModalInterval = d.ModalInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.JogFeed <= 0 {
		c.JogFeed = d.JogFeed
	}
}

// Sender is the host side of one controller connection.
type Sender struct {
	cfg  Config
	dial transport.Dialer
	log  zerolog.Logger

	// mu guards everything below. Writes to the transport happen under it
	// so an acknowledgement can never resolve a line not yet recorded.
	mu          sync.Mutex
	t           transport.Transport
	proto       controller.Protocol
	explicit    bool
	budget      flow.Budget
	queue       flow.PendingQueue
	origins     []bool // parallel to queue: true for program lines
	mdi         []string
	state       *machine.State
	session     controller.Session
	job         *job
	paused      bool
	resetting   bool
	initialized bool
	lastModal   time.Time
	lastJob     *job
	pollsOut    int // status polls not yet answered
	staleOv     int // status reports to ignore for override confirmation

	awaitBanner    bool
	bannerDeadline time.Time

	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New returns a disconnected sender. dial builds the transport on Open.
func New(cfg Config, dial transport.Dialer, log zerolog.Logger) (*Sender, error) {
	cfg.fill()
	v, explicit, err := controller.ParseFirmware(cfg.Firmware)
	if err != nil {
		return nil, err
	}
	s := &Sender{
		cfg:      cfg,
		dial:     dial,
		log:      log.With().Str("component", "sender").Logger(),
		explicit: explicit,
		subs:     make(map[int]chan Event),
		wake:     make(chan struct{}, 1),
	}
	s.setProtocol(controller.New(v))
	s.state = machine.NewState(cfg.Digits, s.suppress())
	return s, nil
}

func (s *Sender) suppress() bool {
	if s.cfg.SuppressBareAlarm != nil {
		return *s.cfg.SuppressBareAlarm
	}
	return s.proto.SuppressBareAlarm()
}

// setProtocol switches variant and the budget derived from it.
func (s *Sender) setProtocol(p controller.Protocol) {
	s.proto = p
	size := p.BufferSize()
	if s.cfg.BufferSize > 0 {
		size = s.cfg.BufferSize
	}
	s.budget = flow.Budget(size)
	if s.state != nil {
		s.state.Machine.SuppressBareAlarm = s.suppress()
	}
}

// Open connects to port and starts the reader and transmit workers.
func (s *Sender) Open(port string, baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		return ErrConnected
	}
	t := s.dial(port, baud)
	if err := t.Open(); err != nil {
		return err
	}
	s.t = t
	s.state = machine.NewState(s.cfg.Digits, s.suppress())
	s.session = controller.Session{State: s.state, Queue: &s.queue}
	s.clearQueue()
	s.initialized = false
	s.paused = false
	s.emitTransition(s.state.Machine.Connect())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.readLoop(ctx, t)
	go s.transmitLoop(ctx)

	s.log.Info().Str("port", port).Int("baud", baud).Str("firmware", s.proto.Name()).
		Int("buffer", int(s.budget)).Msg("connected")
	return s.poll()
}

// Close stops the workers, closes the transport, flushes the queue and
// aborts any running job.
func (s *Sender) Close() error {
	s.mu.Lock()
	t := s.t
	if t == nil {
		s.mu.Unlock()
		return nil
	}
	s.t = nil
	s.cancel()
	s.clearQueue()
	s.finishJob(true, ErrAborted)
	s.emitTransition(s.state.Machine.Disconnect())
	s.mu.Unlock()

	err := t.Close()
	s.wg.Wait()
	s.publish(Disconnected{})
	s.log.Info().Msg("disconnected")
	return err
}

// fail handles a transport failure reported by a worker.
func (s *Sender) fail(t transport.Transport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != t {
		return
	}
	s.failLocked(err)
}

// failLocked drops the connection after a read or write failure. Callers
// hold mu.
func (s *Sender) failLocked(err error) {
	t := s.t
	if t == nil {
		return
	}
	var te *transport.Error
	if !errors.As(err, &te) {
		err = &transport.Error{Op: "io", Err: err}
	}
	s.t = nil
	s.cancel()
	s.clearQueue()
	s.finishJob(true, err)
	s.emitTransition(s.state.Machine.Disconnect())
	t.Close()
	s.log.Error().Err(err).Msg("connection lost")
	s.publish(Disconnected{Err: err})
}

// Connected reports whether a transport is open.
func (s *Sender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t != nil
}

// Protocol returns the active firmware variant.
func (s *Sender) Protocol() controller.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proto.Variant()
}

// Snapshot returns an immutable copy of the machine state.
func (s *Sender) Snapshot() machine.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// Overrides returns the current override targets and confirmed values.
func (s *Sender) Overrides() machine.Overrides {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Overrides
}

// Outstanding is the number of unacknowledged bytes and lines.
func (s *Sender) Outstanding() (bytes, lines int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Outstanding(), s.queue.Len()
}

// BufferFree is how many bytes the controller's receive buffer can still
// take by the host's count.
func (s *Sender) BufferFree() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget.Free(&s.queue)
}

// clearQueue drops every outstanding and waiting line. Callers hold mu.
func (s *Sender) clearQueue() {
	s.queue.Clear()
	s.origins = nil
	s.mdi = nil
	s.session.StatusExpected = false
	s.state.Probing = false
}

// localReset reinitialises bookkeeping after a controller reset. Callers
// hold mu.
func (s *Sender) localReset(cause error) {
	s.clearQueue()
	s.paused = false
	s.initialized = false
	s.pollsOut, s.staleOv = 0, 0
	s.finishJob(true, cause)
	s.emitTransition(s.state.Reset())
}

func (s *Sender) emitTransition(tr machine.Transition) {
	if !tr.Changed() {
		return
	}
	s.log.Debug().Stringer("from", tr.From).Stringer("to", tr.To).Int("code", tr.ToCode).Msg("state")
	s.publish(StateChanged{Old: tr.From, New: tr.To, AlarmCode: tr.ToCode})
}

// write sends raw bytes. A failed write drops the connection at once.
// Callers hold mu.
func (s *Sender) write(b []byte) error {
	if s.t == nil {
		return ErrNotConnected
	}
	if err := s.t.Write(b); err != nil {
		var te *transport.Error
		if !errors.As(err, &te) {
			err = &transport.Error{Op: "write", Err: err}
		}
		s.failLocked(err)
		return err
	}
	return nil
}

func (s *Sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
