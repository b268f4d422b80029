package transport

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// port is the subset of serial.Port the transport needs.
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	ResetInputBuffer() error
	Close() error
}

// openFunc opens a port; replaced in tests.
type openFunc func(path string, mode *serial.Mode) (port, error)

func openSerial(path string, mode *serial.Mode) (port, error) {
	return serial.Open(path, mode)
}

const (
	dtrPulse       = 100 * time.Millisecond
	postOpenDelay  = 50 * time.Millisecond
	maxLineLength  = 4096
	readChunkBytes = 256
)

// Serial is a Transport over a local serial port.
type Serial struct {
	path string
	baud int
	log  zerolog.Logger
	open openFunc

	mu        sync.Mutex // guards port, closed and reopening
	port      port
	closed    bool
	reopening bool

	wmu sync.Mutex // serialises writers

	// reader-owned
	pending []byte
	chunk   []byte
}

// NewSerial returns an unopened serial transport.
func NewSerial(path string, baud int, log zerolog.Logger) *Serial {
	if baud == 0 {
		baud = 115200
	}
	return &Serial{
		path:  path,
		baud:  baud,
		log:   log.With().Str("component", "serial").Str("port", path).Logger(),
		open:  openSerial,
		chunk: make([]byte, readChunkBytes),
	}
}

// SerialDialer adapts NewSerial to a Dialer.
func SerialDialer(log zerolog.Logger) Dialer {
	return func(path string, baud int) Transport { return NewSerial(path, baud, log) }
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	return ports, nil
}

func (s *Serial) Open() error {
	p, err := s.dial()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.port = p
	s.closed = false
	s.mu.Unlock()
	s.pending = s.pending[:0]
	s.log.Info().Int("baud", s.baud).Msg("opened")
	return nil
}

func (s *Serial) dial() (port, error) {
	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := s.open(s.path, mode)
	if err != nil {
		return nil, &Error{Op: "open", Port: s.path, Err: err}
	}
	time.Sleep(postOpenDelay)
	// drop boot garbage left over from a previous session
	if err := p.ResetInputBuffer(); err != nil {
		s.log.Debug().Err(err).Msg("reset input buffer")
	}
	return p, nil
}

var errReopening = errors.New("transport: port is being reopened")

func (s *Serial) current() (port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.reopening:
		return nil, errReopening
	case s.closed || s.port == nil:
		return nil, ErrClosed
	}
	return s.port, nil
}

func (s *Serial) Write(b []byte) error {
	p, err := s.current()
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for len(b) > 0 {
		n, err := p.Write(b)
		if err != nil {
			return &Error{Op: "write", Port: s.path, Err: err}
		}
		b = b[n:]
	}
	return nil
}

// ReadLine assembles bytes into lines. A partial line survives a timeout
// and is completed by the next call.
func (s *Serial) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(s.pending[:i], "\r"))
			s.pending = append(s.pending[:0], s.pending[i+1:]...)
			return line, nil
		}
		if len(s.pending) > maxLineLength {
			s.log.Warn().Int("bytes", len(s.pending)).Msg("discarding unterminated input")
			s.pending = s.pending[:0]
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		p, err := s.current()
		if errors.Is(err, errReopening) {
			time.Sleep(min(remaining, 10*time.Millisecond))
			continue
		}
		if err != nil {
			return "", err
		}
		if err := p.SetReadTimeout(remaining); err != nil {
			return "", &Error{Op: "set timeout", Port: s.path, Err: err}
		}
		n, err := p.Read(s.chunk)
		if err != nil {
			// Reset swaps the port underneath us; keep reading from the new one.
			q, cerr := s.current()
			switch {
			case errors.Is(cerr, errReopening), cerr == nil && q != p:
				continue
			case cerr != nil:
				return "", cerr
			}
			return "", &Error{Op: "read", Port: s.path, Err: err}
		}
		s.pending = append(s.pending, s.chunk[:n]...)
	}
}

// Reset pulses DTR and reopens the port, which reboots Arduino based
// controllers. The port is opened exclusively, so the old handle is closed
// before the new one is dialled.
func (s *Serial) Reset() error {
	s.mu.Lock()
	old := s.port
	if old == nil || s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.reopening = true
	s.mu.Unlock()

	if err := old.SetDTR(false); err != nil {
		s.log.Debug().Err(err).Msg("clear DTR")
	}
	time.Sleep(dtrPulse)
	if err := old.SetDTR(true); err != nil {
		s.log.Debug().Err(err).Msg("set DTR")
	}
	old.Close()

	p, err := s.dial()
	s.mu.Lock()
	s.reopening = false
	if err != nil {
		s.port = nil
		s.closed = true
	} else {
		s.port = p
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.Info().Msg("hardware reset")
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	p := s.port
	s.port = nil
	s.closed = true
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	if err := p.Close(); err != nil {
		return &Error{Op: "close", Port: s.path, Err: err}
	}
	return nil
}
