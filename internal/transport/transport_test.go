package transport

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

type fakePort struct {
	mu      sync.Mutex
	chunks  [][]byte
	written []byte
	dtr     []bool
	timeout time.Duration
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.chunks) == 0 {
		wait := p.timeout
		p.mu.Unlock()
		time.Sleep(min(wait, 5*time.Millisecond))
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	p.chunks = p.chunks[1:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = append(p.dtr, v)
	return nil
}

func (p *fakePort) ResetInputBuffer() error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) feed(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, []byte(s))
}

func newFakeSerial(ports ...*fakePort) (*Serial, *int) {
	s := NewSerial("/dev/fake", 115200, zerolog.Nop())
	opened := 0
	s.open = func(string, *serial.Mode) (port, error) {
		if opened >= len(ports) {
			return nil, errors.New("no such port")
		}
		p := ports[opened]
		opened++
		return p, nil
	}
	return s, &opened
}

func TestSerialReadLineAssemblesPartialLines(t *testing.T) {
	fp := &fakePort{}
	s, _ := newFakeSerial(fp)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	fp.feed("<Idle|MPos:0")
	if _, err := s.ReadLine(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout on partial line, got %v", err)
	}
	fp.feed(".000,0.000,0.000>\r\nok\r\n")
	line, err := s.ReadLine(100 * time.Millisecond)
	if err != nil || line != "<Idle|MPos:0.000,0.000,0.000>" {
		t.Fatalf("got %q, %v", line, err)
	}
	if line, _ := s.ReadLine(100 * time.Millisecond); line != "ok" {
		t.Fatalf("expected ok, got %q", line)
	}
}

func TestSerialWriteAndClose(t *testing.T) {
	fp := &fakePort{}
	s, _ := newFakeSerial(fp)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Write([]byte("G0 X1\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(fp.written) != "G0 X1\n" {
		t.Fatalf("unexpected bytes %q", fp.written)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Write([]byte("?")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.ReadLine(10 * time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from read, got %v", err)
	}
}

func TestSerialOpenFailureIsTransportError(t *testing.T) {
	s, _ := newFakeSerial()
	err := s.Open()
	var te *Error
	if !errors.As(err, &te) || te.Op != "open" {
		t.Fatalf("expected open transport error, got %v", err)
	}
}

func TestSerialResetPulsesDTRAndReopens(t *testing.T) {
	first, second := &fakePort{}, &fakePort{}
	s, opened := newFakeSerial(first, second)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if *opened != 2 || !first.closed {
		t.Fatalf("port not reopened: opened=%d closed=%v", *opened, first.closed)
	}
	if len(first.dtr) != 2 || first.dtr[0] || !first.dtr[1] {
		t.Fatalf("unexpected DTR sequence %v", first.dtr)
	}
	second.feed("Grbl 1.1h ['$' for help]\n")
	if line, err := s.ReadLine(100 * time.Millisecond); err != nil || !strings.HasPrefix(line, "Grbl") {
		t.Fatalf("read after reset: %q, %v", line, err)
	}
}

func TestSimulatorBannerStatusAndAcks(t *testing.T) {
	sim := NewSimulator(SimConfig{})
	if err := sim.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sim.Close()

	if line, _ := sim.ReadLine(time.Second); !strings.HasPrefix(line, "Grbl 1.1h") {
		t.Fatalf("expected banner, got %q", line)
	}
	sim.Write([]byte("G0 X10\n?"))
	if line, _ := sim.ReadLine(time.Second); line != "ok" {
		t.Fatalf("expected ok, got %q", line)
	}
	line, _ := sim.ReadLine(time.Second)
	if !strings.HasPrefix(line, "<Idle|MPos:10.000,0.000,0.000") {
		t.Fatalf("unexpected status %q", line)
	}
	if _, err := sim.ReadLine(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSimulatorRecordsOverflow(t *testing.T) {
	sim := NewSimulator(SimConfig{RxSize: 16, Manual: true})
	sim.Open()
	defer sim.Close()

	sim.Write([]byte("G0 X1\nG0 X2\n")) // 12 bytes
	if sim.Overflows() != 0 || sim.Buffered() != 12 {
		t.Fatalf("unexpected buffer %d overflow %d", sim.Buffered(), sim.Overflows())
	}
	sim.Write([]byte("G0 X3\n"))
	if sim.Overflows() != 1 || sim.MaxBuffered() != 18 {
		t.Fatalf("overflow not recorded: %d max %d", sim.Overflows(), sim.MaxBuffered())
	}
	if n := sim.Ack(2); n != 2 || sim.Buffered() != 6 {
		t.Fatalf("ack completed %d, buffered %d", n, sim.Buffered())
	}
	if got := sim.Written(); len(got) != 3 || got[2] != "G0 X3" {
		t.Fatalf("unexpected written lines %v", got)
	}
}

func TestSimulatorOverridesAndProbe(t *testing.T) {
	sim := NewSimulator(SimConfig{})
	sim.Open()
	defer sim.Close()
	sim.ReadLine(time.Second) // banner

	sim.Write([]byte{0x91, 0x91, 0x94, '?'})
	line, _ := sim.ReadLine(time.Second)
	if !strings.Contains(line, "Ov:119,100,100") {
		t.Fatalf("override not applied: %q", line)
	}
	sim.Write([]byte("G38.2 Z-10 F50\n"))
	if line, _ := sim.ReadLine(time.Second); line != "[PRB:0.000,0.000,-5.000:1]" {
		t.Fatalf("unexpected probe report %q", line)
	}
}
