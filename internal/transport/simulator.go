package transport

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimConfig tunes the simulated controller.
type SimConfig struct {
	// Version is announced in the banner; "0.9..." switches to the comma
	// status layout and disables realtime overrides.
	Version string
	// RxSize is the receive buffer the simulator enforces (default 128).
	RxSize int
	// LineTime is the execution time of one motion line. Zero executes
	// lines as soon as they arrive.
	LineTime time.Duration
	// Manual leaves lines in the receive buffer until Ack is called.
	Manual bool
	// Jitter adds sensor noise to reported positions, for demo mode.
	Jitter bool
}

// Simulator emulates a GRBL controller in process: a bounded receive
// buffer, ok/error/ALARM replies, status reports, realtime commands,
// probing and overrides. It records every line written and every time the
// host overflowed its receive buffer.
type Simulator struct {
	cfg SimConfig

	mu       sync.Mutex
	open     bool
	partial  []byte
	rx       []string // lines held in the receive buffer
	rxBytes  int
	maxBytes int
	overflow int
	written  []string
	realtime []byte

	state    string
	absolute bool
	mpos     [3]float64
	wco      [3]float64
	tlo      float64
	feed     float64
	spindle  float64
	ov       [3]int
	errs     map[string]int // line text -> error code to reply with

	out    []string
	notify chan struct{}
	done   chan struct{}
}

// NewSimulator returns a closed simulator.
func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.Version == "" {
		cfg.Version = "1.1h"
	}
	if cfg.RxSize == 0 {
		cfg.RxSize = 128
	}
	return &Simulator{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		errs:   make(map[string]int),
	}
}

// SimulatorDialer returns a Dialer that ignores port and baud and hands
// out sim, so the same simulator survives reconnects.
func SimulatorDialer(sim *Simulator) Dialer {
	return func(string, int) Transport { return sim }
}

func (s *Simulator) legacy() bool { return strings.HasPrefix(s.cfg.Version, "0.") }

func (s *Simulator) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	s.open = true
	s.done = make(chan struct{})
	s.boot()
	if s.cfg.LineTime > 0 && !s.cfg.Manual {
		go s.run(s.done)
	}
	return nil
}

// boot resets the controller and announces it; callers hold mu.
func (s *Simulator) boot() {
	s.partial = nil
	s.rx = nil
	s.rxBytes = 0
	s.state = "Idle"
	s.absolute = true
	s.ov = [3]int{100, 100, 100}
	s.feed, s.spindle = 0, 0
	s.emit(fmt.Sprintf("Grbl %s ['$' for help]", s.cfg.Version))
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	close(s.done)
	return nil
}

// Reset simulates a DTR reboot.
func (s *Simulator) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	s.boot()
	return nil
}

func (s *Simulator) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return &Error{Op: "write", Port: "sim", Err: ErrClosed}
	}
	for _, b := range p {
		if s.handleRealtime(b) {
			s.realtime = append(s.realtime, b)
			continue
		}
		if b == '\r' {
			continue
		}
		if b != '\n' {
			s.partial = append(s.partial, b)
			continue
		}
		line := string(s.partial)
		s.partial = nil
		s.receive(line)
	}
	return nil
}

func (s *Simulator) ReadLine(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if !s.open {
			s.mu.Unlock()
			return "", ErrClosed
		}
		if len(s.out) > 0 {
			line := s.out[0]
			s.out = s.out[1:]
			s.mu.Unlock()
			return line, nil
		}
		done := s.done
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-done:
			return "", ErrClosed
		case <-timer.C:
			return "", ErrTimeout
		}
	}
}

func (s *Simulator) emit(lines ...string) {
	s.out = append(s.out, lines...)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// receive puts a complete line into the receive buffer.
func (s *Simulator) receive(line string) {
	size := len(line) + 1
	s.written = append(s.written, line)
	s.rxBytes += size
	if s.rxBytes > s.cfg.RxSize {
		s.overflow++
	}
	s.maxBytes = max(s.maxBytes, s.rxBytes)
	s.rx = append(s.rx, line)
	if !s.cfg.Manual && s.cfg.LineTime == 0 {
		s.execute(1)
	}
}

// execute completes n buffered lines, replying to each.
func (s *Simulator) execute(n int) int {
	done := 0
	for ; done < n && len(s.rx) > 0; done++ {
		line := s.rx[0]
		s.rx = s.rx[1:]
		s.rxBytes -= len(line) + 1
		s.process(line)
	}
	return done
}

// run is the motion loop used when LineTime is set.
func (s *Simulator) run(done <-chan struct{}) {
	tick := time.NewTicker(s.cfg.LineTime)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			s.mu.Lock()
			if strings.HasPrefix(s.state, "Hold") || s.state == "Alarm" {
				s.mu.Unlock()
				continue
			}
			if len(s.rx) > 0 {
				s.state = "Run"
				s.execute(1)
			} else if s.state == "Run" {
				s.state = "Idle"
			}
			s.mu.Unlock()
		}
	}
}

// Ack completes up to n buffered lines in Manual mode and returns how
// many were completed.
func (s *Simulator) Ack(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execute(n)
}

// Inject queues an arbitrary line for the host to read.
func (s *Simulator) Inject(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(lines...)
}

// Alarm raises a coded alarm the way GRBL does on a limit hit: motion
// stops and the receive buffer is discarded.
func (s *Simulator) Alarm(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = "Alarm"
	s.rx = nil
	s.rxBytes = 0
	s.emit(fmt.Sprintf("ALARM:%d", code))
}

// FailLine makes the simulator answer error:code to the given line text.
func (s *Simulator) FailLine(text string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[text] = code
}

// SetState forces the reported state keyword, e.g. "Run" or "Hold:0".
func (s *Simulator) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Written returns every line the host sent, in order.
func (s *Simulator) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

// Realtime returns every realtime byte the host sent, in order.
func (s *Simulator) Realtime() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.realtime...)
}

// Buffered is the number of bytes currently held in the receive buffer.
func (s *Simulator) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxBytes
}

// MaxBuffered is the high-water mark of the receive buffer.
func (s *Simulator) MaxBuffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBytes
}

// Overflows counts writes that pushed the receive buffer past RxSize.
func (s *Simulator) Overflows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

func (s *Simulator) handleRealtime(b byte) bool {
	switch {
	case b == '?':
		s.emit(s.status())
	case b == '!':
		if s.state == "Run" || s.state == "Jog" || len(s.rx) > 0 {
			s.state = "Hold:0"
		}
	case b == '~':
		if strings.HasPrefix(s.state, "Hold") {
			s.state = "Run"
			if len(s.rx) == 0 {
				s.state = "Idle"
			}
		}
	case b == 0x18:
		wasMoving := s.state == "Run" || len(s.rx) > 0
		s.boot()
		if wasMoving && !s.legacy() {
			s.state = "Alarm"
		}
	case b >= 0x90 && b <= 0x9D && !s.legacy():
		s.override(b)
	case b >= 0x80:
	default:
		return false
	}
	return true
}

func (s *Simulator) override(b byte) {
	clamp := func(v int) int { return min(max(v, 10), 200) }
	switch b {
	case 0x90:
		s.ov[0] = 100
	case 0x91:
		s.ov[0] = clamp(s.ov[0] + 10)
	case 0x92:
		s.ov[0] = clamp(s.ov[0] - 10)
	case 0x93:
		s.ov[0] = clamp(s.ov[0] + 1)
	case 0x94:
		s.ov[0] = clamp(s.ov[0] - 1)
	case 0x95:
		s.ov[1] = 100
	case 0x96:
		s.ov[1] = 50
	case 0x97:
		s.ov[1] = 25
	case 0x99:
		s.ov[2] = 100
	case 0x9A:
		s.ov[2] = clamp(s.ov[2] + 10)
	case 0x9B:
		s.ov[2] = clamp(s.ov[2] - 10)
	case 0x9C:
		s.ov[2] = clamp(s.ov[2] + 1)
	case 0x9D:
		s.ov[2] = clamp(s.ov[2] - 1)
	}
}

func (s *Simulator) status() string {
	m := s.mpos
	if s.cfg.Jitter {
		for i := range m {
			m[i] += (rand.Float64() - 0.5) * 0.002
		}
	}
	state := s.state
	if state == "Idle" && len(s.rx) > 0 {
		state = "Run"
	}
	if s.legacy() {
		return fmt.Sprintf("<%s,MPos:%.3f,%.3f,%.3f,WPos:%.3f,%.3f,%.3f>",
			strings.SplitN(state, ":", 2)[0], m[0], m[1], m[2], m[0]-s.wco[0], m[1]-s.wco[1], m[2]-s.wco[2])
	}
	return fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f|Bf:15,%d|FS:%g,%g|WCO:%.3f,%.3f,%.3f|Ov:%d,%d,%d>",
		state, m[0], m[1], m[2], s.cfg.RxSize-s.rxBytes, s.feed, s.spindle,
		s.wco[0], s.wco[1], s.wco[2], s.ov[0], s.ov[1], s.ov[2])
}

// process executes one line and emits its reply.
func (s *Simulator) process(line string) {
	if code, ok := s.errs[line]; ok {
		s.emit(fmt.Sprintf("error:%d", code))
		return
	}
	upper := strings.ToUpper(strings.TrimSpace(line))
	if s.state == "Alarm" && !strings.HasPrefix(upper, "$") {
		s.emit("error:9")
		return
	}
	switch {
	case upper == "":
	case upper == "$X":
		if s.state == "Alarm" {
			s.state = "Idle"
			s.emit("[MSG:Caution: Unlocked]")
		}
	case upper == "$H":
		s.mpos = [3]float64{}
		s.state = "Idle"
	case upper == "$G":
		if s.legacy() {
			s.emit(s.modal())
		} else {
			s.emit("[GC:" + s.modal()[1:])
		}
	case upper == "$#":
		s.emit(
			fmt.Sprintf("[G54:%.3f,%.3f,%.3f]", s.wco[0], s.wco[1], s.wco[2]),
			"[G28:0.000,0.000,0.000]",
			"[G92:0.000,0.000,0.000]",
			fmt.Sprintf("[TLO:%.3f]", s.tlo),
			"[PRB:0.000,0.000,0.000:0]",
		)
	case upper == "$I":
		s.emit("[VER:"+s.cfg.Version+".20190830:]", "[OPT:V,15,128]")
	case upper == "$$":
		s.emit("$0=10", "$1=25", "$22=1", "$100=250.000", "$110=500.000", "$120=10.000")
	case strings.HasPrefix(upper, "$J="):
		s.move(upper[3:], false)
	case strings.HasPrefix(upper, "$"):
		if _, _, ok := strings.Cut(upper, "="); !ok {
			s.emit("error:3")
			return
		}
	default:
		s.gcode(upper)
	}
	s.emit("ok")
}

func (s *Simulator) modal() string {
	dist := "G90"
	if !s.absolute {
		dist = "G91"
	}
	return fmt.Sprintf("[G0 G54 G17 G21 %s G94 M5 M9 T0 F%g S%g]", dist, s.feed, s.spindle)
}

func (s *Simulator) gcode(line string) {
	switch {
	case strings.Contains(line, "G38"):
		s.move(line, true)
		s.emit(fmt.Sprintf("[PRB:%.3f,%.3f,%.3f:1]", s.mpos[0], s.mpos[1], s.mpos[2]))
		return
	case strings.Contains(line, "G43.1"):
		if v, ok := word(line, 'Z'); ok {
			s.tlo = v
		}
		return
	case strings.Contains(line, "G10") || strings.Contains(line, "G92"):
		// zero the work offset at the current position for the named axes
		for i, a := range []byte{'X', 'Y', 'Z'} {
			if v, ok := word(line, a); ok {
				s.wco[i] = s.mpos[i] - v
			}
		}
		return
	}
	if strings.Contains(line, "G91") {
		s.absolute = false
	}
	if strings.Contains(line, "G90") {
		s.absolute = true
	}
	s.move(line, false)
}

// move applies the axis words of line. Jogs and probes are always relative
// when G91 appears in them.
func (s *Simulator) move(line string, probe bool) {
	relative := !s.absolute || strings.Contains(line, "G91")
	if f, ok := word(line, 'F'); ok {
		s.feed = f
	}
	if v, ok := word(line, 'S'); ok {
		s.spindle = v
	}
	for i, a := range []byte{'X', 'Y', 'Z'} {
		v, ok := word(line, a)
		if !ok {
			continue
		}
		if relative {
			s.mpos[i] += v
		} else {
			s.mpos[i] = v + s.wco[i]
		}
	}
	if probe {
		// contact half way down the commanded travel
		s.mpos[2] = float64(int(s.mpos[2]*500)) / 1000
	}
}

// word extracts the value of the first axis word a in line.
func word(line string, a byte) (float64, bool) {
	i := strings.IndexByte(line, a)
	if i < 0 {
		return 0, false
	}
	j := i + 1
	for j < len(line) && strings.IndexByte("+-.0123456789", line[j]) >= 0 {
		j++
	}
	v, err := strconv.ParseFloat(line[i+1:j], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
