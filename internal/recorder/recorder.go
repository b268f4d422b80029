// Package recorder writes a CSV trail of machine position, state changes
// and job progress, rotating files by row count.
package recorder

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/sender"
)

// Recorder records timestamped machine snapshots to CSV files with automatic rotation.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	log      zerolog.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int

	progress sender.JobProgress
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool
	Path       string
	IntervalMs int
	// MaxRows rotates the file after this many rows; 0 uses the default.
	MaxRows int
}

const (
	defaultMaxRows = 100_000 // ~7 hrs of position rows at 4 Hz
)

var csvHeader = []string{
	"timestamp", "event", "state", "alarm",
	"mpos_x", "mpos_y", "mpos_z", "wpos_x", "wpos_y", "wpos_z",
	"feed", "spindle", "ov_feed", "ov_rapid", "ov_spindle",
	"sent", "acked", "total", "detail",
}

// New creates a new Recorder.
func New(cfg Config, log zerolog.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/cncstream"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  cfg.MaxRows,
		log:      log.With().Str("component", "recorder").Logger(),
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Run records events until ctx is done or events is closed. snapshot is
// called for every row so each row carries the full machine state.
func (r *Recorder) Run(ctx context.Context, events <-chan sender.Event, snapshot func() machine.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ev, snapshot())
		}
	}
}

// Handle records one event. Position updates are rate limited to the
// configured interval; everything else is written immediately.
func (r *Recorder) Handle(ev sender.Event, snap machine.Snapshot) {
	now := time.Now()
	switch e := ev.(type) {
	case sender.PositionUpdated:
		r.record(now, "position", "", snap, true)
	case sender.StateChanged:
		detail := e.Old.String() + "->" + e.New.String()
		r.record(now, "state", detail, snap, false)
	case sender.JobProgress:
		r.mu.Lock()
		r.progress = e
		r.mu.Unlock()
	case sender.JobFinished:
		detail := "done"
		if e.Aborted {
			detail = fmt.Sprintf("aborted: %v", e.Err)
		}
		r.record(now, "job", detail, snap, false)
	case sender.ProbeUpdated:
		if n := len(e.Probes); n > 0 {
			p := e.Probes[n-1]
			r.record(now, "probe", fmt.Sprintf("%.3f,%.3f,%.3f", p.X, p.Y, p.Z), snap, false)
		}
	case sender.Message:
		r.record(now, "message", e.Text, snap, false)
	case sender.Disconnected:
		detail := ""
		if e.Err != nil {
			detail = e.Err.Error()
		}
		r.record(now, "disconnected", detail, snap, false)
	}
}

func (r *Recorder) record(now time.Time, event, detail string, snap machine.Snapshot, throttle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if throttle {
		if now.Sub(r.lastTs) < r.interval {
			return
		}
		r.lastTs = now
	}

	// Open/rotate file if needed
	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			r.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	row := r.buildRow(now, event, detail, snap)
	if err := r.writer.Write(row); err != nil {
		r.log.Error().Err(err).Msg("write failed")
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
	}

	// nanoseconds keep names unique when a file fills within a second
	filename := fmt.Sprintf("cncstream_%s_%09d.csv", now.Format("2006-01-02_150405"), now.Nanosecond())
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info().Str("path", path).Msg("opened")
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *Recorder) buildRow(ts time.Time, event, detail string, s machine.Snapshot) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	return []string{
		ts.Format(time.RFC3339Nano),
		event,
		s.State.String(),
		strconv.Itoa(s.AlarmCode),
		f(s.Pos.M.X), f(s.Pos.M.Y), f(s.Pos.M.Z),
		f(s.Pos.W.X), f(s.Pos.W.Y), f(s.Pos.W.Z),
		f(s.Feed), f(s.Spindle),
		strconv.Itoa(s.Overrides.Feed.Current),
		strconv.Itoa(s.Overrides.Rapid.Current),
		strconv.Itoa(s.Overrides.Spindle.Current),
		strconv.Itoa(r.progress.Sent),
		strconv.Itoa(r.progress.Acked),
		strconv.Itoa(r.progress.Total),
		detail,
	}
}
