package recorder

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/sender"
)

func readAll(t *testing.T, dir string) [][][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "cncstream_*.csv"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	sort.Strings(files)
	var out [][][]string
	for _, p := range files {
		f, err := os.Open(p)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		out = append(out, rows)
	}
	return out
}

func snapshot() machine.Snapshot {
	return machine.Snapshot{
		State:     machine.Run,
		Pos:       machine.Position{M: machine.Vec3{X: 10, Y: 5, Z: -1}, W: machine.Vec3{X: 0, Y: 5, Z: -1}},
		Feed:      800,
		Overrides: machine.DefaultOverrides(),
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Path: dir}, zerolog.Nop())
	r.Handle(sender.Message{Text: "hello"}, snapshot())
	r.Close()
	if files := readAll(t, dir); len(files) != 0 {
		t.Fatalf("disabled recorder wrote %d files", len(files))
	}
}

func TestRowsAndThrottle(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, IntervalMs: 60_000}, zerolog.Nop())
	snap := snapshot()

	r.Handle(sender.JobProgress{Sent: 3, Acked: 2, Total: 10}, snap)
	r.Handle(sender.PositionUpdated{Pos: snap.Pos}, snap)
	r.Handle(sender.PositionUpdated{Pos: snap.Pos}, snap) // inside the interval
	r.Handle(sender.StateChanged{Old: machine.Idle, New: machine.Run}, snap)
	r.Handle(sender.JobFinished{Aborted: true, Err: errors.New("boom")}, snap)
	r.Close()

	files := readAll(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected one file, got %d", len(files))
	}
	rows := files[0]
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d: %v", len(rows), rows)
	}
	pos := rows[1]
	if pos[1] != "position" || pos[2] != "Run" || pos[4] != "10.000" || pos[15] != "3" || pos[17] != "10" {
		t.Fatalf("unexpected position row %v", pos)
	}
	if rows[2][1] != "state" || rows[2][18] != "Idle->Run" {
		t.Fatalf("unexpected state row %v", rows[2])
	}
	if rows[3][1] != "job" || rows[3][18] != "aborted: boom" {
		t.Fatalf("unexpected job row %v", rows[3])
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, MaxRows: 2}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		r.Handle(sender.Message{Text: "m"}, snapshot())
	}
	r.Close()
	files := readAll(t, dir)
	if len(files) != 3 {
		t.Fatalf("expected 3 files after rotation, got %d", len(files))
	}
	if len(files[0]) != 3 || files[0][0][0] != "timestamp" {
		t.Fatalf("first file should hold header + 2 rows: %v", files[0])
	}
}
