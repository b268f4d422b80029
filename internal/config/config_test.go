package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Controller.Baud != 115200 || cfg.Controller.Firmware != "GRBL" || !cfg.Controller.StopOnError {
		t.Fatalf("unexpected defaults %+v", cfg.Controller)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "cnc.yaml", `
controller:
  port: /dev/ttyACM0
  firmware: SMOOTHIE
  buffer_size: 64
  suppress_bare_alarm: true
job_log:
  enabled: true
  path: /tmp/jobs
`)
	cfg, err := Load(p, zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c := cfg.Controller
	if c.Port != "/dev/ttyACM0" || c.Firmware != "SMOOTHIE" || c.BufferSize != 64 {
		t.Fatalf("yaml not applied: %+v", c)
	}
	if c.SuppressBareAlarm == nil || !*c.SuppressBareAlarm {
		t.Fatalf("suppress_bare_alarm not set")
	}
	if c.Baud != 115200 {
		t.Fatalf("unset field lost its default: %d", c.Baud)
	}
	if !cfg.JobLog.Enabled || cfg.JobLog.Path != "/tmp/jobs" {
		t.Fatalf("job log section not applied: %+v", cfg.JobLog)
	}
}

func TestLoadTOML(t *testing.T) {
	p := write(t, t.TempDir(), "cnc.toml", `
[controller]
port = "sim"
baud = 250000
poll_interval_ms = 50

[server]
listen_addr = ":9090"
`)
	cfg, err := Load(p, zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Controller.Port != "sim" || cfg.Controller.Baud != 250000 || cfg.Server.ListenAddr != ":9090" {
		t.Fatalf("toml not applied: %+v %+v", cfg.Controller, cfg.Server)
	}
	if got := cfg.Sender().PollInterval; got != 50*time.Millisecond {
		t.Fatalf("poll interval %v", got)
	}
}

func TestLoadMalformed(t *testing.T) {
	p := write(t, t.TempDir(), "bad.yaml", "controller: [unclosed")
	if _, err := Load(p, zerolog.Nop()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvOverridesAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "cnc.yaml", "controller:\n  port: /dev/ttyUSB0\n")
	write(t, dir, ".env", "# comment\nCNC_FIRMWARE='GRBL0'\nCNC_BAUD=57600\n")
	t.Setenv("CNC_PORT", "/dev/ttyS3")
	t.Setenv("CNC_BAUD", "")
	t.Setenv("CNC_FIRMWARE", "")
	t.Setenv("JOBLOG_ENABLED", "yes")

	cfg, err := Load(p, zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c := cfg.Controller
	if c.Port != "/dev/ttyS3" || c.Firmware != "GRBL0" || c.Baud != 57600 || !cfg.JobLog.Enabled {
		t.Fatalf("env not applied: %+v enabled=%v", c, cfg.JobLog.Enabled)
	}
}

func TestToJSON(t *testing.T) {
	data, err := Default().ToJSON()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var m map[string]map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["controller"]["firmware"] != "GRBL" || m["server"]["listenAddr"] != ":8080" {
		t.Fatalf("unexpected json %s", data)
	}
}
