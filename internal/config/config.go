// Package config loads the cncstream configuration from YAML or TOML, a
// .env file and the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/cncstream/internal/sender"
)

// Config holds all cncstream configuration.
type Config struct {
	mu sync.RWMutex

	Controller ControllerConfig `yaml:"controller" toml:"controller" json:"controller"`
	JobLog     JobLogConfig     `yaml:"job_log" toml:"job_log" json:"jobLog"`
	Server     ServerConfig     `yaml:"server" toml:"server" json:"server"`
	Log        LogConfig        `yaml:"log" toml:"log" json:"log"`

	path string
}

type ControllerConfig struct {
	Port     string `yaml:"port" toml:"port" json:"port"` // e.g. /dev/ttyUSB0, "sim" for the simulator
	Baud     int    `yaml:"baud" toml:"baud" json:"baud"`
	Firmware string `yaml:"firmware" toml:"firmware" json:"firmware"` // GRBL, GRBL0, GRBL1, SMOOTHIE, G2CORE
	// BufferSize overrides the firmware's receive buffer size when > 0.
	BufferSize      int     `yaml:"buffer_size" toml:"buffer_size" json:"bufferSize"`
	PollIntervalMs  int     `yaml:"poll_interval_ms" toml:"poll_interval_ms" json:"pollIntervalMs"`
	GStateIntervalS int     `yaml:"gstate_interval_s" toml:"gstate_interval_s" json:"gstateIntervalS"`
	ReadTimeoutMs   int     `yaml:"read_timeout_ms" toml:"read_timeout_ms" json:"readTimeoutMs"`
	Digits          int     `yaml:"digits" toml:"digits" json:"digits"`
	StopOnError     bool    `yaml:"stop_on_error" toml:"stop_on_error" json:"stopOnError"`
	JogFeed         float64 `yaml:"jog_feed" toml:"jog_feed" json:"jogFeed"`
	// SuppressBareAlarm forces the alarm precedence rule; unset uses the
	// firmware default.
	SuppressBareAlarm *bool `yaml:"suppress_bare_alarm" toml:"suppress_bare_alarm" json:"suppressBareAlarm,omitempty"`
}

type JobLogConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path     string `yaml:"path" toml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" toml:"interval_ms" json:"intervalMs"` // ms between position rows
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level" json:"level"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			Port:            "/dev/ttyUSB0",
			Baud:            115200,
			Firmware:        "GRBL",
			PollIntervalMs:  200,
			GStateIntervalS: 10,
			ReadTimeoutMs:   100,
			Digits:          3,
			StopOnError:     true,
			JogFeed:         500,
		},
		JobLog: JobLogConfig{
			Enabled:  false,
			Path:     "/var/log/cncstream",
			Interval: 250,
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from a YAML or TOML file (chosen by extension), then
// applies .env and environment variable overrides. A missing file leaves
// the defaults in place; a malformed one is an error.
func Load(path string, log zerolog.Logger) (*Config, error) {
	log = log.With().Str("component", "config").Logger()
	cfg := Default()
	cfg.path = path

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Info().Str("path", path).Msg("no config file, using defaults")
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := cfg.decode(path, data); err != nil {
				return nil, err
			}
			log.Info().Str("path", path).Msg("loaded")
		}
	}

	envPaths := []string{".env"}
	if path != "" {
		envPaths = append([]string{filepath.Join(filepath.Dir(path), ".env")}, envPaths...)
	}
	for _, ep := range envPaths {
		if loadEnvFile(ep) {
			log.Info().Str("path", ep).Msg("loaded .env")
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return nil
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// The real environment takes precedence.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CNC_PORT, CNC_BAUD, CNC_FIRMWARE, CNC_BUFFER_SIZE,
// CNC_STOP_ON_ERROR, LISTEN_ADDR, CNCSTREAM_LOG_LEVEL, JOBLOG_ENABLED,
// JOBLOG_PATH, JOBLOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CNC_PORT"); v != "" {
		c.Controller.Port = v
	}
	if v := os.Getenv("CNC_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Controller.Baud = n
		}
	}
	if v := os.Getenv("CNC_FIRMWARE"); v != "" {
		c.Controller.Firmware = v
	}
	if v := os.Getenv("CNC_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Controller.BufferSize = n
		}
	}
	if v := os.Getenv("CNC_STOP_ON_ERROR"); v != "" {
		c.Controller.StopOnError = truthy(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CNCSTREAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("JOBLOG_ENABLED"); v != "" {
		c.JobLog.Enabled = truthy(v)
	}
	if v := os.Getenv("JOBLOG_PATH"); v != "" {
		c.JobLog.Path = v
	}
	if v := os.Getenv("JOBLOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.JobLog.Interval = n
		}
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Sender converts the controller section into sender settings.
func (c *Config) Sender() sender.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cc := c.Controller
	return sender.Config{
		Firmware:          cc.Firmware,
		BufferSize:        cc.BufferSize,
		PollInterval:      time.Duration(cc.PollIntervalMs) * time.Millisecond,
		ModalInterval:     time.Duration(cc.GStateIntervalS) * time.Second,
		ReadTimeout:       time.Duration(cc.ReadTimeoutMs) * time.Millisecond,
		Digits:            cc.Digits,
		StopOnError:       cc.StopOnError,
		SuppressBareAlarm: cc.SuppressBareAlarm,
		JogFeed:           cc.JogFeed,
	}
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
