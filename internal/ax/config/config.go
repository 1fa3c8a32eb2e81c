// Package config loads and validates the host's YAML configuration file
// and layers environment-variable overrides on top of it.
//
// Grounded on the teacher's common/spec/gosuto package: a typed struct
// decoded with gopkg.in/yaml.v3 paired with a hand-written Validate
// function (the teacher's own Gosuto config takes this same
// struct-plus-validator shape rather than a general-purpose JSON Schema
// document), plus common/environment's String/StringOr/IntOr/DurationOr/
// BoolOr helpers for the deployment knobs and secrets that belong in the
// environment rather than a checked-in file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ax-host/ax/common/environment"
	"github.com/ax-host/ax/internal/ax/taint"
)

// Config is the root of AX's on-disk YAML configuration.
type Config struct {
	Profile  string         `yaml:"profile"`
	DataDir  string         `yaml:"dataDir"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Session  SessionConfig  `yaml:"session"`
	Schedule ScheduleConfig `yaml:"schedule"`
	HTTP     HTTPConfig     `yaml:"http"`
	Channels ChannelsConfig `yaml:"channels,omitempty"`
}

// SandboxConfig selects and bounds the sandbox backend (spec 4.10).
type SandboxConfig struct {
	Backend    string `yaml:"backend"` // "docker" | "subprocess"
	Image      string `yaml:"image,omitempty"`
	TimeoutSec int    `yaml:"timeoutSec"`
	MemoryMB   int    `yaml:"memoryMB"`
	Command    []string `yaml:"command"`
}

// UpstreamConfig configures the credential-injecting proxy (spec 4.11).
type UpstreamConfig struct {
	URL         string `yaml:"url"`
	Mode        string `yaml:"mode"` // "key" | "oauth"
	EnvPath     string `yaml:"envPath,omitempty"`
	ContextSize int    `yaml:"contextWindow"`
}

// SessionConfig bounds history/compaction/thread behaviour (spec 4.13).
type SessionConfig struct {
	MaxTurns           int `yaml:"maxTurns"`
	ThreadContextTurns int `yaml:"threadContextTurns"`
}

// ScheduleConfig configures the scheduler (spec 4.12).
type ScheduleConfig struct {
	HeartbeatEveryMin int     `yaml:"heartbeatEveryMin"`
	ActiveHoursStart  int     `yaml:"activeHoursStart"`
	ActiveHoursEnd    int     `yaml:"activeHoursEnd"`
	TimeZone          string  `yaml:"timeZone"`
	HintThreshold     float64 `yaml:"hintThreshold"`
	HintCooldownSec   int     `yaml:"hintCooldownSec"`
	HintTokenBudget   int     `yaml:"hintTokenBudget"`
}

// HTTPConfig binds the local HTTP/SSE channel + external chat API
// (spec 6 "HTTP API (Unix-domain socket)").
type HTTPConfig struct {
	SocketPath string `yaml:"socketPath"`
}

// ChannelsConfig lists chat-provider channels to start alongside the
// local HTTP channel. Matrix is the one adapter this spec names as an
// external collaborator (spec 1 "Out of scope"); its config is carried
// here only as the thin connection parameters C8 needs.
type ChannelsConfig struct {
	Matrix *MatrixConfig `yaml:"matrix,omitempty"`
}

// MatrixConfig holds the minimal connection parameters the Matrix
// channel adapter needs. AccessToken is always sourced from the
// environment, never this file (see Load's override step).
type MatrixConfig struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"userId"`
	AdminRooms  []string `yaml:"adminRooms,omitempty"`
	AccessToken string   `yaml:"-"`
}

// Load reads path, decodes it as YAML, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides layers deployment knobs and secrets from the
// environment on top of whatever the YAML file set, following the
// teacher's pattern of keeping credentials out of checked-in config.
func applyEnvOverrides(cfg *Config) {
	cfg.Profile = environment.StringOr("AX_PROFILE", cfg.Profile)
	cfg.DataDir = environment.StringOr("AX_DATA_DIR", cfg.DataDir)
	cfg.Sandbox.Backend = environment.StringOr("AX_SANDBOX_BACKEND", cfg.Sandbox.Backend)
	cfg.Sandbox.Image = environment.StringOr("AX_SANDBOX_IMAGE", cfg.Sandbox.Image)
	cfg.Sandbox.TimeoutSec = environment.IntOr("AX_SANDBOX_TIMEOUT_SEC", cfg.Sandbox.TimeoutSec)
	cfg.Sandbox.MemoryMB = environment.IntOr("AX_SANDBOX_MEMORY_MB", cfg.Sandbox.MemoryMB)
	cfg.Upstream.URL = environment.StringOr("AX_UPSTREAM_URL", cfg.Upstream.URL)
	cfg.Upstream.Mode = environment.StringOr("AX_UPSTREAM_MODE", cfg.Upstream.Mode)
	cfg.HTTP.SocketPath = environment.StringOr("AX_HTTP_SOCKET", cfg.HTTP.SocketPath)

	if cfg.Channels.Matrix != nil {
		cfg.Channels.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", cfg.Channels.Matrix.Homeserver)
		cfg.Channels.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", cfg.Channels.Matrix.UserID)
		cfg.Channels.Matrix.AdminRooms = environment.StringSliceOr("MATRIX_ADMIN_ROOMS", cfg.Channels.Matrix.AdminRooms)
		cfg.Channels.Matrix.AccessToken, _ = environment.String("MATRIX_ACCESS_TOKEN")
	}
}

// Validate checks cfg for structural correctness, matching the style of
// common/spec/gosuto.Validate: one descriptive error on the first problem
// found, no accumulation.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}
	if _, ok := taint.Thresholds[taint.Profile(cfg.Profile)]; !ok {
		return fmt.Errorf("profile must be one of paranoid/balanced/yolo, got %q", cfg.Profile)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	switch cfg.Sandbox.Backend {
	case "docker", "subprocess":
	default:
		return fmt.Errorf("sandbox.backend must be docker or subprocess, got %q", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeoutSec must be positive")
	}
	if len(cfg.Sandbox.Command) == 0 {
		return fmt.Errorf("sandbox.command must not be empty")
	}
	switch cfg.Upstream.Mode {
	case "key", "oauth":
	default:
		return fmt.Errorf("upstream.mode must be key or oauth, got %q", cfg.Upstream.Mode)
	}
	if cfg.Session.MaxTurns <= 0 {
		return fmt.Errorf("session.maxTurns must be positive")
	}
	if strings.TrimSpace(cfg.HTTP.SocketPath) == "" {
		return fmt.Errorf("http.socketPath must not be empty")
	}
	if cfg.Schedule.TimeZone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.TimeZone); err != nil {
			return fmt.Errorf("schedule.timeZone: %w", err)
		}
	}
	return nil
}

// Default returns a Config populated with the same conservative defaults
// the `bootstrap` CLI subcommand writes to disk.
func Default() *Config {
	return &Config{
		Profile: "balanced",
		DataDir: "./data",
		Sandbox: SandboxConfig{
			Backend:    "subprocess",
			TimeoutSec: 120,
			MemoryMB:   512,
			Command:    []string{"ax-agent"},
		},
		Upstream: UpstreamConfig{
			URL:         "https://api.anthropic.com/v1/messages",
			Mode:        "key",
			ContextSize: 200000,
		},
		Session: SessionConfig{
			MaxTurns:           50,
			ThreadContextTurns: 6,
		},
		Schedule: ScheduleConfig{
			HeartbeatEveryMin: 60,
			ActiveHoursStart:  8,
			ActiveHoursEnd:    22,
			TimeZone:          "UTC",
			HintThreshold:     0.6,
			HintCooldownSec:   3600,
			HintTokenBudget:   2000,
		},
		HTTP: HTTPConfig{
			SocketPath: "./data/ax-http.sock",
		},
	}
}
