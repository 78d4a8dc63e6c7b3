package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's YAML configuration. Connection settings fall back
// to environment variables so the file can stay checked in without secrets.
type Config struct {
	DisplayName string `yaml:"display_name"`
	// IdentityFile persists the participant id across restarts; a fresh id is
	// generated and written on first run.
	IdentityFile string `yaml:"identity_file"`

	Store struct {
		URL    string `yaml:"url"`
		Bucket string `yaml:"bucket"`
	} `yaml:"store"`

	Session struct {
		CountdownSeconds  int   `yaml:"countdown_seconds"`
		Countdown2Seconds int   `yaml:"countdown2_seconds"`
		Milestones        []int `yaml:"milestones"`
		Milestones2       []int `yaml:"milestones2"`
	} `yaml:"session"`

	Gesture struct {
		ListenAddr          string   `yaml:"listen_addr"`
		AllowedOrigins      []string `yaml:"allowed_origins"`
		VisibilityThreshold float64  `yaml:"visibility_threshold"`
		HoldSeconds         int      `yaml:"calibration_hold_seconds"`
	} `yaml:"gesture"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.DisplayName = getEnv("TANDEM_DISPLAY_NAME", "anonymous")
	cfg.IdentityFile = "tandem-identity"
	cfg.Store.URL = getEnv("NATS_URL", nats.DefaultURL)
	cfg.Store.Bucket = "tandem"
	cfg.Session.CountdownSeconds = 60
	cfg.Session.Countdown2Seconds = 30
	cfg.Session.Milestones = []int{50, 40, 30, 20, 10, 3}
	cfg.Session.Milestones2 = []int{20, 10, 3}
	cfg.Gesture.ListenAddr = getEnv("TANDEM_GESTURE_ADDR", ":8090")
	cfg.Gesture.VisibilityThreshold = 0.6
	cfg.Gesture.HoldSeconds = 2
	return cfg
}

// loadConfig reads path over the defaults; a missing file keeps defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) countdownDuration() time.Duration {
	return time.Duration(c.Session.CountdownSeconds) * time.Second
}

func (c Config) countdown2Duration() time.Duration {
	return time.Duration(c.Session.Countdown2Seconds) * time.Second
}

func (c Config) calibrationHold() time.Duration {
	return time.Duration(c.Gesture.HoldSeconds) * time.Second
}

// loadIdentity returns the persisted participant id, creating one on first
// run so the same machine keeps a stable identity across restarts.
func loadIdentity(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}

	id := uuid.NewString()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
