// Package config loads node configuration. Files are HuJSON, so comments and
// trailing commas are allowed.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
)

type Config struct {
	LogLevel   string           `json:"log_level"`
	Controller ControllerConfig `json:"controller"`
	Target     TargetConfig     `json:"target"`
}

type ControllerConfig struct {
	NodeID           string      `json:"node_id"`
	ListenAddr       string      `json:"listen_addr"`
	HTTPAddr         string      `json:"http_addr"`
	TargetPort       int         `json:"target_port"`
	RequestTimeoutMS int         `json:"request_timeout_ms"`
	Retry            RetryConfig `json:"retry"`
	Store            StoreConfig `json:"store"`
}

type RetryConfig struct {
	// Attempts is the total tries per call; 1 disables retries.
	Attempts  int `json:"attempts"`
	BackoffMS int `json:"backoff_ms"`
}

type StoreConfig struct {
	RedisAddr string `json:"redis_addr"`
	RedisKey  string `json:"redis_key"`
}

// TargetConfig configures a target node. MetricsAddr, when set, serves the
// target's /metrics endpoint.
type TargetConfig struct {
	NodeID                  string          `json:"node_id"`
	ListenAddr              string          `json:"listen_addr"`
	ControllerAddr          string          `json:"controller_addr"`
	MetricsAddr             string          `json:"metrics_addr"`
	HitValue                int             `json:"hit_value"`
	PollIntervalMS          int             `json:"poll_interval_ms"`
	QueueSize               int             `json:"queue_size"`
	RegisterIntervalSeconds int             `json:"register_interval_seconds"`
	RegisterAttempts        int             `json:"register_attempts"`
	WiFi                    WiFiConfig      `json:"wifi"`
	Simulator               SimulatorConfig `json:"simulator"`
}

type WiFiConfig struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// SimulatorConfig drives the simulated peripheral.
type SimulatorConfig struct {
	TravelMS   int `json:"travel_ms"`
	HitAfterMS int `json:"hit_after_ms"`
}

func Default() Config {
	hostname, _ := os.Hostname()
	cfg := Config{
		LogLevel: "info",
		Controller: ControllerConfig{
			NodeID:           "controller",
			ListenAddr:       ":8080",
			HTTPAddr:         ":8081",
			TargetPort:       8080,
			RequestTimeoutMS: 3000,
			Retry:            RetryConfig{Attempts: 1, BackoffMS: 100},
			Store:            StoreConfig{RedisAddr: os.Getenv("SNYPER_REDIS_ADDR")},
		},
		Target: TargetConfig{
			NodeID:                  hostname,
			ListenAddr:              ":8080",
			ControllerAddr:          os.Getenv("SNYPER_CONTROLLER_ADDR"),
			HitValue:                10,
			PollIntervalMS:          10,
			QueueSize:               16,
			RegisterIntervalSeconds: 5,
		},
	}
	if id := os.Getenv("SNYPER_NODE_ID"); id != "" {
		cfg.Target.NodeID = id
	}
	if cfg.Target.NodeID == "" {
		cfg.Target.NodeID = "target"
	}
	return cfg
}

// Load overlays the file at path on Default. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}
	if err := Parse(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes HuJSON content over cfg and fills zero values with defaults.
func Parse(content []byte, cfg *Config) error {
	standard, err := hujson.Standardize(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(standard, cfg); err != nil {
		return err
	}
	cfg.fillDefaults()
	return nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	ctl := &c.Controller
	if ctl.NodeID == "" {
		ctl.NodeID = def.Controller.NodeID
	}
	if ctl.ListenAddr == "" {
		ctl.ListenAddr = def.Controller.ListenAddr
	}
	if ctl.HTTPAddr == "" {
		ctl.HTTPAddr = def.Controller.HTTPAddr
	}
	if ctl.TargetPort <= 0 {
		ctl.TargetPort = def.Controller.TargetPort
	}
	if ctl.RequestTimeoutMS <= 0 {
		ctl.RequestTimeoutMS = def.Controller.RequestTimeoutMS
	}
	if ctl.Retry.Attempts <= 0 {
		ctl.Retry.Attempts = 1
	}
	if ctl.Retry.BackoffMS < 0 {
		ctl.Retry.BackoffMS = 0
	}

	tgt := &c.Target
	if tgt.NodeID == "" {
		tgt.NodeID = def.Target.NodeID
	}
	if tgt.ListenAddr == "" {
		tgt.ListenAddr = def.Target.ListenAddr
	}
	if tgt.HitValue <= 0 {
		tgt.HitValue = def.Target.HitValue
	}
	if tgt.PollIntervalMS <= 0 {
		tgt.PollIntervalMS = def.Target.PollIntervalMS
	}
	if tgt.QueueSize <= 0 {
		tgt.QueueSize = def.Target.QueueSize
	}
	if tgt.RegisterIntervalSeconds <= 0 {
		tgt.RegisterIntervalSeconds = def.Target.RegisterIntervalSeconds
	}
	if tgt.RegisterAttempts < 0 {
		tgt.RegisterAttempts = 0
	}
}

func (c ControllerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMS) * time.Millisecond
}

func (t TargetConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

func (t TargetConfig) RegisterInterval() time.Duration {
	return time.Duration(t.RegisterIntervalSeconds) * time.Second
}

// Port returns the port of ListenAddr, or 0 when it has none.
func (t TargetConfig) Port() int {
	_, portStr, err := net.SplitHostPort(t.ListenAddr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
