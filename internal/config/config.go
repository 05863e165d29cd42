// Package config defines monitor configuration: which strategy to use,
// how to reach the execution server, and how to spawn a local worker.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind selects the monitoring strategy.
type Kind string

const (
	// KindNetwork monitors a task through a channel to a remote execution server.
	KindNetwork Kind = "network"
	// KindSubprocess monitors a locally spawned worker process.
	KindSubprocess Kind = "subprocess"
)

// MonitorConfig is the tagged union supplied to the unified monitor.
// Exactly the options matching Kind must be present.
type MonitorConfig struct {
	Kind               Kind               `yaml:"kind"`
	Network            *NetworkOptions    `yaml:"network,omitempty"`
	Subprocess         *SubprocessOptions `yaml:"subprocess,omitempty"`
	EnableFallback     bool               `yaml:"enable_fallback"`
	FallbackSubprocess *SubprocessOptions `yaml:"fallback_subprocess,omitempty"`

	LogLevel   string `yaml:"log_level"`
	HistoryDir string `yaml:"history_dir"` // Directory for run history storage
}

// NetworkOptions configures the network session monitor.
type NetworkOptions struct {
	URL                  string        `yaml:"url"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	Token                string        `yaml:"token,omitempty"`        // Access token, if the server requires one
	InsecureTLS          bool          `yaml:"insecure_tls,omitempty"` // Skip TLS verification (self-signed dev servers)
}

// SubprocessOptions configures the subprocess monitor.
type SubprocessOptions struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"` // Absolute execution timeout; zero disables
}

// Defaults
const (
	DefaultConnectTimeout       = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = time.Second
	DefaultLogLevel             = "info"
)

// NewNetworkConfig returns a network-only config for the given server URL.
func NewNetworkConfig(serverURL string) *MonitorConfig {
	cfg := &MonitorConfig{
		Kind:    KindNetwork,
		Network: &NetworkOptions{URL: serverURL},
	}
	cfg.applyDefaults()
	return cfg
}

// NewSubprocessConfig returns a subprocess-only config for the given command.
func NewSubprocessConfig(command string, args ...string) *MonitorConfig {
	cfg := &MonitorConfig{
		Kind:       KindSubprocess,
		Subprocess: &SubprocessOptions{Command: command, Args: args},
	}
	cfg.applyDefaults()
	return cfg
}

// NewHybridConfig returns a network config that falls back to spawning the
// given command when the server cannot be reached.
func NewHybridConfig(serverURL, command string, args ...string) *MonitorConfig {
	cfg := &MonitorConfig{
		Kind:               KindNetwork,
		Network:            &NetworkOptions{URL: serverURL},
		EnableFallback:     true,
		FallbackSubprocess: &SubprocessOptions{Command: command, Args: args},
	}
	cfg.applyDefaults()
	return cfg
}

// Parse parses YAML config data, applies defaults, and validates.
func Parse(data []byte) (*MonitorConfig, error) {
	cfg := &MonitorConfig{LogLevel: DefaultLogLevel}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads config from a file path.
func Load(path string) (*MonitorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// applyDefaults fills zero-valued fields with package defaults.
func (c *MonitorConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.HistoryDir == "" {
		c.HistoryDir = DefaultHistoryPath()
	}
	if c.Network != nil {
		if c.Network.ConnectTimeout == 0 {
			c.Network.ConnectTimeout = DefaultConnectTimeout
		}
		if c.Network.MaxReconnectAttempts == 0 {
			c.Network.MaxReconnectAttempts = DefaultMaxReconnectAttempts
		}
		if c.Network.ReconnectDelay == 0 {
			c.Network.ReconnectDelay = DefaultReconnectDelay
		}
	}
}

// Validate checks the union shape and option values.
func (c *MonitorConfig) Validate() error {
	switch c.Kind {
	case KindNetwork:
		if c.Network == nil {
			return fmt.Errorf("kind network requires network options")
		}
		if err := c.Network.validate(); err != nil {
			return err
		}
		if c.EnableFallback && c.FallbackSubprocess == nil {
			return fmt.Errorf("enable_fallback requires fallback_subprocess options")
		}
		if c.FallbackSubprocess != nil {
			if err := c.FallbackSubprocess.validate(); err != nil {
				return fmt.Errorf("fallback_subprocess: %w", err)
			}
		}
	case KindSubprocess:
		if c.Subprocess == nil {
			return fmt.Errorf("kind subprocess requires subprocess options")
		}
		if c.EnableFallback {
			return fmt.Errorf("subprocess is the fallback path; enable_fallback is not valid for kind subprocess")
		}
		if err := c.Subprocess.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("kind must be network or subprocess, got %q", c.Kind)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}

func (n *NetworkOptions) validate() error {
	if n.URL == "" {
		return fmt.Errorf("network url is required")
	}
	u, err := url.Parse(n.URL)
	if err != nil {
		return fmt.Errorf("network url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("network url scheme must be ws, wss, http, or https, got %q", u.Scheme)
	}
	if n.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative, got %v", n.ConnectTimeout)
	}
	if n.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative, got %d", n.MaxReconnectAttempts)
	}
	if n.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay must not be negative, got %v", n.ReconnectDelay)
	}
	return nil
}

func (s *SubprocessOptions) validate() error {
	if s.Command == "" {
		return fmt.Errorf("subprocess command is required")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("subprocess timeout must not be negative, got %v", s.Timeout)
	}
	return nil
}

// DefaultHistoryPath returns the default run history directory.
// Uses OVERSEER_ROOT env var if set, otherwise ~/.overseer/history
func DefaultHistoryPath() string {
	root := os.Getenv("OVERSEER_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		root = filepath.Join(home, ".overseer")
	}
	return filepath.Join(root, "history")
}
