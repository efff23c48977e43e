package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
	DownloadDir string `toml:"download_dir"`
}

// Agent contains the local agent HTTP surface settings.
type Agent struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Backend describes the remote REST API.
type Backend struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Session holds fallback identity values used when no session file exists.
type Session struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

// Outbox contains persistence and retry settings for deferred writes.
type Outbox struct {
	DefaultKind        string            `toml:"default_kind"`
	Kinds              map[string]string `toml:"kinds"`
	DefaultTitle       string            `toml:"default_title"`
	DefaultWeekdays    []string          `toml:"default_weekdays"`
	MaxAttempts        int               `toml:"max_attempts"`
	BackoffBaseSeconds int               `toml:"backoff_base_seconds"`
	BackoffMaxSeconds  int               `toml:"backoff_max_seconds"`
}

// Sync contains trigger settings for outbox drains.
type Sync struct {
	Tag             string `toml:"tag"`
	IntervalSeconds int    `toml:"interval_seconds"`
	DrainOnStart    bool   `toml:"drain_on_start"`
}

// Connectivity contains online detection settings.
type Connectivity struct {
	ProbeURL             string `toml:"probe_url"`
	ProbeIntervalSeconds int    `toml:"probe_interval_seconds"`
	ProbeTimeoutSeconds  int    `toml:"probe_timeout_seconds"`
	Netlink              bool   `toml:"netlink"`
}

// Cache contains app shell cache settings.
type Cache struct {
	Version       string   `toml:"version"`
	ShellPrefix   string   `toml:"shell_prefix"`
	DynamicPrefix string   `toml:"dynamic_prefix"`
	Origin        string   `toml:"origin"`
	ShellAssets   []string `toml:"shell_assets"`
	FallbackPath  string   `toml:"fallback_path"`
	MaxEntryBytes int64    `toml:"max_entry_bytes"`
}

// Push contains push subscription settings.
type Push struct {
	Enabled              bool   `toml:"enabled"`
	Permission           string `toml:"permission"`
	ServerURL            string `toml:"server_url"`
	ApplicationServerKey string `toml:"application_server_key"`
	SubscriptionPath     string `toml:"subscription_path"`
	DefaultTitle         string `toml:"default_title"`
	DefaultBody          string `toml:"default_body"`
	Icon                 string `toml:"icon"`
	OpenCommand          string `toml:"open_command"`
}

// Notifications contains configuration for ntfy display of received pushes.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for routinesync.
//
// Configuration sections by subsystem:
//   - Paths: state, log, and download directories
//   - Agent: local HTTP bind address and API token
//   - Backend: REST API base URL and timeouts
//   - Session: fallback identity when no session file exists
//   - Outbox: kind mapping, payload defaults, retry backoff
//   - Sync: background sync tag and periodic interval
//   - Connectivity: probe target and netlink monitoring
//   - Cache: app shell cache generations and upstream origin
//   - Push: push subscription and notification defaults
//   - Notifications: ntfy display topic
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Agent         Agent         `toml:"agent"`
	Backend       Backend       `toml:"backend"`
	Session       Session       `toml:"session"`
	Outbox        Outbox        `toml:"outbox"`
	Sync          Sync          `toml:"sync"`
	Connectivity  Connectivity  `toml:"connectivity"`
	Cache         Cache         `toml:"cache"`
	Push          Push          `toml:"push"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/routinesync/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("routinesync.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for agent operation.
// The download directory is created on a best-effort basis.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.DownloadDir) != "" {
		_ = os.MkdirAll(c.Paths.DownloadDir, 0o755)
	}
	return nil
}

// OutboxPath returns the location of the outbox database.
func (c *Config) OutboxPath() string {
	return filepath.Join(c.Paths.StateDir, "outbox.db")
}

// CachePath returns the location of the app shell cache database.
func (c *Config) CachePath() string {
	return filepath.Join(c.Paths.StateDir, "cache.db")
}

// SessionPath returns the location of the persisted session file.
func (c *Config) SessionPath() string {
	return filepath.Join(c.Paths.StateDir, "session.toml")
}

// SubscriptionPath returns the location of the persisted push subscription.
func (c *Config) SubscriptionPath() string {
	return filepath.Join(c.Paths.StateDir, "push_subscription.json")
}

// LockPath returns the agent single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "agent.lock")
}

// ShellCacheName returns the current shell cache generation name.
func (c *Config) ShellCacheName() string {
	return c.Cache.ShellPrefix + "_" + c.Cache.Version
}

// DynamicCacheName returns the current runtime cache generation name.
func (c *Config) DynamicCacheName() string {
	return c.Cache.DynamicPrefix + "_" + c.Cache.Version
}

// BackendTimeout returns the per-request timeout for backend calls.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// SyncInterval returns the periodic drain interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// ProbeInterval returns the connectivity probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Connectivity.ProbeIntervalSeconds) * time.Second
}

// ProbeTimeout returns the connectivity probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Connectivity.ProbeTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay after a failed delivery.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Outbox.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay ceiling.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Outbox.BackoffMaxSeconds) * time.Second
}

// ExpandPath expands a user path, resolving tilde prefixes and returning an absolute path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
