package testsupport

import (
	"path/filepath"
	"testing"

	"routinesync/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfgVal.Agent.Bind = "127.0.0.1:0"
	cfgVal.Connectivity.ProbeURL = cfgVal.Backend.BaseURL + "/"
	cfgVal.Connectivity.Netlink = false
	cfgVal.Push.Enabled = false
	cfgVal.Push.OpenCommand = ""
	cfgVal.Sync.IntervalSeconds = 0
	cfgVal.Sync.DrainOnStart = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithBackendURL points backend calls and the connectivity probe at url.
func WithBackendURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Backend.BaseURL = url
		b.cfg.Connectivity.ProbeURL = url + "/"
	}
}

// WithOrigin sets the app shell origin used by the cache manager.
func WithOrigin(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cache.Origin = url
	}
}

// WithSession sets the fallback session identity.
func WithSession(userID, token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Session.UserID = userID
		b.cfg.Session.Token = token
	}
}

// WithMaxAttempts enables dead-lettering after n failed deliveries.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Outbox.MaxAttempts = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
