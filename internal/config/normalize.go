package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAgent()
	c.normalizeBackend()
	c.normalizeSession()
	c.normalizeOutbox()
	c.normalizeSync()
	c.normalizeConnectivity()
	c.normalizeCache()
	c.normalizePush()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		c.Paths.DownloadDir = defaultDownloadDir
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAgent() {
	c.Agent.Bind = strings.TrimSpace(c.Agent.Bind)
	if c.Agent.Bind == "" {
		c.Agent.Bind = defaultAgentBind
	}
	if c.Agent.Token == "" {
		if value, ok := os.LookupEnv("ROUTINESYNC_AGENT_TOKEN"); ok {
			c.Agent.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeBackend() {
	if value, ok := os.LookupEnv("ROUTINESYNC_BACKEND_URL"); ok && strings.TrimSpace(value) != "" {
		c.Backend.BaseURL = value
	}
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = defaultBackendURL
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = defaultBackendTimeout
	}
}

func (c *Config) normalizeSession() {
	c.Session.UserID = strings.TrimSpace(c.Session.UserID)
	c.Session.Token = strings.TrimSpace(c.Session.Token)
}

func (c *Config) normalizeOutbox() {
	c.Outbox.DefaultKind = strings.ToLower(strings.TrimSpace(c.Outbox.DefaultKind))
	if c.Outbox.DefaultKind == "" {
		c.Outbox.DefaultKind = defaultKind
	}
	kinds := make(map[string]string, len(c.Outbox.Kinds))
	for alias, endpoint := range c.Outbox.Kinds {
		alias = strings.ToLower(strings.TrimSpace(alias))
		endpoint = strings.ToLower(strings.TrimSpace(endpoint))
		if alias == "" {
			continue
		}
		kinds[alias] = endpoint
	}
	if _, ok := kinds[c.Outbox.DefaultKind]; !ok {
		kinds[c.Outbox.DefaultKind] = c.Outbox.DefaultKind
	}
	c.Outbox.Kinds = kinds
	if strings.TrimSpace(c.Outbox.DefaultTitle) == "" {
		c.Outbox.DefaultTitle = defaultTitle
	}
	weekdays := c.Outbox.DefaultWeekdays[:0]
	for _, day := range c.Outbox.DefaultWeekdays {
		if day = strings.ToLower(strings.TrimSpace(day)); day != "" {
			weekdays = append(weekdays, day)
		}
	}
	if len(weekdays) == 0 {
		weekdays = []string{defaultWeekday}
	}
	c.Outbox.DefaultWeekdays = weekdays
	if c.Outbox.BackoffBaseSeconds == 0 {
		c.Outbox.BackoffBaseSeconds = defaultBackoffBaseSeconds
	}
	if c.Outbox.BackoffMaxSeconds == 0 {
		c.Outbox.BackoffMaxSeconds = defaultBackoffMaxSeconds
	}
}

func (c *Config) normalizeSync() {
	c.Sync.Tag = strings.TrimSpace(c.Sync.Tag)
	if c.Sync.Tag == "" {
		c.Sync.Tag = defaultSyncTag
	}
}

func (c *Config) normalizeConnectivity() {
	c.Connectivity.ProbeURL = strings.TrimSpace(c.Connectivity.ProbeURL)
	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = c.Backend.BaseURL + "/"
	}
	if c.Connectivity.ProbeIntervalSeconds == 0 {
		c.Connectivity.ProbeIntervalSeconds = defaultProbeIntervalSeconds
	}
	if c.Connectivity.ProbeTimeoutSeconds == 0 {
		c.Connectivity.ProbeTimeoutSeconds = defaultProbeTimeoutSeconds
	}
}

func (c *Config) normalizeCache() {
	c.Cache.Version = strings.TrimSpace(c.Cache.Version)
	if c.Cache.Version == "" {
		c.Cache.Version = defaultCacheVersion
	}
	c.Cache.ShellPrefix = strings.TrimSpace(c.Cache.ShellPrefix)
	if c.Cache.ShellPrefix == "" {
		c.Cache.ShellPrefix = defaultShellPrefix
	}
	c.Cache.DynamicPrefix = strings.TrimSpace(c.Cache.DynamicPrefix)
	if c.Cache.DynamicPrefix == "" {
		c.Cache.DynamicPrefix = defaultDynamicPrefix
	}
	c.Cache.Origin = strings.TrimRight(strings.TrimSpace(c.Cache.Origin), "/")
	if c.Cache.Origin == "" {
		c.Cache.Origin = defaultCacheOrigin
	}
	assets := make([]string, 0, len(c.Cache.ShellAssets))
	seen := make(map[string]struct{}, len(c.Cache.ShellAssets))
	for _, asset := range c.Cache.ShellAssets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			continue
		}
		if !strings.HasPrefix(asset, "/") {
			asset = "/" + asset
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		assets = append(assets, asset)
	}
	c.Cache.ShellAssets = assets
	c.Cache.FallbackPath = strings.TrimSpace(c.Cache.FallbackPath)
	if c.Cache.FallbackPath == "" {
		c.Cache.FallbackPath = defaultFallbackPath
	}
	if c.Cache.MaxEntryBytes == 0 {
		c.Cache.MaxEntryBytes = defaultMaxEntryBytes
	}
}

func (c *Config) normalizePush() {
	c.Push.Permission = strings.ToLower(strings.TrimSpace(c.Push.Permission))
	switch c.Push.Permission {
	case "granted", "denied", "prompt":
	default:
		c.Push.Permission = defaultPushPermission
	}
	c.Push.ServerURL = strings.TrimRight(strings.TrimSpace(c.Push.ServerURL), "/")
	if c.Push.ServerURL == "" {
		c.Push.ServerURL = defaultPushServerURL
	}
	c.Push.ApplicationServerKey = strings.TrimSpace(c.Push.ApplicationServerKey)
	if c.Push.ApplicationServerKey == "" {
		c.Push.ApplicationServerKey = defaultApplicationServerKey
	}
	c.Push.SubscriptionPath = strings.TrimSpace(c.Push.SubscriptionPath)
	if c.Push.SubscriptionPath == "" {
		c.Push.SubscriptionPath = defaultSubscriptionPath
	}
	if strings.TrimSpace(c.Push.DefaultTitle) == "" {
		c.Push.DefaultTitle = defaultPushTitle
	}
	if strings.TrimSpace(c.Push.DefaultBody) == "" {
		c.Push.DefaultBody = defaultPushBody
	}
	if strings.TrimSpace(c.Push.Icon) == "" {
		c.Push.Icon = defaultPushIcon
	}
	c.Push.OpenCommand = strings.TrimSpace(c.Push.OpenCommand)
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout == 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
