package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAgent(); err != nil {
		return err
	}
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateOutbox(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateConnectivity(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validatePush(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateAgent() error {
	if _, _, err := net.SplitHostPort(c.Agent.Bind); err != nil {
		return fmt.Errorf("agent.bind %q is not host:port: %w", c.Agent.Bind, err)
	}
	return nil
}

func (c *Config) validateBackend() error {
	if err := validateHTTPURL("backend.base_url", c.Backend.BaseURL); err != nil {
		return err
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return errors.New("backend.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateOutbox() error {
	for alias, endpoint := range c.Outbox.Kinds {
		if endpoint == "" {
			return fmt.Errorf("outbox.kinds.%s must name an endpoint", alias)
		}
		if strings.ContainsAny(endpoint, "/?# ") {
			return fmt.Errorf("outbox.kinds.%s %q must be a single path segment", alias, endpoint)
		}
	}
	if c.Outbox.MaxAttempts < 0 {
		return errors.New("outbox.max_attempts must be >= 0")
	}
	if err := ensurePositiveMap(map[string]int{
		"outbox.backoff_base_seconds": c.Outbox.BackoffBaseSeconds,
		"outbox.backoff_max_seconds":  c.Outbox.BackoffMaxSeconds,
	}); err != nil {
		return err
	}
	if c.Outbox.BackoffMaxSeconds < c.Outbox.BackoffBaseSeconds {
		return errors.New("outbox.backoff_max_seconds must be >= outbox.backoff_base_seconds")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.IntervalSeconds < 0 {
		return errors.New("sync.interval_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateConnectivity() error {
	if err := validateHTTPURL("connectivity.probe_url", c.Connectivity.ProbeURL); err != nil {
		return err
	}
	return ensurePositiveMap(map[string]int{
		"connectivity.probe_interval_seconds": c.Connectivity.ProbeIntervalSeconds,
		"connectivity.probe_timeout_seconds":  c.Connectivity.ProbeTimeoutSeconds,
	})
}

func (c *Config) validateCache() error {
	if err := validateHTTPURL("cache.origin", c.Cache.Origin); err != nil {
		return err
	}
	if len(c.Cache.ShellAssets) == 0 {
		return errors.New("cache.shell_assets must list at least one asset")
	}
	if !strings.HasPrefix(c.Cache.FallbackPath, "/") {
		return errors.New("cache.fallback_path must start with /")
	}
	if c.ShellCacheName() == c.DynamicCacheName() {
		return errors.New("cache.shell_prefix and cache.dynamic_prefix must differ")
	}
	if c.Cache.MaxEntryBytes <= 0 {
		return errors.New("cache.max_entry_bytes must be positive")
	}
	return nil
}

func (c *Config) validatePush() error {
	if !c.Push.Enabled {
		return nil
	}
	if err := validateHTTPURL("push.server_url", c.Push.ServerURL); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Push.SubscriptionPath, "/") {
		return errors.New("push.subscription_path must start with /")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func validateHTTPURL(key, value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https (got %q)", key, value)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
