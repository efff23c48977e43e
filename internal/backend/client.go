// Package backend talks to the Smart Routine REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"routinesync/internal/config"
	"routinesync/internal/fileutil"
	"routinesync/internal/services"
	"routinesync/internal/session"
)

const (
	userAgent        = "routinesync/0.1"
	maxResponseBytes = 1 << 20
	backupPath       = "/api/respaldo"
)

// ErrNotZip is returned when the backup endpoint answers with something other than a ZIP archive.
var ErrNotZip = errors.New("backup response is not a zip archive")

// Client issues requests against the backend base URL.
type Client struct {
	base             *url.URL
	http             *http.Client
	subscriptionPath string
}

// New constructs a client for baseURL.
func New(baseURL string, timeout time.Duration, subscriptionPath string) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if subscriptionPath == "" {
		subscriptionPath = "/api/notificaciones/save-subscription"
	}
	return &Client{
		base:             base,
		http:             &http.Client{Timeout: timeout},
		subscriptionPath: subscriptionPath,
	}, nil
}

// NewFromConfig builds a client from the [backend] and [push] sections.
func NewFromConfig(cfg *config.Config) (*Client, error) {
	return New(cfg.Backend.BaseURL, cfg.BackendTimeout(), cfg.Push.SubscriptionPath)
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Response is a decoded creation response.
type Response struct {
	Status int            `json:"status"`
	Body   map[string]any `json:"body,omitempty"`
}

// RejectedError reports a request the backend answered but did not accept:
// a non-2xx status, or a body carrying a message or error field.
type RejectedError struct {
	Kind    string
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend rejected %s with status %d", e.Kind, e.Status)
	}
	return fmt.Sprintf("backend rejected %s with status %d: %s", e.Kind, e.Status, e.Message)
}

// Unwrap lets errors.Is match services.ErrRejected.
func (e *RejectedError) Unwrap() error {
	return services.ErrRejected
}

// CreateResource posts payload to /api/{kind}/nuevo. Transport failures wrap
// services.ErrTransient; logical failures return *RejectedError.
func (c *Client) CreateResource(ctx context.Context, sess session.Session, kind string, payload map[string]any, idempotencyKey string) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, services.Wrap(services.ErrValidation, "backend", "create", "encode payload", err)
	}
	endpoint := c.resolve("/api/" + url.PathEscape(kind) + "/nuevo")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, services.Wrap(services.ErrConfiguration, "backend", "create", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	c.decorate(req, sess)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, services.Wrap(services.ErrTransient, "backend", "create", kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, services.Wrap(services.ErrTransient, "backend", "create", "read response", err)
	}
	out := Response{Status: resp.StatusCode}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &out.Body); err != nil {
			msg := "response is not a JSON object"
			if resp.StatusCode >= 300 {
				msg = strings.TrimSpace(string(truncate(trimmed, 200)))
			}
			return out, &RejectedError{Kind: kind, Status: resp.StatusCode, Message: msg}
		}
	}
	if msg, ok := ErrorIndicator(out.Body); ok {
		return out, &RejectedError{Kind: kind, Status: resp.StatusCode, Message: msg}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &RejectedError{Kind: kind, Status: resp.StatusCode}
	}
	return out, nil
}

// ErrorIndicator reports whether body carries a message or error field with a
// non-empty value, and returns it as text.
func ErrorIndicator(body map[string]any) (string, bool) {
	for _, key := range []string{"message", "error"} {
		value, ok := body[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v, true
			}
		case bool:
			if v {
				return key, true
			}
		default:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// Backup downloads the account archive into dir as respaldo-YYYY-MM-DD.zip.
func (c *Client) Backup(ctx context.Context, sess session.Session, dir string, now time.Time) (fileutil.StreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(backupPath), nil)
	if err != nil {
		return fileutil.StreamResult{}, services.Wrap(services.ErrConfiguration, "backend", "backup", "build request", err)
	}
	req.Header.Set("Accept", "application/zip")
	c.decorate(req, sess)

	// Backups can be large; the per-client timeout would cut them off.
	client := *c.http
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return fileutil.StreamResult{}, services.Wrap(services.ErrTransient, "backend", "backup", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fileutil.StreamResult{}, &RejectedError{Kind: "respaldo", Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(strings.ToLower(ct), "application/zip") {
		return fileutil.StreamResult{}, fmt.Errorf("%w (content-type %q)", ErrNotZip, ct)
	}

	target := filepath.Join(dir, BackupFileName(now))
	result, err := fileutil.WriteStreamAtomic(target, resp.Body, 0o644)
	if err != nil {
		return fileutil.StreamResult{}, services.Wrap(services.ErrTransient, "backend", "backup", "write archive", err)
	}
	return result, nil
}

// BackupFileName returns the archive name for the given day.
func BackupFileName(now time.Time) string {
	return "respaldo-" + now.Format("2006-01-02") + ".zip"
}

// SaveSubscription forwards a push subscription descriptor.
func (c *Client) SaveSubscription(ctx context.Context, sess session.Session, subscription any) error {
	body, err := json.Marshal(subscription)
	if err != nil {
		return services.Wrap(services.ErrValidation, "backend", "save subscription", "encode", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(c.subscriptionPath), bytes.NewReader(body))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "backend", "save subscription", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, sess)

	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "backend", "save subscription", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RejectedError{Kind: "subscription", Status: resp.StatusCode}
	}
	return nil
}

// Probe issues a GET to target and reports whether the server answered.
// Any response below 500 counts as reachable.
func (c *Client) Probe(ctx context.Context, target string) error {
	if target == "" {
		target = c.resolve("/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "backend", "probe", "build request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "backend", "probe", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return services.Wrap(services.ErrTransient, "backend", "probe", fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *Client) resolve(path string) string {
	return c.base.String() + path
}

func (c *Client) decorate(req *http.Request, sess session.Session) {
	req.Header.Set("User-Agent", userAgent)
	if sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
