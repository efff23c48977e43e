package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"routinesync/internal/push"
	"routinesync/internal/shellcache"
	"routinesync/internal/syncer"
)

var ErrAgentUnavailable = errors.New("agent API unavailable")

// StatusError is returned for non-2xx agent responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned status %d", e.Code)
	}
	return fmt.Sprintf("agent returned status %d: %s", e.Code, e.Message)
}

// Client talks to a running agent.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient returns a client for the agent listening on bind. An empty bind
// yields a nil client, on which every call reports ErrAgentUnavailable.
func NewClient(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		// Drains wait on the backend for every queued record.
		http: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// Status fetches GET /agent/status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/agent/status", nil, nil, &out)
	return out, err
}

// Outbox lists queued records.
func (c *Client) Outbox(ctx context.Context) (OutboxList, error) {
	var out OutboxList
	err := c.do(ctx, http.MethodGet, "/agent/outbox", nil, nil, &out)
	return out, err
}

// Submit sends a write through the agent's interceptor.
func (c *Client) Submit(ctx context.Context, req syncer.Request) (syncer.Outcome, error) {
	var out syncer.Outcome
	err := c.do(ctx, http.MethodPost, "/agent/outbox", nil, req, &out)
	return out, err
}

// Drain runs one drain and waits for its result.
func (c *Client) Drain(ctx context.Context, force bool) (syncer.DrainResult, error) {
	var query url.Values
	if force {
		query = url.Values{"force": {"1"}}
	}
	var out syncer.DrainResult
	err := c.do(ctx, http.MethodPost, "/agent/outbox/drain", query, nil, &out)
	return out, err
}

// Retry revives dead records; no ids revives all of them.
func (c *Client) Retry(ctx context.Context, ids ...int64) (int64, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodPost, "/agent/outbox/retry", nil, RetryRequest{IDs: ids}, &out)
	return out.Count, err
}

// Clear deletes every record.
func (c *Client) Clear(ctx context.Context) (int64, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/agent/outbox", nil, nil, &out)
	return out.Count, err
}

// Remove deletes one record.
func (c *Client) Remove(ctx context.Context, id int64) (bool, error) {
	var out RemoveResponse
	err := c.do(ctx, http.MethodDelete, "/agent/outbox/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out.Removed, err
}

// RequestSync registers tag with the agent.
func (c *Client) RequestSync(ctx context.Context, tag string) (SyncResponse, error) {
	var out SyncResponse
	err := c.do(ctx, http.MethodPost, "/agent/sync/"+url.PathEscape(tag), nil, nil, &out)
	return out, err
}

// SubscribePush asks the agent to subscribe (or reuse its subscription).
// A nil subscription means permission was denied.
func (c *Client) SubscribePush(ctx context.Context) (*push.Subscription, error) {
	var out *push.Subscription
	err := c.do(ctx, http.MethodPost, "/agent/push/subscribe", nil, nil, &out)
	return out, err
}

// CacheStatus reports the agent's cache generations.
func (c *Client) CacheStatus(ctx context.Context) (shellcache.Status, error) {
	var out shellcache.Status
	err := c.do(ctx, http.MethodGet, "/agent/cache", nil, nil, &out)
	return out, err
}

// InstallCache reinstalls and activates the shell cache.
func (c *Client) InstallCache(ctx context.Context) (shellcache.Status, error) {
	var out shellcache.Status
	err := c.do(ctx, http.MethodPost, "/agent/cache/install", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil {
		return ErrAgentUnavailable
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsUnavailable reports whether err means no agent is listening.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAgentUnavailable) || errors.As(err, &opErr)
}
