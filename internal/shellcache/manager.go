package shellcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"

	"routinesync/internal/config"
	"routinesync/internal/logging"
)

// CacheHeader reports how a GET was answered: hit-shell, hit-dynamic, miss,
// fallback, or bypass.
const CacheHeader = "X-Routinesync-Cache"

// hop-by-hop headers are not forwarded or stored.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
}

// Manager installs, activates, and serves the caches.
type Manager struct {
	store    *Store
	shell    string
	dynamic  string
	origin   *url.URL
	api      *url.URL
	assets   []string
	fallback string
	maxBytes int64
	client   *http.Client
	proxy    *httputil.ReverseProxy
	logger   *slog.Logger

	activated atomic.Bool
	installed atomic.Bool
}

// NewManager builds a manager from the [cache] and [backend] sections.
func NewManager(cfg *config.Config, store *Store, logger *slog.Logger) (*Manager, error) {
	origin, err := url.Parse(cfg.Cache.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse cache origin: %w", err)
	}
	api, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	m := &Manager{
		store:    store,
		shell:    cfg.ShellCacheName(),
		dynamic:  cfg.DynamicCacheName(),
		origin:   origin,
		api:      api,
		assets:   append([]string(nil), cfg.Cache.ShellAssets...),
		fallback: cfg.Cache.FallbackPath,
		maxBytes: cfg.Cache.MaxEntryBytes,
		client:   &http.Client{Timeout: cfg.BackendTimeout()},
		logger:   logging.NewComponentLogger(logger, "shellcache"),
	}
	m.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(m.upstream(pr.In.URL.Path))
			pr.Out.Host = pr.Out.URL.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.WarnWithContext(m.logger, "pass-through request failed", "proxy_failed",
				logging.Error(err),
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.String(logging.FieldImpact, "client received 502"),
			)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return m, nil
}

// ShellName returns the current shell generation name.
func (m *Manager) ShellName() string { return m.shell }

// DynamicName returns the current dynamic generation name.
func (m *Manager) DynamicName() string { return m.dynamic }

// Activated reports whether requests are served from cache.
func (m *Manager) Activated() bool { return m.activated.Load() }

// Installed reports whether the last Install succeeded.
func (m *Manager) Installed() bool { return m.installed.Load() }

// Install fetches every shell asset and stores them in one transaction. Any
// failed fetch aborts the install and nothing is written.
func (m *Manager) Install(ctx context.Context) error {
	entries := make([]Entry, 0, len(m.assets))
	for _, asset := range m.assets {
		entry, err := m.fetch(ctx, asset)
		if err != nil {
			m.installed.Store(false)
			return fmt.Errorf("install %s: %w", asset, err)
		}
		if entry.Status != http.StatusOK {
			m.installed.Store(false)
			return fmt.Errorf("install %s: unexpected status %d", asset, entry.Status)
		}
		entries = append(entries, *entry)
	}
	if err := m.store.PutAll(ctx, m.shell, entries); err != nil {
		m.installed.Store(false)
		return err
	}
	m.installed.Store(true)
	m.logger.Info("app shell installed",
		logging.String(logging.FieldEventType, "cache_installed"),
		logging.String("generation", m.shell),
		logging.Int("assets", len(entries)),
	)
	return nil
}

// Activate deletes every generation other than the current shell and
// dynamic ones and starts serving from cache. It returns the deleted names.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	gens, err := m.store.Generations(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, g := range gens {
		if g.Name == m.shell || g.Name == m.dynamic {
			continue
		}
		if _, err := m.store.DeleteGeneration(ctx, g.Name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, g.Name)
	}
	m.activated.Store(true)
	m.logger.Info("cache activated",
		logging.String(logging.FieldEventType, "cache_activated"),
		logging.String("shell", m.shell),
		logging.String("dynamic", m.dynamic),
		logging.Int("deleted", len(deleted)),
	)
	return deleted, nil
}

// Status describes the cache for status output.
type Status struct {
	Activated   bool         `json:"activated"`
	Installed   bool         `json:"installed"`
	Shell       string       `json:"shell"`
	Dynamic     string       `json:"dynamic"`
	Generations []Generation `json:"generations"`
}

// Status reports every stored generation.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	gens, err := m.store.Generations(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Activated:   m.Activated(),
		Installed:   m.Installed(),
		Shell:       m.shell,
		Dynamic:     m.dynamic,
		Generations: gens,
	}, nil
}

// ServeHTTP answers GET requests from cache once activated and passes every
// other request through to the network.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || !m.Activated() {
		w.Header().Set(CacheHeader, "bypass")
		m.proxy.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	key := cacheKey(r.URL)
	for _, gen := range []struct{ name, label string }{{m.shell, "hit-shell"}, {m.dynamic, "hit-dynamic"}} {
		entry, err := m.store.Match(ctx, gen.name, key)
		if err != nil {
			logging.WarnWithContext(m.logger, "cache lookup failed", "cache_lookup_failed",
				logging.Error(err),
				logging.String("url", key),
				logging.String(logging.FieldImpact, "request served from network"),
			)
			break
		}
		if entry != nil {
			writeEntry(w, entry, gen.label)
			return
		}
	}

	resp, err := m.forward(r)
	if err != nil {
		m.serveFallback(w, r, err)
		return
	}
	defer resp.Body.Close()

	limit := m.maxBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		m.serveFallback(w, r, err)
		return
	}
	cacheable := resp.StatusCode == http.StatusOK && int64(len(head)) <= limit
	if cacheable {
		entry := Entry{URL: key, Status: resp.StatusCode, Header: cleanHeader(resp.Header), Body: head}
		if err := m.store.Put(ctx, m.dynamic, entry); err != nil {
			logging.WarnWithContext(m.logger, "dynamic cache write failed", "cache_put_failed",
				logging.Error(err),
				logging.String("url", key),
				logging.String(logging.FieldImpact, "response not available offline"),
			)
		}
	}

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(CacheHeader, "miss")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(head)
	if !cacheable && int64(len(head)) > limit {
		_, _ = io.Copy(w, resp.Body)
	}
}

func (m *Manager) serveFallback(w http.ResponseWriter, r *http.Request, cause error) {
	ctx := r.Context()
	for _, gen := range []string{m.shell, m.dynamic} {
		entry, err := m.store.Match(ctx, gen, m.fallback)
		if err != nil || entry == nil {
			continue
		}
		m.logger.Debug("network failed; serving fallback document",
			logging.String("path", r.URL.Path),
			logging.Error(cause),
		)
		writeEntry(w, entry, "fallback")
		return
	}
	logging.WarnWithContext(m.logger, "network failed and no fallback cached", "cache_fallback_missing",
		logging.Error(cause),
		logging.String("path", r.URL.Path),
		logging.String(logging.FieldErrorHint, "run `routinesync cache install` while online"),
		logging.String(logging.FieldImpact, "client received 504"),
	)
	w.Header().Set(CacheHeader, "fallback")
	http.Error(w, "offline and not cached", http.StatusGatewayTimeout)
}

// forward issues r's GET against the upstream for its path.
func (m *Manager) forward(r *http.Request) (*http.Response, error) {
	target := m.upstream(r.URL.Path)
	target.Path = singleJoin(target.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery
	out, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeader(out.Header, r.Header)
	out.Header.Del("Accept-Encoding")
	return m.client.Do(out)
}

func (m *Manager) fetch(ctx context.Context, asset string) (*Entry, error) {
	target := m.upstream(asset)
	target.Path = singleJoin(target.Path, asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	limit := m.maxBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errors.New("asset exceeds cache.max_entry_bytes")
	}
	return &Entry{URL: asset, Status: resp.StatusCode, Header: cleanHeader(resp.Header), Body: body}, nil
}

// upstream returns a copy of the base URL serving path.
func (m *Manager) upstream(path string) *url.URL {
	base := m.origin
	if path == "/api" || strings.HasPrefix(path, "/api/") {
		base = m.api
	}
	u := *base
	return &u
}

func cacheKey(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func writeEntry(w http.ResponseWriter, e *Entry, label string) {
	copyHeader(w.Header(), e.Header)
	w.Header().Set(CacheHeader, label)
	w.WriteHeader(e.Status)
	_, _ = io.Copy(w, bytes.NewReader(e.Body))
}

func cleanHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

func copyHeader(dst, src http.Header) {
	for k, vv := range cleanHeader(src) {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func singleJoin(a, b string) string {
	a = strings.TrimSuffix(a, "/")
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return a + b
}
