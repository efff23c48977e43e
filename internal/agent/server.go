package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"routinesync/internal/api"
	"routinesync/internal/config"
	"routinesync/internal/logging"
	"routinesync/internal/outbox"
	"routinesync/internal/push"
	"routinesync/internal/services"
	"routinesync/internal/session"
	"routinesync/internal/syncer"
)

const (
	maxBodyBytes = 1 << 20
	windowCookie = "routinesync_window"
)

const focusedPage = `<!doctype html>
<html lang="es"><head><meta charset="utf-8"><title>Smart Routine</title></head>
<body><p>Smart Routine ya está abierto: <a href="%s">ir a la ventana</a>.</p>
<script>window.close()</script></body></html>
`

type apiServer struct {
	bind    string
	logger  *slog.Logger
	agent   *Agent
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, a *Agent, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Agent.Bind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		agent:  a,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.logRequests)

	// Notification clicks arrive from a browser that cannot send the token.
	r.Get("/agent/notifications/{id}/click", srv.handleClick)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.Agent.Token))
		r.Get("/agent/status", srv.handleStatus)
		r.Get("/agent/outbox", srv.handleOutbox)
		r.Post("/agent/outbox", srv.handleSubmit)
		r.Delete("/agent/outbox", srv.handleClear)
		r.Post("/agent/outbox/drain", srv.handleDrain)
		r.Post("/agent/outbox/retry", srv.handleRetry)
		r.Delete("/agent/outbox/{id}", srv.handleRemove)
		r.Post("/agent/sync/{tag}", srv.handleSync)
		r.Post("/agent/push/subscribe", srv.handleSubscribe)
		r.Get("/agent/notifications", srv.handleNotifications)
		r.Get("/agent/windows", srv.handleWindows)
		r.Post("/agent/windows", srv.handleTouchWindow)
		r.Delete("/agent/windows/{id}", srv.handleCloseWindow)
		r.Get("/agent/cache", srv.handleCacheStatus)
		r.Post("/agent/cache/install", srv.handleCacheInstall)
	})

	r.Post("/api/{kind}/nuevo", srv.handleIntercept)
	r.NotFound(srv.trackWindows(a.cache.ServeHTTP))
	r.MethodNotAllowed(a.cache.ServeHTTP)

	srv.handler = r
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Drains and proxied responses can run long.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

func (s *apiServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logging.WithContext(ctx, s.logger).Debug("request served",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agent.Status(r.Context()))
}

func (s *apiServer) handleOutbox(w http.ResponseWriter, r *http.Request) {
	list, err := s.agent.Outbox(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req syncer.Request
	if !s.decode(w, r, &req) {
		return
	}
	outcome, err := s.agent.Submit(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	s.writeJSON(w, outcomeStatus(outcome), outcome)
}

// handleIntercept is the write path the app calls. Delivered writes echo the
// backend response; queued writes answer 202 with the queued record.
func (s *apiServer) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var payload outbox.Payload
	if !s.decode(w, r, &payload) {
		return
	}
	outcome, err := s.agent.Submit(r.Context(), syncer.Request{Kind: chi.URLParam(r, "kind"), Payload: payload})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	if outcome.Delivered && outcome.Response != nil {
		s.writeJSON(w, outcome.Response.Status, outcome.Response.Body)
		return
	}
	s.writeJSON(w, outcomeStatus(outcome), outcome)
}

func (s *apiServer) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.agent.Clear(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.CountResponse{Count: n})
}

func (s *apiServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1" || strings.EqualFold(r.URL.Query().Get("force"), "true")
	result, err := s.agent.Drain(r.Context(), force)
	if err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req api.RetryRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	n, err := s.agent.Retry(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.CountResponse{Count: n})
}

func (s *apiServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	removed, err := s.agent.Remove(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.RemoveResponse{ID: id, Removed: removed})
}

func (s *apiServer) handleSync(w http.ResponseWriter, r *http.Request) {
	resp, err := s.agent.RequestSync(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *apiServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sub, err := s.agent.SubscribePush(r.Context())
	if err != nil {
		if errors.Is(err, services.ErrConfiguration) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *apiServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.NotificationList{Notifications: s.agent.Push().Displayed()})
}

func (s *apiServer) handleClick(w http.ResponseWriter, r *http.Request) {
	source := push.ClickDirect
	if isNavigation(r) {
		source = push.ClickNavigation
	}
	res, err := s.agent.Push().HandleClick(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("url"), source)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if source == push.ClickNavigation {
		if res.Action == push.ClickFocused {
			writeFocusedPage(w, res.URL)
			return
		}
		http.Redirect(w, r, res.URL, http.StatusSeeOther)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// trackWindows records app page navigations in the window registry so clicks
// can find an open window. Each browser gets a window cookie on first visit.
func (s *apiServer) trackWindows(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && isNavigation(r) && !isControlPath(r.URL.Path) {
			id := ""
			if c, err := r.Cookie(windowCookie); err == nil {
				id = c.Value
			}
			if id == "" {
				id = uuid.NewString()
				http.SetCookie(w, &http.Cookie{Name: windowCookie, Value: id, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
			}
			s.agent.Push().TrackPage(id, r.URL.RequestURI())
		}
		next(w, r)
	}
}

func isControlPath(path string) bool {
	return strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/agent/")
}

func isNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(r.Header.Get("Accept"), "text/html")
}

// writeFocusedPage answers the tab a notification link opened when the app is
// already open elsewhere. The tab closes itself if the browser allows it.
func writeFocusedPage(w http.ResponseWriter, target string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, focusedPage, html.EscapeString(target))
}

func (s *apiServer) handleWindows(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.WindowList{Windows: s.agent.Push().Windows().List()})
}

func (s *apiServer) handleTouchWindow(w http.ResponseWriter, r *http.Request) {
	var req api.WindowRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "window id and url are required")
		return
	}
	s.agent.Push().Windows().Touch(req.ID, req.URL)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleCloseWindow(w http.ResponseWriter, r *http.Request) {
	s.agent.Push().Windows().Close(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.agent.cache.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleCacheInstall(w http.ResponseWriter, r *http.Request) {
	status, err := s.agent.InstallCache(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidSession):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func outcomeStatus(o syncer.Outcome) int {
	if o.Queued {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
