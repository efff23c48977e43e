// Package session resolves the identity used to stamp and authorize
// outbox deliveries.
//
// A Session is passed explicitly to the write path and the drain loop. The
// Resolver reads it from the environment, the session file written by
// `routinesync session set`, or the [session] config section, in that order.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pelletier/go-toml/v2"

	"routinesync/internal/config"
	"routinesync/internal/fileutil"
	"routinesync/internal/services"
)

// ErrInvalidSession marks a missing or malformed user identifier.
var ErrInvalidSession = errors.New("invalid session")

var userIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// Source names where a session was read from.
type Source string

const (
	SourceNone   Source = "none"
	SourceEnv    Source = "env"
	SourceFile   Source = "file"
	SourceConfig Source = "config"
)

// Session is the active user identity.
type Session struct {
	UserID string `toml:"user_id" json:"user_id"`
	Token  string `toml:"token" json:"-"`
	Source Source `toml:"-" json:"source"`
}

// Validate requires a 24 hex character user identifier.
func (s Session) Validate() error {
	if !userIDPattern.MatchString(s.UserID) {
		if s.UserID == "" {
			return fmt.Errorf("%w: %w: user id is not set", services.ErrValidation, ErrInvalidSession)
		}
		return fmt.Errorf("%w: %w: user id %q is not a 24 character hex id", services.ErrValidation, ErrInvalidSession, s.UserID)
	}
	return nil
}

// Valid reports whether Validate passes.
func (s Session) Valid() bool {
	return s.Validate() == nil
}

// MaskedToken returns the token with all but its last four characters hidden.
func (s Session) MaskedToken() string {
	if s.Token == "" {
		return ""
	}
	if len(s.Token) <= 4 {
		return "****"
	}
	return strings.Repeat("*", 8) + s.Token[len(s.Token)-4:]
}

// Resolver loads and persists the session.
type Resolver struct {
	path     string
	fallback Session
	lock     *flock.Flock
}

// NewResolver builds a Resolver for the configured state directory.
func NewResolver(cfg *config.Config) *Resolver {
	path := cfg.SessionPath()
	return &Resolver{
		path:     path,
		fallback: Session{UserID: cfg.Session.UserID, Token: cfg.Session.Token, Source: SourceConfig},
		lock:     flock.New(path + ".lock"),
	}
}

// Path returns the session file location.
func (r *Resolver) Path() string {
	return r.path
}

// Current returns the first session found. It does not validate; callers
// decide what an invalid session means for them.
func (r *Resolver) Current() (Session, error) {
	if id := strings.TrimSpace(os.Getenv("ROUTINESYNC_USER_ID")); id != "" {
		return Session{UserID: id, Token: strings.TrimSpace(os.Getenv("ROUTINESYNC_TOKEN")), Source: SourceEnv}, nil
	}

	stored, ok, err := r.read()
	if err != nil {
		return Session{}, err
	}
	if ok && stored.UserID != "" {
		stored.Source = SourceFile
		return stored, nil
	}

	if r.fallback.UserID != "" {
		return r.fallback, nil
	}
	return Session{Source: SourceNone}, nil
}

// Save validates s and writes it to the session file.
func (r *Resolver) Save(s Session) error {
	s.UserID = strings.TrimSpace(s.UserID)
	s.Token = strings.TrimSpace(s.Token)
	if err := s.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err := r.withLock(func() error {
		return fileutil.WriteFileAtomic(r.path, buf.Bytes(), 0o600)
	}); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Clear removes the session file. A missing file is not an error.
func (r *Resolver) Clear() error {
	return r.withLock(func() error {
		if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session: %w", err)
		}
		return nil
	})
}

func (r *Resolver) read() (Session, bool, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := toml.Unmarshal(data, &s); err != nil {
		return Session{}, false, fmt.Errorf("parse session %s: %w", r.path, err)
	}
	s.UserID = strings.TrimSpace(s.UserID)
	s.Token = strings.TrimSpace(s.Token)
	return s, true, nil
}

func (r *Resolver) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	defer func() {
		_ = r.lock.Unlock()
	}()
	return fn()
}
