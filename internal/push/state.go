package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"routinesync/internal/fileutil"
)

// Keys holds the subscription's client keys, URL-safe base64 without padding.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the descriptor forwarded to the backend.
type Subscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`
}

// State is persisted in the subscription file.
type State struct {
	// Permission records an answer given interactively.
	Permission           Permission    `json:"permission,omitempty"`
	ApplicationServerKey string        `json:"application_server_key,omitempty"`
	Subscription         *Subscription `json:"subscription,omitempty"`
	Forwarded            bool          `json:"forwarded"`
}

type stateFile struct {
	path string
	lock *flock.Flock
}

func newStateFile(path string) *stateFile {
	return &stateFile{path: path, lock: flock.New(path + ".lock")}
}

func (f *stateFile) load() (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read push state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse push state %s: %w", f.path, err)
	}
	return st, nil
}

func (f *stateFile) save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode push state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock push state: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()
	return fileutil.WriteFileAtomic(f.path, data, 0o600)
}
