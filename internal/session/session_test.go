package session_test

import (
	"errors"
	"os"
	"testing"

	"routinesync/internal/services"
	"routinesync/internal/session"
	"routinesync/internal/testsupport"
)

const validID = "0123456789abcdefABCDEF01"

func TestValidate(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{validID, true},
		{"", false},
		{"0123456789abcdef0123456", false},
		{"0123456789abcdef012345678", false},
		{"zzzzzzzzzzzzzzzzzzzzzzzz", false},
	}
	for _, tt := range tests {
		err := session.Session{UserID: tt.id}.Validate()
		if tt.valid && err != nil {
			t.Fatalf("%q: unexpected error %v", tt.id, err)
		}
		if !tt.valid {
			if !errors.Is(err, session.ErrInvalidSession) || !errors.Is(err, services.ErrValidation) {
				t.Fatalf("%q: expected invalid session error, got %v", tt.id, err)
			}
		}
	}
}

func TestResolverPrecedence(t *testing.T) {
	t.Setenv("ROUTINESYNC_USER_ID", "")
	cfg := testsupport.NewConfig(t, testsupport.WithSession("aaaaaaaaaaaaaaaaaaaaaaaa", "cfg-token"))
	resolver := session.NewResolver(cfg)

	got, err := resolver.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got.Source != session.SourceConfig || got.Token != "cfg-token" {
		t.Fatalf("expected config session, got %+v", got)
	}

	if err := resolver.Save(session.Session{UserID: validID, Token: "file-token"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(resolver.Path())
	if err != nil {
		t.Fatalf("stat session: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected private session file, got %v", info.Mode().Perm())
	}
	got, _ = resolver.Current()
	if got.Source != session.SourceFile || got.UserID != validID || got.Token != "file-token" {
		t.Fatalf("expected file session, got %+v", got)
	}

	t.Setenv("ROUTINESYNC_USER_ID", "bbbbbbbbbbbbbbbbbbbbbbbb")
	t.Setenv("ROUTINESYNC_TOKEN", "env-token")
	got, _ = resolver.Current()
	if got.Source != session.SourceEnv || got.Token != "env-token" {
		t.Fatalf("expected env session, got %+v", got)
	}
}

func TestResolverSaveRejectsInvalid(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	resolver := session.NewResolver(cfg)
	if err := resolver.Save(session.Session{UserID: "nope"}); !errors.Is(err, session.ErrInvalidSession) {
		t.Fatalf("expected invalid session error, got %v", err)
	}
	if _, err := os.Stat(resolver.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected no session file, got %v", err)
	}
}

func TestResolverClear(t *testing.T) {
	t.Setenv("ROUTINESYNC_USER_ID", "")
	cfg := testsupport.NewConfig(t)
	resolver := session.NewResolver(cfg)
	if err := resolver.Clear(); err != nil {
		t.Fatalf("Clear on missing file: %v", err)
	}
	if err := resolver.Save(session.Session{UserID: validID}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := resolver.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := resolver.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got.Source != session.SourceNone || got.Valid() {
		t.Fatalf("expected empty session, got %+v", got)
	}
}

func TestMaskedToken(t *testing.T) {
	if got := (session.Session{Token: "abcdefgh1234"}).MaskedToken(); got != "********1234" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := (session.Session{Token: "ab"}).MaskedToken(); got != "****" {
		t.Fatalf("unexpected short mask %q", got)
	}
}
