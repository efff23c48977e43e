package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"routinesync/internal/agent"
	"routinesync/internal/api"
	"routinesync/internal/config"
	"routinesync/internal/logging"
	"routinesync/internal/syncer"
	"routinesync/internal/testsupport"
)

const testUserID = "0123456789abcdef01234567"

type cliTestEnv struct {
	cfg        *config.Config
	fb         *testsupport.FakeBackend
	configPath string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	fb := testsupport.NewFakeBackend(t)
	opts = append([]testsupport.ConfigOption{
		testsupport.WithBackendURL(fb.URL),
		testsupport.WithOrigin(fb.URL),
	}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	env := &cliTestEnv{
		cfg:        cfg,
		fb:         fb,
		configPath: filepath.Join(testsupport.BaseDir(cfg), "config.toml"),
	}
	env.writeConfig(t)
	t.Setenv("ROUTINESYNC_USER_ID", "")
	return env
}

func (e *cliTestEnv) writeConfig(t *testing.T) {
	t.Helper()
	data, err := toml.Marshal(e.cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(e.configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// startAgent runs an agent on a free port and points the config file at it.
func (e *cliTestEnv) startAgent(t *testing.T) *agent.Agent {
	t.Helper()
	a, err := agent.New(context.Background(), e.cfg, agent.Options{Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("agent.Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	e.cfg.Agent.Bind = a.Addr()
	e.writeConfig(t)
	return a
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestSubmitQueuesOfflineThenDrains(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithSession(testUserID, "tok"))
	env.fb.SetDown(true)

	out, stderr, err := runCLI(t, env, "submit", "--kind", "habito", "--title", "Leer", "--weekday", "Lunes")
	if err != nil {
		t.Fatalf("submit: %v (stderr %q)", err, stderr)
	}
	if !strings.Contains(out, "Queued habitos as write 1") {
		t.Fatalf("unexpected submit output %q", out)
	}
	if !strings.Contains(stderr, "using local outbox") {
		t.Fatalf("expected fallback notice, got %q", stderr)
	}

	out, _, err = runCLI(t, env, "--json", "outbox", "list")
	if err != nil {
		t.Fatalf("outbox list: %v", err)
	}
	var list api.OutboxList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(list.Records) != 1 || list.Records[0].Title != "Leer" || list.Stats.Queued != 1 {
		t.Fatalf("unexpected outbox %+v", list)
	}
	if list.Records[0].UserID != testUserID {
		t.Fatalf("expected stamped user id, got %q", list.Records[0].UserID)
	}

	env.fb.SetDown(false)
	out, _, err = runCLI(t, env, "outbox", "drain", "--force")
	if err != nil {
		t.Fatalf("outbox drain: %v", err)
	}
	if !strings.Contains(out, "1 delivered") {
		t.Fatalf("unexpected drain output %q", out)
	}
	created := env.fb.Created()
	if len(created) != 1 || created[0]["titulo"] != "Leer" {
		t.Fatalf("unexpected backend records %+v", created)
	}

	out, _, err = runCLI(t, env, "outbox", "list")
	if err != nil {
		t.Fatalf("outbox list: %v", err)
	}
	if !strings.Contains(out, "Outbox is empty") {
		t.Fatalf("expected empty outbox, got %q", out)
	}
}

func TestSubmitWithoutSessionPointsAtSessionSet(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, env, "submit", "--title", "Leer")
	if err == nil || !strings.Contains(err.Error(), "session set") {
		t.Fatalf("expected session hint, got %v", err)
	}
}

func TestSessionSetShowClear(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env, "session", "set", "not-hex"); err == nil {
		t.Fatal("expected invalid user id to be rejected")
	}
	if _, _, err := runCLI(t, env, "session", "set", testUserID, "--token", "abcdefgh"); err != nil {
		t.Fatalf("session set: %v", err)
	}

	out, _, err := runCLI(t, env, "--json", "session", "show")
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	var status api.SessionStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if !status.Valid || status.Source != "file" || status.Token != "********efgh" {
		t.Fatalf("unexpected session %+v", status)
	}

	if _, _, err := runCLI(t, env, "session", "clear"); err != nil {
		t.Fatalf("session clear: %v", err)
	}
	out, _, err = runCLI(t, env, "session", "show")
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	if !strings.Contains(out, "Valid:  no") {
		t.Fatalf("expected invalid session after clear, got %q", out)
	}
}

func TestOutboxClearRequiresConfirmation(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithSession(testUserID, ""))
	env.fb.SetDown(true)
	if _, _, err := runCLI(t, env, "submit", "--title", "Leer"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, _, err := runCLI(t, env, "outbox", "clear"); err == nil {
		t.Fatal("expected clear without --yes to fail")
	}
	out, _, err := runCLI(t, env, "outbox", "clear", "--yes")
	if err != nil {
		t.Fatalf("outbox clear: %v", err)
	}
	if !strings.Contains(out, "Removed 1 write(s)") {
		t.Fatalf("unexpected clear output %q", out)
	}
}

func TestOutboxRemoveRejectsBadID(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, env, "outbox", "remove", "abc"); err == nil {
		t.Fatal("expected parse error")
	}
	out, _, err := runCLI(t, env, "outbox", "remove", "42")
	if err != nil {
		t.Fatalf("outbox remove: %v", err)
	}
	if !strings.Contains(out, "Write 42 not found") {
		t.Fatalf("unexpected remove output %q", out)
	}
}

func TestCommandsUseRunningAgent(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithSession(testUserID, "tok"))
	env.startAgent(t)

	out, stderr, err := runCLI(t, env, "--json", "submit", "--title", "Correr")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if strings.Contains(stderr, "using local outbox") {
		t.Fatalf("expected agent path, got fallback notice %q", stderr)
	}
	var outcome syncer.Outcome
	if err := json.Unmarshal([]byte(out), &outcome); err != nil {
		t.Fatalf("decode outcome: %v\n%s", err, out)
	}
	if !outcome.Delivered {
		t.Fatalf("expected delivery through the agent, got %+v", outcome)
	}

	out, _, err = runCLI(t, env, "--json", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status api.Status
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || !status.Session.Valid {
		t.Fatalf("unexpected status %+v", status)
	}

	out, _, err = runCLI(t, env, "sync")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !strings.Contains(out, env.cfg.Sync.Tag) {
		t.Fatalf("unexpected sync output %q", out)
	}
}

func TestStatusWithoutAgent(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithSession(testUserID, ""))

	out, _, err := runCLI(t, env, "--json", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status api.Status
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Running || !status.Online || status.Cache.Activated {
		t.Fatalf("unexpected offline status %+v", status)
	}
	if status.OutboxPath != env.cfg.OutboxPath() {
		t.Fatalf("expected outbox path %q, got %q", env.cfg.OutboxPath(), status.OutboxPath)
	}

	out, _, err = runCLI(t, env, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "not running") || !strings.Contains(out, "0 queued") {
		t.Fatalf("unexpected status output %q", out)
	}
}

func TestBackupWritesArchive(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithSession(testUserID, "tok"))
	dir := t.TempDir()

	out, _, err := runCLI(t, env, "backup", "--dir", dir)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "respaldo-*.zip"))
	if len(matches) != 1 {
		t.Fatalf("expected one archive, got %v", matches)
	}
	if !strings.Contains(out, matches[0]) {
		t.Fatalf("expected output to name %s, got %q", matches[0], out)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "routinesync", "config.toml")

	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, _, _, err := config.Load(target); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}

	cmd = newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--overwrite") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
}

func TestConfigShowMasksTokens(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithSession(testUserID, "supersecret"))
	out, _, err := runCLI(t, env, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "supersecret") || !strings.Contains(out, "********cret") {
		t.Fatalf("expected masked token, got %q", out)
	}
}

func TestBuildPayload(t *testing.T) {
	payload, err := buildPayload(`{"titulo":"base","prioridad":"alta"}`, "Leer", []string{"lunes"}, []string{"nota=hola=mundo"})
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	if payload["titulo"] != "Leer" || payload["prioridad"] != "alta" || payload["nota"] != "hola=mundo" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if _, err := buildPayload("", "", nil, []string{"novalue"}); err == nil {
		t.Fatal("expected invalid field error")
	}
	if payload, err := buildPayload("null", "", nil, []string{"a=b"}); err != nil || payload["a"] != "b" {
		t.Fatalf("expected null payload to be replaced, got %+v %v", payload, err)
	}
}

func TestStatusLines(t *testing.T) {
	lines := statusLines(api.Status{
		Running: true,
		PID:     7,
		Online:  false,
		Session: api.SessionStatus{Error: "invalid session"},
		Outbox:  api.OutboxStats{Queued: 2, Dead: 1},
		Push:    api.PushStatus{Enabled: true, Permission: "prompt"},
	})
	kinds := map[string]statusKind{}
	for _, line := range lines {
		kinds[line.label] = line.kind
	}
	want := map[string]statusKind{
		"Agent":   statusOK,
		"Backend": statusWarn,
		"Session": statusError,
		"Outbox":  statusError,
		"Cache":   statusWarn,
		"Push":    statusWarn,
	}
	for label, kind := range want {
		if kinds[label] != kind {
			t.Errorf("%s: expected kind %d, got %d", label, kind, kinds[label])
		}
	}
	if got := (statusLine{"Agent", statusOK, "running"}).render(false); got != "  Agent:       [OK] running" {
		t.Fatalf("unexpected rendering %q", got)
	}
}
