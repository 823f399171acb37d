package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Sessions.MaxSessions != 5 {
		t.Errorf("MaxSessions = %d", cfg.Sessions.MaxSessions)
	}
	if cfg.SessionTimeout() != 30*time.Minute {
		t.Errorf("SessionTimeout = %v", cfg.SessionTimeout())
	}
	if cfg.Stream.SoftBreakChars != 2000 || cfg.Stream.MinBreakChars != 500 {
		t.Errorf("stream limits = %+v", cfg.Stream)
	}
	if cfg.Connect.ReconnectBackoffBaseMs != 1000 || cfg.Connect.MaxAttempts != 10 {
		t.Errorf("connect = %+v", cfg.Connect)
	}
	if cfg.PermissionsMode != PermissionsAuto || cfg.WorktreeMode != WorktreeOff {
		t.Errorf("modes = %v %v", cfg.PermissionsMode, cfg.WorktreeMode)
	}
	if cfg.Child.Command != "claude" {
		t.Errorf("child command = %q", cfg.Child.Command)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
  // comments are allowed
  working_dir: "/srv/work",
  worktree_mode: "prompt",
  sessions: { max_sessions: 2 },
  slack: { enabled: true, bot_token: "xoxb-1", app_token: "xapp-1", allow_from: ["alice"] },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkingDir != "/srv/work" || cfg.WorktreeMode != WorktreePrompt {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Sessions.MaxSessions != 2 {
		t.Errorf("MaxSessions = %d", cfg.Sessions.MaxSessions)
	}
	if !cfg.Slack.Enabled || len(cfg.Slack.AllowFrom) != 1 {
		t.Errorf("slack = %+v", cfg.Slack)
	}
	// Unset fields keep their defaults.
	if cfg.Stream.SoftBreakChars != 2000 {
		t.Errorf("SoftBreakChars = %d", cfg.Stream.SoftBreakChars)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sessions.MaxSessions != 5 {
		t.Errorf("MaxSessions = %d", cfg.Sessions.MaxSessions)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWDECK_MATTERMOST_URL", "https://chat.example.com")
	t.Setenv("CLAWDECK_MATTERMOST_TOKEN", "tok")
	t.Setenv("CLAWDECK_MAX_SESSIONS", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Mattermost.Enabled || cfg.Mattermost.ServerURL != "https://chat.example.com" {
		t.Errorf("mattermost = %+v", cfg.Mattermost)
	}
	if cfg.Sessions.MaxSessions != 3 {
		t.Errorf("MaxSessions = %d", cfg.Sessions.MaxSessions)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}

func TestAllowListsFor(t *testing.T) {
	cfg := Default()
	cfg.Slack.AllowFrom = []string{"alice"}
	a := NewAllowLists(cfg)
	if got := a.For("slack"); len(got) != 1 || got[0] != "alice" {
		t.Errorf("slack list = %v", got)
	}
	if got := a.For("mattermost"); len(got) != 0 {
		t.Errorf("mattermost list = %v", got)
	}
	if got := a.For("unknown"); got != nil {
		t.Errorf("unknown list = %v", got)
	}
}

func TestWatchReloadsAllowLists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	write := func(users string) {
		content := `{slack: {allow_from: [` + users + `]}}`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(`"alice"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAllowLists(cfg)
	stop, err := a.Watch(path)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	write(`"alice", "bob"`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.For("slack")) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("allow-list not reloaded: %v", a.For("slack"))
}
