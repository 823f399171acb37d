package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Load reads config from a json5 file, then overlays env vars. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWDECK_SLACK_BOT_TOKEN", &c.Slack.BotToken)
	envStr("CLAWDECK_SLACK_APP_TOKEN", &c.Slack.AppToken)
	envStr("CLAWDECK_MATTERMOST_URL", &c.Mattermost.ServerURL)
	envStr("CLAWDECK_MATTERMOST_TOKEN", &c.Mattermost.Token)
	envStr("CLAWDECK_WORKING_DIR", &c.WorkingDir)
	envStr("CLAWDECK_STORAGE_DIR", &c.Storage.Dir)
	envStr("CLAWDECK_CHILD_COMMAND", &c.Child.Command)

	// Auto-enable platforms when credentials arrive via env.
	if c.Slack.BotToken != "" && c.Slack.AppToken != "" {
		c.Slack.Enabled = true
	}
	if c.Mattermost.ServerURL != "" && c.Mattermost.Token != "" {
		c.Mattermost.Enabled = true
	}

	if v := os.Getenv("CLAWDECK_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sessions.MaxSessions = n
		}
	}
	if v := os.Getenv("CLAWDECK_SESSION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sessions.SessionTimeoutMs = n
		}
	}
}

// ExpandHome resolves a leading "~/" against the current user's home.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// AllowLists is the hot-reloadable slice of the config: per-platform
// allow-lists, swapped atomically on file change.
type AllowLists struct {
	mu         sync.RWMutex
	slack      []string
	mattermost []string
}

// NewAllowLists seeds the allow-lists from a loaded config.
func NewAllowLists(cfg *Config) *AllowLists {
	return &AllowLists{
		slack:      append([]string(nil), cfg.Slack.AllowFrom...),
		mattermost: append([]string(nil), cfg.Mattermost.AllowFrom...),
	}
}

// For returns the allow-list for a platform ID. Empty means allow all.
func (a *AllowLists) For(platformID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch platformID {
	case "slack":
		return a.slack
	case "mattermost":
		return a.mattermost
	}
	return nil
}

// Watch re-reads the config file whenever it changes and swaps in the new
// allow-lists. Returns a stop function. Errors during reload are logged and
// the previous lists stay in effect.
func (a *AllowLists) Watch(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "path", path, "error", err)
					continue
				}
				a.mu.Lock()
				a.slack = append([]string(nil), cfg.Slack.AllowFrom...)
				a.mattermost = append([]string(nil), cfg.Mattermost.AllowFrom...)
				a.mu.Unlock()
				slog.Info("allow-lists reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
