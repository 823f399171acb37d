// Package config holds the enumerated option structs for every component and
// loads them from a json5 file with env-var overlays.
package config

import "time"

// PermissionsMode controls how the child CLI handles tool permissions.
type PermissionsMode string

const (
	PermissionsAuto        PermissionsMode = "auto"
	PermissionsInteractive PermissionsMode = "interactive"
)

// WorktreeMode controls whether sessions are offered (or forced into) git
// worktrees before starting.
type WorktreeMode string

const (
	WorktreeOff     WorktreeMode = "off"
	WorktreePrompt  WorktreeMode = "prompt"
	WorktreeRequire WorktreeMode = "require"
)

// Config is the root configuration.
type Config struct {
	WorkingDir      string          `json:"working_dir"`
	PermissionsMode PermissionsMode `json:"permissions_mode"`
	Chrome          bool            `json:"chrome"`
	WorktreeMode    WorktreeMode    `json:"worktree_mode"`
	KeepAlive       bool            `json:"keep_alive"`

	Sessions  SessionsConfig  `json:"sessions"`
	Stream    StreamConfig    `json:"stream"`
	Connect   ConnectConfig   `json:"connect"`
	Slack     SlackConfig     `json:"slack"`
	Mattermost MattermostConfig `json:"mattermost"`
	Child     ChildConfig     `json:"child"`
	Storage   StorageConfig   `json:"storage"`
	Update    UpdateConfig    `json:"update"`
}

// SessionsConfig bounds the session manager.
type SessionsConfig struct {
	MaxSessions      int `json:"max_sessions"`
	SessionTimeoutMs int `json:"session_timeout_ms"`
}

// StreamConfig tunes the streaming formatter and content breaker.
type StreamConfig struct {
	SoftBreakChars      int `json:"soft_break_chars"`
	MinBreakChars       int `json:"min_break_chars"`
	MaxLinesBeforeBreak int `json:"max_lines_before_break"`
	MaxHeightPx         int `json:"max_height_px"`
	UpdateDebounceMs    int `json:"update_debounce_ms"`
	TypingIntervalMs    int `json:"typing_interval_ms"`
}

// ConnectConfig tunes adapter reconnection and heartbeats.
type ConnectConfig struct {
	ReconnectBackoffBaseMs int `json:"reconnect_backoff_base_ms"`
	MaxAttempts            int `json:"max_attempts"`
	HeartbeatIntervalMs    int `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs     int `json:"heartbeat_timeout_ms"`
}

// SlackConfig configures the Slack adapter (Socket Mode).
type SlackConfig struct {
	Enabled   bool     `json:"enabled"`
	BotToken  string   `json:"bot_token"`
	AppToken  string   `json:"app_token"`
	AllowFrom []string `json:"allow_from"`
	Channel   string   `json:"channel"` // sticky status channel, optional
}

// MattermostConfig configures the Mattermost adapter.
type MattermostConfig struct {
	Enabled   bool     `json:"enabled"`
	ServerURL string   `json:"server_url"`
	Token     string   `json:"token"`
	TeamName  string   `json:"team_name"`
	AllowFrom []string `json:"allow_from"`
	Channel   string   `json:"channel"`
}

// ChildConfig configures the assistant CLI child process.
type ChildConfig struct {
	Command             string `json:"command"`
	AppendSystemPrompt  string `json:"append_system_prompt"`
	PermissionTimeoutMs int    `json:"permission_timeout_ms"`
}

// StorageConfig locates local durable state.
type StorageConfig struct {
	Dir string `json:"dir"`
}

// UpdateConfig configures the release checker.
type UpdateConfig struct {
	CheckURL        string `json:"check_url"`
	CheckIntervalMs int    `json:"check_interval_ms"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		PermissionsMode: PermissionsAuto,
		WorktreeMode:    WorktreeOff,
		KeepAlive:       true,
		Sessions: SessionsConfig{
			MaxSessions:      5,
			SessionTimeoutMs: 1_800_000,
		},
		Stream: StreamConfig{
			SoftBreakChars:      2000,
			MinBreakChars:       500,
			MaxLinesBeforeBreak: 15,
			MaxHeightPx:         500,
			UpdateDebounceMs:    500,
			TypingIntervalMs:    3000,
		},
		Connect: ConnectConfig{
			ReconnectBackoffBaseMs: 1000,
			MaxAttempts:            10,
			HeartbeatIntervalMs:    30_000,
			HeartbeatTimeoutMs:     60_000,
		},
		Child: ChildConfig{
			Command:             "claude",
			PermissionTimeoutMs: 300_000,
		},
		Storage: StorageConfig{
			Dir: "~/.clawdeck",
		},
		Update: UpdateConfig{
			CheckIntervalMs: int((6 * time.Hour).Milliseconds()),
		},
	}
}

// SessionTimeout returns the idle timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.SessionTimeoutMs) * time.Millisecond
}

// UpdateDebounce returns the formatter flush debounce as a duration.
func (c *StreamConfig) UpdateDebounce() time.Duration {
	return time.Duration(c.UpdateDebounceMs) * time.Millisecond
}

// TypingInterval returns the typing re-send interval as a duration.
func (c *StreamConfig) TypingInterval() time.Duration {
	return time.Duration(c.TypingIntervalMs) * time.Millisecond
}
