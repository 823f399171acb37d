// Package platform defines the platform-agnostic surface the session engine
// consumes. Concrete adapters (Slack, Mattermost) live in subpackages and
// translate these calls into their REST/WebSocket protocols.
package platform

import (
	"context"
	"time"
)

// Post is a single message in a channel or thread.
type Post struct {
	ID         string
	PlatformID string
	ChannelID  string
	UserID     string
	Message    string
	RootID     string   // thread root; empty for top-level posts
	FileIDs    []string // attachment ids, resolved via FileInfo/DownloadFile
	CreatedAt  time.Time
}

// Reaction is an emoji added to (or removed from) a post.
type Reaction struct {
	UserID    string
	PostID    string
	EmojiName string
	CreatedAt time.Time
}

// User identifies a platform account.
type User struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
}

// File describes an uploaded attachment.
type File struct {
	ID        string
	Name      string
	Size      int64
	MimeType  string
	Extension string
}

// EventType discriminates adapter events.
type EventType int

const (
	EventMessage EventType = iota
	EventReaction
	EventReactionRemoved
	EventChannelPost
	EventConnected
	EventDisconnected
	EventReconnecting
	EventError
)

// Event is one item on an adapter's event stream. Exactly the fields implied
// by Type are populated.
type Event struct {
	Type     EventType
	Post     *Post
	Reaction *Reaction
	User     *User
	Attempt  int // reconnect attempt, for EventReconnecting
	Err      error
}

// BotIdentity is the adapter's own account.
type BotIdentity struct {
	ID   string
	Name string
}

// Formatter renders platform-specific markup. Slack and Mattermost disagree
// on bold/link syntax, so the core never hardcodes either.
type Formatter interface {
	Bold(s string) string
	Italic(s string) string
	Code(s string) string
	Link(text, url string) string
}

// Adapter is the full surface the session engine consumes. Implementations
// must be safe for concurrent use; all blocking calls take a context.
type Adapter interface {
	// ID returns the stable platform identifier ("slack", "mattermost").
	ID() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// PrepareForReconnect tears down the live connection while keeping
	// credentials so Connect can be retried.
	PrepareForReconnect()

	BotIdentity() BotIdentity

	// Events returns the adapter's event stream. The channel is closed on
	// Disconnect.
	Events() <-chan Event

	// User lookups.
	UserByID(ctx context.Context, id string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	IsUserAllowed(userID string) bool
	MentionsBot(message string) bool
	// ExtractPrompt strips the bot mention and surrounding whitespace.
	ExtractPrompt(message string) string

	// Messaging.
	CreatePost(ctx context.Context, channelID, rootID, message string) (*Post, error)
	UpdatePost(ctx context.Context, postID, message string) error
	GetPost(ctx context.Context, postID string) (*Post, error)
	DeletePost(ctx context.Context, postID string) error
	PinPost(ctx context.Context, postID string) error
	UnpinPost(ctx context.Context, postID string) error
	GetPinnedPosts(ctx context.Context, channelID string) ([]Post, error)
	// CreateInteractivePost posts a message and seeds it with reactions the
	// user can toggle to answer.
	CreateInteractivePost(ctx context.Context, channelID, rootID, message string, reactions []string) (*Post, error)
	SendTyping(ctx context.Context, channelID, rootID string) error

	// Reactions.
	AddReaction(ctx context.Context, postID, emojiName string) error
	RemoveReaction(ctx context.Context, postID, emojiName string) error

	// ThreadHistory returns up to limit posts of the thread rooted at rootID,
	// oldest first. excludeBot filters the adapter's own posts.
	ThreadHistory(ctx context.Context, rootID string, limit int, excludeBot bool) ([]Post, error)

	// Files.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	FileInfo(ctx context.Context, fileID string) (*File, error)

	Formatter() Formatter

	// MCPPermissionConfig returns the child-process permission-tool config
	// for this platform, or nil when interactive permissions are disabled.
	MCPPermissionConfig() map[string]any
}
