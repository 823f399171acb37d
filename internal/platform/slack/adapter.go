package slack

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/platform"
)

// Options wires an Adapter.
type Options struct {
	Config  config.SlackConfig
	Connect config.ConnectConfig
	// AllowFrom returns the current allow-list (user ids or usernames).
	// Empty means everyone. Called per check so hot-reloads apply.
	AllowFrom func() []string
	// Permission is the MCP permission-tool config template; nil disables
	// interactive permissions on this platform.
	Permission map[string]any
	Logger     *slog.Logger
}

// Adapter implements platform.Adapter for Slack. Slack addresses posts by
// (channel, ts); we keep ts as the post id and remember its channel.
type Adapter struct {
	client     *Client
	opts       Options
	log        *slog.Logger
	permission map[string]any

	backoffBase      time.Duration
	maxAttempts      int
	heartbeat        time.Duration
	heartbeatTimeout time.Duration

	mu          sync.Mutex
	bot         platform.BotIdentity
	events      chan platform.Event
	cancel      context.CancelFunc
	closed      bool
	channelByTS map[string]string
	nameCache   map[string]string // user id -> username
}

// New builds a Slack adapter.
func New(opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cc := opts.Connect
	if cc.ReconnectBackoffBaseMs <= 0 {
		cc.ReconnectBackoffBaseMs = 1000
	}
	if cc.HeartbeatIntervalMs <= 0 {
		cc.HeartbeatIntervalMs = 30_000
	}
	if cc.HeartbeatTimeoutMs <= 0 {
		cc.HeartbeatTimeoutMs = 60_000
	}
	return &Adapter{
		client:           NewClient(opts.Config.BotToken, opts.Config.AppToken),
		opts:             opts,
		log:              opts.Logger.With("platform", "slack"),
		permission:       opts.Permission,
		backoffBase:      time.Duration(cc.ReconnectBackoffBaseMs) * time.Millisecond,
		maxAttempts:      cc.MaxAttempts,
		heartbeat:        time.Duration(cc.HeartbeatIntervalMs) * time.Millisecond,
		heartbeatTimeout: time.Duration(cc.HeartbeatTimeoutMs) * time.Millisecond,
		channelByTS:      make(map[string]string),
		nameCache:        make(map[string]string),
	}
}

func (a *Adapter) ID() string { return "slack" }

// Connect resolves the bot identity and starts the Socket Mode loop. The
// loop outlives ctx; Disconnect or PrepareForReconnect stops it.
func (a *Adapter) Connect(ctx context.Context) error {
	auth, err := a.client.authTest(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}

	a.mu.Lock()
	a.bot = platform.BotIdentity{ID: auth.UserID, Name: auth.User}
	a.events = make(chan platform.Event, 64)
	a.closed = false
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.log.Info("slack connected", "bot", auth.User, "bot_id", auth.UserID)
	go a.runSocket(runCtx)
	return nil
}

// Disconnect stops the socket loop and closes the event stream.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.events != nil && !a.closed {
		a.closed = true
		close(a.events)
	}
	return nil
}

// PrepareForReconnect drops the live connection but keeps the event channel
// and credentials so Connect can be retried.
func (a *Adapter) PrepareForReconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *Adapter) BotIdentity() platform.BotIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bot
}

func (a *Adapter) Events() <-chan platform.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// emit drops events raised after Disconnect.
func (a *Adapter) emit(ev platform.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.events == nil {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event channel full, dropping", "type", ev.Type)
	}
}

func (a *Adapter) rememberChannel(ts, channel string) {
	a.mu.Lock()
	a.channelByTS[ts] = channel
	a.mu.Unlock()
}

// channelFor resolves a post id to its channel, falling back to the
// configured channel for posts from before a restart.
func (a *Adapter) channelFor(postID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.channelByTS[postID]; ok {
		return ch
	}
	return a.opts.Config.Channel
}

// ---- users ----

func (a *Adapter) UserByID(ctx context.Context, id string) (*platform.User, error) {
	u, err := a.client.userInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.nameCache[u.ID] = u.Name
	a.mu.Unlock()
	return toUser(u), nil
}

func (a *Adapter) UserByUsername(ctx context.Context, username string) (*platform.User, error) {
	u, err := a.client.lookupByUsername(ctx, strings.TrimPrefix(username, "@"))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.nameCache[u.ID] = u.Name
	a.mu.Unlock()
	return toUser(u), nil
}

func toUser(u *slackUser) *platform.User {
	display := u.Profile.DisplayName
	if display == "" {
		display = u.Profile.RealName
	}
	if display == "" {
		display = u.Name
	}
	return &platform.User{ID: u.ID, Username: u.Name, DisplayName: display, Email: u.Profile.Email}
}

// IsUserAllowed checks the hot-reloaded allow-list. Entries may be user ids
// or usernames; an empty list allows everyone.
func (a *Adapter) IsUserAllowed(userID string) bool {
	var allowed []string
	if a.opts.AllowFrom != nil {
		allowed = a.opts.AllowFrom()
	}
	if len(allowed) == 0 {
		return true
	}
	a.mu.Lock()
	name := a.nameCache[userID]
	a.mu.Unlock()
	for _, entry := range allowed {
		entry = strings.TrimPrefix(entry, "@")
		if entry == userID || (name != "" && entry == name) {
			return true
		}
	}
	return false
}

func (a *Adapter) MentionsBot(message string) bool {
	a.mu.Lock()
	id := a.bot.ID
	a.mu.Unlock()
	return id != "" && strings.Contains(message, "<@"+id+">")
}

func (a *Adapter) ExtractPrompt(message string) string {
	a.mu.Lock()
	id := a.bot.ID
	a.mu.Unlock()
	if id != "" {
		message = strings.ReplaceAll(message, "<@"+id+">", "")
	}
	return strings.TrimSpace(message)
}

// ---- messaging ----

func (a *Adapter) CreatePost(ctx context.Context, channelID, rootID, message string) (*platform.Post, error) {
	resp, err := a.client.postMessage(ctx, channelID, rootID, message)
	if err != nil {
		return nil, err
	}
	a.rememberChannel(resp.TS, resp.Channel)
	return &platform.Post{
		ID:         resp.TS,
		PlatformID: a.ID(),
		ChannelID:  resp.Channel,
		Message:    message,
		RootID:     rootID,
		CreatedAt:  tsTime(resp.TS),
	}, nil
}

func (a *Adapter) UpdatePost(ctx context.Context, postID, message string) error {
	return a.client.updateMessage(ctx, a.channelFor(postID), postID, message)
}

func (a *Adapter) GetPost(ctx context.Context, postID string) (*platform.Post, error) {
	channel := a.channelFor(postID)
	msgs, err := a.client.conversationReplies(ctx, channel, postID, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("post %s not found", postID)
	}
	return a.toPost(channel, msgs[0]), nil
}

func (a *Adapter) DeletePost(ctx context.Context, postID string) error {
	return a.client.deleteMessage(ctx, a.channelFor(postID), postID)
}

func (a *Adapter) PinPost(ctx context.Context, postID string) error {
	return a.client.pin(ctx, a.channelFor(postID), postID)
}

func (a *Adapter) UnpinPost(ctx context.Context, postID string) error {
	return a.client.unpin(ctx, a.channelFor(postID), postID)
}

func (a *Adapter) GetPinnedPosts(ctx context.Context, channelID string) ([]platform.Post, error) {
	msgs, err := a.client.pinsList(ctx, channelID)
	if err != nil {
		return nil, err
	}
	posts := make([]platform.Post, 0, len(msgs))
	for _, m := range msgs {
		posts = append(posts, *a.toPost(channelID, m))
	}
	return posts, nil
}

func (a *Adapter) CreateInteractivePost(ctx context.Context, channelID, rootID, message string, reactions []string) (*platform.Post, error) {
	post, err := a.CreatePost(ctx, channelID, rootID, message)
	if err != nil {
		return nil, err
	}
	for _, r := range reactions {
		if err := a.client.addReaction(ctx, post.ChannelID, post.ID, r); err != nil {
			a.log.Debug("seed reaction failed", "emoji", r, "error", err)
		}
	}
	return post, nil
}

// SendTyping is a no-op: Slack has no typing indicator for Socket Mode apps.
func (a *Adapter) SendTyping(_ context.Context, _, _ string) error { return nil }

func (a *Adapter) AddReaction(ctx context.Context, postID, emojiName string) error {
	return a.client.addReaction(ctx, a.channelFor(postID), postID, strings.Trim(emojiName, ":"))
}

func (a *Adapter) RemoveReaction(ctx context.Context, postID, emojiName string) error {
	return a.client.removeReaction(ctx, a.channelFor(postID), postID, strings.Trim(emojiName, ":"))
}

func (a *Adapter) ThreadHistory(ctx context.Context, rootID string, limit int, excludeBot bool) ([]platform.Post, error) {
	channel := a.channelFor(rootID)
	msgs, err := a.client.conversationReplies(ctx, channel, rootID, limit)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	botID := a.bot.ID
	a.mu.Unlock()

	posts := make([]platform.Post, 0, len(msgs))
	for _, m := range msgs {
		if excludeBot && (m.BotID != "" || m.User == botID) {
			continue
		}
		posts = append(posts, *a.toPost(channel, m))
		if len(posts) == limit {
			break
		}
	}
	return posts, nil
}

func (a *Adapter) toPost(channel string, m slackMessage) *platform.Post {
	post := &platform.Post{
		ID:         m.TS,
		PlatformID: a.ID(),
		ChannelID:  channel,
		UserID:     m.User,
		Message:    m.Text,
		RootID:     threadRoot(m.TS, m.ThreadTS),
		CreatedAt:  tsTime(m.TS),
	}
	for _, f := range m.Files {
		post.FileIDs = append(post.FileIDs, f.ID)
	}
	a.rememberChannel(m.TS, channel)
	return post
}

// ---- files ----

func (a *Adapter) FileInfo(ctx context.Context, fileID string) (*platform.File, error) {
	f, err := a.client.fileInfo(ctx, fileID)
	if err != nil {
		return nil, err
	}
	ext := f.Filetype
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(f.Name), ".")
	}
	return &platform.File{
		ID:        f.ID,
		Name:      f.Name,
		Size:      f.Size,
		MimeType:  f.Mimetype,
		Extension: ext,
	}, nil
}

func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f, err := a.client.fileInfo(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return a.client.downloadFile(ctx, f)
}

// ---- formatting ----

// mrkdwn is Slack's markup dialect.
type mrkdwn struct{}

func (mrkdwn) Bold(s string) string   { return "*" + s + "*" }
func (mrkdwn) Italic(s string) string { return "_" + s + "_" }
func (mrkdwn) Code(s string) string   { return "`" + s + "`" }
func (mrkdwn) Link(text, url string) string {
	return "<" + url + "|" + text + ">"
}

func (a *Adapter) Formatter() platform.Formatter { return mrkdwn{} }

func (a *Adapter) MCPPermissionConfig() map[string]any { return a.permission }
