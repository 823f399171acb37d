package mattermost

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/platform"
)

// Options wires an Adapter.
type Options struct {
	Config  config.MattermostConfig
	Connect config.ConnectConfig
	// AllowFrom returns the current allow-list (user ids or usernames).
	// Empty means everyone. Called per check so hot-reloads apply.
	AllowFrom func() []string
	// Permission is the MCP permission-tool config template; nil disables
	// interactive permissions on this platform.
	Permission map[string]any
	Logger     *slog.Logger
}

// Adapter implements platform.Adapter for Mattermost.
type Adapter struct {
	client     *Client
	opts       Options
	log        *slog.Logger
	permission map[string]any

	backoffBase      time.Duration
	maxAttempts      int
	heartbeat        time.Duration
	heartbeatTimeout time.Duration

	mu        sync.Mutex
	bot       platform.BotIdentity
	events    chan platform.Event
	cancel    context.CancelFunc
	closed    bool
	ws        *wsConn
	nameCache map[string]string // user id -> username
}

// New builds a Mattermost adapter.
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
		client:           NewClient(opts.Config.ServerURL, opts.Config.Token),
		opts:             opts,
		log:              opts.Logger.With("platform", "mattermost"),
		permission:       opts.Permission,
		backoffBase:      time.Duration(cc.ReconnectBackoffBaseMs) * time.Millisecond,
		maxAttempts:      cc.MaxAttempts,
		heartbeat:        time.Duration(cc.HeartbeatIntervalMs) * time.Millisecond,
		heartbeatTimeout: time.Duration(cc.HeartbeatTimeoutMs) * time.Millisecond,
		nameCache:        make(map[string]string),
	}
}

func (a *Adapter) ID() string { return "mattermost" }

func (a *Adapter) botID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bot.ID
}

// Connect resolves the bot account and starts the WebSocket loop.
func (a *Adapter) Connect(ctx context.Context) error {
	me, err := a.client.me(ctx)
	if err != nil {
		return fmt.Errorf("mattermost auth: %w", err)
	}

	a.mu.Lock()
	a.bot = platform.BotIdentity{ID: me.ID, Name: me.Username}
	a.events = make(chan platform.Event, 64)
	a.closed = false
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.log.Info("mattermost connected", "bot", me.Username, "bot_id", me.ID)
	go a.runWS(runCtx)
	return nil
}

// Disconnect stops the WebSocket loop and closes the event stream.
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

// ---- users ----

func (a *Adapter) UserByID(ctx context.Context, id string) (*platform.User, error) {
	u, err := a.client.user(ctx, id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.nameCache[u.ID] = u.Username
	a.mu.Unlock()
	return toUser(u), nil
}

func (a *Adapter) UserByUsername(ctx context.Context, username string) (*platform.User, error) {
	u, err := a.client.userByUsername(ctx, strings.TrimPrefix(username, "@"))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.nameCache[u.ID] = u.Username
	a.mu.Unlock()
	return toUser(u), nil
}

func toUser(u *mmUser) *platform.User {
	display := u.Nickname
	if display == "" {
		display = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	if display == "" {
		display = u.Username
	}
	return &platform.User{ID: u.ID, Username: u.Username, DisplayName: display, Email: u.Email}
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
	name := a.bot.Name
	a.mu.Unlock()
	return name != "" && strings.Contains(message, "@"+name)
}

func (a *Adapter) ExtractPrompt(message string) string {
	a.mu.Lock()
	name := a.bot.Name
	a.mu.Unlock()
	if name != "" {
		message = strings.ReplaceAll(message, "@"+name, "")
	}
	return strings.TrimSpace(message)
}

// ---- messaging ----

func (a *Adapter) toPost(p *mmPost) *platform.Post {
	return &platform.Post{
		ID:         p.ID,
		PlatformID: a.ID(),
		ChannelID:  p.ChannelID,
		UserID:     p.UserID,
		Message:    p.Message,
		RootID:     p.RootID,
		FileIDs:    p.FileIDs,
		CreatedAt:  time.UnixMilli(p.CreateAt),
	}
}

func (a *Adapter) CreatePost(ctx context.Context, channelID, rootID, message string) (*platform.Post, error) {
	p, err := a.client.createPost(ctx, channelID, rootID, message)
	if err != nil {
		return nil, err
	}
	return a.toPost(p), nil
}

func (a *Adapter) UpdatePost(ctx context.Context, postID, message string) error {
	return a.client.patchPost(ctx, postID, message)
}

func (a *Adapter) GetPost(ctx context.Context, postID string) (*platform.Post, error) {
	p, err := a.client.getPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return a.toPost(p), nil
}

func (a *Adapter) DeletePost(ctx context.Context, postID string) error {
	return a.client.deletePost(ctx, postID)
}

func (a *Adapter) PinPost(ctx context.Context, postID string) error {
	return a.client.pinPost(ctx, postID)
}

func (a *Adapter) UnpinPost(ctx context.Context, postID string) error {
	return a.client.unpinPost(ctx, postID)
}

func (a *Adapter) GetPinnedPosts(ctx context.Context, channelID string) ([]platform.Post, error) {
	pl, err := a.client.pinnedPosts(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return a.orderedPosts(pl), nil
}

func (a *Adapter) CreateInteractivePost(ctx context.Context, channelID, rootID, message string, reactions []string) (*platform.Post, error) {
	post, err := a.CreatePost(ctx, channelID, rootID, message)
	if err != nil {
		return nil, err
	}
	for _, r := range reactions {
		if err := a.AddReaction(ctx, post.ID, r); err != nil {
			a.log.Debug("seed reaction failed", "emoji", r, "error", err)
		}
	}
	return post, nil
}

// SendTyping goes over the WebSocket; a dead connection is not an error the
// caller can act on.
func (a *Adapter) SendTyping(_ context.Context, channelID, rootID string) error {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.send("user_typing", map[string]any{
		"channel_id": channelID,
		"parent_id":  rootID,
	})
}

func (a *Adapter) AddReaction(ctx context.Context, postID, emojiName string) error {
	return a.client.addReaction(ctx, a.botID(), postID, strings.Trim(emojiName, ":"))
}

func (a *Adapter) RemoveReaction(ctx context.Context, postID, emojiName string) error {
	return a.client.removeReaction(ctx, a.botID(), postID, strings.Trim(emojiName, ":"))
}

func (a *Adapter) ThreadHistory(ctx context.Context, rootID string, limit int, excludeBot bool) ([]platform.Post, error) {
	pl, err := a.client.thread(ctx, rootID)
	if err != nil {
		return nil, err
	}
	botID := a.botID()
	all := a.orderedPosts(pl)
	posts := make([]platform.Post, 0, len(all))
	for _, p := range all {
		if excludeBot && p.UserID == botID {
			continue
		}
		posts = append(posts, p)
		if len(posts) == limit {
			break
		}
	}
	return posts, nil
}

// orderedPosts flattens a postList oldest first. The order field lists posts
// newest first.
func (a *Adapter) orderedPosts(pl *postList) []platform.Post {
	posts := make([]platform.Post, 0, len(pl.Order))
	for i := len(pl.Order) - 1; i >= 0; i-- {
		if p, ok := pl.Posts[pl.Order[i]]; ok {
			posts = append(posts, *a.toPost(&p))
		}
	}
	return posts
}

// ---- files ----

func (a *Adapter) FileInfo(ctx context.Context, fileID string) (*platform.File, error) {
	fi, err := a.client.fileInfo(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &platform.File{
		ID:        fi.ID,
		Name:      fi.Name,
		Size:      fi.Size,
		MimeType:  fi.MimeType,
		Extension: fi.Extension,
	}, nil
}

func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return a.client.downloadFile(ctx, fileID)
}

// ---- formatting ----

// markdown is Mattermost's standard markdown.
type markdown struct{}

func (markdown) Bold(s string) string   { return "**" + s + "**" }
func (markdown) Italic(s string) string { return "_" + s + "_" }
func (markdown) Code(s string) string   { return "`" + s + "`" }
func (markdown) Link(text, url string) string {
	return "[" + text + "](" + url + ")"
}

func (a *Adapter) Formatter() platform.Formatter { return markdown{} }

func (a *Adapter) MCPPermissionConfig() map[string]any { return a.permission }
