package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawdeck/internal/childproc"
	"github.com/nextlevelbuilder/clawdeck/internal/platform"
)

// fakeChild is a scriptable childproc.Child.
type fakeChild struct {
	mu       sync.Mutex
	running  bool
	events   chan childproc.Event
	sent     []string
	sentRich [][]childproc.ContentBlock
	closed   bool
}

func newFakeChild() *fakeChild {
	return &fakeChild{events: make(chan childproc.Event, 64)}
}

func (c *fakeChild) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

func (c *fakeChild) SendMessage(_ context.Context, text string, blocks []childproc.ContentBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return fmt.Errorf("child not running")
	}
	c.sent = append(c.sent, text)
	c.sentRich = append(c.sentRich, blocks)
	return nil
}

func (c *fakeChild) Interrupt() error { return nil }

func (c *fakeChild) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *fakeChild) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeChild) Events() <-chan childproc.Event { return c.events }

func (c *fakeChild) ChildSessionID() string { return "child-1" }

func (c *fakeChild) emit(ev childproc.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.events <- ev
	}
}

func (c *fakeChild) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// childFactory hands out fakeChildren and remembers them.
type childFactory struct {
	mu       sync.Mutex
	children []*fakeChild
}

func (f *childFactory) new(childproc.SpawnOptions) childproc.Child {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeChild()
	f.children = append(f.children, c)
	return c
}

func (f *childFactory) last() *fakeChild {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.children) == 0 {
		return nil
	}
	return f.children[len(f.children)-1]
}

// fakeAdapter implements platform.Adapter in memory.
type fakeAdapter struct {
	mu        sync.Mutex
	nextID    int
	posts     map[string]*platform.Post
	order     []string
	seeded    map[string][]string
	pinned    map[string]bool
	allowed   map[string]bool
	users     map[string]*platform.User
	files     map[string][]byte
	fileInfos map[string]*platform.File
	events    chan platform.Event
	typing    int
}

func newFakeAdapter(allowed ...string) *fakeAdapter {
	a := &fakeAdapter{
		posts:     make(map[string]*platform.Post),
		seeded:    make(map[string][]string),
		pinned:    make(map[string]bool),
		allowed:   make(map[string]bool),
		users:     make(map[string]*platform.User),
		files:     make(map[string][]byte),
		fileInfos: make(map[string]*platform.File),
		events:    make(chan platform.Event, 64),
	}
	for _, u := range allowed {
		a.allowed[u] = true
		a.users[u] = &platform.User{ID: u, Username: u, DisplayName: u}
	}
	return a
}

func (a *fakeAdapter) ID() string                        { return "test" }
func (a *fakeAdapter) Connect(context.Context) error     { return nil }
func (a *fakeAdapter) Disconnect(context.Context) error  { return nil }
func (a *fakeAdapter) PrepareForReconnect()              {}
func (a *fakeAdapter) BotIdentity() platform.BotIdentity { return platform.BotIdentity{ID: "bot", Name: "claw"} }
func (a *fakeAdapter) Events() <-chan platform.Event     { return a.events }

func (a *fakeAdapter) UserByID(_ context.Context, id string) (*platform.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("no such user %s", id)
}

func (a *fakeAdapter) UserByUsername(_ context.Context, name string) (*platform.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.users {
		if u.Username == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("no such user @%s", name)
}

func (a *fakeAdapter) IsUserAllowed(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allowed[userID]
}

func (a *fakeAdapter) MentionsBot(msg string) bool { return strings.Contains(msg, "@claw") }

func (a *fakeAdapter) ExtractPrompt(msg string) string {
	return strings.TrimSpace(strings.ReplaceAll(msg, "@claw", ""))
}

func (a *fakeAdapter) CreatePost(_ context.Context, channelID, rootID, message string) (*platform.Post, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	p := &platform.Post{
		ID:        fmt.Sprintf("p%d", a.nextID),
		ChannelID: channelID,
		RootID:    rootID,
		UserID:    "bot",
		Message:   message,
	}
	a.posts[p.ID] = p
	a.order = append(a.order, p.ID)
	return p, nil
}

func (a *fakeAdapter) UpdatePost(_ context.Context, postID, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.posts[postID]
	if !ok {
		return fmt.Errorf("no such post %s", postID)
	}
	p.Message = message
	return nil
}

func (a *fakeAdapter) GetPost(_ context.Context, postID string) (*platform.Post, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.posts[postID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("no such post %s", postID)
}

func (a *fakeAdapter) DeletePost(_ context.Context, postID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.posts, postID)
	return nil
}

func (a *fakeAdapter) PinPost(_ context.Context, postID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pinned[postID] = true
	return nil
}

func (a *fakeAdapter) UnpinPost(_ context.Context, postID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pinned, postID)
	return nil
}

func (a *fakeAdapter) GetPinnedPosts(_ context.Context, channelID string) ([]platform.Post, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []platform.Post
	for id := range a.pinned {
		if p, ok := a.posts[id]; ok && p.ChannelID == channelID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (a *fakeAdapter) CreateInteractivePost(ctx context.Context, channelID, rootID, message string, reactions []string) (*platform.Post, error) {
	p, err := a.CreatePost(ctx, channelID, rootID, message)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.seeded[p.ID] = reactions
	a.mu.Unlock()
	return p, nil
}

func (a *fakeAdapter) SendTyping(context.Context, string, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.typing++
	return nil
}

func (a *fakeAdapter) AddReaction(context.Context, string, string) error    { return nil }
func (a *fakeAdapter) RemoveReaction(context.Context, string, string) error { return nil }

func (a *fakeAdapter) ThreadHistory(_ context.Context, rootID string, limit int, excludeBot bool) ([]platform.Post, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []platform.Post
	for _, id := range a.order {
		p := a.posts[id]
		if p == nil || (p.RootID != rootID && p.ID != rootID) {
			continue
		}
		if excludeBot && p.UserID == "bot" {
			continue
		}
		out = append(out, *p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *fakeAdapter) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if data, ok := a.files[fileID]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("no such file %s", fileID)
}

func (a *fakeAdapter) FileInfo(_ context.Context, fileID string) (*platform.File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.fileInfos[fileID]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("no such file %s", fileID)
}

func (a *fakeAdapter) Formatter() platform.Formatter { return plainFormatter{} }

func (a *fakeAdapter) MCPPermissionConfig() map[string]any { return nil }

type plainFormatter struct{}

func (plainFormatter) Bold(s string) string           { return "**" + s + "**" }
func (plainFormatter) Italic(s string) string         { return "_" + s + "_" }
func (plainFormatter) Code(s string) string           { return "`" + s + "`" }
func (plainFormatter) Link(text, url string) string   { return "[" + text + "](" + url + ")" }

// postMessages returns all post bodies, oldest first.
func (a *fakeAdapter) postMessages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.order))
	for _, id := range a.order {
		if p, ok := a.posts[id]; ok {
			out = append(out, p.Message)
		}
	}
	return out
}

// findPost returns the id of the first live post containing substr.
func (a *fakeAdapter) findPost(substr string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.order {
		if p, ok := a.posts[id]; ok && strings.Contains(p.Message, substr) {
			return id
		}
	}
	return ""
}

func (a *fakeAdapter) countPosts(substr string) int {
	n := 0
	for _, msg := range a.postMessages() {
		if strings.Contains(msg, substr) {
			n++
		}
	}
	return n
}

// postText returns a post's current body, or "" if it was deleted.
func (a *fakeAdapter) postText(postID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.posts[postID]; ok {
		return p.Message
	}
	return ""
}
