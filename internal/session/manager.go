package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawdeck/internal/childproc"
	"github.com/nextlevelbuilder/clawdeck/internal/command"
	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/interaction"
	"github.com/nextlevelbuilder/clawdeck/internal/platform"
	"github.com/nextlevelbuilder/clawdeck/internal/registry"
	"github.com/nextlevelbuilder/clawdeck/internal/store"
	"github.com/nextlevelbuilder/clawdeck/internal/worktree"
)

const sweepInterval = 60 * time.Second

type sessionKey struct {
	platform string
	thread   string
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Config *config.Config
	Store  *store.Store
	Logger *slog.Logger
	// NewChild builds child processes; tests inject fakes.
	NewChild func(childproc.SpawnOptions) childproc.Child
	// WorktreeDir is the centralised worktree root.
	WorktreeDir string
	// OnUpdateRequested is invoked when a user confirms an update prompt.
	OnUpdateRequested func()
	// OnKillRequested terminates the whole process (the !kill command).
	OnKillRequested func()
}

// Manager owns all sessions and routes adapter events to them.
type Manager struct {
	cfg      *config.Config
	st       *store.Store
	log      *slog.Logger
	posts    *registry.Registry
	commands *command.Registry
	wt       *worktree.Manager
	newChild func(childproc.SpawnOptions) childproc.Child

	onUpdateRequested func()
	onKillRequested   func()

	mu            sync.Mutex
	adapters      map[string]platform.Adapter
	stickyChannel map[string]string // platformID -> status channel id
	stickyPost    map[string]string // platformID -> pinned status post id
	sessions      map[sessionKey]*Session
	byID          map[string]*Session
	paused        map[sessionKey]store.PersistedSession
	pausedByID    map[string]sessionKey
	shuttingDown  bool
	latestVersion string // set by the release checker
}

// NewManager builds a Manager and its command table.
func NewManager(mc ManagerConfig) *Manager {
	if mc.Logger == nil {
		mc.Logger = slog.Default()
	}
	if mc.NewChild == nil {
		mc.NewChild = func(opts childproc.SpawnOptions) childproc.Child {
			return childproc.New(opts)
		}
	}
	if mc.WorktreeDir == "" {
		mc.WorktreeDir = config.ExpandHome("~/.clawdeck/worktrees")
	}
	m := &Manager{
		cfg:               mc.Config,
		st:                mc.Store,
		log:               mc.Logger,
		posts:             registry.New(),
		wt:                worktree.NewManager(mc.WorktreeDir),
		newChild:          mc.NewChild,
		onUpdateRequested: mc.OnUpdateRequested,
		onKillRequested:   mc.OnKillRequested,
		adapters:          make(map[string]platform.Adapter),
		stickyChannel:     make(map[string]string),
		stickyPost:        make(map[string]string),
		sessions:          make(map[sessionKey]*Session),
		byID:              make(map[string]*Session),
		paused:            make(map[sessionKey]store.PersistedSession),
		pausedByID:        make(map[string]sessionKey),
	}
	m.commands = m.buildCommands()
	return m
}

// Posts exposes the post registry.
func (m *Manager) Posts() *registry.Registry { return m.posts }

// Commands exposes the command table (cmd uses it for help output).
func (m *Manager) Commands() *command.Registry { return m.commands }

// AddAdapter registers a platform. stickyChannel may be empty to disable the
// status message.
func (m *Manager) AddAdapter(a platform.Adapter, stickyChannel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.ID()] = a
	if stickyChannel != "" {
		m.stickyChannel[a.ID()] = stickyChannel
	}
}

// RequestPermission routes a child's permission-tool call to its session's
// prompt. It satisfies the permission server's Decider contract.
func (m *Manager) RequestPermission(ctx context.Context, sessionID, toolName string, input json.RawMessage) (bool, error) {
	m.mu.Lock()
	sess := m.byID[sessionID]
	m.mu.Unlock()
	if sess == nil {
		return false, fmt.Errorf("no session %s", sessionID)
	}
	return sess.RequestPermission(ctx, toolName, permissionDetail(input))
}

// permissionDetail renders the tool input as a fenced block, truncated so the
// prompt stays readable.
func permissionDetail(input json.RawMessage) string {
	if len(input) == 0 || string(input) == "{}" || string(input) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, input, "", "  "); err != nil {
		buf.Reset()
		buf.Write(input)
	}
	detail := platform.Truncate(buf.String(), 1000)
	return "```\n" + detail + "\n```"
}

// SetLatestVersion records an available release; active sessions get an
// update prompt on their next turn boundary.
func (m *Manager) SetLatestVersion(ctx context.Context, v string) {
	m.mu.Lock()
	m.latestVersion = v
	sessions := m.activeSessionsLocked()
	m.mu.Unlock()

	for _, s := range sessions {
		s := s
		err := s.Interactions().StartUpdatePrompt(ctx, v, func(ctx context.Context, now bool) {
			if now {
				m.requestUpdate()
			}
		})
		if err != nil {
			s.log.Debug("update prompt skipped", "error", err)
		}
	}
}

func (m *Manager) requestUpdate() {
	if m.onUpdateRequested != nil {
		m.onUpdateRequested()
	}
}

// Run connects adapters, resumes persisted sessions, and pumps events until
// ctx is cancelled, then shuts down.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	adapters := make([]platform.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	for _, a := range adapters {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", a.ID(), err)
		}
		m.log.Info("platform connected", "platform", a.ID())
	}

	m.resumeFromStore(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			m.pump(ctx, a)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.Sweep(context.WithoutCancel(ctx))
			}
		}
	})

	for _, a := range adapters {
		m.updateSticky(ctx, a.ID())
	}

	<-ctx.Done()
	m.Shutdown(context.WithoutCancel(ctx))
	return g.Wait()
}

func (m *Manager) pump(ctx context.Context, a platform.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Events():
			if !ok {
				return
			}
			m.handleEvent(ctx, a, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, a platform.Adapter, ev platform.Event) {
	m.mu.Lock()
	down := m.shuttingDown
	m.mu.Unlock()
	if down {
		return
	}

	switch ev.Type {
	case platform.EventMessage, platform.EventChannelPost:
		if ev.Post != nil {
			m.HandleMessage(ctx, a, ev.Post)
		}
	case platform.EventReaction:
		if ev.Reaction != nil {
			m.HandleReaction(ctx, a, ev.Reaction)
		}
	case platform.EventConnected:
		m.log.Info("adapter connected", "platform", a.ID())
	case platform.EventDisconnected:
		m.log.Warn("adapter disconnected", "platform", a.ID())
	case platform.EventReconnecting:
		m.log.Info("adapter reconnecting", "platform", a.ID(), "attempt", ev.Attempt)
	case platform.EventError:
		m.log.Error("adapter error", "platform", a.ID(), "error", ev.Err)
	}
}

// threadKey derives the session key for a post.
func threadKey(platformID string, post *platform.Post) sessionKey {
	thread := post.RootID
	if thread == "" {
		thread = post.ID
	}
	return sessionKey{platform: platformID, thread: thread}
}

// HandleMessage routes one incoming post.
func (m *Manager) HandleMessage(ctx context.Context, a platform.Adapter, post *platform.Post) {
	if post.UserID == a.BotIdentity().ID {
		return
	}
	key := threadKey(a.ID(), post)

	m.mu.Lock()
	sess := m.sessions[key]
	_, isPaused := m.paused[key]
	m.mu.Unlock()

	switch {
	case sess != nil && sess.State() == StatePaused:
		m.resumeWithFollowUp(ctx, sess, a, post)
	case sess != nil:
		m.handleSessionMessage(ctx, sess, a, post)
	case isPaused:
		m.resumePersisted(ctx, a, key, a.ExtractPrompt(post.Message))
	default:
		m.handleFirstMessage(ctx, a, post, key)
	}
}

func (m *Manager) resumeWithFollowUp(ctx context.Context, sess *Session, a platform.Adapter, post *platform.Post) {
	if !sess.IsAllowed(post.UserID) {
		return
	}
	if err := sess.ResumeLive(ctx); err != nil {
		sess.log.Error("resume failed", "error", err)
		return
	}
	m.handleSessionMessage(ctx, sess, a, post)
}

func (m *Manager) handleSessionMessage(ctx context.Context, sess *Session, a platform.Adapter, post *platform.Post) {
	text := a.ExtractPrompt(post.Message)

	if !sess.IsAllowed(post.UserID) {
		err := sess.Interactions().StartMessageApproval(ctx, post.UserID, text,
			func(ctx context.Context, allow, invite bool) {
				if invite {
					sess.InviteUser(post.UserID)
				}
				if allow {
					if err := sess.SendFollowUp(ctx, text, nil); err != nil {
						sess.log.Error("approved message send failed", "error", err)
					}
				}
			})
		if err != nil {
			sess.log.Debug("message approval skipped", "error", err)
		}
		return
	}

	res := m.commands.Dispatch(ctx, text, command.Request{
		Context:    command.ContextInSession,
		UserID:     post.UserID,
		PlatformID: a.ID(),
		ThreadID:   sess.ThreadID,
	})
	if res.Handled {
		if res.Reply != "" {
			sess.postLifecycle(ctx, res.Reply)
		}
		if res.PassThrough != "" {
			if err := sess.SendToChild(ctx, res.PassThrough); err != nil {
				sess.log.Error("passthrough failed", "error", err)
			}
		}
		return
	}

	if err := sess.SendFollowUp(ctx, text, m.postFiles(ctx, a, post)); err != nil {
		sess.log.Error("follow-up failed", "error", err)
		sess.postLifecycle(ctx, "⚠️ Could not reach the assistant. Try again or react 🔄 on the session header.")
	}
}

// postFiles resolves a post's attachments to File descriptors. Adapters
// deliver ids inline in the post metadata; both adapters pack them into the
// message on delivery, so this is a FileInfo pass.
func (m *Manager) postFiles(ctx context.Context, a platform.Adapter, post *platform.Post) []platform.File {
	if len(post.FileIDs) == 0 {
		return nil
	}
	files := make([]platform.File, 0, len(post.FileIDs))
	for _, id := range post.FileIDs {
		f, err := a.FileInfo(ctx, id)
		if err != nil {
			m.log.Warn("file info failed", "file", id, "error", err)
			continue
		}
		files = append(files, *f)
	}
	return files
}

func (m *Manager) handleFirstMessage(ctx context.Context, a platform.Adapter, post *platform.Post, key sessionKey) {
	// A new session needs the bot addressed: a mention anywhere or a
	// top-level post in the bot's channel.
	if post.RootID != "" && !a.MentionsBot(post.Message) {
		return
	}
	if !a.IsUserAllowed(post.UserID) {
		m.log.Debug("message from disallowed user ignored", "platform", a.ID(), "user", post.UserID)
		return
	}

	prompt := a.ExtractPrompt(post.Message)
	var opts StartOptions
	worktreeBranch := ""

	res := m.commands.Dispatch(ctx, prompt, command.Request{
		Context:    command.ContextFirstMessage,
		UserID:     post.UserID,
		PlatformID: a.ID(),
		ThreadID:   key.thread,
	})
	if res.Handled {
		if res.Reply != "" {
			if _, err := a.CreatePost(ctx, post.ChannelID, key.thread, res.Reply); err != nil {
				m.log.Warn("command reply failed", "error", err)
			}
		}
		if res.SessionOptions == nil && res.WorktreeBranch == "" {
			return
		}
		if so := res.SessionOptions; so != nil {
			opts.WorkingDir = so.WorkingDir
			opts.SkipPermissions = so.SkipPermissions
		}
		worktreeBranch = res.WorktreeBranch
		prompt = res.RemainingText
	}
	if strings.TrimSpace(prompt) == "" && worktreeBranch == "" {
		return
	}

	if m.ActiveCount() >= m.cfg.Sessions.MaxSessions {
		msg := fmt.Sprintf("🚦 Too busy: %d sessions are already active. Try again when one finishes.", m.cfg.Sessions.MaxSessions)
		if _, err := a.CreatePost(ctx, post.ChannelID, key.thread, msg); err != nil {
			m.log.Warn("too-busy notice failed", "error", err)
		}
		return
	}

	sess := newSession(m, a, post.ChannelID, key.thread, post.UserID)
	m.mu.Lock()
	m.sessions[key] = sess
	m.byID[sess.ID] = sess
	m.mu.Unlock()

	files := m.postFiles(ctx, a, post)

	if worktreeBranch != "" {
		m.startInWorktree(ctx, sess, worktreeBranch, prompt, files, opts)
		return
	}
	if m.maybePromptWorktree(ctx, sess, prompt, files, opts) {
		return
	}
	if m.maybePromptContext(ctx, a, sess, post, prompt, files, opts) {
		return
	}
	m.startSession(ctx, sess, prompt, files, opts)
}

func (m *Manager) startSession(ctx context.Context, sess *Session, prompt string, files []platform.File, opts StartOptions) {
	if err := sess.Start(ctx, prompt, files, opts); err != nil {
		sess.log.Error("session start failed", "error", err)
		sess.postLifecycle(ctx, "⚠️ Could not start the assistant: "+err.Error())
		sess.Cancel(ctx, false)
		return
	}
	m.updateSticky(ctx, sess.PlatformID)
}

// startInWorktree creates (or joins) a worktree and starts the session there.
func (m *Manager) startInWorktree(ctx context.Context, sess *Session, branch, prompt string, files []platform.File, opts StartOptions) {
	dir := sess.WorkingDir()
	if opts.WorkingDir != "" {
		dir = opts.WorkingDir
	}
	repoRoot, err := worktree.RepoRoot(ctx, dir)
	if err != nil {
		sess.postLifecycle(ctx, fmt.Sprintf("⚠️ `%s` is not inside a git repository.", dir))
		m.startSession(ctx, sess, prompt, files, opts)
		return
	}

	if info, ok := m.wt.Find(ctx, repoRoot, branch); ok {
		err := sess.Interactions().StartWorktreeExisting(ctx, branch, info.Path,
			func(ctx context.Context, choice interaction.WorktreeChoice) {
				if choice.UseExisting {
					joined := *info
					joined.IsOwner = false
					opts.WorkingDir = joined.Path
					m.startSession(ctx, sess, prompt, files, opts)
					sess.setWorktree(&joined)
				} else {
					m.startSession(ctx, sess, prompt, files, opts)
				}
			})
		if err != nil {
			sess.log.Warn("worktree-existing prompt failed", "error", err)
			m.startSession(ctx, sess, prompt, files, opts)
		}
		return
	}

	info, fail := m.wt.Create(ctx, repoRoot, branch)
	if fail != nil {
		allowSkip := m.cfg.WorktreeMode != config.WorktreeRequire
		err := sess.Interactions().StartWorktreeFailure(ctx, branch, fail, allowSkip,
			func(ctx context.Context, choice interaction.WorktreeChoice) {
				if choice.Skip {
					m.startSession(ctx, sess, prompt, files, opts)
					return
				}
				m.startInWorktree(ctx, sess, choice.Branch, prompt, files, opts)
			})
		if err != nil {
			sess.log.Error("worktree failure prompt failed", "error", err)
			m.startSession(ctx, sess, prompt, files, opts)
		}
		return
	}

	sess.postLifecycle(ctx, fmt.Sprintf("🌿 Created worktree for `%s`", branch))
	opts.WorkingDir = info.Path
	m.startSession(ctx, sess, prompt, files, opts)
	sess.setWorktree(info)
}

// maybePromptWorktree runs the pre-session worktree prompt when the mode and
// preconditions call for it. Returns true when a prompt was posted.
func (m *Manager) maybePromptWorktree(ctx context.Context, sess *Session, prompt string, files []platform.File, opts StartOptions) bool {
	mode := m.cfg.WorktreeMode
	if mode == config.WorktreeOff {
		return false
	}
	dir := sess.WorkingDir()
	if opts.WorkingDir != "" {
		dir = opts.WorkingDir
	}
	repoRoot, err := worktree.RepoRoot(ctx, dir)
	if err != nil {
		return false
	}

	reason := ""
	switch {
	case mode == config.WorktreeRequire:
		reason = "Worktrees are required for sessions on this repository."
	case worktree.HasUncommittedChanges(ctx, repoRoot):
		reason = "The repository has uncommitted changes."
	case m.repoInUse(repoRoot, sess.ID):
		reason = "Another session is already working in this repository."
	default:
		return false
	}

	allowSkip := mode != config.WorktreeRequire
	err = sess.Interactions().StartWorktreeInitial(ctx, reason, worktree.SuggestBranches(prompt), allowSkip,
		func(ctx context.Context, choice interaction.WorktreeChoice) {
			if choice.Skip {
				m.startSession(ctx, sess, prompt, files, opts)
				return
			}
			m.startInWorktree(ctx, sess, choice.Branch, prompt, files, opts)
		})
	if err != nil {
		sess.log.Warn("worktree prompt failed", "error", err)
		return false
	}
	return true
}

// repoInUse reports whether another live session runs inside repoRoot.
func (m *Manager) repoInUse(repoRoot, excludeSessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == excludeSessionID {
			continue
		}
		st := s.State()
		if st != StateActive && st != StateRestarting {
			continue
		}
		if strings.HasPrefix(s.WorkingDir(), repoRoot) {
			return true
		}
	}
	return false
}

// worktreeInUse reports whether another live session runs inside the
// worktree at path.
func (m *Manager) worktreeInUse(path, excludeSessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == excludeSessionID {
			continue
		}
		st := s.State()
		if st != StateActive && st != StateRestarting {
			continue
		}
		if s.WorkingDir() == path {
			return true
		}
	}
	return false
}

// maybePromptContext offers thread-history context when the session starts
// inside a thread with earlier messages. Returns true when a prompt was
// posted.
func (m *Manager) maybePromptContext(ctx context.Context, a platform.Adapter, sess *Session, post *platform.Post, prompt string, files []platform.File, opts StartOptions) bool {
	if post.RootID == "" {
		return false
	}
	history, err := a.ThreadHistory(ctx, post.RootID, 50, true)
	if err != nil || len(history) <= 1 {
		return false
	}
	count := len(history) - 1 // exclude the triggering message

	err = sess.Interactions().StartContextSelection(ctx, count,
		func(ctx context.Context, choice interaction.ContextChoice) {
			opts.ContextPrefix = buildContextPrefix(history, choice)
			m.startSession(ctx, sess, prompt, files, opts)
		})
	if err != nil {
		sess.log.Warn("context prompt failed", "error", err)
		return false
	}
	return true
}

// buildContextPrefix renders selected thread history for the child.
func buildContextPrefix(history []platform.Post, choice interaction.ContextChoice) string {
	var selected []platform.Post
	n := len(history)
	pick := 0
	switch choice {
	case interaction.ContextNone:
		return ""
	case interaction.ContextTimeoutReason:
		return "The previous session in this thread timed out; its conversation was not carried over."
	case interaction.ContextLastN:
		pick = 10
	case interaction.ContextLast2N:
		pick = 20
	case interaction.ContextWholeThread:
		pick = n
	default:
		return ""
	}
	if pick > n {
		pick = n
	}
	selected = history[n-pick:]

	var sb strings.Builder
	sb.WriteString("Earlier messages in this thread:\n")
	for _, p := range selected {
		line := platform.Truncate(strings.ReplaceAll(p.Message, "\n", " "), 300)
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// HandleReaction routes a reaction through the registry.
func (m *Manager) HandleReaction(ctx context.Context, a platform.Adapter, r *platform.Reaction) {
	if r.UserID == a.BotIdentity().ID {
		return
	}
	entry, ok := m.posts.Get(r.PostID)
	if !ok {
		return
	}

	m.mu.Lock()
	sess := m.byID[entry.SessionID]
	pausedKey, hasPersisted := m.pausedByID[entry.SessionID]
	m.mu.Unlock()

	canon := platform.NormalizeEmoji(r.EmojiName)

	if entry.Role == registry.RoleSessionHeader {
		switch canon {
		case platform.EmojiResume:
			if sess != nil && sess.State() == StatePaused {
				if !sess.IsAllowed(r.UserID) {
					return
				}
				if err := sess.ResumeLive(ctx); err != nil {
					sess.log.Error("resume failed", "error", err)
				}
				return
			}
			if hasPersisted {
				m.resumePersisted(ctx, a, pausedKey, "")
			}
		case platform.EmojiCancel:
			if sess != nil && sess.IsAllowed(r.UserID) {
				sess.Cancel(ctx, false)
			} else if hasPersisted {
				m.dropPersisted(pausedKey)
			}
		case platform.EmojiInterrupt:
			if sess != nil && sess.IsAllowed(r.UserID) {
				sess.Interrupt(ctx)
			}
		}
		return
	}

	if sess == nil {
		return
	}
	if entry.Role == registry.RoleTaskList && canon == platform.EmojiToggle {
		sess.ToggleTasks(ctx)
		return
	}
	if !sess.IsAllowed(r.UserID) {
		return
	}
	if sess.Interactions().HandleReaction(ctx, r.PostID, r.EmojiName, r.UserID) {
		sess.touch()
		m.persist()
	}
}

// resumePersisted revives a disk-persisted session.
func (m *Manager) resumePersisted(ctx context.Context, a platform.Adapter, key sessionKey, prompt string) {
	m.mu.Lock()
	p, ok := m.paused[key]
	if ok {
		delete(m.paused, key)
		delete(m.pausedByID, p.SessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.ActiveCount() >= m.cfg.Sessions.MaxSessions {
		m.log.Warn("resume blocked by session cap", "thread", key.thread)
		m.mu.Lock()
		m.paused[key] = p
		m.pausedByID[p.SessionID] = key
		m.mu.Unlock()
		return
	}

	channelID := key.thread
	if post, err := a.GetPost(ctx, key.thread); err == nil {
		channelID = post.ChannelID
	}

	sess := newSession(m, a, channelID, key.thread, p.StartedBy)
	if err := sess.Resume(ctx, p, prompt); err != nil {
		m.log.Error("persisted resume failed", "thread", key.thread, "error", err)
		m.mu.Lock()
		m.paused[key] = p
		m.pausedByID[p.SessionID] = key
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	m.sessions[key] = sess
	m.byID[sess.ID] = sess
	m.mu.Unlock()
	m.updateSticky(ctx, sess.PlatformID)
}

func (m *Manager) dropPersisted(key sessionKey) {
	m.mu.Lock()
	if p, ok := m.paused[key]; ok {
		delete(m.paused, key)
		delete(m.pausedByID, p.SessionID)
		m.posts.ClearSession(p.SessionID)
	}
	m.mu.Unlock()
	m.persist()
}

// SessionFor returns the live session for a thread.
func (m *Manager) SessionFor(platformID, threadID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{platform: platformID, thread: threadID}]
	return s, ok
}

// IsInSessionThread reports whether a thread hosts a session in {active,
// restarting}.
func (m *Manager) IsInSessionThread(platformID, threadID string) bool {
	s, ok := m.SessionFor(platformID, threadID)
	if !ok {
		return false
	}
	st := s.State()
	return st == StateActive || st == StateRestarting
}

// ActiveCount counts sessions in {active, restarting}.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeSessionsLocked())
}

func (m *Manager) activeSessionsLocked() []*Session {
	var out []*Session
	for _, s := range m.sessions {
		st := s.State()
		if st == StateActive || st == StateRestarting {
			out = append(out, s)
		}
	}
	return out
}

// Sweep pauses sessions idle past the timeout. One pass posts at most one
// timeout notice per session.
func (m *Manager) Sweep(ctx context.Context) {
	timeout := m.cfg.SessionTimeout()
	m.mu.Lock()
	candidates := m.activeSessionsLocked()
	m.mu.Unlock()

	now := time.Now()
	for _, s := range candidates {
		if now.Sub(s.LastActivity()) <= timeout {
			continue
		}
		s.postLifecycle(ctx, "⏱️ Session timed out after inactivity. React 🔄 on the session header to resume.")
		s.Pause(ctx)
		s.log.Info("session paused by idle sweep")
		m.updateSticky(ctx, s.PlatformID)
	}
}

// sessionEnded removes a session from the maps. retain keeps the persisted
// record and session-header registration so resume reactions still work.
func (m *Manager) sessionEnded(s *Session, retain bool) {
	key := sessionKey{platform: s.PlatformID, thread: s.ThreadID}
	m.mu.Lock()
	delete(m.sessions, key)
	delete(m.byID, s.ID)
	if retain {
		p := s.snapshot()
		p.LifecycleState = string(StatePaused)
		m.paused[key] = p
		m.pausedByID[p.SessionID] = key
	}
	m.mu.Unlock()

	if retain && s.HeaderPostID() != "" {
		m.posts.Register(registry.Entry{
			PostID:    s.HeaderPostID(),
			ThreadID:  s.ThreadID,
			SessionID: s.ID,
			Role:      registry.RoleSessionHeader,
		})
	}
	m.persist()
	m.updateSticky(context.Background(), s.PlatformID)
}

// persist writes the current snapshot. Errors are logged, not propagated;
// the in-memory state stays authoritative.
func (m *Manager) persist() {
	if m.st == nil {
		return
	}
	m.mu.Lock()
	snap := &store.Snapshot{PlatformEnabled: make(map[string]bool, len(m.adapters))}
	for id := range m.adapters {
		snap.PlatformEnabled[id] = true
	}
	for _, s := range m.sessions {
		if s.State() == StateEnded {
			continue
		}
		snap.Sessions = append(snap.Sessions, s.snapshot())
	}
	for _, p := range m.paused {
		snap.Sessions = append(snap.Sessions, p)
	}
	m.mu.Unlock()

	if err := m.st.Save(snap); err != nil {
		m.log.Error("persist failed", "error", err)
	}
}

// resumeFromStore loads persisted sessions as paused, eligible for
// reaction-resume via their session-header posts.
func (m *Manager) resumeFromStore(ctx context.Context) {
	if m.st == nil {
		return
	}
	snap, err := m.st.Load()
	if err != nil {
		m.log.Error("load persisted sessions failed", "error", err)
		return
	}

	for _, p := range snap.Sessions {
		m.mu.Lock()
		_, enabled := m.adapters[p.PlatformID]
		m.mu.Unlock()
		if !enabled {
			continue
		}
		key := sessionKey{platform: p.PlatformID, thread: p.ThreadID}
		p.LifecycleState = string(StatePaused)
		m.mu.Lock()
		m.paused[key] = p
		m.pausedByID[p.SessionID] = key
		m.mu.Unlock()
		if p.SessionStartPostID != "" {
			m.posts.Register(registry.Entry{
				PostID:    p.SessionStartPostID,
				ThreadID:  p.ThreadID,
				SessionID: p.SessionID,
				Role:      registry.RoleSessionHeader,
			})
		}
		m.log.Info("persisted session available for resume",
			"platform", p.PlatformID, "thread", p.ThreadID, "session", p.SessionID)
	}
}

// Shutdown ends all sessions and disconnects adapters.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	adapters := make([]platform.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	m.log.Info("shutting down", "sessions", len(sessions))
	for _, s := range sessions {
		if st := s.State(); st == StateActive || st == StateRestarting {
			s.postLifecycle(ctx, "🛑 Server shutting down. React 🔄 on the session header to resume after restart.")
		}
		s.fmtr.StopTyping()
		s.Pause(ctx)
	}
	m.persist()

	for _, a := range adapters {
		m.updateSticky(ctx, a.ID())
		if err := a.Disconnect(ctx); err != nil {
			m.log.Warn("adapter disconnect failed", "platform", a.ID(), "error", err)
		}
	}
}

// updateSticky rewrites the pinned per-platform status message.
func (m *Manager) updateSticky(ctx context.Context, platformID string) {
	m.mu.Lock()
	a := m.adapters[platformID]
	channel := m.stickyChannel[platformID]
	postID := m.stickyPost[platformID]
	down := m.shuttingDown
	var lines []string
	for _, s := range m.sessions {
		if s.PlatformID != platformID {
			continue
		}
		st := s.State()
		if st != StateActive && st != StateRestarting {
			continue
		}
		title := s.Title()
		if title == "" {
			title = s.ThreadID
		}
		lines = append(lines, fmt.Sprintf("• %s (started by %s)", title, s.Owner()))
	}
	m.mu.Unlock()

	if a == nil || channel == "" {
		return
	}

	var sb strings.Builder
	if down {
		sb.WriteString("🛑 **clawdeck is offline**")
	} else if len(lines) == 0 {
		sb.WriteString("✅ **clawdeck is online** — no active sessions")
	} else {
		fmt.Fprintf(&sb, "✅ **clawdeck is online** — %d active session(s)\n", len(lines))
		sb.WriteString(strings.Join(lines, "\n"))
	}

	if postID != "" {
		if err := a.UpdatePost(ctx, postID, sb.String()); err == nil {
			return
		}
	}
	post, err := a.CreatePost(ctx, channel, "", sb.String())
	if err != nil {
		m.log.Debug("sticky post failed", "platform", platformID, "error", err)
		return
	}
	if err := a.PinPost(ctx, post.ID); err != nil {
		m.log.Debug("sticky pin failed", "platform", platformID, "error", err)
	}
	m.mu.Lock()
	m.stickyPost[platformID] = post.ID
	m.mu.Unlock()
}

// assistantCommandPrompt builds the system-prompt section that tells the
// child which chat commands it may emit.
func (m *Manager) assistantCommandPrompt() string {
	names := make([]string, 0, 4)
	for name := range m.commands.AssistantAllowed() {
		names = append(names, "!"+name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return "You may control your own session by writing one of these commands on its own line in a reply: " +
		strings.Join(names, ", ")
}
