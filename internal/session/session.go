// Package session owns the per-thread session state machine and the manager
// that multiplexes sessions across platform adapters.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawdeck/internal/attach"
	"github.com/nextlevelbuilder/clawdeck/internal/childproc"
	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/interaction"
	"github.com/nextlevelbuilder/clawdeck/internal/mcp"
	"github.com/nextlevelbuilder/clawdeck/internal/platform"
	"github.com/nextlevelbuilder/clawdeck/internal/registry"
	"github.com/nextlevelbuilder/clawdeck/internal/store"
	"github.com/nextlevelbuilder/clawdeck/internal/stream"
	"github.com/nextlevelbuilder/clawdeck/internal/worktree"
)

// State is a session's lifecycle state.
type State string

const (
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateRestarting State = "restarting"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)

// recentEventsSize bounds the per-session debug ring.
const recentEventsSize = 50

// StartOptions seed a session before its child spawns.
type StartOptions struct {
	WorkingDir      string
	SkipPermissions *bool
	ContextPrefix   string
	Resume          string // child session id to resume
}

// Session is one thread's conversation with one child process.
type Session struct {
	ID         string
	PlatformID string
	ChannelID  string
	ThreadID   string

	mgr     *Manager
	adapter platform.Adapter
	posts   *registry.Registry
	cfg     *config.Config
	log     *slog.Logger

	fmtr  *stream.Formatter
	inter *interaction.Engine

	mu               sync.Mutex
	state            State
	owner            string
	allowedUsers     map[string]bool
	startedAt        time.Time
	lastActivityAt   time.Time
	workingDir       string
	wtInfo           *worktree.Info
	childSessionID   string
	skipPermissions  bool
	forceInteractive bool
	planApproved     bool
	allowAllTools    bool
	messageCount     int
	title            string
	lastError        string
	headerPostID     string
	tasksPostID      string
	tasksMinimized   bool
	activeSubagents  map[string]string // toolUseID -> postID
	followUps        []string          // queued while an interaction is open
	recentEvents     []string
	expectedExit     bool

	child      childproc.Child
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func newSession(m *Manager, adapter platform.Adapter, channelID, threadID, owner string) *Session {
	s := &Session{
		ID:              uuid.NewString(),
		PlatformID:      adapter.ID(),
		ChannelID:       channelID,
		ThreadID:        threadID,
		mgr:             m,
		adapter:         adapter,
		posts:           m.posts,
		cfg:             m.cfg,
		state:           StateActive,
		owner:           owner,
		allowedUsers:    map[string]bool{owner: true},
		startedAt:       time.Now(),
		lastActivityAt:  time.Now(),
		workingDir:      m.cfg.WorkingDir,
		skipPermissions: m.cfg.PermissionsMode != config.PermissionsInteractive,
		activeSubagents: make(map[string]string),
	}
	s.log = m.log.With("platform", s.PlatformID, "thread", threadID, "session", s.ID)

	home, _ := os.UserHomeDir()
	s.fmtr = stream.NewFormatter(stream.FormatterConfig{
		Sink: (*sessionSink)(s),
		Breaker: stream.NewBreaker(stream.Limits{
			SoftBreakChars:      m.cfg.Stream.SoftBreakChars,
			MinBreakChars:       m.cfg.Stream.MinBreakChars,
			MaxLinesBeforeBreak: m.cfg.Stream.MaxLinesBeforeBreak,
			MaxHeightPx:         m.cfg.Stream.MaxHeightPx,
		}),
		Tools:          &stream.ToolFormatter{Home: home},
		Debounce:       m.cfg.Stream.UpdateDebounce(),
		TypingInterval: m.cfg.Stream.TypingInterval(),
	})
	s.inter = interaction.New(s)
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Owner returns the starting user's id.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// HeaderPostID returns the session-header post id.
func (s *Session) HeaderPostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerPostID
}

// IsAllowed reports whether a user may steer this session.
func (s *Session) IsAllowed(userID string) bool {
	s.mu.Lock()
	allowed := s.allowedUsers[userID]
	s.mu.Unlock()
	return allowed || s.adapter.IsUserAllowed(userID)
}

// touch resets the idle clock.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the idle-sweep timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// SetLastActivity is a test hook for the idle sweep.
func (s *Session) SetLastActivity(t time.Time) {
	s.mu.Lock()
	s.lastActivityAt = t
	s.mu.Unlock()
}

func (s *Session) recordEvent(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := time.Now().Format(time.TimeOnly) + " " + fmt.Sprintf(format, args...)
	s.recentEvents = append(s.recentEvents, line)
	if len(s.recentEvents) > recentEventsSize {
		s.recentEvents = s.recentEvents[len(s.recentEvents)-recentEventsSize:]
	}
}

// RecentEvents returns a copy of the debug ring, oldest first.
func (s *Session) RecentEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recentEvents...)
}

// Start spawns the child and sends the initial prompt.
func (s *Session) Start(ctx context.Context, prompt string, files []platform.File, opts StartOptions) error {
	s.mu.Lock()
	if opts.WorkingDir != "" {
		s.workingDir = opts.WorkingDir
	}
	if opts.SkipPermissions != nil {
		s.skipPermissions = *opts.SkipPermissions
	}
	s.mu.Unlock()

	if err := s.spawnChild(ctx, opts.Resume); err != nil {
		return err
	}
	s.postHeader(ctx)

	text := prompt
	if opts.ContextPrefix != "" {
		text = opts.ContextPrefix + "\n\n" + prompt
	}
	if err := s.sendToChildWithFiles(ctx, text, files); err != nil {
		s.log.Error("initial message failed", "error", err)
		return err
	}
	s.fmtr.StartTyping(ctx)
	s.touch()
	s.mgr.persist()
	return nil
}

// Resume restores a persisted session and spawns a child against the saved
// child session id.
func (s *Session) Resume(ctx context.Context, p store.PersistedSession, prompt string) error {
	s.mu.Lock()
	s.ID = p.SessionID
	s.owner = p.StartedBy
	s.allowedUsers = make(map[string]bool, len(p.AllowedUsers))
	for _, u := range p.AllowedUsers {
		s.allowedUsers[u] = true
	}
	s.startedAt = p.StartedAt
	s.workingDir = p.WorkingDir
	s.wtInfo = p.Worktree
	s.childSessionID = p.ChildSessionID
	s.planApproved = p.PlanApproved
	s.forceInteractive = p.ForceInteractivePermissions
	s.messageCount = p.MessageCount
	s.title = p.SessionTitle
	s.headerPostID = p.SessionStartPostID
	resume := s.childSessionID
	s.mu.Unlock()

	if s.headerPostID != "" {
		s.posts.Register(registry.Entry{
			PostID:    s.headerPostID,
			ThreadID:  s.ThreadID,
			SessionID: s.ID,
			Role:      registry.RoleSessionHeader,
		})
	}

	if err := s.spawnChild(ctx, resume); err != nil {
		return err
	}
	s.setState(StateActive)
	s.postLifecycle(ctx, "🔄 Session resumed")
	if prompt != "" {
		if err := s.sendToChildWithFiles(ctx, prompt, nil); err != nil {
			return err
		}
		s.fmtr.StartTyping(ctx)
	}
	s.touch()
	s.mgr.persist()
	return nil
}

// ResumeLive reactivates a paused session that is still in memory.
func (s *Session) ResumeLive(ctx context.Context) error {
	s.mu.Lock()
	resume := s.childSessionID
	s.mu.Unlock()
	if err := s.spawnChild(ctx, resume); err != nil {
		return err
	}
	s.setState(StateActive)
	s.postLifecycle(ctx, "🔄 Session resumed")
	s.recordEvent("resumed")
	s.touch()
	s.mgr.persist()
	return nil
}

func (s *Session) spawnChild(ctx context.Context, resume string) error {
	s.mu.Lock()
	opts := childproc.SpawnOptions{
		Command:             s.cfg.Child.Command,
		WorkingDir:          s.workingDir,
		ThreadID:            s.ThreadID,
		SessionID:           s.ID,
		Resume:              resume,
		SkipPermissions:     s.skipPermissions && !s.forceInteractive,
		Chrome:              s.cfg.Chrome,
		AppendSystemPrompt:  s.buildSystemPromptLocked(),
		PermissionTimeoutMs: s.cfg.Child.PermissionTimeoutMs,
	}
	if !opts.SkipPermissions {
		opts.MCPConfig = mcp.WithSession(s.adapter.MCPPermissionConfig(), s.ID)
	}
	s.expectedExit = false
	s.mu.Unlock()

	child := s.mgr.newChild(opts)
	if err := child.Start(ctx); err != nil {
		return fmt.Errorf("spawn child: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.child = child
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	s.mu.Unlock()
	go s.eventLoop(loopCtx, child)
	return nil
}

func (s *Session) buildSystemPromptLocked() string {
	base := s.cfg.Child.AppendSystemPrompt
	extra := s.mgr.assistantCommandPrompt()
	switch {
	case base == "":
		return extra
	case extra == "":
		return base
	default:
		return base + "\n\n" + extra
	}
}

func (s *Session) postHeader(ctx context.Context) {
	s.mu.Lock()
	dir := s.workingDir
	wt := s.wtInfo
	s.mu.Unlock()

	msg := fmt.Sprintf("🚀 Session started in `%s`", s.fmtr.Tools().ShortenPath(dir))
	if wt != nil {
		msg += fmt.Sprintf(" (worktree `%s`)", wt.Branch)
	}
	post, err := s.adapter.CreatePost(ctx, s.ChannelID, s.ThreadID, msg)
	if err != nil {
		s.log.Warn("session header post failed", "error", err)
		return
	}
	s.posts.Register(registry.Entry{
		PostID:    post.ID,
		ThreadID:  s.ThreadID,
		SessionID: s.ID,
		Role:      registry.RoleSessionHeader,
	})
	s.mu.Lock()
	s.headerPostID = post.ID
	s.mu.Unlock()
}

func (s *Session) postLifecycle(ctx context.Context, msg string) {
	post, err := s.adapter.CreatePost(ctx, s.ChannelID, s.ThreadID, msg)
	if err != nil {
		s.log.Warn("lifecycle post failed", "error", err)
		return
	}
	// Ended sessions must leave no registry entries behind.
	if s.State() == StateEnded {
		return
	}
	s.posts.Register(registry.Entry{
		PostID:    post.ID,
		ThreadID:  s.ThreadID,
		SessionID: s.ID,
		Role:      registry.RoleLifecycle,
	})
}

// sendToChildWithFiles converts attachments and writes one user message.
func (s *Session) sendToChildWithFiles(ctx context.Context, text string, files []platform.File) error {
	var blocks []childproc.ContentBlock
	if len(files) > 0 {
		contents := make(map[string][]byte, len(files))
		for _, f := range files {
			data, err := s.adapter.DownloadFile(ctx, f.ID)
			if err != nil {
				s.log.Warn("file download failed", "file", f.Name, "error", err)
				continue
			}
			contents[f.ID] = data
		}
		res := attach.Convert(files, contents)
		blocks = res.Blocks
		if notice := attach.SkippedNotice(res.Skipped); notice != "" {
			s.postLifecycle(ctx, notice)
		}
	}

	s.mu.Lock()
	child := s.child
	s.messageCount++
	s.mu.Unlock()
	if child == nil || !child.IsRunning() {
		return fmt.Errorf("no running child")
	}
	if err := child.SendMessage(ctx, text, blocks); err != nil {
		return fmt.Errorf("send to child: %w", err)
	}
	s.recordEvent("sent user message (%d chars, %d blocks)", len(text), len(blocks))
	return nil
}

// SendFollowUp forwards an in-session user message to the child. When an
// interaction accepting text is open, the text is consumed by it instead.
func (s *Session) SendFollowUp(ctx context.Context, text string, files []platform.File) error {
	if s.inter.HandleFollowUpText(ctx, text) {
		s.touch()
		return nil
	}
	if err := s.sendToChildWithFiles(ctx, text, files); err != nil {
		return err
	}
	s.fmtr.StartTyping(ctx)
	s.touch()
	s.mgr.persist()
	return nil
}

// Interrupt stops the current child turn, keeping the session alive.
func (s *Session) Interrupt(ctx context.Context) {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	s.fmtr.StopTyping()
	if child != nil {
		if err := child.Interrupt(); err != nil {
			s.log.Warn("interrupt failed", "error", err)
		}
	}
	s.recordEvent("interrupted")
	s.touch()
	s.mgr.persist()
}

// Pause flushes output and stops the child while retaining persistence so
// the session can be resumed from its header post.
func (s *Session) Pause(ctx context.Context) {
	s.fmtr.StopTyping()
	s.fmtr.Flush(ctx)
	s.inter.Cancel()
	s.stopChild()
	s.setState(StatePaused)
	s.recordEvent("paused")
	s.mgr.persist()
}

// Cancel ends the session. Registry entries are cleared; persistence is
// retained only when retain is true.
func (s *Session) Cancel(ctx context.Context, retain bool) {
	s.setState(StateEnding)
	s.fmtr.StopTyping()
	s.fmtr.Flush(ctx)
	s.inter.Cancel()
	s.stopChild()
	s.fmtr.Stop(ctx)
	n := s.posts.ClearSession(s.ID)
	s.log.Info("session ended", "postsCleared", n, "retained", retain)
	s.setState(StateEnded)
	s.mgr.sessionEnded(s, retain)
}

func (s *Session) stopChild() {
	s.mu.Lock()
	child := s.child
	cancel := s.cancelLoop
	done := s.loopDone
	if child != nil {
		s.childSessionID = child.ChildSessionID()
	}
	s.expectedExit = true
	s.child = nil
	s.mu.Unlock()

	if child != nil && child.IsRunning() {
		child.Kill()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			s.log.Warn("child event loop did not drain")
		}
	}
}

// ChangeDirectory restarts the child in a new working directory. Child
// sessions are tied to their cwd, so the child session id is discarded.
func (s *Session) ChangeDirectory(ctx context.Context, path string) error {
	path = config.ExpandHome(path)
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}

	s.setState(StateRestarting)
	s.fmtr.Flush(ctx)
	s.stopChild()

	s.mu.Lock()
	s.workingDir = path
	s.childSessionID = ""
	s.mu.Unlock()

	if err := s.spawnChild(ctx, ""); err != nil {
		s.setState(StateEnded)
		s.mgr.sessionEnded(s, false)
		return err
	}
	s.setState(StateActive)
	s.postLifecycle(ctx, fmt.Sprintf("📁 Working directory changed to `%s`", s.fmtr.Tools().ShortenPath(path)))
	s.touch()
	s.mgr.persist()
	return nil
}

// RestartChild respawns the child in place, resuming the child session.
func (s *Session) RestartChild(ctx context.Context) error {
	s.setState(StateRestarting)
	s.fmtr.Flush(ctx)
	s.stopChild()

	s.mu.Lock()
	resume := s.childSessionID
	s.mu.Unlock()

	if err := s.spawnChild(ctx, resume); err != nil {
		s.setState(StateEnded)
		s.mgr.sessionEnded(s, true)
		return err
	}
	s.setState(StateActive)
	s.touch()
	s.mgr.persist()
	return nil
}

// AdoptWorktree moves the session into a worktree path and restarts there.
func (s *Session) AdoptWorktree(ctx context.Context, info *worktree.Info) error {
	if err := s.ChangeDirectory(ctx, info.Path); err != nil {
		return err
	}
	s.mu.Lock()
	s.wtInfo = info
	s.mu.Unlock()
	s.fmtr.Tools().WorktreePath = info.Path
	s.fmtr.Tools().WorktreeBranch = info.Branch
	s.mgr.persist()
	return nil
}

// setWorktree records the worktree without restarting the child (used when
// the child already spawned inside it).
func (s *Session) setWorktree(info *worktree.Info) {
	s.mu.Lock()
	s.wtInfo = info
	s.mu.Unlock()
	s.fmtr.Tools().WorktreePath = info.Path
	s.fmtr.Tools().WorktreeBranch = info.Branch
	s.mgr.persist()
}

// WorktreeInfo returns the session's worktree, or nil.
func (s *Session) WorktreeInfo() *worktree.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wtInfo
}

// WorkingDir returns the current child working directory.
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

// InviteUser adds a user to the session allow-set.
func (s *Session) InviteUser(userID string) {
	s.mu.Lock()
	s.allowedUsers[userID] = true
	s.mu.Unlock()
	s.mgr.persist()
}

// KickUser removes a user; the owner cannot be kicked.
func (s *Session) KickUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == s.owner {
		return false
	}
	if !s.allowedUsers[userID] {
		return false
	}
	delete(s.allowedUsers, userID)
	go s.mgr.persist()
	return true
}

// SetForceInteractive downgrades permissions mid-session (takes effect on
// the next child spawn).
func (s *Session) SetForceInteractive(v bool) {
	s.mu.Lock()
	s.forceInteractive = v
	s.mu.Unlock()
	s.mgr.persist()
}

// RequestPermission raises the permission prompt for a tool invocation and
// blocks until the user decides, the prompt times out (deny), or ctx ends.
// An allow-all answer skips future prompts for this session.
func (s *Session) RequestPermission(ctx context.Context, toolName, detail string) (bool, error) {
	s.mu.Lock()
	auto := s.allowAllTools
	timeout := time.Duration(s.cfg.Child.PermissionTimeoutMs) * time.Millisecond
	s.mu.Unlock()
	if auto {
		return true, nil
	}

	type decision struct{ approved, allowAll bool }
	ch := make(chan decision, 1)
	err := s.inter.StartPermission(ctx, toolName, detail, timeout, func(approved, allowAll bool) {
		ch <- decision{approved, allowAll}
	})
	if err != nil {
		return false, err
	}
	s.recordEvent("permission requested: %s", toolName)

	select {
	case <-ctx.Done():
		s.inter.Cancel()
		return false, ctx.Err()
	case d := <-ch:
		if d.allowAll {
			s.mu.Lock()
			s.allowAllTools = true
			s.mu.Unlock()
		}
		s.recordEvent("permission %s: %v", toolName, d.approved)
		return d.approved, nil
	}
}

// snapshot captures this session's durable record.
func (s *Session) snapshot() store.PersistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.allowedUsers))
	for u := range s.allowedUsers {
		users = append(users, u)
	}
	childID := s.childSessionID
	if s.child != nil {
		if id := s.child.ChildSessionID(); id != "" {
			childID = id
		}
	}
	return store.PersistedSession{
		PlatformID:                  s.PlatformID,
		ThreadID:                    s.ThreadID,
		SessionID:                   s.ID,
		ChildSessionID:              childID,
		WorkingDir:                  s.workingDir,
		Worktree:                    s.wtInfo,
		StartedBy:                   s.owner,
		AllowedUsers:                users,
		StartedAt:                   s.startedAt,
		LastActivityAt:              s.lastActivityAt,
		PlanApproved:                s.planApproved,
		ForceInteractivePermissions: s.forceInteractive,
		MessageCount:                s.messageCount,
		SessionStartPostID:          s.headerPostID,
		SessionTitle:                s.title,
		LifecycleState:              string(s.state),
	}
}

// ---- child event loop ----

func (s *Session) eventLoop(ctx context.Context, child childproc.Child) {
	defer func() {
		s.mu.Lock()
		done := s.loopDone
		s.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-child.Events():
			if !ok {
				return
			}
			if ev.Type == childproc.EventExit {
				// Handled off-loop: exit handling may stop the child, which
				// waits for this loop to drain.
				go s.handleChildEvent(ctx, ev)
				return
			}
			s.handleChildEvent(ctx, ev)
		}
	}
}

func (s *Session) handleChildEvent(ctx context.Context, ev childproc.Event) {
	switch ev.Type {
	case childproc.EventAssistant:
		blocks := stream.FromChild(ev.Blocks)
		diverted := s.fmtr.HandleAssistant(ctx, blocks)
		for _, d := range diverted {
			s.handleDiverted(ctx, d)
		}
		s.scanAssistantCommands(ctx, ev.Blocks)

	case childproc.EventUser:
		results := s.fmtr.HandleUser(ctx, stream.FromChild(ev.Blocks))
		for _, r := range results {
			s.completeSubagent(ctx, r.ToolUseID, r.IsError)
		}

	case childproc.EventResult:
		s.fmtr.HandleResult(ctx)
		s.maybeSetTitle(ev.Message)
		s.recordEvent("turn finished (error=%v)", ev.IsError)
		s.touch()
		s.mgr.persist()

	case childproc.EventSystem:
		if ev.Subtype == "error" && ev.Message != "" {
			s.fmtr.HandleSystemError(ctx, ev.Message)
			s.mu.Lock()
			s.lastError = ev.Message
			s.mu.Unlock()
			s.recordEvent("child error: %s", ev.Message)
		}
		if ev.SessionID != "" {
			s.mu.Lock()
			s.childSessionID = ev.SessionID
			s.mu.Unlock()
		}

	case childproc.EventExit:
		s.handleChildExit(ctx, ev.ExitCode)
	}
}

func (s *Session) handleChildExit(ctx context.Context, code int) {
	s.mu.Lock()
	expected := s.expectedExit
	s.mu.Unlock()
	s.recordEvent("child exited code=%d expected=%v", code, expected)
	if expected {
		return
	}
	s.fmtr.StopTyping()
	s.fmtr.Flush(ctx)
	if code != 0 {
		s.mu.Lock()
		s.lastError = fmt.Sprintf("child exited with code %d", code)
		s.mu.Unlock()
		s.postLifecycle(ctx, fmt.Sprintf("💀 Assistant process exited unexpectedly (code %d). React %s on the session header to resume.", code, "🔄"))
		s.Cancel(ctx, true)
		return
	}
	// Clean exit without a kill: the child finished; keep the session paused
	// so a follow-up can resume it.
	s.Pause(ctx)
}

func (s *Session) maybeSetTitle(result string) {
	if result == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.title != "" {
		return
	}
	line := strings.TrimSpace(strings.SplitN(result, "\n", 2)[0])
	s.title = platform.Truncate(line, 80)
}

// ---- diverted tools ----

func (s *Session) handleDiverted(ctx context.Context, d stream.DivertedTool) {
	switch d.Name {
	case stream.ToolExitPlanMode:
		s.startPlanApproval(ctx)
	case stream.ToolAskUserQuestion:
		s.startQuestionSet(ctx, d)
	case stream.ToolTodoWrite:
		s.updateTaskList(ctx, d.Input)
	case stream.ToolTask:
		s.startSubagentPost(ctx, d)
	}
}

func (s *Session) startPlanApproval(ctx context.Context) {
	s.mu.Lock()
	approved := s.planApproved
	s.mu.Unlock()
	if approved {
		// Already approved once this session; continue without re-prompting.
		if err := s.SendToChild(ctx, "Approved. Please proceed."); err != nil {
			s.log.Error("plan auto-continue failed", "error", err)
		}
		return
	}
	s.fmtr.Flush(ctx)
	err := s.inter.StartPlanApproval(ctx, func(_ context.Context, ok bool) {
		if ok {
			s.mu.Lock()
			s.planApproved = true
			s.mu.Unlock()
		}
		s.touch()
		s.mgr.persist()
	})
	if err != nil {
		s.log.Warn("plan approval not started", "error", err)
	}
}

type questionInput struct {
	Questions []struct {
		Header      string `json:"header"`
		Question    string `json:"question"`
		MultiSelect bool   `json:"multiSelect"`
		Options     []struct {
			Label       string `json:"label"`
			Description string `json:"description"`
		} `json:"options"`
	} `json:"questions"`
}

func (s *Session) startQuestionSet(ctx context.Context, d stream.DivertedTool) {
	var in questionInput
	if err := json.Unmarshal(d.Input, &in); err != nil || len(in.Questions) == 0 {
		s.log.Warn("question input not parseable", "error", err)
		return
	}
	qs := make([]interaction.Question, 0, len(in.Questions))
	for _, q := range in.Questions {
		iq := interaction.Question{Header: q.Header, Prompt: q.Question, MultiSelect: q.MultiSelect}
		for _, o := range q.Options {
			iq.Options = append(iq.Options, interaction.Option{Label: o.Label, Description: o.Description})
		}
		qs = append(qs, iq)
	}
	s.fmtr.Flush(ctx)
	if err := s.inter.StartQuestionSet(ctx, d.ToolUseID, qs); err != nil {
		s.log.Warn("question set not started", "error", err)
	}
}

type todoInput struct {
	Todos []struct {
		Content string `json:"content"`
		Status  string `json:"status"`
	} `json:"todos"`
}

func (s *Session) updateTaskList(ctx context.Context, input []byte) {
	var in todoInput
	if err := json.Unmarshal(input, &in); err != nil || len(in.Todos) == 0 {
		return
	}

	s.mu.Lock()
	minimized := s.tasksMinimized
	postID := s.tasksPostID
	s.mu.Unlock()

	var sb strings.Builder
	done := 0
	for _, td := range in.Todos {
		if td.Status == "completed" {
			done++
		}
	}
	fmt.Fprintf(&sb, "📝 **Tasks** (%d/%d)\n", done, len(in.Todos))
	if !minimized {
		for _, td := range in.Todos {
			mark := "◻️"
			switch td.Status {
			case "completed":
				mark = "✅"
			case "in_progress":
				mark = "▶️"
			}
			fmt.Fprintf(&sb, "%s %s\n", mark, td.Content)
		}
	}
	msg := strings.TrimRight(sb.String(), "\n")

	if postID != "" {
		if err := s.adapter.UpdatePost(ctx, postID, msg); err == nil {
			return
		}
	}
	post, err := s.adapter.CreatePost(ctx, s.ChannelID, s.ThreadID, msg)
	if err != nil {
		s.log.Warn("task list post failed", "error", err)
		return
	}
	s.posts.Register(registry.Entry{
		PostID:    post.ID,
		ThreadID:  s.ThreadID,
		SessionID: s.ID,
		Role:      registry.RoleTaskList,
	})
	s.mu.Lock()
	s.tasksPostID = post.ID
	s.mu.Unlock()
	if err := s.adapter.AddReaction(ctx, post.ID, platform.EmojiToggle); err != nil {
		s.log.Debug("task toggle reaction failed", "error", err)
	}
}

// ToggleTasks flips the task-list post between full and minimized.
func (s *Session) ToggleTasks(ctx context.Context) {
	s.mu.Lock()
	s.tasksMinimized = !s.tasksMinimized
	s.mu.Unlock()
	// The next TodoWrite re-renders with the new setting.
}

type taskInput struct {
	Description  string `json:"description"`
	SubagentType string `json:"subagent_type"`
}

func (s *Session) startSubagentPost(ctx context.Context, d stream.DivertedTool) {
	var in taskInput
	_ = json.Unmarshal(d.Input, &in)
	desc := in.Description
	if desc == "" {
		desc = "subagent"
	}
	msg := fmt.Sprintf("🤖 %s — running…", desc)
	post, err := s.adapter.CreatePost(ctx, s.ChannelID, s.ThreadID, msg)
	if err != nil {
		s.log.Warn("subagent post failed", "error", err)
		return
	}
	s.posts.Register(registry.Entry{
		PostID:    post.ID,
		ThreadID:  s.ThreadID,
		SessionID: s.ID,
		Role:      registry.RoleSubagentStatus,
		ToolUseID: d.ToolUseID,
	})
	s.mu.Lock()
	s.activeSubagents[d.ToolUseID] = post.ID
	s.mu.Unlock()
}

func (s *Session) completeSubagent(ctx context.Context, toolUseID string, isErr bool) {
	s.mu.Lock()
	postID, ok := s.activeSubagents[toolUseID]
	if ok {
		delete(s.activeSubagents, toolUseID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	mark := "✅ completed"
	if isErr {
		mark = "❌ failed"
	}
	if post, err := s.adapter.GetPost(ctx, postID); err == nil {
		msg := strings.Replace(post.Message, "running…", mark, 1)
		if err := s.adapter.UpdatePost(ctx, postID, msg); err != nil {
			s.log.Debug("subagent update failed", "error", err)
		}
	}
}

func (s *Session) scanAssistantCommands(ctx context.Context, blocks []childproc.ContentBlock) {
	if s.mgr.commands == nil {
		return
	}
	for _, b := range blocks {
		if b.Type != childproc.BlockText {
			continue
		}
		for _, req := range s.mgr.commands.ScanAssistantCommands(b.Text) {
			req.PlatformID = s.PlatformID
			req.ThreadID = s.ThreadID
			res := s.mgr.commands.Dispatch(ctx, "!"+req.Command+" "+req.Args, req)
			if res.Handled && res.Reply != "" {
				s.postLifecycle(ctx, res.Reply)
			}
		}
	}
}

// LastError returns the most recent surfaced error for bug reports.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Title returns the session title, if one was assigned.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Interactions exposes the engine for reaction routing.
func (s *Session) Interactions() *interaction.Engine { return s.inter }

// Formatter exposes the streaming formatter (manager shutdown needs it).
func (s *Session) Formatter() *stream.Formatter { return s.fmtr }

// ---- interaction.Host ----

// CreateInteractivePost posts a prompt with seeded reactions.
func (s *Session) CreateInteractivePost(ctx context.Context, message string, reactions []string) (string, error) {
	post, err := s.adapter.CreateInteractivePost(ctx, s.ChannelID, s.ThreadID, message, reactions)
	if err != nil {
		return "", err
	}
	return post.ID, nil
}

// UpdatePost rewrites a post's message. Shared by interaction.Host and
// stream.Sink.
func (s *Session) UpdatePost(ctx context.Context, postID, message string) error {
	return s.adapter.UpdatePost(ctx, postID, message)
}

// RegisterPost records an interaction post under this session.
func (s *Session) RegisterPost(postID string, role registry.Role) {
	s.posts.Register(registry.Entry{
		PostID:    postID,
		ThreadID:  s.ThreadID,
		SessionID: s.ID,
		Role:      role,
	})
}

// SendToChild forwards an interaction continuation to the child.
func (s *Session) SendToChild(ctx context.Context, text string) error {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil || !child.IsRunning() {
		return fmt.Errorf("no running child")
	}
	if err := child.SendMessage(ctx, text, nil); err != nil {
		return err
	}
	s.fmtr.StartTyping(context.WithoutCancel(ctx))
	s.touch()
	return nil
}

// SetInteractionOpen gates typing while a prompt is up.
func (s *Session) SetInteractionOpen(open bool) {
	s.fmtr.SetInteractionOpen(open)
}

// DisplayName resolves a user id for prompt text, falling back to the id.
func (s *Session) DisplayName(userID string) string {
	u, err := s.adapter.UserByID(context.Background(), userID)
	if err != nil || u == nil {
		return userID
	}
	if u.Username != "" {
		return u.Username
	}
	return u.DisplayName
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.log }

// sessionSink adapts Session to stream.Sink so content posts are registered
// before the formatter returns.
type sessionSink Session

func (k *sessionSink) CreatePost(ctx context.Context, message string) (string, error) {
	s := (*Session)(k)
	post, err := s.adapter.CreatePost(ctx, s.ChannelID, s.ThreadID, message)
	if err != nil {
		return "", err
	}
	s.posts.Register(registry.Entry{
		PostID:    post.ID,
		ThreadID:  s.ThreadID,
		SessionID: s.ID,
		Role:      registry.RoleContent,
	})
	return post.ID, nil
}

func (k *sessionSink) UpdatePost(ctx context.Context, postID, message string) error {
	return (*Session)(k).adapter.UpdatePost(ctx, postID, message)
}

func (k *sessionSink) SendTyping(ctx context.Context) error {
	s := (*Session)(k)
	return s.adapter.SendTyping(ctx, s.ChannelID, s.ThreadID)
}
