package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawdeck/internal/command"
	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/interaction"
	"github.com/nextlevelbuilder/clawdeck/internal/platform"
	"github.com/nextlevelbuilder/clawdeck/internal/worktree"
)

const releaseNotes = `**clawdeck** bridges chat threads to assistant sessions.
Start a session by mentioning the bot or posting in its channel; steer it
with reactions and !commands. See !help for the command list.`

// buildCommands assembles the declarative command table. Handlers are
// closures over the manager; they resolve their session from the request.
func (m *Manager) buildCommands() *command.Registry {
	r := command.NewRegistry()

	// session finds the live session for a request.
	session := func(req command.Request) *Session {
		s, ok := m.SessionFor(req.PlatformID, req.ThreadID)
		if !ok {
			return nil
		}
		return s
	}
	// authorized also checks the caller may steer the session.
	authorized := func(req command.Request) (*Session, bool) {
		s := session(req)
		if s == nil {
			return nil, false
		}
		return s, s.IsAllowed(req.UserID)
	}

	r.Register(command.Spec{
		Name:                "help",
		Description:         "show available commands",
		Audience:            command.AudienceUser,
		WorksInFirstMessage: true,
		Handler: func(_ context.Context, _ command.Request) command.Result {
			return command.Result{Handled: true, Reply: r.HelpText()}
		},
	})

	r.Register(command.Spec{
		Name:                "release-notes",
		Description:         "show release notes",
		Audience:            command.AudienceUser,
		WorksInFirstMessage: true,
		Handler: func(_ context.Context, _ command.Request) command.Result {
			return command.Result{Handled: true, Reply: releaseNotes}
		},
	})

	r.Register(command.Spec{
		Name:        "stop",
		Description: "end this session",
		Audience:    command.AudienceUser,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			s, ok := authorized(req)
			if s == nil {
				return command.Result{Handled: true, Reply: "No session in this thread."}
			}
			if !ok {
				return command.Result{Handled: true, Reply: "You're not part of this session."}
			}
			s.Cancel(ctx, false)
			return command.Result{Handled: true, Reply: "🛑 Session ended."}
		},
	})

	r.Register(command.Spec{
		Name:        "escape",
		Description: "interrupt the assistant's current turn",
		Audience:    command.AudienceUser,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			s, ok := authorized(req)
			if s == nil || !ok {
				return command.Result{Handled: true}
			}
			s.Interrupt(ctx)
			return command.Result{Handled: true, Reply: "⏸️ Interrupted. The session stays open."}
		},
	})

	r.Register(command.Spec{
		Name:        "approve",
		Description: "approve a pending plan",
		Audience:    command.AudienceUser,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			s, ok := authorized(req)
			if s == nil || !ok {
				return command.Result{Handled: true}
			}
			inter := s.Interactions()
			if inter.PendingKind() != interaction.KindPlanApproval {
				return command.Result{Handled: true, Reply: "No plan awaiting approval."}
			}
			inter.HandleReaction(ctx, inter.PendingPostID(), platform.EmojiApprove, req.UserID)
			return command.Result{Handled: true}
		},
	})

	r.Register(command.Spec{
		Name:        "invite",
		ArgSpec:     "@user",
		Description: "allow a user to steer this session",
		Audience:    command.AudienceUser,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			s, ok := authorized(req)
			if s == nil || !ok {
				return command.Result{Handled: true}
			}
			username := strings.TrimPrefix(strings.TrimSpace(req.Args), "@")
			if username == "" {
				return command.Result{Handled: true, Reply: "Usage: `!invite @user`"}
			}
			u, err := s.adapter.UserByUsername(ctx, username)
			if err != nil || u == nil {
				return command.Result{Handled: true, Reply: fmt.Sprintf("User @%s not found.", username)}
			}
			s.InviteUser(u.ID)
			return command.Result{Handled: true, Reply: fmt.Sprintf("✅ @%s can now steer this session.", username)}
		},
	})

	r.Register(command.Spec{
		Name:        "kick",
		ArgSpec:     "@user",
		Description: "remove a user from this session",
		Audience:    command.AudienceUser,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			s, ok := authorized(req)
			if s == nil || !ok {
				return command.Result{Handled: true}
			}
			username := strings.TrimPrefix(strings.TrimSpace(req.Args), "@")
			if username == "" {
				return command.Result{Handled: true, Reply: "Usage: `!kick @user`"}
			}
			u, err := s.adapter.UserByUsername(ctx, username)
			if err != nil || u == nil {
				return command.Result{Handled: true, Reply: fmt.Sprintf("User @%s not found.", username)}
			}
			if !s.KickUser(u.ID) {
				return command.Result{Handled: true, Reply: "The owner cannot be kicked."}
			}
			return command.Result{Handled: true, Reply: fmt.Sprintf("👋 @%s removed from this session.", username)}
		},
	})

	r.Register(command.Spec{
		Name:                "cd",
		ArgSpec:             "<path>",
		Description:         "change the working directory (restarts the assistant)",
		Audience:            command.AudienceBoth,
		WorksInFirstMessage: true,
		AssistantCanExecute: true,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			path := strings.TrimSpace(req.Args)
			if path == "" {
				return command.Result{Handled: true, Reply: "Usage: `!cd <path>`"}
			}
			if req.Context == command.ContextFirstMessage {
				return command.Result{
					Handled:        true,
					SessionOptions: &command.SessionOptions{WorkingDir: config.ExpandHome(path)},
				}
			}
			s, ok := authorized(req)
			if s == nil || (!ok && !req.FromAssistant) {
				return command.Result{Handled: true}
			}
			if err := s.ChangeDirectory(ctx, path); err != nil {
				return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
			}
			return command.Result{Handled: true}
		},
	})

	r.Register(command.Spec{
		Name:                "permissions",
		ArgSpec:             "interactive|skip",
		Description:         "set how tool permissions are handled",
		Audience:            command.AudienceUser,
		WorksInFirstMessage: true,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			mode := strings.ToLower(strings.TrimSpace(req.Args))
			if mode != "interactive" && mode != "skip" {
				return command.Result{Handled: true, Reply: "Usage: `!permissions interactive|skip`"}
			}
			skip := mode == "skip"
			if req.Context == command.ContextFirstMessage {
				return command.Result{
					Handled:        true,
					SessionOptions: &command.SessionOptions{SkipPermissions: &skip},
				}
			}
			s, ok := authorized(req)
			if s == nil || !ok {
				return command.Result{Handled: true}
			}
			// In-session changes can only tighten: skip -> interactive.
			if skip {
				return command.Result{Handled: true, Reply: "Permissions can only be tightened mid-session. Use `!permissions interactive`."}
			}
			s.SetForceInteractive(true)
			if err := s.RestartChild(ctx); err != nil {
				return command.Result{Handled: true, Reply: "⚠️ Restart failed: " + err.Error()}
			}
			return command.Result{Handled: true, Reply: "🔐 Interactive permissions enabled."}
		},
	})

	r.Register(command.Spec{
		Name:                "worktree",
		ArgSpec:             "<branch>|list|switch <branch>|remove|off",
		Description:         "run this session in a git worktree",
		Audience:            command.AudienceBoth,
		WorksInFirstMessage: true,
		AssistantCanExecute: true,
		Handler:             m.worktreeHandler(authorized),
	})

	r.Register(command.Spec{
		Name:                "update",
		ArgSpec:             "[now|defer]",
		Description:         "apply or defer a pending update",
		Audience:            command.AudienceUser,
		WorksInFirstMessage: true,
		Handler: func(_ context.Context, req command.Request) command.Result {
			m.mu.Lock()
			latest := m.latestVersion
			m.mu.Unlock()
			arg := strings.ToLower(strings.TrimSpace(req.Args))
			switch arg {
			case "now":
				if latest == "" {
					return command.Result{Handled: true, Reply: "No update is available."}
				}
				m.requestUpdate()
				return command.Result{Handled: true, Reply: "⬆️ Updating to " + latest + "…"}
			case "defer", "":
				if latest == "" {
					return command.Result{Handled: true, Reply: "You're up to date."}
				}
				return command.Result{Handled: true, Reply: fmt.Sprintf("Version %s is available. `!update now` applies it.", latest)}
			default:
				return command.Result{Handled: true, Reply: "Usage: `!update [now|defer]`"}
			}
		},
	})

	r.Register(command.Spec{
		Name:        "kill",
		Description: "terminate the whole bridge process (emergency)",
		Audience:    command.AudienceUser,
		Handler: func(_ context.Context, req command.Request) command.Result {
			s, ok := authorized(req)
			if s == nil || !ok {
				return command.Result{Handled: true}
			}
			if m.onKillRequested != nil {
				m.onKillRequested()
			}
			return command.Result{Handled: true, Reply: "💀 Shutting down."}
		},
	})

	r.Register(command.Spec{
		Name:                "bug",
		ArgSpec:             "<description>",
		Description:         "file a bug report with session diagnostics",
		Audience:            command.AudienceBoth,
		AssistantCanExecute: true,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			s, ok := authorized(req)
			if s == nil || (!ok && !req.FromAssistant) {
				return command.Result{Handled: true}
			}
			desc := strings.TrimSpace(req.Args)
			if desc == "" {
				return command.Result{Handled: true, Reply: "Usage: `!bug <description>`"}
			}
			body := desc
			if lastErr := s.LastError(); lastErr != "" {
				body += "\n\nLast error: " + lastErr
			}
			if events := s.RecentEvents(); len(events) > 0 {
				body += "\n\nRecent events:\n```\n" + strings.Join(events, "\n") + "\n```"
			}
			title := platform.Truncate(desc, 60)
			err := s.Interactions().StartBugReport(ctx, title, body, func(ctx context.Context, submit bool) {
				if submit {
					s.log.Info("bug report filed", "title", title)
				}
			})
			if err != nil {
				return command.Result{Handled: true, Reply: "Finish the pending prompt first, then retry `!bug`."}
			}
			return command.Result{Handled: true}
		},
	})

	r.Register(command.Spec{
		Name:        "plugin",
		ArgSpec:     "list|install <name>|uninstall <name>",
		Description: "manage assistant plugins (restarts the assistant)",
		Audience:    command.AudienceUser,
		Handler: func(ctx context.Context, req command.Request) command.Result {
			s, ok := authorized(req)
			if s == nil || !ok {
				return command.Result{Handled: true}
			}
			args := strings.Fields(req.Args)
			if len(args) == 0 {
				return command.Result{Handled: true, Reply: "Usage: `!plugin list|install <name>|uninstall <name>`"}
			}
			switch args[0] {
			case "list":
				return command.Result{Handled: true, PassThrough: "/plugin list"}
			case "install", "uninstall":
				if len(args) < 2 {
					return command.Result{Handled: true, Reply: fmt.Sprintf("Usage: `!plugin %s <name>`", args[0])}
				}
				if err := s.SendToChild(ctx, "/plugin "+args[0]+" "+args[1]); err != nil {
					return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
				}
				if err := s.RestartChild(ctx); err != nil {
					return command.Result{Handled: true, Reply: "⚠️ Restart failed: " + err.Error()}
				}
				return command.Result{Handled: true, Reply: "🔌 Plugin change applied; assistant restarted."}
			default:
				return command.Result{Handled: true, Reply: "Usage: `!plugin list|install <name>|uninstall <name>`"}
			}
		},
	})

	// Passthrough commands forward to the child as slash commands.
	for _, name := range []string{"context", "cost", "compact"} {
		name := name
		r.Register(command.Spec{
			Name:                name,
			Description:         "forward /" + name + " to the assistant",
			Audience:            command.AudienceBoth,
			AssistantCanExecute: true,
			ReturnsResult:       true,
			Handler: func(_ context.Context, req command.Request) command.Result {
				s, ok := authorized(req)
				if s == nil || (!ok && !req.FromAssistant) {
					return command.Result{Handled: true}
				}
				cmd := "/" + name
				if req.Args != "" {
					cmd += " " + req.Args
				}
				return command.Result{Handled: true, PassThrough: cmd}
			},
		})
	}

	return r
}

func (m *Manager) worktreeHandler(authorized func(command.Request) (*Session, bool)) command.Handler {
	return func(ctx context.Context, req command.Request) command.Result {
		args := strings.Fields(req.Args)

		if req.Context == command.ContextFirstMessage {
			if len(args) == 0 {
				return command.Result{Handled: true, Reply: "Usage: `!worktree <branch> <prompt>`"}
			}
			branch := args[0]
			switch branch {
			case "list", "remove", "cleanup", "off", "switch":
				return command.Result{Handled: true,
					Reply: fmt.Sprintf("`!worktree %s` only works inside a session. To start one: `!worktree <branch> <prompt>`", branch)}
			}
			if err := worktree.ValidateBranch(branch); err != nil {
				return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
			}
			return command.Result{
				Handled:        true,
				WorktreeBranch: branch,
				RemainingText:  strings.TrimSpace(strings.TrimPrefix(req.Args, branch)),
			}
		}

		s, ok := authorized(req)
		if s == nil || (!ok && !req.FromAssistant) {
			return command.Result{Handled: true}
		}
		if len(args) == 0 {
			return command.Result{Handled: true, Reply: "Usage: `!worktree <branch>|list|switch <branch>|remove|off`"}
		}

		repoRoot, rootErr := worktree.RepoRoot(ctx, s.WorkingDir())

		switch args[0] {
		case "list":
			if rootErr != nil {
				return command.Result{Handled: true, Reply: "Not inside a git repository."}
			}
			infos, err := m.wt.List(ctx, repoRoot)
			if err != nil {
				return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
			}
			if len(infos) == 0 {
				return command.Result{Handled: true, Reply: "No worktrees."}
			}
			var sb strings.Builder
			sb.WriteString("🌿 Worktrees:\n")
			for _, i := range infos {
				fmt.Fprintf(&sb, "• `%s` — %s\n", i.Branch, i.Path)
			}
			return command.Result{Handled: true, Reply: strings.TrimRight(sb.String(), "\n")}

		case "remove", "cleanup":
			info := s.WorktreeInfo()
			if info == nil {
				return command.Result{Handled: true, Reply: "This session is not in a worktree."}
			}
			if !info.IsOwner {
				return command.Result{Handled: true, Reply: "Only the worktree's owning session can remove it."}
			}
			if m.worktreeInUse(info.Path, s.ID) {
				return command.Result{Handled: true, Reply: fmt.Sprintf("⚠️ Worktree `%s` is in use by another session.", info.Branch)}
			}
			if err := s.ChangeDirectory(ctx, info.RepoRoot); err != nil {
				return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
			}
			if err := m.wt.Remove(ctx, info); err != nil {
				return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
			}
			return command.Result{Handled: true, Reply: fmt.Sprintf("🧹 Worktree `%s` removed.", info.Branch)}

		case "off":
			info := s.WorktreeInfo()
			if info == nil {
				return command.Result{Handled: true, Reply: "This session is not in a worktree."}
			}
			if err := s.ChangeDirectory(ctx, info.RepoRoot); err != nil {
				return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
			}
			return command.Result{Handled: true, Reply: "Back in the main checkout."}

		case "switch":
			if len(args) < 2 {
				return command.Result{Handled: true, Reply: "Usage: `!worktree switch <branch>`"}
			}
			args = args[1:]
			fallthrough

		default:
			branch := args[0]
			if err := worktree.ValidateBranch(branch); err != nil {
				return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
			}
			if rootErr != nil {
				return command.Result{Handled: true, Reply: "Not inside a git repository."}
			}
			info, found := m.wt.Find(ctx, repoRoot, branch)
			if !found {
				var fail *worktree.Failure
				info, fail = m.wt.Create(ctx, repoRoot, branch)
				if fail != nil {
					reply := "⚠️ " + fail.Error()
					if sg := fail.Suggestion(); sg != "" {
						reply += "\n" + sg
					}
					return command.Result{Handled: true, Reply: reply}
				}
			} else {
				joined := *info
				joined.IsOwner = false
				info = &joined
			}
			if err := s.AdoptWorktree(ctx, info); err != nil {
				return command.Result{Handled: true, Reply: "⚠️ " + err.Error()}
			}
			return command.Result{Handled: true, Reply: fmt.Sprintf("🌿 Now working in worktree `%s`.", branch)}
		}
	}
}
