// Package interaction holds the reaction-driven state machines: plan
// approval, question sets, worktree prompts, context selection, update
// prompt, message approval, permission requests and bug reports. A session
// has at most one pending interaction at a time.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/platform"
	"github.com/nextlevelbuilder/clawdeck/internal/registry"
	"github.com/nextlevelbuilder/clawdeck/internal/worktree"
)

// ErrBusy reports a second interaction being opened while one is pending.
var ErrBusy = errors.New("interaction already pending")

// Kind discriminates pending interactions.
type Kind string

const (
	KindPlanApproval     Kind = "plan-approval"
	KindQuestionSet      Kind = "question-set"
	KindWorktreeInitial  Kind = "worktree-initial"
	KindWorktreeExisting Kind = "worktree-existing"
	KindWorktreeFailure  Kind = "worktree-failure"
	KindContextSelection Kind = "context-selection"
	KindUpdatePrompt     Kind = "update-prompt"
	KindMessageApproval  Kind = "message-approval"
	KindPermission       Kind = "permission"
	KindBugReport        Kind = "bug-report"
)

// Host is what the engine needs from the owning session.
type Host interface {
	// CreateInteractivePost posts a prompt and seeds the given reactions.
	CreateInteractivePost(ctx context.Context, message string, reactions []string) (postID string, err error)
	UpdatePost(ctx context.Context, postID, message string) error
	// RegisterPost records the post in the session's registry slice.
	RegisterPost(postID string, role registry.Role)
	// SendToChild forwards a continuation message to the child process.
	SendToChild(ctx context.Context, text string) error
	// SetInteractionOpen gates the typing indicator while a prompt is up.
	SetInteractionOpen(open bool)
	// DisplayName resolves a user id for prompt text.
	DisplayName(userID string) string
	Logger() *slog.Logger
}

// Question is one entry of an AskUserQuestion tool call.
type Question struct {
	Header      string
	Prompt      string
	Options     []Option
	Selected    string // label, set once answered
	MultiSelect bool
}

// Option is one selectable answer.
type Option struct {
	Label       string
	Description string
}

// WorktreeChoice is the outcome of a worktree prompt.
type WorktreeChoice struct {
	Branch string
	// Skip proceeds in the main repository without a worktree.
	Skip bool
	// UseExisting joins the already-checked-out path instead of creating.
	UseExisting bool
}

// ContextChoice selects how much thread history seeds a new session.
type ContextChoice int

const (
	ContextNone ContextChoice = iota
	ContextLastN
	ContextLast2N
	ContextWholeThread
	ContextTimeoutReason
)

// pending is the single in-flight interaction.
type pending struct {
	kind   Kind
	postID string

	// question-set
	questions    []Question
	currentIndex int
	toolUseID    string

	// worktree
	suggestions []string
	allowSkip   bool
	branch      string
	onWorktree  func(ctx context.Context, choice WorktreeChoice)

	// plan approval
	onPlan func(ctx context.Context, approved bool)

	// context selection
	onContext func(ctx context.Context, choice ContextChoice)

	// update prompt
	onUpdate func(ctx context.Context, now bool)

	// message approval
	fromUser  string
	onMessage func(ctx context.Context, allow, invite bool)

	// permission
	permTimer    *time.Timer
	onPermission func(approved, allowAll bool)

	// bug report
	onBug func(ctx context.Context, submit bool)
}

// Engine drives one session's interactions.
type Engine struct {
	host Host

	mu      sync.Mutex
	pending *pending
}

// New returns an engine bound to its session host.
func New(host Host) *Engine {
	return &Engine{host: host}
}

// HasPending reports whether an interaction is open.
func (e *Engine) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// PendingKind returns the open interaction's kind, or "".
func (e *Engine) PendingKind() Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return ""
	}
	return e.pending.kind
}

// PendingPostID returns the open interaction's prompt post id, or "".
func (e *Engine) PendingPostID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return ""
	}
	return e.pending.postID
}

func (e *Engine) open(p *pending) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != nil {
		return fmt.Errorf("%w: %s", ErrBusy, e.pending.kind)
	}
	e.pending = p
	e.host.SetInteractionOpen(true)
	return nil
}

// take clears and returns the pending interaction if it matches postID (or
// any post when postID is empty).
func (e *Engine) take(postID string) *pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return nil
	}
	if postID != "" && e.pending.postID != postID {
		return nil
	}
	p := e.pending
	e.pending = nil
	if p.permTimer != nil {
		p.permTimer.Stop()
	}
	e.host.SetInteractionOpen(false)
	return p
}

// peek returns the pending interaction without clearing it.
func (e *Engine) peek(postID string) *pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return nil
	}
	if postID != "" && e.pending.postID != postID {
		return nil
	}
	return e.pending
}

// Cancel clears any pending interaction without running its completion.
// Used on session end and explicit !stop.
func (e *Engine) Cancel() {
	if p := e.take(""); p != nil {
		e.host.Logger().Debug("interaction cancelled", "kind", p.kind, "postId", p.postID)
	}
}

// ---- plan approval ----

// StartPlanApproval posts the approval prompt. done receives the decision.
func (e *Engine) StartPlanApproval(ctx context.Context, done func(ctx context.Context, approved bool)) error {
	postID, err := e.host.CreateInteractivePost(ctx,
		"📋 **Plan ready for approval**\nReact 👍 to approve or 👎 to request changes.",
		[]string{platform.EmojiApprove, platform.EmojiDeny})
	if err != nil {
		return fmt.Errorf("post plan approval: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleApproval)
	return e.open(&pending{kind: KindPlanApproval, postID: postID, onPlan: done})
}

func (e *Engine) finishPlan(ctx context.Context, p *pending, approved bool, userID string) {
	name := e.host.DisplayName(userID)
	if approved {
		e.updateQuiet(ctx, p.postID, fmt.Sprintf("✅ Plan approved by @%s", name))
		e.sendQuiet(ctx, "Approved. Please proceed.")
	} else {
		e.updateQuiet(ctx, p.postID, fmt.Sprintf("❌ Plan rejected by @%s", name))
		e.sendQuiet(ctx, "Please revise the plan.")
	}
	if p.onPlan != nil {
		p.onPlan(ctx, approved)
	}
}

// ---- question set ----

// StartQuestionSet begins asking questions one at a time. The compiled
// answers are sent to the child after the last question.
func (e *Engine) StartQuestionSet(ctx context.Context, toolUseID string, questions []Question) error {
	if len(questions) == 0 {
		return errors.New("empty question set")
	}
	p := &pending{kind: KindQuestionSet, toolUseID: toolUseID, questions: questions}
	postID, err := e.postQuestion(ctx, p)
	if err != nil {
		return err
	}
	p.postID = postID
	return e.open(p)
}

func (e *Engine) postQuestion(ctx context.Context, p *pending) (string, error) {
	q := p.questions[p.currentIndex]
	var sb strings.Builder
	if q.Header != "" {
		fmt.Fprintf(&sb, "**%s**\n", q.Header)
	}
	sb.WriteString(q.Prompt + "\n")
	// Questions offer at most four options.
	digits := []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣"}
	n := len(q.Options)
	if n > len(digits) {
		n = len(digits)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%s %s", digits[i], q.Options[i].Label)
		if q.Options[i].Description != "" {
			sb.WriteString(" — " + q.Options[i].Description)
		}
		sb.WriteString("\n")
	}
	postID, err := e.host.CreateInteractivePost(ctx, strings.TrimRight(sb.String(), "\n"), platform.NumberEmojis[:n])
	if err != nil {
		return "", fmt.Errorf("post question: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleQuestion)
	return postID, nil
}

func (e *Engine) answerQuestion(ctx context.Context, p *pending, idx int) {
	q := &p.questions[p.currentIndex]
	if idx < 0 || idx >= len(q.Options) {
		e.requeue(p)
		return
	}
	q.Selected = q.Options[idx].Label
	label := q.Header
	if label == "" {
		label = q.Prompt
	}
	e.updateQuiet(ctx, p.postID, fmt.Sprintf("✅ %s: %s", label, q.Selected))

	if p.currentIndex+1 < len(p.questions) {
		p.currentIndex++
		postID, err := e.postQuestion(ctx, p)
		if err != nil {
			e.host.Logger().Error("next question post failed", "error", err)
			return
		}
		p.postID = postID
		e.requeue(p)
		return
	}

	var sb strings.Builder
	sb.WriteString("Here are my answers:\n")
	for _, q := range p.questions {
		label := q.Header
		if label == "" {
			label = q.Prompt
		}
		fmt.Fprintf(&sb, "- %s: %s\n", label, q.Selected)
	}
	e.sendQuiet(ctx, strings.TrimRight(sb.String(), "\n"))
}

// requeue puts a still-running multi-step interaction back in the slot.
func (e *Engine) requeue(p *pending) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		e.pending = p
		e.host.SetInteractionOpen(true)
	}
}

// ---- worktree prompts ----

// StartWorktreeInitial posts the pre-session branch pick. allowSkip is false
// in require mode.
func (e *Engine) StartWorktreeInitial(ctx context.Context, reason string, suggestions []string, allowSkip bool, done func(ctx context.Context, choice WorktreeChoice)) error {
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	var sb strings.Builder
	sb.WriteString("🌿 **Work in a separate worktree?**\n")
	if reason != "" {
		sb.WriteString(reason + "\n")
	}
	digits := []string{"1️⃣", "2️⃣", "3️⃣"}
	reactions := make([]string, 0, len(suggestions)+1)
	for i, s := range suggestions {
		fmt.Fprintf(&sb, "%s `%s`\n", digits[i], s)
		reactions = append(reactions, platform.NumberEmojis[i])
	}
	sb.WriteString("Or reply with a branch name.")
	if allowSkip {
		sb.WriteString(" React ❌ to continue in the main checkout.")
		reactions = append(reactions, platform.EmojiCancel)
	}
	postID, err := e.host.CreateInteractivePost(ctx, sb.String(), reactions)
	if err != nil {
		return fmt.Errorf("post worktree prompt: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleWorktreePrompt)
	return e.open(&pending{
		kind:        KindWorktreeInitial,
		postID:      postID,
		suggestions: suggestions,
		allowSkip:   allowSkip,
		onWorktree:  done,
	})
}

// StartWorktreeExisting asks whether to join a branch's existing worktree.
func (e *Engine) StartWorktreeExisting(ctx context.Context, branch, existingPath string, done func(ctx context.Context, choice WorktreeChoice)) error {
	msg := fmt.Sprintf("🌿 Branch `%s` already has a worktree at `%s`.\nReact 👍 to join it or ❌ to cancel.", branch, existingPath)
	postID, err := e.host.CreateInteractivePost(ctx, msg, []string{platform.EmojiApprove, platform.EmojiCancel})
	if err != nil {
		return fmt.Errorf("post worktree-existing prompt: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleWorktreePrompt)
	return e.open(&pending{
		kind:       KindWorktreeExisting,
		postID:     postID,
		branch:     branch,
		onWorktree: done,
	})
}

// StartWorktreeFailure reports a failed creation and offers a retry.
func (e *Engine) StartWorktreeFailure(ctx context.Context, failedBranch string, cause error, allowSkip bool, done func(ctx context.Context, choice WorktreeChoice)) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "⚠️ Could not create worktree for `%s`: %v\n", failedBranch, cause)
	var wf *worktree.Failure
	if errors.As(cause, &wf) && wf.Suggestion() != "" {
		sb.WriteString(wf.Suggestion() + "\n")
	}
	sb.WriteString("Reply with another branch name to retry.")
	reactions := []string{}
	if allowSkip {
		sb.WriteString(" React ❌ to continue without a worktree.")
		reactions = append(reactions, platform.EmojiCancel)
	}
	postID, err := e.host.CreateInteractivePost(ctx, sb.String(), reactions)
	if err != nil {
		return fmt.Errorf("post worktree-failure prompt: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleWorktreePrompt)
	return e.open(&pending{
		kind:       KindWorktreeFailure,
		postID:     postID,
		branch:     failedBranch,
		allowSkip:  allowSkip,
		onWorktree: done,
	})
}

// ---- context selection ----

// StartContextSelection asks how much thread history to include.
func (e *Engine) StartContextSelection(ctx context.Context, threadMessageCount int, done func(ctx context.Context, choice ContextChoice)) error {
	n := threadMessageCount
	if n > 10 {
		n = 10
	}
	msg := fmt.Sprintf(
		"💬 This thread has %d earlier messages. Include them as context?\n"+
			"1️⃣ No context\n2️⃣ Last %d messages\n3️⃣ Last %d messages\n4️⃣ Whole thread\n"+
			"5️⃣ Just mention the previous session timed out",
		threadMessageCount, n, 2*n)
	postID, err := e.host.CreateInteractivePost(ctx, msg, platform.NumberEmojis)
	if err != nil {
		return fmt.Errorf("post context prompt: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleContextPrompt)
	return e.open(&pending{kind: KindContextSelection, postID: postID, onContext: done})
}

// ---- update prompt ----

// StartUpdatePrompt announces an available release during a session.
func (e *Engine) StartUpdatePrompt(ctx context.Context, latestVersion string, done func(ctx context.Context, now bool)) error {
	msg := fmt.Sprintf("⬆️ Version %s is available. React 👍 to update now or 👎 to defer.", latestVersion)
	postID, err := e.host.CreateInteractivePost(ctx, msg, []string{platform.EmojiApprove, platform.EmojiDeny})
	if err != nil {
		return fmt.Errorf("post update prompt: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleUpdatePrompt)
	return e.open(&pending{kind: KindUpdatePrompt, postID: postID, onUpdate: done})
}

// ---- message approval ----

// StartMessageApproval gates a message from an unauthorised user.
func (e *Engine) StartMessageApproval(ctx context.Context, fromUser, original string, done func(ctx context.Context, allow, invite bool)) error {
	name := e.host.DisplayName(fromUser)
	preview := platform.Truncate(original, 200)
	msg := fmt.Sprintf("👤 @%s wants to write in this session:\n> %s\nReact 👍 to allow once, ✅ to invite them, 👎 to deny.", name, preview)
	postID, err := e.host.CreateInteractivePost(ctx, msg,
		[]string{platform.EmojiApprove, platform.EmojiAllowAll, platform.EmojiDeny})
	if err != nil {
		return fmt.Errorf("post message approval: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleApproval)
	return e.open(&pending{kind: KindMessageApproval, postID: postID, fromUser: fromUser, onMessage: done})
}

// ---- permission ----

// StartPermission asks to approve a tool invocation, timing out after the
// given duration (deny on timeout).
func (e *Engine) StartPermission(ctx context.Context, toolName, detail string, timeout time.Duration, done func(approved, allowAll bool)) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔐 **Permission requested**: `%s`\n", toolName)
	if detail != "" {
		sb.WriteString(detail + "\n")
	}
	sb.WriteString("React 👍 to allow, ✅ to allow all for this session, 👎 to deny.")
	postID, err := e.host.CreateInteractivePost(ctx, sb.String(),
		[]string{platform.EmojiApprove, platform.EmojiAllowAll, platform.EmojiDeny})
	if err != nil {
		return fmt.Errorf("post permission prompt: %w", err)
	}
	e.host.RegisterPost(postID, registry.RolePermission)

	p := &pending{kind: KindPermission, postID: postID, onPermission: done}
	if timeout > 0 {
		p.permTimer = time.AfterFunc(timeout, func() {
			if taken := e.take(postID); taken != nil {
				e.updateQuiet(context.Background(), postID, fmt.Sprintf("⏱️ Permission request for `%s` timed out; denied.", toolName))
				if taken.onPermission != nil {
					taken.onPermission(false, false)
				}
			}
		})
	}
	return e.open(p)
}

// ---- bug report ----

// StartBugReport posts the draft for confirmation.
func (e *Engine) StartBugReport(ctx context.Context, draftTitle, draftBody string, done func(ctx context.Context, submit bool)) error {
	msg := fmt.Sprintf("🐛 **Bug report draft**\n**%s**\n%s\nReact 👍 to file it or 👎 to discard.", draftTitle, draftBody)
	postID, err := e.host.CreateInteractivePost(ctx, msg, []string{platform.EmojiApprove, platform.EmojiDeny})
	if err != nil {
		return fmt.Errorf("post bug report: %w", err)
	}
	e.host.RegisterPost(postID, registry.RoleBugReport)
	return e.open(&pending{kind: KindBugReport, postID: postID, onBug: done})
}

// ---- routing ----

// HandleReaction feeds a reaction on a registered post into the pending
// interaction. Returns false when no interaction owns the post.
func (e *Engine) HandleReaction(ctx context.Context, postID, emoji, userID string) bool {
	canon := platform.NormalizeEmoji(emoji)
	num := platform.NumberFromEmoji(emoji)

	switch kindOf := e.peek(postID); {
	case kindOf == nil:
		return false

	case kindOf.kind == KindPlanApproval:
		if canon != platform.EmojiApprove && canon != platform.EmojiDeny {
			return false
		}
		p := e.take(postID)
		if p == nil {
			return false
		}
		e.finishPlan(ctx, p, canon == platform.EmojiApprove, userID)
		return true

	case kindOf.kind == KindQuestionSet:
		if num < 0 {
			return false
		}
		p := e.take(postID)
		if p == nil {
			return false
		}
		e.answerQuestion(ctx, p, num)
		return true

	case kindOf.kind == KindWorktreeInitial:
		if num >= 0 && num < len(kindOf.suggestions) {
			p := e.take(postID)
			branch := p.suggestions[num]
			e.updateQuiet(ctx, p.postID, fmt.Sprintf("🌿 Creating worktree for `%s`…", branch))
			p.onWorktree(ctx, WorktreeChoice{Branch: branch})
			return true
		}
		if canon == platform.EmojiCancel && kindOf.allowSkip {
			p := e.take(postID)
			e.updateQuiet(ctx, p.postID, "Continuing in the main checkout.")
			p.onWorktree(ctx, WorktreeChoice{Skip: true})
			return true
		}
		return false

	case kindOf.kind == KindWorktreeExisting:
		if canon == platform.EmojiApprove {
			p := e.take(postID)
			p.onWorktree(ctx, WorktreeChoice{Branch: p.branch, UseExisting: true})
			return true
		}
		if canon == platform.EmojiCancel {
			p := e.take(postID)
			e.updateQuiet(ctx, p.postID, "Cancelled.")
			p.onWorktree(ctx, WorktreeChoice{Skip: true})
			return true
		}
		return false

	case kindOf.kind == KindWorktreeFailure:
		if canon == platform.EmojiCancel && kindOf.allowSkip {
			p := e.take(postID)
			e.updateQuiet(ctx, p.postID, "Continuing without a worktree.")
			p.onWorktree(ctx, WorktreeChoice{Skip: true})
			return true
		}
		return false

	case kindOf.kind == KindContextSelection:
		choices := [...]ContextChoice{ContextNone, ContextLastN, ContextLast2N, ContextWholeThread, ContextTimeoutReason}
		if num < 0 || num >= len(choices) {
			return false
		}
		p := e.take(postID)
		p.onContext(ctx, choices[num])
		return true

	case kindOf.kind == KindUpdatePrompt:
		if canon != platform.EmojiApprove && canon != platform.EmojiDeny {
			return false
		}
		p := e.take(postID)
		if canon == platform.EmojiApprove {
			e.updateQuiet(ctx, p.postID, "⬆️ Updating…")
		} else {
			e.updateQuiet(ctx, p.postID, "Update deferred.")
		}
		p.onUpdate(ctx, canon == platform.EmojiApprove)
		return true

	case kindOf.kind == KindMessageApproval:
		switch canon {
		case platform.EmojiApprove, platform.EmojiAllowAll, platform.EmojiDeny:
		default:
			return false
		}
		p := e.take(postID)
		name := e.host.DisplayName(p.fromUser)
		switch canon {
		case platform.EmojiApprove:
			e.updateQuiet(ctx, p.postID, fmt.Sprintf("✅ Message from @%s allowed.", name))
			p.onMessage(ctx, true, false)
		case platform.EmojiAllowAll:
			e.updateQuiet(ctx, p.postID, fmt.Sprintf("✅ @%s invited to this session.", name))
			p.onMessage(ctx, true, true)
		default:
			e.updateQuiet(ctx, p.postID, fmt.Sprintf("❌ Message from @%s denied.", name))
			p.onMessage(ctx, false, false)
		}
		return true

	case kindOf.kind == KindPermission:
		switch canon {
		case platform.EmojiApprove, platform.EmojiAllowAll, platform.EmojiDeny:
		default:
			return false
		}
		p := e.take(postID)
		if p == nil {
			return false
		}
		switch canon {
		case platform.EmojiApprove:
			e.updateQuiet(ctx, p.postID, "✅ Allowed.")
			p.onPermission(true, false)
		case platform.EmojiAllowAll:
			e.updateQuiet(ctx, p.postID, "✅ Allowed for the rest of this session.")
			p.onPermission(true, true)
		default:
			e.updateQuiet(ctx, p.postID, "❌ Denied.")
			p.onPermission(false, false)
		}
		return true

	case kindOf.kind == KindBugReport:
		if canon != platform.EmojiApprove && canon != platform.EmojiDeny {
			return false
		}
		p := e.take(postID)
		if canon == platform.EmojiApprove {
			e.updateQuiet(ctx, p.postID, "🐛 Bug report filed. Thanks!")
		} else {
			e.updateQuiet(ctx, p.postID, "Bug report discarded.")
		}
		p.onBug(ctx, canon == platform.EmojiApprove)
		return true
	}
	return false
}

// HandleFollowUpText consumes a typed message when the pending interaction
// accepts free-text input (worktree branch names). Returns true when the
// text was consumed.
func (e *Engine) HandleFollowUpText(ctx context.Context, text string) bool {
	p := e.peek("")
	if p == nil {
		return false
	}
	switch p.kind {
	case KindWorktreeInitial, KindWorktreeFailure:
		branch := strings.Fields(strings.TrimSpace(text))
		if len(branch) == 0 {
			return false
		}
		if err := worktree.ValidateBranch(branch[0]); err != nil {
			e.updateQuiet(ctx, p.postID, fmt.Sprintf("⚠️ `%s` is not a valid branch name. Reply with another.", branch[0]))
			return true
		}
		taken := e.take(p.postID)
		if taken == nil {
			return false
		}
		e.updateQuiet(ctx, taken.postID, fmt.Sprintf("🌿 Creating worktree for `%s`…", branch[0]))
		taken.onWorktree(ctx, WorktreeChoice{Branch: branch[0]})
		return true
	}
	return false
}

func (e *Engine) updateQuiet(ctx context.Context, postID, msg string) {
	if err := e.host.UpdatePost(ctx, postID, msg); err != nil {
		e.host.Logger().Warn("interaction post update failed", "postId", postID, "error", err)
	}
}

func (e *Engine) sendQuiet(ctx context.Context, text string) {
	if err := e.host.SendToChild(ctx, text); err != nil {
		e.host.Logger().Error("continuation send failed", "error", err)
	}
}
