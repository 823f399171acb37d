// Package command holds the declarative !command table and the dispatcher
// that routes chat messages to handlers. Handlers are injected by the
// session layer; this package owns parsing, gating and help generation.
package command

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Audience restricts who may issue a command.
type Audience int

const (
	AudienceUser Audience = iota
	AudienceAssistant
	AudienceBoth
)

// DispatchContext distinguishes the message that would start a session from
// messages inside a running one.
type DispatchContext int

const (
	ContextFirstMessage DispatchContext = iota
	ContextInSession
)

// Request carries one parsed command invocation.
type Request struct {
	Command    string
	Args       string
	Context    DispatchContext
	UserID     string
	PlatformID string
	ThreadID   string
	// FromAssistant marks commands scanned out of child output rather than
	// typed by a user.
	FromAssistant bool
}

// SessionOptions pre-seed a session that a first-message command is about to
// start.
type SessionOptions struct {
	WorkingDir      string
	SkipPermissions *bool
}

// Result is a handler's outcome.
type Result struct {
	Handled bool
	// Reply, when set, is posted to the thread.
	Reply string
	// SessionOptions pre-seed the about-to-start session (first message only).
	SessionOptions *SessionOptions
	// WorktreeBranch routes session start through worktree creation;
	// RemainingText is the prompt left after consuming the branch argument.
	WorktreeBranch string
	RemainingText  string
	// PassThrough forwards "/<cmd> args" to the child.
	PassThrough string
}

// Handler executes a command. Returning Handled=false lets the message fall
// through to normal prompt handling.
type Handler func(ctx context.Context, req Request) Result

// Spec is one row of the command table.
type Spec struct {
	Name                string
	Subcommands         []string
	Description         string
	ArgSpec             string
	Audience            Audience
	WorksInFirstMessage bool
	AssistantCanExecute bool
	ReturnsResult       bool
	Notes               string
	Handler             Handler
}

// Registry is the declarative command table.
type Registry struct {
	specs map[string]*Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds a command row. Later registrations replace earlier ones.
func (r *Registry) Register(spec Spec) {
	s := spec
	r.specs[strings.ToLower(spec.Name)] = &s
}

// Get looks up a command by name.
func (r *Registry) Get(name string) (*Spec, bool) {
	s, ok := r.specs[strings.ToLower(name)]
	return s, ok
}

// Names returns all command names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HelpText renders user-facing help from the table.
func (r *Registry) HelpText() string {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, name := range r.Names() {
		s := r.specs[name]
		if s.Audience == AudienceAssistant {
			continue
		}
		sb.WriteString("• `!" + s.Name)
		if s.ArgSpec != "" {
			sb.WriteString(" " + s.ArgSpec)
		}
		sb.WriteString("` — " + s.Description + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// AssistantAllowed returns the set of command names the child assistant may
// execute via its output.
func (r *Registry) AssistantAllowed() map[string]bool {
	out := make(map[string]bool)
	for name, s := range r.specs {
		if s.AssistantCanExecute {
			out[name] = true
		}
	}
	return out
}

// Parse splits a message into command and arguments. Reports ok=false when
// the message is not a !command.
func Parse(message string) (name, args string, ok bool) {
	message = strings.TrimSpace(message)
	if !strings.HasPrefix(message, "!") || len(message) < 2 {
		return "", "", false
	}
	body := message[1:]
	parts := strings.SplitN(body, " ", 2)
	name = strings.ToLower(parts[0])
	if name == "" || strings.ContainsAny(name, "!?") {
		return "", "", false
	}
	if len(parts) == 2 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args, true
}

// Dispatch routes a message. Commands gated out of first-message context
// return Handled=false so the message flows on as a prompt.
func (r *Registry) Dispatch(ctx context.Context, message string, req Request) Result {
	name, args, ok := Parse(message)
	if !ok {
		return Result{}
	}
	spec, found := r.Get(name)
	if !found {
		return Result{Handled: true, Reply: fmt.Sprintf("Unknown command `!%s`. Try `!help`.", name)}
	}
	if req.Context == ContextFirstMessage && !spec.WorksInFirstMessage {
		return Result{}
	}
	if req.FromAssistant && !spec.AssistantCanExecute {
		// Misclassified assistant command: silently ignored.
		return Result{}
	}
	if spec.Handler == nil {
		return Result{}
	}
	req.Command = name
	req.Args = args
	return spec.Handler(ctx, req)
}

var assistantCmdRe = regexp.MustCompile(`(?m)^\s*!([a-z][a-z-]*)(?:\s+(.*))?$`)

// ScanAssistantCommands extracts !command invocations from child output text,
// keeping only commands in the assistant allow-set.
func (r *Registry) ScanAssistantCommands(text string) []Request {
	allowed := r.AssistantAllowed()
	var out []Request
	for _, m := range assistantCmdRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if !allowed[name] {
			continue
		}
		out = append(out, Request{
			Command:       name,
			Args:          strings.TrimSpace(m[2]),
			FromAssistant: true,
			Context:       ContextInSession,
		})
	}
	return out
}
