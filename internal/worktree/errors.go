package worktree

import (
	"fmt"
	"strings"
)

// FailureKind classifies why a worktree operation failed.
type FailureKind string

const (
	FailAlreadyCheckedOut FailureKind = "already-checked-out"
	FailExists            FailureKind = "exists"
	FailPermissionDenied  FailureKind = "permission-denied"
	FailNoSpace           FailureKind = "no-space"
	FailLock              FailureKind = "lock"
	FailInvalidRef        FailureKind = "invalid-ref"
	FailGeneric           FailureKind = "generic"
)

// Failure is a classified worktree error with a human-readable suggestion
// that feeds the retry prompt.
type Failure struct {
	Kind   FailureKind
	Branch string
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("worktree %s (%s): %v", f.Branch, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Suggestion returns guidance for the user matching the failure kind.
func (f *Failure) Suggestion() string {
	switch f.Kind {
	case FailAlreadyCheckedOut:
		return fmt.Sprintf("Branch `%s` is already checked out in another worktree. Pick a different branch name, or react ❌ to continue in the main repo.", f.Branch)
	case FailExists:
		return fmt.Sprintf("A worktree for `%s` already exists. Reply with a different branch name to retry.", f.Branch)
	case FailPermissionDenied:
		return "Permission denied creating the worktree directory. Check filesystem permissions, then reply with a branch name to retry."
	case FailNoSpace:
		return "The disk is full. Free up space, then reply with a branch name to retry."
	case FailLock:
		return "The repository is locked (another git process may be running). Wait a moment, then reply with a branch name to retry."
	case FailInvalidRef:
		return fmt.Sprintf("`%s` is not a valid branch name. Reply with a valid name (letters, digits, `-`, `_`, `/`).", f.Branch)
	default:
		return "Worktree creation failed. Reply with a branch name to retry, or react ❌ to continue in the main repo."
	}
}

// classify maps git output and syscall errors onto a FailureKind.
func classify(branch, gitOutput string, err error) *Failure {
	text := strings.ToLower(gitOutput + " " + err.Error())
	kind := FailGeneric
	switch {
	case strings.Contains(text, "already checked out"), strings.Contains(text, "already used by worktree"):
		kind = FailAlreadyCheckedOut
	case strings.Contains(text, "already exists"):
		kind = FailExists
	case strings.Contains(text, "permission denied"), strings.Contains(text, "operation not permitted"):
		kind = FailPermissionDenied
	case strings.Contains(text, "no space left"):
		kind = FailNoSpace
	case strings.Contains(text, "index.lock"), strings.Contains(text, "unable to lock"), strings.Contains(text, "file exists: .git"):
		kind = FailLock
	case strings.Contains(text, "not a valid ref"), strings.Contains(text, "invalid reference"), strings.Contains(text, "not a valid branch"):
		kind = FailInvalidRef
	}
	if gitOutput != "" {
		err = fmt.Errorf("%s: %w", firstLine(gitOutput), err)
	}
	return &Failure{Kind: kind, Branch: branch, Err: err}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
