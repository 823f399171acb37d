package worktree

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateBranch(t *testing.T) {
	valid := []string{"feature-xyz", "wip/parser", "v1.2-fix", "a"}
	for _, name := range valid {
		if err := ValidateBranch(name); err != nil {
			t.Errorf("ValidateBranch(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "-flag", "has space", "a..b", "bad.lock", "semi;rm", "`tick`"}
	for _, name := range invalid {
		if err := ValidateBranch(name); err == nil {
			t.Errorf("ValidateBranch(%q) = nil, want error", name)
		}
	}
}

func TestClassify(t *testing.T) {
	base := errors.New("exit status 128")

	tests := []struct {
		name   string
		output string
		want   FailureKind
	}{
		{"already checked out", "fatal: 'feat' is already checked out at '/x'", FailAlreadyCheckedOut},
		{"exists", "fatal: a branch named 'feat' already exists", FailExists},
		{"permission", "fatal: could not create directory: Permission denied", FailPermissionDenied},
		{"no space", "fatal: write error: No space left on device", FailNoSpace},
		{"lock", "fatal: Unable to lock index.lock", FailLock},
		{"invalid ref", "fatal: 'x' is not a valid ref", FailInvalidRef},
		{"generic", "fatal: something else", FailGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := classify("feat", tt.output, base)
			if f.Kind != tt.want {
				t.Errorf("classify kind = %s, want %s", f.Kind, tt.want)
			}
			if f.Suggestion() == "" {
				t.Error("empty suggestion")
			}
		})
	}
}

func TestPathFor(t *testing.T) {
	m := NewManager("/home/dev/.clawdeck/worktrees")
	got := m.PathFor("/home/dev/src/myrepo", "feat/parser")
	want := "/home/dev/.clawdeck/worktrees/myrepo--feat-parser"
	if got != want {
		t.Errorf("PathFor = %q, want %q", got, want)
	}
}

func TestOwns(t *testing.T) {
	m := NewManager("/home/dev/.clawdeck/worktrees")

	if !m.Owns("/home/dev/.clawdeck/worktrees/repo--x") {
		t.Error("path under root not owned")
	}
	if m.Owns("/home/dev/src/repo") {
		t.Error("outside path owned")
	}
	if m.Owns("/home/dev/.clawdeck/worktrees") {
		t.Error("root itself owned")
	}
	if m.Owns("/home/dev/.clawdeck/worktrees-evil/x") {
		t.Error("sibling prefix path owned")
	}
}

func TestSuggestBranches(t *testing.T) {
	got := SuggestBranches("Please implement the parser refactor for tokens")
	if len(got) == 0 {
		t.Fatal("no suggestions")
	}
	if len(got) > 3 {
		t.Errorf("too many suggestions: %v", got)
	}
	for _, s := range got {
		if err := ValidateBranch(s); err != nil {
			t.Errorf("suggestion %q is not a valid branch: %v", s, err)
		}
	}
	if !strings.Contains(got[0], "parser") {
		t.Errorf("suggestions ignored prompt words: %v", got)
	}
}
