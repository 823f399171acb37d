package stream

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func input(t *testing.T, m map[string]string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFormatToolUse(t *testing.T) {
	f := &ToolFormatter{Home: "/home/dev"}

	tests := []struct {
		name string
		tool string
		in   map[string]string
		want string
	}{
		{"read", "Read", map[string]string{"file_path": "/home/dev/proj/main.go"}, "📄 ~/proj/main.go"},
		{"write", "Write", map[string]string{"file_path": "/tmp/out.txt"}, "📝 /tmp/out.txt"},
		{"bash", "Bash", map[string]string{"command": "ls -la"}, "💻 `ls -la`"},
		{"glob", "Glob", map[string]string{"pattern": "**/*.go"}, "🔍 **/*.go"},
		{"grep", "Grep", map[string]string{"pattern": "func main"}, "🔎 func main"},
		{"web fetch", "WebFetch", map[string]string{"url": "https://example.com"}, "🌐 https://example.com"},
		{"enter plan mode", "EnterPlanMode", nil, "📋 Planning…"},
		{"unknown", "FancyTool", nil, "● FancyTool"},
		{"mcp", "mcp__github__create_issue", nil, "🔌 create_issue (github)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.FormatToolUse(tt.tool, input(t, tt.in))
			if got != tt.want {
				t.Errorf("FormatToolUse(%s) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestFormatToolUseDiverted(t *testing.T) {
	f := &ToolFormatter{}
	for _, tool := range []string{ToolExitPlanMode, ToolAskUserQuestion, ToolTodoWrite, ToolTask} {
		if got := f.FormatToolUse(tool, nil); got != "" {
			t.Errorf("FormatToolUse(%s) = %q, want empty (diverted)", tool, got)
		}
	}
}

func TestIsDiverted(t *testing.T) {
	tests := []struct {
		tool       string
		diverted   bool
		suppresses bool
	}{
		{ToolExitPlanMode, true, true},
		{ToolAskUserQuestion, true, true},
		{ToolTodoWrite, true, false},
		{ToolTask, true, false},
		{"Read", false, false},
	}
	for _, tt := range tests {
		d, s := IsDiverted(tt.tool)
		if d != tt.diverted || s != tt.suppresses {
			t.Errorf("IsDiverted(%s) = %v,%v want %v,%v", tt.tool, d, s, tt.diverted, tt.suppresses)
		}
	}
}

func TestShortenPathWorktree(t *testing.T) {
	f := &ToolFormatter{
		Home:           "/home/dev",
		WorktreePath:   "/home/dev/.clawdeck/worktrees/repo--feat",
		WorktreeBranch: "feat",
	}

	if got := f.ShortenPath("/home/dev/.clawdeck/worktrees/repo--feat/src/a.go"); got != "[feat]/src/a.go" {
		t.Errorf("worktree path = %q", got)
	}
	if got := f.ShortenPath("/home/dev/other/b.go"); got != "~/other/b.go" {
		t.Errorf("home path = %q", got)
	}
	if got := f.ShortenPath("/etc/hosts"); got != "/etc/hosts" {
		t.Errorf("outside path = %q", got)
	}
}

func TestEditDetailedDiff(t *testing.T) {
	f := &ToolFormatter{Detailed: true}
	in, _ := json.Marshal(map[string]string{
		"file_path":  "/a.go",
		"old_string": "x := 1",
		"new_string": "x := 2",
	})
	got := f.FormatToolUse("Edit", in)
	if !strings.Contains(got, "```diff") || !strings.Contains(got, "- x := 1") || !strings.Contains(got, "+ x := 2") {
		t.Errorf("detailed edit = %q", got)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in  string
		max int
	}{
		{"héllo wörld", 6},
		{"日本語のテキスト", 7},
		{"plain ascii text", 5},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.max)
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q, invalid UTF-8", tt.in, tt.max, got)
		}
		if len(got) > tt.max+len("…") {
			t.Errorf("truncate(%q, %d) = %q, too long", tt.in, tt.max, got)
		}
	}
	if got := truncate("short", 80); got != "short" {
		t.Errorf("short input changed: %q", got)
	}
}
