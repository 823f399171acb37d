package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tool names that the formatter never renders itself. ExitPlanMode and
// AskUserQuestion suppress the whole assistant event (the interaction engine
// takes over); TodoWrite and Task get side-channel handling only.
const (
	ToolExitPlanMode    = "ExitPlanMode"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolTodoWrite       = "TodoWrite"
	ToolTask            = "Task"
	ToolEnterPlanMode   = "EnterPlanMode"
)

// IsDiverted reports whether a tool_use block is handled outside the normal
// content stream, and whether it suppresses the rest of the event.
func IsDiverted(name string) (diverted, suppresses bool) {
	switch name {
	case ToolExitPlanMode, ToolAskUserQuestion:
		return true, true
	case ToolTodoWrite, ToolTask:
		return true, false
	}
	return false, false
}

const (
	bashPreviewLen  = 120
	diffContextRows = 6
	writePreviewLen = 200
)

// ToolFormatter renders tool_use blocks for chat. Paths under the worktree
// shorten to [branch]/…, paths under home to ~/….
type ToolFormatter struct {
	Home           string
	WorktreePath   string
	WorktreeBranch string
	Detailed       bool
}

type toolInput struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
	Command  string `json:"command"`
	Pattern  string `json:"pattern"`
	URL      string `json:"url"`
	Query    string `json:"query"`
	Content  string `json:"content"`
	OldText  string `json:"old_string"`
	NewText  string `json:"new_string"`
}

// FormatToolUse renders one tool_use block. Diverted tools return "".
func (f *ToolFormatter) FormatToolUse(name string, rawInput json.RawMessage) string {
	if diverted, _ := IsDiverted(name); diverted {
		return ""
	}

	var in toolInput
	_ = json.Unmarshal(rawInput, &in)
	path := in.FilePath
	if path == "" {
		path = in.Path
	}

	switch name {
	case "Read":
		return "📄 " + f.ShortenPath(path)
	case "Edit":
		out := "✏️ " + f.ShortenPath(path)
		if f.Detailed && (in.OldText != "" || in.NewText != "") {
			out += "\n" + formatDiff(in.OldText, in.NewText)
		}
		return out
	case "Write":
		out := "📝 " + f.ShortenPath(path)
		if preview := previewText(in.Content, writePreviewLen); preview != "" {
			out += "\n```\n" + preview + "\n```"
		}
		return out
	case "Bash":
		return "💻 `" + truncate(strings.TrimSpace(in.Command), bashPreviewLen) + "`"
	case "Glob":
		return "🔍 " + in.Pattern
	case "Grep":
		return "🔎 " + in.Pattern
	case "WebFetch":
		return "🌐 " + in.URL
	case "WebSearch":
		return "🔍 " + in.Query
	case ToolEnterPlanMode:
		return "📋 Planning…"
	}

	if server, tool, ok := parseMCPName(name); ok {
		return fmt.Sprintf("🔌 %s (%s)", tool, server)
	}
	return "● " + name
}

// parseMCPName splits "mcp__server__tool" into its parts.
func parseMCPName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, "mcp__") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "mcp__")
	idx := strings.Index(rest, "__")
	if idx <= 0 || idx+2 >= len(rest) {
		return "", "", false
	}
	return rest[:idx], rest[idx+2:], true
}

// ShortenPath applies worktree and home shortening, worktree first since it
// usually nests under home.
func (f *ToolFormatter) ShortenPath(path string) string {
	if path == "" {
		return path
	}
	if f.WorktreePath != "" && f.WorktreeBranch != "" {
		if rel, ok := trimDir(path, f.WorktreePath); ok {
			return "[" + f.WorktreeBranch + "]/" + rel
		}
	}
	if f.Home != "" {
		if rel, ok := trimDir(path, f.Home); ok {
			return "~/" + rel
		}
	}
	return path
}

func trimDir(path, dir string) (string, bool) {
	dir = strings.TrimRight(dir, "/")
	if path == dir {
		return "", true
	}
	if strings.HasPrefix(path, dir+"/") {
		return path[len(dir)+1:], true
	}
	return "", false
}

// formatDiff renders a fenced old/new diff truncated to a few rows each side.
func formatDiff(oldText, newText string) string {
	var sb strings.Builder
	sb.WriteString("```diff\n")
	for _, line := range truncateLines(strings.Split(oldText, "\n"), diffContextRows) {
		sb.WriteString("- " + line + "\n")
	}
	for _, line := range truncateLines(strings.Split(newText, "\n"), diffContextRows) {
		sb.WriteString("+ " + line + "\n")
	}
	sb.WriteString("```")
	return sb.String()
}

func truncateLines(lines []string, max int) []string {
	if len(lines) <= max {
		return lines
	}
	out := make([]string, 0, max+1)
	out = append(out, lines[:max]...)
	out = append(out, fmt.Sprintf("… (%d more lines)", len(lines)-max))
	return out
}

func previewText(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return truncate(s, max)
}

// truncate caps s at max bytes, backing up to a rune boundary so the cut
// never splits a multi-byte character.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
