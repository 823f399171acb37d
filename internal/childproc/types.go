// Package childproc spawns and supervises one assistant CLI process per
// session, speaking the stream-json stdio protocol: one JSON object per line
// on stdout, user messages as JSON lines on stdin.
package childproc

import (
	"context"
	"encoding/json"
)

// EventType discriminates child events.
type EventType int

const (
	EventAssistant EventType = iota
	EventUser
	EventResult
	EventSystem
	EventExit
)

// BlockType discriminates content blocks inside assistant/user messages.
type BlockType string

const (
	BlockText          BlockType = "text"
	BlockThinking      BlockType = "thinking"
	BlockToolUse       BlockType = "tool_use"
	BlockToolResult    BlockType = "tool_result"
	BlockServerToolUse BlockType = "server_tool_use"
	BlockImage         BlockType = "image"
	BlockDocument      BlockType = "document"
)

// BlockSource carries base64 payloads for image and document blocks.
type BlockSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock is the tagged variant for message content. Exactly the fields
// implied by Type are populated.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	ID        string          `json:"id,omitempty"`          // tool_use
	Name      string          `json:"name,omitempty"`        // tool_use
	Input     json.RawMessage `json:"input,omitempty"`       // tool_use
	Content   json.RawMessage `json:"content,omitempty"`     // tool_result
	IsError   bool            `json:"is_error,omitempty"`    // tool_result
	Source    *BlockSource    `json:"source,omitempty"`      // image / document
}

// Usage reports token accounting from a result message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is one item on the child's event stream.
type Event struct {
	Type      EventType
	Blocks    []ContentBlock // assistant / user
	Subtype   string         // system
	Message   string         // system detail, result text
	SessionID string         // child-assigned session id (system init)
	Usage     *Usage         // result
	IsError   bool           // result
	ExitCode  int            // exit
}

// SpawnOptions configures a child process.
type SpawnOptions struct {
	Command             string // CLI binary, default "claude"
	WorkingDir          string
	ThreadID            string
	SessionID           string // our session id, passed through for logging
	Resume              string // child session id to resume, empty for fresh
	SkipPermissions     bool
	Chrome              bool
	AppendSystemPrompt  string
	PermissionTimeoutMs int
	// MCPConfig is the platform's permission-tool config, serialized and
	// handed to the child. Nil disables interactive permissions.
	MCPConfig map[string]any
}

// Child is the contract the session engine consumes.
type Child interface {
	// Start launches the process and begins decoding its stdout.
	Start(ctx context.Context) error
	// SendMessage writes a user message; blocks are optional rich content.
	SendMessage(ctx context.Context, text string, blocks []ContentBlock) error
	// Interrupt stops the current turn without exiting the process.
	Interrupt() error
	// Kill terminates the process, escalating to SIGKILL after the grace
	// period.
	Kill()
	IsRunning() bool
	// Events returns the event stream; closed after EventExit.
	Events() <-chan Event
	// ChildSessionID returns the child-assigned session id once known.
	ChildSessionID() string
}
