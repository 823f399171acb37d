// Package mcp hosts the permission-prompt MCP server. The child CLI is
// spawned with --permission-prompt-tool pointing at the "approve" tool served
// here; each call blocks until the session owner reacts to the permission
// prompt (or the prompt times out).
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type ctxKey int

// sessionIDKey carries the X-Session-ID header value into tool handlers.
const sessionIDKey ctxKey = iota

// Decider resolves a permission request for a session. Implementations block
// until the user decides or the prompt times out.
type Decider interface {
	RequestPermission(ctx context.Context, sessionID, toolName string, input json.RawMessage) (bool, error)
}

// Server is a single-tool MCP server over streamable HTTP, bound to loopback.
type Server struct {
	decider Decider
	log     *slog.Logger

	ln   net.Listener
	http *http.Server
	url  string
}

// NewServer builds the permission server. Start must be called before
// Config returns a usable URL.
func NewServer(decider Decider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{decider: decider, log: logger}
}

// handler assembles the MCP server with its lone tool. The session id travels
// as a request header, stashed into the handler context so one server can
// serve every child.
func (s *Server) handler() http.Handler {
	srv := server.NewMCPServer("clawdeck-permission", "1.0.0",
		server.WithToolCapabilities(false))
	srv.AddTool(mcpgo.NewTool("approve",
		mcpgo.WithDescription("Ask the session owner to approve a tool invocation"),
		mcpgo.WithString("tool_name", mcpgo.Required(),
			mcpgo.Description("Name of the tool awaiting approval")),
		mcpgo.WithObject("input",
			mcpgo.Description("Input the tool was invoked with")),
	), s.handleApprove)
	return server.NewStreamableHTTPServer(srv,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return context.WithValue(ctx, sessionIDKey, r.Header.Get("X-Session-ID"))
		}))
}

// Start listens on an ephemeral loopback port and serves until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen permission server: %w", err)
	}
	s.ln = ln
	s.url = fmt.Sprintf("http://%s/mcp", ln.Addr().String())
	s.http = &http.Server{Handler: s.handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("permission server stopped", "error", err)
		}
	}()
	s.log.Debug("permission server listening", "url", s.url)
	return nil
}

// URL returns the server endpoint; empty before Start.
func (s *Server) URL() string { return s.url }

// Close shuts the server down.
func (s *Server) Close(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Config returns the session-agnostic --mcp-config payload. WithSession
// stamps a session id onto a copy before it reaches a child.
func (s *Server) Config() map[string]any {
	return map[string]any{
		"mcpServers": map[string]any{
			"permission": map[string]any{
				"type": "http",
				"url":  s.url,
			},
		},
	}
}

// WithSession copies cfg with an X-Session-ID header on every server entry.
// A nil cfg stays nil.
func WithSession(cfg map[string]any, sessionID string) map[string]any {
	if cfg == nil || sessionID == "" {
		return cfg
	}
	servers, ok := cfg["mcpServers"].(map[string]any)
	if !ok {
		return cfg
	}
	outServers := make(map[string]any, len(servers))
	for name, raw := range servers {
		entry, ok := raw.(map[string]any)
		if !ok {
			outServers[name] = raw
			continue
		}
		copied := make(map[string]any, len(entry)+1)
		for k, v := range entry {
			copied[k] = v
		}
		copied["headers"] = map[string]any{"X-Session-ID": sessionID}
		outServers[name] = copied
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	out["mcpServers"] = outServers
	return out
}

// permissionResult is the shape the child expects back from the prompt tool.
type permissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func (s *Server) handleApprove(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	sessionID, _ := ctx.Value(sessionIDKey).(string)
	toolName := req.GetString("tool_name", "")

	var input json.RawMessage
	if raw, ok := req.GetArguments()["input"]; ok && raw != nil {
		input, _ = json.Marshal(raw)
	}

	if sessionID == "" {
		return denyResult("no session"), nil
	}

	approved, err := s.decider.RequestPermission(ctx, sessionID, toolName, input)
	if err != nil {
		s.log.Warn("permission request failed", "session", sessionID, "tool", toolName, "error", err)
		return denyResult(err.Error()), nil
	}
	if !approved {
		return denyResult("Denied by user"), nil
	}
	if input == nil {
		input = json.RawMessage(`{}`)
	}
	data, _ := json.Marshal(permissionResult{Behavior: "allow", UpdatedInput: input})
	return mcpgo.NewToolResultText(string(data)), nil
}

func denyResult(msg string) *mcpgo.CallToolResult {
	data, _ := json.Marshal(permissionResult{Behavior: "deny", Message: msg})
	return mcpgo.NewToolResultText(string(data))
}
