package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

type fakeDecider struct {
	approve  bool
	err      error
	lastSess string
	lastTool string
}

func (d *fakeDecider) RequestPermission(_ context.Context, sessionID, toolName string, _ json.RawMessage) (bool, error) {
	d.lastSess = sessionID
	d.lastTool = toolName
	return d.approve, d.err
}

func startServer(t *testing.T, d Decider) *Server {
	t.Helper()
	srv := NewServer(d, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close(context.Background()) })
	return srv
}

// connect dials the server over streamable HTTP and completes the handshake,
// stamping sessionID as the X-Session-ID header when non-empty.
func connect(t *testing.T, srv *Server, sessionID string) *mcpclient.Client {
	t.Helper()
	var opts []transport.StreamableHTTPCOption
	if sessionID != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{"X-Session-ID": sessionID}))
	}
	c, err := mcpclient.NewStreamableHttpClient(srv.URL(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "clawdeck-test", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

func callApprove(t *testing.T, c *mcpclient.Client, args map[string]any) *mcpgo.CallToolResult {
	t.Helper()
	req := mcpgo.CallToolRequest{}
	req.Params.Name = "approve"
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("call approve: %v", err)
	}
	return res
}

// callText digs the text content out of a tool result.
func callText(t *testing.T, res *mcpgo.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcpgo.TextContent)
	if !ok {
		t.Fatalf("content[0] = %T", res.Content[0])
	}
	return tc.Text
}

func TestToolsListExposesApprove(t *testing.T) {
	srv := startServer(t, &fakeDecider{})
	c := connect(t, srv, "s1")
	res, err := c.ListTools(context.Background(), mcpgo.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "approve" {
		t.Errorf("tools = %v", res.Tools)
	}
}

func TestCallApproved(t *testing.T) {
	d := &fakeDecider{approve: true}
	srv := startServer(t, d)
	c := connect(t, srv, "s1")
	res := callApprove(t, c, map[string]any{
		"tool_name": "Bash",
		"input":     map[string]any{"command": "ls"},
	})
	text := callText(t, res)
	if !strings.Contains(text, `"behavior":"allow"`) {
		t.Errorf("text = %s", text)
	}
	if !strings.Contains(text, `"command":"ls"`) {
		t.Errorf("input not echoed: %s", text)
	}
	if d.lastSess != "s1" || d.lastTool != "Bash" {
		t.Errorf("decider saw session=%q tool=%q", d.lastSess, d.lastTool)
	}
}

func TestCallDenied(t *testing.T) {
	srv := startServer(t, &fakeDecider{approve: false})
	c := connect(t, srv, "s1")
	res := callApprove(t, c, map[string]any{"tool_name": "Write"})
	if text := callText(t, res); !strings.Contains(text, `"behavior":"deny"`) {
		t.Errorf("text = %s", text)
	}
}

func TestCallWithoutSessionDenies(t *testing.T) {
	d := &fakeDecider{approve: true}
	srv := startServer(t, d)
	c := connect(t, srv, "")
	res := callApprove(t, c, map[string]any{"tool_name": "Bash"})
	if text := callText(t, res); !strings.Contains(text, `"behavior":"deny"`) {
		t.Errorf("text = %s", text)
	}
	if d.lastSess != "" {
		t.Errorf("decider consulted without session")
	}
}

func TestHandleApproveDeciderError(t *testing.T) {
	d := &fakeDecider{err: context.DeadlineExceeded}
	srv := NewServer(d, nil)
	ctx := context.WithValue(context.Background(), sessionIDKey, "s9")
	req := mcpgo.CallToolRequest{}
	req.Params.Name = "approve"
	req.Params.Arguments = map[string]any{"tool_name": "Bash"}
	res, err := srv.handleApprove(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	text := callText(t, res)
	if !strings.Contains(text, `"behavior":"deny"`) {
		t.Errorf("text = %s", text)
	}
	if !strings.Contains(text, "deadline") {
		t.Errorf("error not surfaced: %s", text)
	}
}

func TestWithSessionStampsHeader(t *testing.T) {
	srv := startServer(t, &fakeDecider{})
	base := srv.Config()
	cfg := WithSession(base, "abc")
	servers := cfg["mcpServers"].(map[string]any)
	perm := servers["permission"].(map[string]any)
	if perm["url"] != srv.URL() {
		t.Errorf("url = %v", perm["url"])
	}
	headers := perm["headers"].(map[string]any)
	if headers["X-Session-ID"] != "abc" {
		t.Errorf("headers = %v", headers)
	}

	// The template must not pick up the header.
	orig := base["mcpServers"].(map[string]any)["permission"].(map[string]any)
	if _, leaked := orig["headers"]; leaked {
		t.Error("WithSession mutated the template")
	}

	if WithSession(nil, "abc") != nil {
		t.Error("nil config should stay nil")
	}
}
