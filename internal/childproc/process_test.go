package childproc

import (
	"encoding/json"
	"testing"
)

func TestWireMessageAssistant(t *testing.T) {
	line := `{"type":"assistant","session_id":"abc","message":{"content":[` +
		`{"type":"text","text":"hello"},` +
		`{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"ls"}}]}}`

	var msg wireMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "assistant" || msg.SessionID != "abc" {
		t.Errorf("header = %q %q", msg.Type, msg.SessionID)
	}
	blocks := msg.Message.Content
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d", len(blocks))
	}
	if blocks[0].Type != BlockText || blocks[0].Text != "hello" {
		t.Errorf("text block = %+v", blocks[0])
	}
	if blocks[1].Type != BlockToolUse || blocks[1].Name != "Bash" || blocks[1].ID != "tu1" {
		t.Errorf("tool block = %+v", blocks[1])
	}
	if string(blocks[1].Input) != `{"command":"ls"}` {
		t.Errorf("input = %s", blocks[1].Input)
	}
}

func TestWireMessageResult(t *testing.T) {
	line := `{"type":"result","result":"done","is_error":false,` +
		`"usage":{"input_tokens":10,"output_tokens":20}}`

	var msg wireMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "result" || msg.Result != "done" || msg.IsError {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Usage == nil || msg.Usage.InputTokens != 10 || msg.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", msg.Usage)
	}
}

func TestWireMessageSystemError(t *testing.T) {
	line := `{"type":"system","subtype":"error","error":"boom","session_id":"s1"}`
	var msg wireMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Subtype != "error" || msg.Error != "boom" {
		t.Errorf("msg = %+v", msg)
	}
}
