package command

import (
	"context"
	"strings"
	"testing"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(Spec{
		Name:                "help",
		Description:         "show help",
		Audience:            AudienceUser,
		WorksInFirstMessage: true,
		Handler: func(_ context.Context, _ Request) Result {
			return Result{Handled: true, Reply: "help text"}
		},
	})
	r.Register(Spec{
		Name:        "stop",
		Description: "cancel session",
		Audience:    AudienceUser,
		Handler: func(_ context.Context, _ Request) Result {
			return Result{Handled: true, Reply: "stopped"}
		},
	})
	r.Register(Spec{
		Name:                "cd",
		Description:         "change working directory",
		ArgSpec:             "<path>",
		Audience:            AudienceBoth,
		WorksInFirstMessage: true,
		AssistantCanExecute: true,
		Handler: func(_ context.Context, req Request) Result {
			return Result{Handled: true, Reply: "cd " + req.Args}
		},
	})
	return r
}

func TestParse(t *testing.T) {
	tests := []struct {
		msg      string
		name     string
		args     string
		ok       bool
	}{
		{"!help", "help", "", true},
		{"!cd /tmp/proj", "cd", "/tmp/proj", true},
		{"  !STOP  ", "stop", "", true},
		{"hello there", "", "", false},
		{"!", "", "", false},
		{"!!", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := Parse(tt.msg)
		if name != tt.name || args != tt.args || ok != tt.ok {
			t.Errorf("Parse(%q) = %q,%q,%v want %q,%q,%v", tt.msg, name, args, ok, tt.name, tt.args, tt.ok)
		}
	}
}

func TestDispatchFirstMessageGating(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	// stop does not work in first-message context: falls through unhandled.
	res := r.Dispatch(ctx, "!stop", Request{Context: ContextFirstMessage})
	if res.Handled {
		t.Error("!stop handled in first-message context")
	}

	// Same command works in-session.
	res = r.Dispatch(ctx, "!stop", Request{Context: ContextInSession})
	if !res.Handled || res.Reply != "stopped" {
		t.Errorf("!stop in-session = %+v", res)
	}

	// help works in both contexts.
	res = r.Dispatch(ctx, "!help", Request{Context: ContextFirstMessage})
	if !res.Handled {
		t.Error("!help not handled in first-message context")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := testRegistry()
	res := r.Dispatch(context.Background(), "!nope", Request{Context: ContextInSession})
	if !res.Handled || !strings.Contains(res.Reply, "Unknown command") {
		t.Errorf("unknown command result = %+v", res)
	}
}

func TestDispatchArgs(t *testing.T) {
	r := testRegistry()
	res := r.Dispatch(context.Background(), "!cd /home/dev/proj", Request{Context: ContextInSession})
	if res.Reply != "cd /home/dev/proj" {
		t.Errorf("args not forwarded: %+v", res)
	}
}

func TestAssistantAllowSet(t *testing.T) {
	r := testRegistry()
	allowed := r.AssistantAllowed()
	if !allowed["cd"] {
		t.Error("cd missing from assistant allow-set")
	}
	if allowed["stop"] {
		t.Error("stop must not be assistant-executable")
	}

	// Assistant invoking a non-executable command is silently ignored.
	res := r.Dispatch(context.Background(), "!stop", Request{Context: ContextInSession, FromAssistant: true})
	if res.Handled {
		t.Error("assistant !stop was executed")
	}
}

func TestScanAssistantCommands(t *testing.T) {
	r := testRegistry()
	text := "I'll switch directories now.\n!cd /tmp/work\nand also\n!stop\ndone"
	reqs := r.ScanAssistantCommands(text)
	if len(reqs) != 1 {
		t.Fatalf("reqs = %d, want 1 (only allow-set commands)", len(reqs))
	}
	if reqs[0].Command != "cd" || reqs[0].Args != "/tmp/work" {
		t.Errorf("req = %+v", reqs[0])
	}
	if !reqs[0].FromAssistant {
		t.Error("FromAssistant not set")
	}
}

func TestHelpText(t *testing.T) {
	r := testRegistry()
	help := r.HelpText()
	for _, want := range []string{"!help", "!stop", "!cd <path>"} {
		if !strings.Contains(help, want) {
			t.Errorf("help missing %q:\n%s", want, help)
		}
	}
}
