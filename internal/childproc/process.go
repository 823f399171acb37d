package childproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// stdout lines can carry large tool results.
	maxLineBytes = 8 << 20

	// killGrace is how long Kill waits for a clean exit before SIGKILL.
	killGrace = 5 * time.Second
)

// wireMessage is one stream-json line from the child's stdout.
type wireMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   *struct {
		Role    string         `json:"role"`
		Content []ContentBlock `json:"content"`
	} `json:"message,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Process runs the assistant CLI with stream-json stdio.
type Process struct {
	opts SpawnOptions

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	events  chan Event
	running atomic.Bool
	killed  atomic.Bool

	mu             sync.Mutex // guards stdin writes and childSessionID
	childSessionID string

	done chan struct{} // closed when the stdout loop exits
}

// New builds a Process; Start launches it.
func New(opts SpawnOptions) *Process {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	return &Process{
		opts:   opts,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Start launches the child and begins decoding its stdout.
func (p *Process) Start(ctx context.Context) error {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if p.opts.Resume != "" {
		args = append(args, "--resume", p.opts.Resume)
	}
	if p.opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if p.opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", p.opts.AppendSystemPrompt)
	}
	if p.opts.MCPConfig != nil {
		cfg, err := json.Marshal(p.opts.MCPConfig)
		if err != nil {
			return fmt.Errorf("marshal mcp config: %w", err)
		}
		args = append(args,
			"--mcp-config", string(cfg),
			"--permission-prompt-tool", "mcp__permission__approve",
		)
	}

	cmd := exec.Command(p.opts.Command, args...)
	cmd.Dir = p.opts.WorkingDir
	// Own process group so Kill can take down grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("child stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("child stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("child stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", p.opts.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.running.Store(true)

	slog.Info("child process started",
		"command", p.opts.Command,
		"pid", cmd.Process.Pid,
		"thread_id", p.opts.ThreadID,
		"working_dir", p.opts.WorkingDir,
		"resume", p.opts.Resume != "",
	)

	go p.drainStderr(stderr)
	go p.readLoop(stdout)
	return nil
}

func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			slog.Debug("child stderr", "thread_id", p.opts.ThreadID, "line", line)
		}
	}
}

func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.done)
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Debug("child emitted non-json line", "thread_id", p.opts.ThreadID, "error", err)
			continue
		}
		if msg.SessionID != "" {
			p.mu.Lock()
			p.childSessionID = msg.SessionID
			p.mu.Unlock()
		}

		switch msg.Type {
		case "system":
			p.emit(Event{Type: EventSystem, Subtype: msg.Subtype, Message: msg.Error, SessionID: msg.SessionID})
		case "assistant":
			if msg.Message != nil {
				p.emit(Event{Type: EventAssistant, Blocks: msg.Message.Content})
			}
		case "user":
			if msg.Message != nil {
				p.emit(Event{Type: EventUser, Blocks: msg.Message.Content})
			}
		case "result":
			p.emit(Event{Type: EventResult, Message: msg.Result, Usage: msg.Usage, IsError: msg.IsError})
		default:
			slog.Debug("child message skipped", "type", msg.Type)
		}
	}

	err := p.cmd.Wait()
	p.running.Store(false)

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	slog.Info("child process exited",
		"thread_id", p.opts.ThreadID,
		"code", code,
		"killed", p.killed.Load(),
	)
	p.emit(Event{Type: EventExit, ExitCode: code})
}

func (p *Process) emit(ev Event) {
	// Bounded buffer: block rather than drop so per-session ordering holds.
	p.events <- ev
}

// SendMessage writes a user message as one stream-json line.
func (p *Process) SendMessage(ctx context.Context, text string, blocks []ContentBlock) error {
	if !p.running.Load() {
		return fmt.Errorf("child not running")
	}

	content := blocks
	if text != "" {
		content = append([]ContentBlock{{Type: BlockText, Text: text}}, blocks...)
	}
	payload := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write to child: %w", err)
	}
	return nil
}

// Interrupt asks the child to stop the current turn. It first sends the
// protocol-level interrupt, then falls back to SIGINT.
func (p *Process) Interrupt() error {
	if !p.running.Load() {
		return nil
	}

	req := map[string]any{
		"type":       "control_request",
		"request_id": uuid.NewString(),
		"request":    map[string]any{"subtype": "interrupt"},
	}
	data, _ := json.Marshal(req)
	data = append(data, '\n')

	p.mu.Lock()
	_, writeErr := p.stdin.Write(data)
	p.mu.Unlock()
	if writeErr == nil {
		return nil
	}

	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Signal(syscall.SIGINT)
	}
	return nil
}

// Kill terminates the child, SIGTERM first, SIGKILL to the whole process
// group after the grace period.
func (p *Process) Kill() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.killed.Store(true)

	pid := p.cmd.Process.Pid
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
		return
	case <-time.After(killGrace):
	}

	// Negative pid signals the process group.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}

// WasKilled reports whether Kill was invoked; used to classify nonzero exits.
func (p *Process) WasKilled() bool { return p.killed.Load() }

// IsRunning reports whether the process is alive.
func (p *Process) IsRunning() bool { return p.running.Load() }

// Events returns the event stream.
func (p *Process) Events() <-chan Event { return p.events }

// ChildSessionID returns the child-assigned session id, empty until the
// first system message arrives.
func (p *Process) ChildSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.childSessionID
}
