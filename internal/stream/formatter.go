package stream

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Sink is the formatter's outlet: a session-bound view of the platform
// adapter. CreatePost must register the new post before returning so
// reaction routing can never race the registry.
type Sink interface {
	CreatePost(ctx context.Context, message string) (postID string, err error)
	UpdatePost(ctx context.Context, postID, message string) error
	SendTyping(ctx context.Context) error
}

// DivertedTool is a tool_use block the formatter refuses to render; the
// session routes it to the interaction engine or task tracking.
type DivertedTool struct {
	Name      string
	ToolUseID string
	Input     []byte
}

// ToolResult is the slice of a user event the session cares about.
type ToolResult struct {
	ToolUseID string
	IsError   bool
}

const thinkingPreviewLen = 100

var tripleNewlineRe = regexp.MustCompile(`\n{3,}`)

// Formatter batches child-event fragments into platform posts for one
// session. Safe for concurrent use; the flush timer fires off-goroutine.
type Formatter struct {
	sink    Sink
	breaker *Breaker
	tools   *ToolFormatter

	debounce       time.Duration
	typingInterval time.Duration

	mu              sync.Mutex
	pending         string
	currentPostID   string
	currentContent  string
	flushTimer      *time.Timer
	typingStop      chan struct{}
	interactionOpen bool
	stopped         bool
}

// FormatterConfig wires a new Formatter.
type FormatterConfig struct {
	Sink           Sink
	Breaker        *Breaker
	Tools          *ToolFormatter
	Debounce       time.Duration
	TypingInterval time.Duration
}

// NewFormatter builds a Formatter.
func NewFormatter(cfg FormatterConfig) *Formatter {
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(DefaultLimits())
	}
	if cfg.Tools == nil {
		cfg.Tools = &ToolFormatter{}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 3 * time.Second
	}
	return &Formatter{
		sink:           cfg.Sink,
		breaker:        cfg.Breaker,
		tools:          cfg.Tools,
		debounce:       cfg.Debounce,
		typingInterval: cfg.TypingInterval,
	}
}

// Tools exposes the tool formatter so the session can update worktree paths
// after a restart-in-new-dir.
func (f *Formatter) Tools() *ToolFormatter { return f.tools }

// HandleAssistant formats an assistant event's blocks. Diverted tool uses are
// returned for the session to route. When a suppressing diversion occurs
// (plan approval, question set) the event contributes no content at all.
func (f *Formatter) HandleAssistant(ctx context.Context, blocks []Block) []DivertedTool {
	var diverted []DivertedTool
	var fragments []string
	suppress := false

	for _, blk := range blocks {
		switch blk.Kind {
		case BlockKindText:
			if blk.Text != "" {
				fragments = append(fragments, blk.Text)
			}
		case BlockKindThinking:
			if blk.Text != "" {
				fragments = append(fragments, "_"+truncate(strings.TrimSpace(blk.Text), thinkingPreviewLen)+"_")
			}
		case BlockKindToolUse:
			if d, s := IsDiverted(blk.ToolName); d {
				diverted = append(diverted, DivertedTool{Name: blk.ToolName, ToolUseID: blk.ToolUseID, Input: blk.Input})
				if s {
					suppress = true
				}
				continue
			}
			if text := f.tools.FormatToolUse(blk.ToolName, blk.Input); text != "" {
				fragments = append(fragments, text)
			}
		}
	}

	if suppress {
		return diverted
	}
	for _, frag := range fragments {
		f.AppendContent(ctx, frag)
	}
	return diverted
}

// HandleUser extracts tool results and appends a short error line for each
// error-flagged result.
func (f *Formatter) HandleUser(ctx context.Context, blocks []Block) []ToolResult {
	var results []ToolResult
	for _, blk := range blocks {
		if blk.Kind != BlockKindToolResult {
			continue
		}
		results = append(results, ToolResult{ToolUseID: blk.ToolUseID, IsError: blk.IsError})
		if blk.IsError {
			f.AppendContent(ctx, "  ↳ ❌ tool error")
		}
	}
	return results
}

// HandleResult closes out the current turn: typing stops, pending content
// flushes, and the next emission starts a fresh post.
func (f *Formatter) HandleResult(ctx context.Context) {
	f.StopTyping()
	f.Flush(ctx)
	f.mu.Lock()
	f.currentPostID = ""
	f.currentContent = ""
	f.mu.Unlock()
}

// HandleSystemError appends a single error line.
func (f *Formatter) HandleSystemError(ctx context.Context, msg string) {
	if msg == "" {
		msg = "unknown error"
	}
	f.AppendContent(ctx, "⚠️ "+msg)
}

// AppendContent adds a fragment to the pending buffer and arms the flush
// timer. Oversized buffers flush immediately.
func (f *Formatter) AppendContent(ctx context.Context, fragment string) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if f.pending != "" {
		f.pending += "\n"
	}
	f.pending += fragment

	if f.breaker.ShouldFlushEarly(f.pending) {
		f.mu.Unlock()
		f.Flush(ctx)
		return
	}

	if f.flushTimer == nil {
		f.flushTimer = time.AfterFunc(f.debounce, func() {
			f.Flush(context.Background())
		})
	}
	f.mu.Unlock()
}

// Flush emits the pending buffer: update the open post in place when the
// combined content still fits, otherwise finalize it and create new posts,
// splitting for height and keeping code fences closed across the boundary.
func (f *Formatter) Flush(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushUnlocked(ctx)
}

func (f *Formatter) flushUnlocked(ctx context.Context) {
	if f.flushTimer != nil {
		f.flushTimer.Stop()
		f.flushTimer = nil
	}
	if f.pending == "" {
		return
	}

	pending := strings.TrimSpace(tripleNewlineRe.ReplaceAllString(f.pending, "\n\n"))
	f.pending = ""
	if pending == "" {
		return
	}

	if f.currentPostID != "" {
		combined := f.currentContent + "\n" + pending
		if !f.breaker.ShouldFlushEarly(combined) {
			if err := f.sink.UpdatePost(ctx, f.currentPostID, combined); err != nil {
				// Post may be gone upstream; start fresh next flush.
				slog.Warn("update post failed, reverting to create", "post_id", f.currentPostID, "error", err)
				f.currentPostID = ""
				f.currentContent = ""
				f.pending = pending
				return
			}
			f.currentContent = combined
			return
		}

		// The open post is full. If it ends inside a code block, force-close
		// it and reopen the fence in the continuation.
		if state := CodeBlockStateAt(f.currentContent, len(f.currentContent)); state.InsideOpen {
			closed := f.currentContent + "\n```"
			if err := f.sink.UpdatePost(ctx, f.currentPostID, closed); err != nil {
				slog.Warn("force-close update failed", "post_id", f.currentPostID, "error", err)
			}
			reopen := "```" + state.Language + "\n"
			pending = reopen + pending
		}
		f.currentPostID = ""
		f.currentContent = ""
	}

	chunks := f.breaker.SplitForHeight(pending)
	for i := 0; i < len(chunks); i++ {
		chunk := chunks[i]
		// No emitted post may end inside an open fence.
		if state := CodeBlockStateAt(chunk, len(chunk)); state.InsideOpen {
			if i+1 < len(chunks) {
				chunk += "\n```"
				chunks[i+1] = "```" + state.Language + "\n" + chunks[i+1]
			} else if strings.Count(chunk, "```")%2 == 1 {
				chunk += "\n```"
			}
		}

		postID, err := f.sink.CreatePost(ctx, chunk)
		if err != nil {
			// Keep the unsent remainder for the next flush.
			slog.Warn("create post failed, re-queueing content", "error", err)
			f.pending = strings.Join(chunks[i:], "\n\n")
			return
		}
		if i == len(chunks)-1 {
			f.currentPostID = postID
			f.currentContent = chunk
		}
	}
}

// SetInteractionOpen gates typing while an interaction awaits the user.
func (f *Formatter) SetInteractionOpen(open bool) {
	f.mu.Lock()
	f.interactionOpen = open
	f.mu.Unlock()
	if open {
		f.StopTyping()
	}
}

// StartTyping sends a typing signal now and then every interval until
// StopTyping. A no-op while an interaction is open.
func (f *Formatter) StartTyping(ctx context.Context) {
	f.mu.Lock()
	if f.stopped || f.interactionOpen || f.typingStop != nil {
		f.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	f.typingStop = stop
	f.mu.Unlock()

	_ = f.sink.SendTyping(ctx)
	go func() {
		ticker := time.NewTicker(f.typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = f.sink.SendTyping(context.Background())
			}
		}
	}()
}

// StopTyping cancels the typing loop.
func (f *Formatter) StopTyping() {
	f.mu.Lock()
	if f.typingStop != nil {
		close(f.typingStop)
		f.typingStop = nil
	}
	f.mu.Unlock()
}

// Stop flushes remaining content and shuts the formatter down.
func (f *Formatter) Stop(ctx context.Context) {
	f.StopTyping()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushUnlocked(ctx)
	f.stopped = true
	if f.flushTimer != nil {
		f.flushTimer.Stop()
		f.flushTimer = nil
	}
}

// CurrentPostID returns the post currently being streamed into, if any.
func (f *Formatter) CurrentPostID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentPostID
}
