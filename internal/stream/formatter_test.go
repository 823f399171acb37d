package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSink records created and updated posts.
type fakeSink struct {
	mu      sync.Mutex
	posts   map[string]string // postID → content
	order   []string
	typing  int
	nextID  int
	failUpdate bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{posts: make(map[string]string)}
}

func (s *fakeSink) CreatePost(_ context.Context, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("p%d", s.nextID)
	s.posts[id] = message
	s.order = append(s.order, id)
	return id, nil
}

func (s *fakeSink) UpdatePost(_ context.Context, postID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return fmt.Errorf("post deleted upstream")
	}
	s.posts[postID] = message
	return nil
}

func (s *fakeSink) SendTyping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

func (s *fakeSink) snapshot() ([]string, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := append([]string(nil), s.order...)
	posts := make(map[string]string, len(s.posts))
	for k, v := range s.posts {
		posts[k] = v
	}
	return order, posts
}

func newTestFormatter(sink Sink) *Formatter {
	return NewFormatter(FormatterConfig{
		Sink:           sink,
		Breaker:        NewBreaker(DefaultLimits()),
		Debounce:       time.Hour, // flush manually in tests
		TypingInterval: time.Hour,
	})
}

func TestAppendAndFlushCreatesPost(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	f.AppendContent(ctx, "hello")
	f.AppendContent(ctx, "world")
	f.Flush(ctx)

	order, posts := sink.snapshot()
	if len(order) != 1 {
		t.Fatalf("posts created = %d, want 1", len(order))
	}
	if posts[order[0]] != "hello\nworld" {
		t.Errorf("content = %q", posts[order[0]])
	}
	if f.CurrentPostID() != order[0] {
		t.Errorf("currentPostID = %q, want %q", f.CurrentPostID(), order[0])
	}
}

func TestFlushUpdatesOpenPostInPlace(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	f.AppendContent(ctx, "first")
	f.Flush(ctx)
	f.AppendContent(ctx, "second")
	f.Flush(ctx)

	order, posts := sink.snapshot()
	if len(order) != 1 {
		t.Fatalf("posts created = %d, want 1 (update in place)", len(order))
	}
	if posts[order[0]] != "first\nsecond" {
		t.Errorf("content = %q", posts[order[0]])
	}
}

func TestResultEventStartsFreshPost(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	f.AppendContent(ctx, "turn one")
	f.HandleResult(ctx)
	f.AppendContent(ctx, "turn two")
	f.Flush(ctx)

	order, _ := sink.snapshot()
	if len(order) != 2 {
		t.Fatalf("posts created = %d, want 2", len(order))
	}
}

func TestUpdateFailureRevertsToCreate(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	f.AppendContent(ctx, "first")
	f.Flush(ctx)

	sink.failUpdate = true
	f.AppendContent(ctx, "second")
	f.Flush(ctx)
	// Content is requeued; the next flush creates a new post.
	sink.failUpdate = false
	f.Flush(ctx)

	order, posts := sink.snapshot()
	if len(order) != 2 {
		t.Fatalf("posts created = %d, want 2", len(order))
	}
	if posts[order[1]] != "second" {
		t.Errorf("recreated content = %q", posts[order[1]])
	}
}

func TestLargeContentSplitsWithoutBrokenFences(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	var sb strings.Builder
	for i := 0; i < 3; i++ {
		sb.WriteString("## Section\n\n")
		for j := 0; j < 10; j++ {
			sb.WriteString(strings.Repeat("streaming split scenario text ", 14))
			sb.WriteString("\n\n")
		}
		sb.WriteString("```go\nfunc run() error {\n\treturn nil\n}\n```\n\n")
	}
	content := sb.String()
	if len(content) < 12000 {
		t.Fatalf("fixture too small: %d bytes", len(content))
	}

	f.AppendContent(ctx, content)
	f.Flush(ctx)

	order, posts := sink.snapshot()
	if len(order) < 2 {
		t.Fatalf("posts created = %d, want >= 2", len(order))
	}
	b := NewBreaker(DefaultLimits())
	for _, id := range order {
		body := posts[id]
		if strings.Count(body, "```")%2 != 0 {
			t.Errorf("post %s has an unclosed code block", id)
		}
		if h := b.EstimateRenderedHeight(body); h >= 2*DefaultLimits().MaxHeightPx {
			t.Errorf("post %s height %d far over limit", id, h)
		}
	}
}

func TestSuppressingDiversionEmitsNothing(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	input, _ := json.Marshal(map[string]string{"plan": "do the thing"})
	diverted := f.HandleAssistant(ctx, []Block{
		{Kind: BlockKindText, Text: "here is my plan"},
		{Kind: BlockKindToolUse, ToolName: ToolExitPlanMode, ToolUseID: "tu1", Input: input},
	})
	f.Flush(ctx)

	if len(diverted) != 1 || diverted[0].Name != ToolExitPlanMode {
		t.Fatalf("diverted = %+v, want ExitPlanMode", diverted)
	}
	order, _ := sink.snapshot()
	if len(order) != 0 {
		t.Errorf("posts created = %d, want 0 (event suppressed)", len(order))
	}
}

func TestNonSuppressingDiversionKeepsOtherBlocks(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	diverted := f.HandleAssistant(ctx, []Block{
		{Kind: BlockKindText, Text: "working on tasks"},
		{Kind: BlockKindToolUse, ToolName: ToolTodoWrite, ToolUseID: "tu2"},
	})
	f.Flush(ctx)

	if len(diverted) != 1 || diverted[0].Name != ToolTodoWrite {
		t.Fatalf("diverted = %+v, want TodoWrite", diverted)
	}
	order, posts := sink.snapshot()
	if len(order) != 1 || posts[order[0]] != "working on tasks" {
		t.Errorf("posts = %v, want the text block rendered", posts)
	}
}

func TestHandleUserErrorLine(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	results := f.HandleUser(ctx, []Block{
		{Kind: BlockKindToolResult, ToolUseID: "tu1", IsError: true},
		{Kind: BlockKindToolResult, ToolUseID: "tu2"},
	})
	f.Flush(ctx)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	_, posts := sink.snapshot()
	var found bool
	for _, body := range posts {
		if strings.Contains(body, "❌") {
			found = true
		}
	}
	if !found {
		t.Error("error result did not contribute an error line")
	}
}

func TestTypingGatedByInteraction(t *testing.T) {
	sink := newFakeSink()
	f := newTestFormatter(sink)
	ctx := context.Background()

	f.SetInteractionOpen(true)
	f.StartTyping(ctx)
	sink.mu.Lock()
	typing := sink.typing
	sink.mu.Unlock()
	if typing != 0 {
		t.Errorf("typing sent while interaction open: %d", typing)
	}

	f.SetInteractionOpen(false)
	f.StartTyping(ctx)
	f.StopTyping()
	sink.mu.Lock()
	typing = sink.typing
	sink.mu.Unlock()
	if typing != 1 {
		t.Errorf("typing signals = %d, want 1", typing)
	}
}
