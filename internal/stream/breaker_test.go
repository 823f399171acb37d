package stream

import (
	"strings"
	"testing"
)

func TestCodeBlockStateAt(t *testing.T) {
	content := "intro\n```go\nfunc main() {}\n```\nafter\n```python\nprint(1)\n"

	tests := []struct {
		name       string
		pos        int
		insideOpen bool
		language   string
	}{
		{"before any fence", 3, false, ""},
		{"inside first block", strings.Index(content, "func"), true, "go"},
		{"after first block closes", strings.Index(content, "after"), false, ""},
		{"inside unclosed block", len(content), true, "python"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CodeBlockStateAt(content, tt.pos)
			if got.InsideOpen != tt.insideOpen {
				t.Errorf("InsideOpen = %v, want %v", got.InsideOpen, tt.insideOpen)
			}
			if got.Language != tt.language {
				t.Errorf("Language = %q, want %q", got.Language, tt.language)
			}
		})
	}
}

func TestFindLogicalBreakpointPriority(t *testing.T) {
	b := NewBreaker(DefaultLimits())

	tests := []struct {
		name     string
		content  string
		wantType BreakType
	}{
		{
			"tool marker beats heading",
			"line one\n  ↳ ✓ Read file\n## Heading\nmore text\n",
			BreakToolMarker,
		},
		{
			"heading beats paragraph",
			"alpha\n## Section\nbeta\n\ngamma\n",
			BreakHeading,
		},
		{
			"code block end beats paragraph",
			"x\n```\ncode\n```\ntext\n\nmore\n",
			BreakCodeBlockEnd,
		},
		{
			"paragraph beats bare newline",
			"alpha\nbeta\n\ngamma\n",
			BreakParagraph,
		},
		{
			"newline fallback",
			"alpha\nbeta",
			BreakLine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, typ := b.FindLogicalBreakpoint(tt.content, 0, 500)
			if pos < 0 {
				t.Fatalf("no breakpoint found in %q", tt.content)
			}
			if typ != tt.wantType {
				t.Errorf("type = %v, want %v (pos %d)", typ, tt.wantType, pos)
			}
		})
	}
}

func TestFindLogicalBreakpointInsideOpenBlock(t *testing.T) {
	b := NewBreaker(DefaultLimits())

	t.Run("closing fence in window", func(t *testing.T) {
		content := "```go\ncode line\n```\nafter\n"
		start := strings.Index(content, "code")
		pos, typ := b.FindLogicalBreakpoint(content, start, 500)
		if typ != BreakCodeBlockEnd {
			t.Fatalf("type = %v, want code-block-end", typ)
		}
		// Break must land right after the closing fence line.
		if want := strings.Index(content, "after"); pos != want {
			t.Errorf("pos = %d, want %d", pos, want)
		}
	})

	t.Run("no closing fence", func(t *testing.T) {
		content := "```go\n" + strings.Repeat("code\n", 50)
		pos, _ := b.FindLogicalBreakpoint(content, 10, 100)
		if pos != -1 {
			t.Errorf("pos = %d, want -1 (caller must wait)", pos)
		}
	})
}

func TestBreakpointVetoInsideCodeBlock(t *testing.T) {
	b := NewBreaker(DefaultLimits())
	// The heading-looking line sits inside an open fence and must be vetoed.
	content := "start\n```\n## not a heading\ncode\n```\ntail\n"
	pos, typ := b.FindLogicalBreakpoint(content, 0, 500)
	if pos < 0 {
		t.Fatal("no breakpoint")
	}
	if typ == BreakHeading {
		t.Errorf("heading chosen inside code block at %d", pos)
	}
	if CodeBlockStateAt(content, pos).InsideOpen {
		t.Errorf("breakpoint %d is inside an open code block", pos)
	}
}

func TestShouldFlushEarly(t *testing.T) {
	b := NewBreaker(Limits{SoftBreakChars: 100, MinBreakChars: 20, MaxLinesBeforeBreak: 5, MaxHeightPx: 500})

	if b.ShouldFlushEarly("short") {
		t.Error("short content flagged for flush")
	}
	if !b.ShouldFlushEarly(strings.Repeat("x", 100)) {
		t.Error("byte limit not triggering")
	}
	if !b.ShouldFlushEarly(strings.Repeat("a\n", 6)) {
		t.Error("line limit not triggering")
	}
}

func TestEstimateRenderedHeight(t *testing.T) {
	b := NewBreaker(DefaultLimits())

	short := b.EstimateRenderedHeight("one line")
	if short != textLineHeight {
		t.Errorf("single line = %d, want %d", short, textLineHeight)
	}

	header := b.EstimateRenderedHeight("# Title")
	if header != headerHeight {
		t.Errorf("header = %d, want %d", header, headerHeight)
	}

	// A long line wraps to multiple display lines.
	long := b.EstimateRenderedHeight(strings.Repeat("word ", 60))
	if long <= textLineHeight {
		t.Errorf("long line = %d, want > %d", long, textLineHeight)
	}

	code := b.EstimateRenderedHeight("```\na\nb\nc\n```")
	want := 2*blockPadding + 3*codeLineHeight
	if code != want {
		t.Errorf("code block = %d, want %d", code, want)
	}
}

func TestSplitForHeight(t *testing.T) {
	b := NewBreaker(Limits{SoftBreakChars: 2000, MinBreakChars: 500, MaxLinesBeforeBreak: 1000, MaxHeightPx: 500})

	t.Run("long document splits at good boundaries", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 3; i++ {
			sb.WriteString("## Heading\n")
			for j := 0; j < 8; j++ {
				sb.WriteString(strings.Repeat("lorem ipsum dolor sit amet ", 19))
				sb.WriteString("\n\n")
			}
			sb.WriteString("```go\nfunc f() {}\nfunc g() {}\n```\n\n")
		}
		content := sb.String()
		if len(content) < 12000 {
			t.Fatalf("fixture too small: %d", len(content))
		}

		chunks := b.SplitForHeight(content)
		if len(chunks) < 2 {
			t.Fatalf("len(chunks) = %d, want >= 2", len(chunks))
		}
		for i, c := range chunks {
			if CodeBlockStateAt(c, len(c)).InsideOpen {
				t.Errorf("chunk %d ends inside an open code block", i)
			}
			if h := b.EstimateRenderedHeight(c); h >= 2*b.limits.MaxHeightPx {
				t.Errorf("chunk %d height %d is far over limit", i, h)
			}
		}
	})

	t.Run("unsplittable content returned whole", func(t *testing.T) {
		content := strings.Repeat("x", 3000) // single line, no breakpoints
		chunks := b.SplitForHeight(content)
		if len(chunks) != 1 || chunks[0] != content {
			t.Errorf("unsplittable content was altered: %d chunks", len(chunks))
		}
	})
}
