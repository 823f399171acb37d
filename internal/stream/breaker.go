// Package stream turns child-process events into chat posts: the Breaker
// holds the pure message-splitting logic, the Formatter drives batching,
// flush timers and create-vs-update decisions.
package stream

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// BreakType classifies where a logical breakpoint lands.
type BreakType int

const (
	BreakToolMarker BreakType = iota
	BreakHeading
	BreakCodeBlockEnd
	BreakParagraph
	BreakLine
)

func (t BreakType) String() string {
	switch t {
	case BreakToolMarker:
		return "tool-marker"
	case BreakHeading:
		return "heading"
	case BreakCodeBlockEnd:
		return "code-block-end"
	case BreakParagraph:
		return "paragraph"
	default:
		return "line"
	}
}

// Rendered-height model. Rough per-line pixel costs for typical chat clients;
// only relative weight matters for the split decisions.
const (
	textLineHeight  = 22
	codeLineHeight  = 18
	blockPadding    = 20
	headerHeight    = 32
	blankLineHeight = 12
	wrapWidth       = 90
)

// defaultLookAhead bounds the breakpoint search window.
const defaultLookAhead = 500

// Limits are the breaker's tuning knobs (see config.StreamConfig).
type Limits struct {
	SoftBreakChars      int
	MinBreakChars       int
	MaxLinesBeforeBreak int
	MaxHeightPx         int
}

// DefaultLimits mirrors the documented config defaults.
func DefaultLimits() Limits {
	return Limits{
		SoftBreakChars:      2000,
		MinBreakChars:       500,
		MaxLinesBeforeBreak: 15,
		MaxHeightPx:         500,
	}
}

// Breaker is pure, stateless splitting logic.
type Breaker struct {
	limits Limits
}

// NewBreaker builds a Breaker; zero limit fields fall back to defaults.
func NewBreaker(limits Limits) *Breaker {
	def := DefaultLimits()
	if limits.SoftBreakChars <= 0 {
		limits.SoftBreakChars = def.SoftBreakChars
	}
	if limits.MinBreakChars <= 0 {
		limits.MinBreakChars = def.MinBreakChars
	}
	if limits.MaxLinesBeforeBreak <= 0 {
		limits.MaxLinesBeforeBreak = def.MaxLinesBeforeBreak
	}
	if limits.MaxHeightPx <= 0 {
		limits.MaxHeightPx = def.MaxHeightPx
	}
	return &Breaker{limits: limits}
}

// CodeBlockState describes fence state at a position.
type CodeBlockState struct {
	InsideOpen bool
	Language   string
	OpenPos    int // byte offset of the opening fence line
}

var fenceRe = regexp.MustCompile("^```")

// isFenceLine reports whether the line (without its newline) is a fence
// marker and returns the info string after the backticks.
func isFenceLine(line string) (bool, string) {
	if !fenceRe.MatchString(line) {
		return false, ""
	}
	return true, strings.TrimSpace(strings.TrimPrefix(line, "```"))
}

// CodeBlockStateAt scans line-anchored ``` markers before pos. An odd count
// means pos is inside a block started by the last marker seen.
func CodeBlockStateAt(content string, pos int) CodeBlockState {
	if pos > len(content) {
		pos = len(content)
	}

	state := CodeBlockState{OpenPos: -1}
	offset := 0
	for offset < pos {
		end := strings.IndexByte(content[offset:], '\n')
		var line string
		var next int
		if end < 0 {
			line = content[offset:]
			next = len(content)
		} else {
			line = content[offset : offset+end]
			next = offset + end + 1
		}
		// A fence line counts once its first character is before pos.
		if fence, lang := isFenceLine(line); fence && offset < pos {
			if state.InsideOpen {
				state.InsideOpen = false
				state.Language = ""
				state.OpenPos = -1
			} else {
				state.InsideOpen = true
				state.Language = lang
				state.OpenPos = offset
			}
		}
		offset = next
	}
	return state
}

var (
	toolMarkerRe = regexp.MustCompile(`(?m)^  ↳ (?:✓|❌).*$`)
	headingRe    = regexp.MustCompile(`(?m)^#{2,3} `)
	headerRe     = regexp.MustCompile(`^#{1,6} `)
	listRe       = regexp.MustCompile(`^(?:[-*+] |\d+\. )`)
	tableRowRe   = regexp.MustCompile(`^\|.*\|$`)
)

// FindLogicalBreakpoint searches content[startPos:] within maxLookAhead bytes
// for the best position to end a post. Returns (-1, 0) when no acceptable
// break exists, which happens when an open code block has no closing fence in
// the window.
func (b *Breaker) FindLogicalBreakpoint(content string, startPos, maxLookAhead int) (int, BreakType) {
	if maxLookAhead <= 0 {
		maxLookAhead = defaultLookAhead
	}
	windowEnd := startPos + maxLookAhead
	if windowEnd > len(content) {
		windowEnd = len(content)
	}
	if startPos >= len(content) {
		return -1, 0
	}
	window := content[startPos:windowEnd]

	// Inside an open block: the only legal break is right after the closing
	// fence. If it is not in the window the caller must wait or force-close.
	if state := CodeBlockStateAt(content, startPos); state.InsideOpen {
		offset := 0
		for offset < len(window) {
			lineEnd := strings.IndexByte(window[offset:], '\n')
			var line string
			var next int
			if lineEnd < 0 {
				line = window[offset:]
				next = len(window)
			} else {
				line = window[offset : offset+lineEnd]
				next = offset + lineEnd + 1
			}
			if fence, _ := isFenceLine(line); fence {
				return startPos + next, BreakCodeBlockEnd
			}
			offset = next
		}
		return -1, 0
	}

	if pos := b.findToolMarker(content, startPos, window); pos >= 0 {
		return pos, BreakToolMarker
	}
	if pos := b.findHeading(content, startPos, window); pos >= 0 {
		return pos, BreakHeading
	}
	if pos := b.findCodeBlockEnd(content, startPos, window); pos >= 0 {
		return pos, BreakCodeBlockEnd
	}
	if pos := b.findParagraph(content, startPos, window); pos >= 0 {
		return pos, BreakParagraph
	}
	if idx := strings.IndexByte(window, '\n'); idx >= 0 {
		pos := startPos + idx + 1
		if !CodeBlockStateAt(content, pos).InsideOpen {
			return pos, BreakLine
		}
	}
	return -1, 0
}

// findToolMarker breaks immediately after a "  ↳ ✓ …" / "  ↳ ❌ …" line.
func (b *Breaker) findToolMarker(content string, startPos int, window string) int {
	loc := toolMarkerRe.FindStringIndex(window)
	if loc == nil {
		return -1
	}
	pos := startPos + loc[1]
	if pos < len(content) && content[pos] == '\n' {
		pos++
	}
	if CodeBlockStateAt(content, pos).InsideOpen {
		return -1
	}
	return pos
}

// findHeading breaks before an H2/H3 heading line.
func (b *Breaker) findHeading(content string, startPos int, window string) int {
	loc := headingRe.FindStringIndex(window)
	if loc == nil {
		return -1
	}
	pos := startPos + loc[0]
	// Breaking at position 0 would produce an empty chunk.
	if pos == startPos {
		rest := window[loc[1]:]
		loc2 := headingRe.FindStringIndex(rest)
		if loc2 == nil {
			return -1
		}
		pos = startPos + loc[1] + loc2[0]
	}
	if CodeBlockStateAt(content, pos).InsideOpen {
		return -1
	}
	return pos
}

// findCodeBlockEnd breaks after the close of a code block that began inside
// the window.
func (b *Breaker) findCodeBlockEnd(content string, startPos int, window string) int {
	offset := 0
	openSeen := false
	for offset < len(window) {
		lineEnd := strings.IndexByte(window[offset:], '\n')
		var line string
		var next int
		if lineEnd < 0 {
			line = window[offset:]
			next = len(window)
		} else {
			line = window[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		}
		if fence, _ := isFenceLine(line); fence {
			if openSeen {
				return startPos + next
			}
			openSeen = true
		}
		offset = next
	}
	return -1
}

// findParagraph breaks after a consecutive newline pair.
func (b *Breaker) findParagraph(content string, startPos int, window string) int {
	idx := strings.Index(window, "\n\n")
	if idx < 0 {
		return -1
	}
	pos := startPos + idx + 2
	if CodeBlockStateAt(content, pos).InsideOpen {
		return -1
	}
	return pos
}

// ShouldFlushEarly reports whether pending content has outgrown a single
// post: estimated height, byte count or line count over the limits.
func (b *Breaker) ShouldFlushEarly(content string) bool {
	if len(content) >= b.limits.SoftBreakChars {
		return true
	}
	if strings.Count(content, "\n") >= b.limits.MaxLinesBeforeBreak {
		return true
	}
	return b.EstimateRenderedHeight(content) >= b.limits.MaxHeightPx
}

// EstimateRenderedHeight approximates the rendered pixel height of markdown
// content. Fenced blocks are costed per code line plus padding; remaining
// lines are categorized, with long lines wrapped at ~90 display cells.
func (b *Breaker) EstimateRenderedHeight(content string) int {
	height := 0
	inFence := false

	for _, line := range strings.Split(content, "\n") {
		if fence, _ := isFenceLine(line); fence {
			height += blockPadding
			inFence = !inFence
			continue
		}
		if inFence {
			height += codeLineHeight
			continue
		}

		trimmed := strings.TrimRight(line, " \t")
		switch {
		case trimmed == "":
			height += blankLineHeight
		case headerRe.MatchString(trimmed):
			height += headerHeight
		case strings.HasPrefix(trimmed, "> "):
			height += wrappedLines(trimmed) * textLineHeight
		case listRe.MatchString(trimmed):
			height += wrappedLines(trimmed) * textLineHeight
		case tableRowRe.MatchString(trimmed):
			height += textLineHeight
		default:
			height += wrappedLines(trimmed) * textLineHeight
		}
	}
	return height
}

// wrappedLines counts display lines after wrapping at wrapWidth cells.
func wrappedLines(line string) int {
	w := runewidth.StringWidth(line)
	if w <= wrapWidth {
		return 1
	}
	return (w + wrapWidth - 1) / wrapWidth
}

// SplitForHeight splits content into chunks at good breakpoints (paragraph,
// code-block-end, heading, tool-marker) while the remainder still triggers
// ShouldFlushEarly. If no good split exists the original content is returned
// as a single chunk.
func (b *Breaker) SplitForHeight(content string) []string {
	var chunks []string
	rest := content

	for b.ShouldFlushEarly(rest) {
		pos := b.findGoodBreak(rest)
		if pos <= 0 || pos >= len(rest) {
			break
		}
		chunk := strings.TrimRight(rest[:pos], "\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimLeft(rest[pos:], "\n")
	}

	if rest != "" {
		chunks = append(chunks, rest)
	}
	if len(chunks) == 0 {
		return []string{content}
	}
	return chunks
}

// findGoodBreak returns the latest good breakpoint at or before the soft
// limit (and past the minimum chunk size), or -1 when none qualifies.
func (b *Breaker) findGoodBreak(content string) int {
	limit := b.limits.SoftBreakChars
	if limit > len(content) {
		limit = len(content)
	}

	best := -1
	offset := 0
	inFence := false
	prevBlank := false

	for offset < limit {
		lineEnd := strings.IndexByte(content[offset:], '\n')
		var line string
		var next int
		if lineEnd < 0 {
			line = content[offset:]
			next = len(content)
		} else {
			line = content[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		}

		if fence, _ := isFenceLine(line); fence {
			wasInFence := inFence
			inFence = !inFence
			if wasInFence && next >= b.limits.MinBreakChars && next <= limit {
				best = next // after a code-block close
			}
			prevBlank = false
			offset = next
			continue
		}

		if !inFence {
			switch {
			case line == "" && !prevBlank:
				// Candidate after a paragraph break.
				if next >= b.limits.MinBreakChars {
					best = next
				}
			case headingRe.MatchString(line) && offset >= b.limits.MinBreakChars:
				best = offset // break before the heading
			case toolMarkerRe.MatchString(line) && next >= b.limits.MinBreakChars:
				best = next
			}
		}
		prevBlank = line == ""
		offset = next
	}
	return best
}
