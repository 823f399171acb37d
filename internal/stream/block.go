package stream

import "github.com/nextlevelbuilder/clawdeck/internal/childproc"

// BlockKind tags the content variants the formatter pattern-matches on.
type BlockKind int

const (
	BlockKindText BlockKind = iota
	BlockKindThinking
	BlockKindToolUse
	BlockKindToolResult
)

// Block is the formatter's view of a content block, detached from the wire
// encoding.
type Block struct {
	Kind      BlockKind
	Text      string
	ToolName  string
	ToolUseID string
	Input     []byte
	IsError   bool
}

// FromChild converts wire content blocks into formatter blocks. Unknown
// block types are dropped.
func FromChild(blocks []childproc.ContentBlock) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case childproc.BlockText:
			out = append(out, Block{Kind: BlockKindText, Text: b.Text})
		case childproc.BlockThinking:
			out = append(out, Block{Kind: BlockKindThinking, Text: b.Thinking})
		case childproc.BlockToolUse, childproc.BlockServerToolUse:
			out = append(out, Block{Kind: BlockKindToolUse, ToolName: b.Name, ToolUseID: b.ID, Input: b.Input})
		case childproc.BlockToolResult:
			out = append(out, Block{Kind: BlockKindToolResult, ToolUseID: b.ToolUseID, IsError: b.IsError})
		}
	}
	return out
}
