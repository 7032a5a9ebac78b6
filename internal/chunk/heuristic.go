package chunk

import (
	"context"
	"strings"
)

// Size limits for heuristic chunking, in lines.
const (
	// DefaultMaxChunkLines caps a single chunk; oversized blocks are split.
	DefaultMaxChunkLines = 120

	// minChunkLines below which adjacent blocks are merged.
	minChunkLines = 4
)

// HeuristicChunker splits files without a syntax tree: code is split on
// top-level block boundaries (a non-indented line following a blank line),
// markdown on headings. It is deliberately conservative; a syntax-aware
// Chunker can be swapped in behind the same interface.
type HeuristicChunker struct {
	maxLines int
}

// NewHeuristicChunker creates a chunker with default limits.
func NewHeuristicChunker() *HeuristicChunker {
	return &HeuristicChunker{maxLines: DefaultMaxChunkLines}
}

var _ Chunker = (*HeuristicChunker)(nil)

// Chunk splits a file into chunks with deterministic IDs.
func (h *HeuristicChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := string(file.Content)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	kind := kindForLanguage(file.Language)

	var blocks []block
	switch kind {
	case KindMarkdown:
		blocks = splitMarkdown(text)
	default:
		blocks = splitCode(text)
	}

	blocks = mergeSmall(blocks)
	blocks = splitOversized(blocks, h.maxLines)

	chunks := make([]*Chunk, 0, len(blocks))
	for _, b := range blocks {
		if strings.TrimSpace(b.text) == "" {
			continue
		}
		ordinal := len(chunks)
		chunks = append(chunks, &Chunk{
			ID:        MakeID(file.Path, ordinal, b.text),
			FilePath:  file.Path,
			Ordinal:   ordinal,
			Kind:      kind,
			Language:  file.Language,
			StartLine: b.startLine,
			EndLine:   b.startLine + strings.Count(strings.TrimRight(b.text, "\n"), "\n"),
			Text:      b.text,
		})
	}

	return chunks, nil
}

type block struct {
	text      string
	startLine int // 1-indexed
}

// splitCode splits on top-level block boundaries: a line with no leading
// whitespace that directly follows a blank line starts a new block.
func splitCode(text string) []block {
	lines := strings.SplitAfter(text, "\n")

	var blocks []block
	var cur strings.Builder
	curStart := 1
	prevBlank := false

	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\n")
		topLevel := len(trimmed) > 0 && !strings.HasPrefix(trimmed, " ") && !strings.HasPrefix(trimmed, "\t")

		if prevBlank && topLevel && cur.Len() > 0 {
			blocks = append(blocks, block{text: cur.String(), startLine: curStart})
			cur.Reset()
			curStart = i + 1
		}

		cur.WriteString(line)
		prevBlank = strings.TrimSpace(trimmed) == ""
	}

	if cur.Len() > 0 {
		blocks = append(blocks, block{text: cur.String(), startLine: curStart})
	}

	return blocks
}

// splitMarkdown splits on ATX headings.
func splitMarkdown(text string) []block {
	lines := strings.SplitAfter(text, "\n")

	var blocks []block
	var cur strings.Builder
	curStart := 1
	inFence := false

	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\n")
		if strings.HasPrefix(strings.TrimSpace(trimmed), "```") {
			inFence = !inFence
		}

		if !inFence && strings.HasPrefix(trimmed, "#") && cur.Len() > 0 {
			blocks = append(blocks, block{text: cur.String(), startLine: curStart})
			cur.Reset()
			curStart = i + 1
		}

		cur.WriteString(line)
	}

	if cur.Len() > 0 {
		blocks = append(blocks, block{text: cur.String(), startLine: curStart})
	}

	return blocks
}

// mergeSmall merges blocks below the minimum size into their predecessor.
func mergeSmall(blocks []block) []block {
	if len(blocks) < 2 {
		return blocks
	}

	merged := blocks[:1]
	for _, b := range blocks[1:] {
		if lineCount(b.text) < minChunkLines {
			last := &merged[len(merged)-1]
			last.text += b.text
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

// splitOversized splits blocks exceeding maxLines into fixed-size pieces.
func splitOversized(blocks []block, maxLines int) []block {
	var out []block
	for _, b := range blocks {
		n := lineCount(b.text)
		if n <= maxLines {
			out = append(out, b)
			continue
		}

		lines := strings.SplitAfter(b.text, "\n")
		for start := 0; start < len(lines); start += maxLines {
			end := min(start+maxLines, len(lines))
			piece := strings.Join(lines[start:end], "")
			if strings.TrimSpace(piece) == "" {
				continue
			}
			out = append(out, block{text: piece, startLine: b.startLine + start})
		}
	}
	return out
}

func lineCount(s string) int {
	return strings.Count(strings.TrimRight(s, "\n"), "\n") + 1
}

func kindForLanguage(lang string) Kind {
	switch lang {
	case "markdown":
		return KindMarkdown
	case "text":
		return KindText
	default:
		return KindCode
	}
}
