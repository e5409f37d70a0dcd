// Package diff parses the loose unified diffs written by models and applies
// them to file content with an ordered list of fallback strategies.
package diff

import (
	"strings"
	"unicode"
)

// LineKind tags a diff line.
type LineKind byte

const (
	Context LineKind = ' '
	Added   LineKind = '+'
	Removed LineKind = '-'
)

// Line is one line of a chunk.
type Line struct {
	Kind LineKind
	Text string
}

// Chunk is a run of diff lines between hunk headers.
type Chunk struct {
	Header string
	Lines  []Line
}

// Old returns the context and removed lines, the text the chunk expects.
func (c Chunk) Old() []string {
	return c.collect(Removed)
}

// New returns the context and added lines, the text the chunk produces.
func (c Chunk) New() []string {
	return c.collect(Added)
}

func (c Chunk) collect(kind LineKind) []string {
	out := make([]string, 0, len(c.Lines))
	for _, l := range c.Lines {
		if l.Kind == Context || l.Kind == kind {
			out = append(out, l.Text)
		}
	}
	return out
}

// Changed reports whether the chunk adds or removes anything.
func (c Chunk) Changed() bool {
	for _, l := range c.Lines {
		if l.Kind != Context {
			return true
		}
	}
	return false
}

// ParseLLMDiffs splits a diff into chunks. It accepts +, - and space
// prefixed lines, "[n] " numbered context lines and bare lines (treated as
// context). "@@" lines start a new chunk. A "---" line is a file header only
// when a "+++" line follows it, and inside a hunk only when a "@@" line follows
// the pair, so removed lines starting with "-- " stay changes.
func ParseLLMDiffs(text string) []Chunk {
	var chunks []Chunk
	var cur *Chunk
	flush := func() {
		if cur != nil && len(cur.Lines) > 0 {
			chunks = append(chunks, *cur)
		}
		cur = nil
	}

	lines := SplitLines(text)
	at := func(i int) string {
		if i < len(lines) {
			return lines[i]
		}
		return ""
	}
	afterHeader := false
	for i, raw := range lines {
		inHunk := cur != nil && len(cur.Lines) > 0
		wasHeader := afterHeader
		afterHeader = false
		switch {
		case strings.HasPrefix(raw, "@@"):
			flush()
			cur = &Chunk{Header: raw}
			continue
		case isHeader(raw, "---") && isHeader(at(i+1), "+++") && (!inHunk || strings.HasPrefix(at(i+2), "@@")):
			afterHeader = true
			continue
		case isHeader(raw, "+++") && (wasHeader || !inHunk && strings.HasPrefix(at(i+1), "@@")):
			continue
		case strings.HasPrefix(raw, "diff --git "), strings.HasPrefix(raw, "index "):
			continue
		}
		if cur == nil {
			cur = &Chunk{}
		}
		cur.Lines = append(cur.Lines, parseLine(raw))
	}
	flush()
	return chunks
}

func isHeader(raw, marker string) bool {
	return raw == marker || strings.HasPrefix(raw, marker+" ")
}

func parseLine(raw string) Line {
	if text, ok := cutLineNumber(raw); ok {
		return Line{Kind: Context, Text: text}
	}
	if raw == "" {
		return Line{Kind: Context}
	}
	switch raw[0] {
	case '+':
		return Line{Kind: Added, Text: raw[1:]}
	case '-':
		return Line{Kind: Removed, Text: raw[1:]}
	case ' ':
		return Line{Kind: Context, Text: raw[1:]}
	}
	return Line{Kind: Context, Text: raw}
}

// cutLineNumber strips a "[12] " source line number prefix.
func cutLineNumber(raw string) (string, bool) {
	if !strings.HasPrefix(raw, "[") {
		return "", false
	}
	end := strings.IndexByte(raw, ']')
	if end < 2 {
		return "", false
	}
	for _, r := range raw[1:end] {
		if !unicode.IsDigit(r) {
			return "", false
		}
	}
	return strings.TrimPrefix(raw[end+1:], " "), true
}

// SplitLines splits file content into lines. Handles both LF and CRLF.
// A trailing newline does not produce an extra empty line.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}

// JoinLines joins lines back into file content with a trailing newline.
func JoinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
