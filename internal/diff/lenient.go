package diff

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Lenient applies each chunk as a search/replace of its expected lines by
// its new lines, tolerating whitespace drift and truncated boundary lines.
type Lenient struct{}

func (Lenient) Name() string { return "lenient" }

func (s Lenient) Apply(source string, chunks []Chunk) (string, error) {
	content := source
	for i, c := range chunks {
		if !c.Changed() {
			continue
		}
		old, repl := c.Old(), c.New()
		if len(old) == 0 {
			content = JoinLines(append(SplitLines(content), repl...))
			continue
		}
		oldText, newText := strings.Join(old, "\n"), strings.Join(repl, "\n")
		if oldText == newText {
			continue
		}
		next, err := Replace(content, oldText, newText, false)
		if err != nil {
			return "", &ApplyError{Strategy: s.Name(), ChunkIndex: i, Err: err, Anchor: old}
		}
		content = next
	}
	return content, nil
}

type matchPass int

const (
	passExact matchPass = iota + 1
	passTrailing
	passIndent
	passBoundary
)

// Replace finds oldString in content and replaces it with newString.
//
// Matching passes, first hit wins:
//  1. exact lines
//  2. trailing whitespace trimmed
//  3. all surrounding whitespace trimmed, re-indenting newString to the file
//  4. first/last lines of oldString may be truncated prefixes of file lines
//  5. raw substring
//
// Without replaceAll oldString must match exactly once.
func Replace(content, oldString, newString string, replaceAll bool) (string, error) {
	if oldString == newString {
		return "", errors.New("old and new text are identical (no-op)")
	}
	lines := SplitLines(content)
	oldLines := SplitLines(oldString)
	if len(oldLines) == 0 {
		return "", errors.New("old text is empty")
	}

	var positions []int
	var pass matchPass
	for _, p := range []struct {
		pass matchPass
		eq   lineEq
	}{{passExact, exact}, {passTrailing, trimTrailing}, {passIndent, trimAll}} {
		if positions = findConsecutive(lines, oldLines, 0, p.eq); len(positions) > 0 {
			pass = p.pass
			break
		}
	}
	if len(positions) == 0 && len(oldLines) >= 2 {
		if positions = findBoundaryPrefix(lines, oldLines, 0); len(positions) > 0 {
			pass = passBoundary
		}
	}
	if len(positions) == 0 {
		return replaceSubstring(content, oldString, newString, replaceAll)
	}
	if !replaceAll && len(positions) > 1 {
		return "", errors.Newf("old text not unique (%d matches at lines %s)",
			len(positions), formatLineNumbers(positions))
	}
	if !replaceAll {
		positions = positions[:1]
	}

	newLines := SplitLines(newString)
	// Bottom to top keeps earlier positions valid.
	for k := len(positions) - 1; k >= 0; k-- {
		pos := positions[k]
		var replacement []string
		switch pass {
		case passBoundary:
			replacement = expandBoundaryLines(lines, pos, oldLines, newLines)
		case passIndent:
			replacement = reindent(lines, pos, oldLines, newLines)
		default:
			replacement = newLines
		}
		spliced := make([]string, 0, len(lines)-len(oldLines)+len(replacement))
		spliced = append(spliced, lines[:pos]...)
		spliced = append(spliced, replacement...)
		spliced = append(spliced, lines[pos+len(oldLines):]...)
		lines = spliced
	}
	return JoinLines(lines), nil
}

// reindent shifts newLines by the per-line indentation difference between
// the file and oldLines. When old and new text disagree on the indentation
// of their first line, newLines is assumed correct and left alone.
func reindent(lines []string, pos int, oldLines, newLines []string) []string {
	firstAdd, firstDel := indentDelta(lines[pos], oldLines[0])
	if firstAdd == "" && firstDel == "" {
		return newLines
	}
	if leadingWhitespace(oldLines[0]) != firstNonEmptyIndent(newLines) {
		return newLines
	}
	out := make([]string, len(newLines))
	for i, line := range newLines {
		add, del := firstAdd, firstDel
		if i < len(oldLines) {
			add, del = indentDelta(lines[pos+i], oldLines[i])
		}
		out[i] = shiftIndent(line, add, del)
	}
	return out
}

// indentDelta returns the indentation to add and to remove to turn the
// indentation of want into that of have.
func indentDelta(have, want string) (add, del string) {
	hi, wi := leadingWhitespace(have), leadingWhitespace(want)
	switch {
	case hi == wi:
		return "", ""
	case strings.HasPrefix(hi, wi):
		return hi[len(wi):], ""
	case strings.HasPrefix(wi, hi):
		return "", wi[len(hi):]
	default:
		return hi, wi
	}
}

func shiftIndent(line, add, del string) string {
	if strings.TrimSpace(line) == "" {
		return line
	}
	if del != "" {
		if !strings.HasPrefix(line, del) {
			return line
		}
		line = line[len(del):]
	}
	return add + line
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func firstNonEmptyIndent(lines []string) string {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return leadingWhitespace(line)
		}
	}
	return ""
}

// findBoundaryPrefix matches oldLines allowing its first and last lines to
// be prefixes (at least 8 characters) of the file lines. Interior lines
// compare with whitespace trimmed. At least one boundary must be a prefix
// match, otherwise the indent pass would have found it.
func findBoundaryPrefix(lines, oldLines []string, from int) []int {
	if len(oldLines) < 2 {
		return nil
	}
	const minLen = 8
	boundary := func(file, old string) (exact, prefix bool) {
		file, old = strings.TrimSpace(file), strings.TrimSpace(old)
		if file == old {
			return true, false
		}
		return false, len(old) >= minLen && strings.HasPrefix(file, old)
	}

	var matches []int
	last := len(oldLines) - 1
	for i := from; i+last < len(lines); i++ {
		firstExact, firstPrefix := boundary(lines[i], oldLines[0])
		if !firstExact && !firstPrefix {
			continue
		}
		lastExact, lastPrefix := boundary(lines[i+last], oldLines[last])
		if !lastExact && !lastPrefix {
			continue
		}
		if !firstPrefix && !lastPrefix {
			continue
		}
		ok := true
		for j := 1; j < last; j++ {
			if !trimAll(lines[i+j], oldLines[j]) {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, i)
		}
	}
	return matches
}

// expandBoundaryLines restores the full file line where newLines kept a
// truncated boundary line of oldLines unchanged.
func expandBoundaryLines(lines []string, pos int, oldLines, newLines []string) []string {
	out := make([]string, len(newLines))
	copy(out, newLines)
	if len(out) == 0 {
		return out
	}
	expand := func(idx int, file, old string) {
		trimmedOld := strings.TrimSpace(old)
		trimmedFile := strings.TrimSpace(file)
		if strings.TrimSpace(out[idx]) == trimmedOld &&
			trimmedFile != trimmedOld && strings.HasPrefix(trimmedFile, trimmedOld) {
			out[idx] = file
		}
	}
	expand(0, lines[pos], oldLines[0])
	expand(len(out)-1, lines[pos+len(oldLines)-1], oldLines[len(oldLines)-1])
	return out
}

// replaceSubstring is the raw text fallback once line matching fails.
func replaceSubstring(content, oldString, newString string, replaceAll bool) (string, error) {
	norm := strings.ReplaceAll(content, "\r\n", "\n")
	old := strings.ReplaceAll(oldString, "\r\n", "\n")
	repl := strings.ReplaceAll(newString, "\r\n", "\n")

	idx := strings.Index(norm, old)
	if idx < 0 {
		return "", errors.New("old text not found in file")
	}
	if replaceAll {
		return strings.ReplaceAll(norm, old, repl), nil
	}
	if idx != strings.LastIndex(norm, old) {
		return "", errors.New("old text not unique (multiple substring matches)")
	}
	return norm[:idx] + repl + norm[idx+len(old):], nil
}
