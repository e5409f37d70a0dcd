package diff

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrAnchorNotFound is reported when a chunk's expected lines are absent.
var ErrAnchorNotFound = errors.New("anchor not found")

// ApplyError describes a chunk that could not be applied.
type ApplyError struct {
	Strategy   string
	ChunkIndex int
	Err        error
	Anchor     []string
}

func (e *ApplyError) Unwrap() error { return e.Err }

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("%s: chunk %d: %v", e.Strategy, e.ChunkIndex, e.Err)
	if len(e.Anchor) > 0 {
		msg += fmt.Sprintf(" (anchor: %q", e.Anchor[0])
		if len(e.Anchor) > 1 {
			msg += " ..."
		}
		msg += ")"
	}
	return msg
}

// Structural locates each chunk's expected lines by exact sequential match,
// searching from the end of the previous chunk, and splices in the chunk's
// new lines. Any chunk that cannot be located fails the whole patch.
type Structural struct{}

func (Structural) Name() string { return "structural" }

func (s Structural) Apply(source string, chunks []Chunk) (string, error) {
	lines := SplitLines(source)
	result := make([]string, 0, len(lines))
	cursor := 0

	for i, c := range chunks {
		old, repl := c.Old(), c.New()
		if len(old) == 0 {
			// Nothing to anchor on: the chunk appends to the file.
			result = append(result, lines[cursor:]...)
			result = append(result, repl...)
			cursor = len(lines)
			continue
		}
		pos, err := findAnchor(lines, old, cursor, exact)
		if err != nil {
			return "", &ApplyError{Strategy: s.Name(), ChunkIndex: i, Err: err, Anchor: old}
		}
		result = append(result, lines[cursor:pos]...)
		result = append(result, repl...)
		cursor = pos + len(old)
	}
	result = append(result, lines[cursor:]...)
	return JoinLines(result), nil
}

type lineEq func(a, b string) bool

func exact(a, b string) bool { return a == b }

func trimTrailing(a, b string) bool {
	return strings.TrimRight(a, " \t\r") == strings.TrimRight(b, " \t\r")
}

func trimAll(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// findAnchor returns the first position at or after from where anchor
// matches consecutively.
func findAnchor(lines, anchor []string, from int, eq lineEq) (int, error) {
	if len(anchor) == 0 {
		return 0, errors.New("empty anchor")
	}
	matches := findConsecutive(lines, anchor, from, eq)
	if len(matches) == 0 {
		return 0, errors.Wrapf(ErrAnchorNotFound, "after line %d", from+1)
	}
	return matches[0], nil
}

// findConsecutive finds all positions where anchor lines match consecutively
// in lines starting from from, using the given comparison function.
func findConsecutive(lines, anchor []string, from int, eq lineEq) []int {
	var matches []int
	limit := len(lines) - len(anchor) + 1
	for i := from; i < limit; i++ {
		found := true
		for j, a := range anchor {
			if !eq(lines[i+j], a) {
				found = false
				break
			}
		}
		if found {
			matches = append(matches, i)
		}
	}
	return matches
}

func formatLineNumbers(positions []int) string {
	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = fmt.Sprintf("%d", p+1)
	}
	return strings.Join(parts, ", ")
}
