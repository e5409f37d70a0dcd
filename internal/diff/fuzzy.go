package diff

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var errPatchMismatch = errors.New("patch did not match")

// Fuzzy turns each chunk into character patches and applies them with
// approximate matching, so context that drifted slightly still lands.
// It fails if any patch cannot be placed.
type Fuzzy struct {
	// Threshold is the match threshold, 0 exact to 1 anything. Zero means 0.5.
	Threshold float64
}

func (Fuzzy) Name() string { return "fuzzy" }

func (s Fuzzy) Apply(source string, chunks []Chunk) (string, error) {
	dmp := diffmatchpatch.New()
	if s.Threshold > 0 {
		dmp.MatchThreshold = s.Threshold
	}
	// Chunks carry no reliable offsets, so location must not weigh in.
	if n := len(source); n > dmp.MatchDistance {
		dmp.MatchDistance = n
	}

	text := source
	for i, c := range chunks {
		if !c.Changed() {
			continue
		}
		old, repl := c.Old(), c.New()
		if len(old) == 0 {
			text = JoinLines(append(SplitLines(text), repl...))
			continue
		}
		patches := dmp.PatchMake(strings.Join(old, "\n"), strings.Join(repl, "\n"))
		next, applied := dmp.PatchApply(patches, text)
		for _, ok := range applied {
			if !ok {
				return "", &ApplyError{Strategy: s.Name(), ChunkIndex: i, Err: errPatchMismatch, Anchor: old}
			}
		}
		text = next
	}
	return text, nil
}
