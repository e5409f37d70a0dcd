package diff

import (
	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/logging"
)

var log = logging.Get()

// ErrNoStrategy is reported by Outcome.Err when every strategy failed.
var ErrNoStrategy = errors.New("no diff strategy applied")

// Strategy applies parsed chunks to a source text.
type Strategy interface {
	Name() string
	Apply(source string, chunks []Chunk) (string, error)
}

// DefaultStrategies is the fallback order used when Apply is given none.
func DefaultStrategies() []Strategy {
	return []Strategy{Structural{}, Lenient{}, Fuzzy{}}
}

// Outcome is the result of Apply. When no strategy succeeds Applied is
// false and Text is the unmodified source.
type Outcome struct {
	Text     string
	Applied  bool
	Strategy string
	Errors   []error
}

// Apply tries each strategy in turn and keeps the first success.
func Apply(source string, chunks []Chunk, strategies ...Strategy) Outcome {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	out := Outcome{Text: source}
	if len(chunks) == 0 {
		return out
	}
	for _, s := range strategies {
		text, err := s.Apply(source, chunks)
		if err != nil {
			log.Debug("diff strategy %s failed: %v", s.Name(), err)
			out.Errors = append(out.Errors, err)
			continue
		}
		out.Text = text
		out.Applied = true
		out.Strategy = s.Name()
		return out
	}
	return out
}

// Err is nil when a strategy applied, and otherwise ErrNoStrategy carrying
// the first strategy's failure.
func (o Outcome) Err() error {
	if o.Applied || len(o.Errors) == 0 {
		return nil
	}
	return errors.WithSecondaryError(errors.Wrapf(ErrNoStrategy, "%d strategies failed", len(o.Errors)), o.Errors[0])
}
