package output

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/host"
	"github.com/youruser/gptool/internal/interpret"
)

// ApplyFileEdits writes every changed file edit through h and returns the
// written filenames in order. Files outside the project folder are skipped.
func ApplyFileEdits(h host.Host, edits map[string]*interpret.FileEdit) ([]string, error) {
	names := make([]string, 0, len(edits))
	for fn, fe := range edits {
		if fe.Changed() {
			names = append(names, fn)
		}
	}
	sort.Strings(names)

	var written []string
	for _, fn := range names {
		ok, err := host.IsWithinDir(h.ProjectFolder(), fn)
		if err != nil {
			return written, err
		}
		if !ok {
			log.Warn("skipping edit outside of the project: %s", fn)
			continue
		}
		if err := h.WriteText(fn, *edits[fn].After); err != nil {
			return written, errors.Wrapf(err, "apply edit")
		}
		written = append(written, fn)
	}
	return written, nil
}
