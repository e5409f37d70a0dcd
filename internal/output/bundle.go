package output

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/youruser/gptool/internal/runner"
)

var jsonExtRx = regexp.MustCompile(`(?i)\.json$`)

// Bundle lists the files WriteBundle produced.
type Bundle struct {
	JSON        string
	YAML        string
	Prompt      string
	Output      string
	Trace       string
	Annotations string
	SARIF       string
}

// WriteBundle writes res under out: res.json, res.yaml, the prompt, the
// answer, the trace and annotation reports when there are any. An out
// ending in .json names the main file and the others are derived from it.
func WriteBundle(fs afero.Fs, out string, res *runner.Result, tool string) (*Bundle, error) {
	jsonf := out
	if !jsonExtRx.MatchString(out) {
		jsonf = filepath.Join(out, "res.json")
	}
	if err := fs.MkdirAll(filepath.Dir(jsonf), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", filepath.Dir(jsonf))
	}
	mk := func(ext string) string { return jsonExtRx.ReplaceAllString(jsonf, ext) }
	b := &Bundle{JSON: jsonf, YAML: mk(".yaml")}

	var buf bytes.Buffer
	if err := writeJSON(&buf, res); err != nil {
		return nil, errors.Wrap(err, "encode result")
	}
	if err := afero.WriteFile(fs, b.JSON, buf.Bytes(), 0o644); err != nil {
		return nil, errors.Wrapf(err, "write %s", b.JSON)
	}
	data, err := yaml.Marshal(res)
	if err != nil {
		return nil, errors.Wrap(err, "encode result yaml")
	}
	if err := afero.WriteFile(fs, b.YAML, data, 0o644); err != nil {
		return nil, errors.Wrapf(err, "write %s", b.YAML)
	}

	if res.Prompt != nil {
		buf.Reset()
		if err := writeJSON(&buf, res.Prompt); err != nil {
			return nil, errors.Wrap(err, "encode prompt")
		}
		b.Prompt = mk(".prompt.json")
		if err := afero.WriteFile(fs, b.Prompt, buf.Bytes(), 0o644); err != nil {
			return nil, errors.Wrapf(err, "write %s", b.Prompt)
		}
	}
	if strings.TrimSpace(res.Text) != "" {
		b.Output = mk(".output.md")
		if err := afero.WriteFile(fs, b.Output, []byte(res.Text), 0o644); err != nil {
			return nil, errors.Wrapf(err, "write %s", b.Output)
		}
	}
	if res.Trace != nil {
		b.Trace = mk(".trace.md")
		if err := afero.WriteFile(fs, b.Trace, []byte(res.Trace.Content()), 0o644); err != nil {
			return nil, errors.Wrapf(err, "write %s", b.Trace)
		}
	}
	if len(res.Annotations) > 0 {
		b.Annotations = mk(".annotations.csv")
		if err := WriteAnnotations(fs, b.Annotations, res.Annotations, ReportOptions{Separator: ','}); err != nil {
			return nil, err
		}
		b.SARIF = mk(".sarif")
		if err := WriteAnnotations(fs, b.SARIF, res.Annotations, ReportOptions{Tool: tool}); err != nil {
			return nil, err
		}
	}
	return b, nil
}
