// Package output writes run results: annotation reports, the --out bundle
// and file edits.
package output

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/youruser/gptool/internal/annotations"
	"github.com/youruser/gptool/internal/logging"
)

var log = logging.Get()

// Format is an annotation report format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatSARIF Format = "sarif"
	FormatJSON  Format = "json"
)

// FormatFor picks the report format from a filename extension.
func FormatFor(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".tsv":
		return FormatCSV
	case ".jsonl":
		return FormatJSONL
	case ".yaml", ".yml":
		return FormatYAML
	case ".sarif":
		return FormatSARIF
	}
	return FormatJSON
}

// ReportOptions tune WriteAnnotations.
type ReportOptions struct {
	// Separator is the CSV field separator, tab when zero.
	Separator rune
	// Tool names the SARIF driver.
	Tool string
}

// WriteAnnotations writes diags to filename in the format its extension
// names. JSONL reports are appended to; the others are replaced.
func WriteAnnotations(fs afero.Fs, filename string, diags []annotations.Diagnostic, opts ReportOptions) error {
	if len(diags) == 0 {
		return nil
	}
	if err := fs.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", filename)
	}
	format := FormatFor(filename)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if format == FormatJSONL {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := fs.OpenFile(filename, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", filename)
	}
	defer f.Close()

	switch format {
	case FormatCSV:
		sep := opts.Separator
		if sep == 0 {
			sep = '\t'
		}
		err = CSV(f, diags, sep)
	case FormatJSONL:
		err = JSONL(f, diags)
	case FormatYAML:
		err = yaml.NewEncoder(f).Encode(diags)
	case FormatSARIF:
		err = SARIF(f, opts.Tool, diags)
	default:
		err = writeJSON(f, diags)
	}
	if err != nil {
		return errors.Wrapf(err, "write %s", filename)
	}
	log.Debug("wrote %d annotations to %s (%s)", len(diags), filename, format)
	return nil
}

// CSV writes a header and one record per diagnostic. Lines are one-based.
func CSV(w io.Writer, diags []annotations.Diagnostic, sep rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = sep
	if err := cw.Write([]string{"severity", "filename", "start", "end", "message"}); err != nil {
		return err
	}
	for _, d := range diags {
		record := []string{
			string(d.Severity),
			d.Filename,
			strconv.Itoa(d.StartLine() + 1),
			strconv.Itoa(d.EndLine() + 1),
			d.Message,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// JSONL writes one JSON document per diagnostic.
func JSONL(w io.Writer, diags []annotations.Diagnostic) error {
	enc := json.NewEncoder(w)
	for _, d := range diags {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
