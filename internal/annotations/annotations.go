// Package annotations converts diagnostics to and from the CI workflow
// command grammar (::error file=...) and the pipeline logging command
// grammar (##vso[task.logissue ...]).
package annotations

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/youruser/gptool/internal/logging"
)

var log = logging.Get()

// Severity of a diagnostic.
type Severity string

const (
	Info    Severity = "info"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// EndOfLine is the end column meaning "rest of the line".
const EndOfLine = math.MaxInt32

// Position is a zero-based [line, column] pair.
type Position [2]int

// Range is a [start, end] pair of positions.
type Range [2]Position

// Diagnostic is a file and line scoped message.
type Diagnostic struct {
	Severity Severity `json:"severity" yaml:"severity"`
	Filename string   `json:"filename" yaml:"filename"`
	Range    Range    `json:"range" yaml:"range"`
	Message  string   `json:"message" yaml:"message"`
}

// StartLine and EndLine are zero-based.
func (d Diagnostic) StartLine() int { return d.Range[0][0] }
func (d Diagnostic) EndLine() int   { return d.Range[1][0] }

var (
	githubRx = regexp2.MustCompile(
		`^::(?<severity>notice|warning|error)\s*file=(?<file>[^,]+),\s*line=(?<line>\d+),\s*endLine=(?<endLine>\d+)\s*::(?<message>.*)$`,
		regexp2.Multiline|regexp2.IgnoreCase)
	azureRx = regexp2.MustCompile(
		`^##vso\[task.logissue\s+type=(?<severity>error|warning);sourcepath=(?<file>[^;]+);linenumber=(?<line>\d+)[^\]]*\](?<message>.*)$`,
		regexp2.Multiline|regexp2.IgnoreCase)
)

func severityOf(s string) Severity {
	switch strings.ToLower(s) {
	case "notice":
		return Info
	case "warning":
		return Warning
	case "error":
		return Error
	}
	return Severity(strings.ToLower(s))
}

// Parse decodes every annotation of both grammars in text. Relative file
// names are resolved against projectFolder.
func Parse(text, projectFolder string) []Diagnostic {
	if text == "" {
		return nil
	}
	var out []Diagnostic
	out = append(out, ParseGitHub(text, projectFolder)...)
	out = append(out, ParseAzure(text, projectFolder)...)
	return out
}

// ParseGitHub decodes workflow command annotations only.
func ParseGitHub(text, projectFolder string) []Diagnostic {
	var out []Diagnostic
	each(githubRx, text, func(m *regexp2.Match) {
		out = append(out, Diagnostic{
			Severity: severityOf(group(m, "severity")),
			Filename: resolve(projectFolder, group(m, "file")),
			Range: Range{
				{atoi(group(m, "line")) - 1, 0},
				{atoi(group(m, "endLine")) - 1, EndOfLine},
			},
			Message: trimCR(group(m, "message")),
		})
	})
	return out
}

// ParseAzure decodes pipeline logging commands only.
func ParseAzure(text, projectFolder string) []Diagnostic {
	var out []Diagnostic
	each(azureRx, text, func(m *regexp2.Match) {
		line := atoi(group(m, "line")) - 1
		out = append(out, Diagnostic{
			Severity: severityOf(group(m, "severity")),
			Filename: resolve(projectFolder, group(m, "file")),
			Range:    Range{{line, 0}, {line, EndOfLine}},
			Message:  trimCR(group(m, "message")),
		})
	})
	return out
}

// EncodeGitHub renders d as a workflow command. Line numbers are written
// one-based so that ParseGitHub returns the same diagnostic.
func EncodeGitHub(d Diagnostic) string {
	sev := string(d.Severity)
	if d.Severity == Info {
		sev = "notice"
	}
	return fmt.Sprintf("::%s file=%s,line=%d,endLine=%d::%s",
		sev, d.Filename, d.StartLine()+1, d.EndLine()+1, d.Message)
}

// EncodeAzure renders d as a pipeline logging command. The grammar has no
// info severity, so info diagnostics become debug lines.
func EncodeAzure(d Diagnostic) string {
	if d.Severity == Info {
		return fmt.Sprintf("##[debug]%s at %s", d.Message, d.Filename)
	}
	return fmt.Sprintf("##vso[task.logissue type=%s;sourcepath=%s;linenumber=%d]%s",
		d.Severity, d.Filename, d.StartLine()+1, d.Message)
}

var callouts = map[string]string{
	"error":   "CAUTION",
	"warning": "WARNING",
	"notice":  "NOTE",
}

// ToMarkdown rewrites annotations of both grammars in text into block
// quote callouts.
func ToMarkdown(text string) string {
	if text == "" {
		return text
	}
	callout := func(m regexp2.Match) string {
		sev := strings.ToLower(group(&m, "severity"))
		kind, ok := callouts[sev]
		if !ok {
			kind = strings.ToUpper(sev)
		}
		return fmt.Sprintf("> [!%s]\n> %s (%s#L%s)\n",
			kind, trimCR(group(&m, "message")), group(&m, "file"), group(&m, "line"))
	}
	out, err := githubRx.ReplaceFunc(text, callout, -1, -1)
	if err != nil {
		log.Warn("annotation markdown: %v", err)
		return text
	}
	res, err := azureRx.ReplaceFunc(out, callout, -1, -1)
	if err != nil {
		log.Warn("annotation markdown: %v", err)
		return out
	}
	return res
}

func each(rx *regexp2.Regexp, text string, fn func(*regexp2.Match)) {
	m, err := rx.FindStringMatch(text)
	for m != nil && err == nil {
		fn(m)
		m, err = rx.FindNextMatch(m)
	}
	if err != nil {
		log.Warn("annotation scan: %v", err)
	}
}

func group(m *regexp2.Match, name string) string {
	if g := m.GroupByName(name); g != nil {
		return g.String()
	}
	return ""
}

func resolve(projectFolder, file string) string {
	file = strings.TrimSpace(file)
	if strings.HasPrefix(file, "/") || projectFolder == "" {
		return file
	}
	return filepath.Join(projectFolder, file)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func trimCR(s string) string {
	return strings.TrimSuffix(s, "\r")
}
