// Package trace builds the markdown run log shown to users and written by
// --out-trace.
package trace

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Trace accumulates markdown. Safe for concurrent readers.
type Trace struct {
	mu       sync.Mutex
	b        strings.Builder
	errors   []string
	onChange func()
}

// New creates an empty trace.
func New() *Trace {
	return &Trace{}
}

// OnChange registers a callback run after every write.
func (t *Trace) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Trace) write(s string) {
	t.mu.Lock()
	t.b.WriteString(s)
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Content returns the markdown written so far.
func (t *Trace) Content() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}

// Errors returns the messages recorded with Error.
func (t *Trace) Errors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.errors...)
}

func (t *Trace) Log(msg string) {
	t.write(msg + "\n")
}

func (t *Trace) Heading(level int, msg string) {
	t.write(fmt.Sprintf("\n%s %s\n\n", strings.Repeat("#", level), msg))
}

func (t *Trace) Item(msg string) {
	t.write(fmt.Sprintf("-   %s\n", msg))
}

func (t *Trace) Tip(msg string) {
	t.write(fmt.Sprintf("> %s\n\n", msg))
}

// Fence writes content in a code fence long enough not to clash with
// backticks inside it. Non-string values are rendered as YAML.
func (t *Trace) Fence(content any, lang string) {
	var s string
	switch v := content.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		out, err := yaml.Marshal(v)
		if err != nil {
			s = fmt.Sprintf("%v", v)
		} else {
			s = string(out)
			if lang == "" {
				lang = "yaml"
			}
		}
	}
	fence := "```"
	for strings.Contains(s, fence) {
		fence += "`"
	}
	t.write(fmt.Sprintf("\n%s%s\n%s\n%s\n\n", fence, lang, strings.TrimRight(s, "\n"), fence))
}

// JSON writes v as indented JSON in a fence.
func (t *Trace) JSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Error("failed to encode json", err)
		return
	}
	t.Fence(string(out), "json")
}

func (t *Trace) StartDetails(title string) {
	t.write(fmt.Sprintf("\n<details class=\"gptool\">\n<summary>\n%s\n</summary>\n\n", title))
}

func (t *Trace) EndDetails() {
	t.write("\n</details>\n\n")
}

func (t *Trace) Details(title, body string) {
	t.StartDetails(title)
	t.write(body + "\n")
	t.EndDetails()
}

func (t *Trace) DetailsFenced(title string, body any, lang string) {
	t.StartDetails(title)
	t.Fence(body, lang)
	t.EndDetails()
}

// Error records an error message, with the cause if present.
func (t *Trace) Error(msg string, err error) {
	line := msg
	if err != nil {
		line = fmt.Sprintf("%s: %v", msg, err)
	}
	t.mu.Lock()
	t.errors = append(t.errors, line)
	t.mu.Unlock()
	t.write(fmt.Sprintf("\n> [!CAUTION]\n> %s\n\n", line))
}

// Table writes a markdown table. Pipes in cells are escaped.
func (t *Trace) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("\n| " + strings.Join(escapeCells(headers), " | ") + " |\n|")
	for range headers {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString("| " + strings.Join(escapeCells(row), " | ") + " |\n")
	}
	b.WriteString("\n")
	t.write(b.String())
}

func escapeCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.ReplaceAll(strings.ReplaceAll(c, "|", "\\|"), "\n", " ")
	}
	return out
}
