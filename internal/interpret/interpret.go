// Package interpret turns a model answer into file edits, annotations and
// a summary.
package interpret

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/youruser/gptool/internal/annotations"
	"github.com/youruser/gptool/internal/diff"
	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/host"
	"github.com/youruser/gptool/internal/logging"
	"github.com/youruser/gptool/internal/promptdom"
	"github.com/youruser/gptool/internal/trace"
)

var log = logging.Get()

// EditType names an Edit.
type EditType string

const (
	Replace    EditType = "replace"
	CreateFile EditType = "createfile"
	Insert     EditType = "insert"
	Delete     EditType = "delete"
)

// Edit is a change for an editor or for --apply-edits.
type Edit struct {
	Type     EditType `json:"type" yaml:"type"`
	Filename string   `json:"filename" yaml:"filename"`
	Label    string   `json:"label" yaml:"label"`
	Text     string   `json:"text,omitempty" yaml:"text,omitempty"`
	// Range is set on replace edits.
	Range *[2]fragment.Position `json:"range,omitempty" yaml:"range,omitempty"`
	// Pos is set on insert edits.
	Pos       *fragment.Position `json:"pos,omitempty" yaml:"pos,omitempty"`
	Overwrite bool               `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`
}

// FileEdit is the before and after content of a file. A nil Before means
// the file did not exist; a nil After means nothing was generated for it.
type FileEdit struct {
	Before *string `json:"before" yaml:"before"`
	After  *string `json:"after,omitempty" yaml:"after,omitempty"`
	// Unreadable is set when the file exists but could not be read. Such
	// files are never edited.
	Unreadable bool `json:"unreadable,omitempty" yaml:"unreadable,omitempty"`
}

// Changed reports whether After holds new content.
func (f *FileEdit) Changed() bool {
	if f.After == nil || f.Unreadable {
		return false
	}
	return f.Before == nil || *f.Before != *f.After
}

// Input is an answer and what it was generated for.
type Input struct {
	Text     string
	Fragment *fragment.Fragment
	// TemplateID names the JSON artifact, TemplateTitle labels link inserts.
	TemplateID    string
	TemplateTitle string
	FileMerges    []promptdom.FileMergeHandler
	// Files are generated by output processors and are applied like file
	// fences without the merge handlers.
	Files map[string]string
	Host  host.Host
	Trace *trace.Trace
}

// Result is the interpretation of an answer.
type Result struct {
	Fences []Fence
	// JSON is the decoded answer when the whole answer is one document.
	JSON        any
	FileEdits   map[string]*FileEdit
	Edits       []Edit
	Annotations []annotations.Diagnostic
	Summary     string
	Links       []string
}

type interpreter struct {
	in    Input
	tr    *trace.Trace
	res   *Result
	known map[string]bool
}

// Interpret reads in.Text. A whole-answer JSON document becomes a single
// artifact; otherwise every fence is applied in order.
func Interpret(in Input) *Result {
	tr := in.Trace
	if tr == nil {
		tr = trace.New()
	}
	it := &interpreter{
		in:    in,
		tr:    tr,
		res:   &Result{FileEdits: map[string]*FileEdit{}},
		known: map[string]bool{},
	}
	if in.Fragment != nil {
		it.known[in.Fragment.File.Filename] = true
		for _, f := range in.Fragment.All() {
			for _, r := range f.References {
				it.known[r.Filename] = true
			}
		}
	}

	if v, ok := parseDocument(in.Text); ok {
		it.res.JSON = v
		if in.Fragment != nil {
			name := ArtifactFilename(in.Fragment.File.Filename, in.TemplateID)
			text := in.Text
			it.fileEdit(name).After = &text
			tr.Item(fmt.Sprintf("json artifact `%s`", it.rel(name)))
		}
	} else {
		it.res.Fences = ExtractFences(in.Text)
		for _, f := range it.res.Fences {
			it.apply(f)
		}
		it.addAnnotations(annotations.Parse(in.Text, it.projectFolder()))
	}

	names := make([]string, 0, len(in.Files))
	for name := range in.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := in.Files[name]
		it.fileEdit(it.resolve(name)).After = &content
	}

	it.finalize()
	it.traceResult()
	return it.res
}

// parseDocument decodes text as strict JSON, then JSON5. Only objects and
// arrays count as documents.
func parseDocument(text string) (any, bool) {
	s := strings.TrimSpace(text)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, true
	}
	if err := json5.Unmarshal([]byte(s), &v); err == nil {
		switch v.(type) {
		case map[string]any, []any:
			return v, true
		}
	}
	return nil, false
}

// ArtifactFilename replaces the ".gpspec.md" suffix of filename, or its last
// extension, with ".<id>.json".
func ArtifactFilename(filename, id string) string {
	base := filename
	if strings.HasSuffix(strings.ToLower(base), ".gpspec.md") {
		base = base[:len(base)-len(".gpspec.md")]
	} else {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base + "." + id + ".json"
}

func (it *interpreter) projectFolder() string {
	if it.in.Host == nil {
		return ""
	}
	return it.in.Host.ProjectFolder()
}

func (it *interpreter) resolve(p string) string {
	p = filepath.FromSlash(p)
	if it.in.Host == nil {
		return filepath.Clean(p)
	}
	return it.in.Host.ResolvePath(p)
}

func (it *interpreter) rel(p string) string {
	if root := it.projectFolder(); root != "" {
		if r, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(r, "..") {
			return filepath.ToSlash(r)
		}
	}
	return filepath.ToSlash(p)
}

// fileEdit returns the entry for an absolute filename, reading its current
// content on first use.
func (it *interpreter) fileEdit(fn string) *FileEdit {
	if fe, ok := it.res.FileEdits[fn]; ok {
		return fe
	}
	fe := &FileEdit{}
	if h := it.in.Host; h != nil {
		switch {
		case h.Exists(fn, false):
			if content, err := h.ReadText(fn); err == nil {
				fe.Before = &content
			} else {
				log.Warn("read %s: %v", fn, err)
				fe.Unreadable = true
				it.tr.Error(fmt.Sprintf("cannot read `%s`, skipping its edits", it.rel(fn)), err)
			}
		case h.Exists(fn, true):
			if content, err := h.ReadText(fn); err == nil {
				fe.After = &content
			}
		}
	}
	it.res.FileEdits[fn] = fe
	return fe
}

func (it *interpreter) apply(f Fence) {
	switch f.Kind {
	case KindFile:
		fn := it.resolve(f.Path)
		fe := it.fileEdit(fn)
		if fe.Unreadable {
			return
		}
		content := it.merge(f.Label, current(fe), f.Content)
		fe.After = &content
		it.link(fn)
	case KindDiff:
		fn := it.resolve(f.Path)
		fe := it.fileEdit(fn)
		if fe.Unreadable {
			return
		}
		it.link(fn)
		chunks := diff.ParseLLMDiffs(f.Content)
		out := diff.Apply(current(fe), chunks)
		if !out.Applied {
			it.tr.Error(fmt.Sprintf("diff for `%s` could not be applied", it.rel(fn)), out.Err())
			return
		}
		it.tr.Item(fmt.Sprintf("diff `%s` applied with %s", it.rel(fn), out.Strategy))
		text := out.Text
		fe.After = &text
	case KindAnnotation:
		it.addAnnotations(annotations.ParseGitHub(f.Content, it.projectFolder()))
	case KindSummary:
		it.res.Summary = strings.TrimSpace(f.Content)
	}
}

func current(fe *FileEdit) string {
	switch {
	case fe.After != nil:
		return *fe.After
	case fe.Before != nil:
		return *fe.Before
	}
	return ""
}

// merge runs the file merge handlers in order. A failing handler is traced
// and its input is kept.
func (it *interpreter) merge(label, before, generated string) string {
	for _, fn := range it.in.FileMerges {
		merged, err := fn(label, before, generated)
		if err != nil {
			it.tr.Error(fmt.Sprintf("file merge for %s failed", label), err)
			continue
		}
		generated = merged
	}
	return generated
}

func (it *interpreter) link(fn string) {
	frag := it.in.Fragment
	if frag == nil || it.known[fn] {
		return
	}
	it.known[fn] = true
	rel, err := filepath.Rel(filepath.Dir(frag.File.Filename), fn)
	if err != nil {
		rel = fn
	}
	rel = filepath.ToSlash(rel)
	it.res.Links = append(it.res.Links, fmt.Sprintf("-   [%s](%s)", rel, rel))
}

func (it *interpreter) addAnnotations(ds []annotations.Diagnostic) {
	for _, d := range ds {
		dup := false
		for _, e := range it.res.Annotations {
			if e == d {
				dup = true
				break
			}
		}
		if !dup {
			it.res.Annotations = append(it.res.Annotations, d)
		}
	}
}

func (it *interpreter) finalize() {
	names := make([]string, 0, len(it.res.FileEdits))
	for fn := range it.res.FileEdits {
		names = append(names, fn)
	}
	sort.Strings(names)

	for _, fn := range names {
		fe := it.res.FileEdits[fn]
		if !fe.Changed() {
			continue
		}
		if fe.Before != nil && *fe.Before != "" {
			r := [2]fragment.Position{{0, 0}, fragment.EndPos(*fe.Before)}
			it.res.Edits = append(it.res.Edits, Edit{
				Type:     Replace,
				Filename: fn,
				Label:    "Update " + it.rel(fn),
				Text:     *fe.After,
				Range:    &r,
			})
			continue
		}
		it.res.Edits = append(it.res.Edits, Edit{
			Type:      CreateFile,
			Filename:  fn,
			Label:     "Create " + it.rel(fn),
			Text:      *fe.After,
			Overwrite: true,
		})
	}

	frag := it.in.Fragment
	if len(it.res.Links) == 0 || frag == nil {
		return
	}
	fn := frag.File.Filename
	virtual := it.in.Host != nil && !it.in.Host.Exists(fn, false) && it.in.Host.Exists(fn, true)
	if fe, ok := it.res.FileEdits[fn]; virtual && !(ok && fe.Changed()) {
		return
	}
	pos := frag.EndPos
	it.res.Edits = append(it.res.Edits, Edit{
		Type:     Insert,
		Filename: fn,
		Label:    it.in.TemplateTitle,
		Text:     "\n" + strings.Join(it.res.Links, "\n"),
		Pos:      &pos,
	})
}

func (it *interpreter) traceResult() {
	if len(it.res.Edits) > 0 {
		it.tr.Heading(4, "edits")
		rows := make([][]string, 0, len(it.res.Edits))
		for _, e := range it.res.Edits {
			rows = append(rows, []string{string(e.Type), it.rel(e.Filename), e.Label})
		}
		it.tr.Table([]string{"type", "filename", "message"}, rows)
	}
	if len(it.res.Annotations) > 0 {
		it.tr.Heading(4, "annotations")
		rows := make([][]string, 0, len(it.res.Annotations))
		for _, d := range it.res.Annotations {
			rows = append(rows, []string{string(d.Severity), it.rel(d.Filename), fmt.Sprint(d.StartLine() + 1), d.Message})
		}
		it.tr.Table([]string{"severity", "filename", "line", "message"}, rows)
	}
	if it.res.Summary != "" {
		it.tr.DetailsFenced("summary", it.res.Summary, "")
	}
}
