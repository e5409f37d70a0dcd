package expander

import (
	"fmt"
	"sort"

	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/trace"
)

// Fences and the failure sentinel exposed to templates.
const (
	Fence         = "```"
	MarkdownFence = "``````"
	ErrorSentinel = "ERROR:"
)

// TemplateInfo identifies the template being expanded.
type TemplateInfo struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Env is the read-only data a template is expanded against.
type Env struct {
	file     fragment.LinkedFile
	links    []fragment.LinkedFile
	parents  []fragment.LinkedFile
	template TemplateInfo
	vars     map[string]string
	trace    *trace.Trace
}

// NewEnv creates an environment. tr receives lookups of names that do not
// exist and may be nil.
func NewEnv(file fragment.LinkedFile, links, parents []fragment.LinkedFile, info TemplateInfo, vars map[string]string, tr *trace.Trace) *Env {
	if vars == nil {
		vars = map[string]string{}
	}
	return &Env{file: file, links: links, parents: parents, template: info, vars: vars, trace: tr}
}

// WithTemplate returns a copy of e describing a different template.
func (e *Env) WithTemplate(info TemplateInfo) *Env {
	c := *e
	c.template = info
	return &c
}

func (e *Env) File() fragment.LinkedFile      { return e.file }
func (e *Env) Links() []fragment.LinkedFile   { return e.links }
func (e *Env) Parents() []fragment.LinkedFile { return e.parents }
func (e *Env) Template() TemplateInfo         { return e.template }
func (e *Env) Fence() string                  { return Fence }
func (e *Env) MarkdownFence() string          { return MarkdownFence }
func (e *Env) Error() string                  { return ErrorSentinel }

// Get looks up an environment entry by name. Unknown names are reported to
// the trace and yield "".
func (e *Env) Get(name string) any {
	switch name {
	case "fence":
		return Fence
	case "markdownFence":
		return MarkdownFence
	case "error":
		return ErrorSentinel
	case "file", "spec", "context":
		return e.file
	case "links", "files":
		return e.links
	case "parents":
		return e.parents
	case "template":
		return e.template
	case "vars":
		return e.Vars()
	}
	e.missing(fmt.Sprintf("`env.%s` not defined", name))
	return ""
}

// Var returns a user variable or "".
func (e *Env) Var(name string) string {
	return e.vars[name]
}

// Vars returns a copy of the user variables.
func (e *Env) Vars() map[string]string {
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// VarNames returns the sorted user variable names.
func (e *Env) VarNames() []string {
	names := make([]string, 0, len(e.vars))
	for k := range e.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (e *Env) missing(msg string) {
	log.Debug("%s", msg)
	if e.trace != nil {
		e.trace.Error(msg, nil)
	}
}
