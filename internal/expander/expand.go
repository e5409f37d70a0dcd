// Package expander turns a registered template and a document fragment into
// the system and user prompt text of a chat request.
package expander

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/host"
	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/logging"
	"github.com/youruser/gptool/internal/promptdom"
	"github.com/youruser/gptool/internal/schema"
	"github.com/youruser/gptool/internal/trace"
)

var log = logging.Get()

// Run parameter defaults.
const (
	DefaultModel       = "gpt-4"
	DefaultTemperature = 0.2
	// LegacyFallbackSystem replaces a missing first system template.
	LegacyFallbackSystem = "system"
	// SystemFence separates system template outputs.
	SystemFence = "---"
)

// Options are per-call overrides. Set fields beat every other source.
type Options struct {
	Model        string
	Temperature  *float64
	MaxTokens    *int
	Seed         *int
	ResponseType string
	Vars         map[string]string
	// Label titles the trace section.
	Label string
	Trace *trace.Trace
}

// Result is an expanded template.
type Result struct {
	Template      TemplateInfo
	PromptText    string
	AssistantText string
	SystemText    string
	Success       bool
	// Failure is why the template failed when Success is false.
	Failure          error
	Model            string
	Temperature      *float64
	MaxTokens        *int
	Seed             *int
	ResponseType     string
	Functions        []promptdom.ChatFunction
	Schemas          map[string]*schema.Schema
	FileMerges       []promptdom.FileMergeHandler
	OutputProcessors []promptdom.OutputProcessor
	Images           []promptdom.Image
	Errors           []error
	Tokens           int
	Env              *Env
	Trace            *trace.Trace
}

// Expander expands templates of a registry against project documents.
type Expander struct {
	Registry  *Registry
	Host      host.Host
	Fetcher   *Fetcher
	Tokenizer llm.Tokenizer
	// DefaultModel and DefaultTemperature replace the built-in defaults
	// when set.
	DefaultModel       string
	DefaultTemperature *float64
}

// New returns an Expander reading files through h.
func New(reg *Registry, h host.Host) *Expander {
	return &Expander{Registry: reg, Host: h, Fetcher: NewFetcher(h), Tokenizer: llm.DefaultTokenizer()}
}

// rendered is the output of one template body.
type rendered struct {
	prompt    string
	assistant string
	render    *promptdom.RenderResult
}

// Expand runs tmpl and its system templates against frag.
//
// A failing template body is reported through Result.Success and the
// trace. The returned error is reserved for context cancellation and a
// registry without the fallback system template.
func (x *Expander) Expand(ctx context.Context, tmpl *Template, frag *fragment.Fragment, opts Options) (*Result, error) {
	tr := opts.Trace
	if tr == nil {
		tr = trace.New()
	}
	label := opts.Label
	if label == "" {
		label = tmpl.Title
	}
	tr.Heading(2, label)

	var fetch fragment.Fetcher
	if x.Fetcher != nil {
		fetch = x.Fetcher
	}
	linked, err := fragment.Resolve(ctx, x.Host, frag, fetch)
	if err != nil {
		return nil, err
	}
	for _, m := range linked.Missing {
		tr.Item(m)
	}

	env := NewEnv(fragment.Current(x.Host, frag), linked.Links, linked.Parents, tmpl.Info(), opts.Vars, tr)
	res := &Result{Template: tmpl.Info(), Env: env, Trace: tr, Schemas: map[string]*schema.Schema{}}

	systems, err := x.systemTemplates(tmpl, tr)
	if err != nil {
		return nil, err
	}
	x.resolveParameters(res, tmpl, systems, opts, tr)

	body, err := x.run(ctx, tmpl, env, res.Model)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		res.Failure = err
		tr.Error(fmt.Sprintf("template `%s` failed", tmpl.ID), err)
		return res, nil
	}
	res.Success = true
	res.PromptText = body.prompt
	res.AssistantText = body.assistant
	x.collect(res, body, tr)

	var system strings.Builder
	for _, sys := range systems {
		out, err := x.run(ctx, sys, env.WithTemplate(sys.Info()), res.Model)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			tr.Error(fmt.Sprintf("system template `%s` failed", sys.ID), err)
			continue
		}
		system.WriteString(SystemFence + "\n" + out.prompt + "\n")
		x.collect(res, out, tr)
	}
	res.SystemText = system.String()

	x.traceResult(res, systems)
	return res, nil
}

// systemTemplates resolves the system list of tmpl. A missing first entry
// falls back to LegacyFallbackSystem; later missing entries are skipped.
func (x *Expander) systemTemplates(tmpl *Template, tr *trace.Trace) ([]*Template, error) {
	if tmpl.IsSystem {
		return nil, nil
	}
	var out []*Template
	for i, id := range tmpl.SystemIDs() {
		t, ok := x.Registry.Get(id)
		if !ok {
			tr.Error(fmt.Sprintf("`%s` not found", id), nil)
			if i > 0 {
				continue
			}
			if t, ok = x.Registry.Get(LegacyFallbackSystem); !ok {
				return nil, errors.AssertionFailedf("system template %q is not registered", LegacyFallbackSystem)
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// resolveParameters applies options > vars > template > first system
// template defining the field > defaults.
func (x *Expander) resolveParameters(res *Result, tmpl *Template, systems []*Template, opts Options, tr *trace.Trace) {
	vars := parseVars(opts.Vars, tr)

	res.Model = firstString(opts.Model, vars.model, tmpl.Model)
	res.Temperature = firstPtr(opts.Temperature, vars.temperature, tmpl.Temperature)
	res.MaxTokens = firstPtr(opts.MaxTokens, vars.maxTokens, tmpl.MaxTokens)
	res.Seed = firstPtr(opts.Seed, vars.seed, tmpl.Seed)
	res.ResponseType = firstString(opts.ResponseType, vars.responseType, tmpl.ResponseType)

	for _, sys := range systems {
		res.Model = firstString(res.Model, sys.Model)
		res.Temperature = firstPtr(res.Temperature, sys.Temperature)
		res.MaxTokens = firstPtr(res.MaxTokens, sys.MaxTokens)
		res.Seed = firstPtr(res.Seed, sys.Seed)
		res.ResponseType = firstString(res.ResponseType, sys.ResponseType)
	}

	res.Model = firstString(res.Model, x.DefaultModel, DefaultModel)
	if res.Temperature == nil {
		t := DefaultTemperature
		if x.DefaultTemperature != nil {
			t = *x.DefaultTemperature
		}
		res.Temperature = &t
	}
}

type varParams struct {
	model        string
	temperature  *float64
	maxTokens    *int
	seed         *int
	responseType string
}

func parseVars(vars map[string]string, tr *trace.Trace) varParams {
	var p varParams
	bad := func(key, value string) {
		tr.Error(fmt.Sprintf("invalid value for `%s`: %q", key, value), nil)
	}
	for key, value := range vars {
		switch key {
		case "model":
			p.model = value
		case "response_type", "responseType":
			p.responseType = value
		case "temperature":
			t, err := strconv.ParseFloat(value, 64)
			if err != nil {
				bad(key, value)
				continue
			}
			p.temperature = &t
		case "max_tokens", "maxTokens":
			n, err := strconv.Atoi(value)
			if err != nil {
				bad(key, value)
				continue
			}
			p.maxTokens = &n
		case "seed":
			n, err := strconv.Atoi(value)
			if err != nil {
				bad(key, value)
				continue
			}
			p.seed = &n
		}
	}
	return p
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPtr[T any](values ...*T) *T {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// run executes one template body and renders its prompt.
func (x *Expander) run(ctx context.Context, t *Template, env *Env, model string) (out *rendered, err error) {
	state := scriptState{env: env, fetcher: x.Fetcher, trace: env.trace}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Mark(errors.Newf("panic in template %s: %v", t.ID, r), ErrTemplateFailed)
		}
	}()

	if t.Legacy {
		c := &legacyContext{scriptState: state}
		returned := t.Build(c)
		if err := buildErr(returned, c.failure); err != nil {
			return nil, err
		}
		return &rendered{prompt: c.text.String()}, nil
	}

	c := &nodeContext{scriptState: state, prompt: promptdom.NewPrompt()}
	returned := t.Build(c)
	c.prompt.Close()
	if err := buildErr(returned, c.failure); err != nil {
		return nil, err
	}

	var opts []promptdom.RenderOption
	if x.Tokenizer != nil {
		opts = append(opts, promptdom.WithTokenizer(x.Tokenizer))
	}
	rr, err := promptdom.Render(ctx, model, c.prompt.Root(), opts...)
	if err != nil {
		return nil, err
	}
	if c.failure != nil {
		return nil, c.failure
	}
	return &rendered{prompt: rr.Prompt, assistant: rr.AssistantPrompt, render: rr}, nil
}

func buildErr(returned, recorded error) error {
	if recorded != nil {
		return recorded
	}
	if returned != nil && !errors.Is(returned, context.Canceled) && !errors.Is(returned, context.DeadlineExceeded) {
		return errors.Mark(returned, ErrTemplateFailed)
	}
	return returned
}

// collect merges the declarations of a rendered template into res.
func (x *Expander) collect(res *Result, out *rendered, tr *trace.Trace) {
	rr := out.render
	if rr == nil {
		return
	}
	for _, err := range rr.Errors {
		tr.Error("render error", err)
	}
	res.Errors = append(res.Errors, rr.Errors...)
	for _, fn := range rr.Functions {
		res.Functions = addFunction(res.Functions, fn, tr)
	}
	res.FileMerges = append(res.FileMerges, rr.FileMerges...)
	res.OutputProcessors = append(res.OutputProcessors, rr.OutputProcessors...)
	res.Images = append(res.Images, rr.Images...)
	res.Tokens += rr.Tokens
	for name, s := range rr.Schemas {
		if _, dup := res.Schemas[name]; dup {
			tr.Error(fmt.Sprintf("duplicate schema name: %s", name), nil)
		}
		res.Schemas[name] = s
	}
}

// addFunction appends fn to fns, replacing a function of the same name.
func addFunction(fns []promptdom.ChatFunction, fn promptdom.ChatFunction, tr *trace.Trace) []promptdom.ChatFunction {
	for i, f := range fns {
		if f.Definition.Name == fn.Definition.Name {
			tr.Error(fmt.Sprintf("duplicate function name: %s", fn.Definition.Name), nil)
			fns[i] = fn
			return fns
		}
	}
	return append(fns, fn)
}

func (x *Expander) traceResult(res *Result, systems []*Template) {
	tr := res.Trace
	tr.Item(fmt.Sprintf("model: `%s`", res.Model))
	if res.Temperature != nil {
		tr.Item(fmt.Sprintf("temperature: %v", *res.Temperature))
	}
	if res.MaxTokens != nil {
		tr.Item(fmt.Sprintf("max tokens: %d", *res.MaxTokens))
	}
	if res.Seed != nil {
		tr.Item(fmt.Sprintf("seed: %d", *res.Seed))
	}
	if res.ResponseType != "" {
		tr.Item(fmt.Sprintf("response type: %s", res.ResponseType))
	}
	ids := make([]string, len(systems))
	for i, s := range systems {
		ids[i] = "`" + s.ID + "`"
	}
	if len(ids) > 0 {
		tr.Item("system: " + strings.Join(ids, ", "))
	}
	for _, f := range res.Functions {
		tr.Item(fmt.Sprintf("function `%s`: %s", f.Definition.Name, f.Definition.Description))
	}
	tr.DetailsFenced("system prompt", res.SystemText, "markdown")
	tr.DetailsFenced(fmt.Sprintf("user prompt (%d tokens)", res.Tokens), res.PromptText, "markdown")
	log.Debug("expanded %s: model=%s tokens=%d functions=%d", res.Template.ID, res.Model, res.Tokens, len(res.Functions))
}
