// Package runner runs a template end to end: expansion, the chat loop and
// interpretation of the answer.
package runner

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/youruser/gptool/internal/annotations"
	"github.com/youruser/gptool/internal/chat"
	"github.com/youruser/gptool/internal/expander"
	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/host"
	"github.com/youruser/gptool/internal/interpret"
	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/logging"
	"github.com/youruser/gptool/internal/promptdom"
	"github.com/youruser/gptool/internal/trace"
)

var log = logging.Get()

// FailedText is the answer of a run whose template failed.
const FailedText = "# Template failed\nSee trace."

// ErrNoCompleter is returned when a run needs the model and none is set.
var ErrNoCompleter = errors.New("no completion client configured")

// Deps are the collaborators of a run.
type Deps struct {
	Expander  *expander.Expander
	Completer llm.Completer
	Host      host.Host
}

// Options tune one run.
type Options struct {
	Model        string
	Temperature  *float64
	MaxTokens    *int
	Seed         *int
	ResponseType string
	Vars         map[string]string
	Label        string
	// SkipLLM stops after expansion.
	SkipLLM    bool
	OnProgress func(chunk string)
	OnState    func(chat.State)
	Trace      *trace.Trace
}

// Result is the outcome of RunTemplate. Error is set for template, request
// and function failures; a cancelled run has Cancelled set and no Error.
type Result struct {
	ID          string                         `json:"id" yaml:"id"`
	Label       string                         `json:"label,omitempty" yaml:"label,omitempty"`
	Prompt      *Prompt                        `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Text        string                         `json:"text" yaml:"text"`
	Edits       []interpret.Edit               `json:"edits,omitempty" yaml:"edits,omitempty"`
	Annotations []annotations.Diagnostic       `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	FileEdits   map[string]*interpret.FileEdit `json:"fileEdits,omitempty" yaml:"fileEdits,omitempty"`
	Summary     string                         `json:"summary,omitempty" yaml:"summary,omitempty"`
	Usage       llm.Usage                      `json:"usage" yaml:"usage"`
	Trace       *trace.Trace                   `json:"-" yaml:"-"`
	Error       error                          `json:"-" yaml:"-"`
	Cancelled   bool                           `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Expansion   *expander.Result               `json:"-" yaml:"-"`
	Interpreted *interpret.Result              `json:"-" yaml:"-"`
	Messages    []llm.Message                  `json:"-" yaml:"-"`
	Vars        map[string]string              `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// Prompt is the request a run sends.
type Prompt struct {
	Model       string   `json:"model" yaml:"model"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Seed        *int     `json:"seed,omitempty" yaml:"seed,omitempty"`
	System      string   `json:"system" yaml:"system"`
	User        string   `json:"user" yaml:"user"`
	Tokens      int      `json:"tokens" yaml:"tokens"`
}

// RunTemplate expands tmpl against frag, sends the prompt and interprets the
// answer. The returned error is reserved for problems that prevent a result
// from being produced at all.
func RunTemplate(ctx context.Context, d Deps, tmpl *expander.Template, frag *fragment.Fragment, opts Options) (*Result, error) {
	if d.Expander == nil {
		return nil, errors.AssertionFailedf("runner: nil expander")
	}
	tr := opts.Trace
	if tr == nil {
		tr = trace.New()
	}
	res := &Result{ID: uuid.NewString(), Label: opts.Label, Trace: tr, Vars: opts.Vars}
	log.Info("run %s: template %s on %s", res.ID, tmpl.ID, frag.File.Filename)

	exp, err := d.Expander.Expand(ctx, tmpl, frag, expander.Options{
		Model:        opts.Model,
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
		Seed:         opts.Seed,
		ResponseType: opts.ResponseType,
		Vars:         opts.Vars,
		Label:        opts.Label,
		Trace:        tr,
	})
	if err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Text = chat.CancelledText
			return res, nil
		}
		return nil, err
	}
	res.Expansion = exp
	res.Prompt = &Prompt{
		Model:       exp.Model,
		Temperature: exp.Temperature,
		MaxTokens:   exp.MaxTokens,
		Seed:        exp.Seed,
		System:      exp.SystemText,
		User:        exp.PromptText,
		Tokens:      exp.Tokens,
	}

	if !exp.Success {
		res.Text = FailedText
		res.Error = exp.Failure
		if res.Error == nil {
			res.Error = expander.ErrTemplateFailed
		}
		return res, nil
	}
	if opts.SkipLLM {
		return res, nil
	}
	if d.Completer == nil {
		return nil, ErrNoCompleter
	}

	h := d.Host
	if h == nil {
		h = d.Expander.Host
	}
	resp, err := chat.Run(ctx, d.Completer, chat.Request{
		Model:        exp.Model,
		Temperature:  exp.Temperature,
		MaxTokens:    exp.MaxTokens,
		Seed:         exp.Seed,
		ResponseType: exp.ResponseType,
		System:       exp.SystemText,
		Prompt:       exp.PromptText,
		Assistant:    exp.AssistantText,
		Images:       exp.Images,
		Functions:    exp.Functions,
		Host:         h,
		Trace:        tr,
		OnProgress:   opts.OnProgress,
		OnState:      opts.OnState,
	})
	if resp != nil {
		res.Text = resp.Text
		res.Messages = resp.Messages
		res.Usage = resp.Usage
	}
	if err != nil {
		tr.Error("function call failed", err)
		res.Error = err
		return res, nil
	}
	switch resp.State {
	case chat.Cancelled:
		res.Cancelled = true
		return res, nil
	case chat.Failed:
		res.Error = resp.Error
		return res, nil
	}

	out := &promptdom.Output{Text: res.Text, Files: map[string]string{}}
	for i, proc := range exp.OutputProcessors {
		if err := proc(ctx, out); err != nil {
			tr.Error(fmt.Sprintf("output processor %d failed", i+1), err)
		}
	}
	res.Text = out.Text
	tr.DetailsFenced("answer", res.Text, "markdown")

	merges := exp.FileMerges
	if tmpl.FileMerge != nil {
		merges = append([]promptdom.FileMergeHandler{tmpl.FileMerge}, merges...)
	}
	it := interpret.Interpret(interpret.Input{
		Text:          res.Text,
		Fragment:      frag,
		TemplateID:    tmpl.ID,
		TemplateTitle: tmpl.Title,
		FileMerges:    merges,
		Files:         out.Files,
		Host:          h,
		Trace:         tr,
	})
	res.Interpreted = it
	res.Edits = it.Edits
	res.Annotations = it.Annotations
	res.FileEdits = it.FileEdits
	res.Summary = it.Summary
	log.Info("run %s: %d edits, %d annotations", res.ID, len(res.Edits), len(res.Annotations))
	return res, nil
}

// ErrorAnnotations counts the error severity annotations of r.
func (r *Result) ErrorAnnotations() int {
	n := 0
	for _, d := range r.Annotations {
		if d.Severity == annotations.Error {
			n++
		}
	}
	return n
}
