package runner

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/gptool/internal/chat"
	"github.com/youruser/gptool/internal/expander"
	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/host"
	"github.com/youruser/gptool/internal/interpret"
	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/promptdom"
	"github.com/youruser/gptool/internal/scripts"
)

type fakeCompleter struct {
	answer   string
	err      error
	onCall   func()
	requests []*llm.ChatRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req *llm.ChatRequest, opts llm.CompleteOptions) (*llm.Completion, error) {
	f.requests = append(f.requests, req)
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(f.answer)
	}
	return &llm.Completion{Text: f.answer}, nil
}

func setup(t *testing.T) (Deps, *fragment.Fragment) {
	t.Helper()
	fs := afero.NewMemMapFs()
	const doc = "# Notes\n\nSome notes.\n"
	require.NoError(t, afero.WriteFile(fs, "/project/notes.md", []byte(doc), 0o644))
	h := host.NewWithFs("/project", fs)
	reg := expander.NewRegistry()
	require.NoError(t, scripts.RegisterBuiltins(reg))
	return Deps{Expander: expander.New(reg, h), Host: h}, fragment.Parse("/project/notes.md", doc)
}

func summarize() *expander.Template {
	return &expander.Template{
		ID:    "summarize",
		Title: "Summarize",
		Build: func(c expander.Context) error {
			c.Def("NOTES", c.Env().File().Content, expander.DefOptions{})
			c.Text("Summarize NOTES.")
			return nil
		},
	}
}

func TestRunTemplate(t *testing.T) {
	d, frag := setup(t)
	fc := &fakeCompleter{answer: "File summary.md:\n```md\nShort.\n```\n\n```summary\nwrote a summary\n```"}
	d.Completer = fc

	var streamed strings.Builder
	var states []chat.State
	res, err := RunTemplate(context.Background(), d, summarize(), frag, Options{
		Label:      "first run",
		OnProgress: func(s string) { streamed.WriteString(s) },
		OnState:    func(s chat.State) { states = append(states, s) },
	})
	require.NoError(t, err)
	require.NoError(t, res.Error)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "first run", res.Label)
	assert.Equal(t, fc.answer, res.Text)
	assert.Equal(t, fc.answer, streamed.String())
	assert.Equal(t, []chat.State{chat.AwaitingModel, chat.Done}, states)
	assert.Equal(t, "wrote a summary", res.Summary)

	require.Len(t, res.Edits, 2)
	assert.Equal(t, interpret.CreateFile, res.Edits[0].Type)
	assert.Equal(t, "/project/summary.md", res.Edits[0].Filename)
	assert.Equal(t, interpret.Insert, res.Edits[1].Type)
	assert.Equal(t, "Summarize", res.Edits[1].Label)

	require.Len(t, fc.requests, 1)
	sent := fc.requests[0]
	assert.Equal(t, expander.DefaultModel, sent.Model)
	assert.Equal(t, llm.RoleSystem, sent.Messages[0].Role)
	assert.Contains(t, sent.Messages[1].Content, "Some notes.")

	assert.Equal(t, expander.DefaultModel, res.Prompt.Model)
	assert.Contains(t, res.Prompt.User, "Summarize NOTES.")
	assert.Contains(t, res.Trace.Content(), "first run")
}

func TestRunTemplateFailure(t *testing.T) {
	d, frag := setup(t)
	fc := &fakeCompleter{answer: "unused"}
	d.Completer = fc
	failing := &expander.Template{ID: "bad", Build: func(c expander.Context) error {
		c.Fail("nothing to do")
		return nil
	}}

	res, err := RunTemplate(context.Background(), d, failing, frag, Options{})
	require.NoError(t, err)
	assert.Equal(t, FailedText, res.Text)
	assert.True(t, errors.Is(res.Error, expander.ErrTemplateFailed))
	assert.Empty(t, fc.requests)
}

func TestRunTemplateSkipLLM(t *testing.T) {
	d, frag := setup(t)
	res, err := RunTemplate(context.Background(), d, summarize(), frag, Options{SkipLLM: true})
	require.NoError(t, err)
	assert.NoError(t, res.Error)
	assert.Empty(t, res.Text)
	assert.Contains(t, res.Prompt.User, "Some notes.")
	assert.NotEmpty(t, res.Prompt.System)
}

func TestRunTemplateNoCompleter(t *testing.T) {
	d, frag := setup(t)
	_, err := RunTemplate(context.Background(), d, summarize(), frag, Options{})
	assert.ErrorIs(t, err, ErrNoCompleter)
}

func TestRunTemplateRequestError(t *testing.T) {
	d, frag := setup(t)
	d.Completer = &fakeCompleter{err: &llm.RequestError{Status: 401, StatusText: "Unauthorized"}}

	res, err := RunTemplate(context.Background(), d, summarize(), frag, Options{})
	require.NoError(t, err)
	var reqErr *llm.RequestError
	require.True(t, errors.As(res.Error, &reqErr))
	assert.Equal(t, 401, reqErr.Status)
	assert.False(t, res.Cancelled)
	assert.Empty(t, res.Edits)
}

func TestRunTemplateCancelled(t *testing.T) {
	d, frag := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Completer = &fakeCompleter{err: context.Canceled, onCall: cancel}

	res, err := RunTemplate(ctx, d, summarize(), frag, Options{})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.NoError(t, res.Error)
	assert.Equal(t, chat.CancelledText, res.Text)
}

func TestRunTemplateCancelledBeforeExpansion(t *testing.T) {
	d, frag := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fc := &fakeCompleter{answer: "unused"}
	d.Completer = fc
	res, err := RunTemplate(ctx, d, summarize(), frag, Options{})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Empty(t, fc.requests)
}

func TestRunTemplateOutputProcessors(t *testing.T) {
	d, frag := setup(t)
	d.Completer = &fakeCompleter{answer: "raw"}
	tmpl := &expander.Template{ID: "gen", Title: "Generate", Build: func(c expander.Context) error {
		c.Text("generate")
		c.DefOutput(func(_ context.Context, out *promptdom.Output) error {
			out.Text = strings.ToUpper(out.Text)
			out.Files["gen/out.txt"] = "generated"
			return nil
		})
		c.DefOutput(func(context.Context, *promptdom.Output) error { return errors.New("ignored") })
		return nil
	}}

	res, err := RunTemplate(context.Background(), d, tmpl, frag, Options{})
	require.NoError(t, err)
	assert.Equal(t, "RAW", res.Text)
	require.Len(t, res.Edits, 1)
	assert.Equal(t, "/project/gen/out.txt", res.Edits[0].Filename)
	assert.Len(t, res.Trace.Errors(), 1)
}

func TestRunTemplateFileMerge(t *testing.T) {
	d, frag := setup(t)
	d.Completer = &fakeCompleter{answer: "File notes.md:\n```md\nMore notes.\n```"}
	tmpl := summarize()
	tmpl.FileMerge = func(label, before, generated string) (string, error) {
		return before + generated, nil
	}

	res, err := RunTemplate(context.Background(), d, tmpl, frag, Options{})
	require.NoError(t, err)
	fe := res.FileEdits["/project/notes.md"]
	require.NotNil(t, fe)
	require.NotNil(t, fe.After)
	assert.Contains(t, *fe.After, "Some notes.")
	assert.Contains(t, *fe.After, "More notes.")
}

func TestErrorAnnotations(t *testing.T) {
	d, frag := setup(t)
	d.Completer = &fakeCompleter{answer: "::error file=a.go,line=1,endLine=1::x\n::warning file=a.go,line=2,endLine=2::y"}
	res, err := RunTemplate(context.Background(), d, summarize(), frag, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Annotations, 2)
	assert.Equal(t, 1, res.ErrorAnnotations())
}
