package expander

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/promptdom"
	"github.com/youruser/gptool/internal/schema"
	"github.com/youruser/gptool/internal/trace"
)

// DefOptions controls how Def renders a block.
type DefOptions struct {
	// Language tags the fence, markdown when empty.
	Language string
	// LineNumbers prefixes every line with "[n] ".
	LineNumbers bool
	// Schema names the schema the block conforms to.
	Schema string
}

// Context is the capability set handed to a template's Build function.
// Calls made after the template failed are ignored.
type Context interface {
	Env() *Env
	// Text appends a line of prompt text.
	Text(s string)
	Textf(format string, args ...any)
	// TextLater appends text computed at render time.
	TextLater(fn func(ctx context.Context) (string, error))
	Assistant(s string)
	// Def appends "name:" followed by body in a fence.
	Def(name, body string, opts DefOptions)
	DefFiles(files []fragment.LinkedFile, opts DefOptions)
	Fence(body, lang string)
	DefImages(urls ...string)
	DefSchema(name string, s *schema.Schema, format schema.Format)
	DefFunction(name, description string, params *schema.Schema, fn promptdom.FunctionHandler)
	DefFileMerge(fn promptdom.FileMergeHandler)
	DefOutput(fn promptdom.OutputProcessor)
	Fetch(ctx context.Context, urlOrPath string) (*FetchResult, error)
	// Fail stops the template with msg.
	Fail(msg string)
	Err() error
}

type scriptState struct {
	env     *Env
	fetcher *Fetcher
	trace   *trace.Trace
	failure error
}

func (s *scriptState) Env() *Env    { return s.env }
func (s *scriptState) Err() error   { return s.failure }
func (s *scriptState) failed() bool { return s.failure != nil }

func (s *scriptState) Fail(msg string) {
	if s.failure == nil {
		s.failure = errors.Mark(errors.Newf("%s", msg), ErrTemplateFailed)
	}
}

func (s *scriptState) fail(err error) {
	if s.failure == nil {
		s.failure = errors.Mark(err, ErrTemplateFailed)
	}
}

// checkSentinel fails the template when text carries ErrorSentinel. The
// message is the rest of that line.
func (s *scriptState) checkSentinel(text string) bool {
	i := strings.Index(text, ErrorSentinel)
	if i < 0 {
		return false
	}
	msg := text[i+len(ErrorSentinel):]
	if j := strings.IndexAny(msg, "\r\n"); j >= 0 {
		msg = msg[:j]
	}
	s.Fail(strings.TrimSpace(msg))
	return true
}

func (s *scriptState) Fetch(ctx context.Context, urlOrPath string) (*FetchResult, error) {
	if s.fetcher == nil {
		return nil, errors.New("fetch is not available")
	}
	res, err := s.fetcher.Fetch(ctx, urlOrPath)
	if err == nil && !res.OK && s.trace != nil {
		s.trace.Item(fmt.Sprintf("fetch `%s`: %d %s", urlOrPath, res.Status, res.StatusText))
	}
	return res, err
}

func trimNewlines(s string) string {
	return strings.Trim(s, "\r\n")
}

// FenceBlock frames body in a fence. Markdown bodies get the long fence so
// nested code blocks survive.
func FenceBlock(body string, opts DefOptions) string {
	lang := opts.Language
	if lang == "" {
		lang = "markdown"
	}
	f := Fence
	if lang == "markdown" {
		f = MarkdownFence
	}
	body = trimNewlines(body)
	if opts.LineNumbers {
		body = NumberLines(body)
	}
	tag := lang
	if opts.Schema != "" {
		tag += " schema=" + opts.Schema
	}
	return f + tag + "\n" + body + "\n" + f
}

// NumberLines prefixes each line with its 1-based number in brackets.
func NumberLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = fmt.Sprintf("[%d] %s", i+1, l)
	}
	return strings.Join(lines, "\n")
}

// legacyContext writes a flat text prompt. Tree declarations are ignored.
type legacyContext struct {
	scriptState
	text strings.Builder
}

func (c *legacyContext) Text(s string) {
	if c.failed() || c.checkSentinel(s) {
		return
	}
	c.text.WriteString(trimNewlines(s))
	c.text.WriteString("\n\n")
}

func (c *legacyContext) Textf(format string, args ...any) {
	c.Text(fmt.Sprintf(format, args...))
}

func (c *legacyContext) Def(name, body string, opts DefOptions) {
	c.Text(name + ":")
	c.Text(FenceBlock(body, opts))
}

func (c *legacyContext) DefFiles(files []fragment.LinkedFile, opts DefOptions) {
	for _, f := range files {
		c.Def("File "+f.Filename, f.Content, opts)
	}
}

func (c *legacyContext) Fence(body, lang string) {
	c.Text(FenceBlock(body, DefOptions{Language: lang}))
}

func (c *legacyContext) TextLater(func(context.Context) (string, error))                       {}
func (c *legacyContext) Assistant(string)                                                      {}
func (c *legacyContext) DefImages(...string)                                                   {}
func (c *legacyContext) DefSchema(string, *schema.Schema, schema.Format)                       {}
func (c *legacyContext) DefFunction(string, string, *schema.Schema, promptdom.FunctionHandler) {}
func (c *legacyContext) DefFileMerge(promptdom.FileMergeHandler)                               {}
func (c *legacyContext) DefOutput(promptdom.OutputProcessor)                                   {}

// nodeContext builds a prompt tree.
type nodeContext struct {
	scriptState
	prompt *promptdom.Prompt
}

func (c *nodeContext) add(n promptdom.Node, err error) {
	if c.failed() {
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.prompt.Append(nil, n); err != nil {
		c.fail(err)
	}
}

func (c *nodeContext) Text(s string) {
	if c.failed() || c.checkSentinel(s) {
		return
	}
	c.add(promptdom.NewText(promptdom.Now(s)))
}

func (c *nodeContext) Textf(format string, args ...any) {
	c.Text(fmt.Sprintf(format, args...))
}

func (c *nodeContext) TextLater(fn func(context.Context) (string, error)) {
	if fn == nil {
		c.add(nil, errors.Wrap(promptdom.ErrMissingArgument, "text computation"))
		return
	}
	// The sentinel check runs once the text is rendered.
	c.add(promptdom.NewText(promptdom.Later(func(ctx context.Context) (string, error) {
		v, err := fn(ctx)
		if err != nil {
			return v, err
		}
		if c.checkSentinel(v) {
			return "", c.failure
		}
		return v, nil
	})))
}

func (c *nodeContext) Assistant(s string) {
	if c.failed() || c.checkSentinel(s) {
		return
	}
	c.add(promptdom.NewAssistant(promptdom.Now(s)))
}

func (c *nodeContext) Def(name, body string, opts DefOptions) {
	c.Text(name + ":")
	c.Text(FenceBlock(body, opts))
}

func (c *nodeContext) DefFiles(files []fragment.LinkedFile, opts DefOptions) {
	for _, f := range files {
		c.Def("File "+f.Filename, f.Content, opts)
	}
}

func (c *nodeContext) Fence(body, lang string) {
	c.Text(FenceBlock(body, DefOptions{Language: lang}))
}

func (c *nodeContext) DefImages(urls ...string) {
	for _, u := range urls {
		c.add(promptdom.NewImage(promptdom.Now(promptdom.Image{URL: u})))
	}
}

func (c *nodeContext) DefSchema(name string, s *schema.Schema, format schema.Format) {
	c.add(promptdom.NewSchema(name, s, format))
}

func (c *nodeContext) DefFunction(name, description string, params *schema.Schema, fn promptdom.FunctionHandler) {
	c.add(promptdom.NewFunction(name, description, params, fn))
}

func (c *nodeContext) DefFileMerge(fn promptdom.FileMergeHandler) {
	c.add(promptdom.NewFileMerge(fn))
}

func (c *nodeContext) DefOutput(fn promptdom.OutputProcessor) {
	c.add(promptdom.NewOutputProcessor(fn))
}
