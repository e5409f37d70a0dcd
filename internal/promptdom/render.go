package promptdom

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/logging"
	"github.com/youruser/gptool/internal/schema"
)

var log = logging.Get()

// RenderResult is a flattened prompt tree.
type RenderResult struct {
	Prompt           string
	AssistantPrompt  string
	Images           []Image
	Errors           []error
	Schemas          map[string]*schema.Schema
	Functions        []ChatFunction
	FileMerges       []FileMergeHandler
	OutputProcessors []OutputProcessor
	// Tokens is the sum of all node token counts.
	Tokens int
}

type renderConfig struct {
	tokenizer llm.Tokenizer
}

// RenderOption configures Render.
type RenderOption func(*renderConfig)

// WithTokenizer sets the tokenizer used for per-node token counts.
func WithTokenizer(t llm.Tokenizer) RenderOption {
	return func(c *renderConfig) { c.tokenizer = t }
}

type renderer struct {
	model  string
	cfg    renderConfig
	prompt strings.Builder
	assist strings.Builder
	res    *RenderResult
}

// Render walks the tree depth-first in document order, resolving deferred
// values. Node failures are recorded on the node and in Errors and do not
// stop the walk. The returned error is only set for a nil root or a
// canceled context.
func Render(ctx context.Context, model string, root Node, opts ...RenderOption) (*RenderResult, error) {
	if root == nil {
		return nil, errors.Wrap(ErrMissingArgument, "root node")
	}
	cfg := renderConfig{tokenizer: llm.DefaultTokenizer()}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &renderer{
		model: model,
		cfg:   cfg,
		res:   &RenderResult{Schemas: make(map[string]*schema.Schema)},
	}
	if err := r.visit(ctx, root); err != nil {
		return nil, err
	}
	r.res.Prompt = r.prompt.String()
	r.res.AssistantPrompt = r.assist.String()
	return r.res, nil
}

func (r *renderer) visit(ctx context.Context, n Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.render(ctx, n); err != nil {
		n.base().err = err
		r.res.Errors = append(r.res.Errors, err)
	}
	for _, child := range n.Children() {
		if err := r.visit(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (r *renderer) render(ctx context.Context, n Node) error {
	switch n := n.(type) {
	case *TextNode:
		v, err := n.value.Resolve(ctx)
		if err != nil {
			return errors.Wrap(err, "text")
		}
		r.appendText(&r.prompt, n.base(), v, "\n")
	case *AssistantNode:
		v, err := n.value.Resolve(ctx)
		if err != nil {
			return errors.Wrap(err, "assistant")
		}
		r.appendText(&r.assist, n.base(), v, "\n")
	case *StringTemplateNode:
		v, err := n.resolve(ctx)
		if err != nil {
			return errors.Wrap(err, "string template")
		}
		r.appendText(&r.prompt, n.base(), v, "\n")
	case *ImageNode:
		img, err := n.value.Resolve(ctx)
		if err != nil {
			return errors.Wrap(err, "image")
		}
		if err := validateImage(img); err != nil {
			return err
		}
		r.res.Images = append(r.res.Images, img)
	case *SchemaNode:
		return r.renderSchema(n)
	case *FunctionNode:
		return r.renderFunction(n.function)
	case *FileMergeNode:
		r.res.FileMerges = append(r.res.FileMerges, n.merge)
	case *OutputProcessorNode:
		r.res.OutputProcessors = append(r.res.OutputProcessors, n.process)
	case *Root:
	}
	return nil
}

func (r *renderer) renderSchema(n *SchemaNode) error {
	var dupErr error
	if _, ok := r.res.Schemas[n.name]; ok {
		dupErr = errors.Newf("duplicate schema name: %s", n.name)
		log.Warn("%v", dupErr)
	}
	r.res.Schemas[n.name] = n.schema

	format := n.format
	if format == "" {
		format = schema.TypeScript
	}
	body, err := schema.Stringify(n.name, n.schema, format)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("%s:\n```%s-schema\n%s\n```\n", n.name, format, body)
	r.appendText(&r.prompt, n.base(), text, "")
	return dupErr
}

// renderFunction adds fn, replacing an earlier function of the same name.
func (r *renderer) renderFunction(fn ChatFunction) error {
	for i, f := range r.res.Functions {
		if f.Definition.Name == fn.Definition.Name {
			r.res.Functions[i] = fn
			err := errors.Newf("duplicate function name: %s", fn.Definition.Name)
			log.Warn("%v", err)
			return err
		}
	}
	r.res.Functions = append(r.res.Functions, fn)
	return nil
}

// appendText writes value+sep and counts the tokens of value.
func (r *renderer) appendText(buf *strings.Builder, b *nodeBase, value, sep string) {
	buf.WriteString(value)
	buf.WriteString(sep)
	tokens, err := r.cfg.tokenizer.EstimateTokens(r.model, value)
	if err != nil {
		log.Debug("token estimate failed: %v", err)
		return
	}
	b.tokens = tokens
	r.res.Tokens += tokens
}

func (n *StringTemplateNode) resolve(ctx context.Context) (string, error) {
	var b strings.Builder
	for i, part := range n.parts {
		b.WriteString(part)
		if i >= len(n.args) {
			continue
		}
		v, err := n.args[i].Resolve(ctx)
		if err != nil {
			return "", err
		}
		if v != nil {
			fmt.Fprint(&b, v)
		}
	}
	return b.String(), nil
}
