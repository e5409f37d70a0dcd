// Package promptdom is the prompt document model: a tree of text, image,
// schema, function and post-processing nodes whose values may be computed
// lazily, flattened by Render into messages and out-of-band artifacts.
package promptdom

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/schema"
	"github.com/youruser/gptool/internal/trace"
)

var (
	ErrPromptClosed    = errors.New("prompt is closed")
	ErrMissingArgument = errors.New("missing argument")
	ErrInvalidImage    = errors.New("invalid image url")
)

// Kind tags a node variant.
type Kind string

const (
	KindRoot            Kind = ""
	KindText            Kind = "text"
	KindAssistant       Kind = "assistant"
	KindStringTemplate  Kind = "stringTemplate"
	KindImage           Kind = "image"
	KindSchema          Kind = "schema"
	KindFunction        Kind = "function"
	KindFileMerge       Kind = "fileMerge"
	KindOutputProcessor Kind = "outputProcessor"
)

// Node is implemented by the node variants of this package only.
type Node interface {
	Kind() Kind
	Children() []Node
	// Err is the error recorded while rendering this node.
	Err() error
	// Tokens is the token count of the node's own rendered text.
	Tokens() int
	Priority() int
	base() *nodeBase
}

type nodeBase struct {
	children []Node
	priority int
	err      error
	tokens   int
}

func (b *nodeBase) Children() []Node { return b.children }
func (b *nodeBase) Err() error       { return b.err }
func (b *nodeBase) Tokens() int      { return b.tokens }
func (b *nodeBase) Priority() int    { return b.priority }
func (b *nodeBase) base() *nodeBase  { return b }

// NodeOption customizes a node at construction.
type NodeOption func(*nodeBase)

// WithPriority sets the truncation priority of a node.
func WithPriority(p int) NodeOption {
	return func(b *nodeBase) { b.priority = p }
}

// WithChildren attaches children at construction.
func WithChildren(children ...Node) NodeOption {
	return func(b *nodeBase) { b.children = append(b.children, children...) }
}

func newBase(opts []NodeOption) nodeBase {
	var b nodeBase
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Deferred is a value that is either known now or computed on demand.
type Deferred[T any] struct {
	value   T
	resolve func(context.Context) (T, error)
	set     bool
}

// Now wraps an immediate value.
func Now[T any](v T) Deferred[T] {
	return Deferred[T]{value: v, set: true}
}

// Later wraps a computation run at render time.
func Later[T any](fn func(context.Context) (T, error)) Deferred[T] {
	return Deferred[T]{resolve: fn, set: fn != nil}
}

// Pending reports whether the value still has to be computed.
func (d Deferred[T]) Pending() bool {
	return d.resolve != nil
}

// Resolve returns the value, running the computation if needed.
func (d Deferred[T]) Resolve(ctx context.Context) (T, error) {
	if d.resolve == nil {
		return d.value, nil
	}
	return d.resolve(ctx)
}

// Root is the untyped container at the top of a prompt.
type Root struct{ nodeBase }

func (*Root) Kind() Kind { return KindRoot }

// TextNode contributes a line of user prompt text.
type TextNode struct {
	nodeBase
	value Deferred[string]
}

func (*TextNode) Kind() Kind { return KindText }

// NewText creates a text node.
func NewText(v Deferred[string], opts ...NodeOption) (*TextNode, error) {
	if !v.set {
		return nil, errors.Wrap(ErrMissingArgument, "text value")
	}
	return &TextNode{nodeBase: newBase(opts), value: v}, nil
}

// AssistantNode contributes pre-filled assistant text.
type AssistantNode struct {
	nodeBase
	value Deferred[string]
}

func (*AssistantNode) Kind() Kind { return KindAssistant }

// NewAssistant creates an assistant node.
func NewAssistant(v Deferred[string], opts ...NodeOption) (*AssistantNode, error) {
	if !v.set {
		return nil, errors.Wrap(ErrMissingArgument, "assistant value")
	}
	return &AssistantNode{nodeBase: newBase(opts), value: v}, nil
}

// StringTemplateNode interleaves literal parts with deferred arguments:
// parts[0] + args[0] + parts[1] + ... + parts[n].
type StringTemplateNode struct {
	nodeBase
	parts []string
	args  []Deferred[any]
}

func (*StringTemplateNode) Kind() Kind { return KindStringTemplate }

// NewStringTemplate creates a string template node; len(parts) must be
// len(args)+1.
func NewStringTemplate(parts []string, args []Deferred[any], opts ...NodeOption) (*StringTemplateNode, error) {
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrMissingArgument, "template strings")
	}
	if len(parts) != len(args)+1 {
		return nil, errors.Newf("template has %d strings for %d arguments", len(parts), len(args))
	}
	return &StringTemplateNode{nodeBase: newBase(opts), parts: parts, args: args}, nil
}

// Image is an image reference attached to the user message.
type Image struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ImageNode contributes an image.
type ImageNode struct {
	nodeBase
	value Deferred[Image]
}

func (*ImageNode) Kind() Kind { return KindImage }

// NewImage creates an image node.
func NewImage(v Deferred[Image], opts ...NodeOption) (*ImageNode, error) {
	if !v.set {
		return nil, errors.Wrap(ErrMissingArgument, "image value")
	}
	return &ImageNode{nodeBase: newBase(opts), value: v}, nil
}

func validateImage(img Image) error {
	switch {
	case strings.HasPrefix(img.URL, "https://"), strings.HasPrefix(img.URL, "http://"):
		return nil
	case strings.HasPrefix(img.URL, "data:image/"):
		return nil
	}
	return errors.Wrapf(ErrInvalidImage, "%.40q", img.URL)
}

// SchemaNode declares a named JSON schema rendered into the prompt.
type SchemaNode struct {
	nodeBase
	name   string
	schema *schema.Schema
	format schema.Format
}

func (*SchemaNode) Kind() Kind     { return KindSchema }
func (n *SchemaNode) Name() string { return n.name }

// NewSchema creates a schema node. An empty format means TypeScript.
func NewSchema(name string, s *schema.Schema, format schema.Format, opts ...NodeOption) (*SchemaNode, error) {
	if name == "" {
		return nil, errors.Wrap(ErrMissingArgument, "schema name")
	}
	if s == nil {
		return nil, errors.Wrap(ErrMissingArgument, "schema")
	}
	return &SchemaNode{nodeBase: newBase(opts), name: name, schema: s, format: format}, nil
}

// FunctionHost is the file access available to function handlers.
type FunctionHost interface {
	ReadText(path string) (string, error)
	FindFiles(pattern string) ([]string, error)
}

// FunctionCall is one invocation of a declared function.
type FunctionCall struct {
	ID    string
	Name  string
	Args  map[string]any
	Raw   string
	Host  FunctionHost
	Trace *trace.Trace
}

// FunctionOutput is the normalized result of a function.
type FunctionOutput struct {
	Content string `json:"content"`
}

// FunctionHandler implements a declared function. Returning a string is
// shorthand for FunctionOutput{Content: s}.
type FunctionHandler func(ctx context.Context, call FunctionCall) (any, error)

// ChatFunction is a function the model may call.
type ChatFunction struct {
	Definition llm.ToolFunction
	Handler    FunctionHandler
}

// FunctionNode declares a ChatFunction.
type FunctionNode struct {
	nodeBase
	function ChatFunction
}

func (*FunctionNode) Kind() Kind { return KindFunction }

// NewFunction creates a function node. Parameters may be nil.
func NewFunction(name, description string, parameters *schema.Schema, fn FunctionHandler, opts ...NodeOption) (*FunctionNode, error) {
	if name == "" {
		return nil, errors.Wrap(ErrMissingArgument, "function name")
	}
	if fn == nil {
		return nil, errors.Wrapf(ErrMissingArgument, "function %s handler", name)
	}
	def := llm.ToolFunction{Name: name, Description: description}
	if parameters != nil {
		def.Parameters = parameters
	}
	return &FunctionNode{nodeBase: newBase(opts), function: ChatFunction{Definition: def, Handler: fn}}, nil
}

// FileMergeHandler combines a file's current content with generated
// content. Returning "" keeps the generated content.
type FileMergeHandler func(label, before, generated string) (string, error)

// FileMergeNode declares a FileMergeHandler.
type FileMergeNode struct {
	nodeBase
	merge FileMergeHandler
}

func (*FileMergeNode) Kind() Kind { return KindFileMerge }

// NewFileMerge creates a file merge node.
func NewFileMerge(fn FileMergeHandler, opts ...NodeOption) (*FileMergeNode, error) {
	if fn == nil {
		return nil, errors.Wrap(ErrMissingArgument, "file merge handler")
	}
	return &FileMergeNode{nodeBase: newBase(opts), merge: fn}, nil
}

// Output is the generated answer handed to output processors.
type Output struct {
	Text string
	// Files maps filenames to generated content.
	Files map[string]string
}

// OutputProcessor may rewrite the answer text and add generated files.
type OutputProcessor func(ctx context.Context, out *Output) error

// OutputProcessorNode declares an OutputProcessor.
type OutputProcessorNode struct {
	nodeBase
	process OutputProcessor
}

func (*OutputProcessorNode) Kind() Kind { return KindOutputProcessor }

// NewOutputProcessor creates an output processor node.
func NewOutputProcessor(fn OutputProcessor, opts ...NodeOption) (*OutputProcessorNode, error) {
	if fn == nil {
		return nil, errors.Wrap(ErrMissingArgument, "output processor")
	}
	return &OutputProcessorNode{nodeBase: newBase(opts), process: fn}, nil
}

// Prompt owns a node tree under construction. Appending is rejected once
// the prompt is closed.
type Prompt struct {
	mu     sync.Mutex
	root   *Root
	closed bool
}

// NewPrompt creates an open prompt with an empty root.
func NewPrompt() *Prompt {
	return &Prompt{root: &Root{}}
}

// Root returns the top of the tree.
func (p *Prompt) Root() *Root {
	return p.root
}

// Append adds child under parent, or under the root when parent is nil.
func (p *Prompt) Append(parent, child Node) error {
	if child == nil {
		return errors.Wrap(ErrMissingArgument, "child node")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPromptClosed
	}
	if parent == nil {
		parent = p.root
	}
	b := parent.base()
	b.children = append(b.children, child)
	return nil
}

// Close finalizes the prompt.
func (p *Prompt) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Closed reports whether Close was called.
func (p *Prompt) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
