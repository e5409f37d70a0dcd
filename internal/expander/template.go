package expander

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/promptdom"
)

var (
	ErrTemplateNotFound  = errors.New("template not found")
	ErrTemplateFailed    = errors.New("template failed")
	ErrDuplicateTemplate = errors.New("duplicate template id")
	ErrInvalidTemplate   = errors.New("invalid template")
)

// DefaultSystem is used when a template lists no system templates.
var DefaultSystem = []string{"system", "system.explanations", "system.files", "system.summary"}

// Response types.
const (
	ResponseText = "text"
	ResponseJSON = "json_object"
)

// Template is a registered prompt builder.
type Template struct {
	ID          string
	Title       string
	Description string
	// System lists system template ids, DefaultSystem when empty.
	System       []string
	Model        string
	Temperature  *float64
	MaxTokens    *int
	Seed         *int
	ResponseType string
	// FileMerge runs ahead of the merge handlers the prompt declares.
	FileMerge promptdom.FileMergeHandler
	IsSystem  bool
	// Legacy selects the flat text context instead of the node tree.
	Legacy bool
	Build  func(Context) error
	// Source is the file the template was loaded from, if any.
	Source string
}

// Info returns the identity exposed as env.template.
func (t *Template) Info() TemplateInfo {
	return TemplateInfo{ID: t.ID, Title: t.Title, Description: t.Description}
}

// SystemIDs returns the effective system template list.
func (t *Template) SystemIDs() []string {
	if len(t.System) > 0 {
		return t.System
	}
	return DefaultSystem
}

// Registry holds templates by id.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register adds t. Ids are unique.
func (r *Registry) Register(t *Template) error {
	if t == nil || t.ID == "" {
		return errors.Wrap(ErrInvalidTemplate, "missing id")
	}
	if t.Build == nil {
		return errors.Wrapf(ErrInvalidTemplate, "%s: missing build function", t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[t.ID]; ok {
		return errors.Wrapf(ErrDuplicateTemplate, "%s", t.ID)
	}
	if t.Title == "" {
		t.Title = t.ID
	}
	r.templates[t.ID] = t
	return nil
}

// Replace adds t, overwriting a template with the same id.
func (r *Registry) Replace(t *Template) error {
	r.mu.Lock()
	delete(r.templates, t.ID)
	r.mu.Unlock()
	return r.Register(t)
}

func (r *Registry) Get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// Lookup is Get returning ErrTemplateNotFound.
func (r *Registry) Lookup(id string) (*Template, error) {
	if t, ok := r.Get(id); ok {
		return t, nil
	}
	return nil, errors.Wrapf(ErrTemplateNotFound, "%s", id)
}

// List returns all templates sorted by id.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
