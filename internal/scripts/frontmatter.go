package scripts

import (
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Document is a prompt script: YAML frontmatter and a template body.
type Document struct {
	Metadata Metadata
	Body     string
}

// Metadata holds the frontmatter of a script.
type Metadata struct {
	// ID defaults to the file name without its extension.
	ID          string `yaml:"id,omitempty"`
	Title       string `yaml:"title,omitempty"`
	Description string `yaml:"description,omitempty"`

	// System lists the system templates prepended to this one.
	System []string `yaml:"system,omitempty"`

	Model        string   `yaml:"model,omitempty"`
	Temperature  *float64 `yaml:"temperature,omitempty"`
	MaxTokens    *int     `yaml:"max_tokens,omitempty"`
	Seed         *int     `yaml:"seed,omitempty"`
	ResponseType string   `yaml:"response_type,omitempty"`

	// Type is "system" for system templates.
	Type string `yaml:"type,omitempty"`

	// Legacy renders the body as flat text instead of a prompt tree.
	Legacy bool `yaml:"legacy,omitempty"`
}

// ParseFrontmatter splits a script into metadata and body. Content that
// does not open with a "---" line has no frontmatter.
//
//	---
//	title: Summarize
//	temperature: 0
//	---
//	Summarize {{.File.Filename}}.
func ParseFrontmatter(content string) (*Document, error) {
	text := strings.ReplaceAll(strings.TrimPrefix(content, "\ufeff"), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return &Document{Body: content}, nil
	}

	lines := strings.Split(text, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], " \t") == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, errors.New("unterminated frontmatter")
	}

	var meta Metadata
	if raw := strings.Join(lines[1:end], "\n"); strings.TrimSpace(raw) != "" {
		if err := yaml.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, errors.Wrap(err, "failed to parse frontmatter YAML")
		}
	}
	if err := validateMetadata(&meta); err != nil {
		return nil, errors.Wrap(err, "invalid frontmatter")
	}
	body := strings.Join(lines[end+1:], "\n")
	return &Document{Metadata: meta, Body: strings.Trim(body, "\n")}, nil
}

func validateMetadata(m *Metadata) error {
	if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
		return errors.Newf("temperature must be between 0.0 and 2.0, got %f", *m.Temperature)
	}
	if m.MaxTokens != nil && *m.MaxTokens < 1 {
		return errors.Newf("max_tokens must be positive, got %d", *m.MaxTokens)
	}
	switch m.ResponseType {
	case "", "text", "json_object":
	default:
		return errors.Newf("response_type must be text or json_object, got %q", m.ResponseType)
	}
	switch m.Type {
	case "", "system", "user":
	default:
		return errors.Newf("type must be system or user, got %q", m.Type)
	}
	return nil
}
