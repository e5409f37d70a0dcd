// Package fragment models the document a template runs against and the
// files it links to.
package fragment

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Position is a zero-based [line, column] pair.
type Position [2]int

// EndPos returns the position just past the last character of s.
func EndPos(s string) Position {
	lines := strings.Split(s, "\n")
	last := lines[len(lines)-1]
	return Position{len(lines) - 1, len(last)}
}

// LinkedFile is a file made available to a template.
type LinkedFile struct {
	// Label is the link text, "foo" for [foo](./foo.md).
	Label string `json:"label" yaml:"label"`
	// Filename is relative to the project folder, or a URL.
	Filename string `json:"filename" yaml:"filename"`
	Content  string `json:"content" yaml:"content"`
}

// Reference is a link found in a fragment.
type Reference struct {
	Name string
	// Filename is absolute for local links and the URL otherwise.
	Filename string
}

// IsURL reports whether the reference points at the web.
func (r Reference) IsURL() bool {
	return urlRx.MatchString(r.Filename)
}

// File is a parsed source document.
type File struct {
	Filename string
	Content  string
}

// Fragment is a region of a File. Parse produces one fragment spanning the
// whole document.
type Fragment struct {
	Title      string
	File       *File
	Parent     *Fragment
	Children   []*Fragment
	References []Reference
	StartPos   Position
	EndPos     Position
}

// All returns f followed by its descendants in document order.
func (f *Fragment) All() []*Fragment {
	out := []*Fragment{f}
	for _, c := range f.Children {
		out = append(out, c.All()...)
	}
	return out
}

var (
	urlRx    = regexp.MustCompile(`(?i)^https?://`)
	schemeRx = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// Parse reads the title and links of a markdown document. Local link
// targets are resolved against the document's directory.
func Parse(filename, content string) *Fragment {
	src := []byte(content)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	frag := &Fragment{
		File:   &File{Filename: filename, Content: content},
		EndPos: EndPos(content),
	}
	seen := map[string]bool{}
	dir := filepath.Dir(filename)

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Heading:
			if frag.Title == "" {
				frag.Title = string(n.Text(src))
			}
		case *ast.Link:
			target := resolveTarget(dir, string(n.Destination))
			if target != "" && !seen[target] {
				seen[target] = true
				frag.References = append(frag.References, Reference{Name: string(n.Text(src)), Filename: target})
			}
		}
		return ast.WalkContinue, nil
	})
	if frag.Title == "" {
		frag.Title = filepath.Base(filename)
	}
	return frag
}

func resolveTarget(dir, dest string) string {
	if dest == "" || strings.HasPrefix(dest, "#") {
		return ""
	}
	if urlRx.MatchString(dest) {
		return dest
	}
	if schemeRx.MatchString(dest) {
		// mailto:, vscode:, ...
		return ""
	}
	if i := strings.IndexAny(dest, "#?"); i >= 0 {
		dest = dest[:i]
	}
	if filepath.IsAbs(dest) {
		return filepath.Clean(dest)
	}
	return filepath.Join(dir, dest)
}
