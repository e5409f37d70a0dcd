// Package scripts loads prompt templates from .gptool.md files and
// registers the built-in system templates.
package scripts

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/youruser/gptool/internal/expander"
	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/logging"
)

var log = logging.Get()

// Ext is the file extension of prompt scripts.
const Ext = ".gptool.md"

// data is what a script body sees as ".".
type data struct {
	Env           *expander.Env
	File          fragment.LinkedFile
	Links         []fragment.LinkedFile
	Parents       []fragment.LinkedFile
	Vars          map[string]string
	Template      expander.TemplateInfo
	Fence         string
	MarkdownFence string
	Error         string
}

var funcs = template.FuncMap{
	"fence": func(lang, body string) string {
		return expander.FenceBlock(body, expander.DefOptions{Language: lang})
	},
	"def": func(name, body string) string {
		return name + ":\n" + expander.FenceBlock(body, expander.DefOptions{})
	},
	"defFiles": func(files []fragment.LinkedFile) string {
		var b strings.Builder
		for _, f := range files {
			b.WriteString("File " + f.Filename + ":\n")
			b.WriteString(expander.FenceBlock(f.Content, expander.DefOptions{}))
			b.WriteString("\n")
		}
		return b.String()
	},
	"numbered": expander.NumberLines,
	"trim":     strings.TrimSpace,
	"upper":    strings.ToUpper,
	"lower":    strings.ToLower,
	"join":     func(sep string, items []string) string { return strings.Join(items, sep) },
}

// IDFromFilename strips the directory and Ext.
func IDFromFilename(filename string) string {
	base := filepath.Base(filename)
	if strings.HasSuffix(strings.ToLower(base), Ext) {
		return base[:len(base)-len(Ext)]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Parse compiles a script into a template.
func Parse(filename, content string) (*expander.Template, error) {
	doc, err := ParseFrontmatter(content)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", filename)
	}
	m := doc.Metadata
	id := m.ID
	if id == "" {
		id = IDFromFilename(filename)
	}
	body, err := template.New(id).Funcs(funcs).Option("missingkey=zero").Parse(doc.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: parse body", filename)
	}

	t := &expander.Template{
		ID:           id,
		Title:        m.Title,
		Description:  m.Description,
		System:       m.System,
		Model:        m.Model,
		Temperature:  m.Temperature,
		MaxTokens:    m.MaxTokens,
		Seed:         m.Seed,
		ResponseType: m.ResponseType,
		IsSystem:     m.Type == "system",
		Legacy:       m.Legacy,
		Source:       filename,
	}
	t.Build = func(c expander.Context) error {
		env := c.Env()
		var out strings.Builder
		err := body.Execute(&out, data{
			Env:           env,
			File:          env.File(),
			Links:         env.Links(),
			Parents:       env.Parents(),
			Vars:          env.Vars(),
			Template:      env.Template(),
			Fence:         expander.Fence,
			MarkdownFence: expander.MarkdownFence,
			Error:         expander.ErrorSentinel,
		})
		if err != nil {
			return errors.Wrapf(err, "execute %s", id)
		}
		c.Text(strings.TrimRight(out.String(), "\r\n"))
		return nil
	}
	return t, nil
}

// LoadDir parses every script under dir. Hidden directories are skipped.
// Results are sorted by id.
func LoadDir(fsys afero.Fs, dir string) ([]*expander.Template, error) {
	var out []*expander.Template
	err := afero.Walk(fsys, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != dir && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(info.Name()), Ext) {
			return nil
		}
		content, err := afero.ReadFile(fsys, path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		t, err := Parse(path, string(content))
		if err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadInto registers the scripts under dir, replacing templates with the
// same id. It returns the number of scripts loaded.
func LoadInto(reg *expander.Registry, fsys afero.Fs, dir string) (int, error) {
	templates, err := LoadDir(fsys, dir)
	if err != nil {
		return 0, err
	}
	for _, t := range templates {
		if _, exists := reg.Get(t.ID); exists {
			log.Debug("script %s overrides template %s", t.Source, t.ID)
		}
		if err := reg.Replace(t); err != nil {
			return 0, err
		}
	}
	return len(templates), nil
}
