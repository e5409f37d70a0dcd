package scripts

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/expander"
	"github.com/youruser/gptool/internal/promptdom"
	"github.com/youruser/gptool/internal/schema"
)

//go:embed builtin/*.gptool.md
var builtinFS embed.FS

type readFileArgs struct {
	Filename string `json:"filename" jsonschema:"description=Path of the file relative to the project root"`
}

type findFilesArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern such as src/**/*.go"`
}

// declarations adds Go-implemented functions to built-in scripts.
var declarations = map[string]func(expander.Context){
	"system.fs_read_file": func(c expander.Context) {
		c.DefFunction("fs_read_file", "Reads a project file as text.", schema.Reflect(&readFileArgs{}), readFile)
		c.DefFunction("fs_find_files", "Lists project files matching a glob pattern.", schema.Reflect(&findFilesArgs{}), findFiles)
	},
}

// Builtins returns the built-in system templates.
func Builtins() ([]*expander.Template, error) {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, errors.Wrap(err, "read builtin scripts")
	}
	var out []*expander.Template
	for _, e := range entries {
		name := path.Join("builtin", e.Name())
		content, err := builtinFS.ReadFile(name)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		t, err := Parse(name, string(content))
		if err != nil {
			return nil, err
		}
		if declare, ok := declarations[t.ID]; ok {
			build := t.Build
			t.Build = func(c expander.Context) error {
				declare(c)
				return build(c)
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// RegisterBuiltins adds the built-in system templates to reg.
func RegisterBuiltins(reg *expander.Registry) error {
	templates, err := Builtins()
	if err != nil {
		return err
	}
	for _, t := range templates {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(call promptdom.FunctionCall, name string) (string, error) {
	v, _ := call.Args[name].(string)
	if v == "" {
		return "", errors.Newf("%s: missing %q argument", call.Name, name)
	}
	return v, nil
}

func readFile(_ context.Context, call promptdom.FunctionCall) (any, error) {
	name, err := stringArg(call, "filename")
	if err != nil {
		return nil, err
	}
	if call.Host == nil {
		return nil, errors.New("fs_read_file: no file host")
	}
	rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "./")))
	if !filepath.IsLocal(rel) {
		return fmt.Sprintf("%s is outside of the project", name), nil
	}
	content, err := call.Host.ReadText(rel)
	if err != nil {
		log.Debug("fs_read_file %s: %v", name, err)
		return fmt.Sprintf("file %s not found", name), nil
	}
	if call.Trace != nil {
		call.Trace.Item(fmt.Sprintf("read `%s` (%d bytes)", name, len(content)))
	}
	return content, nil
}

func findFiles(_ context.Context, call promptdom.FunctionCall) (any, error) {
	pattern, err := stringArg(call, "pattern")
	if err != nil {
		return nil, err
	}
	if call.Host == nil {
		return nil, errors.New("fs_find_files: no file host")
	}
	files, err := call.Host.FindFiles(pattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return "no files found", nil
	}
	return strings.Join(files, "\n"), nil
}
