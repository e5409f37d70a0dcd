package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/youruser/gptool/internal/config"
	"github.com/youruser/gptool/internal/expander"
	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/host"
	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/scripts"
)

// scriptDirs are searched for .gptool.md files, relative to the project.
var scriptDirs = []string{"scripts", filepath.Join(".gptool", "scripts")}

// specFile is the virtual document created when a run targets plain files.
const specFile = "gptool.gpspec.md"

// errFilesNotFound lists the run arguments that do not exist.
var errFilesNotFound = errors.New("files not found")

// workspace is the project a command works on.
type workspace struct {
	cfg      *config.Config
	disk     afero.Fs
	host     *host.FS
	registry *expander.Registry
	expander *expander.Expander
	cache    *llm.Cache
}

func openWorkspace(dir string, cfg *config.Config) (*workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve project folder")
	}
	return newWorkspace(abs, afero.NewOsFs(), cfg)
}

func newWorkspace(root string, disk afero.Fs, cfg *config.Config) (*workspace, error) {
	h := host.NewWithFs(root, disk)
	reg := expander.NewRegistry()
	if err := scripts.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	for _, d := range scriptDirs {
		p := filepath.Join(root, d)
		if ok, _ := afero.DirExists(disk, p); !ok {
			continue
		}
		n, err := scripts.LoadInto(reg, disk, p)
		if err != nil {
			return nil, err
		}
		log.Debug("loaded %d scripts from %s", n, p)
	}

	x := expander.New(reg, h)
	x.DefaultModel = cfg.Model
	temp := cfg.Temperature
	x.DefaultTemperature = &temp
	return &workspace{cfg: cfg, disk: disk, host: h, registry: reg, expander: x}, nil
}

func (w *workspace) Close() {
	if w.cache != nil {
		if err := w.cache.Close(); err != nil {
			log.Warn("close cache: %v", err)
		}
		w.cache = nil
	}
}

// completer builds the completion client, cached unless noCache is set or
// caching is disabled in the config.
func (w *workspace) completer(noCache bool) (llm.Completer, error) {
	if err := w.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	var c llm.Completer = llm.NewClient(llm.ClientOptions{
		BaseURL:    w.cfg.BaseURL,
		APIKey:     w.cfg.APIKey,
		Retry:      w.cfg.Retry,
		RetryDelay: w.cfg.RetryDelay(),
		MaxDelay:   w.cfg.MaxDelay(),
		Logger:     log.Sugar(),
	})
	if noCache || !w.cfg.Cache {
		return c, nil
	}
	if w.cache == nil {
		cache, err := llm.OpenCache(w.cfg.CachePath)
		if err != nil {
			log.Warn("completion cache disabled: %v", err)
			return c, nil
		}
		w.cache = cache
	}
	return &llm.CachedCompleter{Inner: c, Cache: w.cache, MaxTemperature: w.cfg.MaxCachedTemperature}, nil
}

// template resolves a registered template id or a .gptool.md file.
func (w *workspace) template(name string) (*expander.Template, error) {
	if !strings.HasSuffix(strings.ToLower(name), scripts.Ext) {
		return w.registry.Lookup(name)
	}
	p := w.host.ResolvePath(name)
	content, err := afero.ReadFile(w.disk, p)
	if err != nil {
		return nil, withExitCode(exitFilesNotFound, errors.Wrapf(errFilesNotFound, "script %s", name))
	}
	t, err := scripts.Parse(p, string(content))
	if err != nil {
		return nil, err
	}
	if err := w.registry.Replace(t); err != nil {
		return nil, err
	}
	return t, nil
}

// fragment returns the document a run works on. A single markdown file is
// used as is; anything else is linked from a virtual specification.
func (w *workspace) fragment(files []string) (*fragment.Fragment, error) {
	var missing []string
	abs := make([]string, 0, len(files))
	for _, f := range files {
		p := w.host.ResolvePath(f)
		if !w.host.Exists(p, true) {
			missing = append(missing, f)
			continue
		}
		abs = append(abs, p)
	}
	if len(missing) > 0 {
		return nil, withExitCode(exitFilesNotFound, errors.Wrapf(errFilesNotFound, "%s", strings.Join(missing, ", ")))
	}

	if len(abs) == 1 && strings.EqualFold(filepath.Ext(abs[0]), ".md") {
		content, err := w.host.ReadText(abs[0])
		if err != nil {
			return nil, err
		}
		return fragment.Parse(abs[0], content), nil
	}

	spec := filepath.Join(w.host.ProjectFolder(), specFile)
	var b strings.Builder
	b.WriteString("# Specification\n\n")
	for _, p := range abs {
		rel, err := filepath.Rel(w.host.ProjectFolder(), p)
		if err != nil {
			rel = p
		}
		rel = filepath.ToSlash(rel)
		fmt.Fprintf(&b, "-   [%s](./%s)\n", filepath.Base(p), rel)
	}
	if err := w.host.SetVirtualFile(spec, b.String()); err != nil {
		return nil, err
	}
	return fragment.Parse(spec, b.String()), nil
}

// loadConfig reads the configuration, honoring GPTOOL_CONFIG for an explicit
// file.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("GPTOOL_CONFIG"); path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}
