package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/youruser/gptool/internal/annotations"
	"github.com/youruser/gptool/internal/chat"
	"github.com/youruser/gptool/internal/config"
	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/output"
	"github.com/youruser/gptool/internal/runner"
)

type runFlags struct {
	model          string
	temperature    float64
	seed           int
	maxTokens      int
	retry          int
	retryDelay     int
	maxDelay       int
	label          string
	vars           []string
	prompt         bool
	outTrace       string
	outAnnotations string
	out            string
	json           bool
	yaml           bool
	applyEdits     bool
	failOnErrors   bool
	noCache        bool
	csvSeparator   string
	watch          bool
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <template|file.gptool.md> [files...]",
		Short: "Run a template against files",
		Long: `Run a template against a markdown document or a set of files.

A single markdown file is the document the template runs on. Other files are
linked from a virtual specification document.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, f, args[0], args[1:])
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.model, "model", "m", "", "model name")
	fl.Float64VarP(&f.temperature, "temperature", "t", 0, "sampling temperature")
	fl.IntVar(&f.seed, "seed", 0, "sampling seed")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "maximum completion tokens")
	fl.IntVarP(&f.retry, "retry", "r", 8, "number of retries for a completion request")
	fl.IntVar(&f.retryDelay, "retry-delay", 15000, "minimum delay between retries in milliseconds")
	fl.IntVar(&f.maxDelay, "max-delay", 180000, "maximum delay between retries in milliseconds")
	fl.StringVarP(&f.label, "label", "l", "", "label for the run")
	fl.StringSliceVar(&f.vars, "vars", nil, "template variables as name=value")
	fl.BoolVar(&f.prompt, "prompt", false, "expand the prompt and skip the model")
	fl.StringVar(&f.outTrace, "out-trace", "", "write the trace to a file")
	fl.StringVar(&f.outAnnotations, "out-annotations", "", "write annotations (.csv, .tsv, .jsonl, .yaml, .sarif or .json)")
	fl.StringVarP(&f.out, "out", "o", "", "write the result bundle to a directory or .json file")
	fl.BoolVar(&f.json, "json", false, "print the result as JSON")
	fl.BoolVar(&f.yaml, "yaml", false, "print the result as YAML")
	fl.BoolVar(&f.applyEdits, "apply-edits", false, "write file edits to disk")
	fl.BoolVar(&f.failOnErrors, "fail-on-errors", false, "exit with an error code when error annotations are found")
	fl.BoolVar(&f.noCache, "no-cache", false, "bypass the completion cache")
	fl.StringVar(&f.csvSeparator, "csv-separator", "\t", "separator for .csv annotation output")
	fl.BoolVarP(&f.watch, "watch", "w", false, "re-run when the template or files change")
	return cmd
}

// applyFlags copies explicitly set retry flags into cfg.
func applyFlags(cmd *cobra.Command, f *runFlags, cfg *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("retry") {
		cfg.Retry = f.retry
	}
	if fl.Changed("retry-delay") {
		cfg.RetryDelayMs = f.retryDelay
	}
	if fl.Changed("max-delay") {
		cfg.MaxDelayMs = f.maxDelay
	}
	return cfg.Validate()
}

func runOptions(cmd *cobra.Command, f *runFlags) (runner.Options, error) {
	vars, err := parseVars(f.vars)
	if err != nil {
		return runner.Options{}, err
	}
	opts := runner.Options{
		Model:   f.model,
		Label:   f.label,
		Vars:    vars,
		SkipLLM: f.prompt,
	}
	fl := cmd.Flags()
	if fl.Changed("temperature") {
		opts.Temperature = &f.temperature
	}
	if fl.Changed("seed") {
		opts.Seed = &f.seed
	}
	if fl.Changed("max-tokens") {
		opts.MaxTokens = &f.maxTokens
	}
	return opts, nil
}

// parseVars reads name=value pairs.
func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Newf("invalid variable %q, expected name=value", p)
		}
		vars[name] = value
	}
	return vars, nil
}

func runRun(cmd *cobra.Command, f *runFlags, tmplName string, files []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, f, cfg); err != nil {
		return err
	}
	opts, err := runOptions(cmd, f)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	w, err := openWorkspace(wd, cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var completer llm.Completer
	if !f.prompt {
		if completer, err = w.completer(f.noCache); err != nil {
			return err
		}
	}
	if f.watch {
		return watch(ctx, cmd, w, completer, f, opts, tmplName, files)
	}
	res, err := runOnce(ctx, cmd, w, completer, f, opts, tmplName, files)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), w, f, res)
}

func runOnce(ctx context.Context, cmd *cobra.Command, w *workspace, completer llm.Completer, f *runFlags, opts runner.Options, tmplName string, files []string) (*runner.Result, error) {
	tmpl, err := w.template(tmplName)
	if err != nil {
		return nil, err
	}
	frag, err := w.fragment(files)
	if err != nil {
		return nil, err
	}

	var spinner *pterm.SpinnerPrinter
	if !f.json && !f.yaml && isTerminal(cmd.OutOrStdout()) {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("%s: expanding", tmpl.Title))
		opts.OnState = func(s chat.State) {
			spinner.UpdateText(fmt.Sprintf("%s: %s", tmpl.Title, s))
		}
	}

	res, err := runner.RunTemplate(ctx, runner.Deps{Expander: w.expander, Completer: completer, Host: w.host}, tmpl, frag, opts)
	if spinner != nil {
		switch {
		case err != nil:
			spinner.Fail(err.Error())
		case res.Error != nil:
			spinner.Fail(fmt.Sprintf("%s: %v", tmpl.Title, res.Error))
		case res.Cancelled:
			spinner.Warning(fmt.Sprintf("%s: cancelled", tmpl.Title))
		default:
			spinner.Success(tmpl.Title)
		}
	}
	return res, err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// report prints and writes the outputs of res and returns the error that
// decides the exit code.
func report(stdout io.Writer, w *workspace, f *runFlags, res *runner.Result) error {
	switch {
	case f.json:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	case f.yaml:
		if err := yaml.NewEncoder(stdout).Encode(res); err != nil {
			return err
		}
	case f.prompt && res.Prompt != nil:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Prompt); err != nil {
			return err
		}
	case res.Text != "":
		fmt.Fprintln(stdout, res.Text)
	}
	printCIAnnotations(stdout, res.Annotations)

	if f.outTrace != "" && res.Trace != nil {
		if err := afero.WriteFile(w.disk, f.outTrace, []byte(res.Trace.Content()), 0o644); err != nil {
			return errors.Wrap(err, "write trace")
		}
	}
	if f.outAnnotations != "" {
		sep := '\t'
		if r := []rune(f.csvSeparator); len(r) > 0 {
			sep = r[0]
		}
		if err := output.WriteAnnotations(w.disk, f.outAnnotations, res.Annotations, output.ReportOptions{Separator: sep, Tool: "gptool"}); err != nil {
			return err
		}
	}
	if f.out != "" {
		if _, err := output.WriteBundle(w.disk, f.out, res, "gptool"); err != nil {
			return err
		}
	}
	if f.applyEdits && res.Error == nil && len(res.FileEdits) > 0 {
		written, err := output.ApplyFileEdits(w.host, res.FileEdits)
		if err != nil {
			return err
		}
		for _, fn := range written {
			log.Info("applied edit to %s", fn)
		}
	}
	return resultError(res, f.failOnErrors)
}

// resultError maps a run result to its exit code error.
func resultError(res *runner.Result, failOnErrors bool) error {
	if res.Error != nil {
		var reqErr *llm.RequestError
		if errors.As(res.Error, &reqErr) && reqErr.Status > 0 && reqErr.Status <= 255 {
			return withExitCode(reqErr.Status, res.Error)
		}
		return withExitCode(exitRuntimeError, res.Error)
	}
	if failOnErrors && res.ErrorAnnotations() > 0 {
		return withExitCode(exitAnnotationError, errors.Newf("%d error annotations found", res.ErrorAnnotations()))
	}
	return nil
}

// printCIAnnotations echoes annotations in the grammar of the CI system the
// process runs under.
func printCIAnnotations(w io.Writer, diags []annotations.Diagnostic) {
	var encode func(annotations.Diagnostic) string
	switch {
	case os.Getenv("GITHUB_ACTIONS") == "true":
		encode = annotations.EncodeGitHub
	case os.Getenv("TF_BUILD") == "True":
		encode = annotations.EncodeAzure
	default:
		return
	}
	for _, d := range diags {
		fmt.Fprintln(w, encode(d))
	}
}
