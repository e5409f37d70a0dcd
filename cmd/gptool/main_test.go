package main

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/annotations"
	"github.com/youruser/gptool/internal/config"
	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/runner"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), exitRuntimeError},
		{"files", withExitCode(exitFilesNotFound, errFilesNotFound), exitFilesNotFound},
		{"wrapped", errors.Wrap(withExitCode(exitAnnotationError, nil), "run"), exitAnnotationError},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("%s: exitCode = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"lang=go", "empty=", "expr=a=b"})
	if err != nil {
		t.Fatalf("parseVars: %v", err)
	}
	want := map[string]string{"lang": "go", "empty": "", "expr": "a=b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseVars = %v, want %v", got, want)
	}

	for _, bad := range []string{"novalue", "=x", " =x"} {
		if _, err := parseVars([]string{bad}); err == nil {
			t.Errorf("parseVars(%q) succeeded, want error", bad)
		}
	}

	got, err = parseVars(nil)
	if err != nil || got != nil {
		t.Fatalf("parseVars(nil) = %v, %v", got, err)
	}
}

func TestResultError(t *testing.T) {
	withErrors := &runner.Result{Annotations: []annotations.Diagnostic{{Severity: annotations.Error, Filename: "a.go"}}}
	if err := resultError(withErrors, false); err != nil {
		t.Fatalf("resultError without fail-on-errors = %v", err)
	}
	if got := exitCode(resultError(withErrors, true)); got != exitAnnotationError {
		t.Fatalf("fail-on-errors exit code = %d, want %d", got, exitAnnotationError)
	}

	reqErr := &runner.Result{Error: errors.Wrap(&llm.RequestError{Status: 429, StatusText: "Too Many Requests"}, "complete")}
	if got := exitCode(resultError(reqErr, false)); got != exitRuntimeError {
		t.Fatalf("status 429 exit code = %d, want %d", got, exitRuntimeError)
	}

	small := &runner.Result{Error: &llm.RequestError{Status: 42}}
	if got := exitCode(resultError(small, false)); got != 42 {
		t.Fatalf("status 42 exit code = %d, want 42", got)
	}

	failed := &runner.Result{Error: errors.New("template failed")}
	if got := exitCode(resultError(failed, true)); got != exitRuntimeError {
		t.Fatalf("failed run exit code = %d, want %d", got, exitRuntimeError)
	}
}

func TestPrintCIAnnotations(t *testing.T) {
	diags := []annotations.Diagnostic{{Severity: annotations.Warning, Filename: "a.go", Range: annotations.Range{{0, 0}, {1, 0}}, Message: "careful"}}

	t.Setenv("GITHUB_ACTIONS", "")
	t.Setenv("TF_BUILD", "")
	var buf bytes.Buffer
	printCIAnnotations(&buf, diags)
	if buf.Len() != 0 {
		t.Fatalf("outside CI printed %q", buf.String())
	}

	t.Setenv("GITHUB_ACTIONS", "true")
	printCIAnnotations(&buf, diags)
	if want := annotations.EncodeGitHub(diags[0]) + "\n"; buf.String() != want {
		t.Fatalf("github output = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	t.Setenv("GITHUB_ACTIONS", "")
	t.Setenv("TF_BUILD", "True")
	printCIAnnotations(&buf, diags)
	if want := annotations.EncodeAzure(diags[0]) + "\n"; buf.String() != want {
		t.Fatalf("azure output = %q, want %q", buf.String(), want)
	}
}

func TestWriteConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.APIKey = "sk-secret"

	var buf bytes.Buffer
	if err := writeConfig(&buf, cfg, "json"); err != nil {
		t.Fatalf("writeConfig json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["api_key"] != "********" {
		t.Fatalf("api_key = %v, want masked", decoded["api_key"])
	}
	if cfg.APIKey != "sk-secret" {
		t.Fatalf("writeConfig modified the config")
	}

	for _, format := range []string{"toml", "yaml"} {
		buf.Reset()
		if err := writeConfig(&buf, cfg, format); err != nil {
			t.Fatalf("writeConfig %s: %v", format, err)
		}
		if strings.Contains(buf.String(), "sk-secret") || !strings.Contains(buf.String(), "model") {
			t.Fatalf("%s output = %q", format, buf.String())
		}
	}

	if err := writeConfig(&buf, cfg, "xml"); err == nil {
		t.Fatal("writeConfig xml succeeded, want error")
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "scripts", "serve", "config"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %s not registered", name)
		}
	}
	if !strings.HasPrefix(root.Version, strings.TrimSpace(version)) {
		t.Errorf("version = %q", root.Version)
	}
}
