package diff

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestParseLLMDiffs(t *testing.T) {
	text := "--- a/main.go\n" +
		"+++ b/main.go\n" +
		"@@ -1,3 +1,3 @@\n" +
		" package main\n" +
		"-var x = 1\n" +
		"+var x = 2\n" +
		"@@ -10,2 +10,2 @@\n" +
		"[10] func main() {\n" +
		"-\tprintln(x)\n" +
		"+\tprintln(x, x)\n"

	chunks := ParseLLMDiffs(text)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if got := strings.Join(chunks[0].Old(), "|"); got != "package main|var x = 1" {
		t.Errorf("chunk 0 old = %q", got)
	}
	if got := strings.Join(chunks[0].New(), "|"); got != "package main|var x = 2" {
		t.Errorf("chunk 0 new = %q", got)
	}
	if chunks[1].Header != "@@ -10,2 +10,2 @@" {
		t.Errorf("chunk 1 header = %q", chunks[1].Header)
	}
	if got := chunks[1].Lines[0]; got.Kind != Context || got.Text != "func main() {" {
		t.Errorf("numbered line = %+v", got)
	}
}

func TestParseLLMDiffsWithoutHeaders(t *testing.T) {
	chunks := ParseLLMDiffs(" a\n-b\n+B\n c\n")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !chunks[0].Changed() {
		t.Error("chunk should report changes")
	}
	if len(ParseLLMDiffs("")) != 0 {
		t.Error("empty diff should have no chunks")
	}
}

func TestParseLLMDiffsDashedLines(t *testing.T) {
	chunks := ParseLLMDiffs(" local a = 1\n--- old comment\n+-- new comment\n local b = 2\n")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if got := strings.Join(chunks[0].Old(), "|"); got != "local a = 1|-- old comment|local b = 2" {
		t.Errorf("old = %q", got)
	}
	if got := strings.Join(chunks[0].New(), "|"); got != "local a = 1|-- new comment|local b = 2" {
		t.Errorf("new = %q", got)
	}

	chunks = ParseLLMDiffs("@@ -1,2 +1,2 @@\n x\n--- a\n+++ b\n")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if got := strings.Join(chunks[0].Old(), "|"); got != "x|-- a" {
		t.Errorf("old inside hunk = %q", got)
	}
	if got := strings.Join(chunks[0].New(), "|"); got != "x|++ b" {
		t.Errorf("new inside hunk = %q", got)
	}
}

func TestApplyRemovesDashedComment(t *testing.T) {
	source := "local a = 1\n-- old comment\nlocal b = 2\n"
	out := Apply(source, ParseLLMDiffs(" local a = 1\n--- old comment\n+-- new comment\n local b = 2\n"))
	if !out.Applied {
		t.Fatalf("not applied: %v", out.Errors)
	}
	want := "local a = 1\n-- new comment\nlocal b = 2\n"
	if out.Text != want {
		t.Errorf("Text = %q, want %q", out.Text, want)
	}
	if out.Strategy != "structural" {
		t.Errorf("Strategy = %q, want structural", out.Strategy)
	}
}

func TestApplyReplacesLine(t *testing.T) {
	out := Apply("a\nb\nc\n", ParseLLMDiffs(" a\n-b\n+B\n c\n"))
	if !out.Applied {
		t.Fatalf("not applied: %v", out.Errors)
	}
	if out.Text != "a\nB\nc\n" {
		t.Errorf("Text = %q, want %q", out.Text, "a\nB\nc\n")
	}
	if out.Strategy != "structural" {
		t.Errorf("Strategy = %q, want structural", out.Strategy)
	}
}

func TestStructuralSequential(t *testing.T) {
	source := "x\ny\nx\ny\n"
	chunks := ParseLLMDiffs("@@\n x\n-y\n+first\n@@\n x\n-y\n+second\n")
	got, err := Structural{}.Apply(source, chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "x\nfirst\nx\nsecond\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStructuralNoPartialCommit(t *testing.T) {
	chunks := ParseLLMDiffs("@@\n-a\n+A\n@@\n-missing\n+M\n")
	_, err := Structural{}.Apply("a\nb\n", chunks)
	if err == nil {
		t.Fatal("expected error")
	}
	if ae, ok := err.(*ApplyError); !ok || ae.ChunkIndex != 1 {
		t.Errorf("err = %v, want chunk 1 failure", err)
	}
	if !errors.Is(err, ErrAnchorNotFound) {
		t.Errorf("err = %v, want ErrAnchorNotFound", err)
	}
}

func TestStructuralAppendWithoutContext(t *testing.T) {
	got, err := Structural{}.Apply("a\n", ParseLLMDiffs("+b\n+c\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a\nb\nc\n" {
		t.Errorf("got %q", got)
	}
}

func TestApplyFallsBackToFuzzy(t *testing.T) {
	source := "func greet() {\n\tfmt.Println(\"hello, world\")\n\treturn\n}\n"
	// Context drifted: the model misremembered the greeting.
	chunks := ParseLLMDiffs(" func greet() {\n-\tfmt.Println(\"hello world\")\n+\tfmt.Println(\"goodbye\")\n \treturn\n")
	out := Apply(source, chunks)
	if !out.Applied {
		t.Fatalf("not applied: %v", out.Errors)
	}
	if out.Strategy != "fuzzy" {
		t.Errorf("Strategy = %q, want fuzzy", out.Strategy)
	}
	if len(out.Errors) != 2 {
		t.Errorf("got %d errors, want 2", len(out.Errors))
	}
	if !strings.Contains(out.Text, "goodbye") {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestApplyExhausted(t *testing.T) {
	source := "one\ntwo\n"
	chunks := ParseLLMDiffs("-completely unrelated text that is nowhere in the file\n+x\n")
	out := Apply(source, chunks, Structural{}, Lenient{})
	if out.Applied {
		t.Fatal("expected no strategy to apply")
	}
	if out.Text != source {
		t.Errorf("Text = %q, want source unchanged", out.Text)
	}
	if len(out.Errors) != 2 {
		t.Errorf("got %d errors, want 2", len(out.Errors))
	}
}

func TestOutcomeErr(t *testing.T) {
	out := Apply("a\n", ParseLLMDiffs("-zzz\n+y\n"), Structural{})
	if !errors.Is(out.Err(), ErrNoStrategy) {
		t.Errorf("Err() = %v, want ErrNoStrategy", out.Err())
	}
	var ae *ApplyError
	if !errors.As(out.Errors[0], &ae) {
		t.Fatalf("Errors[0] = %v, want *ApplyError", out.Errors[0])
	}
	if ok := Apply("a\n", nil).Err(); ok != nil {
		t.Errorf("empty patch Err() = %v, want nil", ok)
	}
}
