package fragment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/gptool/internal/host"
)

const doc = `# Billing service

See [the api](./api.md) and [notes](notes/todo.md#later).
Also [docs](https://example.com/docs), [mail](mailto:a@b.c) and [top](#billing-service).
Again [the api](./api.md).
`

func TestParse(t *testing.T) {
	f := Parse("/project/spec/billing.gpspec.md", doc)

	assert.Equal(t, "Billing service", f.Title)
	assert.Equal(t, []Reference{
		{Name: "the api", Filename: "/project/spec/api.md"},
		{Name: "notes", Filename: "/project/spec/notes/todo.md"},
		{Name: "docs", Filename: "https://example.com/docs"},
	}, f.References)
	assert.True(t, f.References[2].IsURL())
	assert.Equal(t, Position{5, 0}, f.EndPos)
	assert.Len(t, f.All(), 1)
}

func TestParseUntitled(t *testing.T) {
	f := Parse("/project/plain.md", "no heading here")
	assert.Equal(t, "plain.md", f.Title)
	assert.Empty(t, f.References)
}

func TestEndPos(t *testing.T) {
	assert.Equal(t, Position{0, 0}, EndPos(""))
	assert.Equal(t, Position{0, 3}, EndPos("abc"))
	assert.Equal(t, Position{2, 1}, EndPos("a\nbb\nc"))
}

type stubFetcher map[string]string

func (s stubFetcher) FetchText(_ context.Context, url string) (string, error) {
	if text, ok := s[url]; ok {
		return text, nil
	}
	return "", errors.Newf("404 %s", url)
}

func TestResolve(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/spec/api.md", []byte("GET /invoices"), 0o644))
	h := host.NewWithFs("/project", fs)

	parent := Parse("/project/index.md", "# Index\n")
	frag := Parse("/project/spec/billing.gpspec.md", doc)
	frag.Parent = parent

	got, err := Resolve(context.Background(), h, frag, stubFetcher{"https://example.com/docs": "web docs"})
	require.NoError(t, err)

	assert.Equal(t, []LinkedFile{
		{Label: "the api", Filename: "spec/api.md", Content: "GET /invoices"},
		{Label: "docs", Filename: "https://example.com/docs", Content: "web docs"},
	}, got.Links)
	assert.Equal(t, []string{"reference spec/notes/todo.md not found"}, got.Missing)
	assert.Equal(t, []LinkedFile{{Label: "Index", Filename: "index.md", Content: "# Index\n"}}, got.Parents)

	cur := Current(h, frag)
	assert.Equal(t, "current", cur.Label)
	assert.Equal(t, filepath.ToSlash("spec/billing.gpspec.md"), cur.Filename)
}

func TestResolveChildrenAndVirtual(t *testing.T) {
	h := host.NewWithFs("/project", afero.NewMemMapFs())
	require.NoError(t, h.SetVirtualFile("draft.md", "virtual body"))

	frag := Parse("/project/a.md", "# A\n")
	frag.Children = []*Fragment{Parse("/project/b.md", "[draft](draft.md)")}

	got, err := Resolve(context.Background(), h, frag, nil)
	require.NoError(t, err)
	require.Len(t, got.Links, 1)
	assert.Equal(t, "virtual body", got.Links[0].Content)
	assert.Empty(t, got.Missing)
}

func TestResolveCanceled(t *testing.T) {
	h := host.NewWithFs("/project", afero.NewMemMapFs())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Resolve(ctx, h, Parse("/project/a.md", "[x](x.md)"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
