package trace

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFence(t *testing.T) {
	tr := New()
	tr.Fence("a ``` b", "md")
	assert.Equal(t, "\n````md\na ``` b\n````\n\n", tr.Content())

	tr = New()
	tr.Fence(map[string]int{"n": 1}, "")
	assert.Equal(t, "\n```yaml\nn: 1\n```\n\n", tr.Content())
}

func TestError(t *testing.T) {
	tr := New()
	changes := 0
	tr.OnChange(func() { changes++ })

	tr.Error("request failed", errors.New("boom"))
	tr.Error("no cause", nil)

	assert.Equal(t, []string{"request failed: boom", "no cause"}, tr.Errors())
	assert.Contains(t, tr.Content(), "> [!CAUTION]\n> request failed: boom")
	assert.Equal(t, 2, changes)
}

func TestTable(t *testing.T) {
	tr := New()
	tr.Table([]string{"file", "message"}, nil)
	assert.Empty(t, tr.Content())

	tr.Table([]string{"file", "message"}, [][]string{{"a.go", "x | y\nz"}})
	assert.Equal(t, "\n| file | message |\n| --- | --- |\n| a.go | x \\| y z |\n\n", tr.Content())
}

func TestDetails(t *testing.T) {
	tr := New()
	tr.DetailsFenced("answer", "hello", "markdown")
	got := tr.Content()
	assert.True(t, strings.HasPrefix(got, "\n<details class=\"gptool\">\n<summary>\nanswer\n</summary>\n"))
	assert.Contains(t, got, "```markdown\nhello\n```")
	assert.True(t, strings.HasSuffix(got, "</details>\n\n"))
}
