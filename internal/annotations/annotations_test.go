package annotations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGitHub(t *testing.T) {
	text := "Some text\n" +
		"::warning file=main.py,line=3,endLine=3::typo\n" +
		"::error file=/abs/app.js, line=1, endLine=4::Missing semicolon\n" +
		"  ::notice file=skip.go,line=1,endLine=1::indented lines are ignored\n"

	got := Parse(text, "/project")
	require.Len(t, got, 2)
	assert.Equal(t, Diagnostic{
		Severity: Warning,
		Filename: "/project/main.py",
		Range:    Range{{2, 0}, {2, EndOfLine}},
		Message:  "typo",
	}, got[0])
	assert.Equal(t, "/abs/app.js", got[1].Filename)
	assert.Equal(t, Range{{0, 0}, {3, EndOfLine}}, got[1].Range)
	assert.Equal(t, Error, got[1].Severity)
}

func TestParseAzure(t *testing.T) {
	text := "##vso[task.logissue type=warning;sourcepath=consoleapp/main.cs;linenumber=7;columnnumber=1;code=100;]Found something.\r\n" +
		"##vso[task.logissue type=error;sourcepath=;linenumber=1]empty path is not an annotation\n"

	got := Parse(text, "/project")
	require.Len(t, got, 1)
	assert.Equal(t, Diagnostic{
		Severity: Warning,
		Filename: "/project/consoleapp/main.cs",
		Range:    Range{{6, 0}, {6, EndOfLine}},
		Message:  "Found something.",
	}, got[0])
}

func TestGitHubRoundTrip(t *testing.T) {
	cases := []Diagnostic{
		{Severity: Info, Filename: "/p/a.go", Range: Range{{0, 0}, {0, EndOfLine}}, Message: "note"},
		{Severity: Warning, Filename: "/p/b.go", Range: Range{{4, 0}, {9, EndOfLine}}, Message: "careful, here"},
		{Severity: Error, Filename: "/p/c.go", Range: Range{{12, 0}, {12, EndOfLine}}, Message: "broken"},
	}
	for _, want := range cases {
		t.Run(string(want.Severity), func(t *testing.T) {
			got := ParseGitHub(EncodeGitHub(want), "")
			require.Len(t, got, 1)
			assert.Equal(t, want, got[0])
		})
	}
}

func TestEncode(t *testing.T) {
	d := Diagnostic{Severity: Warning, Filename: "a.go", Range: Range{{2, 0}, {3, EndOfLine}}, Message: "m"}
	assert.Equal(t, "::warning file=a.go,line=3,endLine=4::m", EncodeGitHub(d))
	assert.Equal(t, "##vso[task.logissue type=warning;sourcepath=a.go;linenumber=3]m", EncodeAzure(d))

	d.Severity = Info
	assert.Equal(t, "::notice file=a.go,line=3,endLine=4::m", EncodeGitHub(d))
	assert.Equal(t, "##[debug]m at a.go", EncodeAzure(d))

	d.Severity = Error
	got := ParseAzure(EncodeAzure(d), "")
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].StartLine())
}

func TestToMarkdown(t *testing.T) {
	text := "intro\n" +
		"::error file=app.js,line=1,endLine=4::Missing semicolon\n" +
		"##vso[task.logissue type=warning;sourcepath=main.cs;linenumber=2]Odd\n"
	want := "intro\n" +
		"> [!CAUTION]\n> Missing semicolon (app.js#L1)\n\n" +
		"> [!WARNING]\n> Odd (main.cs#L2)\n\n"
	assert.Equal(t, want, ToMarkdown(text))
	assert.Equal(t, "plain", ToMarkdown("plain"))
}
