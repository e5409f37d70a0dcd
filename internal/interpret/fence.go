package interpret

import (
	"regexp"
	"strings"
)

// Kind is what a fence asks the interpreter to do.
type Kind string

const (
	KindNone       Kind = ""
	KindFile       Kind = "file"
	KindDiff       Kind = "diff"
	KindAnnotation Kind = "annotation"
	KindSummary    Kind = "summary"
)

// Fence is a fenced region of an answer.
type Fence struct {
	// Label is the text naming the fence, "File ./notes.md" for a fence
	// preceded by "File ./notes.md:".
	Label    string
	Language string
	Content  string
	Kind     Kind
	// Path is the target of file and diff fences, as written.
	Path string
}

var (
	openRx  = regexp.MustCompile("^\\s*(`{3,})\\s*(.*?)\\s*$")
	labelRx = regexp.MustCompile(`^(\w+):?\s+(\S+?):?$`)
	wordRx  = regexp.MustCompile(`^(\w+):$`)
	kindRx  = regexp.MustCompile(`(?i)^(file|diff):?\s+(.+?):?$`)
)

// ExtractFences returns the fences of text in order. An unterminated fence
// runs to the end of the text.
func ExtractFences(text string) []Fence {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var (
		out  []Fence
		prev string
	)
	for i := 0; i < len(lines); i++ {
		m := openRx.FindStringSubmatch(lines[i])
		if m == nil {
			if s := strings.TrimSpace(lines[i]); s != "" {
				prev = s
			}
			continue
		}
		marker, info := m[1], m[2]
		var body []string
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == marker {
				break
			}
			body = append(body, lines[j])
		}
		out = append(out, newFence(prev, info, strings.Join(body, "\n")))
		i = j
		prev = ""
	}
	return out
}

func newFence(prev, info, content string) Fence {
	f := Fence{Content: content}
	if label := labelOf(prev); classify(label, &f) {
		f.Label = label
	} else if classify(info, &f) {
		f.Label = info
		return f
	} else {
		f.Label = label
	}
	if fields := strings.Fields(info); len(fields) > 0 {
		f.Language = fields[0]
	}
	return f
}

func labelOf(line string) string {
	line = strings.Trim(line, "*`# ")
	if m := labelRx.FindStringSubmatch(line); m != nil {
		return m[1] + " " + m[2]
	}
	if m := wordRx.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// classify sets the kind and path of f from label and reports whether the
// label names a known kind.
func classify(label string, f *Fence) bool {
	label = strings.TrimSpace(label)
	if m := kindRx.FindStringSubmatch(label); m != nil {
		f.Kind = Kind(strings.ToLower(m[1]))
		f.Path = strings.Trim(m[2], "`")
		return true
	}
	switch strings.ToLower(label) {
	case "annotation", "annotations":
		f.Kind = KindAnnotation
		return true
	case "summary":
		f.Kind = KindSummary
		return true
	}
	return false
}
