package fragment

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/youruser/gptool/internal/host"
)

// Fetcher downloads web references.
type Fetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// maxParallelReads bounds concurrent reference reads.
const maxParallelReads = 8

// Linked is the set of files a fragment makes available to a template.
type Linked struct {
	Links   []LinkedFile
	Parents []LinkedFile
	// Missing lists references that could not be read, as trace lines.
	Missing []string
}

// Resolve reads every reference of frag and its children, plus the parent
// documents. Local files go through h; web links through fetch, which may
// be nil to skip them. Output order follows reference order.
func Resolve(ctx context.Context, h host.Host, frag *Fragment, fetch Fetcher) (*Linked, error) {
	var refs []Reference
	seen := map[string]bool{}
	for _, f := range frag.All() {
		for _, r := range f.References {
			if !seen[r.Filename] {
				seen[r.Filename] = true
				refs = append(refs, r)
			}
		}
	}

	links := make([]*LinkedFile, len(refs))
	missing := make([]string, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if ref.IsURL() {
				if fetch == nil {
					return nil
				}
				text, err := fetch.FetchText(gctx, ref.Filename)
				if err != nil {
					missing[i] = fmt.Sprintf("reference %s failed: %v", ref.Filename, err)
					return nil
				}
				links[i] = &LinkedFile{Label: ref.Name, Filename: ref.Filename, Content: text}
				return nil
			}
			if !h.Exists(ref.Filename, true) {
				missing[i] = fmt.Sprintf("reference %s not found", relTo(h.ProjectFolder(), ref.Filename))
				return nil
			}
			text, err := h.ReadText(ref.Filename)
			if err != nil {
				missing[i] = fmt.Sprintf("reference %s: %v", relTo(h.ProjectFolder(), ref.Filename), err)
				return nil
			}
			links[i] = &LinkedFile{Label: ref.Name, Filename: relTo(h.ProjectFolder(), ref.Filename), Content: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Linked{}
	for i := range refs {
		if links[i] != nil {
			out.Links = append(out.Links, *links[i])
		}
		if missing[i] != "" {
			out.Missing = append(out.Missing, missing[i])
		}
	}
	for p := frag.Parent; p != nil; p = p.Parent {
		out.Parents = append(out.Parents, LinkedFile{
			Label:    p.Title,
			Filename: relTo(h.ProjectFolder(), p.File.Filename),
			Content:  p.File.Content,
		})
	}
	return out, nil
}

// Current is the env.file view of the fragment's own document.
func Current(h host.Host, frag *Fragment) LinkedFile {
	return LinkedFile{
		Label:    "current",
		Filename: relTo(h.ProjectFolder(), frag.File.Filename),
		Content:  frag.File.Content,
	}
}

func relTo(base, path string) string {
	if !filepath.IsAbs(path) || base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
