package knowledge

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// maxChunkLen bounds a chunk's size; longer sections are split on blank lines.
const maxChunkLen = 2000

// Chunk is one searchable section of a policy document.
type Chunk struct {
	ID      string
	Title   string
	Source  string
	Content string
}

// Discover returns the files under fsys matching any of the patterns,
// sorted and without duplicates.
func Discover(fsys fs.FS, patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, p := range patterns {
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// ChunkMarkdown splits a markdown document into sections at headings up to
// level 3. Text before the first heading is titled after the file.
func ChunkMarkdown(source string, data []byte) []Chunk {
	doc := goldmark.New().Parser().Parse(text.NewReader(data))

	type cut struct {
		offset int
		title  string
	}
	var cuts []cut
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > 3 || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		cuts = append(cuts, cut{
			offset: lineStart(data, seg.Start),
			title:  strings.TrimSpace(string(h.Lines().Value(data))),
		})
	}

	fallback := strings.TrimSuffix(path.Base(source), path.Ext(source))
	var sections []cut
	if len(cuts) == 0 || cuts[0].offset > 0 {
		sections = append(sections, cut{offset: 0, title: fallback})
	}
	sections = append(sections, cuts...)

	var chunks []Chunk
	for i, sec := range sections {
		end := len(data)
		if i+1 < len(sections) {
			end = sections[i+1].offset
		}
		body := strings.TrimSpace(string(data[sec.offset:end]))
		if body == "" {
			continue
		}
		for _, part := range splitLong(body) {
			chunks = append(chunks, Chunk{
				ID:      fmt.Sprintf("%s#%d", source, len(chunks)),
				Title:   sec.title,
				Source:  source,
				Content: part,
			})
		}
	}
	return chunks
}

func lineStart(data []byte, pos int) int {
	for pos > 0 && data[pos-1] != '\n' {
		pos--
	}
	return pos
}

func splitLong(body string) []string {
	if len(body) <= maxChunkLen {
		return []string{body}
	}
	var out []string
	var cur strings.Builder
	for _, para := range strings.Split(body, "\n\n") {
		if cur.Len() > 0 && cur.Len()+len(para)+2 > maxChunkLen {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
