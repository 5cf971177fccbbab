package extract

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Tr: true, atom.Table: true, atom.Section: true, atom.Article: true,
	atom.Blockquote: true, atom.Pre: true, atom.Ul: true, atom.Ol: true,
}

// HTML extracts visible text, separating block elements with blank lines.
func HTML(data []byte) ([]Section, error) {
	z := html.NewTokenizer(bytes.NewReader(data))

	var (
		b       strings.Builder
		skip    int
		title   string
		inTitle bool
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return []Section{{Text: collapseBlankLines(b.String()), Metadata: titleMeta(title)}}, nil
			}
			return nil, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Title {
				inTitle = tt == html.StartTagToken
			}
			if skippedElements[a] && tt == html.StartTagToken {
				skip++
			}
			if blockElements[a] {
				b.WriteString("\n\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Title {
				inTitle = false
			}
			if skippedElements[a] && skip > 0 {
				skip--
			}
			if blockElements[a] {
				b.WriteString("\n\n")
			}
		case html.TextToken:
			text := string(z.Text())
			if inTitle {
				title += strings.TrimSpace(text)
			}
			if skip > 0 {
				continue
			}
			if s := strings.Join(strings.Fields(text), " "); s != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(s)
			}
		}
	}
}

func titleMeta(title string) map[string]any {
	if title == "" {
		return nil
	}
	return map[string]any{"title": title}
}

// collapseBlankLines trims lines and keeps at most one blank line between paragraphs.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
