package fetch

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// boilerplate elements never contribute text.
var boilerplate = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Li: true,
	atom.Table: true, atom.Tr: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Figure: true, atom.Figcaption: true, atom.Br: true, atom.Hr: true,
}

type extractor struct {
	title string
	out   strings.Builder
}

// extractHTML returns the page title and its readable text with one
// blank line between blocks.
func extractHTML(raw []byte) (title, text string) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	var e extractor
	e.walk(doc)
	return strings.TrimSpace(e.title), tidy(e.out.String())
}

func (e *extractor) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		if n.DataAtom == atom.Title && e.title == "" {
			e.title = textOf(n)
			return
		}
		if n.DataAtom == atom.Head {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.DataAtom == atom.Title && e.title == "" {
					e.title = textOf(c)
				}
			}
			return
		}
		if boilerplate[n.DataAtom] {
			return
		}
		if blocks[n.DataAtom] {
			e.out.WriteString("\n")
			defer e.out.WriteString("\n")
		}
	case html.TextNode:
		if s := strings.TrimSpace(n.Data); s != "" {
			e.out.WriteString(s)
			e.out.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c)
	}
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		} else {
			sb.WriteString(textOf(c))
		}
	}
	return sb.String()
}

// tidy collapses spaces within lines and runs of blank lines.
func tidy(s string) string {
	var lines []string
	blank := true
	for line := range strings.SplitSeq(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		lines = append(lines, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
