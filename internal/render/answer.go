// Package render turns assistant answers into the HTML shown in the chat view and the text printed by
// the terminal client.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
				highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
			),
		),
		// Answers may arrive as HTML fragments; the sanitizer below is the only filter.
		goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
	)

	policy = newPolicy()
)

func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)).
		OnElements("span", "pre", "code", "div", "table", "th", "td")
	p.AllowAttrs("tabindex").Matching(bluemonday.Integer).OnElements("pre")
	return p
}

// Answer renders an answer, markdown or an HTML fragment, into sanitized HTML. Tables are wrapped in a
// scrollable container and code blocks get a copy button.
func Answer(text string) (template.HTML, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}

	safe := policy.SanitizeReader(&buf)

	out, err := rewrite(safe.String())
	if err != nil {
		return "", err
	}
	return template.HTML(out), nil
}

// rewrite wraps every table and every pre element of the fragment.
func rewrite(fragment string) (string, error) {
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), root)
	if err != nil {
		return "", fmt.Errorf("failed to parse answer html: %w", err)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}

	var tables, pres []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Table:
				tables = append(tables, n)
			case atom.Pre:
				pres = append(pres, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	for _, n := range tables {
		wrap(n, "table-wrap")
	}
	for _, n := range pres {
		wrapper := wrap(n, "code-block")
		wrapper.InsertBefore(copyButton(), n)
	}

	var sb strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return "", fmt.Errorf("failed to render answer html: %w", err)
		}
	}
	return sb.String(), nil
}

func wrap(n *html.Node, class string) *html.Node {
	div := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr:     []html.Attribute{{Key: "class", Val: class}},
	}
	n.Parent.InsertBefore(div, n)
	n.Parent.RemoveChild(n)
	div.AppendChild(n)
	return div
}

func copyButton() *html.Node {
	btn := &html.Node{
		Type:     html.ElementNode,
		Data:     "button",
		DataAtom: atom.Button,
		Attr: []html.Attribute{
			{Key: "type", Val: "button"},
			{Key: "class", Val: "copy-code"},
		},
	}
	btn.AppendChild(&html.Node{Type: html.TextNode, Data: "Copy"})
	return btn
}
