package upstream

import (
	"net/url"
	"strings"

	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var linkParser = goldmark.New(goldmark.WithExtensions(extension.Linkify)).Parser()

// linkSources collects the web links of a markdown answer as its sources, in order of first
// appearance. Links without an http(s) URL are ignored.
func linkSources(answer string) []models.Source {
	src := []byte(answer)
	doc := linkParser.Parse(text.NewReader(src))

	var sources []models.Source
	seen := make(map[string]bool)
	add := func(title, dest string) {
		u, err := url.Parse(dest)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || seen[dest] {
			return
		}
		seen[dest] = true
		title = strings.TrimSpace(title)
		if title == "" {
			title = u.Host
		}
		sources = append(sources, models.Source{Title: title, URL: dest})
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch l := n.(type) {
		case *ast.Link:
			add(nodeText(l, src), string(l.Destination))
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			add("", string(l.URL(src)))
		}
		return ast.WalkContinue, nil
	})

	return sources
}

func nodeText(n ast.Node, src []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(src))
			continue
		}
		sb.WriteString(nodeText(c, src))
	}
	return sb.String()
}
