package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/meitheal/steward/internal/content"
)

// PageOutline is the structural summary inspect_page returns.
type PageOutline struct {
	Path     string    `json:"path"`
	Title    string    `json:"title"`
	Nav      []NavLink `json:"nav"`
	Headings []Heading `json:"headings"`
	Scripts  []string  `json:"scripts"`
	Styles   []string  `json:"stylesheets"`
	Forms    int       `json:"forms"`
}

// NavLink is an anchor inside a <nav> element.
type NavLink struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// Heading is an h1-h6 element.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

var headingLevels = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3,
	atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

func (e *Executor) inspectPage(ctx context.Context, _ *Invocation, args map[string]any) (any, error) {
	p, err := cleanPath(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	f, err := e.deps.Repo.Get(ctx, p)
	if errors.Is(err, content.ErrNotFound) {
		return nil, fmt.Errorf("file not found: %s", p)
	}
	if err != nil {
		return nil, err
	}
	return OutlineHTML(p, f.Content)
}

// OutlineHTML parses raw as HTML and extracts its outline.
func OutlineHTML(path, raw string) (*PageOutline, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := &PageOutline{
		Path:     path,
		Nav:      []NavLink{},
		Headings: []Heading{},
		Scripts:  []string{},
		Styles:   []string{},
	}
	walkOutline(doc, out, false)
	return out, nil
}

func walkOutline(n *html.Node, out *PageOutline, inNav bool) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if out.Title == "" {
				out.Title = textOf(n)
			}
		case atom.Nav:
			inNav = true
		case atom.A:
			if inNav {
				out.Nav = append(out.Nav, NavLink{Text: textOf(n), Href: attr(n, "href")})
			}
		case atom.Script:
			if src := attr(n, "src"); src != "" {
				out.Scripts = append(out.Scripts, src)
			} else {
				out.Scripts = append(out.Scripts, "(inline)")
			}
		case atom.Link:
			if strings.EqualFold(attr(n, "rel"), "stylesheet") {
				out.Styles = append(out.Styles, attr(n, "href"))
			}
		case atom.Form:
			out.Forms++
		}
		if level, ok := headingLevels[n.DataAtom]; ok {
			out.Headings = append(out.Headings, Heading{Level: level, Text: textOf(n)})
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkOutline(c, out, inNav)
	}
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
