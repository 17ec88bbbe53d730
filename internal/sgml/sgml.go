// Package sgml is a thin querying layer over golang.org/x/net/html for the
// scraping backends and the script bridge. It deals only in element nodes
// and tolerates the malformed markup real boards serve.
package sgml

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

type Document struct {
	root *html.Node
}

type Tag struct {
	node *html.Node
}

// Parse never fails on bad markup; x/net/html recovers the way browsers do.
func Parse(src string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	return &Document{root: root}, nil
}

func (d *Document) Root() *Tag {
	return &Tag{node: d.root}
}

// ElementsByName returns every element with the given tag name, in
// document order.
func (d *Document) ElementsByName(name string) []*Tag {
	return collect(d.root, func(n *html.Node) bool {
		return n.Data == name
	})
}

// ElementsByAttr returns elements matching tag name (empty matches any)
// whose attribute value matches the pattern.
func (d *Document) ElementsByAttr(name, attr string, pattern *regexp.Regexp) []*Tag {
	return collect(d.root, func(n *html.Node) bool {
		if name != "" && n.Data != name {
			return false
		}
		for _, a := range n.Attr {
			if a.Key == attr && pattern.MatchString(a.Val) {
				return true
			}
		}
		return false
	})
}

// FirstElement returns the first match of ElementsByAttr or nil.
func (d *Document) FirstElement(name, attr string, pattern *regexp.Regexp) *Tag {
	if tags := d.ElementsByAttr(name, attr, pattern); len(tags) > 0 {
		return tags[0]
	}
	return nil
}

func collect(root *html.Node, match func(*html.Node) bool) []*Tag {
	var out []*Tag
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, &Tag{node: n})
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func (t *Tag) Name() string {
	return t.node.Data
}

func (t *Tag) Attr(key string) string {
	for _, a := range t.node.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func (t *Tag) HasAttr(key string) bool {
	for _, a := range t.node.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func (t *Tag) Parent() *Tag {
	for p := t.node.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return &Tag{node: p}
		}
	}
	return nil
}

func (t *Tag) Children() []*Tag {
	var out []*Tag
	for c := t.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, &Tag{node: c})
		}
	}
	return out
}

// Find queries within this element's subtree.
func (t *Tag) Find(name, attr string, pattern *regexp.Regexp) []*Tag {
	return collect(t.node, func(n *html.Node) bool {
		if n == t.node {
			return false
		}
		if name != "" && n.Data != name {
			return false
		}
		if attr == "" {
			return true
		}
		for _, a := range n.Attr {
			if a.Key == attr && pattern.MatchString(a.Val) {
				return true
			}
		}
		return false
	})
}

func (t *Tag) First(name, attr string, pattern *regexp.Regexp) *Tag {
	if tags := t.Find(name, attr, pattern); len(tags) > 0 {
		return tags[0]
	}
	return nil
}

// Text returns the concatenated text content of the subtree, trimmed.
func (t *Tag) Text() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(t.node)
	return strings.TrimSpace(b.String())
}

// InnerHTML renders the element's children back to markup.
func (t *Tag) InnerHTML() string {
	var b strings.Builder
	for c := t.node.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&b, c)
	}
	return b.String()
}

// HasClass reports whether the element's class attribute contains the
// given class token.
func (t *Tag) HasClass(class string) bool {
	for _, c := range strings.Fields(t.Attr("class")) {
		if c == class {
			return true
		}
	}
	return false
}
