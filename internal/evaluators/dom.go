package evaluators

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"govcheck/internal/ports"
)

const snippetLimit = 250

// document is a parsed snapshot of the page content.
type document struct {
	root *html.Node
}

func load(ctx context.Context, page ports.Page) (*document, error) {
	content, err := page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page content: %w", err)
	}
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse page content: %w", err)
	}
	return &document{root: root}, nil
}

// all returns every element with one of the given tags, in document order.
func (d *document) all(tags ...atom.Atom) []*html.Node {
	var out []*html.Node
	walk(d.root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		for _, t := range tags {
			if n.DataAtom == t {
				out = append(out, n)
				return
			}
		}
	})
	return out
}

func (d *document) first(tag atom.Atom) *html.Node {
	nodes := d.all(tag)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// meta returns the content of <meta name=...> or <meta property=...>.
func (d *document) meta(name string) (string, bool) {
	for _, n := range d.all(atom.Meta) {
		if strings.EqualFold(attr(n, "name"), name) || strings.EqualFold(attr(n, "property"), name) {
			return strings.TrimSpace(attr(n, "content")), true
		}
	}
	return "", false
}

// links returns <link> elements whose rel contains rel.
func (d *document) links(rel string) []*html.Node {
	var out []*html.Node
	for _, n := range d.all(atom.Link) {
		for _, r := range strings.Fields(strings.ToLower(attr(n, "rel"))) {
			if r == rel {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func (d *document) title() string {
	if n := d.first(atom.Title); n != nil {
		return strings.TrimSpace(text(n))
	}
	return ""
}

func (d *document) lang() string {
	if n := d.first(atom.Html); n != nil {
		return strings.TrimSpace(attr(n, "lang"))
	}
	return ""
}

// byID indexes elements carrying an id attribute.
func (d *document) byID() map[string]*html.Node {
	out := map[string]*html.Node{}
	walk(d.root, func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id := attr(n, "id"); id != "" {
				out[id] = n
			}
		}
	})
	return out
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

// text concatenates the visible text under n, collapsing whitespace.
func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode && !insideInvisible(c) {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

func insideInvisible(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && (p.DataAtom == atom.Script || p.DataAtom == atom.Style || p.DataAtom == atom.Noscript) {
			return true
		}
	}
	return false
}

// accessibleName approximates the name assistive technology announces for n.
func accessibleName(n *html.Node, ids map[string]*html.Node) string {
	if v := strings.TrimSpace(attr(n, "aria-label")); v != "" {
		return v
	}
	if ref := attr(n, "aria-labelledby"); ref != "" {
		var parts []string
		for _, id := range strings.Fields(ref) {
			if target, ok := ids[id]; ok {
				parts = append(parts, text(target))
			}
		}
		if s := strings.TrimSpace(strings.Join(parts, " ")); s != "" {
			return s
		}
	}
	if s := text(n); s != "" {
		return s
	}
	for _, img := range descendants(n, atom.Img) {
		if alt := strings.TrimSpace(attr(img, "alt")); alt != "" {
			return alt
		}
	}
	return strings.TrimSpace(attr(n, "title"))
}

func descendants(n *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(d *html.Node) {
			if d.Type == html.ElementNode && d.DataAtom == tag {
				out = append(out, d)
			}
		})
	}
	return out
}

func ancestor(n *html.Node, tag atom.Atom) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == tag {
			return p
		}
	}
	return nil
}

// locator builds a short CSS selector for n.
func locator(n *html.Node) string {
	var parts []string
	for c := n; c != nil && c.Type == html.ElementNode; c = c.Parent {
		if id := attr(c, "id"); id != "" {
			parts = append(parts, c.Data+"#"+id)
			break
		}
		part := c.Data
		if idx, count := position(c); count > 1 {
			part += fmt.Sprintf(":nth-of-type(%d)", idx)
		}
		parts = append(parts, part)
		if c.DataAtom == atom.Body {
			break
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// position returns the 1-based index of n among same-tag siblings and their count.
func position(n *html.Node) (int, int) {
	if n.Parent == nil {
		return 1, 1
	}
	idx, count := 0, 0
	for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			count++
			if s == n {
				idx = count
			}
		}
	}
	return idx, count
}

// snippet renders the opening portion of n.
func snippet(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "<" + n.Data + ">"
	}
	s := buf.String()
	if len(s) > snippetLimit {
		cut := snippetLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
