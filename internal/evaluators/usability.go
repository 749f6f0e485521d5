package evaluators

import (
	"context"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// vagueLinkText lists link texts that say nothing about the destination.
var vagueLinkText = map[string]bool{
	"click aquí": true, "clic aquí": true, "aquí": true, "click here": true,
	"here": true, "más": true, "leer más": true, "ver más": true, "more": true, "link": true,
}

type Usability struct{}

func (Usability) Category() domain.Category { return domain.CategoryUsability }

func (Usability) RunAllTests(ctx context.Context, page ports.Page, runID string) (domain.CategoryResult, error) {
	doc, err := load(ctx, page)
	if err != nil {
		return domain.CategoryResult{}, err
	}
	card := newScorecard(domain.CategoryUsability)

	if navs := doc.all(atom.Nav); len(navs) > 0 {
		card.pass("navigation_menu", "page has a navigation landmark", map[string]any{"count": len(navs)})
	} else if hasRole(doc, "navigation") {
		card.pass("navigation_menu", "page has a navigation role", nil)
	} else {
		card.fail("navigation_menu", "no <nav> element or navigation role found", nil)
	}

	if searchable(doc) {
		card.pass("search", "page offers a search form", nil)
	} else {
		card.add("search", 50, "no site search found", nil)
	}

	if contact := contactLinks(doc); len(contact) > 0 {
		card.pass("contact_info", "page links to contact channels", map[string]any{"links": contact})
	} else {
		card.add("contact_info", 40, "no mailto: or tel: links found", nil)
	}

	anchors := doc.all(atom.A)
	var vague []string
	for _, a := range anchors {
		t := strings.ToLower(text(a))
		if vagueLinkText[t] {
			vague = append(vague, t)
		}
	}
	if len(anchors) == 0 {
		card.skip("descriptive_links", "page has no links")
	} else {
		card.add("descriptive_links", ratio(len(anchors)-len(vague), len(anchors)),
			"links describe their destination", map[string]any{"links": len(anchors), "vague": vague})
	}

	if len(doc.links("icon")) > 0 {
		card.pass("favicon", "favicon declared", nil)
	} else {
		card.add("favicon", 60, "no favicon declared", nil)
	}

	return card.result(), nil
}

func hasRole(doc *document, role string) bool {
	found := false
	walk(doc.root, func(n *html.Node) {
		if !found && strings.EqualFold(attr(n, "role"), role) {
			found = true
		}
	})
	return found
}

func searchable(doc *document) bool {
	for _, in := range doc.all(atom.Input) {
		if strings.EqualFold(attr(in, "type"), "search") {
			return true
		}
		name := strings.ToLower(attr(in, "name"))
		if name == "q" || name == "s" || strings.Contains(name, "search") || strings.Contains(name, "buscar") {
			return true
		}
	}
	return hasRole(doc, "search")
}

func contactLinks(doc *document) []string {
	var out []string
	for _, a := range doc.all(atom.A) {
		href := strings.ToLower(strings.TrimSpace(attr(a, "href")))
		if strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			out = append(out, href)
		}
	}
	return out
}
