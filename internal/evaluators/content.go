package evaluators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html/atom"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

const minBodyWords = 150

var (
	headingLevels = map[atom.Atom]int{atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6}
	// updatedPattern matches visible "last updated" notices.
	updatedPattern = regexp.MustCompile(`(?i)(última actualización|actualizado|last updated|updated on)`)
)

type Content struct{}

func (Content) Category() domain.Category { return domain.CategoryContent }

func (Content) RunAllTests(ctx context.Context, page ports.Page, runID string) (domain.CategoryResult, error) {
	doc, err := load(ctx, page)
	if err != nil {
		return domain.CategoryResult{}, err
	}
	card := newScorecard(domain.CategoryContent)

	h1s := doc.all(atom.H1)
	switch len(h1s) {
	case 0:
		card.fail("main_heading", "page has no <h1>", nil)
	case 1:
		card.pass("main_heading", "page has a single <h1>", map[string]any{"text": text(h1s[0])})
	default:
		card.add("main_heading", 60, fmt.Sprintf("page has %d <h1> elements", len(h1s)), map[string]any{"count": len(h1s)})
	}

	skips := headingSkips(doc)
	if len(skips) == 0 {
		card.pass("heading_hierarchy", "heading levels never skip", nil)
	} else {
		card.add("heading_hierarchy", 100-25*len(skips), "heading levels skip", map[string]any{"skips": skips})
	}

	body := doc.first(atom.Body)
	words := 0
	if body != nil {
		words = len(strings.Fields(text(body)))
	}
	if words >= minBodyWords {
		card.pass("text_content", "page carries substantive text", map[string]any{"words": words})
	} else {
		card.add("text_content", ratio(words, minBodyWords), fmt.Sprintf("page has only %d words of text", words), map[string]any{"words": words})
	}

	if body != nil && updatedPattern.MatchString(text(body)) {
		card.pass("last_updated", "page shows when it was last updated", nil)
	} else if _, ok := doc.meta("last-modified"); ok {
		card.pass("last_updated", "page declares last-modified metadata", nil)
	} else {
		card.add("last_updated", 50, "no last-updated notice found", nil)
	}

	broken := emptyLinks(doc)
	anchors := len(doc.all(atom.A))
	if anchors == 0 {
		card.skip("link_targets", "page has no links")
	} else {
		card.add("link_targets", ratio(anchors-len(broken), anchors), "links point somewhere", map[string]any{"empty": broken})
	}

	return card.result(), nil
}

func headingSkips(doc *document) []string {
	var skips []string
	prev := 0
	for _, h := range doc.all(atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6) {
		level := headingLevels[h.DataAtom]
		if prev > 0 && level > prev+1 {
			skips = append(skips, fmt.Sprintf("h%d -> h%d", prev, level))
		}
		prev = level
	}
	return skips
}

func emptyLinks(doc *document) []string {
	var out []string
	for _, a := range doc.all(atom.A) {
		href := strings.TrimSpace(attr(a, "href"))
		if href == "" || href == "#" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			out = append(out, locator(a))
		}
	}
	return out
}
