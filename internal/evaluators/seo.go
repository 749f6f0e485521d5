package evaluators

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/atom"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

type SEO struct{}

func (SEO) Category() domain.Category { return domain.CategorySEO }

func (SEO) RunAllTests(ctx context.Context, page ports.Page, runID string) (domain.CategoryResult, error) {
	doc, err := load(ctx, page)
	if err != nil {
		return domain.CategoryResult{}, err
	}
	card := newScorecard(domain.CategorySEO)

	title := doc.title()
	switch n := utf8.RuneCountInString(title); {
	case n == 0:
		card.fail("title", "page has no <title>", nil)
	case n < 10 || n > 70:
		card.add("title", 60, fmt.Sprintf("title length %d is outside 10-70 characters", n), map[string]any{"title": title})
	default:
		card.pass("title", "title has a useful length", map[string]any{"title": title})
	}

	desc, ok := doc.meta("description")
	switch n := utf8.RuneCountInString(desc); {
	case !ok || n == 0:
		card.fail("meta_description", "no meta description", nil)
	case n < 50 || n > 160:
		card.add("meta_description", 60, fmt.Sprintf("description length %d is outside 50-160 characters", n), map[string]any{"description": desc})
	default:
		card.pass("meta_description", "meta description present", map[string]any{"description": desc})
	}

	if canon := doc.links("canonical"); len(canon) > 0 && attr(canon[0], "href") != "" {
		card.pass("canonical", "canonical URL declared", map[string]any{"href": attr(canon[0], "href")})
	} else {
		card.add("canonical", 50, "no canonical URL declared", nil)
	}

	if robots, ok := doc.meta("robots"); ok && strings.Contains(strings.ToLower(robots), "noindex") {
		card.fail("indexable", "page asks search engines not to index it", map[string]any{"robots": robots})
	} else {
		card.pass("indexable", "page is indexable", nil)
	}

	if lang := doc.lang(); lang != "" {
		card.pass("language", "document language declared", map[string]any{"lang": lang})
	} else {
		card.fail("language", "<html> has no lang attribute", nil)
	}

	var og []string
	for _, p := range []string{"og:title", "og:description", "og:image"} {
		if v, ok := doc.meta(p); ok && v != "" {
			og = append(og, p)
		}
	}
	card.add("open_graph", ratio(len(og), 3), fmt.Sprintf("%d of 3 Open Graph tags present", len(og)), map[string]any{"present": og})

	if len(doc.all(atom.H1)) > 0 {
		card.pass("heading", "page has a top-level heading", nil)
	} else {
		card.fail("heading", "page has no top-level heading", nil)
	}

	return card.result(), nil
}
