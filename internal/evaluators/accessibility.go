package evaluators

import (
	"context"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// Score penalty per violation, by severity.
var severityPenalty = map[domain.Severity]int{
	domain.SeverityCritical: 10,
	domain.SeveritySerious:  5,
	domain.SeverityModerate: 3,
	domain.SeverityMinor:    1,
}

type rule struct {
	id          string
	severity    domain.Severity
	description string
	help        string
	check       func(doc *document, ids map[string]*html.Node) []*html.Node
}

var rules = []rule{
	{
		id:          "image-alt",
		severity:    domain.SeveritySerious,
		description: "Images must have alternate text",
		help:        "https://www.w3.org/WAI/WCAG21/Understanding/non-text-content",
		check: func(doc *document, _ map[string]*html.Node) []*html.Node {
			var out []*html.Node
			for _, img := range doc.all(atom.Img) {
				if !hasAttr(img, "alt") && attr(img, "role") != "presentation" && attr(img, "aria-hidden") != "true" {
					out = append(out, img)
				}
			}
			return out
		},
	},
	{
		id:          "html-has-lang",
		severity:    domain.SeveritySerious,
		description: "The <html> element must have a lang attribute",
		help:        "https://www.w3.org/WAI/WCAG21/Understanding/language-of-page",
		check: func(doc *document, _ map[string]*html.Node) []*html.Node {
			if n := doc.first(atom.Html); n != nil && doc.lang() == "" {
				return []*html.Node{n}
			}
			return nil
		},
	},
	{
		id:          "document-title",
		severity:    domain.SeveritySerious,
		description: "Documents must have a non-empty <title>",
		help:        "https://www.w3.org/WAI/WCAG21/Understanding/page-titled",
		check: func(doc *document, _ map[string]*html.Node) []*html.Node {
			if doc.title() != "" {
				return nil
			}
			if n := doc.first(atom.Head); n != nil {
				return []*html.Node{n}
			}
			return nil
		},
	},
	{
		id:          "label",
		severity:    domain.SeverityCritical,
		description: "Form elements must have labels",
		help:        "https://www.w3.org/WAI/WCAG21/Understanding/labels-or-instructions",
		check:       unlabeledControls,
	},
	{
		id:          "button-name",
		severity:    domain.SeverityCritical,
		description: "Buttons must have discernible text",
		help:        "https://www.w3.org/WAI/WCAG21/Understanding/name-role-value",
		check: func(doc *document, ids map[string]*html.Node) []*html.Node {
			var out []*html.Node
			for _, b := range doc.all(atom.Button) {
				if accessibleName(b, ids) == "" {
					out = append(out, b)
				}
			}
			return out
		},
	},
	{
		id:          "link-name",
		severity:    domain.SeveritySerious,
		description: "Links must have discernible text",
		help:        "https://www.w3.org/WAI/WCAG21/Understanding/link-purpose-in-context",
		check: func(doc *document, ids map[string]*html.Node) []*html.Node {
			var out []*html.Node
			for _, a := range doc.all(atom.A) {
				if hasAttr(a, "href") && accessibleName(a, ids) == "" {
					out = append(out, a)
				}
			}
			return out
		},
	},
	{
		id:          "frame-title",
		severity:    domain.SeverityModerate,
		description: "Frames must have a title attribute",
		help:        "https://www.w3.org/WAI/WCAG21/Understanding/name-role-value",
		check: func(doc *document, _ map[string]*html.Node) []*html.Node {
			var out []*html.Node
			for _, f := range doc.all(atom.Iframe, atom.Frame) {
				if strings.TrimSpace(attr(f, "title")) == "" {
					out = append(out, f)
				}
			}
			return out
		},
	},
	{
		id:          "duplicate-id",
		severity:    domain.SeverityMinor,
		description: "id attribute values must be unique",
		help:        "https://www.w3.org/WAI/WCAG21/Understanding/parsing",
		check: func(doc *document, _ map[string]*html.Node) []*html.Node {
			seen := map[string]bool{}
			var out []*html.Node
			walk(doc.root, func(n *html.Node) {
				if n.Type != html.ElementNode {
					return
				}
				id := attr(n, "id")
				if id == "" {
					return
				}
				if seen[id] {
					out = append(out, n)
				}
				seen[id] = true
			})
			return out
		},
	},
}

type Accessibility struct{}

func (Accessibility) Category() domain.Category { return domain.CategoryAccessibility }

// RunAllTests reports one test per rule and one violation per offending node.
// The score starts at 100 and loses a severity-weighted penalty per violation.
func (Accessibility) RunAllTests(ctx context.Context, page ports.Page, runID string) (domain.CategoryResult, error) {
	doc, err := load(ctx, page)
	if err != nil {
		return domain.CategoryResult{}, err
	}
	ids := doc.byID()
	card := newScorecard(domain.CategoryAccessibility)
	var violations []domain.Violation
	penalty := 0

	for _, r := range rules {
		nodes := r.check(doc, ids)
		if len(nodes) == 0 {
			card.pass(r.id, r.description, nil)
			continue
		}
		for _, n := range nodes {
			violations = append(violations, domain.Violation{
				RuleID:      r.id,
				Severity:    r.severity,
				Description: r.description,
				Help:        r.help,
				Target:      locator(n),
				HTML:        snippet(n),
			})
		}
		penalty += severityPenalty[r.severity] * len(nodes)
		status := domain.TestWarning
		if r.severity == domain.SeverityCritical || r.severity == domain.SeveritySerious {
			status = domain.TestFailed
		}
		card.tests = append(card.tests, domain.TestOutcome{
			Category: domain.CategoryAccessibility,
			Name:     r.id,
			Status:   status,
			Score:    0,
			Message:  r.description,
			Details:  map[string]any{"severity": string(r.severity), "nodes": len(nodes)},
		})
	}

	res := card.result()
	res.Score = domain.ClampScore(100 - penalty)
	res.Violations = violations
	return res, nil
}

func unlabeledControls(doc *document, ids map[string]*html.Node) []*html.Node {
	labelled := map[string]bool{}
	for _, l := range doc.all(atom.Label) {
		if f := attr(l, "for"); f != "" {
			labelled[f] = true
		}
	}
	var out []*html.Node
	for _, n := range doc.all(atom.Input, atom.Select, atom.Textarea) {
		switch strings.ToLower(attr(n, "type")) {
		case "hidden", "submit", "button", "reset", "image":
			continue
		}
		if id := attr(n, "id"); id != "" && labelled[id] {
			continue
		}
		if ancestor(n, atom.Label) != nil {
			continue
		}
		if strings.TrimSpace(attr(n, "aria-label")) != "" || strings.TrimSpace(attr(n, "title")) != "" {
			continue
		}
		if refs := strings.Fields(attr(n, "aria-labelledby")); len(refs) > 0 {
			if _, ok := ids[refs[0]]; ok {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}
