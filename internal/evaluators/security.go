package evaluators

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html/atom"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

var errNoResponse = errors.New("page has no navigation response")

type Security struct{}

func (Security) Category() domain.Category { return domain.CategorySecurity }

func (Security) RunAllTests(ctx context.Context, page ports.Page, runID string) (domain.CategoryResult, error) {
	resp := page.Response()
	if resp == nil {
		return domain.CategoryResult{}, errNoResponse
	}
	doc, err := load(ctx, page)
	if err != nil {
		return domain.CategoryResult{}, err
	}
	card := newScorecard(domain.CategorySecurity)

	final := resp.URL
	if final == "" {
		final = page.URL()
	}
	u, err := url.Parse(final)
	secure := err == nil && u.Scheme == "https"
	if secure {
		card.pass("https", "page is served over HTTPS", map[string]any{"url": final})
	} else {
		card.fail("https", "page is not served over HTTPS", map[string]any{"url": final})
	}

	h := resp.Header
	switch hsts := h.Get("Strict-Transport-Security"); {
	case !secure:
		card.skip("hsts", "HSTS only applies to HTTPS responses")
	case hsts == "":
		card.fail("hsts", "Strict-Transport-Security header missing", nil)
	case !strings.Contains(strings.ToLower(hsts), "max-age="):
		card.add("hsts", 50, "Strict-Transport-Security has no max-age", map[string]any{"value": hsts})
	default:
		card.pass("hsts", "Strict-Transport-Security set", map[string]any{"value": hsts})
	}

	csp := h.Get("Content-Security-Policy")
	if csp != "" {
		card.pass("content_security_policy", "Content-Security-Policy set", map[string]any{"value": csp})
	} else {
		card.fail("content_security_policy", "Content-Security-Policy header missing", nil)
	}

	if strings.EqualFold(strings.TrimSpace(h.Get("X-Content-Type-Options")), "nosniff") {
		card.pass("content_type_options", "X-Content-Type-Options is nosniff", nil)
	} else {
		card.fail("content_type_options", "X-Content-Type-Options: nosniff missing", nil)
	}

	if h.Get("X-Frame-Options") != "" || strings.Contains(strings.ToLower(csp), "frame-ancestors") {
		card.pass("clickjacking", "framing is restricted", nil)
	} else {
		card.fail("clickjacking", "neither X-Frame-Options nor frame-ancestors is set", nil)
	}

	if secure {
		mixed := mixedContent(doc)
		if len(mixed) == 0 {
			card.pass("mixed_content", "no insecure subresources", nil)
		} else {
			card.add("mixed_content", 100-20*len(mixed), fmt.Sprintf("%d subresources load over HTTP", len(mixed)), map[string]any{"resources": mixed})
		}
	} else {
		card.skip("mixed_content", "page itself is not HTTPS")
	}

	if insecure := insecureForms(doc, secure); len(insecure) > 0 {
		card.fail("form_actions", "forms submit over HTTP", map[string]any{"actions": insecure})
	} else {
		card.pass("form_actions", "forms submit securely", nil)
	}

	return card.result(), nil
}

func mixedContent(doc *document) []string {
	var out []string
	for _, n := range doc.all(atom.Script, atom.Img, atom.Iframe, atom.Link, atom.Audio, atom.Video, atom.Source) {
		ref := attr(n, "src")
		if n.DataAtom == atom.Link {
			ref = attr(n, "href")
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(ref)), "http://") {
			out = append(out, ref)
		}
	}
	return out
}

func insecureForms(doc *document, pageSecure bool) []string {
	var out []string
	for _, f := range doc.all(atom.Form) {
		action := strings.ToLower(strings.TrimSpace(attr(f, "action")))
		if strings.HasPrefix(action, "http://") || (!pageSecure && action != "" && !strings.HasPrefix(action, "https://")) {
			out = append(out, attr(f, "action"))
		}
	}
	return out
}
