package evaluators

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html/atom"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// MobileViewport is the device the responsive checks emulate.
var MobileViewport = ports.Viewport{Width: 375, Height: 667, Mobile: true}

var inlineWidth = regexp.MustCompile(`(?i)(?:^|;)\s*(?:min-)?width\s*:\s*(\d+)px`)

type Layout struct{}

func (Layout) Category() domain.Category { return domain.CategoryLayout }

// RunAllTests switches the page to a mobile viewport for the responsive checks
// and restores the original viewport before returning.
func (Layout) RunAllTests(ctx context.Context, page ports.Page, runID string) (res domain.CategoryResult, err error) {
	card := newScorecard(domain.CategoryLayout)

	desktop, err := load(ctx, page)
	if err != nil {
		return res, err
	}
	checkViewportMeta(card, desktop)
	checkLandmarks(card, desktop)

	original := page.Viewport()
	if err := page.SetViewport(ctx, MobileViewport); err != nil {
		return res, fmt.Errorf("switch to mobile viewport: %w", err)
	}
	defer func() {
		if rerr := page.SetViewport(ctx, original); rerr != nil && err == nil {
			err = fmt.Errorf("restore viewport: %w", rerr)
		}
	}()

	mobile, err := load(ctx, page)
	if err != nil {
		return res, err
	}
	checkFixedWidths(card, mobile, MobileViewport.Width)

	return card.result(), nil
}

func checkViewportMeta(card *scorecard, doc *document) {
	v, ok := doc.meta("viewport")
	switch {
	case !ok:
		card.fail("viewport_meta", "no <meta name=viewport> declared", nil)
	case !strings.Contains(strings.ReplaceAll(v, " ", ""), "width=device-width"):
		card.add("viewport_meta", 50, "viewport does not follow the device width", map[string]any{"content": v})
	case strings.Contains(strings.ReplaceAll(v, " ", ""), "user-scalable=no"):
		card.add("viewport_meta", 70, "viewport disables zoom", map[string]any{"content": v})
	default:
		card.pass("viewport_meta", "viewport adapts to the device width", map[string]any{"content": v})
	}
}

func checkLandmarks(card *scorecard, doc *document) {
	var missing []string
	for _, l := range []struct {
		name string
		tag  atom.Atom
	}{{"header", atom.Header}, {"main", atom.Main}, {"footer", atom.Footer}} {
		if doc.first(l.tag) == nil {
			missing = append(missing, l.name)
		}
	}
	score := ratio(3-len(missing), 3)
	msg := "page declares header, main and footer regions"
	if len(missing) > 0 {
		msg = "missing page regions: " + strings.Join(missing, ", ")
	}
	card.add("page_structure", score, msg, map[string]any{"missing": missing})
}

// checkFixedWidths flags elements whose declared width overflows the viewport.
func checkFixedWidths(card *scorecard, doc *document, width int) {
	var wide []string
	candidates := doc.all(atom.Table, atom.Img, atom.Div, atom.Iframe, atom.Section)
	for _, n := range candidates {
		w := 0
		if v, err := strconv.Atoi(strings.TrimSuffix(attr(n, "width"), "px")); err == nil {
			w = v
		}
		if m := inlineWidth.FindStringSubmatch(attr(n, "style")); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > w {
				w = v
			}
		}
		if w > width {
			wide = append(wide, locator(n))
		}
	}
	if len(wide) == 0 {
		card.pass("mobile_fixed_width", "no element exceeds the mobile viewport", map[string]any{"viewport_width": width})
		return
	}
	score := 100 - 20*len(wide)
	card.add("mobile_fixed_width", score,
		fmt.Sprintf("%d elements are wider than %dpx", len(wide), width),
		map[string]any{"viewport_width": width, "elements": wide})
}
