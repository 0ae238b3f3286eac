package automation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

var recoveryPrompt = regexp.MustCompile(`(?i)恢复邮箱|recovery email|verify`)

// Probe is a parsed snapshot of a page's markup, used for cheap checks
// that need no element handles.
type Probe struct {
	doc *goquery.Document
}

// Snapshot parses the page's current markup
func Snapshot(ctx context.Context, page browser.Page) (*Probe, error) {
	html, err := page.Content(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return &Probe{doc: doc}, nil
}

// Has reports whether any element matches selector
func (p *Probe) Has(selector string) bool {
	return p.doc.Find(selector).Length() > 0
}

// Mentions reports whether the rendered text, or a field's label,
// placeholder or aria-label, matches re.
func (p *Probe) Mentions(re *regexp.Regexp) bool {
	body := p.doc.Find("body")
	body.Find("script, style, noscript").Remove()
	if re.MatchString(strings.Join(strings.Fields(body.Text()), " ")) {
		return true
	}

	found := false
	p.doc.Find("input, label").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"aria-label", "placeholder"} {
			if v, ok := s.Attr(attr); ok && re.MatchString(v) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// Title returns the document title
func (p *Probe) Title() string {
	return strings.TrimSpace(p.doc.Find("title").First().Text())
}
