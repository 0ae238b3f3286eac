package automation

import (
	"context"
	"strings"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

// Query describes a clickable-text lookup: elements of the given kinds
// whose rendered text contains one of the keywords.
type Query struct {
	Keywords  []string
	Selectors []string
}

// Normalize lower-cases s and collapses runs of whitespace to one space
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Match picks a candidate by text. Keywords are tried in order and, within
// a keyword, candidates in document order; the first candidate that
// contains the keyword and passes visible wins. It returns -1 when nothing
// qualifies. visible is consulted only for textual matches and at most
// once per candidate.
func Match(texts []string, keywords []string, visible func(i int) bool) int {
	norm := make([]string, len(texts))
	for i, t := range texts {
		norm[i] = Normalize(t)
	}

	checked := make(map[int]bool, len(texts))
	for _, kw := range keywords {
		k := Normalize(kw)
		if k == "" {
			continue
		}
		for i, t := range norm {
			if !strings.Contains(t, k) {
				continue
			}
			v, ok := checked[i]
			if !ok {
				v = visible(i)
				checked[i] = v
			}
			if v {
				return i
			}
		}
	}
	return -1
}

// Find runs q against page and returns the chosen element. Every other
// inspected handle is released. Not finding anything, including failing
// to inspect the page, is reported as false rather than an error.
func Find(ctx context.Context, page browser.Page, q Query) (browser.Element, bool) {
	elems, err := page.Candidates(ctx, q.Selectors)
	if err != nil || len(elems) == 0 {
		return nil, false
	}

	texts := make([]string, len(elems))
	for i, el := range elems {
		if t, err := el.Text(ctx); err == nil {
			texts[i] = t
		}
	}

	idx := Match(texts, q.Keywords, func(i int) bool {
		box, err := elems[i].Box(ctx)
		return err == nil && browser.Visible(box)
	})

	for i, el := range elems {
		if i != idx {
			el.Release()
		}
	}
	if idx < 0 {
		return nil, false
	}
	return elems[idx], true
}
