// Package browsertest provides in-memory browser doubles for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

// Element is a scripted DOM element
type Element struct {
	Label    string
	Geometry browser.Box
	OnClick  func() error

	mu       sync.Mutex
	clicks   int
	filled   []string
	submits  int
	released int
}

var _ browser.Element = (*Element)(nil)

// Visible returns an element rendered at a normal size
func Visible(label string) *Element {
	return &Element{Label: label, Geometry: browser.Box{Width: 100, Height: 30, Display: "block", Visibility: "visible"}}
}

// Hidden returns an element that is not rendered
func Hidden(label string) *Element {
	return &Element{Label: label, Geometry: browser.Box{Display: "none", Visibility: "visible"}}
}

func (e *Element) Text(context.Context) (string, error) { return e.Label, nil }

func (e *Element) Box(context.Context) (browser.Box, error) { return e.Geometry, nil }

func (e *Element) Click(context.Context) error {
	e.mu.Lock()
	e.clicks++
	hook := e.OnClick
	e.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

func (e *Element) Fill(_ context.Context, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filled = append(e.filled, value)
	return nil
}

func (e *Element) Submit(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submits++
	return nil
}

func (e *Element) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released++
}

// Clicks returns how often the element was clicked
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Filled returns the values typed into the element
func (e *Element) Filled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.filled...)
}

// Submits returns how often Enter was pressed in the element
func (e *Element) Submits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits
}

// Released returns how often the handle was released
func (e *Element) Released() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Page is a scripted page. Elements are keyed by the exact selector the
// code under test asks for; Candidates concatenates them in selector order.
type Page struct {
	mu          sync.Mutex
	url         string
	html        string
	elements    map[string][]*Element
	navigations []string
	popup       *Page
	closed      bool

	NavigateErr   error
	WaitClosedErr error
	OnNavigate    func(p *Page, url string)
}

var _ browser.Page = (*Page)(nil)

// NewPage returns an empty page at about:blank
func NewPage() *Page {
	return &Page{url: "about:blank", elements: make(map[string][]*Element)}
}

// Set replaces the elements matching selector
func (p *Page) Set(selector string, elems ...*Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = elems
	return p
}

// SetHTML replaces the document markup
func (p *Page) SetHTML(html string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
	return p
}

// SetURL moves the page without recording a navigation
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// OpenPopup makes the next ExpectPopup return popup
func (p *Page) OpenPopup(popup *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.popup = popup
}

// Navigations returns every URL passed to Navigate
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Closed reports whether Close was called
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.navigations = append(p.navigations, url)
	if p.NavigateErr != nil {
		p.mu.Unlock()
		return p.NavigateErr
	}
	p.url = url
	hook := p.OnNavigate
	p.mu.Unlock()

	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Content(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *Page) WaitIdle(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// WaitForSelector answers immediately: the first visible element set for
// selector, or an automation timeout.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	elems := append([]*Element(nil), p.elements[selector]...)
	p.mu.Unlock()

	for _, el := range elems {
		if browser.Visible(el.Geometry) {
			return el, nil
		}
	}
	return nil, fmt.Errorf("%q not visible within %s: %w", selector, timeout, browser.ErrAutomationTimeout)
}

func (p *Page) Candidates(ctx context.Context, selectors []string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[*Element]bool)
	var out []browser.Element
	for _, sel := range selectors {
		for _, el := range p.elements[sel] {
			if !seen[el] {
				seen[el] = true
				out = append(out, el)
			}
		}
	}
	return out, nil
}

func (p *Page) ExpectPopup(ctx context.Context, _ time.Duration, trigger func() error) (browser.Page, error) {
	if err := trigger(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.popup == nil {
		return nil, browser.ErrNoPopup
	}
	popup := p.popup
	p.popup = nil
	return popup, nil
}

func (p *Page) WaitClosed(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.WaitClosedErr
}

func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
