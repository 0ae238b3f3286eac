package playwright

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

const styleFn = `e => { const s = getComputedStyle(e); return {display: s.display, visibility: s.visibility}; }`

// defaultTimeout bounds calls that have no step timeout of their own
const defaultTimeout = 30 * time.Second

// timeout converts d to a Playwright timeout, shortened to whatever is
// left of ctx's deadline.
func timeout(ctx context.Context, d time.Duration) *float64 {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// page adapts a Playwright page. Playwright calls take no context, so ctx
// is checked up front and its deadline is passed down as the call's
// timeout.
type page struct {
	p   playwright.Page
	log logrus.FieldLogger
}

var _ browser.Page = (*page)(nil)

func newPage(p playwright.Page, log logrus.FieldLogger) *page {
	return &page{p: p, log: log}
}

func (pg *page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   timeout(ctx, defaultTimeout),
	}
	if _, err := pg.p.Goto(url, opts); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (pg *page) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return pg.p.URL(), nil
}

func (pg *page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return pg.p.Content()
}

func (pg *page) WaitIdle(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pg.p.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: timeout(ctx, d),
	})
}

func (pg *page) WaitForSelector(ctx context.Context, selector string, d time.Duration) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := pg.p.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: timeout(ctx, d),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("%q not visible within %s: %w", selector, d, browser.ErrAutomationTimeout)
		}
		return nil, fmt.Errorf("wait for %q: %v: %w", selector, err, browser.ErrProtocol)
	}
	return &element{h: h}, nil
}

func (pg *page) Candidates(ctx context.Context, selectors []string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(selectors) == 0 {
		return nil, nil
	}
	query := selectors[0]
	for _, s := range selectors[1:] {
		query += ", " + s
	}

	handles, err := pg.p.QuerySelectorAll(query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %v: %w", query, err, browser.ErrProtocol)
	}
	out := make([]browser.Element, 0, len(handles))
	for _, h := range handles {
		out = append(out, &element{h: h})
	}
	return out, nil
}

func (pg *page) ExpectPopup(ctx context.Context, d time.Duration, trigger func() error) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	popup, err := pg.p.ExpectPopup(trigger, playwright.PageExpectPopupOptions{Timeout: timeout(ctx, d)})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, browser.ErrNoPopup
		}
		return nil, err
	}
	return newPage(popup, pg.log), nil
}

func (pg *page) WaitClosed(ctx context.Context, d time.Duration) error {
	closed := make(chan struct{})
	pg.p.OnClose(func(playwright.Page) {
		select {
		case <-closed:
		default:
			close(closed)
		}
	})
	if pg.p.IsClosed() {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-closed:
		return nil
	case <-t.C:
		return fmt.Errorf("page still open after %s: %w", d, context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pg *page) Close(context.Context) error {
	if pg.p.IsClosed() {
		return nil
	}
	return pg.p.Close()
}

// element adapts an element handle
type element struct {
	h        playwright.ElementHandle
	released bool
}

var _ browser.Element = (*element)(nil)

func (e *element) Text(context.Context) (string, error) {
	text, err := e.h.InnerText()
	if err != nil || text == "" {
		if v, verr := e.h.InputValue(); verr == nil && v != "" {
			return v, nil
		}
		if label, lerr := e.h.GetAttribute("aria-label"); lerr == nil {
			return label, nil
		}
	}
	return text, err
}

func (e *element) Box(context.Context) (browser.Box, error) {
	var box browser.Box
	rect, err := e.h.BoundingBox()
	if err != nil {
		return box, err
	}
	if rect != nil {
		box.Width, box.Height = rect.Width, rect.Height
	}

	style, err := e.h.Evaluate(styleFn)
	if err != nil {
		return box, err
	}
	if m, ok := style.(map[string]interface{}); ok {
		box.Display, _ = m["display"].(string)
		box.Visibility, _ = m["visibility"].(string)
	}
	return box, nil
}

func (e *element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.h.Click(playwright.ElementHandleClickOptions{Timeout: timeout(ctx, defaultTimeout)})
}

func (e *element) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.h.Fill(value, playwright.ElementHandleFillOptions{Timeout: timeout(ctx, defaultTimeout)})
}

func (e *element) Submit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.h.Press("Enter", playwright.ElementHandlePressOptions{Timeout: timeout(ctx, defaultTimeout)})
}

func (e *element) Release() {
	if e.released {
		return
	}
	e.released = true
	_ = e.h.Dispose()
}
