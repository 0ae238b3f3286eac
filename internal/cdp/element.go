package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/input"
	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

const (
	textFn = `function() {
		const t = this.innerText || this.textContent || this.value || this.getAttribute('aria-label') || '';
		return String(t).trim();
	}`
	boxFn = `function() {
		const r = this.getBoundingClientRect();
		const s = window.getComputedStyle(this);
		return {width: r.width, height: r.height, display: s.display, visibility: s.visibility};
	}`
	clickFn = `function() {
		this.scrollIntoView({block: 'center', inline: 'center'});
		this.click();
	}`
	clearFn = `function() {
		this.scrollIntoView({block: 'center'});
		this.focus();
		if ('value' in this) {
			this.value = '';
			this.dispatchEvent(new Event('input', {bubbles: true}));
		}
	}`
	focusFn = `function() { this.focus(); }`
)

// element is a remote object handle to a DOM node
type element struct {
	page     *Page
	objectID cdpruntime.RemoteObjectID
	once     sync.Once
}

var _ browser.Element = (*element)(nil)

func (e *element) Text(ctx context.Context) (string, error) {
	var text string
	if err := e.page.callOn(ctx, e.objectID, textFn, &text); err != nil {
		return "", err
	}
	return text, nil
}

func (e *element) Box(ctx context.Context) (browser.Box, error) {
	var box struct {
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
		Display    string  `json:"display"`
		Visibility string  `json:"visibility"`
	}
	if err := e.page.callOn(ctx, e.objectID, boxFn, &box); err != nil {
		return browser.Box{}, err
	}
	return browser.Box{
		Width:      box.Width,
		Height:     box.Height,
		Display:    box.Display,
		Visibility: box.Visibility,
	}, nil
}

func (e *element) Click(ctx context.Context) error {
	return e.page.callOn(ctx, e.objectID, clickFn, nil)
}

func (e *element) Fill(ctx context.Context, value string) error {
	if err := e.page.callOn(ctx, e.objectID, clearFn, nil); err != nil {
		return err
	}
	return input.InsertText(value).Do(WithConn(ctx, e.page.conn))
}

func (e *element) Submit(ctx context.Context) error {
	if err := e.page.callOn(ctx, e.objectID, focusFn, nil); err != nil {
		return err
	}
	cctx := WithConn(ctx, e.page.conn)
	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey("Enter").
		WithCode("Enter").
		WithWindowsVirtualKeyCode(13).
		WithNativeVirtualKeyCode(13).
		WithText("\r")
	if err := down.Do(cctx); err != nil {
		return err
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey("Enter").
		WithCode("Enter").
		WithWindowsVirtualKeyCode(13).
		WithNativeVirtualKeyCode(13)
	return up.Do(cctx)
}

func (e *element) Release() {
	e.once.Do(func() {
		e.page.release(e.objectID)
	})
}
