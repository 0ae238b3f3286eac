package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

// quietWindow is how long the network must be silent for a page to count
// as idle.
const quietWindow = 500 * time.Millisecond

const pollInterval = 200 * time.Millisecond

// Page drives one page target over its own control channel
type Page struct {
	endpoint *Endpoint
	target   Target
	conn     *Conn
	log      logrus.FieldLogger

	mu           sync.Mutex
	inflight     map[string]struct{}
	lastActivity time.Time

	browserConn *Conn
}

var _ browser.Page = (*Page)(nil)

// OpenPage attaches to a page target and enables the page and network
// domains used for settle detection.
func OpenPage(ctx context.Context, endpoint *Endpoint, t Target, log logrus.FieldLogger) (*Page, error) {
	conn, err := Dial(ctx, t.WebSocketDebuggerURL, log)
	if err != nil {
		return nil, err
	}

	p := &Page{
		endpoint:     endpoint,
		target:       t,
		conn:         conn,
		log:          log.WithField("target", t.ID),
		inflight:     make(map[string]struct{}),
		lastActivity: time.Now(),
	}
	conn.OnEvent(p.observe)

	cctx := WithConn(ctx, conn)
	if err := cdppage.Enable().Do(cctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := network.Enable().Do(cctx); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// TargetID returns the page's target id
func (p *Page) TargetID() string {
	return p.target.ID
}

func (p *Page) observe(_ cdproto.MethodType, ev interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.inflight[string(e.RequestID)] = struct{}{}
	case *network.EventLoadingFinished:
		delete(p.inflight, string(e.RequestID))
	case *network.EventLoadingFailed:
		delete(p.inflight, string(e.RequestID))
	case *cdppage.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID == "" {
			p.inflight = make(map[string]struct{})
		}
	default:
		return
	}
	p.lastActivity = time.Now()
}

func (p *Page) quiet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight) == 0 && time.Since(p.lastActivity) >= quietWindow
}

// Navigate loads url in the page
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res cdppage.NavigateReturns
	if err := p.conn.Execute(ctx, cdppage.CommandNavigate, cdppage.Navigate(url), &res); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %s", url, res.ErrorText)
	}
	return nil
}

// URL returns the document's current location
func (p *Page) URL(ctx context.Context) (string, error) {
	var href string
	if err := p.evaluate(ctx, "location.href", &href); err != nil {
		return "", err
	}
	return href, nil
}

// Content returns the document markup
func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.evaluate(ctx, "document.documentElement ? document.documentElement.outerHTML : ''", &html); err != nil {
		return "", err
	}
	return html, nil
}

// WaitIdle waits for readyState complete and a quiet network. The bound
// only governs polling; individual calls use ctx so that an expired wait
// never interrupts a read and poisons the channel.
func (p *Page) WaitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var state string
		err := p.evaluate(ctx, "document.readyState", &state)
		if err == nil && state == "complete" && p.quiet() {
			return nil
		}
		if err != nil && !errors.Is(err, browser.ErrProtocol) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("page did not settle within %s: %w", timeout, context.DeadlineExceeded)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForSelector polls until a visible element matches selector
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (browser.Element, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		elems, err := p.Candidates(ctx, []string{selector})
		if err == nil {
			var found browser.Element
			for _, el := range elems {
				if found == nil {
					if box, err := el.Box(ctx); err == nil && browser.Visible(box) {
						found = el
						continue
					}
				}
				el.Release()
			}
			if found != nil {
				return found, nil
			}
		} else if !errors.Is(err, browser.ErrProtocol) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%q not visible within %s: %w", selector, timeout, browser.ErrAutomationTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Candidates returns remote handles for every element matching any of
// selectors, in document order.
func (p *Page) Candidates(ctx context.Context, selectors []string) ([]browser.Element, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	query, err := json.Marshal(joinSelectors(selectors))
	if err != nil {
		return nil, err
	}

	var res cdpruntime.EvaluateReturns
	params := cdpruntime.Evaluate(fmt.Sprintf("Array.from(document.querySelectorAll(%s))", query))
	if err := p.conn.Execute(ctx, cdpruntime.CommandEvaluate, params, &res); err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, fmt.Errorf("query %s: %s: %w", query, describe(res.ExceptionDetails), browser.ErrProtocol)
	}
	if res.Result == nil || res.Result.ObjectID == "" {
		return nil, nil
	}
	arrayID := res.Result.ObjectID
	defer p.release(arrayID)

	var props cdpruntime.GetPropertiesReturns
	if err := p.conn.Execute(ctx, cdpruntime.CommandGetProperties,
		cdpruntime.GetProperties(arrayID).WithOwnProperties(true), &props); err != nil {
		return nil, err
	}

	type indexed struct {
		idx int
		id  cdpruntime.RemoteObjectID
	}
	var items []indexed
	for _, prop := range props.Result {
		idx, err := strconv.Atoi(prop.Name)
		if err != nil || prop.Value == nil || prop.Value.ObjectID == "" {
			continue
		}
		items = append(items, indexed{idx: idx, id: prop.Value.ObjectID})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].idx < items[j].idx })

	out := make([]browser.Element, 0, len(items))
	for _, it := range items {
		out = append(out, &element{page: p, objectID: it.id})
	}
	return out, nil
}

// ExpectPopup runs trigger and waits for a page opened by this one
func (p *Page) ExpectPopup(ctx context.Context, timeout time.Duration, trigger func() error) (browser.Page, error) {
	existing := make(map[string]bool)
	if targets, err := p.endpoint.Targets(ctx); err == nil {
		for _, t := range targets {
			existing[t.ID] = true
		}
	}

	bconn, err := p.dialBrowser(ctx)
	if err != nil {
		return nil, err
	}
	if err := target.SetDiscoverTargets(true).Do(WithConn(ctx, bconn)); err != nil {
		bconn.Close()
		return nil, err
	}

	if err := trigger(); err != nil {
		bconn.Close()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ev, err := bconn.WaitEvent(waitCtx, cdproto.EventTargetTargetCreated, func(ev interface{}) bool {
		created, ok := ev.(*target.EventTargetCreated)
		if !ok || created.TargetInfo == nil {
			return false
		}
		ti := created.TargetInfo
		return ti.Type == "page" &&
			!existing[string(ti.TargetID)] &&
			(string(ti.OpenerID) == p.target.ID || ti.OpenerID == "")
	})
	if err != nil {
		bconn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, browser.ErrNoPopup
	}

	info := ev.(*target.EventTargetCreated).TargetInfo
	opened := Target{
		ID:   string(info.TargetID),
		Type: "page",
		URL:  info.URL,
	}
	opened.WebSocketDebuggerURL = p.endpoint.PageURL(opened.ID)

	popup, err := OpenPage(ctx, p.endpoint, opened, p.log)
	if err != nil {
		bconn.Close()
		return nil, err
	}
	popup.browserConn = bconn
	return popup, nil
}

// WaitClosed waits for the page's target to be destroyed
func (p *Page) WaitClosed(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.browserConn == nil {
		bconn, err := p.dialBrowser(ctx)
		if err != nil {
			return err
		}
		if err := target.SetDiscoverTargets(true).Do(WithConn(ctx, bconn)); err != nil {
			bconn.Close()
			return err
		}
		p.browserConn = bconn
	}

	if !p.targetExists(ctx) {
		return nil
	}

	_, err := p.browserConn.WaitEvent(ctx, cdproto.EventTargetTargetDestroyed, func(ev interface{}) bool {
		destroyed, ok := ev.(*target.EventTargetDestroyed)
		return ok && string(destroyed.TargetID) == p.target.ID
	})
	if err != nil {
		p.browserConn.Close()
		p.browserConn = nil
		return fmt.Errorf("page %s still open after %s: %w", p.target.ID, timeout, err)
	}
	return nil
}

// Close closes the page target and its channels
func (p *Page) Close(ctx context.Context) error {
	err := p.endpoint.CloseTarget(ctx, p.target.ID)
	p.Detach()
	return err
}

// Detach closes the control channels but leaves the page open
func (p *Page) Detach() {
	p.conn.Close()
	if p.browserConn != nil {
		p.browserConn.Close()
		p.browserConn = nil
	}
}

func (p *Page) targetExists(ctx context.Context) bool {
	targets, err := p.endpoint.Targets(ctx)
	if err != nil {
		return true
	}
	for _, t := range targets {
		if t.ID == p.target.ID {
			return true
		}
	}
	return false
}

func (p *Page) dialBrowser(ctx context.Context) (*Conn, error) {
	v, err := p.endpoint.Version(ctx)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, v.WebSocketDebuggerURL, p.log)
}

// evaluate runs expr in the page and decodes its value into out
func (p *Page) evaluate(ctx context.Context, expr string, out interface{}) error {
	var res cdpruntime.EvaluateReturns
	params := cdpruntime.Evaluate(expr).WithReturnByValue(true).WithAwaitPromise(true)
	if err := p.conn.Execute(ctx, cdpruntime.CommandEvaluate, params, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("evaluate %q: %s: %w", expr, describe(res.ExceptionDetails), browser.ErrProtocol)
	}
	return decodeValue(res.Result, out)
}

// callOn runs fn with this bound to objectID and decodes its value into out
func (p *Page) callOn(ctx context.Context, objectID cdpruntime.RemoteObjectID, fn string, out interface{}) error {
	var res cdpruntime.CallFunctionOnReturns
	params := cdpruntime.CallFunctionOn(fn).
		WithObjectID(objectID).
		WithReturnByValue(true).
		WithAwaitPromise(true)
	if err := p.conn.Execute(ctx, cdpruntime.CommandCallFunctionOn, params, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("call: %s: %w", describe(res.ExceptionDetails), browser.ErrProtocol)
	}
	return decodeValue(res.Result, out)
}

func (p *Page) release(objectID cdpruntime.RemoteObjectID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = cdpruntime.ReleaseObject(objectID).Do(WithConn(ctx, p.conn))
}

func decodeValue(obj *cdpruntime.RemoteObject, out interface{}) error {
	if out == nil || obj == nil || len(obj.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(obj.Value, out); err != nil {
		return fmt.Errorf("decode %s value: %v: %w", obj.Type, err, browser.ErrProtocol)
	}
	return nil
}

func describe(ex *cdpruntime.ExceptionDetails) string {
	if ex.Exception != nil && ex.Exception.Description != "" {
		return ex.Exception.Description
	}
	return ex.Text
}

func joinSelectors(selectors []string) string {
	out := selectors[0]
	for _, s := range selectors[1:] {
		out += ", " + s
	}
	return out
}
