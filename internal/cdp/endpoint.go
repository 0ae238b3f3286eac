package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

// Target is an entry of the endpoint's target list
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// IsPage reports whether t is a regular web page
func (t Target) IsPage() bool {
	if t.Type != "page" {
		return false
	}
	return !strings.HasPrefix(t.URL, "devtools://") && !strings.HasPrefix(t.URL, "chrome-extension://")
}

// Version is the endpoint's /json/version payload
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Endpoint is the HTTP side of a remote-debugging port
type Endpoint struct {
	addr   string
	client *retryablehttp.Client
	log    logrus.FieldLogger
}

// NewEndpoint creates an endpoint for host:port
func NewEndpoint(addr string, log logrus.FieldLogger) *Endpoint {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = retryLogger{log}

	return &Endpoint{
		addr:   addr,
		client: client,
		log:    log.WithField("endpoint", addr),
	}
}

// Addr returns host:port
func (e *Endpoint) Addr() string {
	return e.addr
}

// WaitReady polls /json/version until the browser answers or timeout
// elapses.
func (e *Endpoint) WaitReady(ctx context.Context, timeout time.Duration) (Version, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe := retryablehttp.NewClient()
	probe.HTTPClient.Timeout = 2 * time.Second
	probe.RetryWaitMin = 250 * time.Millisecond
	probe.RetryWaitMax = 500 * time.Millisecond
	probe.RetryMax = int(timeout/probe.RetryWaitMin) + 1
	probe.Logger = nil

	var v Version
	if err := e.getJSON(ctx, probe, "/json/version", &v); err != nil {
		return Version{}, fmt.Errorf("browser at %s did not answer within %s: %v: %w", e.addr, timeout, err, browser.ErrLaunch)
	}
	return v, nil
}

// Version fetches /json/version
func (e *Endpoint) Version(ctx context.Context) (Version, error) {
	var v Version
	if err := e.getJSON(ctx, e.client, "/json/version", &v); err != nil {
		return Version{}, fmt.Errorf("%v: %w", err, browser.ErrProtocol)
	}
	v.WebSocketDebuggerURL = e.rewrite(v.WebSocketDebuggerURL)
	return v, nil
}

// Targets fetches /json/list
func (e *Endpoint) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := e.getJSON(ctx, e.client, "/json/list", &targets); err != nil {
		return nil, fmt.Errorf("%v: %w", err, browser.ErrProtocol)
	}
	for i := range targets {
		targets[i].WebSocketDebuggerURL = e.rewrite(targets[i].WebSocketDebuggerURL)
		if targets[i].WebSocketDebuggerURL == "" {
			targets[i].WebSocketDebuggerURL = e.PageURL(targets[i].ID)
		}
	}
	return targets, nil
}

// Pages returns the regular page targets in endpoint order
func (e *Endpoint) Pages(ctx context.Context) ([]Target, error) {
	targets, err := e.Targets(ctx)
	if err != nil {
		return nil, err
	}
	pages := targets[:0]
	for _, t := range targets {
		if t.IsPage() {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// PageURL builds the websocket URL of a page target
func (e *Endpoint) PageURL(targetID string) string {
	return fmt.Sprintf("ws://%s/devtools/page/%s", e.addr, targetID)
}

// NewPage opens a blank page target. Browsers started without a window
// have none to attach to.
func (e *Endpoint) NewPage(ctx context.Context) (Target, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("http://%s/json/new?about:blank", e.addr), nil)
	if err != nil {
		return Target{}, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return Target{}, fmt.Errorf("open page: %v: %w", err, browser.ErrProtocol)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Target{}, fmt.Errorf("open page: unexpected status %d: %w", resp.StatusCode, browser.ErrProtocol)
	}
	var t Target
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Target{}, fmt.Errorf("open page: decode: %v: %w", err, browser.ErrProtocol)
	}
	t.WebSocketDebuggerURL = e.rewrite(t.WebSocketDebuggerURL)
	if t.WebSocketDebuggerURL == "" {
		t.WebSocketDebuggerURL = e.PageURL(t.ID)
	}
	return t, nil
}

// CloseTarget asks the endpoint to close a target
func (e *Endpoint) CloseTarget(ctx context.Context, targetID string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/json/close/%s", e.addr, url.PathEscape(targetID)), nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("close target %s: %v: %w", targetID, err, browser.ErrProtocol)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (e *Endpoint) getJSON(ctx context.Context, client *retryablehttp.Client, path string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+e.addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// rewrite points a websocket URL reported by the browser at the address we
// actually reach it on. Containerized browsers report their internal host.
func (e *Endpoint) rewrite(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Host = e.addr
	return u.String()
}

// retryLogger adapts logrus to retryablehttp's leveled logger
type retryLogger struct {
	log logrus.FieldLogger
}

func (l retryLogger) fields(kv []interface{}) logrus.FieldLogger {
	entry := l.log
	for i := 0; i+1 < len(kv); i += 2 {
		entry = entry.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return entry
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
