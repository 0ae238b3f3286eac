// Package browser defines the capability interface every browser backend
// implements, so orchestration and automation never depend on how a
// sandbox's browser is launched or addressed.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

var (
	// ErrConfiguration marks a missing or unusable browser installation.
	ErrConfiguration = errors.New("configuration error")
	// ErrLaunch marks a process that failed to start or to answer its handshake.
	ErrLaunch = errors.New("launch error")
	// ErrAutomationTimeout marks a mandatory element that never appeared.
	ErrAutomationTimeout = errors.New("automation timeout")
	// ErrOptionalStep marks a skipped optional automation step.
	ErrOptionalStep = errors.New("optional step failed")
	// ErrProtocol marks an unreachable control channel or a malformed reply.
	ErrProtocol = errors.New("protocol error")
	// ErrNoPopup is returned when a trigger did not open a secondary window.
	ErrNoPopup = errors.New("no popup window")
)

// LaunchOptions describes one sandbox browser
type LaunchOptions struct {
	SandboxID  int64
	ProfileDir string
	Headless   bool
}

// Launcher starts sandbox browsers for one backend
type Launcher interface {
	// Name identifies the backend ("chrome", "docker", "playwright").
	Name() string
	// Check verifies the backend is usable before any sandbox is created.
	Check(ctx context.Context) error
	// Launch starts a browser bound to opts.ProfileDir.
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
	Close() error
}

// Session is one running sandbox browser
type Session interface {
	// Endpoint is the control endpoint for live debugging, or "" when the
	// backend only exposes an in-process handle.
	Endpoint() string
	// ActivePage returns the page automation should act on.
	ActivePage(ctx context.Context) (Page, error)
	// HarvestCookies enumerates cookies visible to the given URLs.
	HarvestCookies(ctx context.Context, urls []string) ([]models.Cookie, error)
	// Terminate stops the browser and returns once it no longer runs.
	Terminate(ctx context.Context) error
	// Alive reports whether the browser process or handle is still live.
	Alive() bool
}

// Page is a browser tab the automation engine can drive
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// Content returns the current document markup.
	Content(ctx context.Context) (string, error)
	// WaitIdle waits until the page finished loading and the network has
	// been quiet, bounded by timeout.
	WaitIdle(ctx context.Context, timeout time.Duration) error
	// WaitForSelector waits until a visible element matches selector.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// Candidates returns the elements matching any selector in document order.
	Candidates(ctx context.Context, selectors []string) ([]Element, error)
	// ExpectPopup runs trigger and waits up to timeout for a secondary
	// window opened by this page. It returns ErrNoPopup on timeout.
	ExpectPopup(ctx context.Context, timeout time.Duration, trigger func() error) (Page, error)
	// WaitClosed waits until the page is closed, bounded by timeout.
	WaitClosed(ctx context.Context, timeout time.Duration) error
	Close(ctx context.Context) error
}

// Element is a handle to a DOM element
type Element interface {
	Text(ctx context.Context) (string, error)
	Box(ctx context.Context) (Box, error)
	Click(ctx context.Context) error
	// Fill clears the element and types value into it.
	Fill(ctx context.Context, value string) error
	// Submit presses Enter inside the element.
	Submit(ctx context.Context) error
	// Release frees the remote handle. It is safe to call more than once.
	Release()
}

// Box is the rendered geometry and visibility style of an element
type Box struct {
	Width      float64
	Height     float64
	Display    string
	Visibility string
}

// Visible reports whether an element with this box is rendered: it must
// have a non-zero size and must not be hidden by display or visibility.
func Visible(b Box) bool {
	if b.Width <= 0 || b.Height <= 0 {
		return false
	}
	if strings.EqualFold(b.Display, "none") {
		return false
	}
	switch strings.ToLower(b.Visibility) {
	case "hidden", "collapse":
		return false
	}
	return true
}
