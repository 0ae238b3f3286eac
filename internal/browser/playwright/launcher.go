// Package playwright runs sandbox browsers as persistent Playwright
// Chromium contexts driven in-process.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/harvest"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// Name is the backend name
const Name = "playwright"

// Options configures the launcher
type Options struct {
	// Install downloads the driver and Chromium when missing.
	Install       bool
	LaunchTimeout time.Duration
	Args          []string
}

// Launcher owns the Playwright driver shared by all sandboxes
type Launcher struct {
	opts Options
	log  logrus.FieldLogger

	mu sync.Mutex
	pw *playwright.Playwright
}

var _ browser.Launcher = (*Launcher)(nil)

// New creates a Launcher. The driver starts on Check.
func New(opts Options, log logrus.FieldLogger) *Launcher {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	return &Launcher{opts: opts, log: log.WithField("backend", Name)}
}

func (l *Launcher) Name() string { return Name }

// Check starts the Playwright driver
func (l *Launcher) Check(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw != nil {
		return nil
	}

	out := l.log.WithField("component", "driver").WriterLevel(logrus.DebugLevel)
	defer out.Close()
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   out,
		Stderr:   out,
	}

	if l.opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %v: %w", err, browser.ErrConfiguration)
		}
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %v: %w", err, browser.ErrConfiguration)
	}
	l.pw = pw
	return nil
}

// Launch opens a persistent Chromium context on opts.ProfileDir
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	if err := l.Check(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	pw := l.pw
	l.mu.Unlock()

	args := append([]string{"--no-first-run", "--no-default-browser-check"}, l.opts.Args...)
	bc, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     args,
		Timeout:  timeout(ctx, l.opts.LaunchTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("launch persistent context: %v: %w", err, browser.ErrLaunch)
	}

	s := &Session{bc: bc, log: l.log.WithField("sandbox", opts.SandboxID), closed: make(chan struct{})}
	bc.OnClose(func(playwright.BrowserContext) { s.markClosed() })
	return s, nil
}

// Close stops the driver
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

// Session is a persistent browser context
type Session struct {
	bc  playwright.BrowserContext
	log logrus.FieldLogger

	closeOnce sync.Once
	closed    chan struct{}
}

var _ browser.Session = (*Session)(nil)

// Endpoint is empty: the context is only reachable in-process
func (s *Session) Endpoint() string { return "" }

// ActivePage returns the most recently opened page that is still open,
// opening one if the context has none.
func (s *Session) ActivePage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Alive() {
		return nil, fmt.Errorf("browser context closed: %w", browser.ErrProtocol)
	}

	pages := s.bc.Pages()
	for i := len(pages) - 1; i >= 0; i-- {
		if !pages[i].IsClosed() {
			return newPage(pages[i], s.log), nil
		}
	}
	p, err := s.bc.NewPage()
	if err != nil {
		return nil, fmt.Errorf("open page: %v: %w", err, browser.ErrProtocol)
	}
	return newPage(p, s.log), nil
}

// HarvestCookies reads the context's cookies for urls
func (s *Session) HarvestCookies(ctx context.Context, urls []string) ([]models.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Alive() {
		return nil, fmt.Errorf("browser context closed: %w", browser.ErrProtocol)
	}

	cookies, err := s.bc.Cookies(urls...)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %v: %w", err, browser.ErrProtocol)
	}
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, convertCookie(c))
	}
	return harvest.Normalize(out), nil
}

func convertCookie(c playwright.Cookie) models.Cookie {
	out := models.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if c.SameSite != nil {
		out.SameSite = string(*c.SameSite)
	}
	if c.Expires > 0 {
		t := time.Unix(int64(c.Expires), 0).UTC()
		out.Expires = &t
	}
	return out
}

// Terminate closes the context, which also stops its browser
func (s *Session) Terminate(context.Context) error {
	if !s.Alive() {
		return nil
	}
	err := s.bc.Close()
	s.markClosed()
	if err != nil && !errors.Is(err, playwright.ErrTargetClosed) {
		return fmt.Errorf("close browser context: %w", err)
	}
	return nil
}

func (s *Session) Alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}
