package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// Launcher hands out Sessions backed by scripted pages
type Launcher struct {
	NameValue string
	CheckErr  error
	LaunchErr error
	// NewPage builds the active page of each launched session.
	NewPage func(opts browser.LaunchOptions) *Page
	// Cookies are returned by every session's harvest.
	Cookies []models.Cookie
	// CookiesFor, when set, replaces Cookies per launched session.
	CookiesFor func(opts browser.LaunchOptions) []models.Cookie
	// HarvestErr fails every session's harvest.
	HarvestErr error
	// OnTerminate runs inside Session.Terminate before the session stops.
	OnTerminate func(s *Session)

	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Name() string {
	if l.NameValue == "" {
		return "fake"
	}
	return l.NameValue
}

func (l *Launcher) Check(context.Context) error { return l.CheckErr }

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.LaunchErr != nil {
		return nil, fmt.Errorf("sandbox %d: %w", opts.SandboxID, l.LaunchErr)
	}

	page := NewPage()
	if l.NewPage != nil {
		page = l.NewPage(opts)
	}
	cookies := l.Cookies
	if l.CookiesFor != nil {
		cookies = l.CookiesFor(opts)
	}
	s := &Session{
		Opts:        opts,
		page:        page,
		cookies:     cookies,
		harvestErr:  l.HarvestErr,
		onTerminate: l.OnTerminate,
	}
	s.alive.Store(true)

	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Sessions returns every launched session in launch order
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Closed reports whether Close was called
func (l *Launcher) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Session is a launched fake browser
type Session struct {
	Opts browser.LaunchOptions

	page        *Page
	cookies     []models.Cookie
	harvestErr  error
	onTerminate func(s *Session)

	alive       atomic.Bool
	terminated  atomic.Int32
	mu          sync.Mutex
	harvestURLs [][]string
}

var _ browser.Session = (*Session)(nil)

func (s *Session) Endpoint() string { return "" }

// Page returns the session's active page
func (s *Session) Page() *Page { return s.page }

func (s *Session) ActivePage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.alive.Load() {
		return nil, fmt.Errorf("session terminated: %w", browser.ErrProtocol)
	}
	return s.page, nil
}

func (s *Session) HarvestCookies(ctx context.Context, urls []string) ([]models.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.harvestURLs = append(s.harvestURLs, urls)
	s.mu.Unlock()
	if s.harvestErr != nil {
		return nil, s.harvestErr
	}
	return append([]models.Cookie(nil), s.cookies...), nil
}

func (s *Session) Terminate(context.Context) error {
	if s.onTerminate != nil {
		s.onTerminate(s)
	}
	s.terminated.Add(1)
	s.alive.Store(false)
	return nil
}

func (s *Session) Alive() bool { return s.alive.Load() }

// Terminations returns how often Terminate was called
func (s *Session) Terminations() int { return int(s.terminated.Load()) }

// HarvestURLs returns the URL lists passed to HarvestCookies
func (s *Session) HarvestURLs() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.harvestURLs...)
}
