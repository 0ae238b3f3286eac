// Package chrome launches sandbox browsers as local Chrome/Chromium
// processes addressed over a remote-debugging port.
package chrome

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/cdp"
	"github.com/shehryarbajwa/cookie-sandbox/internal/harvest"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// Name is the backend name
const Name = "chrome"

// candidates are tried in order when no binary is configured
var candidates = []string{
	"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	`C:\Program Files\Google\Chrome\Application\chrome.exe`,
}

// Options configures the launcher
type Options struct {
	// Binary is a name on PATH or a path; empty searches common names.
	Binary string
	// BasePort is the first remote-debugging port handed out.
	BasePort int
	// LaunchTimeout bounds the wait for the debugging endpoint.
	LaunchTimeout time.Duration
	ExtraFlags    []string
}

// Launcher starts one Chrome process per sandbox
type Launcher struct {
	opts Options
	log  logrus.FieldLogger

	mu       sync.Mutex
	binary   string
	nextPort int
	sessions map[*Session]struct{}
}

var _ browser.Launcher = (*Launcher)(nil)

// New creates a Launcher
func New(opts Options, log logrus.FieldLogger) *Launcher {
	if opts.BasePort <= 0 {
		opts.BasePort = 9222
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	return &Launcher{
		opts:     opts,
		log:      log.WithField("backend", Name),
		nextPort: opts.BasePort,
		sessions: make(map[*Session]struct{}),
	}
}

func (l *Launcher) Name() string { return Name }

// Check resolves the browser binary
func (l *Launcher) Check(context.Context) error {
	bin, err := resolveBinary(l.opts.Binary)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.binary = bin
	l.mu.Unlock()
	l.log.WithField("binary", bin).Info("Browser binary found")
	return nil
}

func resolveBinary(configured string) (string, error) {
	if configured != "" {
		return lookup(configured)
	}
	for _, name := range candidates {
		if bin, err := lookup(name); err == nil {
			return bin, nil
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium binary found (tried %v): %w", candidates, browser.ErrConfiguration)
}

func lookup(name string) (string, error) {
	if filepath.IsAbs(name) {
		fi, err := os.Stat(name)
		if err != nil || fi.IsDir() {
			return "", fmt.Errorf("browser binary %s not usable: %w", name, browser.ErrConfiguration)
		}
		return name, nil
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("browser binary %s: %v: %w", name, err, browser.ErrConfiguration)
	}
	return bin, nil
}

// Flags returns the command line for a sandbox browser
func Flags(profileDir string, port int, headless bool, extra ...string) []string {
	flags := []string{
		"--user-data-dir=" + profileDir,
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--remote-debugging-address=127.0.0.1",
		"--remote-allow-origins=*",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--disable-background-networking",
		"--password-store=basic",
	}
	if headless {
		flags = append(flags, "--headless=new")
	}
	if runtime.GOOS == "linux" && os.Geteuid() == 0 {
		flags = append(flags, "--no-sandbox")
	}
	flags = append(flags, extra...)
	return append(flags, "about:blank")
}

// allocatePort hands out ports in increasing order, skipping ports that
// are already bound.
func (l *Launcher) allocatePort() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		port := l.nextPort
		l.nextPort++
		if portFree(port) {
			return port
		}
		l.log.WithField("port", port).Debug("Port busy, skipping")
	}
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Launch starts a browser on opts.ProfileDir and waits for its debugging
// endpoint to answer.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	l.mu.Lock()
	bin := l.binary
	l.mu.Unlock()
	if bin == "" {
		if err := l.Check(ctx); err != nil {
			return nil, err
		}
		bin = l.binary
	}

	port := l.allocatePort()
	log := l.log.WithFields(logrus.Fields{"sandbox": opts.SandboxID, "port": port})

	cmd := exec.Command(bin, Flags(opts.ProfileDir, port, opts.Headless, l.opts.ExtraFlags...)...)
	setProcessGroup(cmd)
	output := log.WriterLevel(logrus.DebugLevel)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		output.Close()
		return nil, fmt.Errorf("start %s: %v: %w", bin, err, browser.ErrLaunch)
	}

	s := &Session{
		cmd:  cmd,
		done: make(chan struct{}),
		log:  log,
	}
	go func() {
		s.waitErr = cmd.Wait()
		output.Close()
		close(s.done)
	}()

	s.endpoint = cdp.NewEndpoint(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), log)
	s.browser = cdp.NewBrowser(s.endpoint, log)

	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ready := make(chan error, 1)
	go func() {
		_, err := s.endpoint.WaitReady(readyCtx, l.opts.LaunchTimeout)
		ready <- err
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = s.Terminate(context.Background())
			return nil, err
		}
	case <-s.done:
		cancel()
		<-ready
		return nil, fmt.Errorf("browser exited during startup: %v: %w", s.waitErr, browser.ErrLaunch)
	}

	l.mu.Lock()
	l.sessions[s] = struct{}{}
	l.mu.Unlock()
	s.release = func() {
		l.mu.Lock()
		delete(l.sessions, s)
		l.mu.Unlock()
	}

	log.WithField("pid", cmd.Process.Pid).Info("Browser started")
	return s, nil
}

// Close terminates every browser this launcher still tracks
func (l *Launcher) Close() error {
	l.mu.Lock()
	sessions := make([]*Session, 0, len(l.sessions))
	for s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, s := range sessions {
		_ = s.Terminate(ctx)
	}
	return nil
}

// Session is a running Chrome process
type Session struct {
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	log      logrus.FieldLogger
	endpoint *cdp.Endpoint
	browser  *cdp.Browser
	release  func()

	terminate sync.Once
}

var _ browser.Session = (*Session)(nil)

// Endpoint returns host:port of the debugging endpoint
func (s *Session) Endpoint() string {
	return s.endpoint.Addr()
}

func (s *Session) ActivePage(ctx context.Context) (browser.Page, error) {
	return s.browser.ActivePage(ctx)
}

func (s *Session) HarvestCookies(ctx context.Context, urls []string) ([]models.Cookie, error) {
	return harvest.Collect(ctx, []*cdp.Endpoint{s.endpoint}, urls, s.log)
}

func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Terminate asks the browser and its helper processes to exit, kills
// them if they do not within a few seconds, and returns once the browser
// process is gone.
func (s *Session) Terminate(ctx context.Context) error {
	s.terminate.Do(func() {
		s.browser.Detach()
		if s.release != nil {
			s.release()
		}
		if s.Alive() {
			s.stop(ctx)
		}
		// helpers outlive a browser that exits on its own
		if err := killGroup(s.cmd.Process); err != nil {
			s.log.WithError(err).Debug("Signal browser process group")
		}
	})

	<-s.done
	return nil
}

func (s *Session) stop(ctx context.Context) {
	if err := interruptGroup(s.cmd.Process); err != nil {
		s.log.WithError(err).Debug("Interrupt browser process group")
	}
	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()

	select {
	case <-s.done:
		return
	case <-grace.C:
	case <-ctx.Done():
	}
	s.log.Warn("Browser ignored interrupt, killing it")
	if err := killGroup(s.cmd.Process); err != nil {
		_ = s.cmd.Process.Kill()
	}
}
