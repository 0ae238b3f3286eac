// Package sandbox orchestrates sandboxes: it registers them, runs one
// pipeline per sandbox (launch, login, navigate, site automation, harvest)
// and tears them down on delete.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/cookie-sandbox/internal/automation"
	"github.com/shehryarbajwa/cookie-sandbox/internal/backend"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/harvest"
	"github.com/shehryarbajwa/cookie-sandbox/internal/identity"
	"github.com/shehryarbajwa/cookie-sandbox/internal/metrics"
	"github.com/shehryarbajwa/cookie-sandbox/internal/profile"
	"github.com/shehryarbajwa/cookie-sandbox/internal/registry"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// LogTail is the number of log entries returned with each summary
const LogTail = 20

var (
	// ErrInvalidRequest marks a create request that failed validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotReady is returned when a sandbox has no live browser to act on.
	ErrNotReady = errors.New("sandbox not ready")
	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("sandbox manager is shut down")
)

// Options tunes the manager
type Options struct {
	MaxBatch              int
	MaxConcurrentLaunches int
	Headless              bool
	ArchiveProfiles       bool
	HarvestTimeout        time.Duration
	TerminateTimeout      time.Duration
}

// run is the pipeline state of one sandbox. session is written by the
// pipeline and read by Delete only after done is closed.
type run struct {
	backend string
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	session browser.Session
	harvest sync.Mutex
}

func (r *run) setSession(s browser.Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func (r *run) getSession() browser.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Manager handles all sandbox operations
type Manager struct {
	registry *registry.Registry
	backends *backend.Manager
	profiles *profile.Manager
	cookies  *harvest.Store
	engine   *automation.Engine
	metrics  *metrics.Metrics
	opts     Options
	log      logrus.FieldLogger

	launchSlots *semaphore.Weighted

	mu      sync.Mutex
	runs    map[int64]*run
	checked map[string]bool
	closed  bool
}

// NewManager creates a sandbox manager and prunes profile directories left
// behind by a previous process.
func NewManager(
	reg *registry.Registry,
	backends *backend.Manager,
	profiles *profile.Manager,
	cookies *harvest.Store,
	engine *automation.Engine,
	m *metrics.Metrics,
	opts Options,
	log logrus.FieldLogger,
) *Manager {
	if opts.MaxConcurrentLaunches <= 0 {
		opts.MaxConcurrentLaunches = 1
	}
	if opts.HarvestTimeout <= 0 {
		opts.HarvestTimeout = 20 * time.Second
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = 30 * time.Second
	}

	if removed, err := profiles.Prune(); err != nil {
		log.WithError(err).Warn("Failed to prune stale profiles")
	} else if len(removed) > 0 {
		log.WithField("count", len(removed)).Info("Removed stale profiles")
	}

	return &Manager{
		registry:    reg,
		backends:    backends,
		profiles:    profiles,
		cookies:     cookies,
		engine:      engine,
		metrics:     m,
		opts:        opts,
		log:         log,
		launchSlots: semaphore.NewWeighted(int64(opts.MaxConcurrentLaunches)),
		runs:        make(map[int64]*run),
		checked:     make(map[string]bool),
	}
}

// Create registers req.Count sandboxes, starts one pipeline for each and
// returns their initial snapshots without waiting for any pipeline.
func (m *Manager) Create(ctx context.Context, req models.CreateSandboxesRequest) ([]models.Sandbox, error) {
	// Validate request
	if req.Count <= 0 {
		return nil, fmt.Errorf("count must be positive: %w", ErrInvalidRequest)
	}
	if m.opts.MaxBatch > 0 && req.Count > m.opts.MaxBatch {
		return nil, fmt.Errorf("count must be at most %d: %w", m.opts.MaxBatch, ErrInvalidRequest)
	}
	target, err := NormalizeURL(req.TargetURL)
	if err != nil {
		return nil, err
	}

	pool := identity.Parse(req.Identities)
	if req.UseIdentityLogin && len(pool) == 0 {
		return nil, fmt.Errorf("identity login needs at least one identity: %w", ErrInvalidRequest)
	}

	// Route to a backend and make sure it can launch browsers
	name, err := m.backends.Route(req.Backend)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}
	if err := m.check(ctx, name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	bindings := identity.Assign(pool, req.Count)
	out := make([]models.Sandbox, 0, req.Count)
	for _, id := range bindings {
		sb := m.registry.Register(models.Sandbox{
			Backend:              name,
			TargetURL:            target,
			UseIdentityLogin:     req.UseIdentityLogin,
			EnableSiteAutomation: req.EnableSiteAutomation,
			Identity:             id,
			Message:              "Queued",
		})
		m.metrics.SandboxesCreated.Inc()

		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r := &run{backend: name, cancel: cancel, done: make(chan struct{})}
		m.runs[sb.ID] = r
		go m.pipeline(pctx, r, sb)

		out = append(out, sb.Summary(LogTail))
	}
	m.refreshGauge()

	m.log.WithFields(logrus.Fields{
		"count":   req.Count,
		"backend": name,
		"target":  target,
	}).Info("Created sandboxes")
	return out, nil
}

// check runs the backend's installation check once per backend; failures
// are not remembered so a fixed installation is picked up.
func (m *Manager) check(ctx context.Context, name string) error {
	m.mu.Lock()
	ok := m.checked[name]
	m.mu.Unlock()
	if ok {
		return nil
	}

	launcher, err := m.backends.Get(name)
	if err != nil {
		return err
	}
	if err := launcher.Check(ctx); err != nil {
		return fmt.Errorf("backend %s: %w", name, err)
	}

	m.mu.Lock()
	m.checked[name] = true
	m.mu.Unlock()
	return nil
}

// NormalizeURL trims raw, adds https:// when no scheme is given and
// rejects anything that is not an absolute http(s) URL.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("target URL is required: %w", ErrInvalidRequest)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("target URL: %v: %w", err, ErrInvalidRequest)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("target URL %q must be an absolute http(s) URL: %w", raw, ErrInvalidRequest)
	}
	return u.String(), nil
}

// Get returns a summary of one sandbox
func (m *Manager) Get(id int64) (models.Sandbox, error) {
	sb, err := m.registry.Get(id)
	if err != nil {
		return models.Sandbox{}, err
	}
	return sb.Summary(LogTail), nil
}

// List returns summaries of every sandbox ordered by id
func (m *Manager) List() []models.Sandbox {
	all := m.registry.List()
	for i := range all {
		all[i] = all[i].Summary(LogTail)
	}
	return all
}

// Endpoint returns the live control endpoint of a sandbox, or "" when its
// backend has none.
func (m *Manager) Endpoint(id int64) (string, error) {
	sb, err := m.registry.Get(id)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	r := m.runs[id]
	m.mu.Unlock()
	if r == nil || r.getSession() == nil {
		return "", fmt.Errorf("sandbox %d has no browser: %w", id, ErrNotReady)
	}
	return sb.ControlEndpoint, nil
}

// Wait blocks until the pipelines of ids have finished, or ctx is done.
// Unknown ids are skipped.
func (m *Manager) Wait(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		m.mu.Lock()
		r := m.runs[id]
		m.mu.Unlock()
		if r == nil {
			continue
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Delete stops a sandbox's pipeline, terminates its browser, releases its
// profile directory and removes it from the registry, in that order.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	if _, err := m.registry.Get(id); err != nil {
		return err
	}

	// Claim the run so concurrent deletes do not tear down twice
	m.mu.Lock()
	r, ok := m.runs[id]
	delete(m.runs, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sandbox %d is being deleted: %w", id, registry.ErrNotFound)
	}

	log := m.log.WithField("sandbox", id)

	// Stop the pipeline; every wait in it honours cancellation
	r.cancel()
	<-r.done

	// Terminate the browser before touching its profile
	if session := r.getSession(); session != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TerminateTimeout)
		err := session.Terminate(tctx)
		cancel()
		if err != nil && session.Alive() {
			m.restore(id, r)
			return fmt.Errorf("terminate sandbox %d: %w", id, err)
		}
		if err != nil {
			log.WithError(err).Warn("Browser terminated with error")
		}
		r.setSession(nil)
	}

	if m.opts.ArchiveProfiles {
		if path, err := m.profiles.Archive(id); err != nil {
			log.WithError(err).Warn("Failed to archive profile")
		} else if path != "" {
			log.WithField("archive", path).Info("Archived profile")
		}
	}

	if err := m.profiles.Release(id); err != nil {
		m.restore(id, r)
		return fmt.Errorf("release profile of sandbox %d: %w", id, err)
	}

	_ = m.registry.Transition(id, models.StatusStopped, "Stopped")
	if _, err := m.registry.Remove(id); err != nil {
		return err
	}

	m.metrics.SandboxesDeleted.Inc()
	m.refreshGauge()
	log.Info("Deleted sandbox")
	return nil
}

// restore puts back a run whose teardown failed so delete can be retried
func (m *Manager) restore(id int64, r *run) {
	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()
}

// Harvest re-collects the cookies of a running sandbox and overwrites its
// cookie file.
func (m *Manager) Harvest(ctx context.Context, id int64) (models.Sandbox, error) {
	sb, err := m.registry.Get(id)
	if err != nil {
		return models.Sandbox{}, err
	}

	m.mu.Lock()
	r := m.runs[id]
	m.mu.Unlock()

	if sb.Status != models.StatusRunning || r == nil {
		return models.Sandbox{}, fmt.Errorf("sandbox %d is %s: %w", id, sb.Status, ErrNotReady)
	}
	session := r.getSession()
	if session == nil || !session.Alive() {
		return models.Sandbox{}, fmt.Errorf("sandbox %d browser is gone: %w", id, ErrNotReady)
	}

	r.harvest.Lock()
	defer r.harvest.Unlock()

	pageURL := sb.LastObservedURL
	if page, err := session.ActivePage(ctx); err == nil {
		if current, err := page.URL(ctx); err == nil && current != "" {
			pageURL = current
		}
	}
	if pageURL == "" {
		pageURL = sb.TargetURL
	}

	if _, err := m.collect(ctx, sb, session, pageURL); err != nil {
		return models.Sandbox{}, err
	}
	return m.Get(id)
}

// Shutdown refuses new sandboxes, deletes every existing one in parallel
// and closes the backends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sb := range m.registry.List() {
		id := sb.ID
		g.Go(func() error {
			err := m.Delete(gctx, id)
			if errors.Is(err, registry.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	return errors.Join(err, m.backends.Close())
}

func (m *Manager) refreshGauge() {
	m.metrics.SetStatusCounts(m.registry.CountByStatus())
}
