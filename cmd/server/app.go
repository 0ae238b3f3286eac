package main

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/shehryarbajwa/cookie-sandbox/internal/api"
	"github.com/shehryarbajwa/cookie-sandbox/internal/automation"
	"github.com/shehryarbajwa/cookie-sandbox/internal/backend"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser/chrome"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser/docker"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser/playwright"
	"github.com/shehryarbajwa/cookie-sandbox/internal/config"
	"github.com/shehryarbajwa/cookie-sandbox/internal/harvest"
	"github.com/shehryarbajwa/cookie-sandbox/internal/metrics"
	"github.com/shehryarbajwa/cookie-sandbox/internal/profile"
	"github.com/shehryarbajwa/cookie-sandbox/internal/proxy"
	"github.com/shehryarbajwa/cookie-sandbox/internal/ratelimit"
	"github.com/shehryarbajwa/cookie-sandbox/internal/registry"
	"github.com/shehryarbajwa/cookie-sandbox/internal/sandbox"
)

// app wires every component of the service
type app struct {
	cfg       config.Config
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	backends  *backend.Manager
	cookies   *harvest.Store
	sandboxes *sandbox.Manager
}

func newApp(cfg config.Config, log logrus.FieldLogger) (*app, error) {
	fs := afero.NewOsFs()

	launchers, err := buildLaunchers(cfg, log)
	if err != nil {
		return nil, err
	}
	backends, err := backend.NewManager(launchers...)
	if err != nil {
		return nil, err
	}

	archiveDir := ""
	if cfg.ArchiveProfiles {
		archiveDir = cfg.ArchivesDir()
	}
	profiles, err := profile.NewManager(fs, cfg.ProfilesDir(), archiveDir)
	if err != nil {
		return nil, err
	}
	cookies, err := harvest.NewStore(fs, cfg.CookiesDir())
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	engine := automation.New(cfg.Automation(), log.WithField("component", "automation"))
	sandboxes := sandbox.NewManager(registry.New(), backends, profiles, cookies, engine, m, sandbox.Options{
		MaxBatch:              cfg.MaxBatch,
		MaxConcurrentLaunches: cfg.MaxConcurrentLaunches,
		Headless:              cfg.Headless,
		ArchiveProfiles:       cfg.ArchiveProfiles,
		HarvestTimeout:        cfg.HarvestTimeout,
	}, log)

	return &app{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		backends:  backends,
		cookies:   cookies,
		sandboxes: sandboxes,
	}, nil
}

// buildLaunchers creates every backend with the configured one first, so
// it becomes the default. Only the default backend must construct.
func buildLaunchers(cfg config.Config, log logrus.FieldLogger) ([]browser.Launcher, error) {
	names := []string{cfg.Backend}
	for _, name := range config.Backends {
		if name != cfg.Backend {
			names = append(names, name)
		}
	}

	var launchers []browser.Launcher
	for _, name := range names {
		switch name {
		case chrome.Name:
			launchers = append(launchers, chrome.New(chrome.Options{
				Binary:        cfg.ChromeBinary,
				BasePort:      cfg.BasePort,
				LaunchTimeout: cfg.LaunchTimeout,
			}, log))
		case docker.Name:
			l, err := docker.New(docker.Options{Image: cfg.DockerImage, LaunchTimeout: cfg.LaunchTimeout}, log)
			if err != nil {
				if name == cfg.Backend {
					return nil, err
				}
				log.WithError(err).Warn("Docker backend disabled")
				continue
			}
			launchers = append(launchers, l)
		case playwright.Name:
			launchers = append(launchers, playwright.New(playwright.Options{
				Install:       cfg.PlaywrightInstall,
				LaunchTimeout: cfg.LaunchTimeout,
			}, log))
		}
	}
	return launchers, nil
}

// check verifies the default backend and reports unusable optional ones
func (a *app) check(ctx context.Context) error {
	unavailable, err := a.backends.Check(ctx)
	if err != nil {
		return err
	}
	for name, err := range unavailable {
		a.log.WithError(err).WithField("backend", name).Warn("Backend unavailable")
	}
	return nil
}

// handler builds the HTTP router
func (a *app) handler() http.Handler {
	h := api.NewHandler(a.sandboxes, a.cookies, a.log)
	limiter := ratelimit.NewLimiter(a.cfg.RateLimitPerHour, a.cfg.RateLimitBurst)
	return h.SetupRoutes(proxy.NewServer(a.sandboxes, a.log), limiter, a.metrics)
}

// shutdown deletes every sandbox and closes the backends
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.sandboxes.Shutdown(ctx)
}
