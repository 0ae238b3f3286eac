package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/automation"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/harvest"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// Pipeline outcomes, as reported to metrics
const (
	outcomeRunning   = "running"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// pipeline drives one sandbox from launch to harvest. It is the only
// writer of the sandbox's automation fields while it runs.
func (m *Manager) pipeline(ctx context.Context, r *run, sb models.Sandbox) {
	defer close(r.done)
	defer r.cancel()

	started := time.Now()
	p := &pipelineRun{
		m:  m,
		r:  r,
		sb: sb,
		log: m.log.WithFields(logrus.Fields{
			"sandbox": sb.ID,
			"backend": r.backend,
		}),
	}

	outcome := p.execute(ctx)
	m.metrics.ObservePipeline(outcome, started)
	m.refreshGauge()
	p.log.WithField("outcome", outcome).WithField("took", time.Since(started).Round(time.Millisecond)).
		Info("Pipeline finished")
}

type pipelineRun struct {
	m   *Manager
	r   *run
	sb  models.Sandbox
	log logrus.FieldLogger
}

func (p *pipelineRun) execute(ctx context.Context) string {
	id := p.sb.ID

	session, err := p.launch(ctx)
	if err != nil {
		return p.fail(ctx, "Launch failed", err)
	}

	page, err := session.ActivePage(ctx)
	if err != nil {
		return p.fail(ctx, "No usable page", err)
	}

	// Identity provider login
	loggedIn := false
	if p.sb.UseIdentityLogin && p.sb.Identity != nil {
		p.note("Signing in as " + p.sb.Identity.Email)
		if err := p.m.engine.IdentityLogin(ctx, page, *p.sb.Identity, p.note); err != nil {
			return p.fail(ctx, "Identity login failed", err)
		}
		loggedIn = true
	}

	// Navigate to the target
	p.note("Opening " + p.sb.TargetURL)
	title, err := p.m.engine.Open(ctx, page, p.sb.TargetURL)
	if err != nil {
		return p.fail(ctx, "Navigation failed", err)
	}
	if title != "" {
		p.note(fmt.Sprintf("Loaded %q", title))
	}

	// Site automation
	if p.sb.EnableSiteAutomation {
		switch {
		case !loggedIn:
			p.note("Site automation skipped: identity login was not performed")
		default:
			err := p.m.engine.SiteLogin(ctx, page, *p.sb.Identity, p.note)
			if ctx.Err() != nil {
				return outcomeCancelled
			}
			if err != nil {
				if !automation.IsOptional(err) {
					p.log.WithError(err).Warn("Site automation failed")
				}
				p.note("Site automation skipped: " + err.Error())
			} else {
				p.note("Site automation finished")
			}
		}
	}

	observed := p.sb.TargetURL
	if current, err := page.URL(ctx); err == nil && current != "" {
		observed = current
	}
	_ = p.m.registry.Update(id, func(sb *models.Sandbox) { sb.LastObservedURL = observed })

	// Harvest never changes the automation status
	p.note("Harvesting cookies")
	p.r.harvest.Lock()
	count, err := p.m.collect(ctx, p.sb, session, observed)
	p.r.harvest.Unlock()
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	switch {
	case err != nil:
		p.log.WithError(err).Warn("Cookie harvest failed")
		p.note("Cookie harvest failed: " + err.Error())
	case count == 0:
		p.note("No cookies found")
	default:
		p.note(fmt.Sprintf("Saved %d cookies", count))
	}

	if err := p.m.registry.Transition(id, models.StatusRunning, "Ready"); err != nil {
		p.log.WithError(err).Debug("Sandbox changed state during pipeline")
		return outcomeCancelled
	}
	return outcomeRunning
}

// launch waits for a launch slot, allocates the profile directory and
// starts the browser. The session is recorded before returning so delete
// can terminate it even when ctx is cancelled right after.
func (p *pipelineRun) launch(ctx context.Context) (browser.Session, error) {
	p.note("Waiting for a launch slot")
	if err := p.m.launchSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.m.launchSlots.Release(1)

	dir, err := p.m.profiles.Allocate(p.sb.ID)
	if err != nil {
		return nil, err
	}
	_ = p.m.registry.Update(p.sb.ID, func(sb *models.Sandbox) { sb.ProfileDir = dir })

	launcher, err := p.m.backends.Get(p.r.backend)
	if err != nil {
		return nil, err
	}

	p.note("Launching browser")
	session, err := launcher.Launch(ctx, browser.LaunchOptions{
		SandboxID:  p.sb.ID,
		ProfileDir: dir,
		Headless:   p.m.opts.Headless,
	})
	if err != nil {
		p.m.metrics.Launches.WithLabelValues(p.r.backend, "error").Inc()
		return nil, err
	}
	p.m.metrics.Launches.WithLabelValues(p.r.backend, "ok").Inc()
	p.r.setSession(session)

	endpoint := session.Endpoint()
	_ = p.m.registry.Update(p.sb.ID, func(sb *models.Sandbox) { sb.ControlEndpoint = endpoint })
	if endpoint != "" {
		p.note("Browser started, control endpoint " + endpoint)
	} else {
		p.note("Browser started")
	}
	return session, ctx.Err()
}

// fail moves the sandbox to error unless the pipeline was cancelled
func (p *pipelineRun) fail(ctx context.Context, what string, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return outcomeCancelled
	}

	msg := fmt.Sprintf("%s: %v", what, err)
	p.log.WithError(err).Warn(what)
	if terr := p.m.registry.Transition(p.sb.ID, models.StatusError, msg); terr != nil {
		p.log.WithError(terr).Debug("Could not record failure")
		return outcomeCancelled
	}
	return outcomeError
}

// note records a progress message as the sandbox's current message and
// as a log entry
func (p *pipelineRun) note(msg string) {
	_ = p.m.registry.Update(p.sb.ID, func(sb *models.Sandbox) { sb.Message = msg })
	_ = p.m.registry.Log(p.sb.ID, msg)
	p.log.Debug(msg)
}

// collect harvests the cookies visible at pageURL and writes them to the
// sandbox's cookie file. The first successful harvest names the file;
// later harvests overwrite it. No file is written when no cookies exist.
func (m *Manager) collect(ctx context.Context, sb models.Sandbox, session browser.Session, pageURL string) (int, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HarvestTimeout)
	defer cancel()

	cookies, err := session.HarvestCookies(hctx, harvest.CandidateURLs(pageURL))
	if err != nil {
		m.metrics.Harvests.WithLabelValues("error").Inc()
		return 0, err
	}
	cookies = harvest.Normalize(cookies)
	if len(cookies) == 0 {
		m.metrics.Harvests.WithLabelValues("empty").Inc()
		_ = m.registry.Update(sb.ID, func(s *models.Sandbox) { s.CookieCount = 0 })
		return 0, nil
	}

	current, err := m.registry.Get(sb.ID)
	if err != nil {
		return 0, err
	}
	name := current.CookieFile
	if name == "" {
		email := ""
		if sb.Identity != nil {
			email = sb.Identity.Email
		}
		name, err = m.cookies.Available(harvest.FileName(email, harvest.Domain(pageURL), sb.ID))
		if err != nil {
			m.metrics.Harvests.WithLabelValues("error").Inc()
			return 0, err
		}
	}

	if err := m.cookies.Write(name, cookies); err != nil {
		m.metrics.Harvests.WithLabelValues("error").Inc()
		return 0, err
	}
	_ = m.registry.Update(sb.ID, func(s *models.Sandbox) {
		s.CookieFile = name
		s.CookieCount = len(cookies)
	})

	m.metrics.Harvests.WithLabelValues("ok").Inc()
	m.metrics.CookiesHarvested.Add(float64(len(cookies)))
	return len(cookies), nil
}
