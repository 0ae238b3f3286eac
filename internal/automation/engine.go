// Package automation drives login flows through the browser capability
// interface: the identity-provider sequence, heuristic clickable-text
// lookup, and site-level federated login including popup windows.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

// Timeouts bounds every wait of the engine
type Timeouts struct {
	// Field bounds the wait for a mandatory form field.
	Field time.Duration
	// Recovery bounds the wait for the optional recovery-email field.
	Recovery time.Duration
	// Settle bounds a wait for network idle.
	Settle time.Duration
	// Grace is slept after every settle.
	Grace time.Duration
	// Popup bounds the wait for a secondary window to open.
	Popup time.Duration
	// PopupClose bounds the wait for a secondary window to close itself.
	PopupClose time.Duration
}

// DefaultTimeouts returns the bounds used when none are configured
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Field:      30 * time.Second,
		Recovery:   5 * time.Second,
		Settle:     15 * time.Second,
		Grace:      1500 * time.Millisecond,
		Popup:      8 * time.Second,
		PopupClose: 60 * time.Second,
	}
}

// Progress receives short human-readable step messages
type Progress func(msg string)

func (p Progress) report(format string, args ...interface{}) {
	if p != nil {
		p(fmt.Sprintf(format, args...))
	}
}

// Engine runs login flows
type Engine struct {
	timeouts Timeouts
	log      logrus.FieldLogger
}

// New creates an Engine
func New(timeouts Timeouts, log logrus.FieldLogger) *Engine {
	return &Engine{timeouts: timeouts, log: log}
}

// Timeouts returns the engine's bounds
func (e *Engine) Timeouts() Timeouts {
	return e.timeouts
}

// Open navigates page to url and waits for it to settle. A navigation
// failure is returned; a page that never goes idle is not an error.
func (e *Engine) Open(ctx context.Context, page browser.Page, url string) (string, error) {
	if err := page.Navigate(ctx, url); err != nil {
		return "", err
	}
	e.Settle(ctx, page)

	title := ""
	if probe, err := Snapshot(ctx, page); err == nil {
		title = probe.Title()
	}
	return title, ctx.Err()
}

// Settle waits for network idle, bounded by the settle timeout, then
// sleeps the grace delay. Only cancellation interrupts it.
func (e *Engine) Settle(ctx context.Context, page browser.Page) {
	if err := page.WaitIdle(ctx, e.timeouts.Settle); err != nil && ctx.Err() == nil {
		e.log.WithError(err).Debug("Page did not settle")
	}
	sleep(ctx, e.timeouts.Grace)
}

// Click finds q on page and clicks it. It returns ErrOptionalStep when no
// visible element matches.
func (e *Engine) Click(ctx context.Context, page browser.Page, q Query) error {
	el, ok := Find(ctx, page, q)
	if !ok {
		return fmt.Errorf("no visible element matching %q: %w", q.Keywords, browser.ErrOptionalStep)
	}
	defer el.Release()
	return el.Click(ctx)
}

// optional turns a soft failure into a log line. Cancellation passes
// through so the caller stops.
func (e *Engine) optional(ctx context.Context, step string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	e.log.WithError(err).WithField("step", step).Info("Optional step skipped")
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// IsOptional reports whether err is a soft failure that should be logged
// and ignored.
func IsOptional(err error) bool {
	return errors.Is(err, browser.ErrOptionalStep) ||
		errors.Is(err, browser.ErrAutomationTimeout) ||
		errors.Is(err, browser.ErrNoPopup)
}
