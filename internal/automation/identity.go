package automation

import (
	"context"
	"fmt"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// IdentityProviderURL is the entry point of the identity-provider login
const IdentityProviderURL = "https://accounts.google.com/signin/v2/identifier?hl=zh-CN&flowName=GlifWebSignIn"

// IdentityLogin signs id in at the identity provider. A mandatory field
// that never appears aborts with ErrAutomationTimeout; the recovery and
// consent steps are optional and only logged when they fail.
func (e *Engine) IdentityLogin(ctx context.Context, page browser.Page, id models.Identity, progress Progress) error {
	log := e.log.WithField("account", id.Email)

	progress.report("Opening identity provider")
	if err := page.Navigate(ctx, IdentityProviderURL); err != nil {
		return fmt.Errorf("open identity provider: %w", err)
	}
	e.Settle(ctx, page)

	progress.report("Entering email")
	if err := e.fillField(ctx, page, emailSelector, id.Email, false); err != nil {
		return fmt.Errorf("email step: %w", err)
	}
	e.Settle(ctx, page)

	progress.report("Entering password")
	if err := e.fillField(ctx, page, passwordSelector, id.Password, true); err != nil {
		return fmt.Errorf("password step: %w", err)
	}
	e.Settle(ctx, page)

	if err := e.optional(ctx, "recovery", e.recovery(ctx, page, id, progress)); err != nil {
		return err
	}
	e.Settle(ctx, page)

	if err := e.Click(ctx, page, Consent); err == nil {
		progress.report("Accepted account notice")
		e.Settle(ctx, page)
	} else if err := e.optional(ctx, "consent", err); err != nil {
		return err
	}

	log.Info("Identity login finished")
	progress.report("Identity login finished")
	return ctx.Err()
}

// fillField waits for a mandatory field, types value and advances the
// form. The password field is always submitted with Enter; the email
// field prefers a visible "next" control.
func (e *Engine) fillField(ctx context.Context, page browser.Page, selector, value string, submit bool) error {
	el, err := page.WaitForSelector(ctx, selector, e.timeouts.Field)
	if err != nil {
		return err
	}
	defer el.Release()

	if err := el.Fill(ctx, value); err != nil {
		return err
	}
	if !submit {
		if next, ok := Find(ctx, page, NextButton); ok {
			defer next.Release()
			return next.Click(ctx)
		}
	}
	return el.Submit(ctx)
}

// recovery fills the recovery-email challenge when the provider shows one
func (e *Engine) recovery(ctx context.Context, page browser.Page, id models.Identity, progress Progress) error {
	el, err := page.WaitForSelector(ctx, emailSelector, e.timeouts.Recovery)
	if err != nil {
		return fmt.Errorf("no recovery field: %w", browser.ErrOptionalStep)
	}
	defer el.Release()

	probe, err := Snapshot(ctx, page)
	if err != nil {
		return fmt.Errorf("inspect recovery prompt: %v: %w", err, browser.ErrOptionalStep)
	}
	if !probe.Mentions(recoveryPrompt) {
		return fmt.Errorf("email field is not a recovery prompt: %w", browser.ErrOptionalStep)
	}
	if id.RecoveryEmail == "" {
		return fmt.Errorf("recovery email requested but none bound: %w", browser.ErrOptionalStep)
	}

	progress.report("Entering recovery email")
	if err := el.Fill(ctx, id.RecoveryEmail); err != nil {
		return fmt.Errorf("fill recovery email: %v: %w", err, browser.ErrOptionalStep)
	}
	if err := el.Submit(ctx); err != nil {
		return fmt.Errorf("submit recovery email: %v: %w", err, browser.ErrOptionalStep)
	}
	return nil
}
