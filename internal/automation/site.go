package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// SiteLogin clicks the target site's login trigger, when there is one,
// and then its federated login trigger. When the federated trigger opens a
// popup, the popup is driven until it closes itself or its close timeout
// elapses, after which the original page is settled. A missing federated
// trigger returns ErrOptionalStep.
func (e *Engine) SiteLogin(ctx context.Context, page browser.Page, id models.Identity, progress Progress) error {
	progress.report("Looking for site login")
	if err := e.optional(ctx, "site login trigger", e.Click(ctx, page, SiteLogin)); err != nil {
		return err
	}
	e.Settle(ctx, page)

	trigger, ok := Find(ctx, page, FederatedLogin)
	if !ok {
		return fmt.Errorf("federated login trigger: %w", browser.ErrOptionalStep)
	}
	progress.report("Continuing with identity provider")

	popup, err := page.ExpectPopup(ctx, e.timeouts.Popup, func() error {
		return trigger.Click(ctx)
	})
	trigger.Release()

	switch {
	case errors.Is(err, browser.ErrNoPopup):
		e.log.Debug("Federated login stayed in the page")
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("federated login trigger: %v: %w", err, browser.ErrOptionalStep)
	default:
		progress.report("Handling login popup")
		e.handlePopup(ctx, popup, id)
	}

	e.Settle(ctx, page)
	return ctx.Err()
}

func (e *Engine) handlePopup(ctx context.Context, popup browser.Page, id models.Identity) {
	defer popup.Close(context.WithoutCancel(ctx))

	e.Settle(ctx, popup)
	if err := e.chooseAccount(ctx, popup, id); err != nil && ctx.Err() == nil {
		e.log.WithError(err).Info("Popup account selection skipped")
	}

	if err := popup.WaitClosed(ctx, e.timeouts.PopupClose); err != nil && ctx.Err() == nil {
		e.log.WithError(err).Warn("Login popup did not close, closing it")
	}
}

// chooseAccount picks the bound account in the provider's account
// chooser, falling back to the first listed account, or signs in through
// the popup's own form when no chooser is shown.
func (e *Engine) chooseAccount(ctx context.Context, popup browser.Page, id models.Identity) error {
	probe, err := Snapshot(ctx, popup)
	if err != nil {
		return err
	}

	if probe.Has(accountEntrySelector) {
		entry, ok := Find(ctx, popup, Query{Keywords: []string{id.Email}, Selectors: []string{accountEntrySelector}})
		if !ok {
			entry, err = popup.WaitForSelector(ctx, accountEntrySelector, e.timeouts.Recovery)
			if err != nil {
				return fmt.Errorf("account chooser: %w", browser.ErrOptionalStep)
			}
		}
		defer entry.Release()
		if err := entry.Click(ctx); err != nil {
			return err
		}
		e.Settle(ctx, popup)
		return e.optional(ctx, "popup consent", e.Click(ctx, popup, Consent))
	}

	if !probe.Has(emailSelector) && !probe.Has(passwordSelector) {
		return fmt.Errorf("no account chooser or login form: %w", browser.ErrOptionalStep)
	}
	if probe.Has(emailSelector) {
		if err := e.fillField(ctx, popup, emailSelector, id.Email, false); err != nil {
			return err
		}
		e.Settle(ctx, popup)
	}
	if err := e.fillField(ctx, popup, passwordSelector, id.Password, true); err != nil {
		return err
	}
	e.Settle(ctx, popup)
	return nil
}
