// Package harvest collects a sandbox's cookies over the remote-debugging
// control channel and persists them as plain-text records.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/cdp"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// Collect enumerates cookies for urls on every page target of every
// endpoint. Each page gets its own channel and two sequential calls:
// Network.enable, then Network.getCookies. The merged result is
// de-duplicated and sorted. An error is returned only when no page could
// be consulted at all.
func Collect(ctx context.Context, endpoints []*cdp.Endpoint, urls []string, log logrus.FieldLogger) ([]models.Cookie, error) {
	var (
		all       []models.Cookie
		consulted int
		errs      []error
	)

	for _, ep := range endpoints {
		pages, err := ep.Pages(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, target := range pages {
			cookies, err := fromPage(ctx, target, urls, log)
			if err != nil {
				log.WithError(err).WithField("target", target.ID).Debug("Cookie enumeration failed")
				errs = append(errs, err)
				continue
			}
			consulted++
			all = append(all, cookies...)
		}
	}

	if consulted == 0 {
		if len(errs) == 0 {
			return nil, fmt.Errorf("no page targets to harvest: %w", browser.ErrProtocol)
		}
		return nil, fmt.Errorf("harvest: %w", errors.Join(errs...))
	}
	return Normalize(all), nil
}

func fromPage(ctx context.Context, target cdp.Target, urls []string, log logrus.FieldLogger) ([]models.Cookie, error) {
	conn, err := cdp.Dial(ctx, target.WebSocketDebuggerURL, log)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	cctx := cdp.WithConn(ctx, conn)
	if err := network.Enable().Do(cctx); err != nil {
		return nil, err
	}

	params := network.GetCookies()
	if len(urls) > 0 {
		params = params.WithUrls(urls)
	}
	cookies, err := params.Do(cctx)
	if err != nil {
		return nil, err
	}
	return FromProtocol(cookies), nil
}

// FromProtocol converts protocol cookies. Cookies flagged as session
// cookies, or carrying a non-positive expiry, get no expiry.
func FromProtocol(cookies []*network.Cookie) []models.Cookie {
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		cookie := models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		}
		if !c.Session {
			cookie.Expires = unixTime(c.Expires)
		}
		out = append(out, cookie)
	}
	return out
}

func unixTime(sec float64) *time.Time {
	if sec <= 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return nil
	}
	whole, frac := math.Modf(sec)
	t := time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return &t
}
