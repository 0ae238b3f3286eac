package cdp

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

// Browser tracks the active page of a browser reachable on an endpoint. It
// is shared by backends that address their browser over a debugging port.
type Browser struct {
	endpoint *Endpoint
	log      logrus.FieldLogger

	mu   sync.Mutex
	page *Page
}

// NewBrowser creates a Browser for endpoint
func NewBrowser(endpoint *Endpoint, log logrus.FieldLogger) *Browser {
	return &Browser{endpoint: endpoint, log: log}
}

// Endpoint returns the HTTP endpoint
func (b *Browser) Endpoint() *Endpoint {
	return b.endpoint
}

// ActivePage returns the page automation acts on. The attached page is
// reused while its target exists; otherwise the first page target listed
// by the endpoint is attached, or a blank one is opened.
func (b *Browser) ActivePage(ctx context.Context) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pages, err := b.endpoint.Pages(ctx)
	if err != nil {
		return nil, err
	}

	if b.page != nil {
		for _, t := range pages {
			if t.ID == b.page.TargetID() {
				return b.page, nil
			}
		}
		b.page.Detach()
		b.page = nil
	}

	target := Target{}
	if len(pages) > 0 {
		target = pages[0]
	} else {
		b.log.Debug("No page targets, opening one")
		if target, err = b.endpoint.NewPage(ctx); err != nil {
			return nil, err
		}
	}

	page, err := OpenPage(ctx, b.endpoint, target, b.log)
	if err != nil {
		return nil, err
	}
	b.page = page
	return page, nil
}

// Detach closes the active page's control channels
func (b *Browser) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.page != nil {
		b.page.Detach()
		b.page = nil
	}
}
