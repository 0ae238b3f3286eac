package cdp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/cdp/cdptest"
)

func TestEndpointPagesRewritesHost(t *testing.T) {
	t.Parallel()

	srv := cdptest.New(t,
		cdptest.Target{ID: "sw", Type: "service_worker", URL: "https://example.com/sw.js"},
		cdptest.Target{ID: "dt", Type: "page", URL: "devtools://devtools/bundled/inspector.html"},
		cdptest.Target{ID: "p1", Type: "page", URL: "https://example.com/"},
	)
	ep := NewEndpoint(srv.Addr(), testLogger())

	pages, err := ep.Pages(context.Background())
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "p1", pages[0].ID)
	assert.Equal(t, "ws://"+srv.Addr()+"/devtools/page/p1", pages[0].WebSocketDebuggerURL)

	v, err := ep.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://"+srv.Addr()+"/devtools/browser/fake", v.WebSocketDebuggerURL)
}

func TestWaitReadyTimesOut(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ep := NewEndpoint(addr, testLogger())
	start := time.Now()
	_, err = ep.WaitReady(context.Background(), 700*time.Millisecond)
	require.ErrorIs(t, err, browser.ErrLaunch)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	srv := cdptest.New(t)
	v, err := NewEndpoint(srv.Addr(), testLogger()).WaitReady(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1.3", v.ProtocolVersion)
}
