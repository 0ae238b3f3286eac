package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shehryarbajwa/cookie-sandbox/internal/cdp/cdptest"
	"github.com/shehryarbajwa/cookie-sandbox/internal/registry"
	"github.com/shehryarbajwa/cookie-sandbox/internal/sandbox"
)

type resolver map[int64]string

func (r resolver) Endpoint(id int64) (string, error) {
	addr, ok := r[id]
	switch {
	case !ok:
		return "", fmt.Errorf("sandbox %d: %w", id, registry.ErrNotFound)
	case addr == "down":
		return "", sandbox.ErrNotReady
	}
	return addr, nil
}

func newRelay(t *testing.T, r resolver, id int64) *httptest.Server {
	t.Helper()

	log, _ := test.NewNullLogger()
	s := NewServer(r, log)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.HandleDebugConnection(w, req, id)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRelay(t *testing.T) {
	browser := cdptest.New(t)
	srv := newRelay(t, resolver{1: browser.Addr()}, 1)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":7,"method":"Browser.getVersion"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ids []int64
	for len(ids) < 2 {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		ids = append(ids, gjson.GetBytes(frame, "id").Int())
	}
	assert.Equal(t, []int64{1007, 7}, ids, "frames are relayed unchanged and in order")
	assert.Equal(t, []string{"Browser.getVersion"}, browser.Methods("fake"))
}

func TestRelayErrors(t *testing.T) {
	cases := []struct {
		name string
		r    resolver
		want int
	}{
		{"unknown sandbox", resolver{}, http.StatusNotFound},
		{"no browser", resolver{1: "down"}, http.StatusConflict},
		{"in-process backend", resolver{1: ""}, http.StatusConflict},
		{"unreachable endpoint", resolver{1: "127.0.0.1:1"}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newRelay(t, tc.r, 1)
			resp, err := http.Get(srv.URL)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}
