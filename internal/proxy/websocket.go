// Package proxy relays a client websocket to a sandbox's control endpoint
// for live debugging.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/cdp"
	"github.com/shehryarbajwa/cookie-sandbox/internal/registry"
	"github.com/shehryarbajwa/cookie-sandbox/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Resolver returns the control endpoint (host:port) of a sandbox
type Resolver interface {
	Endpoint(id int64) (string, error)
}

// Server relays debug connections
type Server struct {
	sandboxes   Resolver
	log         logrus.FieldLogger
	dialTimeout time.Duration
}

// NewServer creates a relay for the sandboxes known to r
func NewServer(r Resolver, log logrus.FieldLogger) *Server {
	return &Server{
		sandboxes:   r,
		log:         log.WithField("component", "proxy"),
		dialTimeout: 10 * time.Second,
	}
}

// HandleDebugConnection upgrades the request and relays frames in both
// directions until either side closes.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, id int64) {
	log := s.log.WithField("sandbox", id)

	addr, err := s.sandboxes.Endpoint(id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, "Sandbox not found", http.StatusNotFound)
		return
	case errors.Is(err, sandbox.ErrNotReady):
		http.Error(w, "Sandbox has no running browser", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	case addr == "":
		http.Error(w, "Sandbox backend exposes no control endpoint", http.StatusConflict)
		return
	}

	// Resolve the browser websocket before upgrading so failures are
	// still plain HTTP errors
	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
	defer cancel()

	version, err := cdp.NewEndpoint(addr, log).Version(ctx)
	if err != nil {
		log.WithError(err).Warn("Control endpoint unreachable")
		http.Error(w, fmt.Sprintf("Control endpoint unreachable: %v", err), http.StatusBadGateway)
		return
	}

	browserConn, _, err := websocket.DefaultDialer.DialContext(ctx, version.WebSocketDebuggerURL, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to connect to browser")
		http.Error(w, fmt.Sprintf("Failed to connect to browser: %v", err), http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Failed to upgrade connection")
		return
	}
	defer clientConn.Close()

	log.Info("Debug client connected")

	// Bidirectional relay
	errChan := make(chan error, 2)
	go func() {
		errChan <- s.relay(clientConn, browserConn, "client→browser")
	}()
	go func() {
		errChan <- s.relay(browserConn, clientConn, "browser→client")
	}()

	// Wait for either direction to close, then unblock the other
	err = <-errChan
	clientConn.Close()
	browserConn.Close()
	<-errChan

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.WithError(err).Debug("Relay ended")
	}
	log.Info("Debug client disconnected")
}

func (s *Server) relay(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).WithField("direction", direction).Debug("Websocket closed unexpectedly")
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
