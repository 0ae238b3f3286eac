// Package cdptest provides a scripted remote-debugging endpoint for tests.
package cdptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

// Event is a push frame sent to the client
type Event struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Reply is how a handler answers one request. Events are written before
// the response, followed by a response carrying a foreign id, so clients
// must correlate strictly by id.
type Reply struct {
	Result interface{}
	Error  string
	Events []Event
}

// Handler answers a request sent to targetID
type Handler func(targetID, method string, params gjson.Result) Reply

// Call records one received request
type Call struct {
	TargetID string
	Method   string
	Params   string
}

// Target mirrors a /json/list entry
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Server is a fake debugging endpoint
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	targets []Target
	handler Handler
	calls   []Call
	conns   map[string][]*peer
	created int
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) send(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// New starts a server that answers every request with an empty result
// until a handler is installed.
func New(t testing.TB, targets ...Target) *Server {
	t.Helper()

	s := &Server{targets: targets, conns: make(map[string][]*peer)}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.serveVersion)
	mux.HandleFunc("/json/list", s.serveList)
	mux.HandleFunc("/json/new", s.serveNew)
	mux.HandleFunc("/json/close/", s.serveClose)
	mux.HandleFunc("/devtools/", s.serveWS)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port
func (s *Server) Addr() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Handle installs the request handler
func (s *Server) Handle(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SetTargets replaces the target list
func (s *Server) SetTargets(targets ...Target) {
	s.mu.Lock()
	s.targets = targets
	s.mu.Unlock()
}

// Push sends an event to every open connection of targetID. The browser
// connection has the target id "fake".
func (s *Server) Push(targetID string, ev Event) {
	s.mu.Lock()
	peers := append([]*peer(nil), s.conns[targetID]...)
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.send(ev)
	}
}

// Calls returns the requests received so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Methods returns the method names received by targetID, in order
func (s *Server) Methods(targetID string) []string {
	var out []string
	for _, c := range s.Calls() {
		if c.TargetID == targetID {
			out = append(out, c.Method)
		}
	}
	return out
}

func (s *Server) serveVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "HeadlessChrome/131.0.0.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
	})
}

func (s *Server) serveList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]string, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, map[string]string{
			"id":                   t.ID,
			"type":                 t.Type,
			"title":                t.Title,
			"url":                  t.URL,
			"webSocketDebuggerUrl": "ws://0.0.0.0:9222/devtools/page/" + t.ID,
		})
	}
	writeJSON(w, out)
}

func (s *Server) serveNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	s.created++
	t := Target{ID: fmt.Sprintf("new-%d", s.created), Type: "page", URL: "about:blank"}
	s.targets = append(s.targets, t)
	s.mu.Unlock()

	writeJSON(w, map[string]string{
		"id":                   t.ID,
		"type":                 t.Type,
		"url":                  t.URL,
		"webSocketDebuggerUrl": "ws://0.0.0.0:9222/devtools/page/" + t.ID,
	})
}

func (s *Server) serveClose(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/json/close/")

	s.mu.Lock()
	kept := s.targets[:0]
	for _, t := range s.targets {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	s.targets = kept
	s.mu.Unlock()

	w.Write([]byte("Target is closing"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	targetID := parts[len(parts)-1]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p := &peer{conn: conn}
	s.mu.Lock()
	s.conns[targetID] = append(s.conns[targetID], p)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		peers := s.conns[targetID]
		for i, q := range peers {
			if q == p {
				s.conns[targetID] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg cdproto.Message
		if err := easyjson.Unmarshal(frame, &msg); err != nil {
			return
		}
		id, method := msg.ID, string(msg.Method)
		params := gjson.ParseBytes(msg.Params)

		s.mu.Lock()
		s.calls = append(s.calls, Call{TargetID: targetID, Method: method, Params: string(msg.Params)})
		h := s.handler
		s.mu.Unlock()

		reply := Reply{Result: map[string]interface{}{}}
		if h != nil {
			reply = h(targetID, method, params)
		}

		for _, ev := range reply.Events {
			if err := p.send(ev); err != nil {
				return
			}
		}
		if err := p.send(map[string]interface{}{"id": id + 1000, "result": map[string]string{"stale": "yes"}}); err != nil {
			return
		}

		resp := map[string]interface{}{"id": id}
		if reply.Error != "" {
			resp["error"] = map[string]interface{}{"code": -32000, "message": reply.Error}
		} else {
			if reply.Result == nil {
				reply.Result = map[string]interface{}{}
			}
			resp["result"] = reply.Result
		}
		if err := p.send(resp); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
