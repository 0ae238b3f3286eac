// Package cdp speaks the browser remote-debugging protocol: JSON requests
// {id, method, params} over a websocket, answered by {id, result} or
// {id, error}, interleaved with push-style event frames.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	protocdp "github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

// EventHandler receives every event frame read from a connection. ev is
// the decoded event, or nil when the event is unknown or malformed.
type EventHandler func(method cdproto.MethodType, ev interface{})

// Conn is a control-channel connection to one target. Requests are
// serialized: a call writes its request and then reads frames until the
// response carrying its id arrives, handing event frames to the handler
// and dropping responses that belong to nobody.
type Conn struct {
	ws      *websocket.Conn
	mu      sync.Mutex
	nextID  int64
	handler EventHandler
	broken  error
	log     logrus.FieldLogger
}

var _ protocdp.Executor = (*Conn)(nil)

// Dial opens a control channel to a websocket debugger URL
func Dial(ctx context.Context, wsURL string, log logrus.FieldLogger) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", wsURL, err, browser.ErrProtocol)
	}
	ws.SetReadLimit(64 * 1024 * 1024)

	return &Conn{
		ws:  ws,
		log: log.WithField("ws", wsURL),
	}, nil
}

// WithConn returns a context that runs typed protocol commands
// (network.Enable().Do(ctx) and friends) over c.
func WithConn(ctx context.Context, c *Conn) context.Context {
	return protocdp.WithExecutor(ctx, c)
}

// OnEvent installs the event handler. It runs on the reading goroutine.
func (c *Conn) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Execute sends one command and blocks until its correlated response
// arrives, decoding the result into res when res is not nil.
func (c *Conn) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return c.broken
	}

	c.nextID++
	msg := cdproto.Message{ID: c.nextID, Method: cdproto.MethodType(method)}
	if params != nil {
		buf, err := easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", method, err)
		}
		msg.Params = buf
	}

	payload, err := easyjson.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	if err := c.write(ctx, payload); err != nil {
		return c.fail(fmt.Errorf("send %s: %v: %w", method, err, browser.ErrProtocol))
	}

	for {
		reply, err := c.next(ctx)
		if err != nil {
			return c.fail(fmt.Errorf("await %s: %w", method, err))
		}
		if reply.ID == 0 {
			c.dispatch(reply)
			continue
		}
		if reply.ID != msg.ID {
			continue
		}

		if reply.Error != nil {
			return fmt.Errorf("%s: %s (code %d): %w", method, reply.Error.Message, reply.Error.Code, browser.ErrProtocol)
		}
		if res == nil || len(reply.Result) == 0 {
			return nil
		}
		if err := easyjson.Unmarshal(reply.Result, res); err != nil {
			return fmt.Errorf("%s: decode result: %v: %w", method, err, browser.ErrProtocol)
		}
		return nil
	}
}

// WaitEvent reads frames until an event named method satisfies match, or
// ctx is done. A nil match accepts the first event with that name. The
// decoded event is returned.
func (c *Conn) WaitEvent(ctx context.Context, method cdproto.MethodType, match func(ev interface{}) bool) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, c.broken
	}

	for {
		msg, err := c.next(ctx)
		if err != nil {
			return nil, c.fail(fmt.Errorf("wait for %s: %w", method, err))
		}
		if msg.ID != 0 {
			continue
		}
		ev := c.dispatch(msg)

		if msg.Method != method || ev == nil {
			continue
		}
		if match == nil || match(ev) {
			return ev, nil
		}
	}
}

// Close closes the underlying websocket
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// dispatch decodes an event frame and hands it to the handler
func (c *Conn) dispatch(msg *cdproto.Message) interface{} {
	if msg.Method == "" {
		return nil
	}
	ev, _ := cdproto.UnmarshalMessage(msg)
	if c.handler != nil {
		c.handler(msg.Method, ev)
	}
	return ev
}

// next reads frames until one decodes as a protocol message
func (c *Conn) next(ctx context.Context) (*cdproto.Message, error) {
	for {
		frame, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		var msg cdproto.Message
		if err := easyjson.Unmarshal(frame, &msg); err != nil {
			c.log.WithError(err).Debug("Dropping malformed frame")
			continue
		}
		return &msg, nil
	}
}

func (c *Conn) write(ctx context.Context, payload []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// read returns the next text frame. Cancelling ctx interrupts the read by
// moving the read deadline; the connection is unusable afterwards.
func (c *Conn) read(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, context.DeadlineExceeded
			}
			return nil, fmt.Errorf("%v: %w", err, browser.ErrProtocol)
		}
		if kind == websocket.TextMessage {
			return frame, nil
		}
	}
}

func (c *Conn) fail(err error) error {
	c.broken = err
	return err
}
