// Package client implements the peer side of the hub protocol: a websocket
// client that authenticates, keeps its subscriptions, and reconnects with
// exponential backoff when the connection drops.
package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"tradelive/logger"
)

// Close codes the hub uses for limit rejections. Reconnecting immediately
// after one of these would just hit the same limit, so the controller waits a
// full backoff ceiling first.
const (
	closeUserLimit = 4003
	closeIPLimit   = 4004
)

// Options configures the reconnection controller.
type Options struct {
	URL         string
	Token       string
	MaxAttempts int           // consecutive failures before giving up (default 10)
	BaseDelay   time.Duration // first backoff step (default 500ms)
	MaxDelay    time.Duration // backoff ceiling (default 30s)

	// OnFrame receives every non-control frame (new_message, notification,
	// error, ...). Called from the read goroutine.
	OnFrame func(frameType string, payload map[string]any)
	// OnStateChange observes connectivity transitions.
	OnStateChange func(connected bool)
}

func (o *Options) norm() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
}

type frame struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Controller maintains one logical hub connection across physical
// reconnects. Subscriptions survive a reconnect: after re-authenticating it
// replays every subscribe the application made.
type Controller struct {
	opts Options

	mu            sync.Mutex
	ws            *websocket.Conn
	conversations map[string]struct{}
	sessions      map[string]struct{}
	authed        chan struct{}
}

func New(opts Options) *Controller {
	opts.norm()
	return &Controller{
		opts:          opts,
		conversations: make(map[string]struct{}),
		sessions:      make(map[string]struct{}),
	}
}

// Run connects and keeps the connection alive until the context is cancelled
// or the attempt budget is exhausted. It blocks.
func (c *Controller) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		limitRejected, err := c.connectOnce(ctx)
		if err == nil {
			// the session ran and ended; start the backoff ladder over
			attempt = 0
		} else {
			attempt++
			if attempt >= c.opts.MaxAttempts {
				return errors.Wrapf(err, "giving up after %d attempts", attempt)
			}
			logger.Warnf("[client] connect attempt %d failed: %v", attempt, err)
		}

		delay := c.backoff(attempt)
		if limitRejected {
			// a capacity rejection will repeat until a slot frees up
			delay = c.opts.MaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff returns base*2^(attempt-1) with +-20% jitter, capped at MaxDelay.
func (c *Controller) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.opts.BaseDelay << (attempt - 1)
	if d > c.opts.MaxDelay || d <= 0 {
		d = c.opts.MaxDelay
	}
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(span))
	if rand.Intn(2) == 0 {
		return d - jitter
	}
	return d + jitter
}

// connectOnce dials, authenticates, resubscribes and pumps frames until the
// connection dies. limitRejected reports a 4003/4004 close.
func (c *Controller) connectOnce(ctx context.Context) (limitRejected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, errors.Wrap(err, "dial")
	}

	c.mu.Lock()
	c.ws = ws
	c.authed = make(chan struct{})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
		if c.opts.OnStateChange != nil {
			c.opts.OnStateChange(false)
		}
	}()

	if err := c.send(frame{Type: "authenticate", Payload: map[string]any{"token": c.opts.Token}}); err != nil {
		return false, errors.Wrap(err, "send authenticate")
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ws) }()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-readErr:
		return isLimitClose(err), errors.Wrap(err, "before authenticated")
	case <-c.authed:
	}

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(true)
	}
	if err := c.resubscribe(); err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-readErr:
		if isLimitClose(err) {
			return true, errors.Wrap(err, "limit rejected")
		}
		logger.Infof("[client] connection ended: %v", err)
		return false, nil
	}
}

func (c *Controller) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case "authenticated":
			c.mu.Lock()
			select {
			case <-c.authed:
			default:
				close(c.authed)
			}
			c.mu.Unlock()
		case "pong":
		default:
			if c.opts.OnFrame != nil {
				c.opts.OnFrame(f.Type, f.Payload)
			}
		}
	}
}

// resubscribe replays the remembered subscriptions on a fresh connection.
func (c *Controller) resubscribe() error {
	c.mu.Lock()
	convs := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		convs = append(convs, id)
	}
	sessions := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	c.mu.Unlock()

	for _, id := range convs {
		if err := c.send(frame{Type: "subscribe", Payload: map[string]any{"conversationId": id}}); err != nil {
			return errors.Wrap(err, "resubscribe conversation")
		}
	}
	for _, id := range sessions {
		if err := c.send(frame{Type: "subscribe", Payload: map[string]any{"sessionId": id}}); err != nil {
			return errors.Wrap(err, "resubscribe session")
		}
	}
	return nil
}

// SubscribeConversation expresses durable interest; it is replayed after
// every reconnect until unsubscribed.
func (c *Controller) SubscribeConversation(id string) error {
	c.mu.Lock()
	c.conversations[id] = struct{}{}
	c.mu.Unlock()
	return c.send(frame{Type: "subscribe", Payload: map[string]any{"conversationId": id}})
}

func (c *Controller) SubscribeSession(id string) error {
	c.mu.Lock()
	c.sessions[id] = struct{}{}
	c.mu.Unlock()
	return c.send(frame{Type: "subscribe", Payload: map[string]any{"sessionId": id}})
}

func (c *Controller) UnsubscribeConversation(id string) error {
	c.mu.Lock()
	delete(c.conversations, id)
	c.mu.Unlock()
	return c.send(frame{Type: "unsubscribe", Payload: map[string]any{"conversationId": id}})
}

func (c *Controller) UnsubscribeSession(id string) error {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	return c.send(frame{Type: "unsubscribe", Payload: map[string]any{"sessionId": id}})
}

// Ping sends an application-level ping frame.
func (c *Controller) Ping() error {
	return c.send(frame{Type: "ping"})
}

// send serializes writes; gorilla allows only one concurrent writer.
func (c *Controller) send(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.New("not connected")
	}
	b, _ := json.Marshal(f)
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func isLimitClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == closeUserLimit || ce.Code == closeIPLimit
}
