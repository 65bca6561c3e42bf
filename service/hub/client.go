package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradelive/logger"
)

type connState int32

const (
	StatePendingAuth connState = iota
	StateAuthenticated
	StateClosed
)

// Close codes carried on the websocket close frame. Distinct codes let the
// client's reconnect controller tell limit violations from auth failures.
const (
	CloseUnauthorized = 4001
	CloseAuthTimeout  = 4002
	CloseUserLimit    = 4003
	CloseIPLimit      = 4004
)

const writeWait = 10 * time.Second

// Client is one live websocket connection. A single user may hold several
// clients, each maintained separately. All mutable fields are guarded by mu;
// Send is consumed by exactly one writer goroutine.
type Client struct {
	ConnID string
	IP     string
	WS     *websocket.Conn
	Send   chan []byte

	mu        sync.Mutex
	state     connState
	userID    string
	isGuest   bool
	alive     bool
	convs     map[string]struct{}
	sessions  map[string]struct{}
	authTimer *time.Timer

	closeOnce   sync.Once
	cleanupOnce sync.Once
	done        chan struct{}
}

func NewClient(connID, ip string, ws *websocket.Conn, sendQueueSize int) *Client {
	return &Client{
		ConnID:   connID,
		IP:       ip,
		WS:       ws,
		Send:     make(chan []byte, sendQueueSize),
		state:    StatePendingAuth,
		alive:    true,
		convs:    make(map[string]struct{}),
		sessions: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Client) State() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) IsGuest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isGuest
}

// SetAuthenticated attaches the verified identity and cancels the pending
// auth deadline. A no-op once the connection is closed, so an authenticate
// frame racing the deadline cannot resurrect a dead connection.
func (c *Client) SetAuthenticated(userID string, guest bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.userID = userID
	c.isGuest = guest
	c.state = StateAuthenticated
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

// StartAuthTimer arms the in-band auth deadline. The callback fires at most
// once; SetAuthenticated or Close cancel it.
func (c *Client) StartAuthTimer(d time.Duration, onExpire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePendingAuth {
		return
	}
	c.authTimer = time.AfterFunc(d, onExpire)
}

// MarkAlive records liveness (pong received or client-level ping frame).
func (c *Client) MarkAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// SwapAlive clears the liveness flag and reports its previous value. The
// liveness sweep terminates the connection when it was already false.
func (c *Client) SwapAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

func (c *Client) TrackConversation(id string) {
	c.mu.Lock()
	c.convs[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) UntrackConversation(id string) {
	c.mu.Lock()
	delete(c.convs, id)
	c.mu.Unlock()
}

func (c *Client) TrackSession(id string) {
	c.mu.Lock()
	c.sessions[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) UntrackSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// Subscriptions returns a snapshot of the conversation and session ids this
// connection joined, for teardown.
func (c *Client) Subscriptions() (convs, sessions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.convs {
		convs = append(convs, id)
	}
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	return convs, sessions
}

// Enqueue places a payload on the send queue without blocking. A full queue
// means the peer is too slow; the caller decides whether to terminate.
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true // already closing, drop silently
	default:
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

// Close shuts the transport down exactly once: marks the state, stops the
// auth timer, sends the close frame with the given code and releases the
// writer. Registry/index cleanup is the server's teardown, which calls this.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		if c.authTimer != nil {
			c.authTimer.Stop()
			c.authTimer = nil
		}
		c.mu.Unlock()

		close(c.done)

		if c.WS != nil {
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.WS.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason))
			_ = c.WS.Close()
		}
	})
}

// WritePump is the single writer goroutine for this connection. It exits when
// the send queue is released by Close or a write fails.
func (c *Client) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.Send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debugf("[ws] write err conn=%s user=%s err=%v", c.ConnID, c.UserID(), err)
				return
			}
		}
	}
}

// Ping sends a protocol-level ping probe. Safe to call concurrently with the
// writer goroutine (gorilla allows concurrent WriteControl).
func (c *Client) Ping() error {
	return c.WS.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
}
