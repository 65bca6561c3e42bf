package hub

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradelive/logger"
	errs "tradelive/tools/errs"
	"tradelive/tools/ids"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config carries the hub's tunables. Zero values fall back to the documented
// defaults.
type Config struct {
	AuthMode        AuthMode
	MaxPerUser      int           // default 5
	MaxPerIP        int           // default 20
	RateLimit       int           // default 60
	RateWindow      time.Duration // default 60s
	AuthDeadline    time.Duration // default 10s
	HeartbeatPeriod time.Duration // default 30s
	SendQueueSize   int           // default 256
	FanoutWorkers   int
	FanoutQueue     int
}

func (c *Config) norm() {
	if c.AuthMode == "" {
		c.AuthMode = AuthModeInband
	}
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = 10 * time.Second
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// PresenceMirror mirrors who-is-online into a shared store so the CRUD
// services can read it without asking the hub. Failures are logged, never
// fatal; the in-memory registry stays authoritative.
type PresenceMirror interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
}

// Deps are the hub's external collaborators.
type Deps struct {
	Verifier      TokenVerifier
	Conversations ConversationStore
	Sessions      SessionStore
	Presence      PresenceMirror                   // optional
	OnPresence    func(userID string, online bool) // optional, e.g. event publishing
}

// Server ties the registry, subscription index, rate limiter, dispatcher,
// fan-out engine and liveness supervisor together and owns the connection
// lifecycle.
type Server struct {
	conf Config
	deps Deps

	registry  *ConnManager
	subs      *SubscriptionIndex
	limiter   *RateLimiter
	disp      *Dispatcher
	fan       *Fanout
	bcast     *Broadcaster
	handshake Handshake
	sup       *LivenessSupervisor

	closeOnce sync.Once
}

func NewServer(conf Config, deps Deps) *Server {
	conf.norm()
	s := &Server{conf: conf, deps: deps}

	s.registry = NewConnManager(ManagerConf{MaxPerUser: conf.MaxPerUser, MaxPerIP: conf.MaxPerIP})
	s.subs = NewSubscriptionIndex()
	s.limiter = NewRateLimiter(conf.RateLimit, conf.RateWindow, nil)
	s.fan = NewFanout(conf.FanoutWorkers, conf.FanoutQueue, func(c *Client) {
		s.Teardown(c, websocket.CloseGoingAway, "send queue overflow")
	})
	s.bcast = NewBroadcaster(s.registry, s.subs, s.fan)
	s.handshake = NewHandshake(conf.AuthMode, deps.Verifier)
	s.sup = NewLivenessSupervisor(s.registry, conf.HeartbeatPeriod,
		func(c *Client) { s.Teardown(c, websocket.CloseGoingAway, "heartbeat timeout") },
		func(c *Client) {
			if deps.Presence != nil && c.UserID() != "" {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = deps.Presence.Refresh(ctx, c.UserID())
			}
		})

	s.disp = NewDispatcher()
	return s
}

// RegisterHandlers installs the frame handlers; kept separate so the handlers
// package can depend on hub without a cycle.
func (s *Server) RegisterHandlers(hs ...Handler) {
	for _, h := range hs {
		s.disp.Register(h)
	}
}

func (s *Server) Registry() *ConnManager           { return s.registry }
func (s *Server) Subs() *SubscriptionIndex         { return s.subs }
func (s *Server) Limiter() *RateLimiter            { return s.limiter }
func (s *Server) Broadcaster() *Broadcaster        { return s.bcast }
func (s *Server) Verifier() TokenVerifier          { return s.deps.Verifier }
func (s *Server) Conversations() ConversationStore { return s.deps.Conversations }
func (s *Server) Sessions() SessionStore           { return s.deps.Sessions }
func (s *Server) Supervisor() *LivenessSupervisor  { return s.sup }
func (s *Server) Conf() Config                     { return s.conf }

// Start launches the liveness supervisor.
func (s *Server) Start() { go s.sup.Run() }

// Close stops the supervisor and terminates every connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.sup.Stop()
		for _, c := range s.registry.AllClients() {
			s.Teardown(c, websocket.CloseGoingAway, "server shutdown")
		}
		s.fan.Close()
	})
}

// HandleWS is the gin endpoint performing the transport upgrade and running
// the connection's read loop.
func (s *Server) HandleWS(c *gin.Context) {
	// pre-upgrade credential check (query mode only)
	identity, err := s.handshake.PreUpgrade(c.Request)
	if err != nil {
		logger.Infof("[ws] refused upgrade from %s: %v", c.ClientIP(), err)
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error from %s: %v", c.ClientIP(), err)
		return
	}

	client := NewClient(ids.GenerateConnID(), c.ClientIP(), ws, s.conf.SendQueueSize)

	// take the IP slot at accept time, before any authentication
	if err := s.registry.Track(client); err != nil {
		logger.Infof("[ws] ip limit reached ip=%s conn=%s", client.IP, client.ConnID)
		client.Close(CloseIPLimit, "too many connections from this address")
		return
	}

	ws.SetPongHandler(func(string) error {
		client.MarkAlive()
		return nil
	})

	go client.WritePump()

	if s.handshake.Inband() {
		client.StartAuthTimer(s.conf.AuthDeadline, func() {
			logger.Infof("[ws] auth deadline conn=%s ip=%s", client.ConnID, client.IP)
			s.Teardown(client, CloseAuthTimeout, "authentication timeout")
		})
	} else {
		// query mode: the identity is already verified, admit immediately
		if !s.AdmitAuthenticated(client, identity.UserID, identity.IsGuest) {
			return
		}
	}

	s.readLoop(client)
}

// AdmitAuthenticated registers a verified connection with the registry and
// confirms it to the peer. On a capacity rejection it closes the transport
// with the matching code and reports false.
func (s *Server) AdmitAuthenticated(client *Client, userID string, guest bool) bool {
	if err := s.registry.Admit(userID, client); err != nil {
		// only capacity rejections get the limit codes; anything else (e.g.
		// the deadline untracked this connection already) must not tell the
		// peer's reconnect controller to back off for a full ceiling
		code := websocket.CloseInternalServerErr
		reason := "admission failed"
		switch {
		case errs.ErrUserLimit.Is(err):
			code = CloseUserLimit
			reason = "connection limit reached for user"
		case errs.ErrIPLimit.Is(err):
			code = CloseIPLimit
			reason = "too many connections from this address"
		}
		logger.Infof("[ws] admission rejected user=%s conn=%s: %v", userID, client.ConnID, err)
		s.Teardown(client, code, reason)
		return false
	}
	wasOffline := len(s.registry.ConnectionsOf(userID)) == 1
	client.SetAuthenticated(userID, guest)
	client.Enqueue(MarshalFrame(TypeAuthenticated, map[string]string{"userId": userID}))
	logger.Infof("[ws] authenticated conn=%s user=%s ip=%s", client.ConnID, userID, client.IP)

	if wasOffline {
		if s.deps.Presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.deps.Presence.Online(ctx, userID)
			cancel()
		}
		if s.deps.OnPresence != nil {
			s.deps.OnPresence(userID, true)
		}
	}
	return true
}

// readLoop reads frames until the peer goes away, then tears the connection
// down. Decode failures answer in-band and keep reading.
func (s *Server) readLoop(client *Client) {
	defer s.Teardown(client, websocket.CloseNormalClosure, "")

	ctx := &Context{S: s}
	for {
		mt, data, err := client.WS.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debugf("[ws] peer closed conn=%s err=%v", client.ConnID, err)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Debugf("[ws] read timeout conn=%s err=%v", client.ConnID, err)
			} else {
				logger.Debugf("[ws] read err conn=%s err=%v", client.ConnID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			logger.Debugf("[ws] bad frame conn=%s err=%v len=%d", client.ConnID, perr, len(data))
			client.Enqueue(MarshalError(errs.ErrInvalidMessage))
			continue
		}

		s.disp.Dispatch(ctx, frame, client)

		if client.State() == StateClosed {
			return
		}
	}
}

// Teardown releases everything a connection holds exactly once: transport,
// registry membership, IP slot, subscription memberships, rate window and
// presence. Every termination path funnels through here, and several do in
// normal operation (liveness sweep or slow-peer drop, then the read loop's
// deferred call); the once-guard keeps a second pass from replaying the
// cleanup against state the user has since rebuilt on another connection.
func (s *Server) Teardown(client *Client, code int, reason string) {
	client.Close(code, reason)

	client.cleanupOnce.Do(func() {
		_, userOffline := s.registry.Remove(client)

		userID := client.UserID()
		if userID == "" {
			// pending connection: nothing indexed beyond the IP slot
			return
		}

		convs, sessions := client.Subscriptions()
		if len(convs) > 0 || len(sessions) > 0 {
			s.subs.DropUser(userID, convs, sessions)
		}

		if userOffline {
			s.limiter.Forget(userID)
			if s.deps.Presence != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = s.deps.Presence.Offline(ctx, userID)
				cancel()
			}
			if s.deps.OnPresence != nil {
				s.deps.OnPresence(userID, false)
			}
			logger.Infof("[ws] user offline user=%s", userID)
		}
	})
}
