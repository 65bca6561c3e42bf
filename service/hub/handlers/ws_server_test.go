package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradelive/service/hub"
	"tradelive/tools/security"
)

var testJwtOpts = security.Options{Secret: []byte("test-secret"), Alg: "HS256", TTL: time.Hour}

type fakeStore struct {
	mu      sync.Mutex
	allowed map[string][]string // id -> participant user ids
	err     error
}

func (s *fakeStore) IsParticipant(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for _, u := range s.allowed[id] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type testEnv struct {
	srv   *hub.Server
	url   string
	convs *fakeStore
	sess  *fakeStore
}

func newEnv(t *testing.T, conf hub.Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	convs := &fakeStore{allowed: map[string][]string{}}
	sess := &fakeStore{allowed: map[string][]string{}}
	srv := hub.NewServer(conf, hub.Deps{
		Verifier:      &hub.JWTVerifier{Opts: testJwtOpts},
		Conversations: convs,
		Sessions:      sess,
	})
	srv.RegisterHandlers(All()...)
	t.Cleanup(srv.Close)

	r := gin.New()
	r.GET("/ws", srv.HandleWS)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &testEnv{
		srv:   srv,
		url:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		convs: convs,
		sess:  sess,
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func token(t *testing.T, userID string, guest bool) string {
	t.Helper()
	tok, _, err := security.Generate(testJwtOpts, security.Identity{UserID: userID, IsGuest: guest})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

type envelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func send(t *testing.T, ws *websocket.Conn, frameType string, payload map[string]any) {
	t.Helper()
	b, _ := json.Marshal(map[string]any{"type": frameType, "payload": payload})
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write %s: %v", frameType, err)
	}
}

func read(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return env
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue // drain pending frames until the close arrives
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("want close %d, got %v", code, err)
		}
		if ce.Code != code {
			t.Fatalf("want close code %d, got %d (%s)", code, ce.Code, ce.Text)
		}
		return
	}
}

func authenticate(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()
	send(t, ws, "authenticate", map[string]any{"token": token(t, userID, false)})
	env := read(t, ws)
	if env.Type != "authenticated" {
		t.Fatalf("want authenticated, got %+v", env)
	}
	if env.Payload["userId"] != userID {
		t.Fatalf("authenticated as %v, want %s", env.Payload["userId"], userID)
	}
}

func TestInbandHandshake(t *testing.T) {
	env := newEnv(t, hub.Config{})
	ws := env.dial(t)

	// frames before authentication are answered in-band, connection stays up
	send(t, ws, "subscribe", map[string]any{"conversationId": "conv1"})
	if got := read(t, ws); got.Type != "error" || got.Payload["code"] != "NOT_AUTHENTICATED" {
		t.Fatalf("want NOT_AUTHENTICATED, got %+v", got)
	}

	authenticate(t, ws, "alice")
	if !env.srv.Registry().IsOnline("alice") {
		t.Fatal("alice not online after handshake")
	}

	send(t, ws, "ping", nil)
	if got := read(t, ws); got.Type != "pong" {
		t.Fatalf("want pong, got %+v", got)
	}
}

func TestInvalidTokenCloses(t *testing.T) {
	env := newEnv(t, hub.Config{})
	ws := env.dial(t)
	send(t, ws, "authenticate", map[string]any{"token": "garbage"})
	expectClose(t, ws, 4001)
}

func TestAuthDeadlineCloses(t *testing.T) {
	env := newEnv(t, hub.Config{AuthDeadline: 100 * time.Millisecond})
	ws := env.dial(t)
	expectClose(t, ws, 4002)
}

func TestUserConnectionLimit(t *testing.T) {
	env := newEnv(t, hub.Config{MaxPerUser: 2})
	for i := 0; i < 2; i++ {
		authenticate(t, env.dial(t), "alice")
	}
	ws := env.dial(t)
	send(t, ws, "authenticate", map[string]any{"token": token(t, "alice", false)})
	expectClose(t, ws, 4003)
	// survivors unaffected
	if env.srv.Registry().CountConnections() != 2 {
		t.Fatalf("connections = %d, want 2", env.srv.Registry().CountConnections())
	}
}

func TestSubscribeAuthorization(t *testing.T) {
	env := newEnv(t, hub.Config{})
	env.convs.allowed["conv1"] = []string{"alice", "bob"}
	env.sess.allowed["sess1"] = []string{"alice"}

	ws := env.dial(t)
	authenticate(t, ws, "alice")

	// permitted conversation: no response, membership appears
	send(t, ws, "subscribe", map[string]any{"conversationId": "conv1"})
	// forbidden conversation answered per id
	send(t, ws, "subscribe", map[string]any{"conversationId": "private"})
	if got := read(t, ws); got.Type != "error" || got.Payload["code"] != "FORBIDDEN" {
		t.Fatalf("want FORBIDDEN, got %+v", got)
	}
	if !env.srv.Subs().IsConversationSubscriber("conv1", "alice") {
		t.Fatal("permitted subscription missing")
	}
	if env.srv.Subs().IsConversationSubscriber("private", "alice") {
		t.Fatal("forbidden subscription recorded")
	}

	// store outage surfaces as INTERNAL_ERROR, not FORBIDDEN
	env.sess.setErr(errors.New("pg down"))
	send(t, ws, "subscribe", map[string]any{"sessionId": "sess1"})
	if got := read(t, ws); got.Payload["code"] != "INTERNAL_ERROR" {
		t.Fatalf("want INTERNAL_ERROR, got %+v", got)
	}
	env.sess.setErr(nil)

	send(t, ws, "subscribe", map[string]any{"sessionId": "sess1"})
	// no error: next frame should be the pong for the follow-up ping
	send(t, ws, "ping", nil)
	if got := read(t, ws); got.Type != "pong" {
		t.Fatalf("session subscribe failed: %+v", got)
	}
	if !env.srv.Subs().IsSessionSubscriber("sess1", "alice") {
		t.Fatal("session subscription missing")
	}
}

func TestGuestDeniedSessionSubscribe(t *testing.T) {
	env := newEnv(t, hub.Config{})
	env.sess.allowed["sess1"] = []string{"guest9"}

	ws := env.dial(t)
	send(t, ws, "authenticate", map[string]any{"token": token(t, "guest9", true)})
	if got := read(t, ws); got.Type != "authenticated" {
		t.Fatalf("guest handshake failed: %+v", got)
	}
	send(t, ws, "subscribe", map[string]any{"sessionId": "sess1"})
	if got := read(t, ws); got.Payload["code"] != "FORBIDDEN" {
		t.Fatalf("want FORBIDDEN for guest, got %+v", got)
	}
}

func TestBroadcastDelivery(t *testing.T) {
	env := newEnv(t, hub.Config{})
	env.convs.allowed["conv1"] = []string{"alice", "bob"}

	alice := env.dial(t)
	authenticate(t, alice, "alice")
	bob := env.dial(t)
	authenticate(t, bob, "bob")
	send(t, bob, "subscribe", map[string]any{"conversationId": "conv1"})
	send(t, bob, "ping", nil)
	if got := read(t, bob); got.Type != "pong" {
		t.Fatalf("subscribe failed: %+v", got)
	}

	env.srv.Broadcaster().BroadcastNewMessage(hub.NewMessageEvent{
		ID: "m1", ConversationID: "conv1", SenderID: "alice", Content: "hello",
	}, []string{"alice", "bob"})

	got := read(t, bob)
	if got.Type != "new_message" || got.Payload["id"] != "m1" {
		t.Fatalf("bob did not receive the message: %+v", got)
	}

	// sender is excluded: the only thing alice sees next is her pong
	send(t, alice, "ping", nil)
	if got := read(t, alice); got.Type != "pong" {
		t.Fatalf("sender received her own message: %+v", got)
	}
}

func TestTypingRelay(t *testing.T) {
	env := newEnv(t, hub.Config{})
	env.convs.allowed["conv1"] = []string{"alice", "bob"}

	alice := env.dial(t)
	authenticate(t, alice, "alice")
	bob := env.dial(t)
	authenticate(t, bob, "bob")
	for _, ws := range []*websocket.Conn{alice, bob} {
		send(t, ws, "subscribe", map[string]any{"conversationId": "conv1"})
	}
	send(t, bob, "ping", nil)
	if got := read(t, bob); got.Type != "pong" {
		t.Fatalf("subscribe failed: %+v", got)
	}

	send(t, alice, "typing_start", map[string]any{"conversationId": "conv1"})
	got := read(t, bob)
	if got.Type != "typing_start" || got.Payload["userId"] != "alice" {
		t.Fatalf("typing not relayed: %+v", got)
	}

	// outsiders cannot emit typing for rooms they never joined
	carol := env.dial(t)
	authenticate(t, carol, "carol")
	send(t, carol, "typing_start", map[string]any{"conversationId": "conv1"})
	if got := read(t, carol); got.Payload["code"] != "FORBIDDEN" {
		t.Fatalf("want FORBIDDEN, got %+v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	env := newEnv(t, hub.Config{})
	env.convs.allowed["conv1"] = []string{"alice", "bob"}

	bob := env.dial(t)
	authenticate(t, bob, "bob")
	send(t, bob, "subscribe", map[string]any{"conversationId": "conv1"})
	send(t, bob, "unsubscribe", map[string]any{"conversationId": "conv1"})
	send(t, bob, "ping", nil)
	if got := read(t, bob); got.Type != "pong" {
		t.Fatalf("unsubscribe failed: %+v", got)
	}
	if env.srv.Subs().IsConversationSubscriber("conv1", "bob") {
		t.Fatal("bob still subscribed")
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	env := newEnv(t, hub.Config{})
	env.convs.allowed["conv1"] = []string{"alice"}

	ws := env.dial(t)
	authenticate(t, ws, "alice")
	send(t, ws, "subscribe", map[string]any{"conversationId": "conv1"})
	send(t, ws, "ping", nil)
	if got := read(t, ws); got.Type != "pong" {
		t.Fatalf("subscribe failed: %+v", got)
	}

	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !env.srv.Registry().IsOnline("alice") &&
			!env.srv.Subs().IsConversationSubscriber("conv1", "alice") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("registry or subscriptions not cleaned up after disconnect")
}
