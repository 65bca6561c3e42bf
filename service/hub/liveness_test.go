package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPair returns both ends of a real websocket connection.
func wsPair(t *testing.T) (server, peer *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverSide := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	select {
	case server = <-serverSide:
	case <-time.After(time.Second):
		t.Fatal("no server-side connection")
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, peer
}

func TestSweepTerminatesSilentPeer(t *testing.T) {
	serverWS, _ := wsPair(t)
	registry := NewConnManager(ManagerConf{})
	c := NewClient("c1", "10.0.0.1", serverWS, 8)
	if err := registry.Track(c); err != nil {
		t.Fatal(err)
	}

	var dead []*Client
	sup := NewLivenessSupervisor(registry, time.Hour, func(c *Client) {
		dead = append(dead, c)
		registry.Remove(c)
	}, nil)

	// first sweep: flag was set, gets cleared, probe sent, nothing dies
	sup.SweepOnce()
	if len(dead) != 0 {
		t.Fatal("responsive connection terminated on first sweep")
	}

	// peer never answers the probe: second sweep reclaims it
	sup.SweepOnce()
	if len(dead) != 1 || dead[0] != c {
		t.Fatalf("silent peer not reclaimed, dead=%v", dead)
	}
}

func TestSweepSparesRespondingPeer(t *testing.T) {
	serverWS, _ := wsPair(t)
	registry := NewConnManager(ManagerConf{})
	c := NewClient("c1", "10.0.0.1", serverWS, 8)
	if err := registry.Track(c); err != nil {
		t.Fatal(err)
	}

	died := 0
	probed := 0
	sup := NewLivenessSupervisor(registry, time.Hour, func(*Client) { died++ }, func(*Client) { probed++ })

	sup.SweepOnce()
	c.MarkAlive() // what the pong handler does
	sup.SweepOnce()
	c.MarkAlive()
	sup.SweepOnce()

	if died != 0 {
		t.Fatalf("responding peer terminated %d times", died)
	}
	if probed != 3 {
		t.Fatalf("probe hook ran %d times, want 3", probed)
	}
}

func TestSupervisorStopIdempotent(t *testing.T) {
	sup := NewLivenessSupervisor(NewConnManager(ManagerConf{}), 10*time.Millisecond, func(*Client) {}, nil)
	done := make(chan struct{})
	go func() {
		sup.Run()
		close(done)
	}()
	sup.Stop()
	sup.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
