package client

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

func TestBackoffCapAndGrowth(t *testing.T) {
	c := New(Options{URL: "ws://x", BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second})

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := c.backoff(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
		}
		// jitter is +-20%, so the hard ceiling is MaxDelay*1.2
		if d > 36*time.Second {
			t.Fatalf("attempt %d: delay %v above ceiling", attempt, d)
		}
		if d > prevMax {
			prevMax = d
		}
	}
	if prevMax < 20*time.Second {
		t.Fatalf("backoff never approached the cap: max %v", prevMax)
	}

	// attempt 1 stays near the base
	if d := c.backoff(1); d > time.Second {
		t.Fatalf("first retry waited %v", d)
	}
}

func TestIsLimitClose(t *testing.T) {
	if !isLimitClose(&websocket.CloseError{Code: 4003}) {
		t.Fatal("4003 not treated as limit close")
	}
	if !isLimitClose(errors.Wrap(&websocket.CloseError{Code: 4004}, "read")) {
		t.Fatal("wrapped 4004 not detected")
	}
	if isLimitClose(&websocket.CloseError{Code: 4001}) {
		t.Fatal("4001 treated as limit close")
	}
	if isLimitClose(errors.New("plain")) {
		t.Fatal("non-close error treated as limit close")
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://x"})
	if err := c.Ping(); err == nil {
		t.Fatal("send on nil connection succeeded")
	}
}

func TestSubscriptionBookkeeping(t *testing.T) {
	c := New(Options{URL: "ws://x"})
	_ = c.SubscribeConversation("conv1") // not connected, but remembered
	_ = c.SubscribeSession("sess1")
	_ = c.UnsubscribeSession("sess1")

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conversations["conv1"]; !ok {
		t.Fatal("conversation interest not remembered")
	}
	if _, ok := c.sessions["sess1"]; ok {
		t.Fatal("session interest survived unsubscribe")
	}
}
