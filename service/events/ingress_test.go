package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tradelive/service/hub"
	"tradelive/service/natsx"
)

type fakeParticipants struct {
	lists map[string][]string
}

func (f *fakeParticipants) Participants(_ context.Context, id string) ([]string, error) {
	return f.lists[id], nil
}

func onlineClient(t *testing.T, registry *hub.ConnManager, userID, connID string) *hub.Client {
	t.Helper()
	c := hub.NewClient(connID, "10.0.0.1", nil, 8)
	if err := registry.Track(c); err != nil {
		t.Fatal(err)
	}
	if err := registry.Admit(userID, c); err != nil {
		t.Fatal(err)
	}
	c.SetAuthenticated(userID, false)
	return c
}

func recv(t *testing.T, c *hub.Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.Send:
		var env map[string]any
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return nil
	}
}

func TestIngressMessageNew(t *testing.T) {
	registry := hub.NewConnManager(hub.ManagerConf{})
	subs := hub.NewSubscriptionIndex()
	fan := hub.NewFanout(1, 16, nil)
	t.Cleanup(fan.Close)
	bcast := hub.NewBroadcaster(registry, subs, fan)

	bob := onlineClient(t, registry, "bob", "b1")
	ing := NewIngress(nil, bcast, &fakeParticipants{lists: map[string][]string{
		"conv1": {"alice", "bob"},
	}})

	body, _ := json.Marshal(hub.NewMessageEvent{
		ID: "m1", ConversationID: "conv1", SenderID: "alice", Content: "hi",
	})
	if err := ing.onMessageNew(context.Background(), natsx.NatsxMessage{
		Subject: SubjectMessageNew, Data: body,
	}); err != nil {
		t.Fatal(err)
	}

	env := recv(t, bob)
	if env["type"] != "new_message" {
		t.Fatalf("want new_message, got %v", env["type"])
	}
}

func TestIngressRejectsMalformed(t *testing.T) {
	ing := NewIngress(nil, nil, &fakeParticipants{})
	if err := ing.onMessageNew(context.Background(), natsx.NatsxMessage{Data: []byte("{}")}); err == nil {
		t.Fatal("event without conversation accepted")
	}
	if err := ing.onNotification(context.Background(), natsx.NatsxMessage{Data: []byte("{}")}); err == nil {
		t.Fatal("notification without user accepted")
	}
	if err := ing.onMessageRead(context.Background(), natsx.NatsxMessage{Data: []byte("not json")}); err == nil {
		t.Fatal("malformed json accepted")
	}
}
