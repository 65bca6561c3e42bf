package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"tradelive/logger"
	"tradelive/service/hub"
	"tradelive/service/natsx"
)

// Subjects consumed from the CRUD services and published by the hub.
const (
	SubjectMessageNew       = "realtime.message.new"
	SubjectMessageRead      = "realtime.message.read"
	SubjectSessionUpdate    = "realtime.session.update"
	SubjectNotificationPush = "realtime.notification.push"
	SubjectPresenceChanged  = "realtime.presence.changed"
)

// queue group so multiple hub nodes split the stream instead of each
// delivering a copy
const queueGroup = "realtime-hub"

// ParticipantLister resolves the full participant set of a conversation so a
// new message reaches participants who have not subscribed yet.
type ParticipantLister interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// Ingress subscribes the broadcast engine to the NATS subjects. Payloads are
// the typed event structs of the wire protocol, JSON encoded.
type Ingress struct {
	nc           *natsx.NatsxClient
	bcast        *hub.Broadcaster
	participants ParticipantLister
}

func NewIngress(nc *natsx.NatsxClient, bcast *hub.Broadcaster, participants ParticipantLister) *Ingress {
	return &Ingress{nc: nc, bcast: bcast, participants: participants}
}

// Start registers all subject handlers.
func (i *Ingress) Start() error {
	subs := map[string]natsx.NatsxHandler{
		SubjectMessageNew:       i.onMessageNew,
		SubjectMessageRead:      i.onMessageRead,
		SubjectSessionUpdate:    i.onSessionUpdate,
		SubjectNotificationPush: i.onNotification,
	}
	for subject, h := range subs {
		if err := i.nc.Subscribe(subject, queueGroup, h); err != nil {
			return err
		}
		logger.Infof("[events] subscribed %s queue=%s", subject, queueGroup)
	}
	return nil
}

func (i *Ingress) onMessageNew(ctx context.Context, m natsx.NatsxMessage) error {
	var ev hub.NewMessageEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		return errors.Wrap(err, "decode message.new")
	}
	if ev.ConversationID == "" || ev.SenderID == "" {
		return errors.New("message.new missing conversationId or senderId")
	}

	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	participants, err := i.participants.Participants(cctx, ev.ConversationID)
	if err != nil {
		// fall back to live subscribers only rather than dropping the event
		logger.Warnf("[events] participant lookup failed conv=%s: %v", ev.ConversationID, err)
		participants = nil
	}
	i.bcast.BroadcastNewMessage(ev, participants)
	return nil
}

func (i *Ingress) onMessageRead(ctx context.Context, m natsx.NatsxMessage) error {
	var ev hub.MessageReadEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		return errors.Wrap(err, "decode message.read")
	}
	i.bcast.BroadcastMessageRead(ev)
	return nil
}

func (i *Ingress) onSessionUpdate(ctx context.Context, m natsx.NatsxMessage) error {
	var ev hub.SessionUpdateEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		return errors.Wrap(err, "decode session.update")
	}
	i.bcast.BroadcastSessionUpdate(ev)
	return nil
}

func (i *Ingress) onNotification(ctx context.Context, m natsx.NatsxMessage) error {
	var payload struct {
		UserID string `json:"userId"`
		hub.NotificationEvent
	}
	if err := json.Unmarshal(m.Data, &payload); err != nil {
		return errors.Wrap(err, "decode notification.push")
	}
	if payload.UserID == "" {
		return errors.New("notification.push missing userId")
	}
	i.bcast.SendNotificationToUser(payload.UserID, payload.NotificationEvent)
	return nil
}

// PresencePublisher announces online/offline transitions so interested
// services can react without polling redis.
type PresencePublisher struct {
	nc *natsx.NatsxClient
}

func NewPresencePublisher(nc *natsx.NatsxClient) *PresencePublisher {
	return &PresencePublisher{nc: nc}
}

func (p *PresencePublisher) Publish(userID string, online bool) {
	b, _ := json.Marshal(map[string]any{
		"userId":    userID,
		"online":    online,
		"changedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err := p.nc.Publish(SubjectPresenceChanged, b); err != nil {
		logger.Warnf("[events] presence publish failed user=%s: %v", userID, err)
	}
}
