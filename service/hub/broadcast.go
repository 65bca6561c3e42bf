package hub

import (
	"tradelive/logger"
)

// Broadcaster is the fan-out engine. External services (message send, session
// transitions, notifications) reach connected clients exclusively through it,
// via the NATS ingress or the internal push API.
type Broadcaster struct {
	registry *ConnManager
	subs     *SubscriptionIndex
	fan      *Fanout
}

func NewBroadcaster(registry *ConnManager, subs *SubscriptionIndex, fan *Fanout) *Broadcaster {
	return &Broadcaster{registry: registry, subs: subs, fan: fan}
}

// BroadcastToUser sends to every live connection of one user. Silent no-op
// when the user is offline.
func (b *Broadcaster) BroadcastToUser(userID string, frameType string, payload any) {
	conns := b.registry.ConnectionsOf(userID)
	if len(conns) == 0 {
		return
	}
	b.fan.Broadcast(conns, MarshalFrame(frameType, payload))
}

// BroadcastToConversation sends to every subscriber of a conversation, minus
// the excluded user (usually the event's originator).
func (b *Broadcaster) BroadcastToConversation(conversationID, frameType string, payload any, excludeUserID string) {
	b.toUsers(b.subs.ConversationSubscribers(conversationID), excludeUserID, frameType, payload)
}

// BroadcastToSession sends to every subscriber of an exchange session.
func (b *Broadcaster) BroadcastToSession(sessionID, frameType string, payload any, excludeUserID string) {
	b.toUsers(b.subs.SessionSubscribers(sessionID), excludeUserID, frameType, payload)
}

// BroadcastNewMessage delivers a chat message to the union of conversation
// participants and live subscribers, minus the sender, exactly once per user.
// Participants who have not subscribed yet still receive it; a user who is
// both participant and subscriber receives a single copy.
func (b *Broadcaster) BroadcastNewMessage(ev NewMessageEvent, participantIDs []string) {
	recipients := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		recipients[id] = struct{}{}
	}
	for _, id := range b.subs.ConversationSubscribers(ev.ConversationID) {
		recipients[id] = struct{}{}
	}
	delete(recipients, ev.SenderID)
	if len(recipients) == 0 {
		return
	}

	payload := MarshalFrame(TypeNewMessage, ev)
	var conns []*Client
	for id := range recipients {
		conns = append(conns, b.registry.ConnectionsOf(id)...)
	}
	if len(conns) == 0 {
		return
	}
	logger.Debugf("[broadcast] new_message conv=%s recipients=%d conns=%d", ev.ConversationID, len(recipients), len(conns))
	b.fan.Broadcast(conns, payload)
}

// BroadcastMessageRead notifies conversation subscribers of a read receipt,
// excluding the reader.
func (b *Broadcaster) BroadcastMessageRead(ev MessageReadEvent) {
	b.BroadcastToConversation(ev.ConversationID, TypeMessageRead, ev, ev.ReadBy)
}

// BroadcastSessionUpdate notifies session subscribers of a status change,
// excluding the user who made it.
func (b *Broadcaster) BroadcastSessionUpdate(ev SessionUpdateEvent) {
	b.BroadcastToSession(ev.SessionID, TypeSessionUpdate, ev, ev.UpdatedBy)
}

// SendNotificationToUser delivers a notification to every connection of one
// user.
func (b *Broadcaster) SendNotificationToUser(userID string, ev NotificationEvent) {
	b.BroadcastToUser(userID, TypeNotification, ev)
}

func (b *Broadcaster) toUsers(userIDs []string, exclude string, frameType string, payload any) {
	if len(userIDs) == 0 {
		return
	}
	var conns []*Client
	for _, id := range userIDs {
		if id == exclude {
			continue
		}
		conns = append(conns, b.registry.ConnectionsOf(id)...)
	}
	if len(conns) == 0 {
		return
	}
	b.fan.Broadcast(conns, MarshalFrame(frameType, payload))
}
