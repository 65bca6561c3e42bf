package handlers

import (
	"tradelive/service/hub"
	"tradelive/tools/decode"
	errs "tradelive/tools/errs"
)

// Typing relays typing_start / typing_stop to the other subscribers of a
// conversation. The sender must already be a subscriber; indicators from
// outsiders are dropped with FORBIDDEN. No store round-trip here: the
// subscription itself was authorized when it was made, and typing carries no
// content.
type Typing struct {
	FrameType string // hub.TypeTypingStart or hub.TypeTypingStop
}

func (t Typing) Type() string { return t.FrameType }

func (t Typing) Handle(ctx *hub.Context, f *hub.Frame, c *hub.Client) error {
	p, err := decode.DecodePayload[hub.TypingPayload](f.Payload)
	if err != nil || p.ConversationID == "" {
		c.Enqueue(hub.MarshalError(errs.ErrInvalidMessage.WithDetail("bad typing payload")))
		return nil
	}
	userID := c.UserID()
	if !ctx.S.Subs().IsConversationSubscriber(p.ConversationID, userID) {
		c.Enqueue(hub.MarshalError(errs.ErrForbidden))
		return nil
	}
	ctx.S.Broadcaster().BroadcastToConversation(p.ConversationID, t.FrameType, hub.TypingEvent{
		ConversationID: p.ConversationID,
		UserID:         userID,
	}, userID)
	return nil
}

// All returns every frame handler in registration order.
func All() []hub.Handler {
	return []hub.Handler{
		Auth{},
		Subscribe{},
		Unsubscribe{},
		Typing{FrameType: hub.TypeTypingStart},
		Typing{FrameType: hub.TypeTypingStop},
	}
}
