package handlers

import (
	"context"
	"time"

	"tradelive/logger"
	"tradelive/service/hub"
	"tradelive/tools/decode"
	errs "tradelive/tools/errs"
)

const authzTimeout = 3 * time.Second

// Subscribe joins the connection's user to conversation and session rooms.
// Both ids may be present in one frame; each is authorized and applied
// independently, so a forbidden session does not block a permitted
// conversation. Authorization always goes back to the store, never to the
// index, and runs before any index mutation.
type Subscribe struct{}

func (Subscribe) Type() string { return hub.TypeSubscribe }

func (Subscribe) Handle(ctx *hub.Context, f *hub.Frame, c *hub.Client) error {
	p, err := decode.DecodePayload[hub.SubscribePayload](f.Payload)
	if err != nil {
		c.Enqueue(hub.MarshalError(errs.ErrInvalidMessage.WithDetail("bad subscribe payload")))
		return nil
	}
	if p.ConversationID == "" && p.SessionID == "" {
		c.Enqueue(hub.MarshalError(errs.ErrInvalidMessage.WithDetail("subscribe needs conversationId or sessionId")))
		return nil
	}
	userID := c.UserID()

	if p.ConversationID != "" {
		subscribeConversation(ctx, c, userID, p.ConversationID)
	}
	if p.SessionID != "" {
		subscribeSession(ctx, c, userID, p.SessionID)
	}
	return nil
}

func subscribeConversation(ctx *hub.Context, c *hub.Client, userID, convID string) {
	ok, err := checkParticipant(ctx.S.Conversations().IsParticipant, convID, userID)
	if err != nil {
		logger.Warnf("[subscribe] conversation check failed conv=%s user=%s: %v", convID, userID, err)
		c.Enqueue(hub.MarshalError(errs.ErrInternal))
		return
	}
	if !ok {
		logger.Infof("[subscribe] denied conv=%s user=%s", convID, userID)
		c.Enqueue(hub.MarshalError(errs.ErrForbidden))
		return
	}
	ctx.S.Subs().AddConversation(convID, userID)
	c.TrackConversation(convID)
	logger.Debugf("[subscribe] conv=%s user=%s conn=%s", convID, userID, c.ConnID)
}

func subscribeSession(ctx *hub.Context, c *hub.Client, userID, sessionID string) {
	// guests browse anonymously and never hold a side of an exchange
	if c.IsGuest() {
		c.Enqueue(hub.MarshalError(errs.ErrForbidden))
		return
	}
	ok, err := checkParticipant(ctx.S.Sessions().IsParticipant, sessionID, userID)
	if err != nil {
		logger.Warnf("[subscribe] session check failed session=%s user=%s: %v", sessionID, userID, err)
		c.Enqueue(hub.MarshalError(errs.ErrInternal))
		return
	}
	if !ok {
		logger.Infof("[subscribe] denied session=%s user=%s", sessionID, userID)
		c.Enqueue(hub.MarshalError(errs.ErrForbidden))
		return
	}
	ctx.S.Subs().AddSession(sessionID, userID)
	c.TrackSession(sessionID)
	logger.Debugf("[subscribe] session=%s user=%s conn=%s", sessionID, userID, c.ConnID)
}

func checkParticipant(check func(context.Context, string, string) (bool, error), id, userID string) (bool, error) {
	cctx, cancel := context.WithTimeout(context.Background(), authzTimeout)
	defer cancel()
	return check(cctx, id, userID)
}

// Unsubscribe removes interest. It never errors: removing a membership that
// does not exist is a no-op, and no authorization is needed to leave a room.
type Unsubscribe struct{}

func (Unsubscribe) Type() string { return hub.TypeUnsubscribe }

func (Unsubscribe) Handle(ctx *hub.Context, f *hub.Frame, c *hub.Client) error {
	p, err := decode.DecodePayload[hub.SubscribePayload](f.Payload)
	if err != nil {
		c.Enqueue(hub.MarshalError(errs.ErrInvalidMessage.WithDetail("bad unsubscribe payload")))
		return nil
	}
	userID := c.UserID()
	if p.ConversationID != "" {
		ctx.S.Subs().RemoveConversation(p.ConversationID, userID)
		c.UntrackConversation(p.ConversationID)
	}
	if p.SessionID != "" {
		ctx.S.Subs().RemoveSession(p.SessionID, userID)
		c.UntrackSession(p.SessionID)
	}
	return nil
}
