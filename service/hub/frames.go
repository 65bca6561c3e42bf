package hub

import (
	"encoding/json"
	"time"

	errs "tradelive/tools/errs"
)

// Inbound frame types.
const (
	TypeAuthenticate = "authenticate"
	TypePing         = "ping"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
)

// Outbound frame types.
const (
	TypeAuthenticated = "authenticated"
	TypePong          = "pong"
	TypeError         = "error"
	TypeNewMessage    = "new_message"
	TypeMessageRead   = "message_read"
	TypeSessionUpdate = "session_update"
	TypeNotification  = "notification"
)

// Frame is the wire envelope: {type, payload?, timestamp?}.
type Frame struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// ParseFrame decodes an inbound frame. The payload stays a raw map; handlers
// decode it into their typed payload via tools/decode.
func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, errs.ErrInvalidMessage.WithDetail("missing type")
	}
	return f, nil
}

// ---- typed inbound payloads ----

type AuthPayload struct {
	Token string `json:"token"`
}

type SubscribePayload struct {
	ConversationID string `json:"conversationId"`
	SessionID      string `json:"sessionId"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

// ---- typed outbound events ----

type NewMessageEvent struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	CreatedAt      string `json:"createdAt"`
}

type MessageReadEvent struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	ReadBy         string   `json:"readBy"`
	ReadAt         string   `json:"readAt"`
}

type SessionUpdateEvent struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updatedBy"`
	UpdatedAt string `json:"updatedAt"`
}

type NotificationEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MarshalFrame builds an outbound frame with the current timestamp. Marshal
// errors cannot happen for the payload types above, so the result is returned
// directly.
func MarshalFrame(frameType string, payload any) []byte {
	out := struct {
		Type      string `json:"type"`
		Payload   any    `json:"payload,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Type:      frameType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	b, _ := json.Marshal(out)
	return b
}

// MarshalError builds the in-band error frame for a coded error.
func MarshalError(ce *errs.CodeError) []byte {
	return MarshalFrame(TypeError, map[string]string{
		"code":    ce.Code,
		"message": ce.Msg,
	})
}
