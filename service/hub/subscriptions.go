package hub

import (
	"context"
	"sync"
)

// ConversationStore answers whether a user participates in a conversation.
// Backed by the chat database; consulted on every subscribe, never cached.
type ConversationStore interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// SessionStore answers whether a user participates in an exchange session.
// Backed by the marketplace CRUD database.
type SessionStore interface {
	IsParticipant(ctx context.Context, sessionID, userID string) (bool, error)
}

// SubscriptionIndex maps conversation and session ids to the user ids that
// expressed interest. It holds user ids only, never connection objects;
// authorization happens in the subscribe handler before any mutation here.
type SubscriptionIndex struct {
	mu            sync.RWMutex
	conversations map[string]map[string]struct{}
	sessions      map[string]map[string]struct{}
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		conversations: make(map[string]map[string]struct{}),
		sessions:      make(map[string]map[string]struct{}),
	}
}

func (x *SubscriptionIndex) AddConversation(id, userID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conversations[id] == nil {
		x.conversations[id] = make(map[string]struct{})
	}
	x.conversations[id][userID] = struct{}{}
}

func (x *SubscriptionIndex) RemoveConversation(id, userID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if set := x.conversations[id]; set != nil {
		delete(set, userID)
		if len(set) == 0 {
			delete(x.conversations, id)
		}
	}
}

func (x *SubscriptionIndex) AddSession(id, userID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.sessions[id] == nil {
		x.sessions[id] = make(map[string]struct{})
	}
	x.sessions[id][userID] = struct{}{}
}

func (x *SubscriptionIndex) RemoveSession(id, userID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if set := x.sessions[id]; set != nil {
		delete(set, userID)
		if len(set) == 0 {
			delete(x.sessions, id)
		}
	}
}

func (x *SubscriptionIndex) ConversationSubscribers(id string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.conversations[id])
}

func (x *SubscriptionIndex) SessionSubscribers(id string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.sessions[id])
}

func (x *SubscriptionIndex) IsConversationSubscriber(id, userID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.conversations[id][userID]
	return ok
}

func (x *SubscriptionIndex) IsSessionSubscriber(id, userID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.sessions[id][userID]
	return ok
}

// DropUser removes the user from the given conversation and session sets.
// Called on connection teardown with the ids that connection had joined.
func (x *SubscriptionIndex) DropUser(userID string, convs, sessions []string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range convs {
		if set := x.conversations[id]; set != nil {
			delete(set, userID)
			if len(set) == 0 {
				delete(x.conversations, id)
			}
		}
	}
	for _, id := range sessions {
		if set := x.sessions[id]; set != nil {
			delete(set, userID)
			if len(set) == 0 {
				delete(x.sessions, id)
			}
		}
	}
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
