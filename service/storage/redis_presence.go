package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// presence key: rt:presence:<user>
// Value: hub node id, TTL controls the online validity period
func presenceKey(user string) string { return "rt:presence:" + user }

// Presence mirrors the hub's who-is-online view into redis so the CRUD
// services can answer "is this user reachable" without calling the hub. The
// TTL is refreshed by the liveness sweep, so a crashed hub node's entries
// expire on their own.
type Presence struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewPresence(c Config, nodeID string, ttl time.Duration) (*Presence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Presence{rdb: rdb, nodeID: nodeID, ttl: ttl}, nil
}

// Online marks the user reachable through this node and arms the TTL.
func (p *Presence) Online(ctx context.Context, userID string) error {
	return errors.Wrap(p.rdb.Set(ctx, presenceKey(userID), p.nodeID, p.ttl).Err(), "presence online")
}

// Offline deletes the key. Called when the user's last connection drops.
func (p *Presence) Offline(ctx context.Context, userID string) error {
	return errors.Wrap(p.rdb.Del(ctx, presenceKey(userID)).Err(), "presence offline")
}

// Refresh renews the TTL for a user that answered the last liveness probe.
func (p *Presence) Refresh(ctx context.Context, userID string) error {
	return errors.Wrap(p.rdb.Expire(ctx, presenceKey(userID), p.ttl).Err(), "presence refresh")
}

// Lookup reports whether the user is online anywhere and on which node.
func (p *Presence) Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "presence lookup")
	}
	return val, true, nil
}

func (p *Presence) Close() error { return p.rdb.Close() }
