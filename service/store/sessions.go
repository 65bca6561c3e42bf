package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Sessions answers participant checks against the marketplace CRUD database.
// An exchange session has exactly two sides, buyer and seller.
type Sessions struct {
	pool *pgxpool.Pool
}

func NewSessions(ctx context.Context, databaseURL string) (*Sessions, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "pgxpool new")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pg ping")
	}
	return &Sessions{pool: pool}, nil
}

// IsParticipant reports whether userID is the buyer or the seller of the
// session. A missing session is simply not-a-participant.
func (s *Sessions) IsParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM exchange_sessions
			WHERE id = $1 AND (buyer_id = $2 OR seller_id = $2)
		)`, sessionID, userID).Scan(&ok)
	if err != nil {
		return false, errors.Wrapf(err, "session participant check session=%s", sessionID)
	}
	return ok, nil
}

func (s *Sessions) Close() { s.pool.Close() }
