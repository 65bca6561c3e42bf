package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig points at the chat database that owns conversations and
// messages. The hub only reads participant lists from it.
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// Conversations answers participant checks against the conversations
// collection. Re-verified on every subscribe, never cached, so a user removed
// from a conversation loses access on the next subscribe attempt.
type Conversations struct {
	coll *mongo.Collection
	cli  *mongo.Client
}

func NewConversations(cfg MongoConfig) (*Conversations, error) {
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 100
	}
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "mongo ping")
	}
	return &Conversations{
		coll: cli.Database(cfg.Database).Collection("conversations"),
		cli:  cli,
	}, nil
}

// IsParticipant reports whether userID appears in the conversation's
// participants array. A missing conversation is simply not-a-participant.
func (s *Conversations) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{
		"_id":          conversationID,
		"participants": userID,
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrapf(err, "conversation participant check conv=%s", conversationID)
	}
	return n > 0, nil
}

// Participants returns the full participant list for message fan-out.
func (s *Conversations) Participants(ctx context.Context, conversationID string) ([]string, error) {
	var doc struct {
		Participants []string `bson:"participants"`
	}
	err := s.coll.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "conversation participants conv=%s", conversationID)
	}
	return doc.Participants, nil
}

func (s *Conversations) Close(ctx context.Context) error {
	return s.cli.Disconnect(ctx)
}
