// Package mongostore keeps conversations in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pavelanni/entrevue/internal/model"
	"github.com/pavelanni/entrevue/internal/store"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "entrevue"

const collectionName = "conversations"

// document wraps a conversation with the fields queries need.
type document struct {
	ID           string              `bson:"_id"`
	StartedAt    time.Time           `bson:"startedAt"`
	UpdatedAt    time.Time           `bson:"updatedAt"`
	Conversation *model.Conversation `bson:"conversation"`
}

// Store is a conversation store backed by one MongoDB collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// New connects to uri and checks the connection.
func New(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Store{
		client:     client,
		collection: client.Database(database).Collection(collectionName),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SaveConversation replaces the stored conversation, creating it if needed.
func (s *Store) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	doc := document{
		ID:           conv.ID,
		StartedAt:    conv.StartTime,
		UpdatedAt:    time.Now().UTC(),
		Conversation: conv,
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": conv.ID}, doc, opts); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation %s: %w", id, err)
	}
	if doc.Conversation == nil {
		return nil, fmt.Errorf("conversation %s: empty document", id)
	}
	return doc.Conversation, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListConversations returns every conversation, most recent first.
func (s *Store) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	convs := make([]*model.Conversation, 0, len(docs))
	for _, d := range docs {
		if d.Conversation != nil {
			convs = append(convs, d.Conversation)
		}
	}
	return convs, nil
}
