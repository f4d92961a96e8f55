package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"vouch/cmd/identity/ids"
)

// DefaultMessagesCollection is the collection name used when none is given.
const DefaultMessagesCollection = "messages"

// MongoStore is a Store backed by MongoDB. The ULID is stored as _id.
// The client is owned by the caller; Close is a no-op.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	ids    *ids.Monotonic
}

type mongoMessage struct {
	ID        string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	Author    string    `bson:"author"`
	Body      string    `bson:"body"`
	Edited    bool      `bson:"edited"`
	Deleted   bool      `bson:"deleted"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d mongoMessage) message() Message {
	return Message{
		ID:        d.ID,
		Kind:      Kind(d.Kind),
		Author:    d.Author,
		Body:      d.Body,
		Edited:    d.Edited,
		Deleted:   d.Deleted,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// NewMongoStore binds a store to db.collection.
func NewMongoStore(client *mongo.Client, db, collection string) (*MongoStore, error) {
	if client == nil {
		return nil, errors.New("chat: nil mongo client")
	}
	db = strings.TrimSpace(db)
	if db == "" {
		return nil, errors.New("chat: empty mongo database")
	}
	if strings.TrimSpace(collection) == "" {
		collection = DefaultMessagesCollection
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(db).Collection(collection),
		ids:    ids.NewMonotonic(),
	}, nil
}

// EnsureIndexes creates the created_at index used by retention.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}},
		Options: options.Index().SetName("idx_messages_created_at"),
	})
	if err != nil {
		return fmt.Errorf("chat: ensure indexes: %w", err)
	}
	return nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

// Ping checks the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, readpref.Primary()) }

// Append inserts a text message with a fresh monotonic ULID.
func (s *MongoStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if in.Author == "" || in.Body == "" {
		return Message{}, ErrInvalidInput
	}
	// BSON datetimes carry millisecond precision.
	now := nowOr(in.Now).Truncate(time.Millisecond)

	id, err := s.ids.Next(now)
	if err != nil {
		return Message{}, err
	}
	doc := mongoMessage{
		ID:        id,
		Kind:      string(KindText),
		Author:    in.Author,
		Body:      in.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.message(), nil
}

// Edit replaces the body if (id, author, not deleted) matches.
func (s *MongoStore) Edit(ctx context.Context, in EditInput) (Message, bool, error) {
	if in.ID == "" || in.Requester == "" || in.Body == "" {
		return Message{}, false, ErrInvalidInput
	}
	return s.conditionalUpdate(ctx,
		bson.D{
			{Key: "_id", Value: in.ID},
			{Key: "author", Value: in.Requester},
			{Key: "deleted", Value: false},
			{Key: "kind", Value: string(KindText)},
		},
		bson.D{
			{Key: "body", Value: in.Body},
			{Key: "edited", Value: true},
			{Key: "updated_at", Value: nowOr(in.Now)},
		},
	)
}

// Delete tombstones the message if (id, author, not deleted) matches.
func (s *MongoStore) Delete(ctx context.Context, in DeleteInput) (Message, bool, error) {
	if in.ID == "" || in.Requester == "" {
		return Message{}, false, ErrInvalidInput
	}
	return s.conditionalUpdate(ctx,
		bson.D{
			{Key: "_id", Value: in.ID},
			{Key: "author", Value: in.Requester},
			{Key: "deleted", Value: false},
		},
		bson.D{
			{Key: "body", Value: Tombstone},
			{Key: "deleted", Value: true},
			{Key: "updated_at", Value: nowOr(in.Now)},
		},
	)
}

func (s *MongoStore) conditionalUpdate(ctx context.Context, filter, set bson.D) (Message, bool, error) {
	var doc mongoMessage
	err := s.coll.FindOneAndUpdate(ctx, filter,
		bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	return doc.message(), true, nil
}

// Recent returns up to limit newest messages in chronological order.
func (s *MongoStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	limit = clampLimit(limit)

	cur, err := s.coll.Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.message())
	}
	slices.Reverse(out)
	return out, nil
}

// PruneBefore deletes messages with created_at strictly before cutoff.
func (s *MongoStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "created_at", Value: bson.D{{Key: "$lt", Value: cutoff.UTC()}}}})
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.DeletedCount, nil
}
