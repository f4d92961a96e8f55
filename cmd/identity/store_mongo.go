package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// DefaultAccountsCollection is the collection name used when none is given.
const DefaultAccountsCollection = "accounts"

// MongoStore implements account persistence over MongoDB.
// The client is owned by the caller; this store must NOT disconnect it.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoAccount struct {
	Username     string    `bson:"username"`
	TOTPSecret   string    `bson:"totp_secret"`
	RecoveryHash string    `bson:"recovery_token_hash"`
	Theme        string    `bson:"theme"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func (d mongoAccount) account() Account {
	return Account{
		Username:     d.Username,
		TOTPSecret:   d.TOTPSecret,
		RecoveryHash: d.RecoveryHash,
		Theme:        Theme(d.Theme),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

// NewMongoStore binds a store to db.collection. Call EnsureIndexes before use.
func NewMongoStore(client *mongo.Client, db, collection string) (*MongoStore, error) {
	if client == nil {
		return nil, fmt.Errorf("identity: nil mongo client")
	}
	db = strings.TrimSpace(db)
	if db == "" {
		return nil, fmt.Errorf("identity: empty mongo database")
	}
	if strings.TrimSpace(collection) == "" {
		collection = DefaultAccountsCollection
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(db).Collection(collection),
	}, nil
}

// EnsureIndexes creates the unique username index. It is idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uq_accounts_username"),
	})
	if err != nil {
		return fmt.Errorf("identity: ensure indexes: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account; the unique index enforces the username.
func (s *MongoStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.CreateAccount"

	in, err := in.validate(op)
	if err != nil {
		return Account{}, err
	}

	// BSON datetimes carry millisecond precision.
	now := in.Now.Truncate(time.Millisecond)
	doc := mongoAccount{
		Username:     in.Username,
		TOTPSecret:   in.TOTPSecret,
		RecoveryHash: in.RecoveryHash,
		Theme:        string(ThemeLight),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Account{}, ConflictError{Op: op, Field: "username"}
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.account(), nil
}

// FindByUsername loads an account by exact username.
func (s *MongoStore) FindByUsername(ctx context.Context, username string) (Account, error) {
	const op = "identity.FindByUsername"

	var doc mongoAccount
	err := s.coll.FindOne(ctx, bson.D{{Key: "username", Value: NormalizeUsername(username)}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, NotFoundError{Op: op, Resource: "account"}
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.account(), nil
}

// UpdateTheme persists a theme preference.
func (s *MongoStore) UpdateTheme(ctx context.Context, username string, theme Theme, now time.Time) error {
	const op = "identity.UpdateTheme"

	if _, ok := ParseTheme(string(theme)); !ok {
		return invalid(op, "invalid theme")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "username", Value: NormalizeUsername(username)}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "theme", Value: string(theme)},
			{Key: "updated_at", Value: now.UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return nil
}

// RotateCredentials is a single-document conditional update on the old digest.
func (s *MongoStore) RotateCredentials(ctx context.Context, in RotateCredentialsInput) error {
	const op = "identity.RotateCredentials"

	in, err := in.validate(op)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.D{
			{Key: "username", Value: in.Username},
			{Key: "recovery_token_hash", Value: in.OldRecoveryHash},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "totp_secret", Value: in.NewTOTPSecret},
			{Key: "recovery_token_hash", Value: in.NewRecoveryHash},
			{Key: "updated_at", Value: in.Now},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount != 1 {
		return staleRotate()
	}
	return nil
}

// Ping checks the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}
