package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bull/medassist/internal/domain"
)

// Mongo database and collection names.
const (
	DefaultDatabase     = "medical_bot"
	usersCollection     = "users"
	queryLogsCollection = "query_logs"
)

type userDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Email     string             `bson:"email"`
	Password  string             `bson:"password"`
	CreatedAt time.Time          `bson:"created_at"`
}

type queryLogDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	UserID       string             `bson:"user_id"`
	QueryType    string             `bson:"query_type"`
	InputSummary string             `bson:"input_summary"`
	Response     string             `bson:"response"`
	ModelUsed    string             `bson:"model_used"`
	Timestamp    time.Time          `bson:"timestamp"`
}

// MongoStore keeps users and query logs in MongoDB.
type MongoStore struct {
	client *mongo.Client
	users  *mongo.Collection
	logs   *mongo.Collection
}

// NewMongoStore connects to uri, pings the server and ensures the indexes
// used by login and history lookups.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("MONGO_URI not set")
	}
	if database == "" {
		database = DefaultDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client: client,
		users:  db.Collection(usersCollection),
		logs:   db.Collection(queryLogsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create users.email index: %w", err)
	}
	_, err = s.logs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create query_logs index: %w", err)
	}
	return nil
}

// AppendQueryLog inserts one entry.
func (s *MongoStore) AppendQueryLog(ctx context.Context, entry domain.QueryLogEntry) error {
	_, err := s.logs.InsertOne(ctx, queryLogDoc{
		UserID:       entry.UserID,
		QueryType:    string(entry.QueryType),
		InputSummary: entry.InputSummary,
		Response:     entry.Response,
		ModelUsed:    entry.ModelUsed,
		Timestamp:    entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

// RecentQueryLogs returns up to limit entries of userID, newest first.
func (s *MongoStore) RecentQueryLogs(ctx context.Context, userID string, limit int) ([]domain.QueryLogEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := s.logs.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find query logs: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []queryLogDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode query logs: %w", err)
	}

	entries := make([]domain.QueryLogEntry, len(docs))
	for i, d := range docs {
		entries[i] = domain.QueryLogEntry{
			UserID:       d.UserID,
			QueryType:    domain.Modality(d.QueryType),
			InputSummary: d.InputSummary,
			Response:     d.Response,
			ModelUsed:    d.ModelUsed,
			Timestamp:    d.Timestamp.UTC(),
		}
	}
	return entries, nil
}

// CreateUser inserts a user. A duplicate email yields ErrUserExists.
func (s *MongoStore) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	doc := userDoc{Email: email, Password: passwordHash, CreatedAt: time.Now().UTC()}
	res, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	id, _ := res.InsertedID.(primitive.ObjectID)
	return User{ID: id.Hex(), Email: email, PasswordHash: passwordHash, CreatedAt: doc.CreatedAt}, nil
}

// FindUserByEmail returns ErrUserNotFound when no user has email.
func (s *MongoStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return User{ID: doc.ID.Hex(), Email: doc.Email, PasswordHash: doc.Password, CreatedAt: doc.CreatedAt}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
