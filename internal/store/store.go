// Package store is the narrow Mongo persistence collaborator used by the
// REST pipeline's fire-and-forget cold-storage write. It is distinct from
// internal/cache.Store, which backs the Smart Cache Orchestrator's own
// swappable in-memory cache entries — this package persists the normalized
// response record itself for downstream consumers, keyed by
// "receiver:<capability>:<provider>:<symbols-csv>".
//
// Connection/database resolution and idempotent index creation follow the
// usual Mongo collaborator shape; there is no historical OHLC query
// operation here, so no aggregation surface is exposed.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const recordsCollection = "records"

// Record is one persisted, normalized response payload.
type Record struct {
	Key            string         `bson:"key"`
	Classification string         `bson:"classification"`
	Provider       string         `bson:"provider"`
	Capability     string         `bson:"capability"`
	Symbols        []string       `bson:"symbols"`
	Data           map[string]any `bson:"data"`
	ExpiresAt      time.Time      `bson:"expires_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
}

// Key builds the "receiver:<capability>:<provider>:<symbols-csv>" key used
// for the upsert.
func Key(capability, provider string, symbols []string) string {
	return fmt.Sprintf("receiver:%s:%s:%s", capability, provider, strings.Join(symbols, ","))
}

// Store is the persistence contract the REST pipeline depends on.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Close(ctx context.Context)
}

// MongoStore is the production Store backed by go.mongodb.org/mongo-driver/v2.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
}

// Connect dials MongoDB and returns a ready MongoStore. uri should include
// the database name (e.g. mongodb://localhost:27017/stockapi); "stockapi" is
// used as a fallback.
func Connect(ctx context.Context, uri string, log zerolog.Logger) (*MongoStore, error) {
	clientOpts := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	dbName := "stockapi"
	if u, err := url.Parse(uri); err == nil {
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			dbName = name
		}
	}

	log.Info().Str("db", dbName).Msg("connected to MongoDB")
	return &MongoStore{client: client, db: client.Database(dbName), log: log}, nil
}

// EnsureIndexes creates the idempotent indexes this package depends on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(recordsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create index on %s: %w", recordsCollection, err)
	}
	_, err = s.db.Collection(recordsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "capability", Value: 1}, {Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create index on %s: %w", recordsCollection, err)
	}
	_, err = s.db.Collection(recordsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("create ttl index on %s: %w", recordsCollection, err)
	}
	s.log.Info().Msg("MongoDB indexes ensured")
	return nil
}

// Upsert writes a record, replacing whatever is already stored under its
// key. Persistence failures are non-fatal and fire-and-forget from the
// caller's perspective; the caller decides whether to log and move on.
func (s *MongoStore) Upsert(ctx context.Context, rec Record) error {
	rec.UpdatedAt = time.Now()
	_, err := s.db.Collection(recordsCollection).ReplaceOne(
		ctx,
		bson.M{"key": rec.Key},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Key, err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) {
	s.client.Disconnect(ctx)
}

// DB returns the underlying database, for collaborators (internal/archive)
// that need direct collection access beyond the Store interface.
func (s *MongoStore) DB() *mongo.Database {
	return s.db
}

// RecordsCollectionName is the collection internal/archive reads cold
// records from.
const RecordsCollectionName = recordsCollection
