// Package store provides the MongoDB persistence layer: job, schedule and
// API-key repositories on the write endpoint, and source-data reads on the
// read endpoint.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	jobsCollection      = "reportJobs"
	schedulesCollection = "reportSchedules"
	apiKeysCollection   = "apiKeys"
)

// ErrNotFound is returned when a document does not exist under the tenant
// scope of the query.
var ErrNotFound = errors.New("document not found")

// ErrReadEndpointIsPrimary is returned when the read connection resolves to
// the writable primary. Source reads must never land on the primary.
var ErrReadEndpointIsPrimary = errors.New("read endpoint is the writable primary")

// Config holds store connection settings.
type Config struct {
	WriteURI        string
	ReadURI         string
	Database        string
	CursorBatchSize int32
	Logger          *zap.Logger
}

// Store wraps the write and read MongoDB clients.
type Store struct {
	writeClient *mongo.Client
	readClient  *mongo.Client
	database    string
	batchSize   int32
	logger      *zap.Logger
}

// NewStore connects both endpoints and verifies the write endpoint is
// reachable.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	writeClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.WriteURI))
	if err != nil {
		return nil, fmt.Errorf("connect write endpoint: %w", err)
	}

	readClient, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.ReadURI).
		SetReadPreference(readpref.SecondaryPreferred()))
	if err != nil {
		_ = writeClient.Disconnect(ctx)
		return nil, fmt.Errorf("connect read endpoint: %w", err)
	}

	if err := writeClient.Ping(ctx, readpref.Primary()); err != nil {
		_ = writeClient.Disconnect(ctx)
		_ = readClient.Disconnect(ctx)
		return nil, fmt.Errorf("ping write endpoint: %w", err)
	}

	batch := cfg.CursorBatchSize
	if batch <= 0 {
		batch = 1000
	}

	return &Store{
		writeClient: writeClient,
		readClient:  readClient,
		database:    cfg.Database,
		batchSize:   batch,
		logger:      cfg.Logger,
	}, nil
}

// Ping verifies write endpoint connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.writeClient.Ping(ctx, readpref.Primary())
}

// Close disconnects both clients.
func (s *Store) Close(ctx context.Context) error {
	var firstErr error
	if err := s.writeClient.Disconnect(ctx); err != nil {
		firstErr = err
	}
	if err := s.readClient.Disconnect(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) writeColl(name string) *mongo.Collection {
	return s.writeClient.Database(s.database).Collection(name)
}

func (s *Store) readColl(name string) *mongo.Collection {
	return s.readClient.Database(s.database).Collection(name)
}

// helloReply carries the fields of the hello identity command we care about.
// Older servers answer the same shape under ismaster.
type helloReply struct {
	IsWritablePrimary bool `bson:"isWritablePrimary"`
	IsMaster          bool `bson:"ismaster"`
}

// VerifyReadNotPrimary issues the hello identity command on the read
// endpoint and fails if it reports the writable primary.
func (s *Store) VerifyReadNotPrimary(ctx context.Context) error {
	var reply helloReply
	err := s.readClient.Database("admin").
		RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).
		Decode(&reply)
	if err != nil {
		return fmt.Errorf("hello command on read endpoint: %w", err)
	}
	if reply.IsWritablePrimary || reply.IsMaster {
		return ErrReadEndpointIsPrimary
	}
	return nil
}

// EnsureIndexes creates the indexes the service assumes. Source collection
// indexes are managed only when enabled in configuration.
func (s *Store) EnsureIndexes(ctx context.Context, sourceCollections []string, manageSource bool) error {
	jobs := s.writeColl(jobsCollection)
	_, err := jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expireAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}

	_, err = s.writeColl(schedulesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "enabled", Value: 1}, {Key: "nextRunAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create schedule index: %w", err)
	}

	_, err = s.writeColl(apiKeysCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenantId", Value: 1}, {Key: "keyHash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create api key index: %w", err)
	}

	if manageSource {
		for _, name := range sourceCollections {
			_, err = s.writeColl(name).Indexes().CreateOne(ctx, mongo.IndexModel{
				Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "_id", Value: 1}},
			})
			if err != nil {
				return fmt.Errorf("create source index on %s: %w", name, err)
			}
		}
	}
	return nil
}
