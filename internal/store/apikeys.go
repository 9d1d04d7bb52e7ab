package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// APIKey is a tenant credential stored as a SHA-256 hash of the raw key.
type APIKey struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	TenantID  string             `bson:"tenantId"`
	KeyHash   string             `bson:"keyHash"`
	Name      string             `bson:"name,omitempty"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// HashAPIKey returns the hex SHA-256 digest under which a raw key is stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TenantForAPIKey resolves the tenant owning the given raw API key.
func (s *Store) TenantForAPIKey(ctx context.Context, rawKey string) (string, error) {
	var key APIKey
	err := s.writeColl(apiKeysCollection).
		FindOne(ctx, bson.D{{Key: "keyHash", Value: HashAPIKey(rawKey)}}).
		Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("look up api key: %w", err)
	}
	return key.TenantID, nil
}

// CreateAPIKey stores the hash of a raw key for a tenant.
func (s *Store) CreateAPIKey(ctx context.Context, tenantID, name, rawKey string) error {
	_, err := s.writeColl(apiKeysCollection).InsertOne(ctx, APIKey{
		TenantID:  tenantID,
		KeyHash:   HashAPIKey(rawKey),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}
