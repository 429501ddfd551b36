// Package mongostore backs the idempotency guard with a MongoDB
// collection. Expiry relies on a TTL index plus an explicit liveness check
// on read, since the TTL monitor only sweeps about once a minute.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowbatch.tech/idempotency"
)

type document struct {
	Key       string    `bson:"_id"`
	Token     string    `bson:"token"`
	Status    string    `bson:"status"`
	Result    []byte    `bson:"result,omitempty"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// Store implements idempotency.Store on a MongoDB collection.
type Store struct {
	collection *mongo.Collection
}

// New uses the idempotency_keys collection of db.
func New(db *mongo.Database) *Store {
	return &Store{collection: db.Collection("idempotency_keys")}
}

// EnsureIndexes creates the TTL index that reaps expired records.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.M{"expiresAt": 1},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("create idempotency indexes: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (*idempotency.Acquisition, error) {
	now := time.Now()
	token := uuid.NewString()

	res := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$setOnInsert": bson.M{
			"token":     token,
			"status":    string(idempotency.StatusPending),
			"expiresAt": now.Add(ttl),
		}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before))

	var prior document
	err := res.Decode(&prior)
	if err == mongo.ErrNoDocuments {
		return &idempotency.Acquisition{Acquired: true, Token: token}, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		// Lost an upsert race; the winner's claim is visible now.
		existing, gerr := s.Get(ctx, key)
		if gerr != nil {
			return nil, gerr
		}
		if existing != nil {
			return &idempotency.Acquisition{Existing: existing}, nil
		}
		return nil, fmt.Errorf("mongo acquire %s: %w", key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("mongo acquire %s: %w", key, err)
	}

	if prior.ExpiresAt.After(now) {
		return &idempotency.Acquisition{Existing: record(&prior)}, nil
	}

	// The document expired but the TTL monitor has not swept it yet.
	// Take it over, guarded by the prior token so racing workers cannot
	// both win.
	update, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": key, "token": prior.Token, "expiresAt": prior.ExpiresAt},
		bson.M{
			"$set": bson.M{
				"token":     token,
				"status":    string(idempotency.StatusPending),
				"expiresAt": now.Add(ttl),
			},
			"$unset": bson.M{"result": ""},
		})
	if err != nil {
		return nil, fmt.Errorf("mongo acquire %s: %w", key, err)
	}
	if update.ModifiedCount == 1 {
		return &idempotency.Acquisition{Acquired: true, Token: token}, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &idempotency.Acquisition{Existing: existing}, nil
}

func (s *Store) Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": key, "token": token, "status": string(idempotency.StatusPending)},
		bson.M{"$set": bson.M{
			"status":    string(idempotency.StatusCompleted),
			"result":    result,
			"expiresAt": time.Now().Add(ttl),
		}})
	if err != nil {
		return fmt.Errorf("mongo complete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, token string) error {
	_, err := s.collection.DeleteOne(ctx,
		bson.M{"_id": key, "token": token, "status": string(idempotency.StatusPending)})
	if err != nil {
		return fmt.Errorf("mongo release %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo get %s: %w", key, err)
	}
	if !doc.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return record(&doc), nil
}

func record(doc *document) *idempotency.Record {
	return &idempotency.Record{
		Key:       doc.Key,
		Status:    idempotency.Status(doc.Status),
		Result:    doc.Result,
		ExpiresAt: doc.ExpiresAt,
	}
}
