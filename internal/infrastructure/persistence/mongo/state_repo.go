package mongo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER STATE STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// StateStore implements handler.StateStore for MongoDB. One document per
// (handler, user, key); the value is whatever JSON the handler saved,
// stored verbatim.
type StateStore struct {
	gw *Gateway
}

// NewStateStore creates a new StateStore.
func NewStateStore(gw *Gateway) *StateStore {
	return &StateStore{gw: gw}
}

func (s *StateStore) coll() *mongo.Collection {
	return s.gw.Collection(collStates)
}

func stateID(name shared.HandlerName, userID int64, key string) string {
	return name.String() + ":" + strconv.FormatInt(userID, 10) + ":" + key
}

// Save stores the value, replacing any previous one.
func (s *StateStore) Save(ctx context.Context, name shared.HandlerName, userID int64, key string, value []byte) error {
	ctx, cancel := s.gw.opCtx(ctx)
	defer cancel()

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "bot_id", Value: name.String()},
		{Key: "user_id", Value: userID},
		{Key: "key", Value: key},
		{Key: "value", Value: value},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	_, err := s.coll().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: stateID(name, userID, key)}},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: save handler state: %w", err)
	}
	return nil
}

// Load returns the stored value, nil when nothing was saved yet.
func (s *StateStore) Load(ctx context.Context, name shared.HandlerName, userID int64, key string) ([]byte, error) {
	ctx, cancel := s.gw.opCtx(ctx)
	defer cancel()

	var doc struct {
		Value []byte `bson:"value"`
	}
	err := s.coll().FindOne(ctx, bson.D{{Key: "_id", Value: stateID(name, userID, key)}}).Decode(&doc)
	if IsNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: load handler state: %w", err)
	}
	return doc.Value, nil
}

// DeleteByHandler drops all state of one handler.
func (s *StateStore) DeleteByHandler(ctx context.Context, name shared.HandlerName) (int64, error) {
	ctx, cancel := s.gw.opCtx(ctx)
	defer cancel()

	res, err := s.coll().DeleteMany(ctx, bson.D{{Key: "bot_id", Value: name.String()}})
	if err != nil {
		return 0, fmt.Errorf("mongo: delete handler state: %w", err)
	}
	return res.DeletedCount, nil
}
