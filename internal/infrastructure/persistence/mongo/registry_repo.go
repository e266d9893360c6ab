package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/modularbot/bot-factory/internal/domain/registry"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// RegistryRepository implements registry.Repository for MongoDB.
// The full token is the document _id: the registry is the one place the
// secret is stored, and it is never logged.
type RegistryRepository struct {
	gw *Gateway
}

// NewRegistryRepository creates a new RegistryRepository.
func NewRegistryRepository(gw *Gateway) *RegistryRepository {
	return &RegistryRepository{gw: gw}
}

func (r *RegistryRepository) coll() *mongo.Collection {
	return r.gw.Collection(collRegistry)
}

type registryDoc struct {
	Token       string    `bson:"_id"`
	HandlerName string    `bson:"handler_name"`
	CreatedAt   time.Time `bson:"created_at"`
	CreatedBy   int64     `bson:"created_by"`
}

func fromRegistryDoc(doc registryDoc) *registry.Entry {
	return &registry.Entry{
		Token:           shared.BotToken(doc.Token),
		HandlerName:     shared.HandlerName(doc.HandlerName),
		CreatedAt:       doc.CreatedAt,
		CreatedByUserID: shared.TelegramID(doc.CreatedBy),
	}
}

// Lookup resolves the handler bound to a token.
func (r *RegistryRepository) Lookup(ctx context.Context, token shared.BotToken) (*registry.Entry, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	var doc registryDoc
	err := r.coll().FindOne(ctx, bson.D{{Key: "_id", Value: token.String()}}).Decode(&doc)
	if IsNoDocuments(err) {
		return nil, shared.ErrBotNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: lookup registration: %w", err)
	}
	return fromRegistryDoc(doc), nil
}

// Register upserts the binding keyed by token.
func (r *RegistryRepository) Register(ctx context.Context, e *registry.Entry) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "handler_name", Value: e.HandlerName.String()},
		{Key: "created_at", Value: e.CreatedAt},
		{Key: "created_by", Value: int64(e.CreatedByUserID)},
	}}}
	_, err := r.coll().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: e.Token.String()}},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: register bot: %w", err)
	}
	return nil
}

// Exists reports whether the token is already registered.
func (r *RegistryRepository) Exists(ctx context.Context, token shared.BotToken) (bool, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	n, err := r.coll().CountDocuments(ctx, bson.D{{Key: "_id", Value: token.String()}})
	if err != nil {
		return false, fmt.Errorf("mongo: check registration: %w", err)
	}
	return n > 0, nil
}

// Delete removes the binding for a token.
func (r *RegistryRepository) Delete(ctx context.Context, token shared.BotToken) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	if _, err := r.coll().DeleteOne(ctx, bson.D{{Key: "_id", Value: token.String()}}); err != nil {
		return fmt.Errorf("mongo: delete registration: %w", err)
	}
	return nil
}

// DeleteByHandlerName removes every binding that points at the named handler.
func (r *RegistryRepository) DeleteByHandlerName(ctx context.Context, name shared.HandlerName) (int64, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	res, err := r.coll().DeleteMany(ctx, bson.D{{Key: "handler_name", Value: name.String()}})
	if err != nil {
		return 0, fmt.Errorf("mongo: delete registrations by handler: %w", err)
	}
	return res.DeletedCount, nil
}

// CountCreatedBy counts registrations by one user since the given instant.
func (r *RegistryRepository) CountCreatedBy(ctx context.Context, userID shared.TelegramID, since time.Time) (int64, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	filter := bson.D{
		{Key: "created_by", Value: int64(userID)},
		{Key: "created_at", Value: bson.D{{Key: "$gte", Value: since}}},
	}
	n, err := r.coll().CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongo: count registrations: %w", err)
	}
	return n, nil
}

// List returns entries, most recent first.
func (r *RegistryRepository) List(ctx context.Context, limit int) ([]*registry.Entry, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := r.coll().Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list registrations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []registryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list registrations decode: %w", err)
	}

	entries := make([]*registry.Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, fromRegistryDoc(doc))
	}
	return entries, nil
}

// Count returns the number of registered bots.
func (r *RegistryRepository) Count(ctx context.Context) (int64, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	n, err := r.coll().EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("mongo: count registrations: %w", err)
	}
	return n, nil
}
