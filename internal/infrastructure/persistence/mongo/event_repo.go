package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/modularbot/bot-factory/internal/domain/funnel"
)

// ══════════════════════════════════════════════════════════════════════════════
// FUNNEL EVENT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// EventRepository implements funnel.EventRepository for MongoDB.
// Idempotency rides on _id: the event key is the document identifier,
// so the second insert of the same key is a duplicate-key error we
// deliberately swallow.
type EventRepository struct {
	gw *Gateway
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(gw *Gateway) *EventRepository {
	return &EventRepository{gw: gw}
}

func (r *EventRepository) coll() *mongo.Collection {
	return r.gw.Collection(collEvents)
}

type eventDoc struct {
	Key        string    `bson:"_id"`
	Kind       string    `bson:"kind"`
	FlowID     string    `bson:"flow_id"`
	UserID     int64     `bson:"user_id"`
	BotTokenID string    `bson:"bot_token_id,omitempty"`
	Stage      int       `bson:"stage,omitempty"`
	Reason     string    `bson:"reason,omitempty"`
	At         time.Time `bson:"at"`
	ExpireAt   time.Time `bson:"expire_at"`
}

// Append writes the event keyed by its idempotency key.
func (r *EventRepository) Append(ctx context.Context, e *funnel.Event) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	doc := eventDoc{
		Key:        e.Key,
		Kind:       string(e.Kind),
		FlowID:     e.FlowID.String(),
		UserID:     int64(e.UserID),
		BotTokenID: e.BotTokenID.String(),
		Stage:      int(e.Stage),
		Reason:     e.Reason,
		At:         e.At,
		ExpireAt:   e.At.Add(eventRetention),
	}
	if _, err := r.coll().InsertOne(ctx, doc); err != nil {
		if IsDuplicateKey(err) {
			// Retry of an already-recorded transition.
			return nil
		}
		return fmt.Errorf("mongo: append funnel event: %w", err)
	}
	return nil
}

// CountByKind rolls up events per kind since the given instant.
func (r *EventRepository) CountByKind(ctx context.Context, since time.Time) ([]funnel.KindCount, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "at", Value: bson.D{{Key: "$gte", Value: since}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$kind"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}}}},
	}

	cursor, err := r.coll().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongo: count events by kind: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Kind  string `bson:"_id"`
		Count int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongo: count events decode: %w", err)
	}

	counts := make([]funnel.KindCount, 0, len(rows))
	for _, row := range rows {
		counts = append(counts, funnel.KindCount{
			Kind:  funnel.EventKind(row.Kind),
			Count: row.Count,
		})
	}
	return counts, nil
}

// TopErrors returns the most frequent failure reasons.
func (r *EventRepository) TopErrors(ctx context.Context, since time.Time, limit int) ([]funnel.ErrorCount, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "kind", Value: string(funnel.KindCreationFailed)},
			{Key: "at", Value: bson.D{{Key: "$gte", Value: since}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$reason"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "latest", Value: bson.D{{Key: "$max", Value: "$at"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}}}},
		{{Key: "$limit", Value: limit}},
	}

	cursor, err := r.coll().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongo: top errors: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Reason string    `bson:"_id"`
		Count  int64     `bson:"count"`
		Latest time.Time `bson:"latest"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongo: top errors decode: %w", err)
	}

	errs := make([]funnel.ErrorCount, 0, len(rows))
	for _, row := range rows {
		errs = append(errs, funnel.ErrorCount{
			Reason: row.Reason,
			Count:  row.Count,
			Latest: row.Latest,
		})
	}
	return errs, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// USER ACTION REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ActionRepository implements funnel.ActionRepository for MongoDB.
type ActionRepository struct {
	gw *Gateway
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(gw *Gateway) *ActionRepository {
	return &ActionRepository{gw: gw}
}

func (r *ActionRepository) coll() *mongo.Collection {
	return r.gw.Collection(collActions)
}

type actionDoc struct {
	UserID      int64     `bson:"user_id"`
	HandlerName string    `bson:"handler_name"`
	Action      string    `bson:"action"`
	At          time.Time `bson:"at"`
}

// Record appends one interaction mark.
func (r *ActionRepository) Record(ctx context.Context, a *funnel.UserAction) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	doc := actionDoc{
		UserID:      int64(a.UserID),
		HandlerName: a.HandlerName.String(),
		Action:      a.Action,
		At:          a.At,
	}
	if _, err := r.coll().InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongo: record user action: %w", err)
	}
	return nil
}

// CountSince counts interactions since the given instant.
func (r *ActionRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "at", Value: bson.D{{Key: "$gte", Value: since}}}}
	n, err := r.coll().CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongo: count user actions: %w", err)
	}
	return n, nil
}
