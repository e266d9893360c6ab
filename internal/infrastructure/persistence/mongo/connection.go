// Package mongo implements the MongoDB persistence layer of the bot
// factory: creation flows, the token→handler registry, funnel events,
// user action marks and handler state blobs. All write paths that carry
// invariants (stage guardrail, token uniqueness, event idempotency)
// express the guard inside the update filter or a unique index, so
// concurrent webhook deliveries converge without client-side locking.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrGatewayClosed indicates the client was already disconnected.
	ErrGatewayClosed = errors.New("mongo: gateway is closed")

	// ErrNoDocuments is returned when a query matches nothing.
	ErrNoDocuments = mongo.ErrNoDocuments
)

// IsDuplicateKey checks if the error is a unique index violation.
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

// IsNoDocuments checks if the error is a "no documents" error.
func IsNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// ══════════════════════════════════════════════════════════════════════════════
// COLLECTIONS
// ══════════════════════════════════════════════════════════════════════════════

const (
	collFlows    = "bot_flows"
	collRegistry = "bot_registry"
	collEvents   = "funnel_events"
	collActions  = "user_actions"
	collStates   = "bot_states"
)

// funnel events are analytics, not records of account; they expire.
const eventRetention = 90 * 24 * time.Hour

// ══════════════════════════════════════════════════════════════════════════════
// GATEWAY
// ══════════════════════════════════════════════════════════════════════════════

// Config holds MongoDB connection configuration.
type Config struct {
	// URI is the connection string, e.g. "mongodb+srv://...".
	URI string

	// Database is the database name.
	Database string

	// ServerSelectionTimeout bounds how long the driver waits to find a
	// usable server.
	ServerSelectionTimeout time.Duration

	// QueryTimeout bounds each repository operation.
	QueryTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		URI:                    "mongodb://localhost:27017",
		Database:               "bot_factory",
		ServerSelectionTimeout: 10 * time.Second,
		QueryTimeout:           10 * time.Second,
	}
}

// Gateway wraps a MongoDB client with health checks and index management.
type Gateway struct {
	client *mongo.Client
	db     *mongo.Database
	config Config
	closed bool
	mu     sync.RWMutex
}

// NewGateway connects to MongoDB and verifies the connection.
func NewGateway(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = DefaultConfig().ServerSelectionTimeout
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to create client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ServerSelectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: failed to ping: %w", err)
	}

	return &Gateway{
		client: client,
		db:     client.Database(cfg.Database),
		config: cfg,
	}, nil
}

// Collection returns a collection handle by name.
func (g *Gateway) Collection(name string) *mongo.Collection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.db.Collection(name)
}

// Close disconnects the client.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	return g.client.Disconnect(ctx)
}

// Ping checks if the database connection is alive.
func (g *Gateway) Ping(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return ErrGatewayClosed
	}
	return g.client.Ping(ctx, readpref.Primary())
}

// opCtx derives the per-operation context used by the repositories.
func (g *Gateway) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.config.QueryTimeout)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// HealthStatus contains database health information.
type HealthStatus struct {
	Healthy     bool
	Error       string
	CheckedAt   time.Time
	PingLatency time.Duration
	Flows       int64
	Bots        int64
}

// Health returns detailed health information.
func (g *Gateway) Health(ctx context.Context) (*HealthStatus, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return nil, ErrGatewayClosed
	}

	status := &HealthStatus{CheckedAt: time.Now().UTC()}

	start := time.Now()
	if err := g.client.Ping(ctx, readpref.Primary()); err != nil {
		status.Error = err.Error()
		return status, nil
	}
	status.PingLatency = time.Since(start)

	// Best-effort counts; a failure here does not flip the health bit.
	if n, err := g.db.Collection(collFlows).EstimatedDocumentCount(ctx); err == nil {
		status.Flows = n
	}
	if n, err := g.db.Collection(collRegistry).EstimatedDocumentCount(ctx); err == nil {
		status.Bots = n
	}

	status.Healthy = true
	return status, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INDEXES
// ══════════════════════════════════════════════════════════════════════════════

// EnsureIndexes creates every index the repositories rely on. Called once
// at startup; creation is idempotent.
func (g *Gateway) EnsureIndexes(ctx context.Context) error {
	// bot_flows: the partial unique index is the durable side of token
	// uniqueness. Partial because most flows die before binding a token
	// and null values must not collide.
	_, err := g.Collection(collFlows).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "bot_token_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{
					{Key: "bot_token_id", Value: bson.D{{Key: "$exists", Value: true}}},
				}),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "final_status", Value: 1}}},
		{Keys: bson.D{{Key: "current_stage", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure %s indexes: %w", collFlows, err)
	}

	// bot_registry: _id is the full token, so lookups and uniqueness come
	// for free; the secondary indexes serve quarantine and rate limiting.
	_, err = g.Collection(collRegistry).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "handler_name", Value: 1}}},
		{Keys: bson.D{{Key: "created_by", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure %s indexes: %w", collRegistry, err)
	}

	// funnel_events: _id is the idempotency key. Events age out.
	_, err = g.Collection(collEvents).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "at", Value: -1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "at", Value: -1}}},
		{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "kind", Value: 1}}},
		{Keys: bson.D{{Key: "bot_token_id", Value: 1}, {Key: "kind", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expire_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure %s indexes: %w", collEvents, err)
	}

	_, err = g.Collection(collActions).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "at", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure %s indexes: %w", collActions, err)
	}

	return nil
}
