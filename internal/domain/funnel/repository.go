package funnel

import (
	"context"
	"time"
)

// ErrorCount is one failure reason with its occurrence count inside a
// window. Backs the error-breakdown report.
type ErrorCount struct {
	Reason string
	Count  int64
	Latest time.Time
}

// KindCount is one event kind with its occurrence count.
type KindCount struct {
	Kind  EventKind
	Count int64
}

// EventRepository defines durable operations on funnel events.
// The implementation lives in infrastructure/persistence/mongo.
type EventRepository interface {
	// Append writes the event keyed by its idempotency key. A second
	// append with the same key is silently absorbed and returns nil, so
	// callers retry freely.
	Append(ctx context.Context, e *Event) error

	// CountByKind rolls up events per kind since the given instant.
	CountByKind(ctx context.Context, since time.Time) ([]KindCount, error)

	// TopErrors returns the most frequent failure reasons among
	// creation_failed events since the given instant, bounded by limit.
	TopErrors(ctx context.Context, since time.Time, limit int) ([]ErrorCount, error)
}

// ActionRepository defines durable operations on user action marks.
type ActionRepository interface {
	// Record appends one interaction mark. Best-effort: dispatch treats
	// a failure here as non-fatal.
	Record(ctx context.Context, a *UserAction) error

	// CountSince counts interactions since the given instant.
	CountSince(ctx context.Context, since time.Time) (int64, error)
}
