// Package messaging implements the in-process event bus that decouples
// the creation flow from operational reactions (admin notifications,
// audit logging). The factory is a single-instance deployment, so the
// bus is in-memory only; durable funnel analytics go through the funnel
// repositories, not through here.
package messaging

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ErrEventBusClosed is returned when operations are attempted on a closed bus.
var ErrEventBusClosed = errors.New("event bus is closed")

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus implements shared.EventBus. Publish never blocks the
// caller on handler work when async mode is on: handlers run on a
// bounded worker pool and their errors are logged, not propagated.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	asyncMode   bool
	workerPool  chan struct{}
	logger      *slog.Logger
	metrics     *Metrics
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

// EventBusConfig contains configuration for InMemoryEventBus.
type EventBusConfig struct {
	// AsyncMode runs handlers on the worker pool instead of inline.
	AsyncMode bool

	// WorkerPoolSize bounds concurrent async handlers.
	WorkerPoolSize int

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultEventBusConfig returns sensible defaults.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 10,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config EventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 10
	}

	return &InMemoryEventBus{
		handlers:   make(map[shared.EventType][]shared.EventHandler),
		asyncMode:  config.AsyncMode,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		logger:     config.Logger,
		metrics:    NewMetrics(),
		closeCh:    make(chan struct{}),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, handler)
	return nil
}

// Publish sends an event to all subscribed handlers.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	b.metrics.RecordPublish(event.EventType())

	if len(handlers) == 0 {
		return nil
	}

	for _, handler := range handlers {
		if b.asyncMode {
			b.executeAsync(event, handler)
			continue
		}
		if err := b.execute(event, handler); err != nil {
			b.logger.Error("event handler failed",
				"event_type", event.EventType(), "error", err)
		}
	}
	return nil
}

func (b *InMemoryEventBus) executeAsync(event shared.Event, handler shared.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		select {
		case b.workerPool <- struct{}{}:
			defer func() { <-b.workerPool }()
		case <-b.closeCh:
			return
		}

		if err := b.execute(event, handler); err != nil {
			b.logger.Error("async event handler failed",
				"event_type", event.EventType(), "error", err)
		}
	}()
}

func (b *InMemoryEventBus) execute(event shared.Event, handler shared.EventHandler) error {
	start := time.Now()
	err := handler(event)
	b.metrics.RecordExecution(event.EventType(), time.Since(start), err == nil)
	return err
}

// Close stops accepting events and waits for pending handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Metrics returns the bus metrics tracker.
func (b *InMemoryEventBus) Metrics() *Metrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics tracks publish and handler-execution counters per event type.
type Metrics struct {
	mu sync.RWMutex

	Published     map[shared.EventType]int64
	Executions    int64
	Successes     int64
	Failures      int64
	TotalDuration time.Duration
}

// NewMetrics creates a metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{Published: make(map[shared.EventType]int64)}
}

// RecordPublish records one published event.
func (m *Metrics) RecordPublish(eventType shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published[eventType]++
}

// RecordExecution records one handler execution.
func (m *Metrics) RecordExecution(_ shared.EventType, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executions++
	m.TotalDuration += duration
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	TotalPublished int64
	Executions     int64
	SuccessRate    float64
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var published int64
	for _, n := range m.Published {
		published += n
	}
	rate := 1.0
	if m.Executions > 0 {
		rate = float64(m.Successes) / float64(m.Executions)
	}
	return Snapshot{TotalPublished: published, Executions: m.Executions, SuccessRate: rate}
}
