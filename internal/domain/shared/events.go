// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types - these are published on the in-process bus.
// Funnel events persisted for analytics are a separate concept (see the
// funnel package); bus events exist to decouple operational reactions
// (admin notifications, audit logging) from the creation flow.
const (
	// Flow events
	EventBotCreated     EventType = "flow.bot_created"
	EventBotActivated   EventType = "flow.bot_activated"
	EventFlowFailed     EventType = "flow.failed"
	EventWebhookPending EventType = "flow.webhook_pending"

	// Synthesis provider events
	EventSynthesisQuotaExhausted EventType = "synth.quota_exhausted"
	EventSynthesisAPIError       EventType = "synth.api_error"

	// Handler lifecycle events
	EventHandlerQuarantined EventType = "handler.quarantined"

	// System events
	EventConfigMissing EventType = "system.config_missing"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Flow Events
// ═══════════════════════════════════════════════════════════════════════════

// BotCreatedEvent is emitted when a creation flow produces a working bot.
type BotCreatedEvent struct {
	BaseEvent
	FlowID           string `json:"flow_id"`
	UserID           int64  `json:"user_id"`
	BotTokenID       string `json:"bot_token_id"`
	HandlerName      string `json:"handler_name"`
	WebhookInstalled bool   `json:"webhook_installed"`
}

// Payload implements Event interface.
func (e BotCreatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"flow_id":           e.FlowID,
		"user_id":           e.UserID,
		"bot_token_id":      e.BotTokenID,
		"handler_name":      e.HandlerName,
		"webhook_installed": e.WebhookInstalled,
	}
}

// NewBotCreatedEvent creates a new BotCreatedEvent.
func NewBotCreatedEvent(flowID string, userID int64, tokenID, handlerName string, webhookInstalled bool) BotCreatedEvent {
	eventType := EventBotCreated
	if !webhookInstalled {
		eventType = EventWebhookPending
	}
	return BotCreatedEvent{
		BaseEvent:        NewBaseEvent(eventType, flowID),
		FlowID:           flowID,
		UserID:           userID,
		BotTokenID:       tokenID,
		HandlerName:      handlerName,
		WebhookInstalled: webhookInstalled,
	}
}

// BotActivatedEvent is emitted when the creator first messages the new bot.
type BotActivatedEvent struct {
	BaseEvent
	FlowID     string `json:"flow_id"`
	UserID     int64  `json:"user_id"`
	BotTokenID string `json:"bot_token_id"`
}

// Payload implements Event interface.
func (e BotActivatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"flow_id":      e.FlowID,
		"user_id":      e.UserID,
		"bot_token_id": e.BotTokenID,
	}
}

// NewBotActivatedEvent creates a new BotActivatedEvent.
func NewBotActivatedEvent(flowID string, userID int64, tokenID string) BotActivatedEvent {
	return BotActivatedEvent{
		BaseEvent:  NewBaseEvent(EventBotActivated, flowID),
		FlowID:     flowID,
		UserID:     userID,
		BotTokenID: tokenID,
	}
}

// FlowFailedEvent is emitted when a creation flow terminates in failure.
type FlowFailedEvent struct {
	BaseEvent
	FlowID string `json:"flow_id"`
	UserID int64  `json:"user_id"`
	Stage  int    `json:"stage"`
	Reason string `json:"reason"`
}

// Payload implements Event interface.
func (e FlowFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"flow_id": e.FlowID,
		"user_id": e.UserID,
		"stage":   e.Stage,
		"reason":  e.Reason,
	}
}

// NewFlowFailedEvent creates a new FlowFailedEvent.
func NewFlowFailedEvent(flowID string, userID int64, stage int, reason string) FlowFailedEvent {
	return FlowFailedEvent{
		BaseEvent: NewBaseEvent(EventFlowFailed, flowID),
		FlowID:    flowID,
		UserID:    userID,
		Stage:     stage,
		Reason:    reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Synthesis Provider Events
// ═══════════════════════════════════════════════════════════════════════════

// SynthesisFaultEvent is emitted when the model provider fails in a way
// that requires operator attention (quota, auth, 5xx, billing, transport).
type SynthesisFaultEvent struct {
	BaseEvent
	HandlerName string `json:"handler_name"`
	FlowID      string `json:"flow_id"`
	StatusCode  int    `json:"status_code"`
	Detail      string `json:"detail"`
}

// Payload implements Event interface.
func (e SynthesisFaultEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"handler_name": e.HandlerName,
		"flow_id":      e.FlowID,
		"status_code":  e.StatusCode,
		"detail":       e.Detail,
	}
}

// NewSynthesisQuotaEvent creates a fault event of kind quota.
func NewSynthesisQuotaEvent(flowID, handlerName string, statusCode int, detail string) SynthesisFaultEvent {
	return SynthesisFaultEvent{
		BaseEvent:   NewBaseEvent(EventSynthesisQuotaExhausted, flowID),
		HandlerName: handlerName,
		FlowID:      flowID,
		StatusCode:  statusCode,
		Detail:      detail,
	}
}

// NewSynthesisAPIErrorEvent creates a fault event of kind api_error.
func NewSynthesisAPIErrorEvent(flowID, handlerName string, statusCode int, detail string) SynthesisFaultEvent {
	return SynthesisFaultEvent{
		BaseEvent:   NewBaseEvent(EventSynthesisAPIError, flowID),
		HandlerName: handlerName,
		FlowID:      flowID,
		StatusCode:  statusCode,
		Detail:      detail,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Handler Lifecycle Events
// ═══════════════════════════════════════════════════════════════════════════

// HandlerQuarantinedEvent is emitted when a handler fails to load and its
// artifact is removed from the local store, the registry and the cache.
type HandlerQuarantinedEvent struct {
	BaseEvent
	HandlerName string `json:"handler_name"`
	Reason      string `json:"reason"`
}

// Payload implements Event interface.
func (e HandlerQuarantinedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"handler_name": e.HandlerName,
		"reason":       e.Reason,
	}
}

// NewHandlerQuarantinedEvent creates a new HandlerQuarantinedEvent.
func NewHandlerQuarantinedEvent(handlerName, reason string) HandlerQuarantinedEvent {
	return HandlerQuarantinedEvent{
		BaseEvent:   NewBaseEvent(EventHandlerQuarantined, handlerName),
		HandlerName: handlerName,
		Reason:      reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// System Events
// ═══════════════════════════════════════════════════════════════════════════

// ConfigMissingEvent is emitted when a feature is invoked but its critical
// configuration is absent (e.g. synthesis without an API key).
type ConfigMissingEvent struct {
	BaseEvent
	Key    string `json:"key"`
	Impact string `json:"impact"`
}

// Payload implements Event interface.
func (e ConfigMissingEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"key":    e.Key,
		"impact": e.Impact,
	}
}

// NewConfigMissingEvent creates a new ConfigMissingEvent.
func NewConfigMissingEvent(key, impact string) ConfigMissingEvent {
	return ConfigMissingEvent{
		BaseEvent: NewBaseEvent(EventConfigMissing, key),
		Key:       key,
		Impact:    impact,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
