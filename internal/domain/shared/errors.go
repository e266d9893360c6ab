// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrStateTransition  = errors.New("invalid state transition")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrExpired          = errors.New("expired")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
	ErrQuotaExceeded      = errors.New("quota exceeded")

	// Untrusted-code errors
	ErrExecutionFault = errors.New("execution fault")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "flow", "registry", "handler"
	Op      string // Operation that failed, e.g., "Register", "Load"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Flow domain errors
var (
	ErrFlowNotFound       = NewDomainError("flow", "Find", ErrNotFound, "flow not found")
	ErrStageRegression    = NewDomainError("flow", "AdvanceStage", ErrStateTransition, "funnel stage cannot decrease")
	ErrFlowAlreadyFinal   = NewDomainError("flow", "Finalize", ErrAlreadyProcessed, "flow already reached a final status")
	ErrInvalidBotToken    = NewDomainError("flow", "Validate", ErrInvalidFormat, "bot token must contain ':' and be at least 20 characters")
	ErrTokenAlreadyUsed   = NewDomainError("flow", "AcceptToken", ErrAlreadyExists, "bot token already bound to another flow")
	ErrCreationInProgress = NewDomainError("flow", "Create", ErrAlreadyProcessed, "creation already in progress for this token")
	ErrRegistrationLimit  = NewDomainError("flow", "Create", ErrRateLimited, "daily registration limit reached")
)

// Registry domain errors
var (
	ErrBotNotRegistered     = NewDomainError("registry", "Lookup", ErrNotFound, "token not registered")
	ErrBotAlreadyRegistered = NewDomainError("registry", "Register", ErrAlreadyExists, "token already registered")
	ErrInvalidHandlerName   = NewDomainError("registry", "Validate", ErrInvalidFormat, "handler name must match [A-Za-z_][A-Za-z0-9_]*")
)

// Handler domain errors
var (
	ErrHandlerNotFound    = NewDomainError("handler", "Load", ErrNotFound, "handler not found")
	ErrHandlerLoadFailed  = NewDomainError("handler", "Load", ErrInvalidEntity, "handler source failed to load")
	ErrHandlerFaulted     = NewDomainError("handler", "Invoke", ErrExecutionFault, "handler raised during invocation")
	ErrSourceRejected     = NewDomainError("handler", "Vet", ErrForbidden, "handler source rejected by security policy")
	ErrHandlerQuarantined = NewDomainError("handler", "Load", ErrInvalidEntity, "handler quarantined after load failure")
)

// Synthesis domain errors
var (
	ErrSynthesisBusy        = NewDomainError("synth", "Generate", ErrRateLimited, "model provider is rate limiting")
	ErrSynthesisAuth        = NewDomainError("synth", "Generate", ErrUnauthorized, "model provider rejected credentials")
	ErrSynthesisQuota       = NewDomainError("synth", "Generate", ErrQuotaExceeded, "model provider quota or billing problem")
	ErrSynthesisUnavailable = NewDomainError("synth", "Generate", ErrServiceUnavailable, "model provider unavailable")
	ErrSynthesisEmpty       = NewDomainError("synth", "Generate", ErrEmptyValue, "model returned no code")
)

// External service errors
var (
	ErrTelegramAPIFailed    = NewDomainError("telegram", "Send", ErrExternalService, "Telegram API request failed")
	ErrWebhookInstallFailed = NewDomainError("telegram", "SetWebhook", ErrExternalService, "webhook installation failed")
	ErrArtifactNotFound     = NewDomainError("github", "Get", ErrNotFound, "artifact not found")
	ErrArtifactExists       = NewDomainError("github", "Create", ErrAlreadyExists, "artifact already exists")
	ErrArtifactConflict     = NewDomainError("github", "Update", ErrConcurrentModification, "artifact version changed upstream")
	ErrArtifactUnavailable  = NewDomainError("github", "Request", ErrServiceUnavailable, "artifact store unavailable")
	ErrStoreUnavailable     = NewDomainError("persistence", "Connect", ErrServiceUnavailable, "document store unavailable")
	ErrDuplicateKey         = NewDomainError("persistence", "Write", ErrAlreadyExists, "unique constraint violated")
)

// Conversation errors
var (
	ErrConversationExpired = NewDomainError("conversation", "Resume", ErrExpired, "conversation state expired")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQuotaExceeded)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification)
}
