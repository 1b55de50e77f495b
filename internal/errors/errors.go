// Package errors provides the closed error taxonomy used across the core.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a DomainError. The set is closed: every
// failure surfaced by the core maps to exactly one of these.
type Kind string

const (
	// NotFound is returned when a referenced node or field is missing when required.
	NotFound Kind = "NOT_FOUND"
	// DuplicateSystemId is returned when a create attempts a systemId that already exists.
	DuplicateSystemId Kind = "DUPLICATE_SYSTEM_ID"
	// InvalidDefinition is returned for a malformed query, automation, or computed-field definition.
	InvalidDefinition Kind = "INVALID_DEFINITION"
	// NotBootstrapped is returned when a system-node lookup requires bootstrap that hasn't run.
	NotBootstrapped Kind = "NOT_BOOTSTRAPPED"
	// CycleDetected marks an automation chain that exceeded the depth limit. Logged, never thrown to a caller.
	CycleDetected Kind = "CYCLE_DETECTED"
	// ListenerFailed marks a failure caught at the event bus / subscription / automation boundary. Never propagates.
	ListenerFailed Kind = "LISTENER_FAILED"
	// StoreError wraps a persistent-store backend failure.
	StoreError Kind = "STORE_ERROR"
)

// DomainError is a structured error carrying a closed Kind, a message, optional
// details, and an optional wrapped cause.
type DomainError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value to the error's Details map, creating it if needed.
func (e *DomainError) WithDetails(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a DomainError with no wrapped cause.
func New(kind Kind, message string) *DomainError {
	return &DomainError{Kind: kind, Message: message}
}

// Wrap creates a DomainError around an existing error.
func Wrap(kind Kind, message string, err error) *DomainError {
	return &DomainError{Kind: kind, Message: message, Err: err}
}

// NotFoundError reports a missing node or field by resource kind and identifier.
func NotFoundError(resource, id string) *DomainError {
	return New(NotFound, "not found").
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// DuplicateSystemIdError reports a collision on a requested systemId.
func DuplicateSystemIdError(systemId string) *DomainError {
	return New(DuplicateSystemId, "systemId already exists").
		WithDetails("systemId", systemId)
}

// InvalidDefinitionError reports a malformed definition, naming what was invalid.
func InvalidDefinitionError(what, reason string) *DomainError {
	return New(InvalidDefinition, "invalid definition").
		WithDetails("what", what).
		WithDetails("reason", reason)
}

// NotBootstrappedErr reports that a system-node lookup required bootstrap.
func NotBootstrappedErr(systemId string) *DomainError {
	return New(NotBootstrapped, "system not bootstrapped").
		WithDetails("systemId", systemId)
}

// CycleDetectedError reports an automation chain that exceeded the configured depth limit.
func CycleDetectedError(automationID string, depth int) *DomainError {
	return New(CycleDetected, "automation cycle detected").
		WithDetails("automationId", automationID).
		WithDetails("depth", depth)
}

// ListenerFailedError wraps a contained listener/callback failure.
func ListenerFailedError(context string, err error) *DomainError {
	return Wrap(ListenerFailed, "listener failed", err).
		WithDetails("context", context)
}

// StoreErr wraps a persistent-store backend failure.
func StoreErr(operation string, err error) *DomainError {
	return Wrap(StoreError, "store operation failed", err).
		WithDetails("operation", operation)
}

// Is reports whether err is a DomainError of the given Kind.
func Is(err error, kind Kind) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// As extracts a *DomainError from an error chain, if present.
func As(err error) (*DomainError, bool) {
	var de *DomainError
	ok := errors.As(err, &de)
	return de, ok
}
