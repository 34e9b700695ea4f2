package mesh

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	ErrStoreClosed   = errors.New("store is closed")
	ErrFetchFailed   = errors.New("device fetch failed")
	ErrStaleState    = errors.New("persisted state is stale")
	ErrDecodeFailed  = errors.New("decode failed")
	ErrEncodeFailed  = errors.New("encode failed")
	ErrDeepLoadBusy  = errors.New("deep load already running")
	ErrEngineStopped = errors.New("engine is stopped")
)

// MeshError provides structured error information for cache and engine operations.
type MeshError struct {
	Op      string // Operation that failed (e.g., "Bootstrap", "SavePackets")
	Entity  string // Entity type (e.g., "packet", "meta", "snapshot")
	Key     string // Entity key (if applicable)
	Cause   error  // Underlying error
	Context string // Additional context
}

// Error implements the error interface.
func (e *MeshError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Op, e.Entity, e.Key, e.Cause)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Entity, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error or its cause.
func (e *MeshError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

// ErrorBuilder provides a fluent interface for building MeshErrors.
type ErrorBuilder struct {
	err MeshError
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: MeshError{Op: op}}
}

// Packet sets the entity to "packet" with the given hash.
func (b *ErrorBuilder) Packet(hash string) *ErrorBuilder {
	b.err.Entity = "packet"
	b.err.Key = hash
	return b
}

// Meta sets the entity to "meta".
func (b *ErrorBuilder) Meta() *ErrorBuilder {
	b.err.Entity = "meta"
	return b
}

// Entity sets an arbitrary entity type and key.
func (b *ErrorBuilder) Entity(entity, key string) *ErrorBuilder {
	b.err.Entity = entity
	b.err.Key = key
	return b
}

// Context adds free-form context to the error.
func (b *ErrorBuilder) Context(ctx string) *ErrorBuilder {
	b.err.Context = ctx
	return b
}

// Cause sets the underlying error and returns the built error.
func (b *ErrorBuilder) Cause(err error) error {
	b.err.Cause = err
	return &b.err
}
