package scoped

import (
	"errors"
	"fmt"
)

// ErrTargetUnavailable is returned when an invocation chain has neither a target
// nor a way to resolve one.
var ErrTargetUnavailable = errors.New("invocation target unavailable")

// ContextNotActiveError is returned when an operation needs an active scope that
// is absent or inactive.
type ContextNotActiveError struct {
	Scope    ScopeKind
	Identity string
}

func (e *ContextNotActiveError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("context not active for scope %s (component %s)", e.Scope, e.Identity)
	}
	return fmt.Sprintf("context not active for scope %s", e.Scope)
}

// ArgumentContractError represents an argument list replacement that violates the
// arity or type contract of the invoked method.
type ArgumentContractError struct {
	Method   string
	Index    int
	Expected string
	Got      string
	Reason   string
}

func (e *ArgumentContractError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("invalid arguments for %s: parameter %d expects %s, got %s", e.Method, e.Index, e.Expected, e.Got)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Method, e.Reason)
}

// TargetInvocationError wraps a panic raised while invoking a target method or a
// callback. A panic carrying an error is reported as that error instead, so
// callers only see this type for panics carrying a non-error value.
type TargetInvocationError struct {
	Method string
	Cause  error
	Panic  any
}

func (e *TargetInvocationError) Error() string {
	return fmt.Sprintf("invocation of %s failed: %v", e.Method, e.Cause)
}

func (e *TargetInvocationError) Unwrap() error {
	return e.Cause
}

// CircularDependencyError represents a circular resolution within one unit.
type CircularDependencyError struct {
	Identity string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected for component: %s", e.Identity)
}

// ComponentNotFoundError represents a missing component registration.
type ComponentNotFoundError struct {
	Identity string
}

func (e *ComponentNotFoundError) Error() string {
	return fmt.Sprintf("no component registered for: %s", e.Identity)
}

// DuplicateComponentError represents a second registration for the same identity.
type DuplicateComponentError struct {
	Identity string
}

func (e *DuplicateComponentError) Error() string {
	return fmt.Sprintf("component already registered: %s", e.Identity)
}

// NilFactoryError represents an attempt to register a component without a factory.
type NilFactoryError struct {
	Identity string
}

func (e *NilFactoryError) Error() string {
	return fmt.Sprintf("nil factory provided for component: %s", e.Identity)
}

// TypeMismatchError represents a type assertion failure.
type TypeMismatchError struct {
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Got)
}

// InitializationError represents a component creation or post-construct failure.
type InitializationError struct {
	Identity string
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization failed for component %s: %v", e.Identity, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// ShutdownError represents a failure while destroying a contextual instance.
type ShutdownError struct {
	Identity string
	Err      error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("shutdown failed for component %s: %v", e.Identity, e.Err)
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// InvalidScopeError represents an unknown scope kind or marker.
type InvalidScopeError struct {
	Identity string
	Scope    string
}

func (e *InvalidScopeError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("invalid scope %s for component %s", e.Scope, e.Identity)
	}
	return fmt.Sprintf("invalid scope %s", e.Scope)
}

// MissingContextValueError represents a missing external key, such as a session id.
type MissingContextValueError struct {
	Scope ScopeKind
	Key   string
}

func (e *MissingContextValueError) Error() string {
	return fmt.Sprintf("required context value not found for scope %s: %s", e.Scope, e.Key)
}
