package scoped

import "strings"

// Shutdowner is implemented by contextual instances that need to release
// resources when their scope is destroyed.
type Shutdowner interface {
	// OnShutdown is called once, before the instance's creational state is released.
	OnShutdown() error
}

// Factory produces a new contextual instance together with its creational state.
// A nil state is replaced by an empty one.
type Factory func() (instance any, state *CreationalState, err error)

// ScopeKind defines the lifetime of a contextual instance.
type ScopeKind string

// Available scope kinds
const (
	// ScopeRequest lives for a single unit of work
	ScopeRequest ScopeKind = "request"
	// ScopeSession is keyed by an external session id
	ScopeSession ScopeKind = "session"
	// ScopeApplication is shared by every unit of one container
	ScopeApplication ScopeKind = "application"
	// ScopeConversation is keyed by an external conversation id
	ScopeConversation ScopeKind = "conversation"
	// ScopeDependent is bound to the calling unit only
	ScopeDependent ScopeKind = "dependent"
	// ScopeSingleton is shared by every unit of one container
	ScopeSingleton ScopeKind = "singleton"
)

// ScopeKinds lists every standard scope kind.
var ScopeKinds = []ScopeKind{
	ScopeRequest,
	ScopeSession,
	ScopeApplication,
	ScopeConversation,
	ScopeDependent,
	ScopeSingleton,
}

func (k ScopeKind) String() string {
	return string(k)
}

// IsValid reports whether k is one of the standard scope kinds.
func (k ScopeKind) IsValid() bool {
	for _, kind := range ScopeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IsShared reports whether contexts of this kind may be used by several units at once.
func (k ScopeKind) IsShared() bool {
	switch k {
	case ScopeSession, ScopeApplication, ScopeConversation, ScopeSingleton:
		return true
	default:
		return false
	}
}

// ParseScopeKind maps a scope name or marker spelling ("request", "RequestScoped",
// "@javax.enterprise.context.RequestScoped", "Singleton") onto a ScopeKind.
func ParseScopeKind(marker string) (ScopeKind, error) {
	name := strings.TrimPrefix(strings.TrimSpace(marker), "@")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(strings.TrimSuffix(name, "Scoped"))

	kind := ScopeKind(name)
	if !kind.IsValid() {
		return "", &InvalidScopeError{Scope: marker}
	}
	return kind, nil
}
