package scoped

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// UnitContext is the execution unit (one request, job or test) that scope
// associations are bound to. It is passed explicitly through the call graph and
// must not be shared between concurrently running units.
type UnitContext struct {
	context.Context
	id     string
	values sync.Map

	mu        sync.Mutex
	contexts  map[ScopeKind]*ScopeContext
	resolving map[Identity]bool
	creating  []*CreationalState
}

// NewUnitContext creates a new execution unit wrapping parent.
func NewUnitContext(parent context.Context) *UnitContext {
	if parent == nil {
		parent = context.Background()
	}
	return &UnitContext{
		Context:   parent,
		id:        uuid.NewString(),
		contexts:  make(map[ScopeKind]*ScopeContext, len(ScopeKinds)),
		resolving: make(map[Identity]bool, 8),
	}
}

// ID returns the unique id of the unit.
func (u *UnitContext) ID() string {
	return u.id
}

// WithValue stores a key-value pair on the unit and returns the unit.
func (u *UnitContext) WithValue(key, val any) *UnitContext {
	u.values.Store(key, val)
	return u
}

func (u *UnitContext) Parent() context.Context {
	return u.Context
}

func (u *UnitContext) Value(key any) any {
	if u == nil {
		return nil
	}
	if val, ok := u.values.Load(key); ok {
		return val
	}
	if u.Context != nil {
		return u.Context.Value(key)
	}
	return nil
}

// MergeWith copies the values of other onto u, overriding existing keys.
func (u *UnitContext) MergeWith(other *UnitContext) *UnitContext {
	if other != nil {
		other.values.Range(func(k, v any) bool {
			u.values.Store(k, v)
			return true
		})
	}
	return u
}

func (u *UnitContext) association(kind ScopeKind) *ScopeContext {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.contexts[kind]
}

func (u *UnitContext) associate(kind ScopeKind, sc *ScopeContext) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.contexts[kind] = sc
}

// dissociate clears the association for kind and returns what was there.
func (u *UnitContext) dissociate(kind ScopeKind) *ScopeContext {
	u.mu.Lock()
	defer u.mu.Unlock()
	sc := u.contexts[kind]
	delete(u.contexts, kind)
	return sc
}

// dissociateIf clears the association for kind only when it points at sc.
func (u *UnitContext) dissociateIf(kind ScopeKind, sc *ScopeContext) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.contexts[kind] == sc {
		delete(u.contexts, kind)
	}
}

func (u *UnitContext) resetAssociations() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.contexts = make(map[ScopeKind]*ScopeContext, len(ScopeKinds))
}

func (u *UnitContext) startResolving(id Identity) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.resolving[id] {
		return &CircularDependencyError{Identity: id.String()}
	}
	u.resolving[id] = true
	return nil
}

func (u *UnitContext) finishResolving(id Identity) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.resolving, id)
}

func (u *UnitContext) pushCreation(cs *CreationalState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.creating = append(u.creating, cs)
}

func (u *UnitContext) popCreation() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if n := len(u.creating); n > 0 {
		u.creating = u.creating[:n-1]
	}
}

// currentCreation returns the creational state of the instance being created by
// this unit, if any.
func (u *UnitContext) currentCreation() *CreationalState {
	u.mu.Lock()
	defer u.mu.Unlock()
	if n := len(u.creating); n > 0 {
		return u.creating[n-1]
	}
	return nil
}

type unitKey struct{}

// WithUnit returns a copy of ctx carrying u.
func WithUnit(ctx context.Context, u *UnitContext) context.Context {
	return context.WithValue(ctx, unitKey{}, u)
}

// UnitFrom returns the unit carried by ctx.
func UnitFrom(ctx context.Context) (*UnitContext, bool) {
	if u, ok := ctx.(*UnitContext); ok {
		return u, true
	}
	u, ok := ctx.Value(unitKey{}).(*UnitContext)
	return u, ok
}
