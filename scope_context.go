package scoped

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ScopeContext owns the contextual instances of one scope kind for one lifetime
// boundary. Instances are never handed out while the context is inactive.
type ScopeContext struct {
	kind      ScopeKind
	mu        sync.RWMutex
	active    bool
	destroyed bool
	store     *instanceStore
	logger    *zap.Logger
	metrics   *Metrics
}

// ScopeContextOption configures a ScopeContext.
type ScopeContextOption func(*ScopeContext)

// WithScopeLogger sets the logger used for lifecycle events.
func WithScopeLogger(logger *zap.Logger) ScopeContextOption {
	return func(sc *ScopeContext) {
		if logger != nil {
			sc.logger = logger
		}
	}
}

// WithScopeMetrics sets the metrics collector.
func WithScopeMetrics(m *Metrics) ScopeContextOption {
	return func(sc *ScopeContext) {
		sc.metrics = m
	}
}

// NewScopeContext creates an inactive context of the given kind.
func NewScopeContext(kind ScopeKind, opts ...ScopeContextOption) *ScopeContext {
	sc := &ScopeContext{
		kind:   kind,
		store:  newInstanceStore(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(sc)
	}
	sc.logger = sc.logger.With(zap.Stringer("scope", kind))
	sc.metrics.contextCreated(kind)
	return sc
}

// Kind returns the scope kind of the context.
func (sc *ScopeContext) Kind() ScopeKind {
	return sc.kind
}

// IsActive reports whether instances may currently be retrieved.
func (sc *ScopeContext) IsActive() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.active
}

// Destroyed reports whether Destroy has run.
func (sc *ScopeContext) Destroyed() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.destroyed
}

// SetActive flips the activity gate. It neither creates nor destroys entries and
// cannot reactivate a destroyed context.
func (sc *ScopeContext) SetActive(active bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.destroyed {
		if active {
			sc.logger.Debug("ignoring activation of destroyed context")
		}
		return
	}
	sc.active = active
}

func (sc *ScopeContext) notActive(id Identity) error {
	return &ContextNotActiveError{Scope: sc.kind, Identity: id.String()}
}

// GetOrCreate returns the instance stored for id, creating it with factory when
// absent. Concurrent callers for the same identity share a single factory call.
func (sc *ScopeContext) GetOrCreate(id Identity, factory Factory) (any, error) {
	if !sc.IsActive() {
		return nil, sc.notActive(id)
	}
	if factory == nil {
		return nil, &NilFactoryError{Identity: id.String()}
	}

	instance, created, err := sc.store.getOrCreate(id, factory)
	if errors.Is(err, errStoreClosed) {
		return nil, sc.notActive(id)
	}
	if err != nil {
		return nil, err
	}
	if created {
		sc.metrics.instanceCreated(sc.kind)
		sc.logger.Debug("contextual instance created", zap.Stringer("identity", id))
	}
	// Deactivated while the factory ran: the entry stays, the caller gets nothing.
	if !sc.IsActive() {
		return nil, sc.notActive(id)
	}
	return instance, nil
}

// Get returns the instance stored for id without creating one.
func (sc *ScopeContext) Get(id Identity) (any, bool, error) {
	if !sc.IsActive() {
		return nil, false, sc.notActive(id)
	}
	instance, ok, err := sc.store.get(id)
	if errors.Is(err, errStoreClosed) {
		return nil, false, sc.notActive(id)
	}
	return instance, ok, err
}

// Remove detaches id without destroying its instance. The caller becomes
// responsible for the returned instance and creational state.
func (sc *ScopeContext) Remove(id Identity) (any, *CreationalState, bool) {
	instance, state, ok := sc.store.remove(id)
	if ok {
		sc.metrics.instanceRemoved(sc.kind)
		sc.logger.Debug("contextual instance detached", zap.Stringer("identity", id))
	}
	return instance, state, ok
}

// Len returns the number of stored instances.
func (sc *ScopeContext) Len() int {
	return sc.store.len()
}

// Identities returns the identities currently stored.
func (sc *ScopeContext) Identities() []Identity {
	return sc.store.identities()
}

// Destroy deactivates the context and releases every stored instance. Calling it
// again is a no-op.
func (sc *ScopeContext) Destroy() error {
	sc.mu.Lock()
	if sc.destroyed {
		sc.mu.Unlock()
		return nil
	}
	sc.destroyed = true
	sc.active = false
	sc.mu.Unlock()

	entries := sc.store.drain()

	var err error
	released := 0
	for id, e := range entries {
		<-e.ready
		if e.err != nil {
			continue
		}
		released++
		err = multierr.Append(err, destroyEntry(id, e.instance, e.state))
	}

	sc.metrics.contextDestroyed(sc.kind, released)
	if err != nil {
		sc.logger.Warn("scope context destroyed with errors", zap.Int("instances", released), zap.Error(err))
	} else {
		sc.logger.Debug("scope context destroyed", zap.Int("instances", released))
	}
	return err
}

// destroyEntry runs the shutdown hook of instance and then releases its state,
// even when the hook fails.
func destroyEntry(id Identity, instance any, state *CreationalState) error {
	err := runShutdown(instance, state)
	if state != nil {
		err = multierr.Append(err, state.Release())
	}
	if err != nil {
		return &ShutdownError{Identity: id.String(), Err: err}
	}
	return nil
}

func runShutdown(instance any, state *CreationalState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()

	if state != nil {
		if hook := state.shutdownHook(); hook != nil {
			return hook()
		}
	}
	if s, ok := instance.(Shutdowner); ok {
		return s.OnShutdown()
	}
	return nil
}
