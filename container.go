package scoped

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Package scoped provides scope contexts, unit-bound context association and
// interceptor chains for contextual component instances.

// componentDefinition represents a registered component.
// It holds the factory, scope and the interceptor bindings of every phase.
type componentDefinition struct {
	identity Identity
	scope    ScopeKind
	create   func(u *UnitContext, cs *CreationalState) (any, error)
	bindings []InterceptorBinding
	disposer func(instance any) error
}

// Container manages component registrations and resolves contextual instances
// through the scope contexts associated with the calling unit.
type Container struct {
	registry       *Registry
	mu             sync.RWMutex
	components     map[Identity]*componentDefinition
	logger         *zap.Logger
	metrics        *Metrics
	policy         InvalidationPolicy
	evictOnFailure bool
}

type containerOptions struct {
	logger         *zap.Logger
	metrics        *Metrics
	token          string
	policy         InvalidationPolicy
	evictOnFailure bool
}

// Option configures a Container.
type Option func(*containerOptions)

// WithLogger sets the logger shared by the container, its registry and its chains.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(o *containerOptions) {
		o.metrics = m
	}
}

// WithContainerToken sets the token that keys application and singleton contexts.
func WithContainerToken(token string) Option {
	return func(o *containerOptions) {
		o.token = token
	}
}

// WithInvalidationPolicy sets the policy used by invocation chains.
func WithInvalidationPolicy(p InvalidationPolicy) Option {
	return func(o *containerOptions) {
		o.policy = p
	}
}

// WithEvictOnFailure makes Invoke destroy a contextual instance whose method failed.
func WithEvictOnFailure(evict bool) Option {
	return func(o *containerOptions) {
		o.evictOnFailure = evict
	}
}

// New creates an empty container.
func New(opts ...Option) *Container {
	o := &containerOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Container{
		registry: NewRegistry(
			WithRegistryToken(o.token),
			WithRegistryLogger(o.logger),
			WithRegistryMetrics(o.metrics),
		),
		components:     make(map[Identity]*componentDefinition, 32),
		logger:         o.logger,
		metrics:        o.metrics,
		policy:         o.policy,
		evictOnFailure: o.evictOnFailure,
	}
}

// NewFromConfig creates a container with the logger, metrics and policies
// described by cfg.
func NewFromConfig(cfg *Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := ParseInvalidationPolicy(cfg.InvalidationPolicy)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithLogger(logger),
		WithContainerToken(cfg.ContainerToken),
		WithInvalidationPolicy(policy),
		WithEvictOnFailure(cfg.EvictOnFailure),
	}
	if cfg.MetricsEnabled {
		base = append(base, WithMetrics(NewMetrics(cfg.MetricsNamespace)))
	}
	return New(append(base, opts...)...), nil
}

// Registry returns the context registry of the container.
func (c *Container) Registry() *Registry {
	return c.registry
}

// Metrics returns the metrics collector, nil when metrics are disabled.
func (c *Container) Metrics() *Metrics {
	return c.metrics
}

// Logger returns the container logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

type componentOptions struct {
	qualifiers []string
	bindings   []InterceptorBinding
	disposer   func(instance any) error
}

// ComponentOption configures a component registration.
type ComponentOption func(*componentOptions)

// WithQualifiers distinguishes registrations of the same type.
func WithQualifiers(qualifiers ...string) ComponentOption {
	return func(o *componentOptions) {
		o.qualifiers = append(o.qualifiers, qualifiers...)
	}
}

// WithInterceptors attaches interceptor bindings. Bindings of each phase run in
// the order given.
func WithInterceptors(bindings ...InterceptorBinding) ComponentOption {
	return func(o *componentOptions) {
		o.bindings = append(o.bindings, bindings...)
	}
}

// WithDisposer replaces the Shutdowner implementation of the component when its
// instance is destroyed. Pre-destroy callbacks still run first.
func WithDisposer(fn func(instance any) error) ComponentOption {
	return func(o *componentOptions) {
		o.disposer = fn
	}
}

// Register registers a component of type T in the given scope.
// Returns DuplicateComponentError if the identity is already registered.
func Register[T any](c *Container, scope ScopeKind, create func(u *UnitContext, cs *CreationalState) (T, error), opts ...ComponentOption) (Identity, error) {
	o := &componentOptions{}
	for _, opt := range opts {
		opt(o)
	}
	id := IdentityOf[T](o.qualifiers...)
	if create == nil {
		return id, &NilFactoryError{Identity: id.String()}
	}
	err := c.register(&componentDefinition{
		identity: id,
		scope:    scope,
		create: func(u *UnitContext, cs *CreationalState) (any, error) {
			return create(u, cs)
		},
		bindings: o.bindings,
		disposer: o.disposer,
	})
	return id, err
}

// RegisterIdentity registers an untyped component under id.
func (c *Container) RegisterIdentity(id Identity, scope ScopeKind, create func(u *UnitContext, cs *CreationalState) (any, error), opts ...ComponentOption) error {
	if create == nil {
		return &NilFactoryError{Identity: id.String()}
	}
	o := &componentOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return c.register(&componentDefinition{
		identity: id,
		scope:    scope,
		create:   create,
		bindings: o.bindings,
		disposer: o.disposer,
	})
}

func (c *Container) register(def *componentDefinition) error {
	if def.identity.IsZero() {
		return &InvalidScopeError{Scope: string(def.scope)}
	}
	if !def.scope.IsValid() {
		return &InvalidScopeError{Identity: def.identity.String(), Scope: string(def.scope)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.components[def.identity]; exists {
		return &DuplicateComponentError{Identity: def.identity.String()}
	}
	c.components[def.identity] = def
	c.logger.Debug("component registered", zap.Stringer("identity", def.identity), zap.Stringer("scope", def.scope))
	return nil
}

// Has reports whether id is registered.
func (c *Container) Has(id Identity) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.components[id]
	return ok
}

// Components returns the registered identities ordered by their string form.
func (c *Container) Components() []Identity {
	c.mu.RLock()
	ids := make([]Identity, 0, len(c.components))
	for id := range c.components {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (c *Container) lookup(id Identity) (*componentDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.components[id]
	if !ok {
		return nil, &ComponentNotFoundError{Identity: id.String()}
	}
	return def, nil
}

// Resolve resolves the contextual instance of T visible to u.
// Returns ContextNotActiveError if the component's scope is not active for u.
// Returns InitializationError if the component fails to initialize.
func Resolve[T any](c *Container, u *UnitContext, qualifiers ...string) (T, error) {
	var zero T
	id := IdentityOf[T](qualifiers...)
	instance, err := c.ResolveIdentity(u, id)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, &TypeMismatchError{Expected: id.Type().String(), Got: fmt.Sprintf("%T", instance)}
	}
	return typed, nil
}

// ResolveIdentity resolves the contextual instance registered under id.
func (c *Container) ResolveIdentity(u *UnitContext, id Identity) (any, error) {
	if u == nil {
		return nil, &MissingContextValueError{Key: "unit"}
	}
	def, err := c.lookup(id)
	if err != nil {
		return nil, err
	}

	if err := u.startResolving(id); err != nil {
		return nil, err
	}
	defer u.finishResolving(id)

	// A dependent resolved while another instance is being created belongs to
	// that instance and is released with it.
	if def.scope == ScopeDependent {
		if owner := u.currentCreation(); owner != nil {
			return c.createOwned(u, def, owner)
		}
	}

	sc := c.registry.Resolve(u, def.scope)
	if sc == nil || !sc.IsActive() {
		return nil, &ContextNotActiveError{Scope: def.scope, Identity: id.String()}
	}
	return sc.GetOrCreate(id, func() (any, *CreationalState, error) {
		cs := NewCreationalState()
		instance, err := c.create(u, def, cs)
		return instance, cs, err
	})
}

func (c *Container) createOwned(u *UnitContext, def *componentDefinition, owner *CreationalState) (any, error) {
	cs := NewCreationalState()
	instance, err := c.create(u, def, cs)
	if err != nil {
		return nil, err
	}
	c.metrics.instanceCreated(ScopeDependent)
	owner.AddDependent(instance, func(instance any) error {
		c.metrics.instanceRemoved(ScopeDependent)
		return destroyEntry(def.identity, instance, cs)
	})
	return instance, nil
}

// create runs the factory and the post-construct chain of def.
func (c *Container) create(u *UnitContext, def *componentDefinition, cs *CreationalState) (any, error) {
	instance, err := c.runFactory(u, def, cs)
	if err != nil {
		if releaseErr := cs.Release(); releaseErr != nil {
			c.logger.Warn("failed to release partially created component", zap.Stringer("identity", def.identity), zap.Error(releaseErr))
		}
		return nil, &InitializationError{Identity: def.identity.String(), Err: err}
	}

	if post := filterBindings(def.bindings, PhasePostConstruct); len(post) > 0 {
		chain := NewInvocationChain(nil, nil, post, PhasePostConstruct,
			WithTarget(instance),
			WithChainLogger(c.logger),
			WithChainMetrics(c.metrics),
		)
		if _, err := chain.Proceed(); err != nil {
			if releaseErr := cs.Release(); releaseErr != nil {
				c.logger.Warn("failed to release partially created component", zap.Stringer("identity", def.identity), zap.Error(releaseErr))
			}
			return nil, &InitializationError{Identity: def.identity.String(), Err: err}
		}
	}

	cs.OnShutdown(func() error {
		return c.dispose(def, instance)
	})
	return instance, nil
}

func (c *Container) runFactory(u *UnitContext, def *componentDefinition, cs *CreationalState) (instance any, err error) {
	u.pushCreation(cs)
	defer u.popCreation()
	defer func() {
		if r := recover(); r != nil {
			instance = nil
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()

	instance, err = def.create(u, cs)
	if err != nil {
		return nil, err
	}
	if isNil(instance) {
		return nil, errors.New("factory returned nil")
	}
	return instance, nil
}

// dispose runs the pre-destroy chain and then the disposer or Shutdowner.
func (c *Container) dispose(def *componentDefinition, instance any) error {
	var err error
	if pre := filterBindings(def.bindings, PhasePreDestroy); len(pre) > 0 {
		chain := NewInvocationChain(nil, nil, pre, PhasePreDestroy,
			WithTarget(instance),
			WithChainLogger(c.logger),
			WithChainMetrics(c.metrics),
		)
		_, err = chain.Proceed()
	}
	switch {
	case def.disposer != nil:
		err = multierr.Append(err, def.disposer(instance))
	default:
		if s, ok := instance.(Shutdowner); ok {
			err = multierr.Append(err, s.OnShutdown())
		}
	}
	return err
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

// NewChain builds the around-invoke chain of method on the component id. The
// target is resolved lazily through u the first time it is needed.
func (c *Container) NewChain(u *UnitContext, id Identity, method *Method, args ...any) (*InvocationChain, error) {
	return c.newChain(u, id, method, PhaseAroundInvoke, nil, args)
}

func (c *Container) newChain(u *UnitContext, id Identity, method *Method, phase Phase, timer any, args []any) (*InvocationChain, error) {
	def, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return NewInvocationChain(method, args, filterBindings(def.bindings, phase), phase,
		WithTargetResolver(func() (any, error) {
			return c.ResolveIdentity(u, id)
		}),
		WithChainInvalidationPolicy(c.policy),
		WithTimer(timer),
		WithChainLogger(c.logger),
		WithChainMetrics(c.metrics),
	), nil
}

// Invoke calls method on the contextual instance of id through its around-invoke
// interceptors.
func (c *Container) Invoke(u *UnitContext, id Identity, method *Method, args ...any) (any, error) {
	chain, err := c.newChain(u, id, method, PhaseAroundInvoke, nil, args)
	if err != nil {
		return nil, err
	}
	return c.run(u, id, chain)
}

// InvokeTimeout calls method through the around-timeout interceptors of id, with
// timer exposed to them.
func (c *Container) InvokeTimeout(u *UnitContext, id Identity, method *Method, timer any, args ...any) (any, error) {
	chain, err := c.newChain(u, id, method, PhaseAroundTimeout, timer, args)
	if err != nil {
		return nil, err
	}
	return c.run(u, id, chain)
}

func (c *Container) run(u *UnitContext, id Identity, chain *InvocationChain) (any, error) {
	result, err := chain.Proceed()
	if err != nil && c.evictOnFailure && chain.targetFailed {
		c.evict(u, id)
	}
	return result, err
}

// evict destroys the contextual instance of id so that the next resolution
// creates a fresh one.
func (c *Container) evict(u *UnitContext, id Identity) {
	def, err := c.lookup(id)
	if err != nil {
		return
	}
	sc := c.registry.Resolve(u, def.scope)
	if sc == nil {
		return
	}
	instance, state, ok := sc.Remove(id)
	if !ok {
		return
	}
	c.logger.Info("evicting failed contextual instance", zap.Stringer("identity", id), zap.Stringer("scope", def.scope))
	if err := destroyEntry(id, instance, state); err != nil {
		c.logger.Warn("failed to destroy evicted instance", zap.Stringer("identity", id), zap.Error(err))
	}
}

// Boot activates the singleton and application contexts of the container and
// binds them to u.
func (c *Container) Boot(u *UnitContext) {
	c.registry.InitSingleton(u)
	c.registry.InitApplication(u)
	c.logger.Info("container booted", zap.String("token", c.registry.Token()))
}

// Shutdown destroys the application context, with every session and
// conversation, and then the singleton context.
func (c *Container) Shutdown(u *UnitContext) error {
	err := c.registry.DestroyApplication(u)
	err = multierr.Append(err, c.registry.DestroySingleton(u))
	if err != nil {
		c.logger.Error("container shutdown failed", zap.Error(err))
		return err
	}
	c.logger.Info("container shut down", zap.String("token", c.registry.Token()))
	return nil
}

// BeginRequest starts a new unit with a fresh request context. When sessionID is
// set the session context is joined or created. Application and singleton
// contexts are bound as well.
func (c *Container) BeginRequest(parent context.Context, sessionID string) (*UnitContext, error) {
	u := NewUnitContext(parent)
	c.registry.InitSingleton(u)
	c.registry.InitApplication(u)
	if sessionID != "" {
		if _, err := c.registry.InitSession(u, sessionID); err != nil {
			return nil, err
		}
	}
	c.registry.InitRequest(u)
	return u, nil
}

// EndRequest destroys the request and dependent contexts of u and clears its
// associations. Shared contexts stay alive.
func (c *Container) EndRequest(u *UnitContext) error {
	err := c.registry.DestroyRequest(u)
	if c.registry.Associated(u, ScopeDependent) != nil {
		err = multierr.Append(err, c.registry.DestroyDependent(u))
	}
	c.registry.ResetAssociations(u)
	return err
}
