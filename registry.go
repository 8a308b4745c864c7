package scoped

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// keyedContexts is a concurrent table of contexts keyed by an external id.
type keyedContexts struct {
	mu       sync.RWMutex
	contexts map[string]*ScopeContext
}

func newKeyedContexts() *keyedContexts {
	return &keyedContexts{contexts: make(map[string]*ScopeContext)}
}

func (k *keyedContexts) get(key string) *ScopeContext {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.contexts[key]
}

// putIfAbsent stores a context built by create under key unless a live context
// is already there, and returns whichever context ends up stored. create only
// runs when its result is stored.
func (k *keyedContexts) putIfAbsent(key string, create func() *ScopeContext) (*ScopeContext, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.contexts[key]; ok && !existing.Destroyed() {
		return existing, false
	}
	sc := create()
	k.contexts[key] = sc
	return sc, true
}

func (k *keyedContexts) remove(key string) *ScopeContext {
	k.mu.Lock()
	defer k.mu.Unlock()
	sc := k.contexts[key]
	delete(k.contexts, key)
	return sc
}

func (k *keyedContexts) keys() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := make([]string, 0, len(k.contexts))
	for key := range k.contexts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (k *keyedContexts) takeAll() map[string]*ScopeContext {
	k.mu.Lock()
	defer k.mu.Unlock()
	all := k.contexts
	k.contexts = make(map[string]*ScopeContext)
	return all
}

// Application and singleton contexts are shared by every registry of the process
// that carries the same container token.
var (
	applicationContexts = newKeyedContexts()
	singletonContexts   = newKeyedContexts()
)

// Registry binds execution units to the scope contexts they currently see.
type Registry struct {
	token         string
	logger        *zap.Logger
	metrics       *Metrics
	sessions      *keyedContexts
	conversations *keyedContexts
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryToken isolates application and singleton contexts from
// registries using a different token.
func WithRegistryToken(token string) RegistryOption {
	return func(r *Registry) {
		r.token = token
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryMetrics sets the metrics collector passed to every context.
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a registry with empty session and conversation tables.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:        zap.NewNop(),
		sessions:      newKeyedContexts(),
		conversations: newKeyedContexts(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Token returns the container token.
func (r *Registry) Token() string {
	return r.token
}

func (r *Registry) newContext(kind ScopeKind) *ScopeContext {
	sc := NewScopeContext(kind, WithScopeLogger(r.logger), WithScopeMetrics(r.metrics))
	sc.SetActive(true)
	return sc
}

// destroy tears sc down; missing or inactive contexts only produce a warning
// because callers do not order shutdown across scope kinds.
func (r *Registry) destroy(kind ScopeKind, u *UnitContext, sc *ScopeContext) error {
	fields := []zap.Field{zap.Stringer("scope", kind)}
	if u != nil {
		fields = append(fields, zap.String("unit", u.ID()))
	}
	if sc == nil {
		r.logger.Warn("destroy was called for a missing context", fields...)
		return nil
	}
	if !sc.IsActive() {
		r.logger.Warn("destroy was called for an inactive context", fields...)
	}
	return sc.Destroy()
}

// InitRequest binds a fresh request context to u, destroying any previous one.
func (r *Registry) InitRequest(u *UnitContext) *ScopeContext {
	return r.initUnitBound(ScopeRequest, u)
}

// DestroyRequest destroys the request context of u and clears the association.
func (r *Registry) DestroyRequest(u *UnitContext) error {
	return r.destroy(ScopeRequest, u, u.dissociate(ScopeRequest))
}

// InitDependent binds a fresh dependent context to u.
func (r *Registry) InitDependent(u *UnitContext) *ScopeContext {
	return r.initUnitBound(ScopeDependent, u)
}

// DestroyDependent destroys the dependent context of u and clears the association.
func (r *Registry) DestroyDependent(u *UnitContext) error {
	return r.destroy(ScopeDependent, u, u.dissociate(ScopeDependent))
}

func (r *Registry) initUnitBound(kind ScopeKind, u *UnitContext) *ScopeContext {
	sc := r.newContext(kind)
	if old := u.dissociate(kind); old != nil {
		if err := old.Destroy(); err != nil {
			r.logger.Warn("failed to destroy replaced context", zap.Stringer("scope", kind), zap.String("unit", u.ID()), zap.Error(err))
		}
	}
	u.associate(kind, sc)
	r.logger.Debug("context initialized", zap.Stringer("scope", kind), zap.String("unit", u.ID()))
	return sc
}

// InitSession binds the session context for sessionID to u, creating and
// registering it when the session is new.
func (r *Registry) InitSession(u *UnitContext, sessionID string) (*ScopeContext, error) {
	if sessionID == "" {
		return nil, &MissingContextValueError{Scope: ScopeSession, Key: "session id"}
	}
	sc := r.initKeyed(ScopeSession, r.sessions, u, sessionID)
	return sc, nil
}

// DestroySession destroys the session context for sessionID and removes it from
// the shared table.
func (r *Registry) DestroySession(u *UnitContext, sessionID string) error {
	return r.destroyKeyed(ScopeSession, r.sessions, u, sessionID)
}

// InitConversation binds the conversation context for conversationID to u. An
// empty id starts a new conversation; the id in use is returned.
func (r *Registry) InitConversation(u *UnitContext, conversationID string) (string, *ScopeContext) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return conversationID, r.initKeyed(ScopeConversation, r.conversations, u, conversationID)
}

// DestroyConversation ends the conversation and destroys its context.
func (r *Registry) DestroyConversation(u *UnitContext, conversationID string) error {
	return r.destroyKeyed(ScopeConversation, r.conversations, u, conversationID)
}

func (r *Registry) initKeyed(kind ScopeKind, table *keyedContexts, u *UnitContext, key string) *ScopeContext {
	sc := table.get(key)
	if sc == nil || sc.Destroyed() {
		var created bool
		sc, created = table.putIfAbsent(key, func() *ScopeContext {
			return NewScopeContext(kind, WithScopeLogger(r.logger), WithScopeMetrics(r.metrics))
		})
		if created {
			r.logger.Debug("context created", zap.Stringer("scope", kind), zap.String("key", key))
		}
	}
	sc.SetActive(true)
	if u != nil {
		u.associate(kind, sc)
	}
	return sc
}

func (r *Registry) destroyKeyed(kind ScopeKind, table *keyedContexts, u *UnitContext, key string) error {
	sc := table.remove(key)
	if u != nil {
		if sc != nil {
			u.dissociateIf(kind, sc)
		} else if key == "" {
			sc = u.dissociate(kind)
		}
	}
	return r.destroy(kind, u, sc)
}

// InitApplication binds the application context of this registry's container
// token to u.
func (r *Registry) InitApplication(u *UnitContext) *ScopeContext {
	return r.initProcessScoped(ScopeApplication, applicationContexts, u)
}

// DestroyApplication destroys the application context together with every
// session and conversation of this registry.
func (r *Registry) DestroyApplication(u *UnitContext) error {
	err := r.destroyProcessScoped(ScopeApplication, applicationContexts, u)
	err = multierr.Append(err, r.destroyAllKeyed(ScopeSession, r.sessions))
	return multierr.Append(err, r.destroyAllKeyed(ScopeConversation, r.conversations))
}

// InitSingleton binds the singleton context of this registry's container token to u.
func (r *Registry) InitSingleton(u *UnitContext) *ScopeContext {
	return r.initProcessScoped(ScopeSingleton, singletonContexts, u)
}

// DestroySingleton destroys the singleton context.
func (r *Registry) DestroySingleton(u *UnitContext) error {
	return r.destroyProcessScoped(ScopeSingleton, singletonContexts, u)
}

func (r *Registry) initProcessScoped(kind ScopeKind, table *keyedContexts, u *UnitContext) *ScopeContext {
	sc := table.get(r.token)
	if sc == nil || sc.Destroyed() {
		var created bool
		sc, created = table.putIfAbsent(r.token, func() *ScopeContext {
			return r.newContext(kind)
		})
		if created {
			r.logger.Debug("context created", zap.Stringer("scope", kind), zap.String("token", r.token))
		}
	}
	if u != nil {
		u.associate(kind, sc)
	}
	return sc
}

func (r *Registry) destroyProcessScoped(kind ScopeKind, table *keyedContexts, u *UnitContext) error {
	sc := table.remove(r.token)
	var assoc *ScopeContext
	if u != nil {
		assoc = u.dissociate(kind)
	}
	if sc == nil {
		return r.destroy(kind, u, assoc)
	}
	err := r.destroy(kind, u, sc)
	if assoc != nil && assoc != sc {
		err = multierr.Append(err, assoc.Destroy())
	}
	return err
}

func (r *Registry) destroyAllKeyed(kind ScopeKind, table *keyedContexts) error {
	var err error
	for key, sc := range table.takeAll() {
		if destroyErr := sc.Destroy(); destroyErr != nil {
			r.logger.Warn("failed to destroy context", zap.Stringer("scope", kind), zap.String("key", key), zap.Error(destroyErr))
			err = multierr.Append(err, destroyErr)
		}
	}
	return err
}

// Resolve returns the context of the given kind associated with u, or nil when
// there is none. Dependent contexts are created on first use.
func (r *Registry) Resolve(u *UnitContext, kind ScopeKind) *ScopeContext {
	if u == nil {
		return nil
	}
	switch kind {
	case ScopeDependent:
		if sc := u.association(ScopeDependent); sc != nil {
			return sc
		}
		return r.InitDependent(u)
	case ScopeRequest, ScopeSession, ScopeApplication, ScopeConversation, ScopeSingleton:
		return u.association(kind)
	default:
		return nil
	}
}

// Associated returns the context of the given kind bound to u, never creating
// one.
func (r *Registry) Associated(u *UnitContext, kind ScopeKind) *ScopeContext {
	if u == nil {
		return nil
	}
	return u.association(kind)
}

// ResolveMarker is Resolve for a scope name or marker spelling.
func (r *Registry) ResolveMarker(u *UnitContext, marker string) (*ScopeContext, error) {
	kind, err := ParseScopeKind(marker)
	if err != nil {
		return nil, err
	}
	return r.Resolve(u, kind), nil
}

// ResetAssociations clears every association of u without destroying the
// underlying contexts, so the unit can be recycled.
func (r *Registry) ResetAssociations(u *UnitContext) {
	u.resetAssociations()
	r.logger.Debug("associations reset", zap.String("unit", u.ID()))
}

// Session returns the live session context for id, or nil.
func (r *Registry) Session(id string) *ScopeContext {
	return r.sessions.get(id)
}

// Conversation returns the live conversation context for id, or nil.
func (r *Registry) Conversation(id string) *ScopeContext {
	return r.conversations.get(id)
}

// Sessions returns the ids of every registered session.
func (r *Registry) Sessions() []string {
	return r.sessions.keys()
}

// Conversations returns the ids of every registered conversation.
func (r *Registry) Conversations() []string {
	return r.conversations.keys()
}
