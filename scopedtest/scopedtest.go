// Package scopedtest runs scoped containers inside tests with every standard
// context started on a single execution unit.
package scopedtest

import (
	"context"

	"github.com/centraunit/scoped"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TB is the part of testing.TB the helpers use, so they also work with
// suite.Suite.T() and fakes.
type TB interface {
	Helper()
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Cleanup(f func())
}

// TestContainer is a container bound to one unit, one session and one
// conversation. Its token is unique, so application and singleton contexts are
// never shared with other tests.
type TestContainer struct {
	*scoped.Container
	tb             TB
	unit           *scoped.UnitContext
	sessionID      string
	conversationID string
}

// New creates a test container. Contexts still running when the test ends are
// stopped during cleanup.
func New(tb TB, opts ...scoped.Option) *TestContainer {
	tb.Helper()

	opts = append([]scoped.Option{scoped.WithContainerToken("scopedtest-" + uuid.NewString())}, opts...)
	tc := &TestContainer{
		Container: scoped.New(opts...),
		tb:        tb,
		unit:      scoped.NewUnitContext(context.Background()),
		sessionID: uuid.NewString(),
	}

	tb.Cleanup(func() {
		if err := tc.stopActive(); err != nil {
			tb.Fatalf("failed to stop contexts: %v", err)
		}
	})

	return tc
}

// Unit returns the execution unit the contexts are bound to.
func (tc *TestContainer) Unit() *scoped.UnitContext {
	return tc.unit
}

// SessionID returns the id of the test session.
func (tc *TestContainer) SessionID() string {
	return tc.sessionID
}

// ConversationID returns the id of the current conversation, empty before it
// has been started.
func (tc *TestContainer) ConversationID() string {
	return tc.conversationID
}

// StartContexts starts the singleton, application, session, conversation and
// request contexts, in that order.
func (tc *TestContainer) StartContexts() {
	tc.tb.Helper()

	for _, kind := range []scoped.ScopeKind{
		scoped.ScopeSingleton,
		scoped.ScopeApplication,
		scoped.ScopeSession,
		scoped.ScopeConversation,
		scoped.ScopeRequest,
	} {
		tc.StartScope(kind)
	}
}

// StopContexts stops the session, conversation, request, application and
// singleton contexts, in that order. Contexts that are not active only produce
// a warning.
func (tc *TestContainer) StopContexts() {
	tc.tb.Helper()

	if err := tc.stopAll(); err != nil {
		tc.tb.Fatalf("failed to stop contexts: %v", err)
	}
}

func (tc *TestContainer) stopAll() error {
	var err error
	for _, kind := range []scoped.ScopeKind{
		scoped.ScopeSession,
		scoped.ScopeConversation,
		scoped.ScopeRequest,
		scoped.ScopeApplication,
		scoped.ScopeSingleton,
	} {
		err = multierr.Append(err, tc.stop(kind))
	}
	return err
}

func (tc *TestContainer) stopActive() error {
	var err error
	for _, kind := range []scoped.ScopeKind{
		scoped.ScopeSession,
		scoped.ScopeConversation,
		scoped.ScopeRequest,
		scoped.ScopeDependent,
		scoped.ScopeApplication,
		scoped.ScopeSingleton,
	} {
		if tc.active(kind) {
			err = multierr.Append(err, tc.stop(kind))
		}
	}
	return err
}

// StartScope starts a single context on the test unit.
func (tc *TestContainer) StartScope(kind scoped.ScopeKind) {
	tc.tb.Helper()

	r := tc.Registry()
	switch kind {
	case scoped.ScopeSingleton:
		r.InitSingleton(tc.unit)
	case scoped.ScopeApplication:
		r.InitApplication(tc.unit)
	case scoped.ScopeSession:
		if _, err := r.InitSession(tc.unit, tc.sessionID); err != nil {
			tc.tb.Fatalf("failed to start session: %v", err)
		}
	case scoped.ScopeConversation:
		tc.conversationID, _ = r.InitConversation(tc.unit, tc.conversationID)
	case scoped.ScopeRequest:
		r.InitRequest(tc.unit)
	case scoped.ScopeDependent:
		r.InitDependent(tc.unit)
	default:
		tc.tb.Fatalf("cannot start unknown scope %q", kind)
	}
}

// StopScope stops a single context on the test unit.
func (tc *TestContainer) StopScope(kind scoped.ScopeKind) {
	tc.tb.Helper()

	if err := tc.stop(kind); err != nil {
		tc.tb.Fatalf("failed to stop %s context: %v", kind, err)
	}
}

func (tc *TestContainer) active(kind scoped.ScopeKind) bool {
	sc := tc.Registry().Associated(tc.unit, kind)
	return sc != nil && sc.IsActive()
}

func (tc *TestContainer) stop(kind scoped.ScopeKind) error {
	if !tc.active(kind) {
		tc.Logger().Warn("destroy was called for an inactive context", zap.Stringer("scope", kind))
		return nil
	}

	r := tc.Registry()
	switch kind {
	case scoped.ScopeSingleton:
		return r.DestroySingleton(tc.unit)
	case scoped.ScopeApplication:
		return r.DestroyApplication(tc.unit)
	case scoped.ScopeSession:
		return r.DestroySession(tc.unit, tc.sessionID)
	case scoped.ScopeConversation:
		err := r.DestroyConversation(tc.unit, tc.conversationID)
		tc.conversationID = ""
		return err
	case scoped.ScopeRequest:
		return r.DestroyRequest(tc.unit)
	case scoped.ScopeDependent:
		return r.DestroyDependent(tc.unit)
	default:
		return &scoped.InvalidScopeError{Scope: string(kind)}
	}
}

// RequireResolve resolves T on the test unit and fails the test on error.
func RequireResolve[T any](tc *TestContainer, qualifiers ...string) T {
	tc.tb.Helper()

	instance, err := scoped.Resolve[T](tc.Container, tc.unit, qualifiers...)
	if err != nil {
		tc.tb.Fatalf("failed to resolve %s: %v", scoped.IdentityOf[T](qualifiers...), err)
	}
	return instance
}

// RequireInvoke invokes method on the component id and fails the test on error.
func (tc *TestContainer) RequireInvoke(id scoped.Identity, method *scoped.Method, args ...any) any {
	tc.tb.Helper()

	result, err := tc.Invoke(tc.unit, id, method, args...)
	if err != nil {
		tc.tb.Fatalf("failed to invoke %s on %s: %v", method.Name(), id, err)
	}
	return result
}
