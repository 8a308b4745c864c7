package mock

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/centraunit/scoped"
)

// Core interfaces
type Database interface {
	scoped.Shutdowner
	Connect() error
	IsConnected() bool
}

type Cache interface {
	Get(key string) any
	DB() Database
}

// Recorder collects lifecycle and interception events in order.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) Add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Mock implementations
type MockDB struct {
	mu          sync.Mutex
	isConnected bool
	Name        string
	Recorder    *Recorder
}

func (m *MockDB) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = true
	return nil
}

func (m *MockDB) OnShutdown() error {
	m.mu.Lock()
	m.isConnected = false
	m.mu.Unlock()
	if m.Recorder != nil {
		m.Recorder.Add("shutdown:" + m.Name)
	}
	return nil
}

func (m *MockDB) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}

// NewMockDB is a factory for Database components.
func NewMockDB(name string, rec *Recorder) func(u *scoped.UnitContext, cs *scoped.CreationalState) (Database, error) {
	return func(u *scoped.UnitContext, cs *scoped.CreationalState) (Database, error) {
		db := &MockDB{Name: name, Recorder: rec}
		if err := db.Connect(); err != nil {
			return nil, err
		}
		return db, nil
	}
}

type MockCache struct {
	db Database
}

func (m *MockCache) Get(key string) any {
	return nil
}

func (m *MockCache) DB() Database {
	return m.db
}

// NewMockCache resolves its Database from the same container.
func NewMockCache(c *scoped.Container) func(u *scoped.UnitContext, cs *scoped.CreationalState) (Cache, error) {
	return func(u *scoped.UnitContext, cs *scoped.CreationalState) (Cache, error) {
		db, err := scoped.Resolve[Database](c, u)
		if err != nil {
			return nil, err
		}
		return &MockCache{db: db}, nil
	}
}

// FailingDB fails to construct while ShouldFail is set.
type FailingDB struct {
	MockDB
}

func NewFailingDB(shouldFail *atomic.Bool) func(u *scoped.UnitContext, cs *scoped.CreationalState) (Database, error) {
	return func(u *scoped.UnitContext, cs *scoped.CreationalState) (Database, error) {
		if shouldFail.Load() {
			return nil, fmt.Errorf("simulated boot failure")
		}
		return &FailingDB{MockDB: MockDB{isConnected: true}}, nil
	}
}

// Circular dependency test types
type CircularService1 interface {
	GetService2() CircularService2
}

type CircularService2 interface {
	GetService1() CircularService1
}

type CircularImpl1 struct {
	svc2 CircularService2
}

func (i *CircularImpl1) GetService2() CircularService2 { return i.svc2 }

type CircularImpl2 struct {
	svc1 CircularService1
}

func (i *CircularImpl2) GetService1() CircularService1 { return i.svc1 }

// RegisterCircular registers two components that resolve each other while
// being created.
func RegisterCircular(c *scoped.Container, scope scoped.ScopeKind) error {
	if _, err := scoped.Register[CircularService1](c, scope, func(u *scoped.UnitContext, cs *scoped.CreationalState) (CircularService1, error) {
		svc2, err := scoped.Resolve[CircularService2](c, u)
		if err != nil {
			return nil, err
		}
		return &CircularImpl1{svc2: svc2}, nil
	}); err != nil {
		return err
	}
	_, err := scoped.Register[CircularService2](c, scope, func(u *scoped.UnitContext, cs *scoped.CreationalState) (CircularService2, error) {
		svc1, err := scoped.Resolve[CircularService1](c, u)
		if err != nil {
			return nil, err
		}
		return &CircularImpl2{svc1: svc1}, nil
	})
	return err
}

// Counter counts constructions and shutdowns.
type Counter struct {
	Created  atomic.Int32
	Shutdown atomic.Int32
}

// Tracked is a component whose lifecycle is reported to a Counter.
type Tracked struct {
	ID      int32
	counter *Counter
	Calls   atomic.Int32
}

func (t *Tracked) OnShutdown() error {
	t.counter.Shutdown.Add(1)
	return nil
}

// Echo returns its argument, failing on "boom".
func (t *Tracked) Echo(arg string) (string, error) {
	t.Calls.Add(1)
	if arg == "boom" {
		return "", fmt.Errorf("echo failed")
	}
	return arg, nil
}

// NewTracked is a factory for Tracked components.
func NewTracked(counter *Counter) func(u *scoped.UnitContext, cs *scoped.CreationalState) (*Tracked, error) {
	return func(u *scoped.UnitContext, cs *scoped.CreationalState) (*Tracked, error) {
		return &Tracked{ID: counter.Created.Add(1), counter: counter}, nil
	}
}

// EchoMethod invokes Tracked.Echo with a single string argument.
var EchoMethod = scoped.MethodOf[*Tracked]("Echo", func(t *Tracked, args []any) (any, error) {
	return t.Echo(args[0].(string))
}, scoped.ParamType[string]())

// RecordingInterceptor records the events it sees around Proceed.
type RecordingInterceptor struct {
	Name     string
	Recorder *Recorder
}

// Binding returns an around-invoke binding for the interceptor.
func (r *RecordingInterceptor) Binding() scoped.InterceptorBinding {
	return scoped.InterceptorAround(r.Name, r, func(i *RecordingInterceptor, ic *scoped.InvocationChain) (any, error) {
		i.Recorder.Add(i.Name + ":before")
		result, err := ic.Proceed()
		if err != nil {
			i.Recorder.Add(i.Name + ":error")
			return nil, err
		}
		i.Recorder.Add(i.Name + ":after")
		return result, nil
	})
}
