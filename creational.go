package scoped

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

type dependent struct {
	instance any
	release  func(instance any) error
}

// CreationalState records everything created to support one contextual instance
// so that it can be released together with that instance.
type CreationalState struct {
	mu         sync.Mutex
	dependents []dependent
	shutdown   func() error
	released   bool
}

// NewCreationalState returns an empty creational state.
func NewCreationalState() *CreationalState {
	return &CreationalState{}
}

// AddDependent records an object created solely for the owning instance.
// release may be nil, in which case a Shutdowner dependent is shut down.
func (cs *CreationalState) AddDependent(instance any, release func(instance any) error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.dependents = append(cs.dependents, dependent{instance: instance, release: release})
}

// OnShutdown sets the shutdown hook of the owning instance. It replaces the
// instance's own Shutdowner implementation when the scope is destroyed.
func (cs *CreationalState) OnShutdown(fn func() error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.shutdown = fn
}

func (cs *CreationalState) shutdownHook() func() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.shutdown
}

// Dependents returns the number of recorded dependents.
func (cs *CreationalState) Dependents() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.dependents)
}

// Released reports whether Release has run.
func (cs *CreationalState) Released() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.released
}

// Release releases every dependent in reverse registration order. Only the first
// call does any work.
func (cs *CreationalState) Release() error {
	cs.mu.Lock()
	if cs.released {
		cs.mu.Unlock()
		return nil
	}
	cs.released = true
	deps := cs.dependents
	cs.dependents = nil
	cs.mu.Unlock()

	var err error
	for i := len(deps) - 1; i >= 0; i-- {
		err = multierr.Append(err, releaseDependent(deps[i]))
	}
	return err
}

func releaseDependent(d dependent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("releasing dependent %T panicked: %v", d.instance, r)
		}
	}()

	if d.release != nil {
		return d.release(d.instance)
	}
	if s, ok := d.instance.(Shutdowner); ok {
		return s.OnShutdown()
	}
	return nil
}
