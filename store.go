package scoped

import (
	"errors"
	"fmt"
	"sync"
)

var errStoreClosed = errors.New("instance store closed")

// storeEntry is published before its factory runs; ready is closed once
// instance, state and err are final.
type storeEntry struct {
	ready    chan struct{}
	instance any
	state    *CreationalState
	err      error
}

func (e *storeEntry) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// instanceStore maps component identities to their contextual instance and
// creational state. The first caller for an identity runs the factory; every
// concurrent caller waits for and shares its outcome.
type instanceStore struct {
	mu      sync.Mutex
	entries map[Identity]*storeEntry
	closed  bool
}

func newInstanceStore() *instanceStore {
	return &instanceStore{
		entries: make(map[Identity]*storeEntry, 8),
	}
}

// getOrCreate returns the instance stored for id, creating it with factory when
// absent. created is true only for the caller that ran the factory.
func (s *instanceStore) getOrCreate(id Identity, factory Factory) (instance any, created bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, errStoreClosed
	}
	if e, ok := s.entries[id]; ok {
		s.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, false, e.err
		}
		if s.isClosed() {
			return nil, false, errStoreClosed
		}
		return e.instance, false, nil
	}
	e := &storeEntry{ready: make(chan struct{})}
	s.entries[id] = e
	s.mu.Unlock()

	e.instance, e.state, e.err = runFactory(factory)
	if e.err == nil && e.state == nil {
		e.state = NewCreationalState()
	}

	// A store drained while the factory ran still holds e; the drainer tears
	// the instance down once ready is closed.
	s.mu.Lock()
	closed := s.closed
	if e.err != nil && s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	close(e.ready)

	if e.err != nil {
		return nil, false, e.err
	}
	if closed {
		return nil, false, errStoreClosed
	}
	return e.instance, true, nil
}

func (s *instanceStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func runFactory(factory Factory) (instance any, state *CreationalState, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rErr, ok := r.(error); ok {
				err = fmt.Errorf("factory panicked: %w", rErr)
			} else {
				err = fmt.Errorf("factory panicked: %v", r)
			}
		}
	}()
	return factory()
}

// get returns the stored instance without creating one.
func (s *instanceStore) get(id Identity) (any, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, errStoreClosed
	}
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	<-e.ready
	if e.err != nil {
		return nil, false, nil
	}
	if s.isClosed() {
		return nil, false, errStoreClosed
	}
	return e.instance, true, nil
}

// remove detaches a completed entry. Entries still being created are left alone.
func (s *instanceStore) remove(id Identity) (any, *CreationalState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || !e.isReady() || e.err != nil {
		return nil, nil, false
	}
	delete(s.entries, id)
	return e.instance, e.state, true
}

// drain closes the store and hands every entry to the caller.
func (s *instanceStore) drain() map[Identity]*storeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries
	s.entries = make(map[Identity]*storeEntry)
	s.closed = true
	return entries
}

func (s *instanceStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *instanceStore) identities() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]Identity, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}
