// Package manager tracks every open store so the host can interrupt
// or shut down all sync work from one place (app backgrounding, key
// rotation, exit).
package manager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bridgesync/bsync/internal/storage"
)

// ErrAlreadyRegistered is returned when a name is registered twice
// without a Close in between.
var ErrAlreadyRegistered = errors.New("store already registered")

// Manager is a registry of named open stores.
type Manager struct {
	mu     sync.Mutex
	stores map[string]*storage.Store
}

func New() *Manager {
	return &Manager{stores: map[string]*storage.Store{}}
}

// Register adds an open store under name.
func (m *Manager) Register(name string, s *storage.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	m.stores[name] = s
	return nil
}

// Get returns the store registered under name.
func (m *Manager) Get(name string) (*storage.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	return s, ok
}

// Names lists registered stores, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.stores))
	for n := range m.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InterruptAll flags every registered store's connections. In-flight
// operations abort with an interrupted error; the stores stay usable.
func (m *Manager) InterruptAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stores {
		s.InterruptAll()
	}
}

// Close closes and deregisters one store.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	s, ok := m.stores[name]
	delete(m.stores, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll closes every registered store, returning the first error
// after attempting all of them.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	stores := m.stores
	m.stores = map[string]*storage.Store{}
	m.mu.Unlock()

	var first error
	for _, s := range stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
