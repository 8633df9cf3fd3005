package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound       = errors.New("target not found")
	ErrAddressChanged = errors.New("target address changed")
)

// Target is one registry record: a unique name and the address of the
// target's command listener.
type Target struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Store holds the controller's target registry. Implementations must be safe
// for concurrent use; registrations arrive from many connections at once.
type Store interface {
	SetTarget(ctx context.Context, name, address string) error
	GetTarget(ctx context.Context, name string) (string, error)
	DeleteTarget(ctx context.Context, name string) error
	// DeleteTargetIf removes name only while it still maps to address. A
	// record that moved returns ErrAddressChanged and is left in place.
	DeleteTargetIf(ctx context.Context, name, address string) error
	ListTargets(ctx context.Context) ([]Target, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	targets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		targets: make(map[string]string),
	}
}

func (m *MemoryStore) SetTarget(_ context.Context, name, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[name] = address
	return nil
}

func (m *MemoryStore) GetTarget(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	address, ok := m.targets[name]
	if !ok {
		return "", ErrNotFound
	}
	return address, nil
}

func (m *MemoryStore) DeleteTarget(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[name]; !ok {
		return ErrNotFound
	}
	delete(m.targets, name)
	return nil
}

func (m *MemoryStore) DeleteTargetIf(_ context.Context, name, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.targets[name]
	if !ok {
		return ErrNotFound
	}
	if current != address {
		return ErrAddressChanged
	}
	delete(m.targets, name)
	return nil
}

func (m *MemoryStore) ListTargets(_ context.Context) ([]Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Target, 0, len(m.targets))
	for name, address := range m.targets {
		out = append(out, Target{Name: name, Address: address})
	}
	sortTargets(out)
	return out, nil
}

func sortTargets(targets []Target) {
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
}
