package vfs

import (
	"errors"
	"sort"
	"sync"

	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/CageChen/vfshub/internal/logging"
	"github.com/CageChen/vfshub/internal/metrics"
	"go.uber.org/zap"
)

// ErrUnknownClient is returned by a Source for an unconfigured client ID.
var ErrUnknownClient = errors.New("unknown client")

// Source resolves the filesystem and store options for a client ID.
type Source func(clientID string) (mfs.FileSystem, Options, error)

// Manager owns one store per client. A store lives from the first request
// for its client until the view is torn down.
type Manager struct {
	source Source

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager creates a manager that builds stores from source.
func NewManager(source Source) *Manager {
	return &Manager{
		source: source,
		stores: make(map[string]*Store),
	}
}

// Get returns the store for clientID, creating it if needed.
func (m *Manager) Get(clientID string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[clientID]; ok {
		return s, nil
	}
	fsys, opts, err := m.source(clientID)
	if err != nil {
		return nil, err
	}
	s := NewStore(clientID, fsys, opts)
	m.stores[clientID] = s
	metrics.StoreOpened()
	logging.Debug("store opened", zap.String("client", clientID))
	return s, nil
}

// Lookup returns the store for clientID without creating one.
func (m *Manager) Lookup(clientID string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[clientID]
	return s, ok
}

// Close tears down the store for clientID. It reports whether one existed.
func (m *Manager) Close(clientID string) bool {
	m.mu.Lock()
	s, ok := m.stores[clientID]
	delete(m.stores, clientID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	metrics.StoreClosed(clientID)
	logging.Debug("store closed", zap.String("client", clientID))
	return true
}

// CloseAll tears down every store.
func (m *Manager) CloseAll() {
	for _, id := range m.Clients() {
		m.Close(id)
	}
}

// Clients returns the IDs of the open stores.
func (m *Manager) Clients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.stores))
	for id := range m.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
