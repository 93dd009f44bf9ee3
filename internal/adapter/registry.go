package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured adapters, keyed by id. It is
// constructed explicitly at startup and passed by reference into the
// scheduler and runner; there is no ambient global registry.
type Registry struct {
	mu        sync.RWMutex
	databases map[string]Database
	storages  map[string]Storage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		databases: make(map[string]Database),
		storages:  make(map[string]Storage),
	}
}

// RegisterDatabase adds a database adapter under id, replacing any
// previous registration.
func (r *Registry) RegisterDatabase(id string, db Database) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.databases[id] = db
}

// RegisterStorage adds a storage adapter under id, replacing any
// previous registration.
func (r *Registry) RegisterStorage(id string, s Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages[id] = s
}

// Database returns the database adapter registered under id.
func (r *Registry) Database(id string) (Database, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, ok := r.databases[id]
	if !ok {
		return nil, fmt.Errorf("no database adapter registered for id %q", id)
	}
	return db, nil
}

// Storage returns the storage adapter registered under id.
func (r *Registry) Storage(id string) (Storage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.storages[id]
	if !ok {
		return nil, fmt.Errorf("no storage adapter registered for id %q", id)
	}
	return s, nil
}

// DatabaseIDs returns the registered database adapter ids, sorted.
func (r *Registry) DatabaseIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.databases))
	for id := range r.databases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StorageIDs returns the registered storage adapter ids, sorted.
func (r *Registry) StorageIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.storages))
	for id := range r.storages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
