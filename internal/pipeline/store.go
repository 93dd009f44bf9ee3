package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is the execution store the pipelines record into. Updates are
// applied through a closure so each mutation is atomic with respect to
// concurrent readers.
type Store interface {
	Create(exec *Execution) error
	Get(id string) (*Execution, error)
	List() ([]*Execution, error)
	Update(id string, fn func(*Execution) error) error
}

// MemoryStore is an in-process Store. It enforces the forward-only
// status machine: an update that moves a terminal execution, or skips
// a transition, is rejected.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*Execution)}
}

func (s *MemoryStore) Create(exec *Execution) error {
	if exec.ID == "" {
		return NewConfigurationError("execution id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return NewConfigurationError(fmt.Sprintf("execution %s already exists", exec.ID), nil)
	}
	cp := cloneExecution(exec)
	s.executions[exec.ID] = cp
	return nil
}

func (s *MemoryStore) Get(id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("execution %s not found", id), nil)
	}
	return cloneExecution(exec), nil
}

func (s *MemoryStore) List() ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		out = append(out, cloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) Update(id string, fn func(*Execution) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("execution %s not found", id), nil)
	}

	next := cloneExecution(exec)
	if err := fn(next); err != nil {
		return err
	}
	if next.Status != exec.Status && !exec.Status.canTransition(next.Status) {
		return NewConfigurationError(
			fmt.Sprintf("invalid status transition %s -> %s for execution %s", exec.Status, next.Status, id), nil)
	}
	if len(next.Log) < len(exec.Log) {
		return NewConfigurationError(
			fmt.Sprintf("execution %s log is append-only", id), nil)
	}
	s.executions[id] = next
	return nil
}

func cloneExecution(exec *Execution) *Execution {
	cp := *exec
	cp.Log = append([]LogEntry(nil), exec.Log...)
	if exec.EndedAt != nil {
		ended := *exec.EndedAt
		cp.EndedAt = &ended
	}
	return &cp
}

// FileStore persists executions as one JSON document per execution
// under a directory, layering durability on top of a MemoryStore.
type FileStore struct {
	mem *MemoryStore
	dir string
}

// NewFileStore loads any existing execution documents from dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewStorageError("failed to create execution store directory", err)
	}
	fs := &FileStore{mem: NewMemoryStore(), dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, NewStorageError("failed to read execution store directory", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, NewStorageError("failed to read execution document", err)
		}
		var exec Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			// Skip unreadable documents rather than refusing to start.
			continue
		}
		fs.mem.executions[exec.ID] = &exec
	}
	return fs, nil
}

func (s *FileStore) Create(exec *Execution) error {
	if err := s.mem.Create(exec); err != nil {
		return err
	}
	return s.persist(exec.ID)
}

func (s *FileStore) Get(id string) (*Execution, error) { return s.mem.Get(id) }

func (s *FileStore) List() ([]*Execution, error) { return s.mem.List() }

func (s *FileStore) Update(id string, fn func(*Execution) error) error {
	if err := s.mem.Update(id, fn); err != nil {
		return err
	}
	return s.persist(id)
}

func (s *FileStore) persist(id string) error {
	exec, err := s.mem.Get(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return NewStorageError("failed to encode execution document", err)
	}

	final := filepath.Join(s.dir, id+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return NewStorageError("failed to write execution document", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return NewStorageError("failed to write execution document", err)
	}
	return nil
}
