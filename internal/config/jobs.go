package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"backupd/internal/adapter"
	"backupd/internal/pipeline"
)

// jobsDocument is the on-disk shape of the jobs file.
type jobsDocument struct {
	Jobs []*pipeline.Job `yaml:"jobs"`
}

// JobStore serves job definitions from a YAML file. Reload swaps the
// whole set atomically, so the scheduler always sees a consistent view.
type JobStore struct {
	path string

	mu   sync.RWMutex
	jobs map[string]*pipeline.Job
	list []*pipeline.Job
}

// NewJobStore loads the jobs file. A missing file yields an empty
// store; the file may appear later and be picked up by Reload.
func NewJobStore(path string) (*JobStore, error) {
	s := &JobStore{path: path, jobs: make(map[string]*pipeline.Job)}
	if err := s.Reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return s, nil
}

// Reload re-reads the jobs file.
func (s *JobStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var doc jobsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse jobs file %s: %w", s.path, err)
	}

	jobs := make(map[string]*pipeline.Job, len(doc.Jobs))
	for _, job := range doc.Jobs {
		if job.ID == "" {
			return fmt.Errorf("jobs file %s: every job needs an id", s.path)
		}
		if _, dup := jobs[job.ID]; dup {
			return fmt.Errorf("jobs file %s: duplicate job id %q", s.path, job.ID)
		}
		jobs[job.ID] = job
	}

	s.mu.Lock()
	s.jobs = jobs
	s.list = doc.Jobs
	s.mu.Unlock()
	return nil
}

// Jobs returns all job definitions in file order.
func (s *JobStore) Jobs() ([]*pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*pipeline.Job(nil), s.list...), nil
}

// Job returns one job by id.
func (s *JobStore) Job(id string) (*pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, pipeline.NewNotFoundError(fmt.Sprintf("job %s not found", id), nil)
	}
	return job, nil
}

// Store resolves jobs and decrypted database source configurations for
// the pipelines.
type Store struct {
	cfg  *Config
	jobs *JobStore
}

// NewStore combines the daemon configuration with a job store.
func NewStore(cfg *Config, jobs *JobStore) *Store {
	return &Store{cfg: cfg, jobs: jobs}
}

func (s *Store) Job(id string) (*pipeline.Job, error) {
	return s.jobs.Job(id)
}

// DatabaseSource resolves a source id into its engine kind and
// connection configuration, pulling the password from the environment
// when the source references one.
func (s *Store) DatabaseSource(id string) (string, *adapter.DatabaseConfig, error) {
	source, ok := s.cfg.Sources[id]
	if !ok {
		return "", nil, pipeline.NewNotFoundError(fmt.Sprintf("source %s is not configured", id), nil)
	}

	password := source.Password
	if source.PasswordEnv != "" {
		password = os.Getenv(source.PasswordEnv)
	}
	return source.Kind, &adapter.DatabaseConfig{
		Host:      source.Host,
		Port:      source.Port,
		Username:  source.Username,
		Password:  password,
		Databases: source.Databases,
	}, nil
}
