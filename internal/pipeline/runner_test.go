package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupd/internal/adapter"
	"backupd/internal/archive"
	"backupd/internal/checksum"
	"backupd/internal/compression"
	"backupd/internal/crypto"
	"backupd/internal/storage"
)

// fakeDB is a database adapter whose dumps are deterministic SQL text.
type fakeDB struct {
	mu        sync.Mutex
	version   string
	databases []string

	dumpErr    error
	restoreErr error

	restoredArtifact []byte
	restoredOpts     adapter.RestoreOptions
	preparedTargets  [][]string
}

func (f *fakeDB) Kind() string { return "fake" }

func dumpContent(name string) string {
	return fmt.Sprintf("-- dump of %s\nCREATE TABLE t (id INT);\n", name)
}

func (f *fakeDB) Dump(ctx context.Context, cfg adapter.DatabaseConfig, destDir string, onLog adapter.LogFunc) (*adapter.DumpResult, error) {
	if f.dumpErr != nil {
		return nil, f.dumpErr
	}
	names := cfg.Databases
	if len(names) == 0 {
		names = f.databases
	}
	if onLog != nil {
		onLog("info", fmt.Sprintf("dumping %d databases", len(names)))
	}

	if len(names) == 1 {
		path := filepath.Join(destDir, names[0]+".sql")
		if err := os.WriteFile(path, []byte(dumpContent(names[0])), 0o600); err != nil {
			return nil, err
		}
		info, _ := os.Stat(path)
		return &adapter.DumpResult{
			Path: path, Size: info.Size(), Databases: names,
			EngineVersion: f.version,
		}, nil
	}

	var entries []archive.BuildEntry
	for _, name := range names {
		p := filepath.Join(destDir, name+".sql")
		if err := os.WriteFile(p, []byte(dumpContent(name)), 0o600); err != nil {
			return nil, err
		}
		entries = append(entries, archive.BuildEntry{Name: name, Path: p, Format: "sql"})
	}
	archivePath := filepath.Join(destDir, "databases.tar")
	if _, err := archive.Build(archivePath, "fake", f.version, entries); err != nil {
		return nil, err
	}
	info, _ := os.Stat(archivePath)
	return &adapter.DumpResult{
		Path: archivePath, Size: info.Size(), Databases: names,
		Composite: true, EngineVersion: f.version,
	}, nil
}

func (f *fakeDB) Restore(ctx context.Context, cfg adapter.DatabaseConfig, artifactPath string, opts adapter.RestoreOptions, onLog adapter.LogFunc, onProgress adapter.ProgressFunc) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.restoredArtifact = data
	f.restoredOpts = opts
	f.mu.Unlock()
	return nil
}

func (f *fakeDB) Test(ctx context.Context, cfg adapter.DatabaseConfig) (*adapter.TestResult, error) {
	return &adapter.TestResult{OK: true, Message: "ok", Version: f.version}, nil
}

func (f *fakeDB) ListDatabases(ctx context.Context, cfg adapter.DatabaseConfig) ([]string, error) {
	return f.databases, nil
}

func (f *fakeDB) PrepareRestore(ctx context.Context, cfg adapter.DatabaseConfig, dbNames []string) error {
	f.mu.Lock()
	f.preparedTargets = append(f.preparedTargets, dbNames)
	f.mu.Unlock()
	return nil
}

// fakeConfig is an in-memory ConfigStore.
type fakeConfig struct {
	jobs    map[string]*Job
	sources map[string]adapter.DatabaseConfig
}

func (c *fakeConfig) Job(id string) (*Job, error) {
	job, ok := c.jobs[id]
	if !ok {
		return nil, NewNotFoundError("job "+id+" not found", nil)
	}
	return job, nil
}

func (c *fakeConfig) DatabaseSource(id string) (string, *adapter.DatabaseConfig, error) {
	cfg, ok := c.sources[id]
	if !ok {
		return "", nil, NewNotFoundError("source "+id+" not found", nil)
	}
	return "fake", &cfg, nil
}

// fixedKeys serves one static master key.
type fixedKeys struct {
	key []byte
}

func (k *fixedKeys) Open(profileID string) ([]byte, error) {
	if profileID != "prof" {
		return nil, NewNotFoundError("profile "+profileID+" not found", nil)
	}
	return k.key, nil
}

type backupFixture struct {
	runner   *Runner
	restore  *RestoreService
	store    *MemoryStore
	db       *fakeDB
	baseDir  string
	registry *adapter.Registry
	config   *fakeConfig
	key      []byte
}

func newBackupFixture(t *testing.T, job *Job, databases []string) *backupFixture {
	t.Helper()

	db := &fakeDB{version: "8.0.32", databases: databases}
	registry := adapter.NewRegistry()
	registry.RegisterDatabase("fake", db)

	baseDir := t.TempDir()
	local, err := storage.NewLocal(storage.LocalConfig{BasePath: baseDir})
	require.NoError(t, err)
	registry.RegisterStorage("dest", local)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := &fakeConfig{
		jobs:    map[string]*Job{job.ID: job},
		sources: map[string]adapter.DatabaseConfig{"src": {Host: "db.local", Port: 3306, Username: "root", Databases: databases}},
	}
	store := NewMemoryStore()
	keys := &fixedKeys{key: key}

	restoreSvc := NewRestoreService(store, cfg, registry, keys, nil, nil, t.TempDir())
	restoreSvc.Submit = func(task func()) { task() }

	return &backupFixture{
		runner:   NewRunner(store, cfg, registry, keys, nil, nil, t.TempDir()),
		restore:  restoreSvc,
		store:    store,
		db:       db,
		baseDir:  baseDir,
		registry: registry,
		config:   cfg,
		key:      key,
	}
}

func (f *backupFixture) execution(t *testing.T, id string) *Execution {
	t.Helper()
	exec, err := f.store.Get(id)
	require.NoError(t, err)
	return exec
}

func (f *backupFixture) sidecar(t *testing.T, remotePath string) BackupMetadata {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.baseDir, remotePath+SidecarSuffix))
	require.NoError(t, err)
	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	return meta
}

func TestRunJobSingleDatabase(t *testing.T) {
	job := &Job{ID: "j1", Name: "nightly", Source: "src", Destination: "dest",
		Enabled: true, Compression: compression.CodecNone}
	f := newBackupFixture(t, job, []string{"appdb"})

	id := f.runner.RunJob(context.Background(), "j1")
	exec := f.execution(t, id)

	require.Equal(t, StatusSuccess, exec.Status, "log: %+v", exec.Log)
	assert.Equal(t, ExecutionBackup, exec.Type)
	assert.NotNil(t, exec.EndedAt)
	assert.Equal(t, float64(100), exec.Progress.Percent)

	// Artifact landed under <jobName>/ and matches the dump.
	data, err := os.ReadFile(filepath.Join(f.baseDir, exec.RemotePath))
	require.NoError(t, err)
	assert.Equal(t, dumpContent("appdb"), string(data))

	meta := f.sidecar(t, exec.RemotePath)
	assert.Equal(t, MetadataVersion, meta.Version)
	assert.Equal(t, "nightly", meta.JobName)
	assert.False(t, meta.Composite)
	assert.Equal(t, 1, meta.Databases.Count)
	assert.Equal(t, "8.0.32", meta.EngineVersion)
	assert.Equal(t, checksum.Sum(data), meta.Checksum)
	assert.False(t, meta.Encryption.Enabled)

	// Local destination triggers post-upload verification.
	var verified bool
	for _, entry := range exec.Log {
		if entry.Stage == StageVerify {
			verified = true
		}
	}
	assert.True(t, verified)
}

func TestRunJobTwoDatabasesProducesComposite(t *testing.T) {
	job := &Job{ID: "j1", Name: "multi", Source: "src", Destination: "dest",
		Enabled: true, Compression: compression.CodecNone}
	f := newBackupFixture(t, job, []string{"users", "orders"})

	id := f.runner.RunJob(context.Background(), "j1")
	exec := f.execution(t, id)
	require.Equal(t, StatusSuccess, exec.Status, "log: %+v", exec.Log)

	meta := f.sidecar(t, exec.RemotePath)
	assert.True(t, meta.Composite)
	assert.Equal(t, 2, meta.Databases.Count)
	assert.ElementsMatch(t, []string{"users", "orders"}, meta.Databases.Names)

	// The artifact is one archive whose manifest lists exactly the two
	// databases.
	manifest, err := archive.Inspect(filepath.Join(f.baseDir, exec.RemotePath))
	require.NoError(t, err)
	require.Len(t, manifest.Databases, 2)
	names := []string{manifest.Databases[0].Name, manifest.Databases[1].Name}
	assert.ElementsMatch(t, []string{"users", "orders"}, names)
}

func TestRunJobCompressedAndEncrypted(t *testing.T) {
	job := &Job{ID: "j1", Name: "secure", Source: "src", Destination: "dest",
		Enabled: true, Compression: compression.CodecGzip, ProfileID: "prof"}
	f := newBackupFixture(t, job, []string{"appdb"})

	id := f.runner.RunJob(context.Background(), "j1")
	exec := f.execution(t, id)
	require.Equal(t, StatusSuccess, exec.Status, "log: %+v", exec.Log)

	assert.Contains(t, exec.RemotePath, ".sql.gz.enc")

	meta := f.sidecar(t, exec.RemotePath)
	assert.True(t, meta.Encryption.Enabled)
	assert.Equal(t, "prof", meta.Encryption.ProfileID)
	assert.Equal(t, "aes-256-gcm", meta.Encryption.Algorithm)
	assert.Len(t, meta.Encryption.IV, 24)      // 12 bytes hex
	assert.Len(t, meta.Encryption.AuthTag, 32) // 16 bytes hex
	assert.Equal(t, compression.CodecGzip, meta.Compression)

	// Ciphertext is opaque: no plaintext leaks into the artifact.
	data, err := os.ReadFile(filepath.Join(f.baseDir, exec.RemotePath))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "CREATE TABLE")
	assert.Equal(t, checksum.Sum(data), meta.Checksum)
}

func TestRunJobDumpFailure(t *testing.T) {
	job := &Job{ID: "j1", Name: "nightly", Source: "src", Destination: "dest", Enabled: true}
	f := newBackupFixture(t, job, []string{"appdb"})
	f.db.dumpErr = errors.New("mysqldump: Got error: 1045: Access denied")

	id := f.runner.RunJob(context.Background(), "j1")
	exec := f.execution(t, id)

	require.Equal(t, StatusFailed, exec.Status)
	assert.NotNil(t, exec.EndedAt)
	assert.NotEmpty(t, exec.Error)

	var sawError bool
	for _, entry := range exec.Log {
		if entry.Level == LogError {
			sawError = true
		}
	}
	assert.True(t, sawError, "failed run must carry an error log entry")
}

func TestRunJobUnknownJob(t *testing.T) {
	job := &Job{ID: "j1", Name: "nightly", Source: "src", Destination: "dest", Enabled: true}
	f := newBackupFixture(t, job, []string{"appdb"})

	id := f.runner.RunJob(context.Background(), "no-such-job")
	exec := f.execution(t, id)
	require.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "not found")
}

func TestRunJobNeverReturnsBeforeTerminal(t *testing.T) {
	job := &Job{ID: "j1", Name: "nightly", Source: "src", Destination: "dest", Enabled: true}
	f := newBackupFixture(t, job, []string{"appdb"})

	id := f.runner.RunJob(context.Background(), "j1")
	exec := f.execution(t, id)
	assert.True(t, exec.Status.Terminal())
}
