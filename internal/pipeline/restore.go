package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"backupd/internal/adapter"
	"backupd/internal/archive"
	"backupd/internal/checksum"
	"backupd/internal/compression"
	"backupd/internal/crypto"
	"backupd/internal/logging"
)

// Restore stage labels.
const (
	StageDownload   = "download"
	StageDetect     = "detect"
	StageDecrypt    = "decrypt"
	StageDecompress = "decompress"
	StageRestore    = "restore"
)

// RestoreInput describes one restore request.
type RestoreInput struct {
	// SourceID selects the target database configuration.
	SourceID string
	// StorageID selects the storage target holding the artifact.
	StorageID string
	// RemotePath is the artifact path within the storage target.
	RemotePath string
	// Mapping selects and renames databases out of a composite archive.
	Mapping map[string]string
	// TargetDatabase overrides the destination for a plain dump.
	TargetDatabase string
	// Credentials optionally replaces the configured connection with
	// elevated ones for the restore.
	Credentials *adapter.DatabaseConfig
}

// RestoreService reverses the backup pipeline.
type RestoreService struct {
	store    Store
	config   ConfigStore
	registry *adapter.Registry
	keys     KeySource
	notifier Notifier
	logger   *logging.Logger
	tempRoot string

	// Submit runs the background portion of a restore. Defaults to a
	// plain goroutine; the scheduler wires its worker pool in so
	// restores count against the same concurrency ceiling.
	Submit func(task func())
}

// NewRestoreService wires a RestoreService.
func NewRestoreService(store Store, config ConfigStore, registry *adapter.Registry, keys KeySource, notifier Notifier, logger *logging.Logger, tempRoot string) *RestoreService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &RestoreService{
		store:    store,
		config:   config,
		registry: registry,
		keys:     keys,
		notifier: notifier,
		logger:   logger,
		tempRoot: tempRoot,
		Submit:   func(task func()) { go task() },
	}
}

// Restore creates the execution synchronously and returns its id; the
// work itself continues in the background. Progress is observable only
// through the execution record.
func (s *RestoreService) Restore(ctx context.Context, input RestoreInput) (string, error) {
	if input.RemotePath == "" {
		return "", NewConfigurationError("artifact path is required", nil)
	}
	exec := &Execution{
		ID:         uuid.New().String(),
		Type:       ExecutionRestore,
		Status:     StatusPending,
		StartedAt:  time.Now().UTC(),
		RemotePath: input.RemotePath,
		Progress:   Progress{Stage: StagePrepare},
	}
	if err := s.store.Create(exec); err != nil {
		return "", err
	}

	t := newTracker(s.store, exec.ID)
	s.Submit(func() { s.run(ctx, t, input) })
	return exec.ID, nil
}

func (s *RestoreService) run(ctx context.Context, t *tracker, input RestoreInput) {
	defer func() {
		if p := recover(); p != nil {
			t.fail(StageRestore, NewRestoreError(fmt.Sprintf("pipeline panicked: %v", p), nil))
			s.notifyFailed(t.id, input.RemotePath)
		}
	}()

	// Prepare.
	t.start(StagePrepare)
	store, err := s.registry.Storage(input.StorageID)
	if err != nil {
		t.fail(StagePrepare, NewConfigurationError(fmt.Sprintf("no storage target %s", input.StorageID), err))
		s.notifyFailed(t.id, input.RemotePath)
		return
	}
	kind, dbCfg, err := s.config.DatabaseSource(input.SourceID)
	if err != nil {
		t.fail(StagePrepare, NewConfigurationError(fmt.Sprintf("source %s is not configured", input.SourceID), err))
		s.notifyFailed(t.id, input.RemotePath)
		return
	}
	if input.Credentials != nil {
		dbCfg = input.Credentials
	}
	db, err := s.registry.Database(kind)
	if err != nil {
		t.fail(StagePrepare, NewConfigurationError(fmt.Sprintf("no database adapter for kind %s", kind), err))
		s.notifyFailed(t.id, input.RemotePath)
		return
	}

	tmpDir, err := os.MkdirTemp(s.tempRoot, "backupd-restore-")
	if err != nil {
		t.fail(StagePrepare, NewRestoreError("failed to create working directory", err))
		s.notifyFailed(t.id, input.RemotePath)
		return
	}
	defer os.RemoveAll(tmpDir)

	// Download artifact and sidecar.
	t.start(StageDownload)
	artifactPath := filepath.Join(tmpDir, "artifact.bin")
	if err := store.Download(ctx, input.RemotePath, artifactPath, t.progressFunc(StageDownload)); err != nil {
		t.fail(StageDownload, NewStorageError("artifact download failed", err))
		s.notifyFailed(t.id, input.RemotePath)
		return
	}

	// Detect transform parameters: sidecar when readable, extension
	// heuristics otherwise.
	t.start(StageDetect)
	meta, codec, encrypted, err := s.detect(ctx, store, input.RemotePath, t)
	if err != nil {
		t.fail(StageDetect, err)
		s.notifyFailed(t.id, input.RemotePath)
		return
	}

	if meta != nil && meta.Checksum != "" {
		result, err := checksum.VerifyFile(artifactPath, meta.Checksum)
		if err != nil {
			t.fail(StageDetect, NewRestoreError("failed to checksum downloaded artifact", err))
			s.notifyFailed(t.id, input.RemotePath)
			return
		}
		if !result.Valid {
			t.fail(StageDetect, NewIntegrityError(
				fmt.Sprintf("artifact checksum mismatch: expected %s, got %s", result.Expected, result.Actual), nil))
			s.notifyFailed(t.id, input.RemotePath)
			return
		}
		t.logf(LogInfo, StageDetect, "artifact checksum verified")
	}

	// Decrypt.
	current := artifactPath
	if encrypted {
		t.start(StageDecrypt)
		current, err = s.decrypt(current, tmpDir, meta, t)
		if err != nil {
			t.fail(StageDecrypt, err)
			s.notifyFailed(t.id, input.RemotePath)
			return
		}
	}

	// Decompress.
	if codec != compression.CodecNone {
		t.start(StageDecompress)
		current, err = s.decompress(current, tmpDir, codec, t)
		if err != nil {
			t.fail(StageDecompress, err)
			s.notifyFailed(t.id, input.RemotePath)
			return
		}
	}

	// Version gate and pre-flight before destructive work.
	t.start(StageRestore)
	probe, err := db.Test(ctx, *dbCfg)
	if err != nil {
		t.fail(StageRestore, NewConnectionError("restore target is unreachable", err))
		s.notifyFailed(t.id, input.RemotePath)
		return
	}
	if meta != nil {
		if err := CheckVersionCompatibility(meta.EngineVersion, probe.Version); err != nil {
			t.fail(StageRestore, err)
			s.notifyFailed(t.id, input.RemotePath)
			return
		}
	}

	opts := adapter.RestoreOptions{Mapping: input.Mapping, TargetDatabase: input.TargetDatabase}
	if preparer, ok := db.(adapter.RestorePreparer); ok {
		if names := restoreTargets(meta, opts); len(names) > 0 {
			if err := preparer.PrepareRestore(ctx, *dbCfg, names); err != nil {
				t.fail(StageRestore, NewRestoreError("restore pre-flight failed", adapter.SanitizeError(err, dbCfg.Password)))
				s.notifyFailed(t.id, input.RemotePath)
				return
			}
		}
	}

	if err := db.Restore(ctx, *dbCfg, current, opts, t.adapterLog(StageRestore), t.progressFunc(StageRestore)); err != nil {
		t.fail(StageRestore, NewRestoreError("database restore failed", adapter.SanitizeError(err, dbCfg.Password)))
		s.notifyFailed(t.id, input.RemotePath)
		return
	}

	var size int64
	if info, err := os.Stat(current); err == nil {
		size = info.Size()
	}
	t.succeed(input.RemotePath, size)
	s.notifier.Notify(EventRestoreCompleted, map[string]interface{}{
		"execution_id": t.id,
		"remote_path":  input.RemotePath,
	})
}

// detect resolves the compression codec and encryption parameters. The
// sidecar is authoritative; when it is unreadable the artifact name is
// the fallback. An encrypted artifact without a readable sidecar is
// unrecoverable since the IV and tag cannot be reconstructed.
func (s *RestoreService) detect(ctx context.Context, store adapter.Storage, remotePath string, t *tracker) (*BackupMetadata, compression.Codec, bool, error) {
	data, err := store.Read(ctx, remotePath+SidecarSuffix)
	if err != nil {
		t.logf(LogWarning, StageDetect, "sidecar read failed: %v", err)
		data = nil
	}

	if data != nil {
		var meta BackupMetadata
		if err := json.Unmarshal(data, &meta); err == nil {
			return &meta, meta.Compression, meta.Encryption.Enabled, nil
		}
		t.logf(LogWarning, StageDetect, "sidecar is unparseable, falling back to extension detection")
	} else {
		t.logf(LogWarning, StageDetect, "sidecar missing, falling back to extension detection")
	}

	name := path.Base(remotePath)
	encrypted := strings.HasSuffix(name, EncSuffix)
	if encrypted {
		return nil, compression.CodecNone, true, NewRestoreError(
			"artifact is encrypted but its sidecar metadata is unreadable; the IV and authentication tag cannot be recovered", nil)
	}
	return nil, compression.FromExt(name), false, nil
}

func (s *RestoreService) decrypt(inPath, tmpDir string, meta *BackupMetadata, t *tracker) (string, error) {
	if meta == nil || !meta.Encryption.Enabled {
		return "", NewRestoreError("artifact is encrypted but no encryption metadata is available", nil)
	}
	key, err := s.keys.Open(meta.Encryption.ProfileID)
	if err != nil {
		return "", NewEncryptionError(
			fmt.Sprintf("failed to open encryption profile %s", meta.Encryption.ProfileID), err)
	}
	iv, err := hex.DecodeString(meta.Encryption.IV)
	if err != nil {
		return "", NewRestoreError("sidecar carries an invalid IV", err)
	}
	tag, err := hex.DecodeString(meta.Encryption.AuthTag)
	if err != nil {
		return "", NewRestoreError("sidecar carries an invalid authentication tag", err)
	}

	src, err := os.Open(inPath)
	if err != nil {
		return "", NewRestoreError("failed to open encrypted artifact", err)
	}
	defer src.Close()

	outPath := filepath.Join(tmpDir, "decrypted.bin")
	out, err := os.Create(outPath)
	if err != nil {
		return "", NewRestoreError("failed to create plaintext file", err)
	}
	defer out.Close()

	dec, err := crypto.NewDecryptWriter(key, iv, tag, out)
	if err != nil {
		return "", NewEncryptionError("failed to initialize decryption stream", err)
	}
	if _, err := io.Copy(dec, src); err != nil {
		return "", NewEncryptionError("decryption failed", err)
	}
	if err := dec.Close(); err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return "", NewIntegrityError("artifact failed authentication: corrupted or tampered with", err)
		}
		return "", NewEncryptionError("decryption failed", err)
	}
	if err := out.Close(); err != nil {
		return "", NewRestoreError("failed to finalize plaintext file", err)
	}
	t.logf(LogInfo, StageDecrypt, "artifact decrypted and authenticated")
	return outPath, nil
}

func (s *RestoreService) decompress(inPath, tmpDir string, codec compression.Codec, t *tracker) (string, error) {
	src, err := os.Open(inPath)
	if err != nil {
		return "", NewRestoreError("failed to open compressed artifact", err)
	}
	defer src.Close()

	cr, err := compression.NewReader(codec, src)
	if err != nil {
		return "", NewRestoreError("failed to initialize decompression stream", err)
	}
	if cr == nil {
		return inPath, nil
	}
	defer cr.Close()

	outPath := filepath.Join(tmpDir, "decompressed.bin")
	out, err := os.Create(outPath)
	if err != nil {
		return "", NewRestoreError("failed to create decompressed file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, cr); err != nil {
		return "", NewRestoreError("decompression failed", err)
	}
	if err := out.Close(); err != nil {
		return "", NewRestoreError("failed to finalize decompressed file", err)
	}
	t.logf(LogInfo, StageDecompress, "artifact decompressed (%s)", codec)
	return outPath, nil
}

// restoreTargets resolves the database names the restore will touch,
// for the pre-flight hook.
func restoreTargets(meta *BackupMetadata, opts adapter.RestoreOptions) []string {
	if meta == nil || meta.Databases.Count == 0 {
		if opts.TargetDatabase != "" {
			return []string{opts.TargetDatabase}
		}
		return nil
	}
	var names []string
	for _, name := range meta.Databases.Names {
		if !archive.ShouldRestoreDatabase(name, opts.Mapping) {
			continue
		}
		target := archive.TargetDatabaseName(name, opts.Mapping)
		if !meta.Composite && opts.TargetDatabase != "" {
			target = opts.TargetDatabase
		}
		names = append(names, target)
	}
	return names
}

func (s *RestoreService) notifyFailed(executionID, remotePath string) {
	s.notifier.Notify(EventRestoreFailed, map[string]interface{}{
		"execution_id": executionID,
		"remote_path":  remotePath,
	})
}
