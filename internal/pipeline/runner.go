package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"backupd/internal/adapter"
	"backupd/internal/checksum"
	"backupd/internal/compression"
	"backupd/internal/crypto"
	"backupd/internal/logging"
)

// EncSuffix marks encrypted artifacts in the remote naming convention.
const EncSuffix = ".enc"

// Stage labels recorded into execution progress.
const (
	StagePrepare   = "prepare"
	StageDump      = "dump"
	StageTransform = "transform"
	StageChecksum  = "checksum"
	StageUpload    = "upload"
	StageVerify    = "verify"
	StageDone      = "done"
)

// ConfigStore resolves job definitions and decrypted database source
// configurations by opaque id. Implementations own persistence; the
// pipeline only reads.
type ConfigStore interface {
	Job(id string) (*Job, error)
	// DatabaseSource returns the engine kind and decrypted connection
	// configuration for a source id.
	DatabaseSource(id string) (string, *adapter.DatabaseConfig, error)
}

// KeySource serves plaintext master keys by encryption profile id.
type KeySource interface {
	Open(profileID string) ([]byte, error)
}

// Runner executes backup jobs end to end.
type Runner struct {
	store    Store
	config   ConfigStore
	registry *adapter.Registry
	keys     KeySource
	notifier Notifier
	logger   *logging.Logger
	tempRoot string
}

// NewRunner wires a Runner. tempRoot may be empty to use the system
// temp directory; notifier may be nil.
func NewRunner(store Store, config ConfigStore, registry *adapter.Registry, keys KeySource, notifier Notifier, logger *logging.Logger, tempRoot string) *Runner {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Runner{
		store:    store,
		config:   config,
		registry: registry,
		keys:     keys,
		notifier: notifier,
		logger:   logger,
		tempRoot: tempRoot,
	}
}

// RunJob executes exactly one backup execution for jobID and returns
// the execution id. It never returns an error: every failure is
// captured into the execution record.
func (r *Runner) RunJob(ctx context.Context, jobID string) string {
	exec := &Execution{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Type:      ExecutionBackup,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
		Progress:  Progress{Stage: StagePrepare},
	}
	if err := r.store.Create(exec); err != nil {
		r.logger.Errorf("failed to create execution for job %s: %v", jobID, err)
		return exec.ID
	}

	t := newTracker(r.store, exec.ID)
	r.runBackup(ctx, t, jobID)
	return exec.ID
}

func (r *Runner) runBackup(ctx context.Context, t *tracker, jobID string) {
	var jobName string
	defer func() {
		if p := recover(); p != nil {
			t.fail(StagePrepare, NewBackupError(fmt.Sprintf("pipeline panicked: %v", p), nil))
			r.notifier.Notify(EventBackupFailed, map[string]interface{}{
				"execution_id": t.id, "job_id": jobID, "job_name": jobName,
			})
		}
	}()

	// Prepare: resolve job, adapters and key material.
	t.start(StagePrepare)
	job, err := r.config.Job(jobID)
	if err != nil {
		t.fail(StagePrepare, NewConfigurationError(fmt.Sprintf("job %s not found", jobID), err))
		r.notifyFailed(t.id, jobID, jobName)
		return
	}
	jobName = job.Name
	t.setJob(job)

	kind, dbCfg, err := r.config.DatabaseSource(job.Source)
	if err != nil {
		t.fail(StagePrepare, NewConfigurationError(fmt.Sprintf("source %s is not configured", job.Source), err))
		r.notifyFailed(t.id, jobID, jobName)
		return
	}
	db, err := r.registry.Database(kind)
	if err != nil {
		t.fail(StagePrepare, NewConfigurationError(fmt.Sprintf("no database adapter for kind %s", kind), err))
		r.notifyFailed(t.id, jobID, jobName)
		return
	}
	store, err := r.registry.Storage(job.Destination)
	if err != nil {
		t.fail(StagePrepare, NewConfigurationError(fmt.Sprintf("no storage target %s", job.Destination), err))
		r.notifyFailed(t.id, jobID, jobName)
		return
	}

	var key []byte
	if job.ProfileID != "" {
		key, err = r.keys.Open(job.ProfileID)
		if err != nil {
			t.fail(StagePrepare, NewEncryptionError(
				fmt.Sprintf("failed to open encryption profile %s", job.ProfileID), err))
			r.notifyFailed(t.id, jobID, jobName)
			return
		}
	}

	tmpDir, err := os.MkdirTemp(r.tempRoot, "backupd-run-")
	if err != nil {
		t.fail(StagePrepare, NewBackupError("failed to create working directory", err))
		r.notifyFailed(t.id, jobID, jobName)
		return
	}
	defer os.RemoveAll(tmpDir)

	// Dump.
	t.start(StageDump)
	stopSampling := r.sampleDirSize(tmpDir, t)
	dump, err := db.Dump(ctx, *dbCfg, tmpDir, t.adapterLog(StageDump))
	stopSampling()
	if err != nil {
		t.fail(StageDump, NewBackupError("database dump failed", adapter.SanitizeError(err, dbCfg.Password)))
		r.notifyFailed(t.id, jobID, jobName)
		return
	}
	t.logf(LogInfo, StageDump, "dumped %d database(s), %d bytes", len(dump.Databases), dump.Size)

	// Transform: compress then encrypt, single streaming pass.
	t.start(StageTransform)
	artifactPath, encMeta, err := r.transform(dump.Path, tmpDir, job.Compression, job.ProfileID, key, t)
	if err != nil {
		t.fail(StageTransform, err)
		r.notifyFailed(t.id, jobID, jobName)
		return
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		t.fail(StageTransform, NewBackupError("failed to stat artifact", err))
		r.notifyFailed(t.id, jobID, jobName)
		return
	}
	artifactSize := info.Size()

	// Checksum the final post-transform bytes.
	t.start(StageChecksum)
	digest, err := checksum.File(artifactPath)
	if err != nil {
		t.fail(StageChecksum, NewBackupError("failed to checksum artifact", err))
		r.notifyFailed(t.id, jobID, jobName)
		return
	}
	t.logf(LogInfo, StageChecksum, "artifact checksum %s", digest)

	meta := BackupMetadata{
		Version:       MetadataVersion,
		JobID:         job.ID,
		JobName:       job.Name,
		SourceType:    db.Kind(),
		Databases:     DatabaseMetadata{Count: len(dump.Databases), Names: dump.Databases},
		EngineVersion: dump.EngineVersion,
		CreatedAt:     time.Now().UTC(),
		Compression:   job.Compression,
		Encryption:    encMeta,
		Checksum:      digest,
		Composite:     dump.Composite,
		Size:          artifactSize,
	}

	// Upload: sidecar first, then the artifact.
	t.start(StageUpload)
	remotePath := RemoteArtifactPath(job.Name, dump, job.Compression, key != nil)
	if err := r.upload(ctx, store, artifactPath, remotePath, meta, tmpDir, t); err != nil {
		t.fail(StageUpload, err)
		r.notifyFailed(t.id, jobID, jobName)
		return
	}

	// Verify: local destinations only. Remote backends already
	// guarantee transport integrity and a re-download would be
	// prohibitively expensive.
	if store.Kind() == "local" {
		t.start(StageVerify)
		if err := r.verify(ctx, store, remotePath, digest, tmpDir); err != nil {
			t.fail(StageVerify, err)
			r.notifyFailed(t.id, jobID, jobName)
			return
		}
		t.logf(LogInfo, StageVerify, "artifact verified after write")
	}

	t.succeed(remotePath, artifactSize)
	r.notifier.Notify(EventBackupCompleted, map[string]interface{}{
		"execution_id": t.id,
		"job_id":       job.ID,
		"job_name":     job.Name,
		"remote_path":  remotePath,
		"size":         artifactSize,
		"databases":    dump.Databases,
	})
}

// RemoteArtifactPath builds the remote name for an artifact:
// <jobName>/<generated>[.codecExt][.enc].
func RemoteArtifactPath(jobName string, dump *adapter.DumpResult, codec compression.Codec, encrypted bool) string {
	ext := "sql"
	if dump.Composite {
		ext = "tar"
	}
	name := fmt.Sprintf("%s-%s.%s", jobName, time.Now().UTC().Format("20060102-150405"), ext)
	name += compression.Ext(codec)
	if encrypted {
		name += EncSuffix
	}
	return jobName + "/" + name
}

// transform streams the dump once through the optional compression and
// encryption stages. With neither configured the dump itself is the
// artifact.
func (r *Runner) transform(dumpPath, tmpDir string, codec compression.Codec, profileID string, key []byte, t *tracker) (string, EncryptionMetadata, error) {
	encMeta := EncryptionMetadata{Enabled: key != nil}
	if key == nil && codec == compression.CodecNone {
		t.logf(LogInfo, StageTransform, "no transform configured")
		return dumpPath, encMeta, nil
	}

	src, err := os.Open(dumpPath)
	if err != nil {
		return "", encMeta, NewBackupError("failed to open dump", err)
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		return "", encMeta, NewBackupError("failed to stat dump", err)
	}

	outPath := filepath.Join(tmpDir, "artifact.bin")
	out, err := os.Create(outPath)
	if err != nil {
		return "", encMeta, NewBackupError("failed to create artifact file", err)
	}
	defer out.Close()

	var sink io.Writer = out
	var enc *crypto.EncryptWriter
	if key != nil {
		enc, err = crypto.NewEncryptWriter(key, sink)
		if err != nil {
			return "", encMeta, NewEncryptionError("failed to initialize encryption stream", err)
		}
		sink = enc
	}
	cw, err := compression.NewWriter(codec, sink)
	if err != nil {
		return "", encMeta, NewBackupError("failed to initialize compression stream", err)
	}
	if cw != nil {
		sink = cw
	}

	if _, err := io.Copy(sink, t.progressReader(src, srcInfo.Size(), StageTransform)); err != nil {
		return "", encMeta, NewBackupError("transform failed", err)
	}
	if cw != nil {
		if err := cw.Close(); err != nil {
			return "", encMeta, NewBackupError("failed to finalize compression stream", err)
		}
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return "", encMeta, NewEncryptionError("failed to finalize encryption stream", err)
		}
	}
	if err := out.Close(); err != nil {
		return "", encMeta, NewBackupError("failed to finalize artifact file", err)
	}

	if enc != nil {
		tag, err := enc.Tag()
		if err != nil {
			return "", encMeta, NewEncryptionError("authentication tag unavailable", err)
		}
		encMeta.ProfileID = profileID
		encMeta.Algorithm = "aes-256-gcm"
		encMeta.IV = hex.EncodeToString(enc.IV())
		encMeta.AuthTag = hex.EncodeToString(tag)
	}
	return outPath, encMeta, nil
}

func (r *Runner) upload(ctx context.Context, store adapter.Storage, artifactPath, remotePath string, meta BackupMetadata, tmpDir string, t *tracker) error {
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return NewBackupError("failed to encode sidecar metadata", err)
	}
	sidecarPath := filepath.Join(tmpDir, "sidecar.meta")
	if err := os.WriteFile(sidecarPath, sidecar, 0o600); err != nil {
		return NewBackupError("failed to write sidecar metadata", err)
	}

	started := time.Now()
	if err := store.Upload(ctx, sidecarPath, remotePath+SidecarSuffix, nil); err != nil {
		return NewStorageError("sidecar upload failed", err)
	}
	if err := store.Upload(ctx, artifactPath, remotePath, t.progressFunc(StageUpload)); err != nil {
		return NewStorageError("artifact upload failed", err)
	}
	r.logger.LogUpload(store.Kind(), remotePath, meta.Size, time.Since(started), nil)
	return nil
}

func (r *Runner) verify(ctx context.Context, store adapter.Storage, remotePath, expected, tmpDir string) error {
	verifyPath := filepath.Join(tmpDir, "verify.bin")
	if err := store.Download(ctx, remotePath, verifyPath, nil); err != nil {
		return NewStorageError("verification download failed", err)
	}
	result, err := checksum.VerifyFile(verifyPath, expected)
	if err != nil {
		return NewStorageError("verification read failed", err)
	}
	if !result.Valid {
		return NewIntegrityError(
			fmt.Sprintf("stored artifact checksum mismatch: expected %s, got %s", result.Expected, result.Actual), nil)
	}
	return nil
}

// sampleDirSize emits coarse dump progress by sizing the working
// directory once per second until stopped.
func (r *Runner) sampleDirSize(dir string, t *tracker) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				var size int64
				filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
					if err != nil || d.IsDir() {
						return nil
					}
					if info, err := d.Info(); err == nil {
						size += info.Size()
					}
					return nil
				})
				t.logf(LogInfo, StageDump, "dump in progress, %d bytes written", size)
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (r *Runner) notifyFailed(executionID, jobID, jobName string) {
	r.notifier.Notify(EventBackupFailed, map[string]interface{}{
		"execution_id": executionID,
		"job_id":       jobID,
		"job_name":     jobName,
	})
}
