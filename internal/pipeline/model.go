package pipeline

import (
	"time"

	"backupd/internal/compression"
)

// ExecutionType distinguishes backup runs from restore runs.
type ExecutionType string

const (
	ExecutionBackup  ExecutionType = "backup"
	ExecutionRestore ExecutionType = "restore"
)

// Status is the lifecycle state of an execution. Transitions are
// forward-only: Pending → Running → {Success, Failed}. A terminal
// status never changes again.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// canTransition encodes the forward-only status machine.
func (s Status) canTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSuccess || to == StatusFailed
	default:
		return false
	}
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry is one append-only record in an execution's log sequence.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Progress is the coarse advancement of a run through its stages.
type Progress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
}

// Execution is one concrete run of a backup or restore job. It is
// created at run start and mutated only by the owning pipeline.
type Execution struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	JobName    string        `json:"job_name"`
	Type       ExecutionType `json:"type"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	RemotePath string        `json:"remote_path,omitempty"`
	Size       int64         `json:"size,omitempty"`
	Error      string        `json:"error,omitempty"`
	Progress   Progress      `json:"progress"`
	Log        []LogEntry    `json:"log"`
}

// Job describes a configured backup job. Jobs are owned by external
// configuration; the pipeline only reads them.
type Job struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Source      string            `yaml:"source" json:"source"`
	Destination string            `yaml:"destination" json:"destination"`
	Schedule    string            `yaml:"schedule" json:"schedule"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Compression compression.Codec `yaml:"compression" json:"compression"`
	ProfileID   string            `yaml:"encryption_profile,omitempty" json:"encryption_profile,omitempty"`
	Notify      []string          `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// MetadataVersion is the sidecar schema version.
const MetadataVersion = 1

// EncryptionMetadata records the parameters needed to reverse an
// encrypted artifact. IV and AuthTag are hex encoded.
type EncryptionMetadata struct {
	Enabled   bool   `json:"enabled"`
	ProfileID string `json:"profile_id,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	IV        string `json:"iv,omitempty"`
	AuthTag   string `json:"auth_tag,omitempty"`
}

// DatabaseMetadata describes which databases the artifact contains.
type DatabaseMetadata struct {
	Count int      `json:"count"`
	Names []string `json:"names"`
}

// BackupMetadata is the sidecar document written next to every
// artifact. Checksum always describes the final post-transform bytes;
// the auth tag is known only after the full plaintext has been
// consumed, so the sidecar is written at stream finalization.
type BackupMetadata struct {
	Version       int                `json:"version"`
	JobID         string             `json:"job_id"`
	JobName       string             `json:"job_name"`
	SourceType    string             `json:"source_type"`
	Databases     DatabaseMetadata   `json:"databases"`
	EngineVersion string             `json:"engine_version,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	Compression   compression.Codec  `json:"compression"`
	Encryption    EncryptionMetadata `json:"encryption"`
	Checksum      string             `json:"checksum"`
	Composite     bool               `json:"composite"`
	Size          int64              `json:"size"`
}

// SidecarSuffix is appended to the artifact's remote path to form the
// sidecar path.
const SidecarSuffix = ".meta"
