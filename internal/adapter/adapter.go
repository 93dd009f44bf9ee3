// Package adapter defines the capability contracts over heterogeneous
// database engines and storage backends, plus the typed registry the
// runner and scheduler consume.
package adapter

import (
	"context"
	"time"
)

// LogFunc receives adapter progress messages for capture into the
// owning execution's log.
type LogFunc func(level, message string)

// ProgressFunc reports transfer progress. total is -1 when unknown.
type ProgressFunc func(transferred, total int64)

// DatabaseConfig is the decrypted connection configuration handed to a
// database adapter for one operation.
type DatabaseConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	// Databases selects what to dump: a single name, an explicit
	// list, or empty for "all databases".
	Databases []string `yaml:"databases,omitempty" json:"databases,omitempty"`
}

// DumpResult describes a completed dump.
type DumpResult struct {
	// Path is the local artifact produced: a plain dump for one
	// database, a composite archive for several.
	Path string
	// Size is the artifact size in bytes.
	Size int64
	// Databases lists the dumped database names.
	Databases []string
	// Composite is true when Path is a multi-database archive.
	Composite bool
	// EngineVersion is the source engine version, when detectable.
	EngineVersion string
}

// RestoreOptions carries the optional per-database rename mapping and
// target-database override for a restore.
type RestoreOptions struct {
	// Mapping selects and renames databases out of a composite
	// archive; nil restores everything under original names.
	Mapping map[string]string
	// TargetDatabase overrides the destination database for a plain
	// single-database dump.
	TargetDatabase string
}

// TestResult is the outcome of a connectivity probe.
type TestResult struct {
	OK      bool
	Message string
	// Version is the detected engine version, used for restore
	// compatibility gating.
	Version string
}

// Database is the capability set over one database engine.
type Database interface {
	// Kind returns the engine identifier, e.g. "mysql".
	Kind() string
	// Dump writes the selected databases into destDir and returns
	// the single resulting artifact. Multiple databases always yield
	// one composite archive, never several independent files.
	Dump(ctx context.Context, cfg DatabaseConfig, destDir string, onLog LogFunc) (*DumpResult, error)
	// Restore applies a plain dump or composite archive to the
	// target engine, honoring opts.
	Restore(ctx context.Context, cfg DatabaseConfig, artifactPath string, opts RestoreOptions, onLog LogFunc, onProgress ProgressFunc) error
	// Test performs a cheap connectivity and auth probe.
	Test(ctx context.Context, cfg DatabaseConfig) (*TestResult, error)
	// ListDatabases enumerates user databases on the server.
	ListDatabases(ctx context.Context, cfg DatabaseConfig) ([]string, error)
}

// RestorePreparer is an optional pre-flight hook a database adapter may
// implement to validate restore targets before destructive work begins.
type RestorePreparer interface {
	PrepareRestore(ctx context.Context, cfg DatabaseConfig, dbNames []string) error
}

// Object is one entry in a storage listing.
type Object struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Storage is the uniform capability set over one configured storage
// backend.
type Storage interface {
	// Kind returns the backend identifier, e.g. "s3" or "local".
	Kind() string
	// Upload pushes a local file to remotePath.
	Upload(ctx context.Context, localPath, remotePath string, onProgress ProgressFunc) error
	// Download fetches remotePath into localPath.
	Download(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) error
	// Read returns the contents of remotePath, or (nil, nil) when it
	// does not exist. Used for best-effort sidecar lookups.
	Read(ctx context.Context, remotePath string) ([]byte, error)
	// List returns a flat recursive listing under prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Delete removes remotePath.
	Delete(ctx context.Context, remotePath string) error
	// Test verifies reachability and write permission with a
	// write-then-delete round trip.
	Test(ctx context.Context) error
}
