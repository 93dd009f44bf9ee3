// Package mysqladp implements the database adapter for MySQL and
// MariaDB servers. Dumps and restores shell out to mysqldump and the
// mysql client; probes and database enumeration use the native driver.
package mysqladp

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"backupd/internal/adapter"
	"backupd/internal/archive"
)

// System schemas are never part of an "all databases" dump.
var systemSchemas = map[string]struct{}{
	"information_schema": {},
	"performance_schema": {},
	"mysql":              {},
	"sys":                {},
}

var identifierRe = regexp.MustCompile(`^[0-9a-zA-Z$_]+$`)

// Adapter implements adapter.Database for MySQL.
type Adapter struct {
	// DumpCommand and ClientCommand allow overriding the binaries,
	// mainly for tests.
	DumpCommand   string
	ClientCommand string

	// openDB overrides driver connection setup in tests.
	openDB func(dsn string) (*sql.DB, error)
}

// New returns a MySQL adapter using the standard client binaries.
func New() *Adapter {
	return &Adapter{DumpCommand: "mysqldump", ClientCommand: "mysql"}
}

func (a *Adapter) Kind() string { return "mysql" }

func (a *Adapter) dsn(cfg adapter.DatabaseConfig, database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=5s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, database)
}

func (a *Adapter) open(cfg adapter.DatabaseConfig) (*sql.DB, error) {
	if a.openDB != nil {
		return a.openDB(a.dsn(cfg, ""))
	}
	db, err := sql.Open("mysql", a.dsn(cfg, ""))
	if err != nil {
		return nil, adapter.SanitizeError(err, cfg.Password)
	}
	return db, nil
}

// Test probes connectivity and returns the server version for
// compatibility gating.
func (a *Adapter) Test(ctx context.Context, cfg adapter.DatabaseConfig) (*adapter.TestResult, error) {
	db, err := a.open(cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return &adapter.TestResult{
			OK:      false,
			Message: adapter.SanitizeText(err.Error(), cfg.Password),
		}, nil
	}

	return &adapter.TestResult{
		OK:      true,
		Message: fmt.Sprintf("connected to %s:%d", cfg.Host, cfg.Port),
		Version: version,
	}, nil
}

// ListDatabases enumerates user databases, excluding system schemas.
func (a *Adapter) ListDatabases(ctx context.Context, cfg adapter.DatabaseConfig) ([]string, error) {
	db, err := a.open(cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, adapter.SanitizeError(err, cfg.Password)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if _, system := systemSchemas[name]; system {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// resolveDatabases expands the config's selection into concrete names.
func (a *Adapter) resolveDatabases(ctx context.Context, cfg adapter.DatabaseConfig) ([]string, error) {
	if len(cfg.Databases) > 0 {
		return cfg.Databases, nil
	}
	names, err := a.ListDatabases(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no user databases found on %s:%d", cfg.Host, cfg.Port)
	}
	return names, nil
}

// Dump produces one artifact: a plain dump for a single database, a
// composite archive for several.
func (a *Adapter) Dump(ctx context.Context, cfg adapter.DatabaseConfig, destDir string, onLog adapter.LogFunc) (*adapter.DumpResult, error) {
	databases, err := a.resolveDatabases(ctx, cfg)
	if err != nil {
		return nil, err
	}

	version := ""
	if probe, err := a.Test(ctx, cfg); err == nil && probe.OK {
		version = probe.Version
	}

	var dumpPaths []string
	for _, name := range databases {
		path := filepath.Join(destDir, name+".sql")
		if onLog != nil {
			onLog("info", fmt.Sprintf("dumping database %s", name))
		}
		if err := a.dumpOne(ctx, cfg, name, path); err != nil {
			return nil, err
		}
		dumpPaths = append(dumpPaths, path)
	}

	if len(databases) == 1 {
		info, err := os.Stat(dumpPaths[0])
		if err != nil {
			return nil, err
		}
		return &adapter.DumpResult{
			Path:          dumpPaths[0],
			Size:          info.Size(),
			Databases:     databases,
			EngineVersion: version,
		}, nil
	}

	// Multiple databases bundle into a single composite archive so
	// the caller always sees one atomic artifact.
	entries := make([]archive.BuildEntry, len(databases))
	for i, name := range databases {
		entries[i] = archive.BuildEntry{Name: name, Path: dumpPaths[i], Format: "sql"}
	}
	archivePath := filepath.Join(destDir, "databases.tar")
	if _, err := archive.Build(archivePath, a.Kind(), version, entries); err != nil {
		return nil, err
	}
	for _, p := range dumpPaths {
		os.Remove(p)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, err
	}
	return &adapter.DumpResult{
		Path:          archivePath,
		Size:          info.Size(),
		Databases:     databases,
		Composite:     true,
		EngineVersion: version,
	}, nil
}

func (a *Adapter) dumpOne(ctx context.Context, cfg adapter.DatabaseConfig, database, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer out.Close()

	args := []string{
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--user", cfg.Username,
		"--single-transaction",
		"--routines",
		"--triggers",
		database,
	}
	cmd := exec.CommandContext(ctx, a.DumpCommand, args...)
	// The password travels via the environment, never argv.
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+cfg.Password)
	cmd.Stdout = out

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("mysqldump failed for %s: %s", database,
			adapter.SanitizeText(strings.TrimSpace(stderr.String()), cfg.Password))
	}
	return out.Close()
}

// PrepareRestore validates target database names before any
// destructive work starts.
func (a *Adapter) PrepareRestore(ctx context.Context, cfg adapter.DatabaseConfig, dbNames []string) error {
	if len(dbNames) == 0 {
		return fmt.Errorf("no target databases named for restore")
	}
	for _, name := range dbNames {
		if !identifierRe.MatchString(name) {
			return fmt.Errorf("invalid target database name %q", name)
		}
	}
	return nil
}

// Restore applies a plain dump or composite archive, honoring the
// rename mapping and target override.
func (a *Adapter) Restore(ctx context.Context, cfg adapter.DatabaseConfig, artifactPath string, opts adapter.RestoreOptions, onLog adapter.LogFunc, onProgress adapter.ProgressFunc) error {
	manifest, err := archive.Inspect(artifactPath)
	switch {
	case err == nil:
		return a.restoreComposite(ctx, cfg, artifactPath, manifest, opts, onLog, onProgress)
	case errors.Is(err, archive.ErrNoManifest):
		return a.restorePlain(ctx, cfg, artifactPath, opts, onLog, onProgress)
	default:
		return err
	}
}

func (a *Adapter) restoreComposite(ctx context.Context, cfg adapter.DatabaseConfig, artifactPath string, manifest *archive.Manifest, opts adapter.RestoreOptions, onLog adapter.LogFunc, onProgress adapter.ProgressFunc) error {
	extractDir, err := os.MkdirTemp(filepath.Dir(artifactPath), "extract-*")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(extractDir)

	if _, err := archive.Extract(artifactPath, extractDir); err != nil {
		return err
	}

	var targets []string
	for _, db := range manifest.Databases {
		if archive.ShouldRestoreDatabase(db.Name, opts.Mapping) {
			targets = append(targets, archive.TargetDatabaseName(db.Name, opts.Mapping))
		}
	}
	if err := a.PrepareRestore(ctx, cfg, targets); err != nil {
		return err
	}

	var total int64
	for _, db := range manifest.Databases {
		if archive.ShouldRestoreDatabase(db.Name, opts.Mapping) {
			total += db.Size
		}
	}

	var done int64
	for _, db := range manifest.Databases {
		if !archive.ShouldRestoreDatabase(db.Name, opts.Mapping) {
			continue
		}
		target := archive.TargetDatabaseName(db.Name, opts.Mapping)
		if onLog != nil {
			onLog("info", fmt.Sprintf("restoring database %s into %s", db.Name, target))
		}
		if err := a.restoreOne(ctx, cfg, filepath.Join(extractDir, db.Filename), target); err != nil {
			return err
		}
		done += db.Size
		if onProgress != nil {
			onProgress(done, total)
		}
	}
	return nil
}

func (a *Adapter) restorePlain(ctx context.Context, cfg adapter.DatabaseConfig, artifactPath string, opts adapter.RestoreOptions, onLog adapter.LogFunc, onProgress adapter.ProgressFunc) error {
	target := opts.TargetDatabase
	if target == "" && len(cfg.Databases) == 1 {
		target = cfg.Databases[0]
	}
	if target == "" {
		return fmt.Errorf("a target database is required to restore a plain dump")
	}
	if err := a.PrepareRestore(ctx, cfg, []string{target}); err != nil {
		return err
	}
	if onLog != nil {
		onLog("info", fmt.Sprintf("restoring plain dump into %s", target))
	}
	if err := a.restoreOne(ctx, cfg, artifactPath, target); err != nil {
		return err
	}
	if onProgress != nil {
		if info, err := os.Stat(artifactPath); err == nil {
			onProgress(info.Size(), info.Size())
		}
	}
	return nil
}

func (a *Adapter) restoreOne(ctx context.Context, cfg adapter.DatabaseConfig, dumpPath, database string) error {
	in, err := os.Open(dumpPath)
	if err != nil {
		return fmt.Errorf("failed to open dump %s: %w", dumpPath, err)
	}
	defer in.Close()

	if err := a.ensureDatabase(ctx, cfg, database); err != nil {
		return err
	}

	args := []string{
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--user", cfg.Username,
		database,
	}
	cmd := exec.CommandContext(ctx, a.ClientCommand, args...)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+cfg.Password)
	cmd.Stdin = in

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = io.Discard

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mysql restore failed for %s: %s", database,
			adapter.SanitizeText(strings.TrimSpace(stderr.String()), cfg.Password))
	}
	return nil
}

func (a *Adapter) ensureDatabase(ctx context.Context, cfg adapter.DatabaseConfig, database string) error {
	db, err := a.open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Identifier validity is enforced by PrepareRestore; backticks
	// guard reserved words.
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database))
	if err != nil {
		return adapter.SanitizeError(err, cfg.Password)
	}
	return nil
}
