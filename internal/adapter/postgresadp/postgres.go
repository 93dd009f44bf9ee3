// Package postgresadp implements the database adapter for PostgreSQL
// servers. Dumps and restores shell out to pg_dump and psql; probes and
// database enumeration use the pgx driver.
package postgresadp

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

	_ "github.com/jackc/pgx/v5/stdlib"

	"backupd/internal/adapter"
	"backupd/internal/archive"
)

var identifierRe = regexp.MustCompile(`^[0-9a-z_][0-9a-z_$]*$`)

// versionRe pulls the numeric version out of "PostgreSQL 15.4 on ...".
var versionRe = regexp.MustCompile(`PostgreSQL ([0-9]+(?:\.[0-9]+)*)`)

// Adapter implements adapter.Database for PostgreSQL.
type Adapter struct {
	DumpCommand   string
	ClientCommand string

	openDB func(dsn string) (*sql.DB, error)
}

// New returns a PostgreSQL adapter using the standard client binaries.
func New() *Adapter {
	return &Adapter{DumpCommand: "pg_dump", ClientCommand: "psql"}
}

func (a *Adapter) Kind() string { return "postgres" }

func (a *Adapter) dsn(cfg adapter.DatabaseConfig, database string) string {
	if database == "" {
		database = "postgres"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?connect_timeout=5",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, database)
}

func (a *Adapter) open(cfg adapter.DatabaseConfig) (*sql.DB, error) {
	if a.openDB != nil {
		return a.openDB(a.dsn(cfg, ""))
	}
	db, err := sql.Open("pgx", a.dsn(cfg, ""))
	if err != nil {
		return nil, adapter.SanitizeError(err, cfg.Password)
	}
	return db, nil
}

// Test probes connectivity and extracts the server version.
func (a *Adapter) Test(ctx context.Context, cfg adapter.DatabaseConfig) (*adapter.TestResult, error) {
	db, err := a.open(cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var banner string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&banner); err != nil {
		return &adapter.TestResult{
			OK:      false,
			Message: adapter.SanitizeText(err.Error(), cfg.Password),
		}, nil
	}

	version := banner
	if m := versionRe.FindStringSubmatch(banner); m != nil {
		version = m[1]
	}
	return &adapter.TestResult{
		OK:      true,
		Message: fmt.Sprintf("connected to %s:%d", cfg.Host, cfg.Port),
		Version: version,
	}, nil
}

// ListDatabases enumerates non-template databases.
func (a *Adapter) ListDatabases(ctx context.Context, cfg adapter.DatabaseConfig) ([]string, error) {
	db, err := a.open(cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		"SELECT datname FROM pg_database WHERE datistemplate = false AND datname <> 'postgres' ORDER BY datname")
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
		names = append(names, name)
	}
	return names, rows.Err()
}

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

// Dump produces one artifact, composite when several databases are
// selected.
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
		"--username", cfg.Username,
		"--no-password",
		database,
	}
	cmd := exec.CommandContext(ctx, a.DumpCommand, args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.Password)
	cmd.Stdout = out

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("pg_dump failed for %s: %s", database,
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

// Restore applies a plain dump or composite archive.
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
	var total int64
	for _, db := range manifest.Databases {
		if archive.ShouldRestoreDatabase(db.Name, opts.Mapping) {
			targets = append(targets, archive.TargetDatabaseName(db.Name, opts.Mapping))
			total += db.Size
		}
	}
	if err := a.PrepareRestore(ctx, cfg, targets); err != nil {
		return err
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
		"--username", cfg.Username,
		"--no-password",
		"--set", "ON_ERROR_STOP=on",
		"--dbname", database,
	}
	cmd := exec.CommandContext(ctx, a.ClientCommand, args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.Password)
	cmd.Stdin = in

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = io.Discard

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("psql restore failed for %s: %s", database,
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

	var exists bool
	err = db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", database).Scan(&exists)
	if err != nil {
		return adapter.SanitizeError(err, cfg.Password)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE cannot be parameterized; identifier validity
	// is enforced by PrepareRestore.
	_, err = db.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE "%s"`, database))
	if err != nil {
		return adapter.SanitizeError(err, cfg.Password)
	}
	return nil
}
