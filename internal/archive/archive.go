// Package archive implements the composite artifact format bundling
// multiple per-database dumps into a single tar container.
//
// The manifest is always the first entry, so format detection and
// inspection never need to scan the whole archive. The absence of a
// manifest is the sole discriminator between a composite archive and a
// plain single-database dump; file extensions are never consulted.
package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ManifestFilename is the name of the embedded manifest entry.
const ManifestFilename = "manifest.json"

// FormatVersion is the current composite archive format version.
const FormatVersion = 1

// ErrNoManifest indicates the input is not a composite archive. Callers
// use it to classify an artifact as a plain single-database dump.
var ErrNoManifest = errors.New("no manifest entry: not a composite archive")

// DatabaseEntry describes one dump inside a composite archive.
type DatabaseEntry struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Format   string `json:"format"`
}

// Manifest describes the contents of a composite archive.
type Manifest struct {
	FormatVersion int             `json:"format_version"`
	SourceType    string          `json:"source_type"`
	EngineVersion string          `json:"engine_version"`
	CreatedAt     time.Time       `json:"created_at"`
	TotalSize     int64           `json:"total_size"`
	Databases     []DatabaseEntry `json:"databases"`
}

// Validate enforces the archive invariants: at least one database and
// unique filenames.
func (m *Manifest) Validate() error {
	if len(m.Databases) == 0 {
		return errors.New("composite archive must contain at least one database")
	}
	seen := make(map[string]struct{}, len(m.Databases))
	for _, db := range m.Databases {
		if db.Filename == "" {
			return fmt.Errorf("database %q has an empty filename", db.Name)
		}
		if strings.Contains(db.Filename, "/") || strings.Contains(db.Filename, "\\") {
			return fmt.Errorf("database %q filename %q must not contain path separators", db.Name, db.Filename)
		}
		if _, dup := seen[db.Filename]; dup {
			return fmt.Errorf("duplicate filename %q in archive", db.Filename)
		}
		seen[db.Filename] = struct{}{}
	}
	return nil
}

// BuildEntry names one dump file to include when building an archive.
type BuildEntry struct {
	// Name is the database name.
	Name string
	// Path is the local dump file to embed.
	Path string
	// Format labels the dump format, e.g. "sql".
	Format string
}

// Build streams the given dump files plus a generated manifest into a
// single composite archive at destPath. The manifest is written first.
func Build(destPath, sourceType, engineVersion string, entries []BuildEntry) (*Manifest, error) {
	manifest := &Manifest{
		FormatVersion: FormatVersion,
		SourceType:    sourceType,
		EngineVersion: engineVersion,
		CreatedAt:     time.Now().UTC(),
	}
	for _, e := range entries {
		info, err := os.Stat(e.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat dump for database %q: %w", e.Name, err)
		}
		manifest.Databases = append(manifest.Databases, DatabaseEntry{
			Name:     e.Name,
			Filename: filepath.Base(e.Path),
			Size:     info.Size(),
			Format:   e.Format,
		})
		manifest.TotalSize += info.Size()
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    ManifestFilename,
		Mode:    0o644,
		Size:    int64(len(manifestData)),
		ModTime: manifest.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestData); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	for i, e := range entries {
		if err := appendFile(tw, e.Path, manifest.Databases[i]); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush archive: %w", err)
	}
	return manifest, nil
}

func appendFile(tw *tar.Writer, path string, entry DatabaseEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open dump for database %q: %w", entry.Name, err)
	}
	defer f.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name:    entry.Filename,
		Mode:    0o644,
		Size:    entry.Size,
		ModTime: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to write header for %q: %w", entry.Filename, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write dump %q into archive: %w", entry.Filename, err)
	}
	return nil
}

// Inspect reads just the manifest from an archive without extracting
// any data, for cheap format and version probing on large archives.
func Inspect(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	return readManifest(tar.NewReader(f))
}

func readManifest(tr *tar.Reader) (*Manifest, error) {
	hdr, err := tr.Next()
	if err != nil {
		// Not a tar stream, or empty: classify as non-composite.
		return nil, ErrNoManifest
	}
	if hdr.Name != ManifestFilename {
		return nil, ErrNoManifest
	}

	var manifest Manifest
	if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to parse archive manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archive manifest: %w", err)
	}
	return &manifest, nil
}

// Extract parses the manifest and unpacks every listed dump file into
// destDir. It returns ErrNoManifest when the input is not a composite
// archive.
func Extract(archivePath, destDir string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	manifest, err := readManifest(tr)
	if err != nil {
		return nil, err
	}

	listed := make(map[string]struct{}, len(manifest.Databases))
	for _, db := range manifest.Databases {
		listed[db.Filename] = struct{}{}
	}

	extracted := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry: %w", err)
		}
		if _, ok := listed[hdr.Name]; !ok {
			// Entries not in the manifest are skipped, not trusted.
			continue
		}
		if err := extractFile(tr, filepath.Join(destDir, filepath.Base(hdr.Name))); err != nil {
			return nil, err
		}
		extracted++
	}

	if extracted != len(manifest.Databases) {
		return nil, fmt.Errorf("archive is incomplete: manifest lists %d databases, found %d",
			len(manifest.Databases), extracted)
	}
	return manifest, nil
}

func extractFile(r io.Reader, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("failed to extract %s: %w", destPath, err)
	}
	return out.Close()
}

// ShouldRestoreDatabase reports whether a database from the archive is
// selected for restore. With no mapping every database is restored;
// otherwise only explicitly selected names are.
func ShouldRestoreDatabase(name string, mapping map[string]string) bool {
	if len(mapping) == 0 {
		return true
	}
	_, ok := mapping[name]
	return ok
}

// TargetDatabaseName resolves the rename target for a database,
// defaulting to the original name when unmapped or mapped to "".
func TargetDatabaseName(name string, mapping map[string]string) string {
	if target, ok := mapping[name]; ok && target != "" {
		return target
	}
	return name
}
