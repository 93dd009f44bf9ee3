package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDump(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func buildTestArchive(t *testing.T, entries []BuildEntry) (string, *Manifest) {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "composite.tar")
	manifest, err := Build(dest, "mysql", "8.0.32", entries)
	require.NoError(t, err)
	return dest, manifest
}

func TestBuildExtract_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := []BuildEntry{
		{Name: "app", Path: writeDump(t, dir, "app.sql", "CREATE TABLE a (id INT);"), Format: "sql"},
		{Name: "analytics", Path: writeDump(t, dir, "analytics.sql", "CREATE TABLE b (id INT);"), Format: "sql"},
		{Name: "sessions", Path: writeDump(t, dir, "sessions.sql", ""), Format: "sql"},
	}

	archivePath, built := buildTestArchive(t, entries)
	require.Len(t, built.Databases, 3)
	assert.Equal(t, FormatVersion, built.FormatVersion)
	assert.Equal(t, "mysql", built.SourceType)
	assert.Equal(t, "8.0.32", built.EngineVersion)

	out := t.TempDir()
	manifest, err := Extract(archivePath, out)
	require.NoError(t, err)
	require.Len(t, manifest.Databases, 3)

	for i, e := range entries {
		want, err := os.ReadFile(e.Path)
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(out, manifest.Databases[i].Filename))
		require.NoError(t, err)
		assert.Equal(t, want, got, "database %s", e.Name)
		assert.Equal(t, e.Name, manifest.Databases[i].Name)
	}
}

func TestInspect_ReadsOnlyManifest(t *testing.T) {
	dir := t.TempDir()
	archivePath, built := buildTestArchive(t, []BuildEntry{
		{Name: "app", Path: writeDump(t, dir, "app.sql", "dump contents"), Format: "sql"},
		{Name: "other", Path: writeDump(t, dir, "other.sql", "more contents"), Format: "sql"},
	})

	manifest, err := Inspect(archivePath)
	require.NoError(t, err)
	assert.Equal(t, built.TotalSize, manifest.TotalSize)
	require.Len(t, manifest.Databases, 2)
	assert.Equal(t, "app", manifest.Databases[0].Name)
}

func TestExtract_PlainDumpIsNotComposite(t *testing.T) {
	dir := t.TempDir()
	plain := writeDump(t, dir, "single.sql", "-- a plain mysqldump output\nCREATE TABLE t (id INT);")

	_, err := Extract(plain, t.TempDir())
	assert.ErrorIs(t, err, ErrNoManifest)

	_, err = Inspect(plain)
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestBuild_RequiresAtLeastOneDatabase(t *testing.T) {
	_, err := Build(filepath.Join(t.TempDir(), "a.tar"), "mysql", "8.0.32", nil)
	assert.Error(t, err)
}

func TestBuild_RejectsDuplicateFilenames(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	entries := []BuildEntry{
		{Name: "a", Path: writeDump(t, dirA, "same.sql", "a"), Format: "sql"},
		{Name: "b", Path: writeDump(t, dirB, "same.sql", "b"), Format: "sql"},
	}

	_, err := Build(filepath.Join(t.TempDir(), "a.tar"), "mysql", "8.0.32", entries)
	assert.Error(t, err)
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{
			name:    "empty",
			wantErr: true,
		},
		{
			name: "valid",
			manifest: Manifest{Databases: []DatabaseEntry{
				{Name: "a", Filename: "a.sql"},
			}},
		},
		{
			name: "path separator in filename",
			manifest: Manifest{Databases: []DatabaseEntry{
				{Name: "a", Filename: "../escape.sql"},
			}},
			wantErr: true,
		},
		{
			name: "duplicate filenames",
			manifest: Manifest{Databases: []DatabaseEntry{
				{Name: "a", Filename: "same.sql"},
				{Name: "b", Filename: "same.sql"},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestShouldRestoreDatabase(t *testing.T) {
	assert.True(t, ShouldRestoreDatabase("app", nil))
	assert.True(t, ShouldRestoreDatabase("app", map[string]string{}))
	assert.True(t, ShouldRestoreDatabase("app", map[string]string{"app": "app_restored"}))
	assert.False(t, ShouldRestoreDatabase("other", map[string]string{"app": "app_restored"}))
}

func TestTargetDatabaseName(t *testing.T) {
	assert.Equal(t, "app", TargetDatabaseName("app", nil))
	assert.Equal(t, "app", TargetDatabaseName("app", map[string]string{"app": ""}))
	assert.Equal(t, "app_restored", TargetDatabaseName("app", map[string]string{"app": "app_restored"}))
	assert.Equal(t, "other", TargetDatabaseName("other", map[string]string{"app": "app_restored"}))
}
