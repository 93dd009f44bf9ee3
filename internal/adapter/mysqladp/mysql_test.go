package mysqladp

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupd/internal/adapter"
	"backupd/internal/archive"
)

func mockedAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a := New()
	a.openDB = func(string) (*sql.DB, error) { return db, nil }
	return a, mock
}

var testCfg = adapter.DatabaseConfig{
	Host:     "db.internal",
	Port:     3306,
	Username: "backup",
	Password: "hunter2",
}

func TestTest_ReportsVersion(t *testing.T) {
	a, mock := mockedAdapter(t)
	mock.ExpectQuery("SELECT VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.32"))

	res, err := a.Test(context.Background(), testCfg)

	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "8.0.32", res.Version)
}

func TestTest_FailedProbeIsNotAnError(t *testing.T) {
	a, mock := mockedAdapter(t)
	mock.ExpectQuery("SELECT VERSION").
		WillReturnError(assertableError("access denied for 'backup' using password hunter2"))

	res, err := a.Test(context.Background(), testCfg)

	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotContains(t, res.Message, "hunter2")
}

type assertableError string

func (e assertableError) Error() string { return string(e) }

func TestListDatabases_ExcludesSystemSchemas(t *testing.T) {
	a, mock := mockedAdapter(t)
	rows := sqlmock.NewRows([]string{"Database"}).
		AddRow("information_schema").
		AddRow("mysql").
		AddRow("performance_schema").
		AddRow("sys").
		AddRow("app").
		AddRow("analytics")
	mock.ExpectQuery("SHOW DATABASES").WillReturnRows(rows)

	names, err := a.ListDatabases(context.Background(), testCfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"app", "analytics"}, names)
}

// fakeDumpScript stands in for mysqldump: it writes a deterministic
// dump for the database named as the last argument.
func fakeDumpScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-mysqldump")
	script := "#!/bin/sh\nfor last; do :; done\necho \"-- dump of $last\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestDump_SingleDatabaseIsPlain(t *testing.T) {
	a, mock := mockedAdapter(t)
	a.DumpCommand = fakeDumpScript(t)
	mock.ExpectQuery("SELECT VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.32"))

	cfg := testCfg
	cfg.Databases = []string{"app"}
	destDir := t.TempDir()

	res, err := a.Dump(context.Background(), cfg, destDir, nil)

	require.NoError(t, err)
	assert.False(t, res.Composite)
	assert.Equal(t, []string{"app"}, res.Databases)
	assert.Equal(t, "8.0.32", res.EngineVersion)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "-- dump of app")
}

func TestDump_MultipleDatabasesYieldOneCompositeArchive(t *testing.T) {
	a, mock := mockedAdapter(t)
	a.DumpCommand = fakeDumpScript(t)
	mock.ExpectQuery("SELECT VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.32"))

	cfg := testCfg
	cfg.Databases = []string{"app", "analytics"}
	destDir := t.TempDir()

	var logs []string
	res, err := a.Dump(context.Background(), cfg, destDir, func(level, msg string) {
		logs = append(logs, msg)
	})

	require.NoError(t, err)
	assert.True(t, res.Composite)
	assert.Len(t, logs, 2)

	manifest, err := archive.Inspect(res.Path)
	require.NoError(t, err)
	require.Len(t, manifest.Databases, 2)
	assert.Equal(t, "app", manifest.Databases[0].Name)
	assert.Equal(t, "analytics", manifest.Databases[1].Name)
	assert.Equal(t, "mysql", manifest.SourceType)
	assert.Equal(t, "8.0.32", manifest.EngineVersion)

	// Intermediate per-database dumps are cleaned up; only the
	// composite artifact remains.
	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDump_FailingDumpCommand(t *testing.T) {
	a, mock := mockedAdapter(t)
	mock.ExpectQuery("SELECT VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.32"))

	script := filepath.Join(t.TempDir(), "failing-mysqldump")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho 'mysqldump: Access denied' >&2\nexit 2\n"), 0o755))
	a.DumpCommand = script

	cfg := testCfg
	cfg.Databases = []string{"app"}

	_, err := a.Dump(context.Background(), cfg, t.TempDir(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Access denied")
}

func TestPrepareRestore(t *testing.T) {
	a := New()
	ctx := context.Background()

	assert.NoError(t, a.PrepareRestore(ctx, testCfg, []string{"app", "app_restored"}))
	assert.Error(t, a.PrepareRestore(ctx, testCfg, nil))
	assert.Error(t, a.PrepareRestore(ctx, testCfg, []string{"bad;name"}))
	assert.Error(t, a.PrepareRestore(ctx, testCfg, []string{"drop table"}))
}

func TestRestore_PlainDumpNeedsTarget(t *testing.T) {
	a := New()
	dump := filepath.Join(t.TempDir(), "single.sql")
	require.NoError(t, os.WriteFile(dump, []byte("CREATE TABLE t (id INT);"), 0o644))

	err := a.Restore(context.Background(), testCfg, dump, adapter.RestoreOptions{}, nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "target database")
}

// Interface conformance.
var (
	_ adapter.Database        = (*Adapter)(nil)
	_ adapter.RestorePreparer = (*Adapter)(nil)
)
