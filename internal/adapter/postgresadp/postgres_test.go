package postgresadp

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
	Host:     "pg.internal",
	Port:     5432,
	Username: "backup",
	Password: "hunter2",
}

func TestTest_ExtractsVersionFromBanner(t *testing.T) {
	a, mock := mockedAdapter(t)
	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).
			AddRow("PostgreSQL 15.4 on x86_64-pc-linux-gnu, compiled by gcc"))

	res, err := a.Test(context.Background(), testCfg)

	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "15.4", res.Version)
}

func TestListDatabases(t *testing.T) {
	a, mock := mockedAdapter(t)
	mock.ExpectQuery("SELECT datname FROM pg_database").
		WillReturnRows(sqlmock.NewRows([]string{"datname"}).
			AddRow("analytics").
			AddRow("app"))

	names, err := a.ListDatabases(context.Background(), testCfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"analytics", "app"}, names)
}

func fakeDumpScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-pg_dump")
	script := "#!/bin/sh\nfor last; do :; done\necho \"-- pg dump of $last\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestDump_MultipleDatabasesYieldOneCompositeArchive(t *testing.T) {
	a, mock := mockedAdapter(t)
	a.DumpCommand = fakeDumpScript(t)
	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).
			AddRow("PostgreSQL 15.4 on x86_64-pc-linux-gnu"))

	cfg := testCfg
	cfg.Databases = []string{"app", "analytics"}

	res, err := a.Dump(context.Background(), cfg, t.TempDir(), nil)

	require.NoError(t, err)
	assert.True(t, res.Composite)

	manifest, err := archive.Inspect(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", manifest.SourceType)
	assert.Equal(t, "15.4", manifest.EngineVersion)
	require.Len(t, manifest.Databases, 2)
}

func TestPrepareRestore_IdentifierRules(t *testing.T) {
	a := New()
	ctx := context.Background()

	assert.NoError(t, a.PrepareRestore(ctx, testCfg, []string{"app", "app_restored", "a$b"}))
	assert.Error(t, a.PrepareRestore(ctx, testCfg, nil))
	assert.Error(t, a.PrepareRestore(ctx, testCfg, []string{"App"}), "uppercase rejected")
	assert.Error(t, a.PrepareRestore(ctx, testCfg, []string{`x"; DROP DATABASE app`}))
	assert.Error(t, a.PrepareRestore(ctx, testCfg, []string{"$leading"}))
}

var (
	_ adapter.Database        = (*Adapter)(nil)
	_ adapter.RestorePreparer = (*Adapter)(nil)
)
