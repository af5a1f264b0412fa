package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		body, err := fs.ReadFile(migrationsFS, f)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(body), "-- +goose Up"), "%s has no Up section", f)
		assert.True(t, strings.Contains(string(body), "-- +goose Down"), "%s has no Down section", f)
	}
}

func TestMigrate(t *testing.T) {
	db, _ := newMockDB(t)

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	var gotDir string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	require.NoError(t, Migrate(context.Background(), db))
	assert.Equal(t, migrationsDir, gotDir)
}

func TestMigrate_Error(t *testing.T) {
	db, _ := newMockDB(t)

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	err := Migrate(context.Background(), db)
	assert.ErrorContains(t, err, "boom")
}

func TestMigrateDownAndVersion(t *testing.T) {
	db, _ := newMockDB(t)

	origDown, origVersion := gooseDownContext, gooseVersion
	defer func() { gooseDownContext, gooseVersion = origDown, origVersion }()

	downCalls := 0
	gooseDownContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		downCalls++
		return nil
	}
	gooseVersion = func(ctx context.Context, db *sql.DB) (int64, error) { return 3, nil }

	require.NoError(t, MigrateDown(context.Background(), db))
	assert.Equal(t, 1, downCalls)

	v, err := SchemaVersion(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}
