package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *FileRegistry {
	t.Helper()
	r, err := NewFileRegistry(WithFilePath(filepath.Join(t.TempDir(), "workspaces.json")))
	require.NoError(t, err)
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()

	ws, err := r.Create(ctx, dir, "")
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, filepath.Join(dir, ".taskfactory"), ws.ArtifactRoot)
	assert.FileExists(t, filepath.Join(ws.ArtifactRoot, ConfigFileName))

	got, err := r.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.Path, got.Path)

	byPath, err := r.GetByPath(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, byPath.ID)
}

func TestCreateDuplicatePath(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()

	_, err := r.Create(ctx, dir, "")
	require.NoError(t, err)
	_, err = r.Create(ctx, dir, "again")
	assert.ErrorIs(t, err, ErrWorkspaceAlreadyExists)
}

func TestCreateRejectsMissingDir(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(context.Background(), filepath.Join(t.TempDir(), "nope"), "")
	assert.Error(t, err)
}

func TestDeleteRemovesOnlyArtifactRoot(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()

	userFile := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(userFile, []byte("package main"), 0o600))

	ws, err := r.Create(ctx, dir, "")
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, ws.ID))

	assert.NoDirExists(t, ws.ArtifactRoot)
	assert.FileExists(t, userFile)

	_, err = r.Get(ctx, ws.ID)
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestRegistryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspaces.json")
	dir := t.TempDir()

	r1, err := NewFileRegistry(WithFilePath(path))
	require.NoError(t, err)
	ws, err := r1.Create(context.Background(), dir, "persisted")
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := NewFileRegistry(WithFilePath(path))
	require.NoError(t, err)
	got, err := r2.Get(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}

func TestClosedRegistryRejectsOps(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Close())

	_, err := r.List(context.Background())
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
