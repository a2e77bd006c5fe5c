package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePrefersPersistentRoot(t *testing.T) {
	local := filepath.Join(t.TempDir(), "local")
	persistent := t.TempDir()

	a, err := NewAllocator(local, persistent)
	require.NoError(t, err)
	assert.Equal(t, persistent, a.Root())

	// Missing persistent dir falls back to the local path.
	a, err = NewAllocator(local, filepath.Join(persistent, "does-not-exist"))
	require.NoError(t, err)
	assert.Equal(t, local, a.Root())
}

func TestAllocateCreatesSessionDir(t *testing.T) {
	a, err := NewAllocator(t.TempDir(), "")
	require.NoError(t, err)

	id, dir, err := a.Allocate()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(a.Root(), id), dir)
}

func TestResolveRejectsEscape(t *testing.T) {
	a, err := NewAllocator(t.TempDir(), "")
	require.NoError(t, err)
	id, _, err := a.Allocate()
	require.NoError(t, err)
	ws, err := a.Open(id)
	require.NoError(t, err)

	_, err = ws.Resolve("../other-session/secret.txt")
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = ws.Resolve("/etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscape)

	path, err := ws.Resolve("notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir, "notes", "todo.txt"), path)

	// The workspace dir itself resolves.
	path, err = ws.Resolve(".")
	require.NoError(t, err)
	assert.Equal(t, ws.Dir, path)
}

func TestWriteAndReadFile(t *testing.T) {
	a, err := NewAllocator(t.TempDir(), "")
	require.NoError(t, err)
	id, _, err := a.Allocate()
	require.NoError(t, err)
	ws, err := a.Open(id)
	require.NoError(t, err)

	require.NoError(t, ws.WriteFile("out/result.json", []byte(`{"ok":true}`)))
	data, err := ws.ReadFile("out/result.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	assert.ErrorIs(t, ws.WriteFile("../evil.txt", []byte("x")), ErrPathEscape)
}
