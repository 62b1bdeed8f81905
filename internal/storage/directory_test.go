package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/ksef-fetcher/internal/storage"
)

func TestDirectory_WriteExistsRead(t *testing.T) {
	d, err := storage.NewDirectory(filepath.Join(t.TempDir(), "faktury"))
	require.NoError(t, err)

	ok, err := d.Exists("A.xml")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Write("A.xml", []byte("<a/>")))

	ok, err = d.Exists("A.xml")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := d.Read("A.xml")
	require.NoError(t, err)
	assert.Equal(t, "<a/>", string(data))

	require.NoError(t, d.Write("A.xml", []byte("<b/>")))
	data, err = d.Read("A.xml")
	require.NoError(t, err)
	assert.Equal(t, "<b/>", string(data))
}

func TestDirectory_List(t *testing.T) {
	d, err := storage.NewDirectory(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, d.Write("B.xml", nil))
	require.NoError(t, d.Write("A.xml", nil))
	require.NoError(t, d.Write("A.pdf", nil))
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), ".hidden.xml"), nil, 0o644))

	names, err := d.List(".xml")
	require.NoError(t, err)
	assert.Equal(t, []string{"A.xml", "B.xml"}, names)

	all, err := d.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDirectory_RejectsPaths(t *testing.T) {
	d, err := storage.NewDirectory(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "..", "../x.xml", "a/b.xml", `a\b.xml`} {
		assert.ErrorIs(t, d.Write(name, []byte("x")), storage.ErrInvalidName, name)
	}
}

func TestWriteFileAtomic_NoLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, storage.WriteFileAtomic(path, []byte("{}"), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
