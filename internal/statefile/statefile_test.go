package statefile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	internaltesting "github.com/bitrise-io/go-resumable/internal/testing"
	"github.com/bitrise-io/go-resumable/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var blob = storage.BlobID{Bucket: "bucket", Name: "cache/archive.tar"}

type failingRename struct {
	RealOS
}

func (failingRename) Rename(string, string) error {
	return errors.New("rename failed")
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "upload.state")

	opts, err := storage.NewOptions(storage.ContentType("application/x-tar"))
	require.NoError(t, err)
	write := storage.WriteState{Blob: blob, SessionID: "session-1", Cursor: 512, ChunkSize: 256, Open: true, Options: opts}
	require.NoError(t, Save(path, write))

	data, err := write.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, internaltesting.NewFileChecker(path).IsFile().ModeEquals(0o600).Content(data).Check())
	require.NoError(t, internaltesting.NewFileChecker(filepath.Dir(path)).DirHolds("upload.state").Check())

	loaded, err := LoadWrite(path)
	require.NoError(t, err)
	assert.True(t, write.Equal(loaded))

	_, err = LoadRead(path)
	assert.True(t, errors.Is(err, storage.ErrInvalidState))

	read := storage.ReadState{Blob: blob, Cursor: 42, ChunkSize: 1024, Open: true}
	require.NoError(t, Save(path, read))
	loadedRead, err := LoadRead(path)
	require.NoError(t, err)
	assert.True(t, read.Equal(loadedRead))
}

func TestLoad_Missing(t *testing.T) {
	_, err := LoadWrite(filepath.Join(t.TempDir(), "missing.state"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.state")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadRead(path)
	assert.True(t, errors.Is(err, storage.ErrInvalidState))
}

func TestSave_FailedRenameKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "download.state")
	previous := storage.ReadState{Blob: blob, Cursor: 1, ChunkSize: 1, Open: true}
	require.NoError(t, Save(path, previous))

	files := New(failingRename{})
	err := files.Save(path, storage.ReadState{Blob: blob, Cursor: 2, ChunkSize: 1, Open: true})
	require.Error(t, err)

	require.NoError(t, internaltesting.NewFileChecker(dir).DirHolds("download.state").Check())
	loaded, err := LoadRead(path)
	require.NoError(t, err)
	assert.True(t, previous.Equal(loaded))
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.state")
	require.NoError(t, Save(path, storage.ReadState{Blob: blob, ChunkSize: 1, Open: true}))

	require.NoError(t, Remove(path))
	require.NoError(t, internaltesting.NewFileChecker(path).Missing().Check())
	require.NoError(t, Remove(path))
}
