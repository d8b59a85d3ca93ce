package filestorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/storage"
)

func TestOpenWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	f, err := s.Open("sub/dir/a.txt", 11, storage.PreallocateSparse)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 5)
	n, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestOpenRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	_, err = s.Open("../escape.txt", 1, storage.PreallocateNone)
	require.Error(t, err)
}

func TestApplyExecutable(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	f, err := s.Open("bin.sh", 0, storage.PreallocateNone)
	require.NoError(t, err)
	f.Close()

	require.NoError(t, s.ApplyExecutable("bin.sh", true))
}
