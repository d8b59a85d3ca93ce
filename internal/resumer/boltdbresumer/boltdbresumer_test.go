package boltdbresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/resumer"
)

func newTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resume.db")
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteReadRoundTrip(t *testing.T) {
	db := newTestDB(t)
	bucket := []byte("torrents")

	res, err := New(db, bucket, []byte("abc"))
	require.NoError(t, err)

	spec := &resumer.Spec{
		InfoHash:        []byte("12345678901234567890"),
		Dest:            "/data/abc",
		Port:            6881,
		Name:            "ubuntu.iso",
		Trackers:        []string{"http://tracker.example/announce"},
		Bitfield:        []byte{0xff, 0x0f},
		BytesDownloaded: 1024,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, res.Write(spec))

	got, err := res.Read()
	require.NoError(t, err)
	require.Equal(t, spec.InfoHash, got.InfoHash)
	require.Equal(t, spec.Dest, got.Dest)
	require.Equal(t, spec.Name, got.Name)
	require.Equal(t, spec.Bitfield, got.Bitfield)
	require.Equal(t, spec.BytesDownloaded, got.BytesDownloaded)
}

func TestDeltaCheckpointsPreserveImmutableFields(t *testing.T) {
	db := newTestDB(t)
	bucket := []byte("torrents")

	res, err := New(db, bucket, []byte("xyz"))
	require.NoError(t, err)
	res.EnableDeltaCheckpoints()

	spec := &resumer.Spec{
		InfoHash: []byte("12345678901234567890"),
		Dest:     "/data/xyz",
		Name:     "debian.iso",
		Trackers: []string{"http://tracker.example/announce"},
		Bitfield: []byte{0x00},
	}
	require.NoError(t, res.Write(spec))

	spec.Bitfield = []byte{0xff}
	spec.BytesDownloaded = 2048
	require.NoError(t, res.Write(spec))

	got, err := res.Read()
	require.NoError(t, err)
	require.Equal(t, "debian.iso", got.Name)
	require.Equal(t, "/data/xyz", got.Dest)
	require.Equal(t, []byte{0xff}, got.Bitfield)
	require.Equal(t, int64(2048), got.BytesDownloaded)
}

func TestReadMissingKeyErrors(t *testing.T) {
	db := newTestDB(t)
	res, err := New(db, []byte("torrents"), []byte("missing"))
	require.NoError(t, err)
	_, err = res.Read()
	require.Error(t, err)
}
