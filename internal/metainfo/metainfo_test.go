package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint:gosec
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/bencode"
)

func buildV1SingleFile(t *testing.T) []byte {
	t.Helper()
	info := map[string]interface{}{
		"name":         "x.bin",
		"piece length": int64(32 * 1024),
		"pieces":       string(bytes.Repeat([]byte{0xAB}, 20*2)),
		"length":       int64(40 * 1024),
	}
	rawInfo, err := bencode.Marshal(info)
	require.NoError(t, err)
	m := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     bencode.RawMessage(rawInfo),
	}
	b, err := bencode.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestParseV1SingleFile(t *testing.T) {
	b := buildV1SingleFile(t)
	mi, err := New(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, "x.bin", mi.Info.Name)
	assert.Equal(t, 2, mi.Info.NumPieces)
	assert.Equal(t, int64(40*1024), mi.Info.TotalLength)
	assert.True(t, mi.Info.HasInfoHash1)
	assert.False(t, mi.Info.HasInfoHash2)
	assert.Equal(t, []string{"http://tracker.example/announce"}, mi.GetTrackers())
}

func TestInfoHashMatchesSHA1OfRawInfo(t *testing.T) {
	b := buildV1SingleFile(t)
	mi, err := New(bytes.NewReader(b))
	require.NoError(t, err)
	want := sha1.Sum(mi.RawInfo) // nolint:gosec
	assert.Equal(t, want, mi.Info.InfoHashV1)
}

func TestRejectsBadPieceLength(t *testing.T) {
	info := map[string]interface{}{
		"name":         "x.bin",
		"piece length": int64(100), // not a power of two, too small
		"pieces":       string(bytes.Repeat([]byte{0xAB}, 20)),
		"length":       int64(50),
	}
	raw, err := bencode.Marshal(info)
	require.NoError(t, err)
	_, err = NewInfo(raw)
	require.Error(t, err)
}

func TestPaddingFileExcludedFromSelectionButCountsTowardLength(t *testing.T) {
	files := []rawFileDict{
		{Length: 10, Path: []string{"a.txt"}},
		{Length: 6, Path: []string{".pad", "6"}, Attr: "p"},
		{Length: 5, Path: []string{"b.txt"}},
	}
	parsed, total, err := flattenV1Files(files)
	require.NoError(t, err)
	require.Len(t, parsed, 3)
	assert.True(t, parsed[1].IsPadding())
	assert.Equal(t, int64(21), total)
}
