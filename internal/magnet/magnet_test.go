package magnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseV1Hex(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=Example&tr=http://tracker.example/announce&tr=udp://tracker2.example:80"
	m, err := New(uri)
	require.NoError(t, err)
	assert.True(t, m.HasV1)
	assert.False(t, m.HasV2)
	assert.Equal(t, "Example", m.Name)
	assert.Equal(t, []string{"http://tracker.example/announce", "udp://tracker2.example:80"}, m.Trackers)
	want := [20]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x01, 0x23, 0x45, 0x67}
	assert.Equal(t, want, m.InfoHashV1)
}

func TestParseV1Base32(t *testing.T) {
	// base32 of the same 20-byte hash as above
	uri := "magnet:?xt=urn:btih:AERUKZ4JVPG66AJDIVTYTK6N54ASGRLH"
	m, err := New(uri)
	require.NoError(t, err)
	want := [20]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x01, 0x23, 0x45, 0x67}
	assert.Equal(t, want, m.InfoHashV1)
}

func TestRejectsUnknownScheme(t *testing.T) {
	_, err := New("http://example.com")
	require.Error(t, err)
}

func TestRejectsMissingXt(t *testing.T) {
	_, err := New("magnet:?dn=foo")
	require.Error(t, err)
}

func TestParseSelectOnlyRanges(t *testing.T) {
	idx, err := parseSelectOnly("0,2,4-6")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4, 5, 6}, idx)
}

func TestParseFileSelectionHint(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&so=1,3-5"
	m, err := New(uri)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 5}, m.FileIndices)
}
