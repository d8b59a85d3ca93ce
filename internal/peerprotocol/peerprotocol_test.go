package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	h.InfoHash = [20]byte{1, 2, 3}
	h.PeerID = [20]byte{4, 5, 6}
	SetExtensionProtocol(&h.Reserved)
	SetDHT(&h.Reserved)
	SetFastExtension(&h.Reserved)

	buf := h.Marshal()
	require.Len(t, buf, HandshakeLength)

	got, err := UnmarshalHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, h.InfoHash, got.InfoHash)
	assert.Equal(t, h.PeerID, got.PeerID)
	assert.True(t, HasExtensionProtocol(got.Reserved))
	assert.True(t, HasDHT(got.Reserved))
	assert.True(t, HasFastExtension(got.Reserved))
}

func TestRawMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRawMessage(&buf, Request, []byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}))

	raw, err := ReadRawMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, int(Request), raw.ID)

	msg, err := DecodeMessage(raw)
	require.NoError(t, err)
	req, ok := msg.(RequestMessage)
	require.True(t, ok)
	assert.Equal(t, uint32(1), req.Index)
	assert.Equal(t, uint32(2), req.Begin)
	assert.Equal(t, uint32(3), req.Length)
}

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))
	raw, err := ReadRawMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, -1, raw.ID)
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hs := ExtensionHandshakeMessage{M: map[string]uint8{ExtensionKeyMetadata: 1}, MetadataSize: 1234}
	payload, err := EncodeExtensionHandshake(hs)
	require.NoError(t, err)
	require.NoError(t, WriteRawMessage(&buf, Extension, payload))

	raw, err := ReadRawMessage(&buf)
	require.NoError(t, err)
	msg, err := DecodeMessage(raw)
	require.NoError(t, err)
	got, ok := msg.(ExtensionHandshakeMessage)
	require.True(t, ok)
	assert.Equal(t, uint8(1), got.M[ExtensionKeyMetadata])
	assert.Equal(t, uint32(1234), got.MetadataSize)
}
