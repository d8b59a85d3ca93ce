package infodownloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/peer"
	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
)

func newPeerWithMetadataSize(size uint32) *peer.Peer {
	return &peer.Peer{
		ExtensionHandshake: peerprotocol.ExtensionHandshakeMessage{
			M:            map[string]uint8{peerprotocol.ExtensionKeyMetadata: 1},
			MetadataSize: size,
		},
	}
}

func TestCreateBlocksSplitsOnBoundary(t *testing.T) {
	d := New(newPeerWithMetadataSize(2 * blockSize))
	assert.Len(t, d.blocks, 2)
	assert.Equal(t, uint32(blockSize), d.blocks[0].size)
	assert.Equal(t, uint32(blockSize), d.blocks[1].size)
}

func TestCreateBlocksLastBlockIsRemainder(t *testing.T) {
	d := New(newPeerWithMetadataSize(blockSize + 100))
	require.Len(t, d.blocks, 2)
	assert.Equal(t, uint32(100), d.blocks[1].size)
}

func TestGotBlockRejectsUnrequested(t *testing.T) {
	d := New(newPeerWithMetadataSize(blockSize))
	err := d.GotBlock(0, make([]byte, blockSize))
	assert.Error(t, err)
}

func TestGotBlockRejectsWrongSize(t *testing.T) {
	d := New(newPeerWithMetadataSize(blockSize))
	d.requested[0] = struct{}{}
	err := d.GotBlock(0, make([]byte, blockSize-1))
	assert.Error(t, err)
}

func TestGotBlockCopiesDataAndClearsRequested(t *testing.T) {
	d := New(newPeerWithMetadataSize(blockSize))
	d.requested[0] = struct{}{}
	data := make([]byte, blockSize)
	data[0] = 0xAB
	require.NoError(t, d.GotBlock(0, data))
	assert.Equal(t, byte(0xAB), d.Bytes[0])
	_, stillRequested := d.requested[0]
	assert.False(t, stillRequested)
}

func TestDoneAfterAllBlocksReceived(t *testing.T) {
	d := New(newPeerWithMetadataSize(blockSize))
	assert.False(t, d.Done())
	d.requested[0] = struct{}{}
	d.nextBlockIndex = 1
	require.NoError(t, d.GotBlock(0, make([]byte, blockSize)))
	assert.True(t, d.Done())
}
