package piecedownloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/peer"
	"github.com/ccbittorrent/swarmd/internal/piece"
)

func TestNextBlockMarksRequested(t *testing.T) {
	pi := piece.NewPiece(0, 3*piece.DefaultBlockLength)
	d := New(pi, &peer.Peer{})
	require.Len(t, d.blocks, 3)

	b := d.nextBlock()
	require.NotNil(t, b)
	assert.True(t, d.blocks[0].requested)

	b2 := d.nextBlock()
	assert.NotSame(t, b, b2)
}

func TestAllDoneAndAssembleBlocks(t *testing.T) {
	pi := piece.NewPiece(0, 2*piece.DefaultBlockLength)
	d := New(pi, &peer.Peer{})

	assert.False(t, d.allDone())

	d.blocks[0].data = []byte{1, 2, 3}
	assert.False(t, d.allDone())

	d.blocks[1].data = []byte{4, 5}
	assert.True(t, d.allDone())

	buf := d.assembleBlocks()
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, buf.Bytes())
}

func TestRejectClearsRequestedFlag(t *testing.T) {
	pi := piece.NewPiece(0, piece.DefaultBlockLength)
	d := New(pi, &peer.Peer{})

	d.blocks[0].requested = true
	d.limiter = nil // keep Run from issuing requests of its own

	stopC := make(chan struct{})
	done := make(chan struct{})
	go func() {
		d.Run(stopC)
		close(done)
	}()
	d.RejectC <- peer.Request{BlockIndex: 0}
	close(stopC)
	<-done
	assert.False(t, d.blocks[0].requested)
}
