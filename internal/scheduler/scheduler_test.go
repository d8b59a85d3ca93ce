package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/bitfield"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
	"github.com/ccbittorrent/swarmd/internal/piece"
)

func twoPieceInfo() *metainfo.Info {
	return &metainfo.Info{
		Name:        "x.bin",
		PieceLength: piece.DefaultBlockLength,
		NumPieces:   2,
		TotalLength: 2 * piece.DefaultBlockLength,
		Pieces:      [][20]byte{{1}, {2}},
		Files: []metainfo.FileInfo{
			{Path: []string{"x.bin"}, Length: 2 * piece.DefaultBlockLength, Offset: 0},
		},
	}
}

func allBitsSet(n uint32) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := uint32(0); i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestTickSkipsChokedAndUninterested(t *testing.T) {
	info := twoPieceInfo()
	store := piece.NewStore(info, piece.NewFileSelection(info.Files))
	s := New(store, piece.RarestFirst)

	peers := []PeerState{
		{ID: "choked", AmInterested: true, PeerChoking: true, Has: allBitsSet(2)},
		{ID: "uninterested", AmInterested: false, Has: allBitsSet(2)},
		{ID: "blocked", AmInterested: true, SendBlocked: true, Has: allBitsSet(2)},
	}
	out := s.Tick(time.Now(), peers)
	assert.Empty(t, out)
}

func TestTickAssignsBlocksToEligiblePeer(t *testing.T) {
	info := twoPieceInfo()
	store := piece.NewStore(info, piece.NewFileSelection(info.Files))
	s := New(store, piece.RarestFirst)
	store.PeerBitfield("p1", allBitsSet(2))

	out := s.Tick(time.Now(), []PeerState{
		{ID: "p1", AmInterested: true, Has: allBitsSet(2), BandwidthBytesSec: 0},
	})
	require.NotEmpty(t, out)
	for _, a := range out {
		assert.Equal(t, "p1", a.PeerID)
	}
}

func TestBlockDeliveredClearsOutstanding(t *testing.T) {
	info := twoPieceInfo()
	store := piece.NewStore(info, piece.NewFileSelection(info.Files))
	s := New(store, piece.RarestFirst)
	store.PeerBitfield("p1", allBitsSet(2))

	out := s.Tick(time.Now(), []PeerState{{ID: "p1", AmInterested: true, Has: allBitsSet(2)}})
	require.NotEmpty(t, out)
	assert.Len(t, s.outstandingByPeer["p1"], len(out))

	s.BlockDelivered("p1", out[0].Req)
	assert.Len(t, s.outstandingByPeer["p1"], len(out)-1)
}

func TestReapTimeoutsFreesSlotForReassignment(t *testing.T) {
	info := twoPieceInfo()
	store := piece.NewStore(info, piece.NewFileSelection(info.Files))
	s := New(store, piece.RarestFirst)
	store.PeerBitfield("p1", allBitsSet(2))

	now := time.Now()
	out := s.Tick(now, []PeerState{{ID: "p1", AmInterested: true, Has: allBitsSet(2), ObservedRTT: time.Millisecond}})
	require.NotEmpty(t, out)

	later := now.Add(DefaultTimeoutMin + time.Second)
	s.reapTimeouts(later)
	assert.Empty(t, s.outstandingByPeer["p1"])
}

func TestCoalesceMergesContiguousBlocks(t *testing.T) {
	s := New(nil, piece.RarestFirst)
	reqs := []piece.Request{
		{PieceIndex: 0, BlockIndex: 0, Offset: 0, Length: 16 * 1024},
		{PieceIndex: 0, BlockIndex: 1, Offset: 16 * 1024, Length: 16 * 1024},
	}
	merged := s.coalesce(reqs, true)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(32*1024), merged[0].Length)
}

func TestCoalesceNoopWhenUnsupported(t *testing.T) {
	s := New(nil, piece.RarestFirst)
	reqs := []piece.Request{
		{PieceIndex: 0, Offset: 0, Length: 16 * 1024},
		{PieceIndex: 0, Offset: 16 * 1024, Length: 16 * 1024},
	}
	merged := s.coalesce(reqs, false)
	assert.Len(t, merged, 2)
}
