package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/bitfield"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
)

func threePieceInfo() *metainfo.Info {
	return &metainfo.Info{
		Name:        "x.bin",
		PieceLength: 16 * 1024,
		NumPieces:   3,
		TotalLength: 40 * 1024,
		Pieces:      [][20]byte{{1}, {2}, {3}},
		Files: []metainfo.FileInfo{
			{Path: []string{"x.bin"}, Length: 40 * 1024, Offset: 0},
		},
	}
}

func TestNewPieceBlockSplit(t *testing.T) {
	p := NewPiece(2, 8*1024) // last piece, shorter than piece_length
	require.Len(t, p.Blocks, 1)
	assert.Equal(t, int64(8*1024), p.Blocks[0].Length)
}

func TestPieceStateTransitionsOnBlocks(t *testing.T) {
	p := NewPiece(0, DefaultBlockLength*2)
	require.Len(t, p.Blocks, 2)
	p.MarkBlockReceived(0)
	assert.Equal(t, Downloading, p.State)
	p.MarkBlockReceived(1)
	assert.Equal(t, Complete, p.State)
}

func TestPieceResetOnVerificationFailure(t *testing.T) {
	p := NewPiece(0, DefaultBlockLength)
	p.MarkBlockReceived(0)
	require.Equal(t, Complete, p.State)
	p.Reset()
	assert.Equal(t, Missing, p.State)
	assert.Equal(t, BlockWant, p.Blocks[0].Status)
}

func TestStoreRarityAccounting(t *testing.T) {
	info := threePieceInfo()
	fs := NewFileSelection(info.Files)
	s := NewStore(info, fs)

	bfA := allBitsSet(3)
	s.PeerBitfield("peerA", bfA)
	assert.Equal(t, 1, s.Rarity(0))
	assert.Equal(t, 1, s.Rarity(1))

	s.PeerHave("peerB", 0)
	assert.Equal(t, 2, s.Rarity(0))

	s.RemovePeer("peerA")
	assert.Equal(t, 1, s.Rarity(0))
	assert.Equal(t, 0, s.Rarity(1))
}

func TestRarestFirstOrdering(t *testing.T) {
	info := threePieceInfo()
	fs := NewFileSelection(info.Files)
	s := NewStore(info, fs)

	// piece 0 rare (1 peer), piece 1 common (2 peers), piece 2 rarest (0 peers, excluded since no peer has it)
	s.PeerHave("peerA", 0)
	s.PeerHave("peerA", 1)
	s.PeerHave("peerB", 1)

	peerHas := bitfield.New(3) // peerA's own bitfield: pieces 0 and 1
	peerHas.Set(0)
	peerHas.Set(1)
	reqs := s.NextRequests(RarestFirst, "peerA", peerHas, 100, nil)
	require.NotEmpty(t, reqs)
	assert.Equal(t, 0, reqs[0].PieceIndex) // rarity 1, requested before rarity-2 piece 1
}

func TestEffectivePriorityExcludesPaddingAndUnselected(t *testing.T) {
	files := []metainfo.FileInfo{
		{Path: []string{"a"}, Length: 10, Offset: 0},
		{Path: []string{".pad"}, Length: 6, Offset: 10, Attr: "p"},
	}
	segs := BuildSegments(files, 16)
	fs := NewFileSelection(files)
	assert.Equal(t, Normal, EffectivePriority(0, segs, fs, files))

	fs.Set(0, false, DoNotDownload)
	assert.Equal(t, DoNotDownload, EffectivePriority(0, segs, fs, files))
}

func TestPieceWhollyPaddingAutoVerifies(t *testing.T) {
	info := &metainfo.Info{
		PieceLength: 16,
		NumPieces:   2,
		TotalLength: 32,
		Files: []metainfo.FileInfo{
			{Path: []string{"a"}, Length: 16, Offset: 0},
			{Path: []string{".pad"}, Length: 16, Offset: 16, Attr: "p"},
		},
	}
	fs := NewFileSelection(info.Files)
	s := NewStore(info, fs)
	assert.Equal(t, Verified, s.Pieces[1].State)
	assert.Equal(t, Missing, s.Pieces[0].State)
}

func allBitsSet(n uint32) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := uint32(0); i < n; i++ {
		bf.Set(i)
	}
	return bf
}
