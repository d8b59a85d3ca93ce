// Package piece implements the per-torrent piece-state machine, rarity
// accounting, and block-level assignment to peers.
package piece

import (
	"github.com/ccbittorrent/swarmd/internal/bitfield"
)

// State is a piece's position in its strict state machine:
// Missing -> Requested -> Downloading -> Complete -> Verified.
// Verification failure rewinds a piece to Missing.
type State int

const (
	Missing State = iota
	Requested
	Downloading
	Complete
	Verified
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Downloading:
		return "downloading"
	case Complete:
		return "complete"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// Priority controls scheduling order among needed pieces. Zero value means
// do-not-download.
type Priority int

const (
	DoNotDownload Priority = iota
	Low
	Normal
	High
	Maximum
)

// BlockStatus is the state of one 16 KiB sub-unit of a piece.
type BlockStatus int

const (
	BlockWant BlockStatus = iota
	BlockInflight
	BlockHave
)

const DefaultBlockLength = 16 * 1024

// Block is one sub-unit of a piece's request pipeline.
type Block struct {
	Index  int // position within the owning piece's Blocks slice
	Offset int64
	Length int64
	Status BlockStatus
	// PendingRequests counts the number of peers this block is currently
	// outstanding against (> 1 only during endgame duplication).
	PendingRequests int
}

// Piece is one fixed-size (except possibly the last) chunk of torrent
// content, independently verified by hash.
type Piece struct {
	Index    int
	Length   int64
	HashV1   [20]byte
	HasHashV1 bool
	HashV2   [32]byte
	HasHashV2 bool

	State    State
	Priority Priority

	Blocks []Block
	// Have tracks which blocks have been received and are waiting on a
	// full-piece verify; distinct from Blocks[i].Status so that a piece
	// can be re-verified from disk without re-deriving block state.
	Have *bitfield.Bitfield
}

// NewPiece builds a Piece with its block pipeline pre-split into
// DefaultBlockLength chunks (the last block may be shorter).
func NewPiece(index int, length int64) *Piece {
	n := int((length + DefaultBlockLength - 1) / DefaultBlockLength)
	blocks := make([]Block, n)
	var off int64
	for i := 0; i < n; i++ {
		l := int64(DefaultBlockLength)
		if remaining := length - off; remaining < l {
			l = remaining
		}
		blocks[i] = Block{Index: i, Offset: off, Length: l, Status: BlockWant}
		off += l
	}
	return &Piece{
		Index:    index,
		Length:   length,
		State:    Missing,
		Priority: Normal,
		Blocks:   blocks,
		Have:     bitfield.New(uint32(n)),
	}
}

// AllBlocksReceived reports whether every block has been received from the
// network (but not necessarily yet hash-verified).
func (p *Piece) AllBlocksReceived() bool { return p.Have.All() }

// MarkBlockReceived records that a block's bytes have arrived, advancing
// the piece to Complete once every block is in.
func (p *Piece) MarkBlockReceived(blockIndex int) {
	if blockIndex < 0 || blockIndex >= len(p.Blocks) {
		return
	}
	p.Blocks[blockIndex].Status = BlockHave
	p.Have.Set(uint32(blockIndex))
	if p.State == Missing || p.State == Requested {
		p.State = Downloading
	}
	if p.AllBlocksReceived() {
		p.State = Complete
	}
}

// Reset rewinds a piece to Missing and discards all received blocks; used
// on verification failure.
func (p *Piece) Reset() {
	p.State = Missing
	p.Have = bitfield.New(uint32(len(p.Blocks)))
	for i := range p.Blocks {
		p.Blocks[i].Status = BlockWant
		p.Blocks[i].PendingRequests = 0
	}
}

// BlockIndexContaining returns the block index covering the given
// byte offset within the piece.
func BlockIndexContaining(offset int64) int {
	return int(offset / DefaultBlockLength)
}
