package piece

import (
	"github.com/willf/bitset"

	"github.com/ccbittorrent/swarmd/internal/bitfield"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
)

// Store is the authoritative per-torrent piece collection: state machine,
// rarity accounting, file-selection view, and block-level assignment.
type Store struct {
	Pieces      []*Piece
	PieceLength int64
	TotalLength int64

	segments  []Segment
	files     []metainfo.FileInfo
	selection *FileSelection

	// rarity[i] is the number of connected peers currently advertising
	// piece i, maintained incrementally via PeerHave/PeerBitfield/
	// RemovePeer so strategies never rescan every peer.
	rarity []int

	// rarityBuckets[r] has bit i set iff Pieces[i] currently has rarity
	// r, so rarityOrder can walk buckets in ascending rarity order
	// instead of sorting every piece on every call.
	rarityBuckets []*bitset.BitSet

	peerBitfields map[string]*bitfield.Bitfield

	nextSequential int
}

// NewStore builds a piece store for a fully-known Info.
func NewStore(info *metainfo.Info, selection *FileSelection) *Store {
	n := info.NumPieces
	pieces := make([]*Piece, n)
	remaining := info.TotalLength
	for i := 0; i < n; i++ {
		l := info.PieceLength
		if remaining < l {
			l = remaining
		}
		p := NewPiece(i, l)
		if i < len(info.Pieces) {
			p.HashV1 = info.Pieces[i]
			p.HasHashV1 = true
		}
		pieces[i] = p
		remaining -= l
	}
	segs := BuildSegments(info.Files, info.PieceLength)
	s := &Store{
		Pieces:        pieces,
		PieceLength:   info.PieceLength,
		TotalLength:   info.TotalLength,
		segments:      segs,
		files:         info.Files,
		selection:     selection,
		rarity:        make([]int, n),
		peerBitfields: make(map[string]*bitfield.Bitfield),
	}
	s.ensureRarityBucket(0)
	allUnknown := s.rarityBuckets[0]
	for i := 0; i < n; i++ {
		allUnknown.Set(uint(i))
	}
	s.recomputePriorities()
	s.autoVerifyPaddingOnlyPieces()
	return s
}

func (s *Store) recomputePriorities() {
	for _, p := range s.Pieces {
		p.Priority = EffectivePriority(p.Index, s.segments, s.selection, s.files)
	}
}

// autoVerifyPaddingOnlyPieces marks pieces whose entire byte range is
// covered only by padding files as Verified with no bytes ever read or
// written, per the spec's "wholly inside a padding run" edge case.
func (s *Store) autoVerifyPaddingOnlyPieces() {
	for _, p := range s.Pieces {
		if PieceWhollyPadding(p.Index, s.files, s.PieceLength) {
			p.State = Verified
		}
	}
}

// SetFileSelection replaces the file-selection view and recomputes every
// piece's effective priority.
func (s *Store) SetFileSelection(fs *FileSelection) {
	s.selection = fs
	s.recomputePriorities()
}

// ensureRarityBucket grows rarityBuckets so index r exists.
func (s *Store) ensureRarityBucket(r int) {
	for len(s.rarityBuckets) <= r {
		s.rarityBuckets = append(s.rarityBuckets, bitset.New(uint(len(s.Pieces))))
	}
}

// setRarity moves pieceIndex's bit from its current bucket to the
// bucket for newRarity, keeping s.rarity and rarityBuckets consistent.
func (s *Store) setRarity(pieceIndex, newRarity int) {
	old := s.rarity[pieceIndex]
	if old == newRarity {
		return
	}
	if old < len(s.rarityBuckets) {
		s.rarityBuckets[old].Clear(uint(pieceIndex))
	}
	s.ensureRarityBucket(newRarity)
	s.rarityBuckets[newRarity].Set(uint(pieceIndex))
	s.rarity[pieceIndex] = newRarity
}

// PeerBitfield registers or replaces a peer's full bitfield, updating
// rarity counts for the delta.
func (s *Store) PeerBitfield(peerID string, bf *bitfield.Bitfield) {
	if old, ok := s.peerBitfields[peerID]; ok {
		for i := 0; i < len(s.Pieces); i++ {
			if old.Test(uint32(i)) {
				s.setRarity(i, s.rarity[i]-1)
			}
		}
	}
	s.peerBitfields[peerID] = bf
	for i := 0; i < len(s.Pieces); i++ {
		if bf.Test(uint32(i)) {
			s.setRarity(i, s.rarity[i]+1)
		}
	}
}

// PeerHave records a single HAVE announcement from a peer.
func (s *Store) PeerHave(peerID string, pieceIndex int) {
	bf, ok := s.peerBitfields[peerID]
	if !ok {
		bf = bitfield.New(uint32(len(s.Pieces)))
		s.peerBitfields[peerID] = bf
	}
	if pieceIndex < 0 || pieceIndex >= len(s.Pieces) {
		return
	}
	if !bf.Test(uint32(pieceIndex)) {
		bf.Set(uint32(pieceIndex))
		s.setRarity(pieceIndex, s.rarity[pieceIndex]+1)
	}
}

// RemovePeer drops a peer's bitfield and decrements rarity accordingly.
func (s *Store) RemovePeer(peerID string) {
	bf, ok := s.peerBitfields[peerID]
	if !ok {
		return
	}
	for i := 0; i < len(s.Pieces); i++ {
		if bf.Test(uint32(i)) {
			s.setRarity(i, s.rarity[i]-1)
		}
	}
	delete(s.peerBitfields, peerID)
}

// Rarity returns the number of connected peers currently advertising the
// given piece.
func (s *Store) Rarity(pieceIndex int) int {
	if pieceIndex < 0 || pieceIndex >= len(s.rarity) {
		return 0
	}
	return s.rarity[pieceIndex]
}

// IsInterested reports whether the given peer bitfield has at least one
// piece this torrent still needs, i.e. "am_interested" per spec §4.4.
func (s *Store) IsInterested(bf *bitfield.Bitfield) bool {
	for _, p := range s.Pieces {
		if p.Priority == DoNotDownload || p.State == Verified {
			continue
		}
		if bf.Test(uint32(p.Index)) {
			return true
		}
	}
	return false
}

// MarkVerified transitions a piece to Verified.
func (s *Store) MarkVerified(pieceIndex int) {
	if pieceIndex < 0 || pieceIndex >= len(s.Pieces) {
		return
	}
	s.Pieces[pieceIndex].State = Verified
}

// MarkVerificationFailed rewinds a piece to Missing and discards its
// blocks, per the strict state-machine invariant.
func (s *Store) MarkVerificationFailed(pieceIndex int) {
	if pieceIndex < 0 || pieceIndex >= len(s.Pieces) {
		return
	}
	s.Pieces[pieceIndex].Reset()
}

// VerifiedCount returns the number of pieces currently Verified.
func (s *Store) VerifiedCount() int {
	n := 0
	for _, p := range s.Pieces {
		if p.State == Verified {
			n++
		}
	}
	return n
}

// Complete reports whether every needed piece is Verified.
func (s *Store) Complete() bool {
	for _, p := range s.Pieces {
		if p.Priority == DoNotDownload {
			continue
		}
		if p.State != Verified {
			return false
		}
	}
	return true
}

// rarityOrder returns piece indices in ascending rarity, ties broken by
// ascending index, excluding pieces that are Verified or DoNotDownload.
// Walks rarityBuckets in ascending rarity order rather than sorting
// every call, so strategy selection stays cheap as the piece count and
// tick rate grow.
func (s *Store) rarityOrder() []int {
	var idx []int
	for r := 0; r < len(s.rarityBuckets); r++ {
		b := s.rarityBuckets[r]
		for i, has := b.NextSet(0); has; i, has = b.NextSet(i + 1) {
			p := s.Pieces[i]
			if p.State == Verified || p.Priority == DoNotDownload {
				continue
			}
			idx = append(idx, p.Index)
		}
	}
	return idx
}
