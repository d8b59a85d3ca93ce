package piece

import (
	"github.com/ccbittorrent/swarmd/internal/bitfield"
)

// Strategy selects which pieces to request next. All strategies skip
// pieces whose effective priority is DoNotDownload; the other priority
// levels do not change the order in which a strategy picks pieces.
type Strategy int

const (
	RoundRobin Strategy = iota
	RarestFirst
	Sequential
	BandwidthWeightedRarest
	ProgressiveRarest
	AdaptiveHybrid
)

// DefaultSequentialWindow is the size of the sliding window SEQUENTIAL
// considers ahead of the next-needed piece.
const DefaultSequentialWindow = 8

// DefaultSequentialFallbackThreshold is the swarm availability ratio
// below which SEQUENTIAL falls back to rarest-first for a tick.
const DefaultSequentialFallbackThreshold = 0.1

// Request is one block assignment handed to the scheduler for dispatch as
// a wire REQUEST message.
type Request struct {
	PieceIndex int
	BlockIndex int
	Offset     int64
	Length     int64
}

// PeerBandwidth reports a peer's recent throughput, used by
// BandwidthWeightedRarest to prefer fast peers for scarce pieces.
type PeerBandwidth func(peerID string) float64

// NextRequests asks the store for up to limit block requests a given peer
// can serve, according to strategy. bw is read only by
// BandwidthWeightedRarest.
func (s *Store) NextRequests(strat Strategy, peerID string, peerHas *bitfield.Bitfield, limit int, bw PeerBandwidth) []Request {
	switch strat {
	case RoundRobin:
		return s.nextRoundRobin(peerHas, limit)
	case Sequential:
		return s.nextSequentialStrategy(peerHas, limit)
	case BandwidthWeightedRarest:
		return s.nextBandwidthWeightedRarest(peerID, peerHas, limit, bw)
	case ProgressiveRarest:
		return s.nextProgressiveRarest(peerHas, limit)
	case AdaptiveHybrid:
		return s.nextAdaptiveHybrid(peerHas, limit)
	case RarestFirst:
		fallthrough
	default:
		return s.nextRarestFirst(peerHas, limit)
	}
}

func (s *Store) eligible(p *Piece, peerHas *bitfield.Bitfield) bool {
	return p.State != Verified && p.Priority != DoNotDownload && peerHas.Test(uint32(p.Index))
}

func (s *Store) requestsFromPiece(p *Piece, limit int) []Request {
	var reqs []Request
	for bi := range p.Blocks {
		if len(reqs) >= limit {
			break
		}
		b := &p.Blocks[bi]
		if b.Status != BlockWant {
			continue
		}
		reqs = append(reqs, Request{
			PieceIndex: p.Index,
			BlockIndex: bi,
			Offset:     b.Offset,
			Length:     b.Length,
		})
		b.Status = BlockInflight
		b.PendingRequests++
	}
	return reqs
}

// nextRoundRobin cycles deterministically through candidate pieces in
// index order, for debugging/determinism rather than throughput.
func (s *Store) nextRoundRobin(peerHas *bitfield.Bitfield, limit int) []Request {
	var out []Request
	n := len(s.Pieces)
	for i := 0; i < n && len(out) < limit; i++ {
		p := s.Pieces[i]
		if !s.eligible(p, peerHas) {
			continue
		}
		out = append(out, s.requestsFromPiece(p, limit-len(out))...)
	}
	return out
}

// nextRarestFirst orders candidate pieces by ascending rarity, ties
// broken by ascending index.
func (s *Store) nextRarestFirst(peerHas *bitfield.Bitfield, limit int) []Request {
	var out []Request
	for _, idx := range s.rarityOrder() {
		if len(out) >= limit {
			break
		}
		p := s.Pieces[idx]
		if !peerHas.Test(uint32(idx)) {
			continue
		}
		out = append(out, s.requestsFromPiece(p, limit-len(out))...)
	}
	return out
}

// swarmAvailabilityRatio estimates the fraction of needed pieces that at
// least one connected peer currently advertises.
func (s *Store) swarmAvailabilityRatio() float64 {
	needed, available := 0, 0
	for i, p := range s.Pieces {
		if p.State == Verified || p.Priority == DoNotDownload {
			continue
		}
		needed++
		if s.Rarity(i) > 0 {
			available++
		}
	}
	if needed == 0 {
		return 1
	}
	return float64(available) / float64(needed)
}

// nextSequentialStrategy advances within a sliding window ahead of the
// next unverified piece, falling back to rarest-first when the swarm's
// availability for needed pieces drops below the fallback threshold.
func (s *Store) nextSequentialStrategy(peerHas *bitfield.Bitfield, limit int) []Request {
	if s.swarmAvailabilityRatio() < DefaultSequentialFallbackThreshold {
		return s.nextRarestFirst(peerHas, limit)
	}
	for s.nextSequential < len(s.Pieces) && s.Pieces[s.nextSequential].State == Verified {
		s.nextSequential++
	}
	var out []Request
	windowEnd := s.nextSequential + DefaultSequentialWindow
	if windowEnd > len(s.Pieces) {
		windowEnd = len(s.Pieces)
	}
	for i := s.nextSequential; i < windowEnd && len(out) < limit; i++ {
		p := s.Pieces[i]
		if !s.eligible(p, peerHas) {
			continue
		}
		out = append(out, s.requestsFromPiece(p, limit-len(out))...)
	}
	return out
}

// nextBandwidthWeightedRarest asks rarest-first for a larger batch when
// bw reports more than 1, then cuts the batch back to limit and returns
// the blocks it cut off to BlockWant. The result is the same rarest-first
// selection; bandwidth does not change which pieces or blocks are chosen.
func (s *Store) nextBandwidthWeightedRarest(peerID string, peerHas *bitfield.Bitfield, limit int, bw PeerBandwidth) []Request {
	if bw == nil {
		return s.nextRarestFirst(peerHas, limit)
	}
	weight := bw(peerID)
	if weight <= 0 {
		weight = 1
	}
	weighted := limit
	if weight > 1 {
		weighted = int(float64(limit) * (1 + (weight-1)/8))
		if weighted < limit {
			weighted = limit
		}
	}
	reqs := s.nextRarestFirst(peerHas, weighted)
	if len(reqs) > limit {
		for _, r := range reqs[limit:] {
			b := &s.Pieces[r.PieceIndex].Blocks[r.BlockIndex]
			b.Status = BlockWant
			b.PendingRequests--
		}
		reqs = reqs[:limit]
	}
	return reqs
}

// nextProgressiveRarest applies rarest-first within a window that grows
// as the download progresses, trading early-piece diversity for strict
// rarity optimization once most of the torrent is in flight.
func (s *Store) nextProgressiveRarest(peerHas *bitfield.Bitfield, limit int) []Request {
	total := len(s.Pieces)
	if total == 0 {
		return nil
	}
	verified := s.VerifiedCount()
	progress := float64(verified) / float64(total)
	window := int(float64(total) * (0.1 + 0.9*progress))
	if window < DefaultSequentialWindow {
		window = DefaultSequentialWindow
	}
	if window > total {
		window = total
	}
	var out []Request
	for _, idx := range s.rarityOrder() {
		if idx >= window {
			continue
		}
		if len(out) >= limit {
			break
		}
		if !peerHas.Test(uint32(idx)) {
			continue
		}
		out = append(out, s.requestsFromPiece(s.Pieces[idx], limit-len(out))...)
	}
	return out
}

// nextAdaptiveHybrid switches on current swarm availability, not on
// recent progress: sequential (to build a contiguous streamable prefix
// quickly) while more than half of the needed pieces are advertised by
// at least one peer, rarest-first (to protect availability) otherwise.
func (s *Store) nextAdaptiveHybrid(peerHas *bitfield.Bitfield, limit int) []Request {
	if s.swarmAvailabilityRatio() > 0.5 {
		return s.nextSequentialStrategy(peerHas, limit)
	}
	return s.nextRarestFirst(peerHas, limit)
}
