// Package scheduler drives block-request issuance on a tick: for each
// unchoked, interested peer it computes a target pipeline depth, pulls
// that many requests from the piece store, and ages out requests whose
// adaptive timeout has elapsed so they can be re-assigned.
package scheduler

import (
	"time"

	"github.com/ccbittorrent/swarmd/internal/bitfield"
	"github.com/ccbittorrent/swarmd/internal/piece"
)

const (
	DefaultPipelineMinDepth = 2
	DefaultPipelineMaxDepth = 500
	DefaultBlockSize        = piece.DefaultBlockLength

	DefaultTimeoutMin     = 2 * time.Second
	DefaultTimeoutMax     = 60 * time.Second
	DefaultRTTMultiplier  = 4
	// DefaultCoalesceThresholdKiB bounds how large a single coalesced
	// request may grow when merging two contiguous assigned blocks.
	DefaultCoalesceThresholdKiB = 64
)

// PeerState is the scheduler's view of one connected peer, refreshed by
// the caller (the torrent session) before each tick.
type PeerState struct {
	ID                string
	AmInterested      bool
	PeerChoking       bool
	SendBlocked       bool // rate bucket starved; skip this peer this tick
	BandwidthBytesSec float64
	ObservedRTT       time.Duration
	SupportsCoalesce  bool
	Has               *bitfield.Bitfield
}

// outstanding tracks one in-flight request's age for timeout detection.
type outstanding struct {
	req       piece.Request
	peerID    string
	sentAt    time.Time
	timeout   time.Duration
}

// Scheduler owns the set of outstanding requests for one torrent and
// issues new ones each tick against its piece store.
type Scheduler struct {
	store    *piece.Store
	strategy piece.Strategy

	pipelineMinDepth int
	pipelineMaxDepth int
	blockSize        int64

	timeoutMin    time.Duration
	timeoutMax    time.Duration
	rttMultiplier float64

	adaptive map[string]int // per-peer ADAPTIVE-mode depth, grown/shrunk over time

	outstandingByPeer map[string][]outstanding
}

// New builds a Scheduler over store using strat for piece selection.
func New(store *piece.Store, strat piece.Strategy) *Scheduler {
	return &Scheduler{
		store:             store,
		strategy:          strat,
		pipelineMinDepth:  DefaultPipelineMinDepth,
		pipelineMaxDepth:  DefaultPipelineMaxDepth,
		blockSize:         DefaultBlockSize,
		timeoutMin:        DefaultTimeoutMin,
		timeoutMax:        DefaultTimeoutMax,
		rttMultiplier:     DefaultRTTMultiplier,
		adaptive:          make(map[string]int),
		outstandingByPeer: make(map[string][]outstanding),
	}
}

// Assignment is a block request the caller should send on the wire.
type Assignment struct {
	PeerID string
	Req    piece.Request
	// Coalesced is set when Req.Length already reflects a merge of two
	// originally-separate contiguous block requests.
	Coalesced bool
}

// Tick reaps timed-out outstanding requests (returning their blocks to
// the store for reassignment) and issues new ones up to each eligible peer's target
// depth.
func (s *Scheduler) Tick(now time.Time, peers []PeerState) []Assignment {
	s.reapTimeouts(now)

	var out []Assignment
	for _, p := range peers {
		if !p.AmInterested || p.PeerChoking || p.SendBlocked {
			continue
		}
		depth := s.targetDepth(p)
		have := len(s.outstandingByPeer[p.ID])
		if have >= depth {
			continue
		}
		need := depth - have
		reqs := s.store.NextRequests(s.strategy, p.ID, p.Has, need, func(string) float64 { return p.BandwidthBytesSec })
		reqs = s.coalesce(reqs, p.SupportsCoalesce)
		timeout := s.adaptiveTimeout(p.ObservedRTT)
		for _, r := range reqs {
			s.outstandingByPeer[p.ID] = append(s.outstandingByPeer[p.ID], outstanding{req: r, peerID: p.ID, sentAt: now, timeout: timeout})
			out = append(out, Assignment{PeerID: p.ID, Req: r, Coalesced: r.Length > s.blockSize})
		}
	}
	return out
}

// BlockDelivered removes one outstanding request once its data arrives.
func (s *Scheduler) BlockDelivered(peerID string, req piece.Request) {
	list := s.outstandingByPeer[peerID]
	for i, o := range list {
		if o.req == req {
			s.outstandingByPeer[peerID] = append(list[:i], list[i+1:]...)
			s.growAdaptive(peerID)
			return
		}
	}
}

// reapTimeouts drops any outstanding request past its adaptive deadline
// so the next Tick can reassign it, counting the event against that
// peer's adaptive depth.
func (s *Scheduler) reapTimeouts(now time.Time) {
	for peerID, list := range s.outstandingByPeer {
		kept := list[:0]
		for _, o := range list {
			if now.Sub(o.sentAt) > o.timeout {
				s.shrinkAdaptive(peerID)
				if s.store != nil {
					p := s.store.Pieces[o.req.PieceIndex]
					for bi := o.req.BlockIndex; bi < len(p.Blocks) && p.Blocks[bi].Offset < o.req.Offset+o.req.Length; bi++ {
						if b := &p.Blocks[bi]; b.Status == piece.BlockInflight {
							b.PendingRequests--
							if b.PendingRequests <= 0 {
								b.PendingRequests = 0
								b.Status = piece.BlockWant
							}
						}
					}
				}
				continue
			}
			kept = append(kept, o)
		}
		s.outstandingByPeer[peerID] = kept
	}
}

func (s *Scheduler) targetDepth(p PeerState) int {
	if d, ok := s.adaptive[p.ID]; ok {
		return clampDepth(d, s.pipelineMinDepth, s.pipelineMaxDepth)
	}
	rtt := p.ObservedRTT
	if rtt <= 0 {
		rtt = time.Second
	}
	byBandwidth := 0
	if p.BandwidthBytesSec > 0 {
		blocksPerSec := p.BandwidthBytesSec / float64(s.blockSize)
		byBandwidth = int(blocksPerSec*rtt.Seconds() + 0.999999)
	}
	return clampDepth(byBandwidth, s.pipelineMinDepth, s.pipelineMaxDepth)
}

func clampDepth(d, min, max int) int {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func (s *Scheduler) growAdaptive(peerID string) {
	d := s.adaptive[peerID]
	if d == 0 {
		d = s.pipelineMinDepth
	}
	s.adaptive[peerID] = clampDepth(d+1, s.pipelineMinDepth, s.pipelineMaxDepth)
}

func (s *Scheduler) shrinkAdaptive(peerID string) {
	d := s.adaptive[peerID]
	if d == 0 {
		d = s.pipelineMaxDepth
	}
	s.adaptive[peerID] = clampDepth(d/2, s.pipelineMinDepth, s.pipelineMaxDepth)
}

func (s *Scheduler) adaptiveTimeout(rtt time.Duration) time.Duration {
	if rtt <= 0 {
		return s.timeoutMin
	}
	t := time.Duration(float64(rtt) * s.rttMultiplier)
	if t < s.timeoutMin {
		return s.timeoutMin
	}
	if t > s.timeoutMax {
		return s.timeoutMax
	}
	return t
}

// coalesce merges pairs of contiguous same-piece requests into one
// larger request when the peer advertises support and the combined
// length stays within DefaultCoalesceThresholdKiB.
func (s *Scheduler) coalesce(reqs []piece.Request, supported bool) []piece.Request {
	if !supported || len(reqs) < 2 {
		return reqs
	}
	const maxLen = DefaultCoalesceThresholdKiB * 1024
	out := make([]piece.Request, 0, len(reqs))
	i := 0
	for i < len(reqs) {
		cur := reqs[i]
		if i+1 < len(reqs) {
			next := reqs[i+1]
			if next.PieceIndex == cur.PieceIndex &&
				next.Offset == cur.Offset+cur.Length &&
				cur.Length+next.Length <= maxLen {
				out = append(out, piece.Request{
					PieceIndex: cur.PieceIndex,
					BlockIndex: cur.BlockIndex,
					Offset:     cur.Offset,
					Length:     cur.Length + next.Length,
				})
				i += 2
				continue
			}
		}
		out = append(out, cur)
		i++
	}
	return out
}
