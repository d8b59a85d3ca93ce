// Package peer is the session-facing peer handle: wire send helpers,
// extension-handshake state, and the quality/rate bookkeeping the
// choking controller and scheduler read from.
package peer

import (
	"context"
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/peerconn"
	"github.com/ccbittorrent/swarmd/internal/peerconn/peerwriter"
	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
)

// Source identifies how a peer address was learned, feeding the quality
// score's source-type weight.
type Source int

const (
	SourceTracker Source = iota
	SourceDHT
	SourcePEX
	SourceIncoming
	SourceManual
)

// Piece is a received PIECE message resolved against a specific block of
// a specific piece the caller already knows it requested.
type Piece struct {
	PieceIndex int
	BlockIndex int
	Data       []byte
}

// Request is an incoming REQUEST or REJECT addressed at a specific
// piece/block.
type Request struct {
	PieceIndex int
	BlockIndex int
	Begin      uint32
	Length     uint32
}

// Peer is one torrent's view of a connected remote: the transport plus
// choke/interest flags, quality score inputs, and extension state.
type Peer struct {
	*peerconn.Conn
	Addr   net.Addr
	Source Source

	ExtensionHandshake peerprotocol.ExtensionHandshakeMessage
	HasExtensionHS     bool

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	OptimisticUnchoke bool

	BytesDownloaded int64
	BytesUploaded   int64

	// BytesDownlaodedInChokePeriod / BytesUploadedInChokePeriod are the
	// 20-second windows the choking controller's moving average reads;
	// reset each unchoke tick.
	BytesDownlaodedInChokePeriod int64
	BytesUploadedInChokePeriod   int64

	ConnectedAt      time.Time
	TimeoutCount     int
	ViolationCount   int

	started time.Time
}

// New wraps an already-handshaked connection into a session-level Peer.
func New(c *peerconn.Conn, addr net.Addr, source Source) *Peer {
	return &Peer{
		Conn:        c,
		Addr:        addr,
		Source:      source,
		AmChoking:   true,
		PeerChoking: true,
		ConnectedAt: time.Now(),
		started:     time.Now(),
	}
}

// SendRequest queues a REQUEST message for (pieceIndex, begin, length).
func (p *Peer) SendRequest(pieceIndex int, begin, length uint32) error {
	p.SendMessage(peerprotocol.RequestMessage{Index: uint32(pieceIndex), Begin: begin, Length: length})
	return nil
}

// SendCancel queues a CANCEL message, used to retire an endgame duplicate
// request once any peer has delivered the block.
func (p *Peer) SendCancel(pieceIndex int, begin, length uint32) {
	p.SendMessage(peerprotocol.CancelMessage{Index: uint32(pieceIndex), Begin: begin, Length: length})
}

// SendMessage queues msg on the writer half.
func (p *Peer) SendMessage(msg peerprotocol.Message) {
	p.Writer.SendMessage(msg)
}

// SendPiece queues an outgoing PIECE payload, sourced from src (the
// torrent's disk-backed block reader).
func (p *Peer) SendPiece(ctx context.Context, req peerprotocol.RequestMessage, src peerwriter.PieceSource) {
	p.Writer.SendPiece(ctx, req, src)
}

// QualityScore combines the peer's transfer rate since it started, its
// protocol-violation count, and its source weight into a 0..1 score.
// Once the connection is older than five minutes the score decays toward
// 0.5 with connection age, whether or not the peer is idle. Connection
// success rate is not an input. See spec §4.5.
func (p *Peer) QualityScore(now time.Time) float64 {
	const (
		rateWeight       = 0.4
		violationPenalty = 0.1
		sourceWeight     = 0.1
	)
	var score float64 = 0.5

	rate := normalizeRate(p.BytesDownloaded+p.BytesUploaded, now.Sub(p.started))
	score += rateWeight * (rate - 0.5)

	score -= violationPenalty * float64(p.ViolationCount)

	switch p.Source {
	case SourceTracker, SourceManual:
		score += sourceWeight
	case SourceDHT, SourcePEX:
		score += sourceWeight / 2
	}

	age := now.Sub(p.ConnectedAt)
	if age > 5*time.Minute {
		// decay toward the neutral midpoint as the connection ages
		decay := 1 - minFloat(age.Seconds()/3600, 0.5)
		score = 0.5 + (score-0.5)*decay
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func normalizeRate(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0.5
	}
	bps := float64(bytes) / d.Seconds()
	// 1 MiB/s maps to 1.0; the scale is linear and capped at 1.0, so a
	// handful of KiB/s from a slow peer scores just above zero.
	const ref = 1024 * 1024
	if bps <= 0 {
		return 0
	}
	v := bps / ref
	if v > 1 {
		v = 1
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
