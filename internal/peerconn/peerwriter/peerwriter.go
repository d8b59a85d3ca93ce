// Package peerwriter runs the write half of a peer wire session: a
// queued sender that serializes outgoing messages and applies the
// upload-side rate limit before each PIECE payload.
package peerwriter

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/ccbittorrent/swarmd/internal/logger"
	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
)

// PieceSource supplies the bytes for an outgoing PIECE message, read from
// disk by the caller (the disk I/O layer) rather than held in memory.
type PieceSource interface {
	ReadBlock(ctx context.Context, pieceIndex int, offset, length int64) ([]byte, error)
}

// PeerWriter serializes outgoing messages onto a connection, one at a
// time, so interleaved SendMessage/SendPiece calls never corrupt framing.
type PeerWriter struct {
	w        io.Writer
	log      logger.Logger
	limiter  *rate.Limiter
	sendC    chan func() error
}

// New returns a PeerWriter over w. limiter may be nil to disable
// upload-side rate limiting (e.g. for a torrent with no configured cap).
func New(w io.Writer, l logger.Logger, limiter *rate.Limiter) *PeerWriter {
	return &PeerWriter{
		w:       w,
		log:     l,
		limiter: limiter,
		sendC:   make(chan func() error, 64),
	}
}

// Run drains queued sends until stopC closes or a write fails.
func (pw *PeerWriter) Run(stopC chan struct{}) {
	for {
		select {
		case send := <-pw.sendC:
			if err := send(); err != nil {
				pw.log.Debugln("peerwriter: write error:", err)
				return
			}
		case <-stopC:
			return
		}
	}
}

// SendMessage queues a core-protocol or extension message for writing.
func (pw *PeerWriter) SendMessage(msg peerprotocol.Message) {
	pw.enqueue(func() error { return pw.writeMessage(msg) })
}

// SendKeepAlive queues a zero-length keep-alive frame.
func (pw *PeerWriter) SendKeepAlive() {
	pw.enqueue(func() error { return peerprotocol.WriteKeepAlive(pw.w) })
}

// SendPiece reads [begin, begin+length) of pieceIndex from src and
// queues it as a PIECE message, consulting the rate limiter first so a
// starved bucket defers (not drops) the send.
func (pw *PeerWriter) SendPiece(ctx context.Context, req peerprotocol.RequestMessage, src PieceSource) {
	pw.enqueue(func() error {
		if pw.limiter != nil {
			if err := pw.limiter.WaitN(ctx, int(req.Length)); err != nil {
				return err
			}
		}
		data, err := src.ReadBlock(ctx, int(req.Index), int64(req.Begin), int64(req.Length))
		if err != nil {
			return err
		}
		if data == nil {
			return nil // block no longer available; silently drop per spec's "not available" semantics
		}
		payload := make([]byte, 8+len(data))
		putUint32(payload[0:4], req.Index)
		putUint32(payload[4:8], req.Begin)
		copy(payload[8:], data)
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Piece, payload)
	})
}

func (pw *PeerWriter) enqueue(f func() error) {
	pw.sendC <- f
}

func (pw *PeerWriter) writeMessage(msg peerprotocol.Message) error {
	switch m := msg.(type) {
	case peerprotocol.ChokeMessage:
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Choke, nil)
	case peerprotocol.UnchokeMessage:
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Unchoke, nil)
	case peerprotocol.InterestedMessage:
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Interested, nil)
	case peerprotocol.NotInterestedMessage:
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.NotInterested, nil)
	case peerprotocol.HaveAllMessage:
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.HaveAll, nil)
	case peerprotocol.HaveNoneMessage:
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.HaveNone, nil)
	case peerprotocol.HaveMessage:
		buf := make([]byte, 4)
		putUint32(buf, m.Index)
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Have, buf)
	case peerprotocol.BitfieldMessage:
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Bitfield, m.Data)
	case peerprotocol.RequestMessage:
		buf := make([]byte, 12)
		putUint32(buf[0:4], m.Index)
		putUint32(buf[4:8], m.Begin)
		putUint32(buf[8:12], m.Length)
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Request, buf)
	case peerprotocol.CancelMessage:
		buf := make([]byte, 12)
		putUint32(buf[0:4], m.Index)
		putUint32(buf[4:8], m.Begin)
		putUint32(buf[8:12], m.Length)
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Cancel, buf)
	case peerprotocol.RejectMessage:
		buf := make([]byte, 12)
		putUint32(buf[0:4], m.Index)
		putUint32(buf[4:8], m.Begin)
		putUint32(buf[8:12], m.Length)
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.RejectPiece, buf)
	case peerprotocol.AllowedFastMessage:
		buf := make([]byte, 4)
		putUint32(buf, m.Index)
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.AllowedFast, buf)
	case peerprotocol.PortMessage:
		buf := make([]byte, 2)
		buf[0] = byte(m.Port >> 8)
		buf[1] = byte(m.Port)
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Port, buf)
	case peerprotocol.ExtensionHandshakeMessage:
		payload, err := peerprotocol.EncodeExtensionHandshake(m)
		if err != nil {
			return err
		}
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Extension, payload)
	case peerprotocol.ExtensionMessage:
		dict := m.Payload
		var trailer []byte
		if ep, ok := m.Payload.(peerprotocol.ExtensionPayload); ok {
			dict = ep.Dict
			trailer = ep.Trailer
		}
		payload, err := peerprotocol.EncodeExtensionMessage(m.ExtendedMessageID, dict, trailer)
		if err != nil {
			return err
		}
		return peerprotocol.WriteRawMessage(pw.w, peerprotocol.Extension, payload)
	default:
		return nil
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
