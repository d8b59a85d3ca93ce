// Package peerreader runs the read half of a peer wire session: framing,
// message decode, and fast-extension/extension-protocol awareness.
package peerreader

import (
	"fmt"
	"io"

	"github.com/ccbittorrent/swarmd/internal/logger"
	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
)

// Piece is a decoded PIECE message plus its block payload, read
// separately from the bencode/reflection path to avoid an extra copy of
// potentially-large block data.
type Piece struct {
	peerprotocol.PieceMessage
	Data []byte
}

// PeerReader decodes the framed message stream from a peer connection
// and publishes typed messages on Messages().
type PeerReader struct {
	r                 io.Reader
	log               logger.Logger
	fastExtension     bool
	extensionProtocol bool

	messages chan interface{}
}

// New returns a PeerReader over r.
func New(r io.Reader, l logger.Logger, fastExtension, extensionProtocol bool) *PeerReader {
	return &PeerReader{
		r:                 r,
		log:               l,
		fastExtension:     fastExtension,
		extensionProtocol: extensionProtocol,
		messages:          make(chan interface{}),
	}
}

// Messages returns the channel of decoded messages (peerprotocol.Message
// values, or Piece for data-bearing PIECE frames).
func (p *PeerReader) Messages() <-chan interface{} { return p.messages }

// Run reads frames until stopC closes or an error/EOF occurs, publishing
// each decoded message. The caller must drain Messages() concurrently.
func (p *PeerReader) Run(stopC chan struct{}) {
	defer close(p.messages)
	for {
		msg, err := p.readOne()
		if err != nil {
			if err != io.EOF {
				p.log.Debugln("peerreader: read error:", err)
			}
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		select {
		case p.messages <- msg:
		case <-stopC:
			return
		}
	}
}

func (p *PeerReader) readOne() (interface{}, error) {
	raw, err := peerprotocol.ReadRawMessage(p.r)
	if err != nil {
		return nil, err
	}
	if raw.ID == -1 {
		return nil, nil
	}
	if peerprotocol.MessageID(raw.ID) == peerprotocol.Piece {
		if len(raw.Payload) < 8 {
			return nil, fmt.Errorf("peerreader: invalid piece message length %d", len(raw.Payload))
		}
		msg, err := peerprotocol.DecodeMessage(raw)
		if err != nil {
			return nil, err
		}
		pm := msg.(peerprotocol.PieceMessage)
		return Piece{PieceMessage: pm, Data: raw.Payload[8:]}, nil
	}
	if !p.fastExtension && isFastExtensionOnly(peerprotocol.MessageID(raw.ID)) {
		return nil, fmt.Errorf("peerreader: received fast-extension message %d without fast extension negotiated", raw.ID)
	}
	return peerprotocol.DecodeMessage(raw)
}

func isFastExtensionOnly(id peerprotocol.MessageID) bool {
	switch id {
	case peerprotocol.HaveAll, peerprotocol.HaveNone, peerprotocol.SuggestPiece,
		peerprotocol.RejectPiece, peerprotocol.AllowedFast:
		return true
	default:
		return false
	}
}
