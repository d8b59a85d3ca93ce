// Package outgoinghandshaker dials a peer address and completes the
// outbound handshake, reporting the result on a caller-owned channel so
// many dials can run concurrently without blocking the torrent's event
// loop.
package outgoinghandshaker

import (
	"context"
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/btconn"
)

// OutgoingHandshaker dials and handshakes one peer address.
type OutgoingHandshaker struct {
	Addr     *net.TCPAddr
	Result   *btconn.Handshaked
	Err      error
	closeC   chan struct{}
}

// New prepares a handshaker for addr. Call Run to actually dial.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{Addr: addr, closeC: make(chan struct{})}
}

// Close aborts an in-flight dial/handshake.
func (h *OutgoingHandshaker) Close() {
	select {
	case <-h.closeC:
	default:
		close(h.closeC)
	}
}

// Run dials h.Addr and exchanges the handshake under one deadline of
// connectTimeout+handshakeTimeout, reporting h on resultC either way. ourID and
// infoHash identify us and the torrent we're dialing for; reserved
// carries our advertised feature bits.
func (h *OutgoingHandshaker) Run(
	connectTimeout, handshakeTimeout time.Duration,
	ourID, infoHash [20]byte,
	reserved [8]byte,
	resultC chan<- *OutgoingHandshaker,
) {
	defer func() { resultC <- h }()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout+handshakeTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		hs, err := btconn.Dial(ctx, h.Addr.String(), infoHash, ourID, reserved)
		h.Result, h.Err = hs, err
	}()

	select {
	case <-done:
	case <-h.closeC:
		cancel()
		<-done
	}
}
