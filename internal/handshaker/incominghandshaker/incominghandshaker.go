// Package incominghandshaker completes the inbound half of a handshake
// on an already-accepted connection, bounding it with a deadline so a
// slow or silent peer can't pin a goroutine forever.
package incominghandshaker

import (
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/btconn"
)

// IncomingHandshaker handshakes one accepted connection.
type IncomingHandshaker struct {
	Conn   net.Conn
	Result *btconn.Handshaked
	Err    error
}

// New prepares a handshaker over an already-accepted conn.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{Conn: conn}
}

// Run performs the handshake with handshakeTimeout, validating the
// remote's info-hash via hasInfoHash, then reports h on resultC.
func (h *IncomingHandshaker) Run(
	ourID [20]byte,
	reserved [8]byte,
	hasInfoHash btconn.HasInfoHash,
	handshakeTimeout time.Duration,
	resultC chan<- *IncomingHandshaker,
) {
	defer func() { resultC <- h }()

	h.Conn.SetDeadline(time.Now().Add(handshakeTimeout))
	hs, err := btconn.Accept(h.Conn, ourID, reserved, hasInfoHash)
	if err != nil {
		h.Err = err
		return
	}
	hs.Conn.SetDeadline(time.Time{})
	h.Result = hs
}
