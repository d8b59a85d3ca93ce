// Package btconn dials and accepts BitTorrent peer connections: it owns
// the 68-byte handshake exchange and the info-hash/self-connection
// checks that gate a raw net.Conn into a validated peer session.
package btconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
)

var (
	// ErrUnknownInfoHash is returned when the remote's handshake names
	// an info-hash this engine is not currently serving.
	ErrUnknownInfoHash = errors.New("btconn: unknown info hash")
	// ErrOwnConnection is returned when a peer's id equals our own,
	// i.e. we connected to ourselves (loopback announce, NAT quirk).
	ErrOwnConnection = errors.New("btconn: dropped own connection")
)

// Handshaked is the result of a successful handshake exchange.
type Handshaked struct {
	Conn     net.Conn
	PeerID   [20]byte
	Reserved [8]byte
	InfoHash [20]byte
}

// HasInfoHash reports whether infoHash is one of the torrents this
// engine currently serves; callers supply it to Accept as a closure
// over the session's torrent table.
type HasInfoHash func(infoHash [20]byte) bool

// Dial opens an outbound connection to addr, sends the handshake for
// infoHash, and validates the peer's returned handshake.
func Dial(ctx context.Context, addr string, infoHash, ourID [20]byte, reserved [8]byte) (*Handshaked, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("btconn: dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	hs, err := exchange(conn, infoHash, ourID, reserved, true)
	if err == nil {
		conn.SetDeadline(time.Time{})
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return hs, nil
}

// Accept completes the inbound side of a handshake on an already-accepted
// connection, checking the remote's info-hash against hasInfoHash.
func Accept(conn net.Conn, ourID [20]byte, reserved [8]byte, hasInfoHash HasInfoHash) (*Handshaked, error) {
	theirs, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		return nil, fmt.Errorf("btconn: reading handshake: %w", err)
	}
	if !hasInfoHash(theirs.InfoHash) {
		return nil, ErrUnknownInfoHash
	}
	if theirs.PeerID == ourID {
		return nil, ErrOwnConnection
	}
	ours := peerprotocol.Handshake{Reserved: reserved, InfoHash: theirs.InfoHash, PeerID: ourID}
	if err := peerprotocol.WriteHandshake(conn, ours); err != nil {
		return nil, fmt.Errorf("btconn: writing handshake: %w", err)
	}
	return &Handshaked{Conn: conn, PeerID: theirs.PeerID, Reserved: theirs.Reserved, InfoHash: theirs.InfoHash}, nil
}

func exchange(conn net.Conn, infoHash, ourID [20]byte, reserved [8]byte, outbound bool) (*Handshaked, error) {
	ours := peerprotocol.Handshake{Reserved: reserved, InfoHash: infoHash, PeerID: ourID}
	if outbound {
		if err := peerprotocol.WriteHandshake(conn, ours); err != nil {
			return nil, fmt.Errorf("btconn: writing handshake: %w", err)
		}
	}
	theirs, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		return nil, fmt.Errorf("btconn: reading handshake: %w", err)
	}
	if theirs.InfoHash != infoHash {
		return nil, ErrUnknownInfoHash
	}
	if theirs.PeerID == ourID {
		return nil, ErrOwnConnection
	}
	return &Handshaked{Conn: conn, PeerID: theirs.PeerID, Reserved: theirs.Reserved, InfoHash: theirs.InfoHash}, nil
}
