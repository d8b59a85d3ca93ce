// Package handshaker_test exercises incominghandshaker and
// outgoinghandshaker together over a real loopback TCP connection,
// since each package alone only implements one side of the exchange.
package handshaker_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/handshaker/incominghandshaker"
	"github.com/ccbittorrent/swarmd/internal/handshaker/outgoinghandshaker"
)

func TestHandshakeRoundTripOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var serverID, clientID [20]byte
	copy(serverID[:], "serverserverserverse")
	copy(clientID[:], "clientclientclientcl")

	incomingResultC := make(chan *incominghandshaker.IncomingHandshaker, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h := incominghandshaker.New(conn)
		h.Run(serverID, [8]byte{}, func(ih [20]byte) bool { return ih == infoHash }, 300*time.Millisecond, incomingResultC)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	outgoingResultC := make(chan *outgoinghandshaker.OutgoingHandshaker, 1)
	h := outgoinghandshaker.New(addr)
	go h.Run(300*time.Millisecond, 300*time.Millisecond, clientID, infoHash, [8]byte{}, outgoingResultC)

	select {
	case res := <-outgoingResultC:
		require.NoError(t, res.Err)
		assert.Equal(t, serverID, res.Result.PeerID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for outgoing handshake")
	}

	select {
	case res := <-incomingResultC:
		require.NoError(t, res.Err)
		assert.Equal(t, clientID, res.Result.PeerID)
		assert.Equal(t, infoHash, res.Result.InfoHash)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for incoming handshake")
	}
}

func TestIncomingHandshakeRejectsUnknownInfoHash(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var wantHash, otherHash [20]byte
	copy(wantHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(otherHash[:], "bbbbbbbbbbbbbbbbbbbb")
	var serverID, clientID [20]byte
	copy(serverID[:], "serverserverserverse")
	copy(clientID[:], "clientclientclientcl")

	incomingResultC := make(chan *incominghandshaker.IncomingHandshaker, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h := incominghandshaker.New(conn)
		h.Run(serverID, [8]byte{}, func(ih [20]byte) bool { return ih == wantHash }, 300*time.Millisecond, incomingResultC)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	outgoingResultC := make(chan *outgoinghandshaker.OutgoingHandshaker, 1)
	h := outgoinghandshaker.New(addr)
	go h.Run(300*time.Millisecond, 300*time.Millisecond, clientID, otherHash, [8]byte{}, outgoingResultC)

	<-outgoingResultC

	select {
	case res := <-incomingResultC:
		assert.Error(t, res.Err)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for incoming handshake")
	}
}
