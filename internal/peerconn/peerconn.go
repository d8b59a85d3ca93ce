// Package peerconn wires a peer's reader and writer halves to a live
// connection and manages their shared lifecycle.
package peerconn

import (
	"net"

	"golang.org/x/time/rate"

	"github.com/ccbittorrent/swarmd/internal/logger"
	"github.com/ccbittorrent/swarmd/internal/peerconn/peerreader"
	"github.com/ccbittorrent/swarmd/internal/peerconn/peerwriter"
	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
)

// Conn pairs a net.Conn with its reader/writer goroutines and a shared
// shutdown signal. Grounded on the teacher's reader/writer-split
// lifecycle (closeC/closedC handshake, three-way select on whichever
// half exits first).
type Conn struct {
	conn          net.Conn
	id            [20]byte
	FastExtension bool
	Extension     bool

	Reader *peerreader.PeerReader
	Writer *peerwriter.PeerWriter

	log     logger.Logger
	closeC  chan struct{}
	closedC chan struct{}
}

// New builds a Conn over an already-handshaked connection. reserved is
// the peer's handshake reserved-bytes field, used to decide which
// optional wire features this peer supports.
func New(conn net.Conn, id [20]byte, reserved [8]byte, l logger.Logger, uploadLimiter *rate.Limiter) *Conn {
	fast := peerprotocol.HasFastExtension(reserved)
	ext := peerprotocol.HasExtensionProtocol(reserved)
	return &Conn{
		conn:          conn,
		id:            id,
		FastExtension: fast,
		Extension:     ext,
		Reader:        peerreader.New(conn, l, fast, ext),
		Writer:        peerwriter.New(conn, l, uploadLimiter),
		log:           l,
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
	}
}

func (c *Conn) ID() [20]byte        { return c.id }
func (c *Conn) String() string      { return c.conn.RemoteAddr().String() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close signals shutdown and waits for both halves to exit.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// Run starts the reader/writer goroutines and blocks until the
// connection is closed, either by Close or by one half failing.
func (c *Conn) Run() {
	defer close(c.closedC)
	readerDone := make(chan struct{})
	go func() {
		c.Reader.Run(c.closeC)
		close(readerDone)
	}()
	writerDone := make(chan struct{})
	go func() {
		c.Writer.Run(c.closeC)
		close(writerDone)
	}()
	select {
	case <-c.closeC:
		c.conn.Close()
		<-readerDone
		<-writerDone
	case <-readerDone:
		c.conn.Close()
		<-writerDone
	case <-writerDone:
		c.conn.Close()
		<-readerDone
	}
}
