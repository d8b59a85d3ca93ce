// Package acceptor listens for inbound peer connections on a TCP port
// and forwards each accepted connection to the session for handshaking.
package acceptor

import (
	"net"

	"github.com/ccbittorrent/swarmd/internal/logger"
)

// Acceptor runs a single listener and publishes accepted connections.
type Acceptor struct {
	listener net.Listener
	log      logger.Logger

	connC  chan net.Conn
	closeC chan struct{}
}

// New starts listening on addr ("0.0.0.0:<port>" or "" for an
// OS-assigned port) and returns an Acceptor ready to Run.
func New(addr string, l logger.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Acceptor{
		listener: ln,
		log:      l,
		connC:    make(chan net.Conn),
		closeC:   make(chan struct{}),
	}, nil
}

// Port returns the bound TCP port, useful when addr requested port 0.
func (a *Acceptor) Port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

// Conns is the channel new inbound connections are published on.
func (a *Acceptor) Conns() <-chan net.Conn { return a.connC }

// Run accepts connections until Close is called, publishing each on
// Conns(). The accept loop's own goroutine exits once the listener is
// closed; this method itself should be run in its own goroutine since
// it blocks on sending to an unbuffered channel.
func (a *Acceptor) Run() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				a.log.Debugln("acceptor: accept error:", err)
				return
			}
		}
		select {
		case a.connC <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

// Close stops accepting new connections.
func (a *Acceptor) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
	a.listener.Close()
}
