// Package pex implements Peer Exchange (BEP 11): tracking which peers
// a torrent has gained/lost since its last ut_pex message, and
// encoding/decoding the compact added/dropped address lists carried
// over the extension channel.
package pex

import (
	"fmt"
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
)

// MinInterval is BEP 11's floor on how often a ut_pex message may be
// sent to the same peer.
const MinInterval = 60 * time.Second

// Tracker accumulates added/dropped peer addresses for one torrent
// between PEX ticks and produces the wire message to broadcast.
type Tracker struct {
	added   map[string]*net.TCPAddr
	dropped map[string]*net.TCPAddr
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{added: make(map[string]*net.TCPAddr), dropped: make(map[string]*net.TCPAddr)}
}

// PeerConnected records addr as gained since the last Flush.
func (t *Tracker) PeerConnected(addr *net.TCPAddr) {
	key := addr.String()
	delete(t.dropped, key)
	t.added[key] = addr
}

// PeerDisconnected records addr as lost since the last Flush, unless
// it was only just added and never broadcast.
func (t *Tracker) PeerDisconnected(addr *net.TCPAddr) {
	key := addr.String()
	if _, wasAdded := t.added[key]; wasAdded {
		delete(t.added, key)
		return
	}
	t.dropped[key] = addr
}

// Flush builds this tick's ut_pex message and resets the tracked
// delta. Returns false if there is nothing to report.
func (t *Tracker) Flush() (peerprotocol.PEXMessage, bool) {
	if len(t.added) == 0 && len(t.dropped) == 0 {
		return peerprotocol.PEXMessage{}, false
	}
	msg := peerprotocol.PEXMessage{
		Added:   EncodeCompact(values(t.added)),
		Dropped: EncodeCompact(values(t.dropped)),
	}
	t.added = make(map[string]*net.TCPAddr)
	t.dropped = make(map[string]*net.TCPAddr)
	return msg, true
}

func values(m map[string]*net.TCPAddr) []*net.TCPAddr {
	out := make([]*net.TCPAddr, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out
}

// EncodeCompact packs addrs as BEP 23 compact 6-byte IPv4 entries,
// silently skipping any non-IPv4 address (ut_pex has no IPv6 framing
// in this field; ut_pex6 would carry those separately).
func EncodeCompact(addrs []*net.TCPAddr) []byte {
	out := make([]byte, 0, len(addrs)*6)
	for _, a := range addrs {
		ip4 := a.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, ip4...)
		out = append(out, byte(a.Port>>8), byte(a.Port))
	}
	return out
}

// DecodeCompact unpacks a BEP 23 compact peer list.
func DecodeCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("pex: invalid compact peers length: %d", len(b))
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}

// HandleMessage decodes an incoming ut_pex message into added/dropped
// address lists.
func HandleMessage(msg peerprotocol.PEXMessage) (added, dropped []*net.TCPAddr, err error) {
	added, err = DecodeCompact(msg.Added)
	if err != nil {
		return nil, nil, err
	}
	dropped, err = DecodeCompact(msg.Dropped)
	if err != nil {
		return nil, nil, err
	}
	return added, dropped, nil
}
