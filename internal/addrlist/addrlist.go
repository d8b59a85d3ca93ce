// Package addrlist holds peer addresses waiting to be dialed: a
// dedup set plus a source-aware ordering (tracker/manual addresses go to
// the front of the queue, most recently pushed first; DHT/PEX/incoming
// addresses are appended in arrival order), so addresses learned from
// multiple sources (tracker, DHT, PEX, manual) don't get dialed twice.
package addrlist

import (
	"net"
	"sync"

	"github.com/spaolacci/murmur3"
)

// PeerSource identifies how an address was learned, used both for
// logging and to weight dial order (tracker/manual first).
type PeerSource int

const (
	Tracker PeerSource = iota
	DHT
	PEX
	Manual
	Incoming
)

func (s PeerSource) String() string {
	switch s {
	case Tracker:
		return "tracker"
	case DHT:
		return "dht"
	case PEX:
		return "pex"
	case Manual:
		return "manual"
	case Incoming:
		return "incoming"
	default:
		return "unknown"
	}
}

type entry struct {
	addr   *net.TCPAddr
	source PeerSource
}

// AddrList is a dedup'd queue of addresses to dial, capped at maxItems
// so a flood of tracker/PEX addresses can't grow it unbounded. Safe for
// concurrent use: a torrent's own run loop pushes tracker/PEX addresses
// while the session's DHT result pump pushes DHT addresses for the same
// torrent from a separate goroutine.
type AddrList struct {
	mu       sync.Mutex
	maxItems int
	queue    []entry
	// seen keys addresses by their murmur3 hash rather than the raw
	// string, the same placement-hash idiom the dependency pack uses for
	// consistent node selection (lib/hrw), simplified here to a flat
	// dedup fingerprint since AddrList has no weighted nodes to place
	// against. A collision just skips one legitimate address early; it
	// is not correctness-critical.
	seen map[uint64]struct{}
}

// New returns an empty AddrList capped at maxItems entries.
func New(maxItems int) *AddrList {
	return &AddrList{
		maxItems: maxItems,
		seen:     make(map[uint64]struct{}),
	}
}

func addrKey(addr *net.TCPAddr) uint64 {
	return murmur3.Sum64([]byte(addr.String()))
}

// Push appends addrs not already queued or previously popped-and-seen,
// tagging each with source. New addresses from Tracker/Manual are
// queued ahead of DHT/PEX/Incoming, matching the engine's preference
// for higher-trust sources.
func (l *AddrList) Push(addrs []*net.TCPAddr, source PeerSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, addr := range addrs {
		key := addrKey(addr)
		if _, ok := l.seen[key]; ok {
			continue
		}
		if len(l.queue) >= l.maxItems {
			return
		}
		l.seen[key] = struct{}{}
		e := entry{addr: addr, source: source}
		if source == Tracker || source == Manual {
			l.queue = append([]entry{e}, l.queue...)
		} else {
			l.queue = append(l.queue, e)
		}
	}
}

// Pop removes and returns the next address to dial, or nil if empty.
func (l *AddrList) Pop() *net.TCPAddr {
	addr, _ := l.PopWithSource()
	return addr
}

// PopWithSource is like Pop but also reports which source the address
// was learned from, so the caller can weight the resulting peer
// connection's quality score accordingly.
func (l *AddrList) PopWithSource() (*net.TCPAddr, PeerSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, 0
	}
	e := l.queue[0]
	l.queue = l.queue[1:]
	return e.addr, e.source
}

// Len reports how many addresses are currently queued.
func (l *AddrList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Reset clears the seen-set, allowing previously popped addresses to be
// re-learned (used after a long disconnect when the address pool has
// likely gone stale).
func (l *AddrList) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = make(map[uint64]struct{})
}
