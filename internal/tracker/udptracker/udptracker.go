// Package udptracker implements the UDP tracker transport (BEP 15):
// connect/announce/scrape framed as fixed-layout binary packets with
// cryptographically random transaction IDs.
package udptracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/tracker"
)

const (
	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3

	protocolID = 0x41727101980 // BEP 15 magic connect-request constant

	connectionIDLifetime = 60 * time.Second
)

// UDPTracker announces/scrapes one UDP tracker endpoint.
type UDPTracker struct {
	url       string
	addr      string
	conn      net.Conn
	timeout   time.Duration

	connectionID     uint64
	connectionIDSetAt time.Time
}

// New prepares a UDPTracker for addr, rawURL's host:port (already
// stripped of the "udp://" scheme by the caller); it does no name
// resolution itself. The socket is opened lazily on first Announce/Scrape.
func New(rawURL, addr string, timeout time.Duration) *UDPTracker {
	return &UDPTracker{url: rawURL, addr: addr, timeout: timeout}
}

func (t *UDPTracker) URL() string { return t.url }

func (t *UDPTracker) ensureConn() error {
	if t.conn != nil {
		return nil
	}
	conn, err := net.Dial("udp", t.addr)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func randomTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (t *UDPTracker) connect(ctx context.Context) (uint64, error) {
	if t.connectionID != 0 && time.Since(t.connectionIDSetAt) < connectionIDLifetime {
		return t.connectionID, nil
	}
	if err := t.ensureConn(); err != nil {
		return 0, err
	}
	txID, err := randomTransactionID()
	if err != nil {
		return 0, err
	}
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := t.roundTrip(ctx, req, 16)
	if err != nil {
		return 0, err
	}
	if err := checkResponse(resp, actionConnect, txID); err != nil {
		return 0, err
	}
	t.connectionID = binary.BigEndian.Uint64(resp[8:16])
	t.connectionIDSetAt = time.Now()
	return t.connectionID, nil
}

// Announce performs connect (if needed) then announce, per BEP 15.
func (t *UDPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	connID, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	txID, err := randomTransactionID()
	if err != nil {
		return nil, err
	}

	pkt := make([]byte, 98)
	binary.BigEndian.PutUint64(pkt[0:8], connID)
	binary.BigEndian.PutUint32(pkt[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:16], txID)
	copy(pkt[16:36], req.InfoHash[:])
	copy(pkt[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(pkt[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(pkt[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(pkt[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(pkt[80:84], uint32(eventCode(req.Event)))
	binary.BigEndian.PutUint32(pkt[84:88], 0) // IP: 0 = use sender's address
	binary.BigEndian.PutUint32(pkt[88:92], 0) // key: unused, no reconnect correlation needed
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(pkt[96:98], req.Port)

	resp, err := t.roundTrip(ctx, pkt, 20)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, actionAnnounce, txID); err != nil {
		return nil, err
	}
	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	leechers := int(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int(binary.BigEndian.Uint32(resp[16:20]))
	peersRaw := resp[20:]
	if len(peersRaw)%6 != 0 {
		return nil, fmt.Errorf("udptracker: invalid peers payload length: %d", len(peersRaw))
	}
	peers := make([]*net.TCPAddr, 0, len(peersRaw)/6)
	for i := 0; i+6 <= len(peersRaw); i += 6 {
		ip := net.IPv4(peersRaw[i], peersRaw[i+1], peersRaw[i+2], peersRaw[i+3])
		port := int(peersRaw[i+4])<<8 | int(peersRaw[i+5])
		peers = append(peers, &net.TCPAddr{IP: ip, Port: port})
	}
	return &tracker.AnnounceResponse{Interval: interval, Peers: peers, Leechers: leechers, Seeders: seeders}, nil
}

// Scrape queries swarm stats for up to 74 info hashes per BEP 15's
// single-packet limit (the caller is expected to chunk beyond that).
func (t *UDPTracker) Scrape(ctx context.Context, infoHashes [][20]byte) (map[[20]byte]tracker.ScrapeResponse, error) {
	connID, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	txID, err := randomTransactionID()
	if err != nil {
		return nil, err
	}
	pkt := make([]byte, 16+20*len(infoHashes))
	binary.BigEndian.PutUint64(pkt[0:8], connID)
	binary.BigEndian.PutUint32(pkt[8:12], actionScrape)
	binary.BigEndian.PutUint32(pkt[12:16], txID)
	for i, ih := range infoHashes {
		copy(pkt[16+i*20:16+(i+1)*20], ih[:])
	}

	resp, err := t.roundTrip(ctx, pkt, 8+12*len(infoHashes))
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, actionScrape, txID); err != nil {
		return nil, err
	}
	out := make(map[[20]byte]tracker.ScrapeResponse, len(infoHashes))
	body := resp[8:]
	for i, ih := range infoHashes {
		off := i * 12
		if off+12 > len(body) {
			break
		}
		out[ih] = tracker.ScrapeResponse{
			Complete:   int(binary.BigEndian.Uint32(body[off : off+4])),
			Downloaded: int(binary.BigEndian.Uint32(body[off+4 : off+8])),
			Incomplete: int(binary.BigEndian.Uint32(body[off+8 : off+12])),
		}
	}
	return out, nil
}

// roundTrip writes pkt and reads a reply of at least minLen bytes,
// respecting ctx's deadline via the underlying connection.
func (t *UDPTracker) roundTrip(ctx context.Context, pkt []byte, minLen int) ([]byte, error) {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetDeadline(deadline)

	if _, err := t.conn.Write(pkt); err != nil {
		return nil, err
	}
	buf := make([]byte, 4096)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < minLen {
		return nil, fmt.Errorf("udptracker: short response: %d bytes", n)
	}
	return buf[:n], nil
}

func checkResponse(resp []byte, wantAction int, wantTxID uint32) error {
	if len(resp) < 8 {
		return fmt.Errorf("udptracker: response too short")
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	txID := binary.BigEndian.Uint32(resp[4:8])
	if txID != wantTxID {
		return fmt.Errorf("udptracker: transaction id mismatch")
	}
	if action == actionError {
		return fmt.Errorf("udptracker: tracker error: %s", string(resp[8:]))
	}
	if int(action) != wantAction {
		return fmt.Errorf("udptracker: unexpected action %d", action)
	}
	return nil
}

func eventCode(e tracker.Event) int {
	switch e {
	case tracker.EventCompleted:
		return 1
	case tracker.EventStarted:
		return 2
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}
