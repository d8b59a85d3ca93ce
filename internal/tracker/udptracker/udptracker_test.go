package udptracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/tracker"
)

// fakeServer answers connect+announce requests over a UDP socket so
// UDPTracker can be driven end-to-end without a real tracker.
func fakeServer(t *testing.T, handle func(pkt []byte, reply func([]byte))) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := append([]byte(nil), buf[:n]...)
			handle(pkt, func(resp []byte) {
				conn.WriteToUDP(resp, addr)
			})
		}
	}()
	return conn.LocalAddr().String()
}

func TestConnectThenAnnounceRoundTrip(t *testing.T) {
	const fakeConnID = uint64(0xdeadbeefcafe)
	addr := fakeServer(t, func(pkt []byte, reply func([]byte)) {
		action := binary.BigEndian.Uint32(pkt[8:12])
		txID := binary.BigEndian.Uint32(pkt[12:16])
		switch action {
		case actionConnect:
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], actionConnect)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], fakeConnID)
			reply(resp)
		case actionAnnounce:
			resp := make([]byte, 26)
			binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint32(resp[8:12], 1800)
			binary.BigEndian.PutUint32(resp[12:16], 2)
			binary.BigEndian.PutUint32(resp[16:20], 5)
			copy(resp[20:26], []byte{127, 0, 0, 1, 0x1A, 0xE1})
			reply(resp)
		}
	})

	tr := New("udp://tracker.example/announce", addr, 2*time.Second)
	resp, err := tr.Announce(context.Background(), tracker.AnnounceRequest{NumWant: 50})
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	assert.Equal(t, 2, resp.Leechers)
	assert.Equal(t, 5, resp.Seeders)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	assert.Equal(t, 0x1AE1, resp.Peers[0].Port)
	assert.Equal(t, fakeConnID, tr.connectionID)
}

func TestConnectionIDReusedWithinLifetime(t *testing.T) {
	var connectCount int
	addr := fakeServer(t, func(pkt []byte, reply func([]byte)) {
		action := binary.BigEndian.Uint32(pkt[8:12])
		txID := binary.BigEndian.Uint32(pkt[12:16])
		if action == actionConnect {
			connectCount++
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], actionConnect)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], 42)
			reply(resp)
		}
	})
	tr := New("udp://tracker.example/announce", addr, 2*time.Second)
	_, err := tr.connect(context.Background())
	require.NoError(t, err)
	_, err = tr.connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, connectCount)
}

func TestScrapeDecodesPerHashStats(t *testing.T) {
	var ih [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")

	addr := fakeServer(t, func(pkt []byte, reply func([]byte)) {
		action := binary.BigEndian.Uint32(pkt[8:12])
		txID := binary.BigEndian.Uint32(pkt[12:16])
		switch action {
		case actionConnect:
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], actionConnect)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], 7)
			reply(resp)
		case actionScrape:
			resp := make([]byte, 20)
			binary.BigEndian.PutUint32(resp[0:4], actionScrape)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint32(resp[8:12], 3)
			binary.BigEndian.PutUint32(resp[12:16], 9)
			binary.BigEndian.PutUint32(resp[16:20], 1)
			reply(resp)
		}
	})

	tr := New("udp://tracker.example/announce", addr, 2*time.Second)
	out, err := tr.Scrape(context.Background(), [][20]byte{ih})
	require.NoError(t, err)
	require.Contains(t, out, ih)
	assert.Equal(t, 3, out[ih].Complete)
	assert.Equal(t, 9, out[ih].Downloaded)
	assert.Equal(t, 1, out[ih].Incomplete)
}

func TestTrackerErrorActionReturnsMessage(t *testing.T) {
	addr := fakeServer(t, func(pkt []byte, reply func([]byte)) {
		action := binary.BigEndian.Uint32(pkt[8:12])
		txID := binary.BigEndian.Uint32(pkt[12:16])
		if action == actionConnect {
			msg := "bad request"
			resp := make([]byte, 8+len(msg))
			binary.BigEndian.PutUint32(resp[0:4], actionError)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			copy(resp[8:], msg)
			reply(resp)
		}
	})
	tr := New("udp://tracker.example/announce", addr, 2*time.Second)
	_, err := tr.connect(context.Background())
	assert.ErrorContains(t, err, "bad request")
}

func TestEventCodeMapping(t *testing.T) {
	assert.Equal(t, 0, eventCode(tracker.EventNone))
	assert.Equal(t, 1, eventCode(tracker.EventCompleted))
	assert.Equal(t, 2, eventCode(tracker.EventStarted))
	assert.Equal(t, 3, eventCode(tracker.EventStopped))
}
