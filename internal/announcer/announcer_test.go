package announcer

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/tracker"
)

type fakeTorrent struct {
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
}

func (f fakeTorrent) InfoHash() [20]byte     { return f.infoHash }
func (f fakeTorrent) PeerID() [20]byte       { return f.peerID }
func (f fakeTorrent) Port() uint16           { return f.port }
func (f fakeTorrent) BytesUploaded() int64   { return 0 }
func (f fakeTorrent) BytesDownloaded() int64 { return 0 }
func (f fakeTorrent) BytesLeft() int64       { return 100 }

type fakeTracker struct {
	mu        sync.Mutex
	announces []tracker.Event
	resp      tracker.AnnounceResponse
}

func (f *fakeTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, req.Event)
	r := f.resp
	return &r, nil
}

func (f *fakeTracker) Scrape(ctx context.Context, infoHashes [][20]byte) (map[[20]byte]tracker.ScrapeResponse, error) {
	return nil, nil
}

func (f *fakeTracker) URL() string { return "fake://tracker" }

func (f *fakeTracker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announces)
}

func serveRequests(requestC chan Request, tr Torrent, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case req := <-requestC:
				select {
				case req.Response <- Response{Torrent: tr}:
				case <-req.Cancel:
				}
			case <-stop:
				return
			}
		}
	}()
}

func TestPeriodicalAnnouncerAnnouncesImmediatelyOnStart(t *testing.T) {
	ft := &fakeTracker{resp: tracker.AnnounceResponse{Interval: 1800}}
	requestC := make(chan Request)
	peersC := make(chan []*net.TCPAddr, 1)
	stop := make(chan struct{})
	defer close(stop)
	serveRequests(requestC, fakeTorrent{}, stop)

	a := New(ft, requestC, peersC, nil, nil)
	go a.Run(tracker.EventStarted)
	defer a.Close()

	assert.Eventually(t, func() bool { return ft.count() >= 1 }, time.Second, 5*time.Millisecond)
	ft.mu.Lock()
	assert.Equal(t, tracker.EventStarted, ft.announces[0])
	ft.mu.Unlock()
}

func TestPeriodicalAnnouncerDeliversPeers(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}
	ft := &fakeTracker{resp: tracker.AnnounceResponse{Interval: 1800, Peers: []*net.TCPAddr{addr}}}
	requestC := make(chan Request)
	peersC := make(chan []*net.TCPAddr, 1)
	stop := make(chan struct{})
	defer close(stop)
	serveRequests(requestC, fakeTorrent{}, stop)

	a := New(ft, requestC, peersC, nil, nil)
	go a.Run(tracker.EventStarted)
	defer a.Close()

	select {
	case peers := <-peersC:
		require.Len(t, peers, 1)
		assert.Equal(t, addr.String(), peers[0].String())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peers")
	}
}

func TestPeriodicalAnnouncerCloseStopsLoop(t *testing.T) {
	ft := &fakeTracker{resp: tracker.AnnounceResponse{Interval: 1800}}
	requestC := make(chan Request)
	stop := make(chan struct{})
	defer close(stop)
	serveRequests(requestC, fakeTorrent{}, stop)

	a := New(ft, requestC, nil, nil, nil)
	go a.Run(tracker.EventStarted)
	assert.Eventually(t, func() bool { return ft.count() >= 1 }, time.Second, 5*time.Millisecond)
	a.Close()

	before := ft.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, ft.count())
}

func TestStopAnnouncerFiresStoppedEventAtEveryTracker(t *testing.T) {
	a := &fakeTracker{resp: tracker.AnnounceResponse{}}
	b := &fakeTracker{resp: tracker.AnnounceResponse{}}
	s := NewStopAnnouncer([]tracker.Tracker{a, b}, fakeTorrent{}, time.Second)
	s.Close()

	require.Len(t, a.announces, 1)
	require.Len(t, b.announces, 1)
	assert.Equal(t, tracker.EventStopped, a.announces[0])
	assert.Equal(t, tracker.EventStopped, b.announces[0])
}

func TestPeriodicalAnnouncerSendsExpectedRequestFields(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mt := tracker.NewMockTracker(ctrl)
	ft := fakeTorrent{infoHash: [20]byte{1, 2, 3}, peerID: [20]byte{9}, port: 6881}
	done := make(chan struct{})
	mt.EXPECT().
		Announce(gomock.Any(), tracker.AnnounceRequest{
			InfoHash: ft.infoHash,
			PeerID:   ft.peerID,
			Port:     ft.port,
			Left:     100,
			Event:    tracker.EventStarted,
			NumWant:  defaultNumWant,
		}).
		DoAndReturn(func(context.Context, tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
			close(done)
			return &tracker.AnnounceResponse{Interval: 1800}, nil
		})

	requestC := make(chan Request)
	stop := make(chan struct{})
	defer close(stop)
	serveRequests(requestC, ft, stop)

	a := New(mt, requestC, nil, nil, nil)
	go a.Run(tracker.EventStarted)
	defer a.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mocked announce")
	}
}

func TestDHTAnnouncerCallsAnnounceFunc(t *testing.T) {
	var calls int32
	d := NewDHTAnnouncer(func(infoHash [20]byte, port uint16) {
		atomic.AddInt32(&calls, 1)
	}, [20]byte{1}, 6881)
	d.interval = 10 * time.Millisecond
	d.needMoreInterval = 10 * time.Millisecond
	go d.Run()
	defer d.Close()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 10*time.Millisecond)
}
