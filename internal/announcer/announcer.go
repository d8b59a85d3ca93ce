// Package announcer periodically calls a tracker's Announce method on
// a torrent's behalf, adapting its interval to the tracker's reply and
// to whether the torrent currently needs more peers.
package announcer

import (
	"context"
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/logger"
	"github.com/ccbittorrent/swarmd/internal/tracker"
)

// Request is sent by a PeriodicalAnnouncer to ask its owning torrent
// for current transfer stats just before announcing.
type Request struct {
	Response chan Response
	Cancel   chan struct{}
}

// Response carries whatever Torrent-shaped value the owner chooses to
// report; PeriodicalAnnouncer only needs the fields tracker.AnnounceRequest
// requires, supplied through Torrent.
type Response struct {
	Torrent Torrent
}

// Torrent is the minimal read-only view a torrent exposes to its
// announcers every tick.
type Torrent interface {
	InfoHash() [20]byte
	PeerID() [20]byte
	Port() uint16
	BytesUploaded() int64
	BytesDownloaded() int64
	BytesLeft() int64
}

const (
	// minAnnounceInterval floors whatever interval a misbehaving
	// tracker reports, so a buggy tracker can't be used to flood it.
	minAnnounceInterval = 15 * time.Second
	defaultNumWant      = 50
)

// PeriodicalAnnouncer calls tr.Announce on an interval driven by the
// tracker's own reported Interval/MinInterval, re-announcing sooner
// when the torrent says it needs more peers.
type PeriodicalAnnouncer struct {
	Tracker tracker.Tracker

	requestC       chan Request
	peersC         chan<- []*net.TCPAddr
	needMorePeersC chan bool
	closeC         chan struct{}
	doneC          chan struct{}
	log            logger.Logger

	completedC <-chan struct{}
}

// New builds a PeriodicalAnnouncer for tr. requestC lets the announcer
// ask the torrent for fresh stats before each announce; peersC
// delivers the peers a successful announce returns; completedC,
// if non-nil, is closed by the torrent once it finishes downloading
// so the announcer can send a single completed event.
func New(tr tracker.Tracker, requestC chan Request, peersC chan<- []*net.TCPAddr, completedC <-chan struct{}, l logger.Logger) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		Tracker:        tr,
		requestC:       requestC,
		peersC:         peersC,
		needMorePeersC: make(chan bool, 1),
		closeC:         make(chan struct{}),
		doneC:          make(chan struct{}),
		completedC:     completedC,
		log:            l,
	}
}

// NeedMorePeers toggles whether the next tick should announce early
// regardless of the tracker's reported interval.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) {
	select {
	case a.needMorePeersC <- val:
	default:
	}
}

// Close stops the announce loop and waits for it to exit.
func (a *PeriodicalAnnouncer) Close() {
	select {
	case <-a.doneC:
		return
	default:
	}
	close(a.closeC)
	<-a.doneC
}

// Run drives announces until Close is called. event is the event sent
// on the very first announce (normally tracker.EventStarted).
func (a *PeriodicalAnnouncer) Run(event tracker.Event) {
	defer close(a.doneC)

	interval := time.Duration(0) // announce immediately on start
	needMore := false
	announcedCompleted := false

	for {
		wait := interval
		if needMore && interval > minAnnounceInterval {
			wait = minAnnounceInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-a.closeC:
			timer.Stop()
			return
		case needMore = <-a.needMorePeersC:
			timer.Stop()
			continue
		case <-a.completedC:
			a.completedC = nil // only send the completed event once
			timer.Stop()
			ev := tracker.EventCompleted
			if announcedCompleted {
				ev = tracker.EventNone
			}
			resp, err := a.announce(ev)
			if err == nil {
				announcedCompleted = true
				interval = a.intervalFromResponse(resp)
			}
			continue
		case <-timer.C:
		}

		resp, err := a.announce(event)
		event = tracker.EventNone
		if err != nil {
			if a.log != nil {
				a.log.Warningln("announce error:", err)
			}
			interval = minAnnounceInterval
			continue
		}
		interval = a.intervalFromResponse(resp)
	}
}

func (a *PeriodicalAnnouncer) intervalFromResponse(resp *tracker.AnnounceResponse) time.Duration {
	iv := resp.Interval
	if resp.MinInterval > iv {
		iv = resp.MinInterval
	}
	d := time.Duration(iv) * time.Second
	if d < minAnnounceInterval {
		d = minAnnounceInterval
	}
	return d
}

func (a *PeriodicalAnnouncer) announce(event tracker.Event) (*tracker.AnnounceResponse, error) {
	req := Request{Response: make(chan Response), Cancel: make(chan struct{})}
	var tr Torrent
	select {
	case a.requestC <- req:
		select {
		case r := <-req.Response:
			tr = r.Torrent
		case <-a.closeC:
			close(req.Cancel)
			return nil, context.Canceled
		}
	case <-a.closeC:
		return nil, context.Canceled
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := a.Tracker.Announce(ctx, tracker.AnnounceRequest{
		InfoHash:   tr.InfoHash(),
		PeerID:     tr.PeerID(),
		Port:       tr.Port(),
		Uploaded:   tr.BytesUploaded(),
		Downloaded: tr.BytesDownloaded(),
		Left:       tr.BytesLeft(),
		Event:      event,
		NumWant:    defaultNumWant,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Peers) > 0 && a.peersC != nil {
		select {
		case a.peersC <- resp.Peers:
		case <-a.closeC:
		}
	}
	return resp, nil
}

// StopAnnouncer sends one best-effort "stopped" event to every
// tracker when a torrent is being torn down, then closes doneC.
type StopAnnouncer struct {
	doneC chan struct{}
}

// NewStopAnnouncer fires the stopped event at every tracker in trackers
// concurrently, with an overall deadline, and returns immediately.
func NewStopAnnouncer(trackers []tracker.Tracker, tr Torrent, timeout time.Duration) *StopAnnouncer {
	s := &StopAnnouncer{doneC: make(chan struct{})}
	go func() {
		defer close(s.doneC)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		done := make(chan struct{}, len(trackers))
		for _, t := range trackers {
			t := t
			go func() {
				defer func() { done <- struct{}{} }()
				_, _ = t.Announce(ctx, tracker.AnnounceRequest{
					InfoHash:   tr.InfoHash(),
					PeerID:     tr.PeerID(),
					Port:       tr.Port(),
					Uploaded:   tr.BytesUploaded(),
					Downloaded: tr.BytesDownloaded(),
					Left:       tr.BytesLeft(),
					Event:      tracker.EventStopped,
				})
			}()
		}
		for range trackers {
			<-done
		}
	}()
	return s
}

// Close waits for the stopped announces to finish or the context
// deadline passed to NewStopAnnouncer to expire.
func (s *StopAnnouncer) Close() {
	<-s.doneC
}

// DHTAnnouncer periodically asks the DHT swarm for more peers on a
// torrent's info hash, independent of any HTTP/UDP tracker.
type DHTAnnouncer struct {
	announceFunc   func(infoHash [20]byte, port uint16)
	infoHash       [20]byte
	port           uint16
	needMorePeersC chan bool
	closeC         chan struct{}
	doneC          chan struct{}

	interval         time.Duration
	needMoreInterval time.Duration
}

// NewDHTAnnouncer wraps announceFunc (the DHT node's PeersRequest call,
// injected so this package has no direct DHT library dependency) for a
// single torrent.
func NewDHTAnnouncer(announceFunc func(infoHash [20]byte, port uint16), infoHash [20]byte, port uint16) *DHTAnnouncer {
	return &DHTAnnouncer{
		announceFunc:     announceFunc,
		infoHash:         infoHash,
		port:             port,
		needMorePeersC:   make(chan bool, 1),
		closeC:           make(chan struct{}),
		doneC:            make(chan struct{}),
		interval:         dhtAnnounceInterval,
		needMoreInterval: dhtNeedMoreInterval,
	}
}

// NeedMorePeers toggles the DHT announcer's aggressiveness the same
// way PeriodicalAnnouncer.NeedMorePeers does for tracker announces.
func (d *DHTAnnouncer) NeedMorePeers(val bool) {
	select {
	case d.needMorePeersC <- val:
	default:
	}
}

// Close stops the DHT announce loop.
func (d *DHTAnnouncer) Close() {
	select {
	case <-d.doneC:
		return
	default:
	}
	close(d.closeC)
	<-d.doneC
}

const (
	dhtAnnounceInterval = 5 * time.Minute
	dhtNeedMoreInterval = 30 * time.Second
)

// Run re-announces to the DHT on dhtAnnounceInterval, or
// dhtNeedMoreInterval while the torrent says it needs more peers.
func (d *DHTAnnouncer) Run() {
	defer close(d.doneC)
	needMore := false
	for {
		interval := d.interval
		if needMore {
			interval = d.needMoreInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-d.closeC:
			timer.Stop()
			return
		case needMore = <-d.needMorePeersC:
			timer.Stop()
			continue
		case <-timer.C:
			d.announceFunc(d.infoHash, d.port)
		}
	}
}
