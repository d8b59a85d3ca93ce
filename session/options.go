package session

import (
	"crypto/rand"
	"time"

	"github.com/ccbittorrent/swarmd/internal/announcer"
	"github.com/ccbittorrent/swarmd/internal/bitfield"
	"github.com/ccbittorrent/swarmd/internal/blocklist"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
	"github.com/ccbittorrent/swarmd/internal/resumer"
	"github.com/ccbittorrent/swarmd/internal/storage"
	"github.com/ccbittorrent/swarmd/internal/tracker"
)

// peerIDPrefix identifies this engine on the wire, Azureus-style.
const peerIDPrefix = "-SD0001-"

// newPeerID builds a fresh peer id: a fixed client/version prefix
// followed by random bytes, unique per torrent per process.
func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	rand.Read(id[len(peerIDPrefix):])
	return id
}

// options carries everything newTorrent needs to build a torrent
// engine, assembled by Session from either a fresh AddTorrent/AddURI
// call or a loaded resume record.
type options struct {
	Port      uint16
	Resumer   resumer.Resumer
	Blocklist *blocklist.Blocklist
	Config    Config
	Storage   storage.Storage
	Dest      string
	CreatedAt time.Time

	// NewTracker builds a tracker.Tracker for a raw announce URL,
	// normally Session.newTracker's trackerManager.Get closure.
	NewTracker func(rawURL string) (tracker.Tracker, error)

	Name     string
	Trackers []string
	Info     *metainfo.Info
	Bitfield *bitfield.Bitfield
	Stats    resumer.Stats

	DHT *announcer.DHTAnnouncer
}

// Torrent is the public handle a caller holds for one torrent managed
// by a Session. It wraps the internal engine and the bookkeeping the
// session needs to track it (id, listen port, creation time).
type Torrent struct {
	session *Session
	t       *torrent

	id        string
	port      uint16
	createdAt time.Time

	removed bool
}

// ID returns the session-assigned identifier used to key this torrent
// in the resume database.
func (t *Torrent) ID() string { return t.id }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.t.Name() }

// InfoHash returns the 20-byte v1 info hash.
func (t *Torrent) InfoHash() []byte {
	ih := t.t.InfoHash()
	return ih[:]
}

// Port returns the TCP port this torrent's acceptor listens on.
func (t *Torrent) Port() uint16 { return t.port }

// CreatedAt returns when this torrent was added to the session.
func (t *Torrent) CreatedAt() time.Time { return t.createdAt }

// Start begins dialing/accepting peers and announcing, if not already
// running.
func (t *Torrent) Start() {
	t.t.Start()
	if err := t.session.markStarted(t.id, true); err != nil {
		t.session.log.Warningln("persisting started state:", err)
	}
}

// Stop halts peer activity without removing the torrent from the
// session. It sends no stopped event to the trackers.
func (t *Torrent) Stop() {
	t.t.Stop()
	if err := t.session.markStarted(t.id, false); err != nil {
		t.session.log.Warningln("persisting started state:", err)
	}
}

// Stats reports the torrent's current progress counters.
func (t *Torrent) Stats() Stats { return t.t.Stats() }

// Close tears down the torrent engine permanently.
func (t *Torrent) Close() error { return t.t.Close() }

// Stats is a point-in-time snapshot of one torrent's progress, safe to
// read from any goroutine.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	BytesLeft       int64
	SeededFor       time.Duration

	PeerCount      int
	VerifiedPieces int
	TotalPieces    int
	Completed      bool

	Status string
}
