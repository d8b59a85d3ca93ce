package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/acceptor"
	"github.com/ccbittorrent/swarmd/internal/addrlist"
	"github.com/ccbittorrent/swarmd/internal/announcer"
	"github.com/ccbittorrent/swarmd/internal/assembler"
	"github.com/ccbittorrent/swarmd/internal/bitfield"
	"github.com/ccbittorrent/swarmd/internal/blocklist"
	"github.com/ccbittorrent/swarmd/internal/choke"
	"github.com/ccbittorrent/swarmd/internal/diskio"
	"github.com/ccbittorrent/swarmd/internal/handshaker/incominghandshaker"
	"github.com/ccbittorrent/swarmd/internal/handshaker/outgoinghandshaker"
	"github.com/ccbittorrent/swarmd/internal/infodownloader"
	"github.com/ccbittorrent/swarmd/internal/logger"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
	"github.com/ccbittorrent/swarmd/internal/peer"
	"github.com/ccbittorrent/swarmd/internal/peerconn"
	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
	"github.com/ccbittorrent/swarmd/internal/pex"
	"github.com/ccbittorrent/swarmd/internal/piece"
	"github.com/ccbittorrent/swarmd/internal/piecedownloader"
	"github.com/ccbittorrent/swarmd/internal/resumer"
	"github.com/ccbittorrent/swarmd/internal/scheduler"
	"github.com/ccbittorrent/swarmd/internal/storage"
	"github.com/ccbittorrent/swarmd/internal/tracker"
)

// addrListCapacity bounds how many pending dial addresses a torrent
// keeps queued across tracker/DHT/PEX/incoming sources.
const addrListCapacity = 4000

// peerMessage is one decoded wire message from one peer, fed onto the
// torrent's single event loop by that peer's pump goroutine.
type peerMessage struct {
	peer *peer.Peer
	msg  interface{}
}

// endgameDownloader is one redundant piecedownloader.PieceDownloader
// racing the scheduler's own assignment for a single piece during
// endgame.
type endgameDownloader struct {
	pd    *piecedownloader.PieceDownloader
	stopC chan struct{}
}

// endgameResult is posted by runPieceDownloader once its downloader
// either finishes or errors.
type endgameResult struct {
	pe   *peer.Peer
	data []byte
	err  error
}

// pieceIOResult is posted once a piece's async write+verify completes.
type pieceIOResult struct {
	index int
	ok    bool
	err   error
}

// torrent is the internal single-torrent engine: one run() goroutine
// owns all the state below and every other goroutine (peer pumps,
// handshakers, disk I/O, announcers) communicates with it only over
// channels.
type torrent struct {
	id  string
	log logger.Logger
	cfg Config

	infoHash [20]byte
	peerIDv  [20]byte
	name     string
	port     uint16

	info      *metainfo.Info
	store     *piece.Store
	sched     *scheduler.Scheduler
	choker    *choke.Controller
	sto       storage.Storage
	dq        *diskio.Queue
	assembler *assembler.Assembler

	bitfield *bitfield.Bitfield

	dest      string
	createdAt time.Time
	blocklist *blocklist.Blocklist
	resumer   resumer.Resumer

	trackerURLs   []string
	newTracker    func(rawURL string) (tracker.Tracker, error)
	trackers      []tracker.Tracker
	announcers    []*announcer.PeriodicalAnnouncer
	announceReqC  chan announcer.Request
	trackerPeersC chan []*net.TCPAddr
	dhtAnnouncer  *announcer.DHTAnnouncer

	acceptor *acceptor.Acceptor
	addrList *addrlist.AddrList
	pex      *pex.Tracker

	peers            map[*peer.Peer]struct{}
	peerIDs          map[[20]byte]struct{}
	peerBitfields    map[string]*bitfield.Bitfield
	pieceDownloaders map[*peer.Peer]*endgameDownloader

	infoDownloader     *infodownloader.InfoDownloader
	infoDownloaderPeer *peer.Peer

	incomingHandshakers map[*incominghandshaker.IncomingHandshaker]struct{}
	outgoingHandshakers map[*outgoinghandshaker.OutgoingHandshaker]struct{}
	dialSources         map[*outgoinghandshaker.OutgoingHandshaker]peer.Source

	pieceBuf map[int][]byte

	bytesDownloaded int64
	bytesUploaded   int64
	bytesWasted     int64
	startedAt       time.Time
	completedAt     time.Time

	completed bool
	active    bool
	closed    bool

	messages                  chan peerMessage
	peerDisconnectedC         chan *peer.Peer
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker
	endgameDoneC              chan endgameResult
	pieceDoneC                chan pieceIOResult

	startCommandC chan struct{}
	stopCommandC  chan struct{}
	statsCommandC chan chan Stats
	closeC        chan struct{}
	closedC       chan struct{}

	completedC    chan struct{}
	completedOnce bool
	needMorePeers bool
}

// newTorrent builds (but does not start) the internal engine for one
// torrent from opt. opt.Info may be nil, in which case the engine
// fetches it over the wire via infodownloader before it can build its
// piece store.
func newTorrent(id string, infoHash [20]byte, opt *options) (*torrent, error) {
	name := opt.Name
	if name == "" && opt.Info != nil {
		name = opt.Info.Name
	}

	t := &torrent{
		id:       id,
		log:      logger.New("torrent " + shortHash(infoHash)),
		cfg:      opt.Config,
		infoHash: infoHash,
		peerIDv:  newPeerID(),
		name:     name,
		port:     opt.Port,

		sto:       opt.Storage,
		dest:      opt.Dest,
		createdAt: opt.CreatedAt,
		blocklist: opt.Blocklist,
		resumer:   opt.Resumer,

		trackerURLs:  opt.Trackers,
		newTracker:   opt.NewTracker,
		dhtAnnouncer: opt.DHT,

		peers:               make(map[*peer.Peer]struct{}),
		peerIDs:             make(map[[20]byte]struct{}),
		peerBitfields:       make(map[string]*bitfield.Bitfield),
		pieceDownloaders:    make(map[*peer.Peer]*endgameDownloader),
		incomingHandshakers: make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		outgoingHandshakers: make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),
		dialSources:         make(map[*outgoinghandshaker.OutgoingHandshaker]peer.Source),
		pieceBuf:            make(map[int][]byte),

		bytesDownloaded: opt.Stats.BytesDownloaded,
		bytesUploaded:   opt.Stats.BytesUploaded,
		bytesWasted:     opt.Stats.BytesWasted,

		addrList: addrlist.New(addrListCapacity),
		choker:   choke.New(opt.Config.UnchokedPeers + opt.Config.OptimisticUnchokedPeers),

		messages:                  make(chan peerMessage, 256),
		peerDisconnectedC:         make(chan *peer.Peer),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker),
		endgameDoneC:              make(chan endgameResult),
		pieceDoneC:                make(chan pieceIOResult),
		trackerPeersC:             make(chan []*net.TCPAddr),
		announceReqC:              make(chan announcer.Request),

		startCommandC: make(chan struct{}),
		stopCommandC:  make(chan struct{}),
		statsCommandC: make(chan chan Stats),
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
		completedC:    make(chan struct{}),
	}

	if opt.Config.PEXEnabled {
		t.pex = pex.NewTracker()
	}

	if opt.Info != nil {
		if err := t.setInfo(opt.Info, opt.Bitfield); err != nil {
			return nil, err
		}
	}

	acc, err := acceptor.New(fmt.Sprintf(":%d", opt.Port), t.log)
	if err != nil {
		return nil, fmt.Errorf("torrent: listening: %w", err)
	}
	t.acceptor = acc

	for _, u := range t.trackerURLs {
		tr, err := t.newTracker(u)
		if err != nil {
			t.log.Warningln("cannot build tracker", u, ":", err)
			continue
		}
		t.trackers = append(t.trackers, tr)
	}
	for _, tr := range t.trackers {
		ann := announcer.New(tr, t.announceReqC, t.trackerPeersC, t.completedC, t.log)
		t.announcers = append(t.announcers, ann)
	}

	go t.run()
	return t, nil
}

// setInfo installs a fully-known Info, building the piece store,
// assembler and scheduler. Called either at construction time (metainfo
// already known) or once a magnet torrent finishes fetching its
// metadata over the wire.
func (t *torrent) setInfo(info *metainfo.Info, bf *bitfield.Bitfield) error {
	t.info = info
	if t.name == "" {
		t.name = info.Name
	}
	selection := piece.NewFileSelection(info.Files)
	t.store = piece.NewStore(info, selection)

	t.dq = diskio.NewQueue(t.cfg.DiskIOWorkersMin, t.cfg.DiskIOWorkersMax, t.cfg.DiskIOHashBatchSize)
	asm, err := assembler.New(info.Files, info.PieceLength, t.sto, t.dq, t.cfg.PreallocationStrategy)
	if err != nil {
		return fmt.Errorf("torrent: building assembler: %w", err)
	}
	t.assembler = asm
	t.sched = scheduler.New(t.store, t.cfg.PieceSelectionStrategy)

	if bf != nil {
		t.bitfield = bf
		for i := 0; i < len(t.store.Pieces); i++ {
			if bf.Test(uint32(i)) {
				t.store.MarkVerified(i)
			}
		}
	} else {
		t.bitfield = bitfield.New(uint32(info.NumPieces))
		for _, p := range t.store.Pieces {
			if p.State == piece.Verified {
				t.bitfield.Set(uint32(p.Index))
			}
		}
	}
	return nil
}

func shortHash(ih [20]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[i*2] = hexDigits[ih[i]>>4]
		out[i*2+1] = hexDigits[ih[i]&0xf]
	}
	return string(out)
}

// Name returns the torrent's display name, or the first four bytes of
// its info hash in hex while the name is not yet known (magnet link
// before metadata).
func (t *torrent) Name() string {
	if t.name != "" {
		return t.name
	}
	return shortHash(t.infoHash)
}

// InfoHash satisfies both the public accessor and announcer.Torrent.
func (t *torrent) InfoHash() [20]byte { return t.infoHash }

// PeerID returns this torrent's wire peer id.
func (t *torrent) PeerID() [20]byte { return t.peerIDv }

// Port returns the torrent's listen port, matching announcer.Torrent.
func (t *torrent) Port() uint16 { return t.port }

// BytesUploaded/BytesDownloaded satisfy announcer.Torrent.
func (t *torrent) BytesUploaded() int64   { return t.bytesUploaded }
func (t *torrent) BytesDownloaded() int64 { return t.bytesDownloaded }

// BytesLeft satisfies announcer.Torrent.
func (t *torrent) BytesLeft() int64 {
	if t.store == nil {
		return 0
	}
	var left int64
	for _, p := range t.store.Pieces {
		if p.State != piece.Verified {
			left += p.Length
		}
	}
	return left
}

// Start begins dialing/accepting/announcing for this torrent.
func (t *torrent) Start() {
	select {
	case t.startCommandC <- struct{}{}:
	case <-t.closedC:
	}
}

// Stop halts peer activity without tearing down the engine.
func (t *torrent) Stop() {
	select {
	case t.stopCommandC <- struct{}{}:
	case <-t.closedC:
	}
}

// Stats returns a snapshot of the torrent's current progress.
func (t *torrent) Stats() Stats {
	respC := make(chan Stats, 1)
	select {
	case t.statsCommandC <- respC:
		return <-respC
	case <-t.closedC:
		return Stats{Status: "closed"}
	}
}

// Close tears the engine down permanently and blocks until its run
// loop has exited.
func (t *torrent) Close() error {
	select {
	case <-t.closedC:
		return nil
	default:
	}
	close(t.closeC)
	<-t.closedC
	return nil
}

// peerKey converts a peer's 20-byte wire id into the string key
// piece.Store and scheduler.Scheduler index peers by.
func peerKey(pe *peer.Peer) string {
	id := pe.ID()
	return string(id[:])
}

func reservedBytes(cfg Config) [8]byte {
	var r [8]byte
	peerprotocol.SetExtensionProtocol(&r)
	peerprotocol.SetFastExtension(&r)
	if cfg.DHTEnabled {
		peerprotocol.SetDHT(&r)
	}
	return r
}

func (t *torrent) hasInfoHash(ih [20]byte) bool { return ih == t.infoHash }

// addrsFromDHT feeds addresses the session's shared DHT node resolved
// for this torrent's info hash into the dial queue. Safe to call from
// any goroutine; AddrList does its own locking.
func (t *torrent) addrsFromDHT(addrs []*net.TCPAddr) {
	t.addrList.Push(addrs, addrlist.DHT)
}

func (t *torrent) buildStatsSnapshot() Stats {
	s := Stats{
		BytesDownloaded: t.bytesDownloaded,
		BytesUploaded:   t.bytesUploaded,
		BytesWasted:     t.bytesWasted,
		BytesLeft:       t.BytesLeft(),
		PeerCount:       len(t.peers),
		Completed:       t.completed,
	}
	if t.store != nil {
		s.TotalPieces = len(t.store.Pieces)
		s.VerifiedPieces = t.store.VerifiedCount()
	}
	if !t.completedAt.IsZero() {
		s.SeededFor = time.Since(t.completedAt)
	}
	switch {
	case t.closed:
		s.Status = "closed"
	case !t.active:
		s.Status = "stopped"
	case t.completed:
		s.Status = "seeding"
	default:
		s.Status = "downloading"
	}
	return s
}

// buildResumeSpec snapshots everything Write persists for this torrent.
func (t *torrent) buildResumeSpec(dest string, createdAt time.Time) *resumer.Spec {
	spec := &resumer.Spec{
		InfoHash:        append([]byte(nil), t.infoHash[:]...),
		Dest:            dest,
		Port:            int(t.port),
		Name:            t.Name(),
		Trackers:        t.trackerURLs,
		BytesDownloaded: t.bytesDownloaded,
		BytesUploaded:   t.bytesUploaded,
		BytesWasted:     t.bytesWasted,
		CreatedAt:       createdAt,
	}
	if !t.completedAt.IsZero() {
		spec.SeededFor = time.Since(t.completedAt)
	}
	if t.info != nil {
		spec.Info = t.info.Bytes()
	}
	if t.bitfield != nil {
		spec.Bitfield = append([]byte(nil), t.bitfield.Bytes()...)
	}
	return spec
}

// sendFirstMessage sends the bitfield/haveall/havenone state and the
// BEP 10 extension handshake to a newly connected peer.
func (t *torrent) sendFirstMessage(pe *peer.Peer) {
	switch {
	case t.bitfield == nil:
		pe.SendMessage(peerprotocol.HaveNoneMessage{})
	case t.bitfield.All():
		pe.SendMessage(peerprotocol.HaveAllMessage{})
	case t.bitfield.Count() == 0:
		pe.SendMessage(peerprotocol.HaveNoneMessage{})
	default:
		pe.SendMessage(peerprotocol.BitfieldMessage{Data: t.bitfield.Bytes()})
	}

	var metadataSize uint32
	if t.info != nil {
		metadataSize = uint32(len(t.info.Bytes()))
	}
	hs := peerprotocol.ExtensionHandshakeMessage{
		M: map[string]uint8{
			peerprotocol.ExtensionKeyMetadata: extIDMetadata,
			peerprotocol.ExtensionKeyPEX:      extIDPEX,
		},
		MetadataSize: metadataSize,
		V:            t.cfg.ExtensionHandshakeClientVersion,
		Reqq:         200,
	}
	pe.SendMessage(hs)
}

// handshakeResult is the common shape incoming/outgoing handshakers
// report, so startPeer doesn't need to know which kind produced it.
type handshakeResult struct {
	conn     net.Conn
	peerID   [20]byte
	reserved [8]byte
}

// startPeer registers a freshly handshaked connection as a tracked peer
// and kicks off its message pump.
func (t *torrent) startPeer(hs *handshakeResult, source peer.Source) {
	if _, dup := t.peerIDs[hs.peerID]; dup {
		hs.conn.Close()
		return
	}
	conn := peerconn.New(hs.conn, hs.peerID, hs.reserved, logger.New("peer <- "+hs.conn.RemoteAddr().String()), nil)
	pe := peer.New(conn, hs.conn.RemoteAddr(), source)

	t.peers[pe] = struct{}{}
	t.peerIDs[hs.peerID] = struct{}{}

	go t.runPeer(pe)
	t.sendFirstMessage(pe)

	if t.pex != nil {
		if tcpAddr, ok := pe.Addr.(*net.TCPAddr); ok {
			t.pex.PeerConnected(tcpAddr)
		}
	}
}

// runPeer pumps pe's decoded messages onto the shared messages channel
// until its connection closes, then reports the disconnect.
func (t *torrent) runPeer(pe *peer.Peer) {
	go pe.Run()
	for msg := range pe.Reader.Messages() {
		t.messages <- peerMessage{pe, msg}
	}
	t.peerDisconnectedC <- pe
}

// closePeer tears down one peer's connection and every piece of state
// tracking it.
func (t *torrent) closePeer(pe *peer.Peer) {
	pe.Close()
	delete(t.peers, pe)
	delete(t.peerIDs, pe.ID())
	key := peerKey(pe)
	delete(t.peerBitfields, key)
	if t.store != nil {
		t.store.RemovePeer(key)
	}
	if ed, ok := t.pieceDownloaders[pe]; ok {
		close(ed.stopC)
		delete(t.pieceDownloaders, pe)
	}
	if t.infoDownloaderPeer == pe {
		t.infoDownloader = nil
		t.infoDownloaderPeer = nil
	}
	if t.pex != nil {
		if tcpAddr, ok := pe.Addr.(*net.TCPAddr); ok {
			t.pex.PeerDisconnected(tcpAddr)
		}
	}
}

// readBlockContext bounds every disk read/write/verify call issued from
// the event loop; none of them should be able to wedge it forever.
func readBlockContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
