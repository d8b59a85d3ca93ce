// Package session provides a BitTorrent client implementation that is capable of downlaoding multiple torrents in parallel.
package session

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/boltdb/bolt"
	"github.com/mitchellh/go-homedir"
	"github.com/nictuku/dht"
	uuid "github.com/satori/go.uuid"

	"github.com/ccbittorrent/swarmd/internal/bitfield"
	"github.com/ccbittorrent/swarmd/internal/blocklist"
	"github.com/ccbittorrent/swarmd/internal/logger"
	"github.com/ccbittorrent/swarmd/internal/magnet"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
	"github.com/ccbittorrent/swarmd/internal/resumer"
	"github.com/ccbittorrent/swarmd/internal/resumer/boltdbresumer"
	"github.com/ccbittorrent/swarmd/internal/storage/filestorage"
	"github.com/ccbittorrent/swarmd/internal/tracker"
	"github.com/ccbittorrent/swarmd/internal/trackermanager"
)

var (
	sessionBucket         = []byte("session")
	torrentsBucket        = []byte("torrents")
	blocklistKey          = []byte("blocklist")
	blocklistTimestampKey = []byte("blocklist-timestamp")
)

// startedKey marks, inside a torrent's own sub-bucket, whether it was
// running when the session last closed; loadExistingTorrents uses it
// to decide which loaded torrents to auto-start.
var startedKey = []byte("started")

// Session owns every torrent loaded or added in this process: the
// resume database, the shared listen-port pool, the shared blocklist
// and tracker cache, and (if enabled) the shared DHT node every
// torrent's announcer.DHTAnnouncer queries through.
type Session struct {
	config         Config
	db             *bolt.DB
	log            logger.Logger
	dht            *dht.DHT
	blocklist      *blocklist.Blocklist
	trackerManager *trackermanager.TrackerManager
	closeC         chan struct{}

	m                  sync.RWMutex
	torrents           map[string]*Torrent
	torrentsByInfoHash map[dht.InfoHash][]*Torrent

	mPorts         sync.Mutex
	availablePorts map[uint16]struct{}
}

// New returns a pointer to new Rain BitTorrent client.
func New(cfg Config) (*Session, error) {
	if cfg.PortBegin >= cfg.PortEnd {
		return nil, errors.New("invalid port range")
	}
	if err := setNoFile(cfg.MaxOpenFiles); err != nil {
		return nil, err
	}
	var err error
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
		return nil, err
	}
	l := logger.New("session")
	db, err := bolt.Open(cfg.Database, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()
	var ids []string
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err2 := tx.CreateBucketIfNotExists(sessionBucket); err2 != nil {
			return err2
		}
		b, err2 := tx.CreateBucketIfNotExists(torrentsBucket)
		if err2 != nil {
			return err2
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	var dhtNode *dht.DHT
	if cfg.DHTEnabled {
		dhtNode, err = newDHTNode(cfg)
		if err != nil {
			return nil, err
		}
	}
	ports := make(map[uint16]struct{})
	for p := cfg.PortBegin; p < cfg.PortEnd; p++ {
		ports[p] = struct{}{}
	}
	bl := blocklist.New()
	s := &Session{
		config:             cfg,
		db:                 db,
		blocklist:          bl,
		trackerManager:     trackermanager.New(bl),
		log:                l,
		torrents:           make(map[string]*Torrent),
		torrentsByInfoHash: make(map[dht.InfoHash][]*Torrent),
		availablePorts:     ports,
		dht:                dhtNode,
		closeC:             make(chan struct{}),
	}
	if err = s.startBlocklistReloader(); err != nil {
		return nil, err
	}
	if cfg.DHTEnabled {
		go s.processDHTResults()
	}
	if err = s.loadExistingTorrents(ids); err != nil {
		return nil, err
	}
	return s, nil
}

// setNoFile raises the process's open-file descriptor limit to n,
// best-effort: torrents with many small files can otherwise exhaust
// the OS default (typically 1024) well before the swarm does.
func setNoFile(n uint64) error {
	if n == 0 {
		return nil
	}
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	if rlimit.Max < n {
		rlimit.Max = n
	}
	rlimit.Cur = n
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlimit)
}

// startBlocklistReloader loads whatever blocklist was persisted by a
// previous SetBlocklist call, giving the session's bundled blocklist
// bucket keys a real purpose across restarts.
func (s *Session) startBlocklistReloader() error {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(blocklistKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	chunks := bytes.Split(raw, []byte("\n"))
	cidrs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if len(c) > 0 {
			cidrs = append(cidrs, string(c))
		}
	}
	n := s.blocklist.Reload(cidrs)
	s.log.Infof("loaded %d blocklist entries from disk", n)
	return nil
}

// SetBlocklist replaces the session-wide blocklist with cidrs (e.g.
// freshly downloaded from a blocklist feed) and persists it so it
// survives a restart.
func (s *Session) SetBlocklist(cidrs []string) error {
	n := s.blocklist.Reload(cidrs)
	s.log.Infof("reloaded %d blocklist entries", n)
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}
		if err := b.Put(blocklistKey, []byte(joinNewline(cidrs))); err != nil {
			return err
		}
		return b.Put(blocklistTimestampKey, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func joinNewline(ss []string) string {
	var buf bytes.Buffer
	for i, s := range ss {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(s)
	}
	return buf.String()
}

// processDHTResults drains PeersRequest results from the shared DHT
// node and routes each batch of discovered peers into the dial queue
// of every torrent currently interested in that info hash.
func (s *Session) processDHTResults() {
	for {
		select {
		case res := <-s.dht.PeersRequestResults:
			for ih, peers := range res {
				s.m.RLock()
				torrents := s.torrentsByInfoHash[ih]
				s.m.RUnlock()
				if len(torrents) == 0 {
					continue
				}
				addrs := parseDHTPeers(peers)
				if len(addrs) == 0 {
					continue
				}
				for _, t := range torrents {
					t.t.addrsFromDHT(addrs)
				}
			}
		case <-s.closeC:
			return
		}
	}
}

func parseDHTPeers(peers []string) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for _, p := range peers {
		if len(p) != 6 {
			// only IPv4 is supported for now
			continue
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IP([]byte(p[:4])),
			Port: int(uint16(p[4])<<8 | uint16(p[5])),
		})
	}
	return addrs
}

// newTracker builds a tracker.Tracker for a raw announce URL using the
// session's shared, blocklist-aware trackermanager cache.
func (s *Session) newTracker(rawURL string) (tracker.Tracker, error) {
	return s.trackerManager.Get(rawURL, s.config.TrackerHTTPTimeout, s.config.TrackerHTTPUserAgent)
}

func (s *Session) loadExistingTorrents(ids []string) error {
	var loaded int
	var started []*Torrent
	for _, id := range ids {
		res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
		if err != nil {
			s.log.Error(err)
			continue
		}
		hasStarted, err := s.hasStarted(id)
		if err != nil {
			s.log.Error(err)
			continue
		}
		spec, err := res.Read()
		if err != nil {
			s.log.Error(err)
			continue
		}
		sto, err := filestorage.New(spec.Dest)
		if err != nil {
			s.log.Error(err)
			continue
		}
		opt := &options{
			Port:      uint16(spec.Port),
			Resumer:   res,
			Blocklist: s.blocklist,
			Config:    s.config,
			Storage:   sto,
			Dest:      spec.Dest,
			CreatedAt: spec.CreatedAt,

			NewTracker: s.newTracker,
			Name:       spec.Name,
			Trackers:   spec.Trackers,
			Stats: resumer.Stats{
				BytesDownloaded: spec.BytesDownloaded,
				BytesUploaded:   spec.BytesUploaded,
				BytesWasted:     spec.BytesWasted,
				SeededFor:       spec.SeededFor,
			},
		}
		var infoHash [20]byte
		copy(infoHash[:], spec.InfoHash)
		private := false
		if len(spec.Info) > 0 {
			info, err2 := metainfo.NewInfo(spec.Info)
			if err2 != nil {
				s.log.Error(err2)
				continue
			}
			opt.Info = info
			private = info.Private
			if len(spec.Bitfield) > 0 {
				bf, err3 := bitfield.NewBytes(spec.Bitfield, uint32(info.NumPieces))
				if err3 != nil {
					s.log.Error(err3)
					continue
				}
				opt.Bitfield = bf
			}
		}
		if s.config.DHTEnabled && !private {
			opt.DHT = newDHTAnnouncer(s.dht, spec.InfoHash, spec.Port)
		}

		t, err := newTorrent(id, infoHash, opt)
		if err != nil {
			s.log.Error(err)
			continue
		}
		delete(s.availablePorts, uint16(spec.Port))

		t2 := s.registerTorrent(t, id, uint16(spec.Port), spec.CreatedAt)
		s.log.Debugf("loaded existing torrent: #%s %s", id, t.Name())
		loaded++
		if hasStarted {
			started = append(started, t2)
		}
	}
	s.log.Infof("loaded %d existing torrents", loaded)
	for _, t := range started {
		t.Start()
	}
	return nil
}

func (s *Session) hasStarted(id string) (bool, error) {
	started := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(torrentsBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		if bytes.Equal(b.Get(startedKey), []byte("1")) {
			started = true
		}
		return nil
	})
	return started, err
}

func (s *Session) markStarted(id string, started bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(torrentsBucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		v := []byte("0")
		if started {
			v = []byte("1")
		}
		return b.Put(startedKey, v)
	})
}

// Close stops the DHT node (if any), closes every torrent in
// parallel, and closes the resume database.
func (s *Session) Close() error {
	close(s.closeC)
	if s.config.DHTEnabled && s.dht != nil {
		s.dht.Stop()
	}

	s.m.Lock()
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.torrents = nil
	s.torrentsByInfoHash = nil
	s.m.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(torrents))
	for _, t := range torrents {
		go func(t *Torrent) {
			defer wg.Done()
			t.t.Close()
		}(t)
	}
	wg.Wait()

	return s.db.Close()
}

// ListTorrents returns a snapshot of every torrent currently managed
// by the session.
func (s *Session) ListTorrents() []*Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	return torrents
}

// AddTorrent parses a .torrent file read from r, registers it, and
// starts it immediately.
func (s *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	opt, sto, id, err := s.add()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.releasePort(opt.Port)
		}
	}()
	opt.Name = mi.Info.Name
	opt.Trackers = mi.GetTrackers()
	opt.Info = mi.Info
	var infoHash [20]byte
	copy(infoHash[:], mi.Info.InfoHashV1[:])
	if s.config.DHTEnabled && !mi.Info.Private {
		opt.DHT = newDHTAnnouncer(s.dht, infoHash[:], int(opt.Port))
	}

	t, err := newTorrent(id, infoHash, opt)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			t.Close()
		}
	}()
	rspec := &boltdbresumer.Spec{
		InfoHash:  infoHash[:],
		Dest:      sto.Dest(),
		Port:      int(opt.Port),
		Name:      opt.Name,
		Trackers:  opt.Trackers,
		Info:      mi.Info.Bytes(),
		CreatedAt: opt.CreatedAt,
	}
	if opt.Bitfield != nil {
		rspec.Bitfield = opt.Bitfield.Bytes()
	}
	if err = opt.Resumer.Write(rspec); err != nil {
		return nil, err
	}
	t2 := s.registerTorrent(t, id, opt.Port, opt.CreatedAt)
	t2.Start()
	return t2, nil
}

// AddURI adds a torrent from an http(s) or magnet URI.
func (s *Session) AddURI(uri string) (*Torrent, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return s.addURL(uri)
	case "magnet":
		return s.addMagnet(uri)
	default:
		return nil, errors.New("unsupported uri scheme: " + u.Scheme)
	}
}

func (s *Session) addURL(u string) (*Torrent, error) {
	resp, err := http.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return s.AddTorrent(resp.Body)
}

func (s *Session) addMagnet(link string) (*Torrent, error) {
	ma, err := magnet.New(link)
	if err != nil {
		return nil, err
	}
	opt, sto, id, err := s.add()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.releasePort(opt.Port)
		}
	}()
	opt.Name = ma.Name
	opt.Trackers = ma.Trackers
	infoHash := ma.InfoHashV1
	if s.config.DHTEnabled {
		opt.DHT = newDHTAnnouncer(s.dht, infoHash[:], int(opt.Port))
	}

	t, err := newTorrent(id, infoHash, opt)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			t.Close()
		}
	}()
	rspec := &boltdbresumer.Spec{
		InfoHash:  infoHash[:],
		Dest:      sto.Dest(),
		Port:      int(opt.Port),
		Name:      opt.Name,
		Trackers:  ma.Trackers,
		CreatedAt: opt.CreatedAt,
	}
	if err = opt.Resumer.Write(rspec); err != nil {
		return nil, err
	}
	t2 := s.registerTorrent(t, id, opt.Port, opt.CreatedAt)
	t2.Start()
	return t2, nil
}

// add allocates a port, resume-database bucket and data directory for
// a newly added torrent, returning the options skeleton the three
// AddXxx entry points each finish filling in.
func (s *Session) add() (*options, *filestorage.FileStorage, string, error) {
	port, err := s.getPort()
	if err != nil {
		return nil, nil, "", err
	}
	defer func() {
		if err != nil {
			s.releasePort(port)
		}
	}()
	u1 := uuid.NewV1()
	id := base64.RawURLEncoding.EncodeToString(u1[:])
	res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return nil, nil, "", err
	}
	dest := filepath.Join(s.config.DataDir, id)
	sto, err := filestorage.New(dest)
	if err != nil {
		return nil, nil, "", err
	}
	opt := &options{
		Port:       port,
		Resumer:    res,
		Blocklist:  s.blocklist,
		Config:     s.config,
		Storage:    sto,
		Dest:       dest,
		CreatedAt:  time.Now().UTC(),
		NewTracker: s.newTracker,
	}
	return opt, sto, id, nil
}

func (s *Session) registerTorrent(t *torrent, id string, port uint16, createdAt time.Time) *Torrent {
	t2 := &Torrent{
		session:   s,
		t:         t,
		id:        id,
		port:      port,
		createdAt: createdAt,
	}
	s.m.Lock()
	defer s.m.Unlock()
	s.torrents[id] = t2
	infoHash := t.InfoHash()
	ih := dht.InfoHash(infoHash[:])
	s.torrentsByInfoHash[ih] = append(s.torrentsByInfoHash[ih], t2)
	return t2
}

func (s *Session) getPort() (uint16, error) {
	s.mPorts.Lock()
	defer s.mPorts.Unlock()
	for p := range s.availablePorts {
		delete(s.availablePorts, p)
		return p, nil
	}
	return 0, errors.New("no free port")
}

func (s *Session) releasePort(port uint16) {
	s.mPorts.Lock()
	defer s.mPorts.Unlock()
	s.availablePorts[port] = struct{}{}
}

// GetTorrent looks up a torrent by its session-assigned id.
func (s *Session) GetTorrent(id string) *Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.torrents[id]
}

// RemoveTorrent closes and permanently deletes a torrent's resume
// record and downloaded data.
func (s *Session) RemoveTorrent(id string) error {
	s.m.Lock()
	t, ok := s.torrents[id]
	if !ok {
		s.m.Unlock()
		return nil
	}
	delete(s.torrents, id)
	infoHash := t.t.InfoHash()
	ih := dht.InfoHash(infoHash[:])
	var remaining []*Torrent
	for _, rt := range s.torrentsByInfoHash[ih] {
		if rt != t {
			remaining = append(remaining, rt)
		}
	}
	s.torrentsByInfoHash[ih] = remaining
	s.m.Unlock()

	t.removed = true
	t.t.Close()
	s.releasePort(t.port)
	dest := t.t.dest

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).DeleteBucket([]byte(id))
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(dest)
}
