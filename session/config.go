package session

import (
	"time"

	"github.com/ccbittorrent/swarmd/internal/piece"
	"github.com/ccbittorrent/swarmd/internal/storage"
)

// Config holds every tunable the session and its torrents read. Zero
// values are used as given; New does not fill them in from
// DefaultConfig.
type Config struct {
	// Database is the path to the BoltDB file holding resume state.
	Database string
	// DataDir is the directory new torrents' files are written under.
	DataDir string
	// MaxOpenFiles is the process file-descriptor ulimit to request at
	// startup; torrents with many files need headroom beyond the OS default.
	MaxOpenFiles uint64

	// PortBegin/PortEnd bound the TCP listen-port range [PortBegin,
	// PortEnd) torrents are assigned from, in no fixed order, as they're
	// added.
	PortBegin uint16
	PortEnd   uint16

	MaxPeerDial   int
	MaxPeerAccept int

	UnchokedPeers           int
	OptimisticUnchokedPeers int
	ChokeInterval           time.Duration
	OptimisticChokeInterval time.Duration

	PeerConnectTimeout   time.Duration
	PeerHandshakeTimeout time.Duration

	RequestTimeout time.Duration
	PieceTimeout   time.Duration

	// PieceSelectionStrategy picks which piece.Strategy drives
	// piece.Store.NextRequests for every peer of every torrent.
	PieceSelectionStrategy piece.Strategy
	// PreallocationStrategy is passed to storage.Storage.Open for newly
	// created files.
	PreallocationStrategy storage.Preallocation

	// EndgameTriggerPieces is the number of remaining unverified pieces
	// at or below which the torrent switches to racing redundant
	// per-peer piecedownloader.PieceDownloader pipelines for whatever
	// is left, instead of relying solely on the scheduler's single
	// assignment per block.
	EndgameTriggerPieces     int
	EndgameMaxDownloadersPerPiece int

	ExtensionHandshakeClientVersion string

	TrackerHTTPTimeout   time.Duration
	TrackerHTTPUserAgent string

	DHTEnabled bool
	DHTAddress string
	DHTPort    uint16

	PEXEnabled  bool
	PEXInterval time.Duration

	BitfieldWriteInterval time.Duration
	CheckpointInterval    time.Duration

	// UploadBytesPerSec/DownloadBytesPerSec name a swarm-wide transfer
	// cap (0 meaning unlimited). The session does not read them and
	// builds no internal/ratelimit buckets, so no cap is applied.
	UploadBytesPerSec   int64
	DownloadBytesPerSec int64

	DiskIOWorkersMin    int
	DiskIOWorkersMax    int
	DiskIOHashBatchSize int
}

// DefaultConfig matches the values the teacher's own deployment used,
// adjusted only where SPEC_FULL.md names a different default (PEX on,
// request timeout bounds per the scheduler's adaptive-depth design).
var DefaultConfig = Config{
	Database:     "~/rain/session.db",
	DataDir:      "~/rain/data",
	MaxOpenFiles: 1024 * 1024,

	PortBegin: 50000,
	PortEnd:   60000,

	MaxPeerDial:   80,
	MaxPeerAccept: 80,

	UnchokedPeers:           4,
	OptimisticUnchokedPeers: 1,
	ChokeInterval:           10 * time.Second,
	OptimisticChokeInterval: 30 * time.Second,

	PeerConnectTimeout:   5 * time.Second,
	PeerHandshakeTimeout: 10 * time.Second,

	RequestTimeout: 20 * time.Second,
	PieceTimeout:   30 * time.Second,

	PieceSelectionStrategy: piece.RarestFirst,
	PreallocationStrategy:  storage.PreallocateSparse,

	EndgameTriggerPieces:          20,
	EndgameMaxDownloadersPerPiece: 3,

	ExtensionHandshakeClientVersion: "swarmd",

	TrackerHTTPTimeout:   30 * time.Second,
	TrackerHTTPUserAgent: "swarmd",

	DHTEnabled: true,
	DHTAddress: "0.0.0.0",
	DHTPort:    7246,

	PEXEnabled:  true,
	PEXInterval: 60 * time.Second,

	BitfieldWriteInterval: 30 * time.Second,
	CheckpointInterval:    2 * time.Minute,

	DiskIOWorkersMin:    2,
	DiskIOWorkersMax:    8,
	DiskIOHashBatchSize: 2,
}
