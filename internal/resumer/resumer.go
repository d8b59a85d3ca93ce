// Package resumer defines the persistence contract a torrent uses to
// survive a process restart: what progress looks like (Stats), what a
// torrent's durable identity looks like (Spec), and the read/write
// interface a storage backend implements.
package resumer

import "time"

// Stats is the subset of a torrent's progress counters worth
// persisting across restarts.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Spec is a torrent's durable identity: everything needed to
// reconstruct it (metainfo, destination, trackers) plus enough
// progress (Bitfield, Stats) to resume without re-verifying from
// scratch.
type Spec struct {
	InfoHash        []byte
	Bitfield        []byte
	Dest            string
	Port            int
	Name            string
	Trackers        []string
	Info            []byte
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
	CreatedAt       time.Time
}

// Resumer reads and writes one torrent's Spec. A nil Resumer means the
// torrent is ephemeral and nothing is persisted.
type Resumer interface {
	Write(*Spec) error
	Read() (*Spec, error)
}
