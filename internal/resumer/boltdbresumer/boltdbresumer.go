// Package boltdbresumer persists one torrent's resumer.Spec in a
// BoltDB bucket, keyed by the torrent's id, with an optional
// zstd-compressed delta mode so frequent checkpoints don't rewrite the
// full spec (including its bitfield) on every save.
package boltdbresumer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/klauspost/compress/zstd"

	"github.com/ccbittorrent/swarmd/internal/resumer"
)

// Spec is the on-disk record for one torrent; it is an alias of resumer.Spec
// so callers write/read exactly the fields the session package already
// builds (InfoHash, Dest, Port, Trackers, Info, Bitfield, stats...).
type Spec = resumer.Spec

const (
	statsKeySuffix = "-stats"
)

// Resumer reads and writes a single torrent's Spec inside one BoltDB
// bucket, identified by the key passed to New.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	key    []byte

	deltaMode bool
	lastFull  *Spec
}

// New returns a Resumer bound to bucket/key in db, creating bucket if
// it doesn't exist yet.
func New(db *bolt.DB, bucket, key []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: bucket, key: append([]byte(nil), key...)}, nil
}

// EnableDeltaCheckpoints switches Write to store only the fields that
// changed since the last full snapshot (stats + bitfield) after the
// first Write, instead of re-encoding and re-compressing the whole
// Spec (including the immutable Info/Trackers/Dest) on every tick.
func (r *Resumer) EnableDeltaCheckpoints() { r.deltaMode = true }

// Write persists spec, compressing the encoded record with zstd.
func (r *Resumer) Write(spec *Spec) error {
	if !r.deltaMode || r.lastFull == nil {
		if err := r.writeFull(spec); err != nil {
			return err
		}
		full := *spec
		r.lastFull = &full
		return nil
	}
	return r.writeDelta(spec)
}

func (r *Resumer) writeFull(spec *Spec) error {
	enc, err := encode(spec)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return fmt.Errorf("boltdbresumer: bucket %q missing", r.bucket)
		}
		if err := b.Put(r.key, enc); err != nil {
			return err
		}
		return b.Delete(r.statsKey())
	})
}

// delta is the subset of Spec that legitimately changes every
// checkpoint tick; everything else in Spec is write-once at torrent
// creation time.
type delta struct {
	Bitfield        []byte
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

func (r *Resumer) writeDelta(spec *Spec) error {
	d := delta{
		Bitfield:        spec.Bitfield,
		BytesDownloaded: spec.BytesDownloaded,
		BytesUploaded:   spec.BytesUploaded,
		BytesWasted:     spec.BytesWasted,
		SeededFor:       spec.SeededFor,
	}
	enc, err := encode(&d)
	if err != nil {
		return err
	}
	r.lastFull.Bitfield = spec.Bitfield
	r.lastFull.BytesDownloaded = spec.BytesDownloaded
	r.lastFull.BytesUploaded = spec.BytesUploaded
	r.lastFull.BytesWasted = spec.BytesWasted
	r.lastFull.SeededFor = spec.SeededFor
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return fmt.Errorf("boltdbresumer: bucket %q missing", r.bucket)
		}
		return b.Put(r.statsKey(), enc)
	})
}

// Read loads the persisted Spec, applying the latest delta record (if
// any) on top of the last full snapshot.
func (r *Resumer) Read() (*Spec, error) {
	var fullEnc, deltaEnc []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return fmt.Errorf("boltdbresumer: bucket %q missing", r.bucket)
		}
		v := b.Get(r.key)
		if v == nil {
			return fmt.Errorf("boltdbresumer: no spec for key %q", r.key)
		}
		fullEnc = append([]byte(nil), v...)
		if dv := b.Get(r.statsKey()); dv != nil {
			deltaEnc = append([]byte(nil), dv...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var spec Spec
	if err := decode(fullEnc, &spec); err != nil {
		return nil, err
	}
	if deltaEnc != nil {
		var d delta
		if err := decode(deltaEnc, &d); err != nil {
			return nil, err
		}
		spec.Bitfield = d.Bitfield
		spec.BytesDownloaded = d.BytesDownloaded
		spec.BytesUploaded = d.BytesUploaded
		spec.BytesWasted = d.BytesWasted
		spec.SeededFor = d.SeededFor
	}
	full := spec
	r.lastFull = &full
	return &spec, nil
}

func (r *Resumer) statsKey() []byte {
	return append(append([]byte(nil), r.key...), []byte(statsKeySuffix)...)
}

func encode(v interface{}) ([]byte, error) {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(v); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw.Bytes(), nil), nil
}

func decode(compressed []byte, v interface{}) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(v)
}
