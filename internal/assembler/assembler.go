// Package assembler maps the flat piece-stream to the on-disk file list:
// segment construction, the piece write/read path, and BEP 47 attribute
// finalization on torrent completion.
package assembler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ccbittorrent/swarmd/internal/diskio"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
	"github.com/ccbittorrent/swarmd/internal/piece"
	"github.com/ccbittorrent/swarmd/internal/storage"
)

// Assembler owns the open file handles for one torrent and translates
// piece-level writes/reads into per-file disk I/O.
type Assembler struct {
	files       []metainfo.FileInfo
	pieceLength int64
	sto         storage.Storage
	dq          *diskio.Queue

	handles []storage.File // one per non-padding file index; nil for padding
	segByPiece map[int][]piece.Segment
}

// New opens (or creates) every non-padding file and preallocates it, and
// builds the piece-index -> segment-list lookup used by WritePiece/
// ReadBlock.
func New(files []metainfo.FileInfo, pieceLength int64, sto storage.Storage, dq *diskio.Queue, strategy storage.Preallocation) (*Assembler, error) {
	a := &Assembler{
		files:       files,
		pieceLength: pieceLength,
		sto:         sto,
		dq:          dq,
		handles:     make([]storage.File, len(files)),
		segByPiece:  make(map[int][]piece.Segment),
	}
	for i, f := range files {
		if f.IsPadding() {
			continue
		}
		path := filepath.Join(f.Path...)
		h, err := sto.Open(path, f.Length, strategy)
		if err != nil {
			return nil, fmt.Errorf("assembler: opening %s: %w", path, err)
		}
		a.handles[i] = h
	}
	segs := piece.BuildSegments(files, pieceLength)
	for _, s := range segs {
		a.segByPiece[s.PieceIndex] = append(a.segByPiece[s.PieceIndex], s)
	}
	return a, nil
}

func (a *Assembler) diskSegments(pieceIndex int) ([]diskio.Segment, error) {
	segs, ok := a.segByPiece[pieceIndex]
	if !ok {
		return nil, nil
	}
	out := make([]diskio.Segment, 0, len(segs))
	for _, s := range segs {
		h := a.handles[s.FileIndex]
		if h == nil {
			continue // padding file, never backed by a handle
		}
		out = append(out, diskio.Segment{
			File:        h,
			FileStart:   s.FileStart,
			PieceOffset: s.PieceOffset,
			Length:      s.Length,
		})
	}
	return out, nil
}

// WritePiece writes pieceBytes to every file segment it overlaps.
// Idempotent: callers should skip re-invoking it for an already-Verified
// piece, but a redundant call is itself harmless (same bytes, same
// offsets).
func (a *Assembler) WritePiece(ctx context.Context, pieceIndex int, pieceBytes []byte) error {
	segs, err := a.diskSegments(pieceIndex)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nil // piece wholly inside padding files; nothing to write
	}
	return a.dq.WriteBlock(ctx, diskio.PriorityRegular, segs, pieceBytes)
}

// ReadBlock reads [blockOffset, blockOffset+blockLength) of pieceIndex,
// returning (nil, nil) if any underlying segment is short (not yet
// written).
func (a *Assembler) ReadBlock(ctx context.Context, pieceIndex int, blockOffset, blockLength int64) ([]byte, error) {
	all, err := a.diskSegments(pieceIndex)
	if err != nil {
		return nil, err
	}
	var sub []diskio.Segment
	want := blockOffset + blockLength
	for _, s := range all {
		segEnd := s.PieceOffset + s.Length
		if segEnd <= blockOffset || s.PieceOffset >= want {
			continue
		}
		start := s.PieceOffset
		fileStart := s.FileStart
		length := s.Length
		if start < blockOffset {
			delta := blockOffset - start
			fileStart += delta
			length -= delta
			start = blockOffset
		}
		if start+length > want {
			length = want - start
		}
		sub = append(sub, diskio.Segment{File: s.File, FileStart: fileStart, PieceOffset: start, Length: length})
	}
	return a.dq.ReadBlock(ctx, diskio.PriorityRegular, sub, blockLength)
}

// VerifyPieceV1 reads and SHA-1-verifies a v1 piece.
func (a *Assembler) VerifyPieceV1(ctx context.Context, pieceIndex int, expected [20]byte) (bool, error) {
	segs, err := a.diskSegments(pieceIndex)
	if err != nil {
		return false, err
	}
	if len(segs) == 0 {
		return true, nil // wholly-padding piece: implied zero bytes, auto-verified
	}
	return a.dq.VerifyPieceV1(ctx, segs, expected)
}

// Finalize iterates non-padding files and applies BEP 47 attributes
// (symlink, then executable, then hidden) on torrent completion.
// Best-effort: failures are collected and returned but do not abort
// partway through the remaining files.
func (a *Assembler) Finalize(ctx context.Context) []error {
	var errs []error
	for _, f := range a.files {
		if f.IsPadding() {
			continue
		}
		path := filepath.Join(f.Path...)
		if f.HasAttr(metainfo.AttrSymlink) && len(f.SymlinkPath) > 0 {
			if err := a.sto.ApplySymlink(path, f.SymlinkPath); err != nil {
				errs = append(errs, fmt.Errorf("symlink %s: %w", path, err))
			}
		}
		if f.HasAttr(metainfo.AttrExecutable) {
			if err := a.sto.ApplyExecutable(path, true); err != nil {
				errs = append(errs, fmt.Errorf("executable %s: %w", path, err))
			}
		}
		if f.HasAttr(metainfo.AttrHidden) {
			if err := a.sto.ApplyHidden(path); err != nil {
				errs = append(errs, fmt.Errorf("hidden %s: %w", path, err))
			}
		}
	}
	return errs
}

// Close closes every open file handle.
func (a *Assembler) Close() error {
	var firstErr error
	for _, h := range a.handles {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
