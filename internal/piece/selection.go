package piece

import "github.com/ccbittorrent/swarmd/internal/metainfo"

// FileSelection is a per-torrent override of which files to fetch and at
// what priority.
type FileSelection struct {
	Selected []bool
	Priority []Priority
}

// NewFileSelection defaults every non-padding file to selected+Normal and
// every padding file to unselected+DoNotDownload.
func NewFileSelection(files []metainfo.FileInfo) *FileSelection {
	fs := &FileSelection{
		Selected: make([]bool, len(files)),
		Priority: make([]Priority, len(files)),
	}
	for i, f := range files {
		if f.IsPadding() {
			fs.Selected[i] = false
			fs.Priority[i] = DoNotDownload
			continue
		}
		fs.Selected[i] = true
		fs.Priority[i] = Normal
	}
	return fs
}

// Set updates selection/priority for one file index.
func (fs *FileSelection) Set(fileIndex int, selected bool, priority Priority) {
	if fileIndex < 0 || fileIndex >= len(fs.Selected) {
		return
	}
	fs.Selected[fileIndex] = selected
	fs.Priority[fileIndex] = priority
}

// Segment is one (file, piece) overlap produced by segment construction
// over the flat piece stream.
type Segment struct {
	FileIndex   int
	PieceIndex  int
	PieceOffset int64 // offset within the piece where this file's bytes start
	FileStart   int64 // offset within the file
	Length      int64
}

// BuildSegments scans the file list left-to-right and emits one segment per
// (file, piece) overlap. Padding files are excluded from the table but
// still consume byte range for alignment.
func BuildSegments(files []metainfo.FileInfo, pieceLength int64) []Segment {
	var segs []Segment
	for fi, f := range files {
		if f.IsPadding() || f.Length == 0 {
			continue
		}
		fileStartGlobal := f.Offset
		fileEndGlobal := f.Offset + f.Length
		pieceIdx := int(fileStartGlobal / pieceLength)
		pos := fileStartGlobal
		for pos < fileEndGlobal {
			pieceStartGlobal := int64(pieceIdx) * pieceLength
			pieceEndGlobal := pieceStartGlobal + pieceLength
			segEnd := fileEndGlobal
			if pieceEndGlobal < segEnd {
				segEnd = pieceEndGlobal
			}
			segs = append(segs, Segment{
				FileIndex:   fi,
				PieceIndex:  pieceIdx,
				PieceOffset: pos - pieceStartGlobal,
				FileStart:   pos - f.Offset,
				Length:      segEnd - pos,
			})
			pos = segEnd
			pieceIdx++
		}
	}
	return segs
}

// EffectivePriority computes a piece's effective priority: the maximum
// priority of any selected, non-padding file it overlaps, or
// DoNotDownload if it overlaps none (the "max-of-selected, non-padding
// overlaps" resolution; see DESIGN.md for the Open Question decision).
func EffectivePriority(pieceIndex int, segs []Segment, fs *FileSelection, files []metainfo.FileInfo) Priority {
	best := DoNotDownload
	found := false
	for _, s := range segs {
		if s.PieceIndex != pieceIndex {
			continue
		}
		if files[s.FileIndex].IsPadding() {
			continue
		}
		if !fs.Selected[s.FileIndex] {
			continue
		}
		if !found || fs.Priority[s.FileIndex] > best {
			best = fs.Priority[s.FileIndex]
			found = true
		}
	}
	if !found {
		return DoNotDownload
	}
	return best
}

// PieceWhollyPadding reports whether the piece overlaps at least one file
// and every file it overlaps is a padding file (a piece that overlaps no
// file reports false). Such a piece is auto-verified with implied-zero
// bytes per the spec's edge-case rule.
func PieceWhollyPadding(pieceIndex int, files []metainfo.FileInfo, pieceLength int64) bool {
	pieceStart := int64(pieceIndex) * pieceLength
	pieceEnd := pieceStart + pieceLength
	overlapsAny := false
	for _, f := range files {
		fStart := f.Offset
		fEnd := f.Offset + f.Length
		if fEnd <= pieceStart || fStart >= pieceEnd {
			continue
		}
		overlapsAny = true
		if !f.IsPadding() {
			return false
		}
	}
	return overlapsAny
}
