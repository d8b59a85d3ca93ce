// Package metainfo parses .torrent files (v1, v2, hybrid) into a typed
// Info and computes info-hashes.
package metainfo

import (
	"crypto/sha1" // nolint:gosec // BEP 3 mandates SHA-1 for v1 info-hashes.
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ccbittorrent/swarmd/internal/bencode"
)

// FileAttr is one BEP 47 attribute flag.
type FileAttr byte

const (
	AttrPadding    FileAttr = 'p'
	AttrExecutable FileAttr = 'x'
	AttrHidden     FileAttr = 'h'
	AttrSymlink    FileAttr = 'l'
)

// FileInfo describes a single file within a torrent.
type FileInfo struct {
	Path        []string // ordered path components, root-relative
	Length      int64
	Attr        string // raw BEP 47 attr string, e.g. "p", "xh"
	SymlinkPath []string
	SHA1        [20]byte
	HasSHA1     bool

	// Offset is this file's starting byte offset within the flat piece
	// stream. Computed during parsing/flattening.
	Offset int64
}

// HasAttr reports whether the file carries the given BEP 47 attribute.
func (f FileInfo) HasAttr(a FileAttr) bool {
	for i := 0; i < len(f.Attr); i++ {
		if FileAttr(f.Attr[i]) == a {
			return true
		}
	}
	return false
}

// IsPadding reports whether this is a BEP 47 padding file: present for
// piece alignment, never written to disk, excluded from selection UIs.
func (f FileInfo) IsPadding() bool { return f.HasAttr(AttrPadding) }

// Info is the parsed and validated `info` dictionary of a torrent,
// immutable once constructed.
type Info struct {
	Name         string
	PieceLength  int64
	Pieces       [][20]byte // v1: one SHA-1 per piece, empty if v2-only
	PieceLayers  map[[32]byte][][32]byte
	Files        []FileInfo
	TotalLength  int64
	Private      bool
	NumPieces    int
	MetaVersion  int // 0 = v1 only, 2 = v2 present (hybrid if Pieces is also non-empty)
	InfoHashV1   [20]byte
	HasInfoHash1 bool
	InfoHashV2   [32]byte
	HasInfoHash2 bool

	raw []byte // exact bencode of the info dict, used for info-hash + re-verify
}

// MetaInfo is the bencoded top-level torrent-file dictionary.
type MetaInfo struct {
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	CreationDate int64              `bencode:"creation date"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
	Encoding     string             `bencode:"encoding"`
	PieceLayers  map[string][]byte  `bencode:"piece layers"`
}

// GetTrackers flattens Announce + AnnounceList (BEP 12) into one ordered,
// de-duplicated list.
func (m *MetaInfo) GetTrackers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// New parses a bencoded torrent-file stream.
func New(r io.Reader) (*MetaInfo, error) {
	var m MetaInfo
	if err := bencode.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	if len(m.RawInfo) == 0 {
		return nil, errors.New("metainfo: no info dict in torrent file")
	}
	info, err := NewInfoFull(m.RawInfo, m.PieceLayers)
	if err != nil {
		return nil, err
	}
	m.Info = info
	return &m, nil
}

// rawInfoDict is the intermediate, loosely-typed shape of the info
// dictionary used to support both v1 and v2/hybrid shapes without two
// entirely separate decode passes.
type rawInfoDict struct {
	Name        string                 `bencode:"name"`
	PieceLength int64                  `bencode:"piece length"`
	Pieces      []byte                 `bencode:"pieces"`
	Length      int64                  `bencode:"length"`
	Files       []rawFileDict          `bencode:"files"`
	Private     int                    `bencode:"private"`
	MetaVersion int                    `bencode:"meta version"`
	FileTree    map[string]interface{} `bencode:"file tree"`
}

type rawFileDict struct {
	Length  int64    `bencode:"length"`
	Path    []string `bencode:"path"`
	Attr    string   `bencode:"attr"`
	SymPath []string `bencode:"symlink path"`
	SHA1    []byte   `bencode:"sha1"`
}

// NewInfo parses and validates a raw bencoded info dictionary, computing
// whichever info-hashes apply from the bytes alone (v1 SHA-1). Use
// NewInfoFull for v2/hybrid torrents, which also need the top-level
// "piece layers" field to validate file-tree leaves.
func NewInfo(raw []byte) (*Info, error) {
	return newInfo(raw, nil)
}

// NewInfoFull is like NewInfo but also accepts the top-level "piece
// layers" map (v2/hybrid torrents only).
func NewInfoFull(raw []byte, pieceLayersRaw map[string][]byte) (*Info, error) {
	return newInfo(raw, pieceLayersRaw)
}

func newInfo(raw []byte, pieceLayersRaw map[string][]byte) (*Info, error) {
	var rd rawInfoDict
	if err := bencode.Unmarshal(raw, &rd); err != nil {
		return nil, fmt.Errorf("metainfo: invalid info dict: %w", err)
	}
	if rd.PieceLength <= 0 || rd.PieceLength&(rd.PieceLength-1) != 0 || rd.PieceLength < 16*1024 {
		return nil, fmt.Errorf("metainfo: piece length %d must be a power of two >= 16KiB", rd.PieceLength)
	}

	info := &Info{
		Name:        rd.Name,
		PieceLength: rd.PieceLength,
		Private:     rd.Private == 1,
		MetaVersion: rd.MetaVersion,
		raw:         raw,
	}

	isV2 := rd.MetaVersion == 2 && rd.FileTree != nil
	isV1 := len(rd.Pieces) > 0 || (len(rd.Files) > 0 && !isV2) || (rd.Length > 0 && !isV2)

	if isV1 {
		if len(rd.Pieces)%20 != 0 {
			return nil, errors.New("metainfo: pieces field is not a multiple of 20 bytes")
		}
		n := len(rd.Pieces) / 20
		info.Pieces = make([][20]byte, n)
		for i := 0; i < n; i++ {
			copy(info.Pieces[i][:], rd.Pieces[i*20:(i+1)*20])
		}
		if len(rd.Files) > 0 {
			files, total, err := flattenV1Files(rd.Files)
			if err != nil {
				return nil, err
			}
			info.Files = files
			info.TotalLength = total
		} else {
			info.Files = []FileInfo{{Path: []string{rd.Name}, Length: rd.Length}}
			info.TotalLength = rd.Length
		}
		info.NumPieces = n
	}

	if isV2 {
		layers := make(map[[32]byte][][32]byte, len(pieceLayersRaw))
		for k, v := range pieceLayersRaw {
			if len(k) != 32 {
				return nil, fmt.Errorf("metainfo: piece layers root key must be 32 bytes, got %d", len(k))
			}
			if len(v)%32 != 0 {
				return nil, errors.New("metainfo: piece layer value not a multiple of 32 bytes")
			}
			var root [32]byte
			copy(root[:], k)
			leaves := make([][32]byte, len(v)/32)
			for i := range leaves {
				copy(leaves[i][:], v[i*32:(i+1)*32])
			}
			layers[root] = leaves
		}
		info.PieceLayers = layers

		files, total, err := flattenFileTree(rd.FileTree, nil, rd.PieceLength, layers)
		if err != nil {
			return nil, err
		}
		info.Files = files
		info.TotalLength = total
		if info.NumPieces == 0 {
			info.NumPieces = int((total + rd.PieceLength - 1) / rd.PieceLength)
		}
	}

	if !isV1 && !isV2 {
		return nil, errors.New("metainfo: info dict has neither v1 pieces/length/files nor a v2 file tree")
	}

	h1 := sha1.Sum(raw) // nolint:gosec
	info.InfoHashV1 = h1
	info.HasInfoHash1 = isV1

	if isV2 {
		h2 := sha256.Sum256(raw)
		info.InfoHashV2 = h2
		info.HasInfoHash2 = true
	}

	return info, nil
}

func flattenV1Files(raw []rawFileDict) ([]FileInfo, int64, error) {
	files := make([]FileInfo, len(raw))
	var offset int64
	for i, rf := range raw {
		if rf.Length < 0 {
			return nil, 0, fmt.Errorf("metainfo: file %v has negative length", rf.Path)
		}
		fi := FileInfo{
			Path:   rf.Path,
			Length: rf.Length,
			Attr:   rf.Attr,
			Offset: offset,
		}
		if len(rf.SymPath) > 0 {
			fi.SymlinkPath = rf.SymPath
		}
		if fi.HasAttr(AttrSymlink) && len(fi.SymlinkPath) == 0 {
			return nil, 0, fmt.Errorf("metainfo: file %v has symlink attr but no symlink path", rf.Path)
		}
		if len(rf.SHA1) == 20 {
			copy(fi.SHA1[:], rf.SHA1)
			fi.HasSHA1 = true
		}
		files[i] = fi
		offset += rf.Length
	}
	return files, offset, nil
}

// flattenFileTree performs the depth-first, lexicographic flattening of a
// v2 file-tree dictionary into an ordered FileInfo list, per spec.md §4.2.
func flattenFileTree(node map[string]interface{}, path []string, pieceLength int64, layers map[[32]byte][][32]byte) ([]FileInfo, int64, error) {
	// A leaf is the sentinel {"": {"length": N, "pieces root": H32}}.
	if leaf, ok := node[""]; ok {
		leafMap, ok := leaf.(map[string]interface{})
		if !ok {
			return nil, 0, fmt.Errorf("metainfo: file tree leaf at %v is malformed", path)
		}
		lengthVal, _ := leafMap["length"].(int64)
		if lengthVal < 0 {
			return nil, 0, fmt.Errorf("metainfo: file %v has negative length", path)
		}
		fi := FileInfo{Path: append([]string(nil), path...), Length: lengthVal}
		if rootStr, ok := leafMap["pieces root"].(string); ok && lengthVal > 0 {
			var root [32]byte
			copy(root[:], rootStr)
			expected := int((lengthVal + pieceLength - 1) / pieceLength)
			if got := len(layers[root]); got != expected {
				return nil, 0, fmt.Errorf("metainfo: file %v expects %d piece-layer hashes, got %d", path, expected, got)
			}
		}
		return []FileInfo{fi}, lengthVal, nil
	}
	if len(node) == 0 {
		return nil, 0, fmt.Errorf("metainfo: directory %v has no children", path)
	}
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var files []FileInfo
	var total int64
	for _, k := range keys {
		child, ok := node[k].(map[string]interface{})
		if !ok {
			return nil, 0, fmt.Errorf("metainfo: file tree entry %v/%s is malformed", path, k)
		}
		sub, subLen, err := flattenFileTree(child, append(path, k), pieceLength, layers)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, sub...)
		total += subLen
	}
	return files, total, nil
}

// Bytes returns the exact bencoded info dictionary, for resume/checkpoint
// persistence and for recomputing the info-hash on re-decode.
func (info *Info) Bytes() []byte { return info.raw }
