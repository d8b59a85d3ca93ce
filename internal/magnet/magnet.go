// Package magnet parses magnet: URIs into the info-hash, tracker list,
// display name, and file-selection hints needed to start a metadata-only
// download (BEP 9) or refine it (BEP 53).
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHashV1   [20]byte
	HasV1        bool
	InfoHashV2   [32]byte
	HasV2        bool
	Name         string
	Trackers     []string
	WebSeeds     []string
	LengthHint   int64
	HasLength    bool
	FileIndices  []int // BEP 53 "so" selection hint; nil means "all"; "x.pe" is not read into it
}

const v1Prefix = "urn:btih:"
const v2Prefix = "urn:btmh:1220"

// New parses a magnet: URI.
func New(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("magnet: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()

	m := &Magnet{}
	for _, xt := range q["xt"] {
		switch {
		case strings.HasPrefix(xt, v1Prefix):
			h, err := decodeV1Hash(xt[len(v1Prefix):])
			if err != nil {
				return nil, err
			}
			m.InfoHashV1 = h
			m.HasV1 = true
		case strings.HasPrefix(xt, v2Prefix):
			raw, err := hex.DecodeString(xt[len(v2Prefix):])
			if err != nil || len(raw) != 32 {
				return nil, errors.New("magnet: invalid btmh hash")
			}
			copy(m.InfoHashV2[:], raw)
			m.HasV2 = true
		}
	}
	if !m.HasV1 && !m.HasV2 {
		return nil, errors.New("magnet: no recognized xt parameter (urn:btih or urn:btmh)")
	}

	m.Name = q.Get("dn")
	m.Trackers = q["tr"]
	m.WebSeeds = q["ws"]

	if xl := q.Get("xl"); xl != "" {
		n, err := strconv.ParseInt(xl, 10, 64)
		if err == nil && n >= 0 {
			m.LengthHint = n
			m.HasLength = true
		}
	}

	if so := q.Get("so"); so != "" {
		idx, err := parseSelectOnly(so)
		if err != nil {
			return nil, err
		}
		m.FileIndices = idx
	} else if pe := q.Get("x.pe"); pe != "" {
		// x.pe advertises peer endpoints in some clients, but legacy usage
		// also carries file-index hints in a few implementations; only
		// "so" is part of BEP 53, so x.pe is accepted but not parsed as a
		// selection hint here.
		_ = pe
	}

	return m, nil
}

func decodeV1Hash(s string) ([20]byte, error) {
	var h [20]byte
	switch len(s) {
	case 40:
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != 20 {
			return h, errors.New("magnet: invalid hex info-hash")
		}
		copy(h[:], raw)
	case 32:
		raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil || len(raw) != 20 {
			return h, errors.New("magnet: invalid base32 info-hash")
		}
		copy(h[:], raw)
	default:
		return h, fmt.Errorf("magnet: info-hash must be 40 hex or 32 base32 chars, got %d", len(s))
	}
	return h, nil
}

// parseSelectOnly parses BEP 53's "so" parameter: a comma-separated list
// of file indices or inclusive index ranges, e.g. "0,2,4-6".
func parseSelectOnly(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, err1 := strconv.Atoi(part[:i])
			hi, err2 := strconv.Atoi(part[i+1:])
			if err1 != nil || err2 != nil || lo > hi {
				return nil, fmt.Errorf("magnet: invalid file-index range %q", part)
			}
			for x := lo; x <= hi; x++ {
				out = append(out, x)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("magnet: invalid file index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
