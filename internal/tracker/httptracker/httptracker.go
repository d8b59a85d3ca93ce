// Package httptracker implements the HTTP(S) tracker transport: GET
// announce/scrape requests with percent-encoded binary query
// parameters and bencoded responses.
package httptracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/ccbittorrent/swarmd/internal/tracker"
)

// HTTPTracker announces/scrapes one HTTP(S) tracker URL.
type HTTPTracker struct {
	url       string
	client    *http.Client
	userAgent string
}

// New returns an HTTPTracker for rawURL with the given per-request
// timeout and client-identifying user agent.
func New(rawURL string, timeout time.Duration, userAgent string) *HTTPTracker {
	return &HTTPTracker{
		url:       rawURL,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (t *HTTPTracker) URL() string { return t.url }

type bencodeAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	MinInterval   int         `bencode:"min interval"`
	Complete      int         `bencode:"complete"`
	Incomplete    int         `bencode:"incomplete"`
	Peers         bencode.RawMessage `bencode:"peers"`
}

// Announce sends req as an HTTP GET per spec §6's parameter table and
// decodes the bencoded reply, supporting the BEP 23 compact peer list.
func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(req.NumWant))
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}

	var resp bencodeAnnounceResponse
	if err := t.doGET(ctx, t.url, q, &resp); err != nil {
		return nil, err
	}
	if resp.FailureReason != "" {
		return nil, fmt.Errorf("httptracker: tracker failure: %s", resp.FailureReason)
	}
	// resp.Peers holds the raw bencoded string, length prefix included.
	var peersStr string
	if len(resp.Peers) > 0 {
		if err := bencode.DecodeBytes(resp.Peers, &peersStr); err != nil {
			return nil, fmt.Errorf("httptracker: decoding peers: %w", err)
		}
	}
	peers, err := decodeCompactPeers([]byte(peersStr))
	if err != nil {
		return nil, err
	}
	return &tracker.AnnounceResponse{
		Interval:    resp.Interval,
		MinInterval: resp.MinInterval,
		Peers:       peers,
		Leechers:    resp.Incomplete,
		Seeders:     resp.Complete,
	}, nil
}

type bencodeScrapeResponse struct {
	Files map[string]struct {
		Complete   int `bencode:"complete"`
		Incomplete int `bencode:"incomplete"`
		Downloaded int `bencode:"downloaded"`
	} `bencode:"files"`
}

// Scrape converts the announce URL's final path segment from
// "announce" to "scrape" per BEP 48 and queries swarm stats for each
// info hash without side-effecting the tracker's peer list.
func (t *HTTPTracker) Scrape(ctx context.Context, infoHashes [][20]byte) (map[[20]byte]tracker.ScrapeResponse, error) {
	scrapeURL, err := scrapeConvert(t.url)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	for _, ih := range infoHashes {
		q.Add("info_hash", string(ih[:]))
	}

	var resp bencodeScrapeResponse
	if err := t.doGET(ctx, scrapeURL, q, &resp); err != nil {
		return nil, err
	}
	out := make(map[[20]byte]tracker.ScrapeResponse, len(infoHashes))
	for _, ih := range infoHashes {
		if f, ok := resp.Files[string(ih[:])]; ok {
			out[ih] = tracker.ScrapeResponse{Complete: f.Complete, Incomplete: f.Incomplete, Downloaded: f.Downloaded}
		}
	}
	return out, nil
}

func (t *HTTPTracker) doGET(ctx context.Context, base string, q url.Values, out interface{}) error {
	full := base
	if len(q) > 0 {
		sep := "?"
		if containsQuery(base) {
			sep = "&"
		}
		full = base + sep + q.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return err
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 5 {
		return fmt.Errorf("httptracker: server error: %s", resp.Status)
	}
	dec := bencode.NewDecoder(resp.Body)
	return dec.Decode(out)
}

func containsQuery(rawURL string) bool {
	for i := 0; i < len(rawURL); i++ {
		if rawURL[i] == '?' {
			return true
		}
	}
	return false
}

func decodeCompactPeers(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("httptracker: invalid compact peers length: %d", len(b))
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}

func scrapeConvert(announceURL string) (string, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", err
	}
	const marker = "/announce"
	if len(u.Path) < len(marker) || u.Path[len(u.Path)-len(marker):] != marker {
		return "", tracker.ErrNotScrapeable
	}
	u.Path = u.Path[:len(u.Path)-len(marker)] + "/scrape"
	return u.String(), nil
}
