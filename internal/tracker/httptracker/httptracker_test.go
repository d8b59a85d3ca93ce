package httptracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/ccbittorrent/swarmd/internal/tracker"
)

func TestAnnounceDecodesCompactPeers(t *testing.T) {
	peers := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		resp := bencodeAnnounceResponse{
			Interval:   1800,
			Complete:   3,
			Incomplete: 1,
			Peers:      bencode.RawMessage(append([]byte(fmt.Sprintf("%d:", len(peers))), peers...)),
		}
		enc := bencode.NewEncoder(w)
		require.NoError(t, enc.Encode(resp))
	}))
	defer srv.Close()

	tr := New(srv.URL+"/announce", 2*time.Second, "swarmd/1.0")
	resp, err := tr.Announce(context.Background(), tracker.AnnounceRequest{NumWant: 50})
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	assert.Equal(t, 3, resp.Seeders)
	assert.Equal(t, 1, resp.Leechers)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	assert.Equal(t, 0x1AE1, resp.Peers[0].Port)
}

func TestAnnounceReturnsFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := bencode.NewEncoder(w)
		require.NoError(t, enc.Encode(bencodeAnnounceResponse{FailureReason: "unregistered torrent"}))
	}))
	defer srv.Close()

	tr := New(srv.URL+"/announce", 2*time.Second, "")
	_, err := tr.Announce(context.Background(), tracker.AnnounceRequest{})
	assert.ErrorContains(t, err, "unregistered torrent")
}

func TestScrapeConvertsAnnounceURL(t *testing.T) {
	u, err := scrapeConvert("http://tracker.example/x/announce")
	require.NoError(t, err)
	assert.Equal(t, "http://tracker.example/x/scrape", u)
}

func TestScrapeConvertFailsWithoutAnnounceSuffix(t *testing.T) {
	_, err := scrapeConvert("http://tracker.example/x/track")
	assert.ErrorIs(t, err, tracker.ErrNotScrapeable)
}

func TestScrapeDecodesFilesByInfoHash(t *testing.T) {
	var ih [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := bencode.NewEncoder(w)
		resp := map[string]interface{}{
			"files": map[string]interface{}{
				string(ih[:]): map[string]interface{}{
					"complete":   5,
					"incomplete": 2,
					"downloaded": 100,
				},
			},
		}
		require.NoError(t, enc.Encode(resp))
	}))
	defer srv.Close()

	tr := New(srv.URL+"/announce", 2*time.Second, "")
	out, err := tr.Scrape(context.Background(), [][20]byte{ih})
	require.NoError(t, err)
	require.Contains(t, out, ih)
	assert.Equal(t, 5, out[ih].Complete)
	assert.Equal(t, 2, out[ih].Incomplete)
	assert.Equal(t, 100, out[ih].Downloaded)
}

func TestDecodeCompactPeersRejectsInvalidLength(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestContainsQuery(t *testing.T) {
	assert.True(t, containsQuery("http://x/announce?foo=bar"))
	assert.False(t, containsQuery("http://x/announce"))
}
