package trackermanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/blocklist"
	"github.com/ccbittorrent/swarmd/internal/tracker/httptracker"
	"github.com/ccbittorrent/swarmd/internal/tracker/udptracker"
)

func TestGetReturnsHTTPTrackerForHTTPScheme(t *testing.T) {
	m := New(nil)
	tr, err := m.Get("http://tracker.example/announce", time.Second, "ua")
	require.NoError(t, err)
	_, ok := tr.(*httptracker.HTTPTracker)
	assert.True(t, ok)
}

func TestGetReturnsUDPTrackerForUDPScheme(t *testing.T) {
	m := New(nil)
	tr, err := m.Get("udp://tracker.example:80/announce", time.Second, "ua")
	require.NoError(t, err)
	_, ok := tr.(*udptracker.UDPTracker)
	assert.True(t, ok)
}

func TestGetCachesByURLTimeoutUserAgent(t *testing.T) {
	m := New(nil)
	a, err := m.Get("http://tracker.example/announce", time.Second, "ua")
	require.NoError(t, err)
	b, err := m.Get("http://tracker.example/announce", time.Second, "ua")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := m.Get("http://tracker.example/announce", 2*time.Second, "ua")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestGetRejectsUnsupportedScheme(t *testing.T) {
	m := New(nil)
	_, err := m.Get("ws://tracker.example/announce", time.Second, "")
	assert.Error(t, err)
}

func TestGetRejectsBlockedHost(t *testing.T) {
	bl := blocklist.New()
	bl.Reload([]string{"203.0.113.0/24"})
	m := New(bl)
	_, err := m.Get("http://203.0.113.5/announce", time.Second, "")
	assert.Error(t, err)
}
