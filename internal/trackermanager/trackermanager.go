// Package trackermanager parses tracker URLs into the right transport
// (HTTP or UDP) and caches the resulting handles so repeated announces
// to the same tracker reuse one connection/connection-ID instead of
// building a fresh transport every interval.
package trackermanager

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/ccbittorrent/swarmd/internal/blocklist"
	"github.com/ccbittorrent/swarmd/internal/tracker"
	"github.com/ccbittorrent/swarmd/internal/tracker/httptracker"
	"github.com/ccbittorrent/swarmd/internal/tracker/udptracker"
)

type cacheKey struct {
	rawURL    string
	timeout   time.Duration
	userAgent string
}

// TrackerManager builds and caches tracker.Tracker handles, and denies
// trackers whose host is an IP literal inside the configured blocklist.
// Hostnames are not resolved, so a tracker given by name is never denied.
type TrackerManager struct {
	blocklist *blocklist.Blocklist

	m     sync.Mutex
	cache map[cacheKey]tracker.Tracker
}

// New returns a TrackerManager that consults bl (may be nil) before
// handing out a transport for a tracker whose host is an IP literal.
func New(bl *blocklist.Blocklist) *TrackerManager {
	return &TrackerManager{blocklist: bl, cache: make(map[cacheKey]tracker.Tracker)}
}

// Get parses rawURL's scheme and returns a cached or freshly built
// tracker.Tracker for it.
func (m *TrackerManager) Get(rawURL string, timeout time.Duration, userAgent string) (tracker.Tracker, error) {
	key := cacheKey{rawURL: rawURL, timeout: timeout, userAgent: userAgent}

	m.m.Lock()
	if t, ok := m.cache[key]; ok {
		m.m.Unlock()
		return t, nil
	}
	m.m.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("trackermanager: invalid url: %w", err)
	}

	if err := m.checkBlocklist(u.Hostname()); err != nil {
		return nil, err
	}

	var t tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		t = httptracker.New(rawURL, timeout, userAgent)
	case "udp", "udp4", "udp6":
		addr := u.Host
		if addr == "" {
			return nil, fmt.Errorf("trackermanager: missing host in %q", rawURL)
		}
		t = udptracker.New(rawURL, addr, timeout)
	default:
		return nil, fmt.Errorf("trackermanager: unsupported tracker scheme %q", u.Scheme)
	}

	m.m.Lock()
	m.cache[key] = t
	m.m.Unlock()
	return t, nil
}

// checkBlocklist rejects a tracker whose host is an IP literal inside
// the blocklist. A hostname is not resolved here and always passes; any
// resolution error surfaces later, at dial/announce time.
func (m *TrackerManager) checkBlocklist(host string) error {
	if m.blocklist == nil || host == "" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if m.blocklist.Blocked(ip) {
		return fmt.Errorf("trackermanager: host %q is blocked", host)
	}
	return nil
}
