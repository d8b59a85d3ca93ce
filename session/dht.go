package session

import (
	"github.com/nictuku/dht"

	"github.com/ccbittorrent/swarmd/internal/announcer"
)

// newDHTNode starts a nictuku/dht node bound to cfg's address/port,
// seeded with the well-known public bootstrap routers.
func newDHTNode(cfg Config) (*dht.DHT, error) {
	dhtConfig := dht.NewConfig()
	dhtConfig.Address = cfg.DHTAddress
	dhtConfig.Port = int(cfg.DHTPort)
	dhtConfig.DHTRouters = "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881,dht.libtorrent.org:25401,dht.aelitis.com:6881"
	dhtConfig.SaveRoutingTable = false
	node, err := dht.New(dhtConfig)
	if err != nil {
		return nil, err
	}
	if err := node.Start(); err != nil {
		return nil, err
	}
	return node, nil
}

// dhtAnnounceFunc adapts one dht.DHT node into the announceFunc shape
// announcer.NewDHTAnnouncer expects, queuing a PeersRequest rather than
// calling into the DHT node directly so callers stay decoupled from its
// concrete type.
func dhtAnnounceFunc(node *dht.DHT) func(infoHash [20]byte, port uint16) {
	return func(infoHash [20]byte, port uint16) {
		node.PeersRequest(string(infoHash[:]), true)
	}
}

// newDHTAnnouncer builds the per-torrent DHT announcer, or nil if node
// is nil (DHT disabled or torrent is private).
func newDHTAnnouncer(node *dht.DHT, infoHash []byte, port int) *announcer.DHTAnnouncer {
	if node == nil {
		return nil
	}
	var ih [20]byte
	copy(ih[:], infoHash)
	return announcer.NewDHTAnnouncer(dhtAnnounceFunc(node), ih, uint16(port))
}
