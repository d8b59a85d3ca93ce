package session

import (
	"time"

	"github.com/ccbittorrent/swarmd/internal/choke"
	"github.com/ccbittorrent/swarmd/internal/peer"
	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
	"github.com/ccbittorrent/swarmd/internal/scheduler"
)

// tickScheduler asks the scheduler for this round's block assignments
// and sends the resulting REQUEST messages. Peers currently racing an
// endgame downloader are left out; their requests come from
// piecedownloader.PieceDownloader.Run instead.
func (t *torrent) tickScheduler() {
	if t.sched == nil {
		return
	}
	now := time.Now()
	states := make([]scheduler.PeerState, 0, len(t.peers))
	byKey := make(map[string]*peer.Peer, len(t.peers))
	for pe := range t.peers {
		if _, endgame := t.pieceDownloaders[pe]; endgame {
			continue
		}
		key := peerKey(pe)
		bf, ok := t.peerBitfields[key]
		if !ok {
			continue
		}
		byKey[key] = pe
		states = append(states, scheduler.PeerState{
			ID:           key,
			AmInterested: pe.AmInterested,
			PeerChoking:  pe.PeerChoking,
			Has:          bf,
		})
	}
	for _, a := range t.sched.Tick(now, states) {
		pe, ok := byKey[a.PeerID]
		if !ok {
			continue
		}
		pe.SendRequest(a.Req.PieceIndex, uint32(a.Req.Offset), uint32(a.Req.Length))
	}
}

// tickChoke runs one choking round, unchoking/choking peers per the
// controller's verdict and optionally rolling the optimistic slot.
func (t *torrent) tickChoke(rollOptimistic bool) {
	now := time.Now()
	candidates := make([]choke.Candidate, 0, len(t.peers))
	byKey := make(map[string]*peer.Peer, len(t.peers))
	for pe := range t.peers {
		key := peerKey(pe)
		byKey[key] = pe
		candidates = append(candidates, choke.Candidate{
			ID:                key,
			Interested:        pe.PeerInterested,
			BytesDownloaded:   pe.BytesDownlaodedInChokePeriod,
			BytesUploaded:     pe.BytesUploadedInChokePeriod,
			ConnectedAt:       pe.ConnectedAt,
			CurrentlyUnchoked: !pe.AmChoking,
		})
	}
	t.choker.Seeding = t.completed
	for _, d := range t.choker.Tick(now, candidates, rollOptimistic) {
		pe, ok := byKey[d.ID]
		if !ok {
			continue
		}
		pe.OptimisticUnchoke = d.Optimistic
		switch {
		case d.Unchoke && pe.AmChoking:
			pe.AmChoking = false
			pe.SendMessage(peerprotocol.UnchokeMessage{})
		case !d.Unchoke && !pe.AmChoking:
			pe.AmChoking = true
			pe.SendMessage(peerprotocol.ChokeMessage{})
		}
		pe.BytesDownlaodedInChokePeriod = 0
		pe.BytesUploadedInChokePeriod = 0
	}
}

// tickPEX flushes the accumulated peer-address delta and broadcasts it
// to every peer that negotiated ut_pex.
func (t *torrent) tickPEX() {
	if t.pex == nil || (t.info != nil && t.info.Private) {
		return
	}
	msg, ok := t.pex.Flush()
	if !ok {
		return
	}
	for pe := range t.peers {
		if !pe.HasExtensionHS {
			continue
		}
		extID, ok := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyPEX]
		if !ok {
			continue
		}
		pe.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: extID, Payload: msg})
	}
}

// writeCheckpoint persists the torrent's current resume state, if a
// resumer is configured.
func (t *torrent) writeCheckpoint() {
	if t.resumer == nil {
		return
	}
	if err := t.resumer.Write(t.buildResumeSpec(t.dest, t.createdAt)); err != nil {
		t.log.Warningln("writing checkpoint:", err)
	}
}
