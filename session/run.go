package session

import (
	"context"
	"net"
	"time"

	"github.com/ccbittorrent/swarmd/internal/addrlist"
	"github.com/ccbittorrent/swarmd/internal/announcer"
	"github.com/ccbittorrent/swarmd/internal/bitfield"
	"github.com/ccbittorrent/swarmd/internal/handshaker/incominghandshaker"
	"github.com/ccbittorrent/swarmd/internal/handshaker/outgoinghandshaker"
	"github.com/ccbittorrent/swarmd/internal/infodownloader"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
	"github.com/ccbittorrent/swarmd/internal/peer"
	"github.com/ccbittorrent/swarmd/internal/peerconn/peerreader"
	"github.com/ccbittorrent/swarmd/internal/peerprotocol"
	"github.com/ccbittorrent/swarmd/internal/pex"
	"github.com/ccbittorrent/swarmd/internal/piece"
	"github.com/ccbittorrent/swarmd/internal/piecedownloader"
	"github.com/ccbittorrent/swarmd/internal/tracker"
)

// extIDMetadata/extIDPEX are the extended-message IDs this engine
// advertises in its own BEP 10 handshake's "m" dictionary. Per BEP 10 a
// peer tags outgoing ut_metadata/ut_pex messages with the ID the
// *receiver* chose, so these constants are what incoming dispatch keys
// on, never something read off the remote's handshake.
const (
	extIDMetadata uint8 = 1
	extIDPEX      uint8 = 2
)

// run is the torrent's single event loop: every other goroutine this
// engine spawns (peer pumps, handshakers, disk I/O callbacks,
// announcers) talks to it only over the channels built in newTorrent.
func (t *torrent) run() {
	defer close(t.closedC)

	go t.acceptor.Run()

	dialTicker := time.NewTicker(1 * time.Second)
	defer dialTicker.Stop()
	chokeTicker := time.NewTicker(t.cfg.ChokeInterval)
	defer chokeTicker.Stop()
	optimisticChokeTicker := time.NewTicker(t.cfg.OptimisticChokeInterval)
	defer optimisticChokeTicker.Stop()
	schedulerTicker := time.NewTicker(250 * time.Millisecond)
	defer schedulerTicker.Stop()
	pexTicker := time.NewTicker(t.cfg.PEXInterval)
	defer pexTicker.Stop()
	checkpointTicker := time.NewTicker(t.cfg.CheckpointInterval)
	defer checkpointTicker.Stop()

	for {
		select {
		case <-t.closeC:
			t.shutdown()
			return

		case <-t.startCommandC:
			t.handleStart()

		case <-t.stopCommandC:
			t.handleStop()

		case respC := <-t.statsCommandC:
			respC <- t.buildStatsSnapshot()

		case conn := <-t.acceptor.Conns():
			t.handleIncomingConn(conn)

		case h := <-t.incomingHandshakerResultC:
			t.handleIncomingHandshakeResult(h)

		case h := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeResult(h)

		case pe := <-t.peerDisconnectedC:
			t.closePeer(pe)

		case pm := <-t.messages:
			t.handlePeerMessage(pm)

		case res := <-t.endgameDoneC:
			t.handleEndgameResult(res)

		case res := <-t.pieceDoneC:
			t.handlePieceDone(res)

		case req := <-t.announceReqC:
			select {
			case req.Response <- announcer.Response{Torrent: t}:
			case <-req.Cancel:
			}

		case addrs := <-t.trackerPeersC:
			t.addrList.Push(addrs, addrlist.Tracker)

		case <-dialTicker.C:
			t.dialAddresses()

		case <-chokeTicker.C:
			if t.active {
				t.tickChoke(false)
			}

		case <-optimisticChokeTicker.C:
			if t.active {
				t.tickChoke(true)
			}

		case <-schedulerTicker.C:
			if t.active {
				t.tickScheduler()
			}

		case <-pexTicker.C:
			if t.active {
				t.tickPEX()
			}

		case <-checkpointTicker.C:
			t.writeCheckpoint()
		}
	}
}

func (t *torrent) handleStart() {
	if t.active {
		return
	}
	t.active = true
	t.startedAt = time.Now()
	for _, ann := range t.announcers {
		go ann.Run(tracker.EventStarted)
	}
	if t.dhtAnnouncer != nil {
		go t.dhtAnnouncer.Run()
	}
}

func (t *torrent) handleStop() {
	if !t.active {
		return
	}
	t.active = false
	for _, ann := range t.announcers {
		ann.Close()
	}
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
	}
	for pe := range t.peers {
		t.closePeer(pe)
	}
	t.writeCheckpoint()
}

// shutdown tears down every child goroutine before run returns.
func (t *torrent) shutdown() {
	t.closed = true
	t.writeCheckpoint()
	t.acceptor.Close()
	for _, ann := range t.announcers {
		ann.Close()
	}
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
	}
	for pe := range t.peers {
		pe.Close()
	}
	for h := range t.outgoingHandshakers {
		h.Close()
	}
	if t.dq != nil {
		t.dq.Close()
	}
	if t.assembler != nil {
		t.assembler.Close()
	}
}

func (t *torrent) handleIncomingConn(conn net.Conn) {
	if !t.active || len(t.incomingHandshakers) >= t.cfg.MaxPeerAccept {
		conn.Close()
		return
	}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok && t.blocklist != nil && t.blocklist.Blocked(tcpAddr.IP) {
		conn.Close()
		return
	}
	h := incominghandshaker.New(conn)
	t.incomingHandshakers[h] = struct{}{}
	reserved := reservedBytes(t.cfg)
	go h.Run(t.peerIDv, reserved, t.hasInfoHash, t.cfg.PeerHandshakeTimeout, t.incomingHandshakerResultC)
}

func (t *torrent) handleIncomingHandshakeResult(h *incominghandshaker.IncomingHandshaker) {
	delete(t.incomingHandshakers, h)
	if h.Err != nil {
		t.log.Debugln("incoming handshake failed:", h.Err)
		return
	}
	t.startPeer(&handshakeResult{conn: h.Result.Conn, peerID: h.Result.PeerID, reserved: h.Result.Reserved}, peer.SourceIncoming)
}

// dialAddresses pops addresses off the dial queue up to MaxPeerDial
// concurrent outgoing handshakes, skipping blocklisted hosts.
func (t *torrent) dialAddresses() {
	if !t.active {
		return
	}
	for len(t.outgoingHandshakers) < t.cfg.MaxPeerDial {
		addr, src := t.addrList.PopWithSource()
		if addr == nil {
			return
		}
		if t.blocklist != nil && t.blocklist.Blocked(addr.IP) {
			continue
		}
		h := outgoinghandshaker.New(addr)
		t.outgoingHandshakers[h] = struct{}{}
		t.dialSources[h] = addrSourceToPeerSource(src)
		reserved := reservedBytes(t.cfg)
		go h.Run(t.cfg.PeerConnectTimeout, t.cfg.PeerHandshakeTimeout, t.peerIDv, t.infoHash, reserved, t.outgoingHandshakerResultC)
	}
}

func addrSourceToPeerSource(s addrlist.PeerSource) peer.Source {
	switch s {
	case addrlist.Tracker:
		return peer.SourceTracker
	case addrlist.DHT:
		return peer.SourceDHT
	case addrlist.PEX:
		return peer.SourcePEX
	case addrlist.Manual:
		return peer.SourceManual
	default:
		return peer.SourceIncoming
	}
}

func (t *torrent) handleOutgoingHandshakeResult(h *outgoinghandshaker.OutgoingHandshaker) {
	delete(t.outgoingHandshakers, h)
	src := t.dialSources[h]
	delete(t.dialSources, h)
	if h.Err != nil {
		t.log.Debugln("outgoing handshake to", h.Addr, "failed:", h.Err)
		return
	}
	t.startPeer(&handshakeResult{conn: h.Result.Conn, peerID: h.Result.PeerID, reserved: h.Result.Reserved}, src)
}

// handlePeerMessage dispatches one decoded wire message from one peer.
func (t *torrent) handlePeerMessage(pm peerMessage) {
	pe := pm.peer
	switch m := pm.msg.(type) {
	case peerreader.Piece:
		t.handleBlockReceived(pe, m)
	case peerprotocol.HaveMessage:
		t.handleHave(pe, int(m.Index))
	case peerprotocol.HaveAllMessage:
		t.handleHaveAll(pe)
	case peerprotocol.HaveNoneMessage:
		t.handleHaveNone(pe)
	case peerprotocol.BitfieldMessage:
		t.handleBitfield(pe, m.Data)
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.ChokeMessage:
		t.handleChokeFromPeer(pe)
	case peerprotocol.UnchokeMessage:
		t.handleUnchokeFromPeer(pe)
	case peerprotocol.RequestMessage:
		t.handleRequest(pe, m)
	case peerprotocol.CancelMessage:
		// no per-request send queue to prune; a block already queued by
		// the writer goroutine is simply sent anyway.
	case peerprotocol.RejectMessage:
		t.handleReject(pe, m)
	case peerprotocol.PortMessage:
		// BEP 5 DHT port announcement; this engine shares one DHT node
		// across every torrent in the session rather than per-peer
		// routing tables, so there is nothing to feed it into.
	case peerprotocol.ExtensionHandshakeMessage:
		t.handleExtensionHandshake(pe, m)
	case peerprotocol.ExtensionMessage:
		t.handleExtensionMessage(pe, m)
	}
}

func (t *torrent) handleRequest(pe *peer.Peer, m peerprotocol.RequestMessage) {
	if pe.AmChoking || t.assembler == nil {
		return
	}
	ctx, _ := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	pe.SendPiece(ctx, m, t.assembler)
}

func (t *torrent) handleReject(pe *peer.Peer, m peerprotocol.RejectMessage) {
	ed, ok := t.pieceDownloaders[pe]
	if !ok {
		return
	}
	req := peer.Request{
		PieceIndex: int(m.Index),
		BlockIndex: ed.pd.Piece.BlockIndexContaining(int64(m.Begin)),
		Begin:      m.Begin,
		Length:     m.Length,
	}
	select {
	case ed.pd.RejectC <- req:
	case <-ed.stopC:
	}
}

func (t *torrent) handleChokeFromPeer(pe *peer.Peer) {
	pe.PeerChoking = true
	if ed, ok := t.pieceDownloaders[pe]; ok {
		select {
		case ed.pd.ChokeC <- struct{}{}:
		case <-ed.stopC:
		}
	}
}

func (t *torrent) handleUnchokeFromPeer(pe *peer.Peer) {
	pe.PeerChoking = false
	if ed, ok := t.pieceDownloaders[pe]; ok {
		select {
		case ed.pd.UnchokeC <- struct{}{}:
		case <-ed.stopC:
		}
	}
}

func (t *torrent) handleBitfield(pe *peer.Peer, data []byte) {
	if t.store == nil {
		return
	}
	bf, err := bitfield.NewBytes(data, uint32(len(t.store.Pieces)))
	if err != nil {
		t.log.Debugln("invalid bitfield from", pe, ":", err)
		pe.Close()
		return
	}
	t.peerBitfields[peerKey(pe)] = bf
	t.store.PeerBitfield(peerKey(pe), bf)
	t.updateInterest(pe, bf)
}

func (t *torrent) handleHaveAll(pe *peer.Peer) {
	if t.store == nil {
		return
	}
	bf := bitfield.New(uint32(len(t.store.Pieces)))
	for i := 0; i < len(t.store.Pieces); i++ {
		bf.Set(uint32(i))
	}
	t.peerBitfields[peerKey(pe)] = bf
	t.store.PeerBitfield(peerKey(pe), bf)
	t.updateInterest(pe, bf)
}

func (t *torrent) handleHaveNone(pe *peer.Peer) {
	if t.store == nil {
		return
	}
	bf := bitfield.New(uint32(len(t.store.Pieces)))
	t.peerBitfields[peerKey(pe)] = bf
	t.store.PeerBitfield(peerKey(pe), bf)
	t.updateInterest(pe, bf)
}

func (t *torrent) handleHave(pe *peer.Peer, index int) {
	if t.store == nil {
		return
	}
	key := peerKey(pe)
	bf, ok := t.peerBitfields[key]
	if !ok {
		bf = bitfield.New(uint32(len(t.store.Pieces)))
		t.peerBitfields[key] = bf
	}
	if index < 0 || uint32(index) >= bf.Len() {
		return
	}
	bf.Set(uint32(index))
	t.store.PeerHave(key, index)
	t.updateInterest(pe, bf)
}

func (t *torrent) updateInterest(pe *peer.Peer, bf *bitfield.Bitfield) {
	interested := t.store.IsInterested(bf)
	if interested == pe.AmInterested {
		return
	}
	pe.AmInterested = interested
	if interested {
		pe.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		pe.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

func (t *torrent) handleExtensionHandshake(pe *peer.Peer, m peerprotocol.ExtensionHandshakeMessage) {
	pe.ExtensionHandshake = m
	pe.HasExtensionHS = true
	if t.info == nil && t.infoDownloader == nil {
		if _, ok := m.M[peerprotocol.ExtensionKeyMetadata]; ok && m.MetadataSize > 0 {
			t.infoDownloader = infodownloader.New(pe)
			t.infoDownloaderPeer = pe
			t.infoDownloader.RequestBlocks(4)
		}
	}
}

func (t *torrent) handleExtensionMessage(pe *peer.Peer, m peerprotocol.ExtensionMessage) {
	switch m.ExtendedMessageID {
	case extIDMetadata:
		t.handleMetadataMessage(pe, m)
	case extIDPEX:
		t.handlePEXMessage(pe, m)
	}
}

func (t *torrent) handleMetadataMessage(pe *peer.Peer, m peerprotocol.ExtensionMessage) {
	payload, ok := m.Payload.(peerprotocol.ExtensionPayload)
	if !ok {
		return
	}
	dict, ok := payload.Dict.(map[string]interface{})
	if !ok {
		return
	}
	msgType, _ := dict["msg_type"].(int64)
	pieceNum, _ := dict["piece"].(int64)
	switch peerprotocol.ExtensionMetadataMessageType(msgType) {
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		t.handleMetadataRequest(pe, uint32(pieceNum))
	case peerprotocol.ExtensionMetadataMessageTypeData:
		t.handleMetadataData(pe, uint32(pieceNum), payload.Trailer)
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		t.log.Debugln("peer", pe, "rejected metadata piece", pieceNum)
	}
}

const metadataBlockLength = 16 * 1024

func (t *torrent) handleMetadataRequest(pe *peer.Peer, pieceNum uint32) {
	extID, ok := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata]
	if !ok || t.info == nil {
		return
	}
	raw := t.info.Bytes()
	begin := int(pieceNum) * metadataBlockLength
	if begin >= len(raw) {
		return
	}
	end := begin + metadataBlockLength
	if end > len(raw) {
		end = len(raw)
	}
	msg := peerprotocol.ExtensionMessage{
		ExtendedMessageID: extID,
		Payload: peerprotocol.ExtensionPayload{
			Dict: peerprotocol.ExtensionMetadataMessage{
				Type:      peerprotocol.ExtensionMetadataMessageTypeData,
				Piece:     pieceNum,
				TotalSize: len(raw),
			},
			Trailer: raw[begin:end],
		},
	}
	pe.SendMessage(msg)
}

func (t *torrent) handleMetadataData(pe *peer.Peer, pieceNum uint32, data []byte) {
	if t.infoDownloader == nil || t.infoDownloaderPeer != pe {
		return
	}
	if err := t.infoDownloader.GotBlock(pieceNum, data); err != nil {
		t.log.Debugln("metadata download from", pe, "failed:", err)
		t.infoDownloader = nil
		t.infoDownloaderPeer = nil
		return
	}
	if !t.infoDownloader.Done() {
		t.infoDownloader.RequestBlocks(4)
		return
	}
	raw := t.infoDownloader.Bytes
	t.infoDownloader = nil
	t.infoDownloaderPeer = nil

	info, err := metainfo.NewInfo(raw)
	if err != nil {
		t.log.Warningln("discarding invalid metadata from", pe, ":", err)
		return
	}
	if info.InfoHashV1 != t.infoHash {
		t.log.Warningln("discarding metadata from", pe, ": info hash mismatch")
		return
	}
	if err := t.setInfo(info, nil); err != nil {
		t.log.Errorln("installing downloaded metadata:", err)
		return
	}
	for other := range t.peers {
		t.sendFirstMessage(other)
	}
}

func (t *torrent) handlePEXMessage(pe *peer.Peer, m peerprotocol.ExtensionMessage) {
	if !t.cfg.PEXEnabled || (t.info != nil && t.info.Private) {
		return
	}
	payload, ok := m.Payload.(peerprotocol.ExtensionPayload)
	if !ok {
		return
	}
	dict, ok := payload.Dict.(map[string]interface{})
	if !ok {
		return
	}
	pexMsg := peerprotocol.PEXMessage{
		Added:   dictBytes(dict["added"]),
		Dropped: dictBytes(dict["dropped"]),
	}
	added, _, err := pex.HandleMessage(pexMsg)
	if err != nil {
		t.log.Debugln("invalid pex message from", pe, ":", err)
		return
	}
	t.addrList.Push(added, addrlist.PEX)
}

func dictBytes(v interface{}) []byte {
	s, _ := v.(string)
	return []byte(s)
}

// handleBlockReceived routes an arrived PIECE payload either to the
// endgame downloader racing it, or into the normal accumulation path.
func (t *torrent) handleBlockReceived(pe *peer.Peer, m peerreader.Piece) {
	pieceIndex := int(m.Index)
	if t.store == nil || pieceIndex < 0 || pieceIndex >= len(t.store.Pieces) {
		return
	}
	blockIndex := t.store.Pieces[pieceIndex].BlockIndexContaining(int64(m.Begin))
	if blockIndex < 0 {
		return
	}
	if ed, ok := t.pieceDownloaders[pe]; ok && ed.pd.Piece.Index == pieceIndex {
		select {
		case ed.pd.PieceC <- peer.Piece{PieceIndex: pieceIndex, BlockIndex: blockIndex, Data: m.Data}:
		case <-ed.stopC:
		}
		return
	}
	t.storeBlock(pe, pieceIndex, blockIndex, int64(m.Begin), m.Data)
}

func (t *torrent) storeBlock(pe *peer.Peer, pieceIndex, blockIndex int, begin int64, data []byte) {
	p := t.store.Pieces[pieceIndex]

	t.sched.BlockDelivered(peerKey(pe), piece.Request{
		PieceIndex: pieceIndex,
		BlockIndex: blockIndex,
		Offset:     begin,
		Length:     int64(len(data)),
	})

	pe.BytesDownloaded += int64(len(data))
	pe.BytesDownlaodedInChokePeriod += int64(len(data))
	t.bytesDownloaded += int64(len(data))

	buf, ok := t.pieceBuf[pieceIndex]
	if !ok {
		buf = make([]byte, p.Length)
		t.pieceBuf[pieceIndex] = buf
	}
	copy(buf[begin:], data)
	p.MarkBlockReceived(blockIndex)
	if p.AllBlocksReceived() {
		t.finishPiece(pieceIndex)
	}
}

// finishPiece hands a fully-received piece to the disk layer for
// write-then-verify off the event-loop goroutine, reporting the
// outcome back onto pieceDoneC.
func (t *torrent) finishPiece(pieceIndex int) {
	p := t.store.Pieces[pieceIndex]
	buf := t.pieceBuf[pieceIndex]
	delete(t.pieceBuf, pieceIndex)
	p.State = piece.Complete
	go t.writeAndVerify(pieceIndex, p.HashV1, buf)
}

func (t *torrent) writeAndVerify(pieceIndex int, expected [20]byte, data []byte) {
	ctx, cancel := readBlockContext()
	defer cancel()
	if err := t.assembler.WritePiece(ctx, pieceIndex, data); err != nil {
		t.pieceDoneC <- pieceIOResult{index: pieceIndex, ok: false, err: err}
		return
	}
	ok, err := t.assembler.VerifyPieceV1(ctx, pieceIndex, expected)
	t.pieceDoneC <- pieceIOResult{index: pieceIndex, ok: ok && err == nil, err: err}
}

func (t *torrent) handlePieceDone(res pieceIOResult) {
	if !res.ok {
		t.log.Warningln("piece", res.index, "failed verification:", res.err)
		t.bytesWasted += t.store.Pieces[res.index].Length
		t.store.MarkVerificationFailed(res.index)
		return
	}
	t.store.MarkVerified(res.index)
	t.bitfield.Set(uint32(res.index))
	for pe := range t.peers {
		pe.SendMessage(peerprotocol.HaveMessage{Index: uint32(res.index)})
	}
	t.checkCompletion()
	t.maybeEnterEndgame()
}

func (t *torrent) checkCompletion() {
	if t.completed || t.store == nil || !t.store.Complete() {
		return
	}
	t.completed = true
	t.completedAt = time.Now()
	if !t.completedOnce {
		t.completedOnce = true
		close(t.completedC)
	}
}

// maybeEnterEndgame races redundant piecedownloader.PieceDownloader
// pipelines against every remaining piece once few enough remain,
// instead of waiting out the scheduler's single slow assignment.
func (t *torrent) maybeEnterEndgame() {
	if t.store == nil || t.completed {
		return
	}
	remaining := 0
	for _, p := range t.store.Pieces {
		if p.Priority != piece.DoNotDownload && p.State != piece.Verified {
			remaining++
		}
	}
	if remaining == 0 || remaining > t.cfg.EndgameTriggerPieces {
		return
	}
	for _, p := range t.store.Pieces {
		if p.Priority == piece.DoNotDownload || p.State == piece.Verified {
			continue
		}
		t.spawnEndgameDownloaders(p)
	}
}

func (t *torrent) spawnEndgameDownloaders(p *piece.Piece) {
	active := 0
	for _, ed := range t.pieceDownloaders {
		if ed.pd.Piece.Index == p.Index {
			active++
		}
	}
	for pe := range t.peers {
		if active >= t.cfg.EndgameMaxDownloadersPerPiece {
			return
		}
		if _, already := t.pieceDownloaders[pe]; already {
			continue
		}
		if pe.PeerChoking {
			continue
		}
		bf, ok := t.peerBitfields[peerKey(pe)]
		if !ok || !bf.Test(uint32(p.Index)) {
			continue
		}
		pd := piecedownloader.New(p, pe)
		ed := &endgameDownloader{pd: pd, stopC: make(chan struct{})}
		t.pieceDownloaders[pe] = ed
		active++
		go t.runPieceDownloader(pe, ed)
	}
}

func (t *torrent) runPieceDownloader(pe *peer.Peer, ed *endgameDownloader) {
	go ed.pd.Run(ed.stopC)
	select {
	case data := <-ed.pd.DoneC:
		select {
		case t.endgameDoneC <- endgameResult{pe: pe, data: data}:
		case <-ed.stopC:
		}
	case err := <-ed.pd.ErrC:
		select {
		case t.endgameDoneC <- endgameResult{pe: pe, err: err}:
		case <-ed.stopC:
		}
	case <-ed.stopC:
	}
}

func (t *torrent) handleEndgameResult(res endgameResult) {
	ed, ok := t.pieceDownloaders[res.pe]
	if !ok {
		return
	}
	delete(t.pieceDownloaders, res.pe)
	if res.err != nil {
		t.log.Debugln("endgame downloader for", res.pe, "failed:", res.err)
		return
	}
	pieceIndex := ed.pd.Piece.Index
	p := t.store.Pieces[pieceIndex]
	if p.State == piece.Verified || p.State == piece.Complete {
		return // another downloader already finished this piece first
	}
	res.pe.BytesDownloaded += int64(len(res.data))
	t.bytesDownloaded += int64(len(res.data))
	p.State = piece.Complete
	go t.writeAndVerify(pieceIndex, p.HashV1, res.data)
}
