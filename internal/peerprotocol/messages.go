// Package peerprotocol implements the BitTorrent peer wire protocol:
// handshake framing, the core message set, the fast extension (BEP 6),
// and the extension protocol (BEP 10) carrying ut_metadata/ut_pex.
package peerprotocol

import "fmt"

// MessageID is the single byte following the u32-be length prefix.
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9 // BEP 5 DHT port announcement

	// BEP 6 fast extension.
	HaveAll      MessageID = 0x0E
	HaveNone     MessageID = 0x0F
	SuggestPiece MessageID = 0x0D
	RejectPiece  MessageID = 0x10
	AllowedFast  MessageID = 0x11

	Extension MessageID = 20
)

// HandshakeLength is the fixed size of the handshake message.
const HandshakeLength = 68

const protocolString = "BitTorrent protocol"

// Reserved-byte flags, per spec: extension protocol is reserved[5] &
// 0x10, DHT is reserved[7] & 0x01, fast extension is reserved[7] & 0x04.
const (
	reservedExtensionByte = 5
	reservedExtensionMask = 0x10
	reservedDHTByte       = 7
	reservedDHTMask       = 0x01
	reservedFastByte      = 7
	reservedFastMask      = 0x04
)

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal encodes the handshake to its wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeLength)
	buf[0] = 19
	copy(buf[1:20], protocolString)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// UnmarshalHandshake decodes a 68-byte handshake.
func UnmarshalHandshake(buf []byte) (Handshake, error) {
	var h Handshake
	if len(buf) != HandshakeLength {
		return h, fmt.Errorf("peerprotocol: handshake must be %d bytes, got %d", HandshakeLength, len(buf))
	}
	if buf[0] != 19 || string(buf[1:20]) != protocolString {
		return h, fmt.Errorf("peerprotocol: not a BitTorrent handshake")
	}
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// SetExtensionProtocol sets the BEP 10 extension-protocol reserved bit.
func SetExtensionProtocol(reserved *[8]byte) { reserved[reservedExtensionByte] |= reservedExtensionMask }

// SetDHT sets the BEP 5 DHT reserved bit.
func SetDHT(reserved *[8]byte) { reserved[reservedDHTByte] |= reservedDHTMask }

// SetFastExtension sets the BEP 6 fast-extension reserved bit.
func SetFastExtension(reserved *[8]byte) { reserved[reservedFastByte] |= reservedFastMask }

// HasExtensionProtocol reports the BEP 10 bit.
func HasExtensionProtocol(reserved [8]byte) bool {
	return reserved[reservedExtensionByte]&reservedExtensionMask != 0
}

// HasDHT reports the BEP 5 bit.
func HasDHT(reserved [8]byte) bool { return reserved[reservedDHTByte]&reservedDHTMask != 0 }

// HasFastExtension reports the BEP 6 bit.
func HasFastExtension(reserved [8]byte) bool {
	return reserved[reservedFastByte]&reservedFastMask != 0
}

// Message is implemented by every core-protocol message payload.
type Message interface {
	ID() MessageID
}

type HaveMessage struct{ Index uint32 }

func (HaveMessage) ID() MessageID { return Have }

type BitfieldMessage struct{ Data []byte }

func (BitfieldMessage) ID() MessageID { return Bitfield }

type RequestMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID { return Request }

type PieceMessage struct {
	Index, Begin uint32
}

func (PieceMessage) ID() MessageID { return Piece }

type CancelMessage struct {
	Index, Begin, Length uint32
}

func (CancelMessage) ID() MessageID { return Cancel }

type ChokeMessage struct{}

func (ChokeMessage) ID() MessageID { return Choke }

type UnchokeMessage struct{}

func (UnchokeMessage) ID() MessageID { return Unchoke }

type InterestedMessage struct{}

func (InterestedMessage) ID() MessageID { return Interested }

type NotInterestedMessage struct{}

func (NotInterestedMessage) ID() MessageID { return NotInterested }

type HaveAllMessage struct{}

func (HaveAllMessage) ID() MessageID { return HaveAll }

type HaveNoneMessage struct{}

func (HaveNoneMessage) ID() MessageID { return HaveNone }

type RejectMessage struct {
	Index, Begin, Length uint32
}

func (RejectMessage) ID() MessageID { return RejectPiece }

type AllowedFastMessage struct{ Index uint32 }

func (AllowedFastMessage) ID() MessageID { return AllowedFast }

type PortMessage struct{ Port uint16 }

func (PortMessage) ID() MessageID { return Port }

// Extension sub-protocol keys, as negotiated in the BEP 10 handshake's
// "m" dictionary.
const (
	ExtensionKeyMetadata = "ut_metadata"
	ExtensionKeyPEX      = "ut_pex"
)

// ExtensionHandshakeMessage is sub-id 0 of the extension protocol.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	MetadataSize uint32           `bencode:"metadata_size,omitempty"`
	V            string           `bencode:"v,omitempty"`
	YourIP       string           `bencode:"yourip,omitempty"`
	Reqq         uint32           `bencode:"reqq,omitempty"`
}

func (ExtensionHandshakeMessage) ID() MessageID { return Extension }

// ExtensionMetadataMessageType is the "msg_type" field of a ut_metadata
// message (BEP 9).
type ExtensionMetadataMessageType int

const (
	ExtensionMetadataMessageTypeRequest ExtensionMetadataMessageType = 0
	ExtensionMetadataMessageTypeData    ExtensionMetadataMessageType = 1
	ExtensionMetadataMessageTypeReject  ExtensionMetadataMessageType = 2
)

// ExtensionMetadataMessage is a ut_metadata piece request/data/reject.
type ExtensionMetadataMessage struct {
	Type  ExtensionMetadataMessageType `bencode:"msg_type"`
	Piece uint32                       `bencode:"piece"`
	// TotalSize is only present on Data messages (omitted when zero); the
	// piece bytes themselves follow the bencoded dict raw on the wire.
	TotalSize int `bencode:"total_size,omitempty"`
}

// ExtensionMessage is sub-id >= 1: an extension-protocol payload tagged
// with the extended message ID the receiving side assigned in its
// extension handshake.
type ExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           interface{}
}

func (ExtensionMessage) ID() MessageID { return Extension }

// PEXMessage is the ut_pex payload (BEP 11): added/dropped peer compact
// address lists, plus per-peer flag bytes.
type PEXMessage struct {
	Added      []byte `bencode:"added,omitempty"`
	AddedFlags []byte `bencode:"added.f,omitempty"`
	Dropped    []byte `bencode:"dropped,omitempty"`
}
