package peerprotocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ccbittorrent/swarmd/internal/bencode"
)

// MaxMessageLength guards against a malicious or corrupt peer claiming an
// unbounded message length; generous enough for a 16 MiB piece message.
const MaxMessageLength = 17 * 1024 * 1024

// ReadHandshake reads exactly HandshakeLength bytes and parses them.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("peerprotocol: reading handshake: %w", err)
	}
	return UnmarshalHandshake(buf)
}

// WriteHandshake writes the 68-byte handshake.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Marshal())
	return err
}

// RawMessage is one length-prefixed frame: id plus payload, or a
// keep-alive if ID is -1.
type RawMessage struct {
	ID      int // -1 for keep-alive
	Payload []byte
}

// ReadRawMessage reads one length-prefixed frame.
func ReadRawMessage(r io.Reader) (RawMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return RawMessage{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return RawMessage{ID: -1}, nil
	}
	if length > MaxMessageLength {
		return RawMessage{}, fmt.Errorf("peerprotocol: message length %d exceeds maximum", length)
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return RawMessage{}, err
	}
	payload := make([]byte, length-1)
	if length > 1 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return RawMessage{}, err
		}
	}
	return RawMessage{ID: int(idBuf[0]), Payload: payload}, nil
}

// WriteRawMessage writes one length-prefixed frame.
func WriteRawMessage(w io.Writer, id MessageID, payload []byte) error {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(id)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteKeepAlive writes a zero-length keep-alive frame.
func WriteKeepAlive(w io.Writer) error {
	var buf [4]byte
	_, err := w.Write(buf[:])
	return err
}

// DecodeMessage turns a RawMessage into a typed Message. Piece payloads
// are special-cased by the caller (peerreader), since their block data
// should not be copied through bencode/reflection.
func DecodeMessage(raw RawMessage) (Message, error) {
	switch MessageID(raw.ID) {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(raw.Payload) != 4 {
			return nil, fmt.Errorf("peerprotocol: invalid have length %d", len(raw.Payload))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(raw.Payload)}, nil
	case Bitfield:
		return BitfieldMessage{Data: raw.Payload}, nil
	case Request:
		if len(raw.Payload) != 12 {
			return nil, fmt.Errorf("peerprotocol: invalid request length %d", len(raw.Payload))
		}
		return RequestMessage{
			Index:  binary.BigEndian.Uint32(raw.Payload[0:4]),
			Begin:  binary.BigEndian.Uint32(raw.Payload[4:8]),
			Length: binary.BigEndian.Uint32(raw.Payload[8:12]),
		}, nil
	case Piece:
		if len(raw.Payload) < 8 {
			return nil, fmt.Errorf("peerprotocol: invalid piece length %d", len(raw.Payload))
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(raw.Payload[0:4]),
			Begin: binary.BigEndian.Uint32(raw.Payload[4:8]),
		}, nil
	case Cancel:
		if len(raw.Payload) != 12 {
			return nil, fmt.Errorf("peerprotocol: invalid cancel length %d", len(raw.Payload))
		}
		return CancelMessage{
			Index:  binary.BigEndian.Uint32(raw.Payload[0:4]),
			Begin:  binary.BigEndian.Uint32(raw.Payload[4:8]),
			Length: binary.BigEndian.Uint32(raw.Payload[8:12]),
		}, nil
	case Port:
		if len(raw.Payload) != 2 {
			return nil, fmt.Errorf("peerprotocol: invalid port length %d", len(raw.Payload))
		}
		return PortMessage{Port: binary.BigEndian.Uint16(raw.Payload)}, nil
	case HaveAll:
		return HaveAllMessage{}, nil
	case HaveNone:
		return HaveNoneMessage{}, nil
	case RejectPiece:
		if len(raw.Payload) != 12 {
			return nil, fmt.Errorf("peerprotocol: invalid reject length %d", len(raw.Payload))
		}
		return RejectMessage{
			Index:  binary.BigEndian.Uint32(raw.Payload[0:4]),
			Begin:  binary.BigEndian.Uint32(raw.Payload[4:8]),
			Length: binary.BigEndian.Uint32(raw.Payload[8:12]),
		}, nil
	case AllowedFast:
		if len(raw.Payload) != 4 {
			return nil, fmt.Errorf("peerprotocol: invalid allowed-fast length %d", len(raw.Payload))
		}
		return AllowedFastMessage{Index: binary.BigEndian.Uint32(raw.Payload)}, nil
	case Extension:
		return decodeExtensionMessage(raw.Payload)
	default:
		return nil, fmt.Errorf("peerprotocol: unknown message id %d", raw.ID)
	}
}

func decodeExtensionMessage(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("peerprotocol: empty extension message")
	}
	subID := payload[0]
	body := payload[1:]
	if subID == 0 {
		var hs ExtensionHandshakeMessage
		if err := bencode.Unmarshal(body, &hs); err != nil {
			return nil, fmt.Errorf("peerprotocol: invalid extension handshake: %w", err)
		}
		return hs, nil
	}
	// Sub-ids >= 1 are caller-defined (ut_metadata/ut_pex); decode only
	// the bencoded prefix into a generic map so the caller can dispatch
	// on its own M-table, since the payload shape depends on which
	// extension this sub-id was negotiated for. ut_metadata "data"
	// messages append raw piece bytes after the dict, so the trailer is
	// whatever bytes the decoder did not consume.
	dec := bencode.NewDecoder(bytesReader(body))
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("peerprotocol: invalid extension payload: %w", err)
	}
	var trailer []byte
	if consumed := dec.Pos(); consumed < len(body) {
		trailer = body[consumed:]
	}
	return ExtensionMessage{ExtendedMessageID: subID, Payload: ExtensionPayload{Dict: raw, Trailer: trailer}}, nil
}

// ExtensionPayload carries a generically-decoded extension dict plus any
// trailer bytes (ut_metadata "data" messages append raw piece bytes
// after the bencoded dict).
type ExtensionPayload struct {
	Dict    interface{}
	Trailer []byte
}

// EncodeExtensionHandshake builds the sub-id-0 extension payload.
func EncodeExtensionHandshake(hs ExtensionHandshakeMessage) ([]byte, error) {
	body, err := bencode.Marshal(hs)
	if err != nil {
		return nil, err
	}
	return append([]byte{0}, body...), nil
}

// EncodeExtensionMessage builds an extension payload for the given
// sub-id, bencoding dict and appending trailer verbatim (ut_metadata
// "data" messages carry raw piece bytes after the dict).
func EncodeExtensionMessage(subID uint8, dict interface{}, trailer []byte) ([]byte, error) {
	body, err := bencode.Marshal(dict)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body)+len(trailer))
	out = append(out, subID)
	out = append(out, body...)
	out = append(out, trailer...)
	return out, nil
}

func bytesReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
