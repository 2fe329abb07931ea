package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet is the smallest addressable unit of payload carried inside a
// package. Header layout (4 bytes, big-endian length):
//
//	u16 BE payload_length
//	u8     LUN
//	u8     complete:1 | CID:7
//	bytes  payload
type Packet struct {
	Channel Channel
	Final   bool
	Payload []byte
}

// WrittenSize is the number of wire bytes this packet occupies once written.
func (p Packet) WrittenSize() int { return PacketHeaderSize + len(p.Payload) }

// WritePacket serializes a packet into dst, which must be at least
// p.WrittenSize() bytes, and returns the number of bytes written.
func WritePacket(dst []byte, channel Channel, final bool, payload []byte) (int, error) {
	total := PacketHeaderSize + len(payload)
	if len(payload) < PacketMinPayloadSize {
		return 0, fmt.Errorf("%w: %w: payload len %d", ErrInvalidArgument, ErrEmptyMessage, len(payload))
	}
	if len(dst) < total {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrPacketOverflow, total, len(dst))
	}
	if err := channel.Validate(); err != nil {
		return 0, err
	}

	binary.BigEndian.PutUint16(dst[0:2], uint16(len(payload)))
	dst[2] = channel.LUN()
	cidByte := channel.CID()
	if final {
		cidByte |= PacketCompleteFlagMask
	}
	dst[3] = cidByte
	copy(dst[PacketHeaderSize:total], payload)
	return total, nil
}

// ParsePacket reads one packet from the front of window (a package payload,
// or the remaining unparsed tail of one). It returns the packet, the number
// of bytes it consumed, and an error if the window is malformed.
//
// The stop rule: if window is completely empty, that is a clean
// end of parsing (io.EOF-shaped), signaled by (Packet{}, 0, nil) — callers
// must check consumed==0 && err==nil to detect "nothing left, and that's
// fine". Any non-empty window shorter than PacketMinSize, or one whose
// declared payload length overruns the window, is a parse error.
func ParsePacket(window []byte) (Packet, int, error) {
	if len(window) == 0 {
		return Packet{}, 0, nil
	}
	if len(window) < PacketHeaderSize {
		return Packet{}, 0, fmt.Errorf("%w: %d bytes remain", ErrShortPacket, len(window))
	}

	payloadLen := int(binary.BigEndian.Uint16(window[0:2]))
	lun := window[2]
	cidByte := window[3]
	final := cidByte&PacketCompleteFlagMask != 0
	cid := cidByte & PacketCIDMask

	total := PacketHeaderSize + payloadLen
	if payloadLen < PacketMinPayloadSize {
		return Packet{}, 0, fmt.Errorf("%w: declared payload len %d", ErrShortPacket, payloadLen)
	}
	if total > len(window) {
		return Packet{}, 0, fmt.Errorf("%w: declared %d, window has %d", ErrPacketOverflow, total, len(window))
	}

	payload := make([]byte, payloadLen)
	copy(payload, window[PacketHeaderSize:total])

	return Packet{
		Channel: NewChannel(lun, cid),
		Final:   final,
		Payload: payload,
	}, total, nil
}
