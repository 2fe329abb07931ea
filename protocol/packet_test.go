package protocol

import (
	"bytes"
	"testing"
)

func TestWriteParsePacketRoundTrip(t *testing.T) {
	payload := []byte{0x11, 0x22, 0x33}
	dst := make([]byte, PacketHeaderSize+len(payload)+5)
	n, err := WritePacket(dst, Channel(5), true, payload)
	if err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if n != PacketHeaderSize+len(payload) {
		t.Fatalf("WritePacket wrote %d bytes, want %d", n, PacketHeaderSize+len(payload))
	}

	pkt, consumed, err := ParsePacket(dst[:n])
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if consumed != n {
		t.Fatalf("consumed = %d, want %d", consumed, n)
	}
	if pkt.Channel != 5 {
		t.Fatalf("Channel = %d, want 5", pkt.Channel)
	}
	if !pkt.Final {
		t.Fatalf("Final = false, want true")
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Fatalf("Payload = %v, want %v", pkt.Payload, payload)
	}
}

func TestParsePacketEmptyWindowIsCleanEOF(t *testing.T) {
	pkt, consumed, err := ParsePacket(nil)
	if err != nil {
		t.Fatalf("ParsePacket(nil): %v", err)
	}
	if consumed != 0 {
		t.Fatalf("consumed = %d, want 0", consumed)
	}
	if pkt.Payload != nil {
		t.Fatalf("expected zero-value packet")
	}
}

func TestParsePacketShortWindowIsError(t *testing.T) {
	if _, _, err := ParsePacket([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected error for undersized window")
	}
}

func TestParsePacketOverrunIsError(t *testing.T) {
	// declares a payload length longer than the window actually holds
	window := []byte{0x00, 0x0A, 0x00, 0x00, 0x01, 0x02}
	if _, _, err := ParsePacket(window); err == nil {
		t.Fatalf("expected overrun error")
	}
}

func TestChannelLUNCIDSplit(t *testing.T) {
	ch := NewChannel(0, 5)
	if ch.LUN() != 0 || ch.CID() != 5 {
		t.Fatalf("LUN=%d CID=%d, want 0,5", ch.LUN(), ch.CID())
	}

	ch2 := Channel(0x0005)
	if err := WritePacketChannelCheck(ch2); err != nil {
		t.Fatalf("channel 0x0005 should be valid: %v", err)
	}
}

// WritePacketChannelCheck is a tiny test helper exercising Channel.Validate
// through the same path WritePacket uses.
func WritePacketChannelCheck(ch Channel) error {
	dst := make([]byte, PacketHeaderSize+1)
	_, err := WritePacket(dst, ch, false, []byte{0x01})
	return err
}

func TestCompleteFlagEncodingMatchesWorkedExample(t *testing.T) {
	// channel 0x0005, complete=1, LUN=0 -> low byte 0x85.
	dst := make([]byte, PacketHeaderSize+3)
	n, err := WritePacket(dst, Channel(0x0005), true, []byte{0x11, 0x22, 0x33})
	if err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if dst[2] != 0x00 {
		t.Fatalf("LUN byte = %#x, want 0x00", dst[2])
	}
	if dst[3] != 0x85 {
		t.Fatalf("CID/complete byte = %#x, want 0x85", dst[3])
	}
	if n != PacketHeaderSize+3 {
		t.Fatalf("n = %d, want %d", n, PacketHeaderSize+3)
	}
}
