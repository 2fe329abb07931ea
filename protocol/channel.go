package protocol

import "fmt"

// Channel is a 15-bit logical endpoint identifier: channel = (LUN << 7) | CID.
type Channel int32

// Validate reports whether c falls within the legal channel range.
func (c Channel) Validate() error {
	if c < ChannelMin || c > ChannelMax {
		return fmt.Errorf("%w: %w: %d", ErrInvalidArgument, ErrInvalidChannel, c)
	}
	return nil
}

// LUN returns the 8-bit logical-unit-number half of the channel id.
func (c Channel) LUN() byte { return byte(c >> PacketCIDBits) }

// CID returns the 7-bit channel-id-within-LUN half.
func (c Channel) CID() byte { return byte(c) & PacketCIDMask }

// NewChannel reconstructs a Channel from its wire halves.
func NewChannel(lun byte, cid byte) Channel {
	return Channel(int32(lun)<<PacketCIDBits | int32(cid&PacketCIDMask))
}
