// Package protocol implements the ICCom wire formats.
//
// Package frame (one data-xfer half-frame):
//
//	+----------------+--------+-----------------+------------------+-----------+
//	| payload_length | id     | payload         | fill (0xFF)      | crc32     |
//	| u16 BE (2)      | u8 (1) | 0..N bytes      | remaining bytes  | u32 LE (4)|
//	+----------------+--------+-----------------+------------------+-----------+
//
// Packet (a sub-record inside a package's payload):
//
//	+----------------+--------+------------------+-----------------+
//	| payload_length | LUN    | complete:1|CID:7  | payload         |
//	| u16 BE (2)      | u8 (1) | u8 (1)            | 1..N bytes      |
//	+----------------+--------+------------------+-----------------+
package protocol
