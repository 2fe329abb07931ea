package protocol

import "errors"

// Error kinds, per the error-handling design. These are shared sentinels:
// framesm wraps ErrProtocolFault, ErrDuplicate and ErrTransportFault around
// the concrete cause of each recovered fault and hands the result to
// errrate.Governor.Report as the reported event's cause, so a Snapshot's
// LastError can later be tested with errors.Is against this taxonomy without
// a closed enum of concrete types. The governor itself is still keyed by the
// short Kind* identifiers in framesm, matching the per-kind thresholds in
// config.Config.ErrorRate.Thresholds.
var (
	// ErrTransportFault signals the underlying transport reported failure.
	ErrTransportFault = errors.New("iccom: transport fault")
	// ErrProtocolFault signals a received package failed structural, CRC or
	// fill validation, or its packets failed to parse.
	ErrProtocolFault = errors.New("iccom: protocol fault")
	// ErrDuplicate signals a received package id equal to the last accepted
	// id; the payload is dropped silently and the package is ACKed.
	ErrDuplicate = errors.New("iccom: duplicate package")
	// ErrInvalidArgument signals a bad channel, nil/empty data, or otherwise
	// malformed consumer-supplied argument.
	ErrInvalidArgument = errors.New("iccom: invalid argument")
	// ErrClosing signals the engine is shutting down or has shut down.
	ErrClosing = errors.New("iccom: closing")
)

// More granular causes, wrapped under ErrProtocolFault or ErrInvalidArgument
// by callers via fmt.Errorf("...: %w", ...).
var (
	ErrPayloadTooLarge  = errors.New("iccom: declared payload length exceeds frame capacity")
	ErrBadFill          = errors.New("iccom: fill bytes are not all 0xFF")
	ErrBadCRC           = errors.New("iccom: CRC32 mismatch")
	ErrShortPacket      = errors.New("iccom: packet shorter than minimum size")
	ErrPacketOverflow   = errors.New("iccom: packet exceeds remaining package window")
	ErrInvalidChannel   = errors.New("iccom: channel id out of range")
	ErrEmptyMessage     = errors.New("iccom: message payload is empty")
	ErrMessageNotFound  = errors.New("iccom: message not found")
	ErrMessageFinalized = errors.New("iccom: message already finalized")
	ErrFrameTooSmall    = errors.New("iccom: frame smaller than minimum size")
)
