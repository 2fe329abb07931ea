// Package transport defines the capability contract the engine requires from
// an underlying symmetric full-duplex byte-exchange device, generalizing a
// send-then-poll radio driver interface into a symmetric
// exchange-and-callback device.
package transport

import "errors"

// Outcome reports the immediate result of requesting an exchange. Actual
// completion (success or failure) is reported later via Callbacks.
type Outcome int

const (
	// OutcomeOK means the exchange was accepted and is in flight.
	OutcomeOK Outcome = iota
	// OutcomeBusy means an exchange is already in flight; the caller should
	// not attempt to start another until the current one completes.
	OutcomeBusy
	// OutcomeNoDevice means the device is not attached or not running.
	OutcomeNoDevice
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBusy:
		return "busy"
	case OutcomeNoDevice:
		return "no_device"
	default:
		return "unknown"
	}
}

// ErrStop is returned by a Callbacks method to signal the device to stop
// exchanging and shut down ("the state machine returns a sentinel
// error-value from the next-xfer callback to instruct the transport to
// stop"). Interface implementations must treat it as a clean shutdown
// request, not a fault.
var ErrStop = errors.New("transport: stop requested")

// Callbacks is the pair of hooks the frame state machine implements and the
// transport invokes from its own callback context, never from the caller of
// Exchange. Implementations must not block: they only compute the next
// buffer and possibly wake a dispatcher.
//
// *framesm.Machine satisfies this interface directly.
type Callbacks interface {
	// OnXferDone is invoked once a full-duplex exchange completes with the
	// bytes received during it. It returns the buffer to send (and receive
	// into) on the following exchange, and whether the transport should
	// start that exchange immediately rather than wait for an explicit
	// Exchange call. A non-nil err (always ErrStop in practice) tells the
	// transport to stop exchanging and shut down instead of using next;
	// implementations must check err with errors.Is before using next.
	OnXferDone(done []byte) (next []byte, startImmediately bool, err error)

	// OnXferFailed is invoked when the transport could not complete an
	// exchange. It returns the buffer the transport should send on the
	// following exchange (normally a NACK).
	OnXferFailed(failed []byte, err error) (next []byte)
}

// Interface is the capability set an integrator injects into the engine,
// generalizing RadioDriver's Tx/Rx pair into the symmetric exchange contract
// names explicitly: init/exchange/reset/close/is_running plus the
// two callback slots.
type Interface interface {
	// Init wires cb as the callback sink and performs the first exchange
	// using initial as the buffer to send and receive into.
	Init(initial []byte, cb Callbacks) error

	// Exchange requests the next full-duplex exchange. next is the buffer to
	// send and receive into; if next is nil, the device reuses whatever
	// buffer is already staged. startImmediately mirrors the value returned
	// from the most recent callback: if false, the device may defer the
	// exchange until it is ready, but must still eventually run it.
	Exchange(next []byte, startImmediately bool) (Outcome, error)

	// Reset recovers the device from a fault without tearing it down.
	Reset() error

	// Close stops the device and releases any resources. Idempotent.
	Close() error

	// IsRunning reports whether the device is currently attached and
	// exchanging.
	IsRunning() bool
}
