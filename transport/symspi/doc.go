// Package symspi documents the contract a real SymSPI (symmetric SPI)
// backend must satisfy to plug into the engine as a transport.Interface. It
// intentionally contains no implementation: the underlying full-duplex
// driver is out of scope for this repository, specified only by its
// contract.
//
// A SymSPI backend wraps a platform SPI peripheral configured for full
// duplex, same-clock master/slave exchange, and a GPIO line the peer uses to
// signal "data ready" out of band from the clocked exchange itself (SymSPI's
// defining property: either side may have data to send on any given
// exchange, so the sizes exchanged in a xfer must be agreed in advance —
// exactly transport.Interface's data-xfer-size / ack-xfer-size split).
//
// Implementing transport.Interface for a real SymSPI peripheral means:
//
//   - Init(initial, cb): configure the peripheral for the data-xfer size,
//     arm a DMA transfer with initial as both the TX and RX buffer, and
//     start it. When the peripheral's transfer-complete interrupt fires,
//     call cb.OnXferDone with the received bytes from the RX buffer. If it
//     returns a non-nil error (ErrStop), disarm DMA and stop instead of
//     re-arming; otherwise re-arm DMA with the returned next buffer, and if
//     startImmediately is false, wait for the "data ready" GPIO edge (or a
//     call to Exchange) before re-arming.
//   - Exchange(next, startImmediately): update the buffer DMA will use on
//     the next arm, and, if a re-arm is currently pending on the GPIO edge,
//     trigger it immediately when startImmediately is true.
//   - Reset(): reinitialize the SPI peripheral and DMA channels without
//     tearing down the interrupt handler, for recovering from a peripheral
//     fault the interrupt handler cannot clear itself.
//   - Close(): disarm DMA, disable the peripheral, detach the interrupt
//     handler.
//   - IsRunning(): reflect whether the peripheral is configured and armed.
//
// transport/stub provides a host-side, in-process substitute that satisfies
// the same interface for tests and examples without any of the above.
package symspi
