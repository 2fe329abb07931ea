// Package txqueue implements the ICCom TX package queue: an ordered list
// of outbound packages that fragments posted messages into packets and
// packets across package boundaries, and steps forward on ACK.
package txqueue

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/symlinkproto/iccom/protocol"
)

// Queue holds the outbound package list under a single mutex. Structural
// changes (enqueueing a new tail, advancing the head, draining on close) are
// made under the lock; the head package itself, once handed to the frame
// state machine for transmission, is never mutated until it is either
// dropped or reused by AdvanceOnAck.
//
// Invariant: the queue is never empty once constructed. When it holds a
// single element, that element serves as both head (next xfer) and tail
// (packet accumulator).
type Queue struct {
	mu        sync.Mutex
	frameSize int
	packages  []*protocol.Package
	nextID    byte
	logger    *zerolog.Logger
}

// New creates a queue seeded with one empty, finalized package of the given
// frame size and id 1, per the ID allocation rule.
func New(frameSize int, logger *zerolog.Logger) (*Queue, error) {
	first, err := protocol.NewEmptyPackage(protocol.PackageIDInitial, frameSize)
	if err != nil {
		return nil, fmt.Errorf("txqueue: %w", err)
	}
	return &Queue{
		frameSize: frameSize,
		packages:  []*protocol.Package{first},
		nextID:    protocol.NextPackageID(protocol.PackageIDInitial),
		logger:    logger,
	}, nil
}

func (q *Queue) log() *zerolog.Logger {
	if q.logger != nil {
		return q.logger
	}
	nop := zerolog.Nop()
	return &nop
}

// EnqueueNewEmpty finalizes the current tail (unless it is also the head,
// which is always already finalized and may be in flight) and pushes a
// fresh, empty tail carrying the next allocated id.
func (q *Queue) EnqueueNewEmpty() *protocol.Package {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueNewEmptyLocked()
}

func (q *Queue) enqueueNewEmptyLocked() *protocol.Package {
	if len(q.packages) > 1 {
		q.packages[len(q.packages)-1].Finalize()
	}
	next, err := protocol.NewEmptyPackage(q.nextID, q.frameSize)
	if err != nil {
		// frameSize was already validated in New; this cannot happen in
		// practice, but the queue must never silently lose the invariant.
		panic(fmt.Sprintf("txqueue: re-allocating with a previously valid frame size failed: %v", err))
	}
	q.nextID = protocol.NextPackageID(q.nextID)
	q.packages = append(q.packages, next)
	return next
}

// AppendMessage fragments payload into one or more packets on channel,
// spilling into new tail packages as each fills up, and finalizes the last
// package it touches. The final packet's complete flag is set; all packets
// before it are not.
func (q *Queue) AppendMessage(channel protocol.Channel, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: %w", protocol.ErrInvalidArgument, protocol.ErrEmptyMessage)
	}
	if err := channel.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// The head package's bytes may be in flight on the transport, read
	// outside this lock ("bytes into the head package are never
	// written"). When the queue holds a single element, head and tail are
	// the same package, so a fresh tail is split off before any packet is
	// written, guaranteeing the head is never mutated once handed off.
	if len(q.packages) == 1 {
		q.enqueueNewEmptyLocked()
	}

	remaining := payload
	var tail *protocol.Package
	for len(remaining) > 0 {
		tail = q.packages[len(q.packages)-1]
		consumed, err := appendPacketFragment(tail, channel, remaining)
		if err != nil {
			return err
		}
		if consumed == 0 {
			q.enqueueNewEmptyLocked()
			continue
		}
		remaining = remaining[consumed:]
	}
	tail.Finalize()
	return nil
}

// appendPacketFragment writes as much of remaining as fits into one packet
// in tail's free space, setting the complete flag iff the whole of remaining
// is consumed. It returns 0 (with no error) if not even a packet header and
// one payload byte fit, telling the caller to roll to a new tail.
func appendPacketFragment(tail *protocol.Package, channel protocol.Channel, remaining []byte) (int, error) {
	window := tail.PayloadWindow()
	if len(window) < protocol.PacketMinSize {
		return 0, nil
	}

	chunk := len(window) - protocol.PacketHeaderSize
	final := true
	if chunk >= len(remaining) {
		chunk = len(remaining)
	} else {
		final = false
	}

	n, err := protocol.WritePacket(window, channel, final, remaining[:chunk])
	if err != nil {
		return 0, fmt.Errorf("txqueue: %w", err)
	}
	cur, _ := tail.PayloadLength()
	if err := tail.SetPayloadLength(cur + n); err != nil {
		return 0, fmt.Errorf("txqueue: %w", err)
	}
	return chunk, nil
}

// AdvanceOnAck steps the queue forward after a positive ack of the current
// head: if more than one package is queued, the head is dropped; otherwise
// the sole package is reused in place (re-id, cleared payload, refilled,
// re-CRC'd) rather than freed, preserving the never-empty invariant without
// an allocation. It returns true iff more than one package was queued before
// the call, i.e. whether real data was in flight.
func (q *Queue) AdvanceOnAck() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	hadMore := len(q.packages) > 1
	if hadMore {
		q.packages = q.packages[1:]
		return true
	}

	head := q.packages[0]
	head.Reset(q.nextID)
	q.nextID = protocol.NextPackageID(q.nextID)
	return false
}

// Head returns the package currently at the front of the queue, the one the
// frame state machine should hand to the transport next.
func (q *Queue) Head() *protocol.Package {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.packages[0]
}

// Len reports the current queue depth (best-effort, for statistics).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packages)
}
