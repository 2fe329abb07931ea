// Package stub provides a host-side, in-process implementation of
// transport.Interface for tests and examples: a symmetric full-duplex
// exchange between two paired transports connected by channels instead of a
// physical link, in the spirit of a ring-buffered mock radio driver.
package stub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/symlinkproto/iccom/transport"
)

// ErrInjectedFailure is the error handed to Callbacks.OnXferFailed when a
// failure has been injected via Transport.InjectFailure.
var ErrInjectedFailure = errors.New("stub: injected transport failure")

const logCapacity = 64

// logRing is a small fixed-capacity ring buffer of sent frames, kept for
// test introspection, adapted from stub_driver.go's ringBuffer.
type logRing struct {
	data       [logCapacity][]byte
	head, tail int
	count      int
}

func (r *logRing) push(frame []byte) {
	if r.count == logCapacity {
		r.data[r.tail] = nil
		r.head = (r.head + 1) % logCapacity
		r.count--
	}
	cp := append([]byte(nil), frame...)
	r.data[r.tail] = cp
	r.tail = (r.tail + 1) % logCapacity
	r.count++
}

func (r *logRing) snapshot() [][]byte {
	out := make([][]byte, r.count)
	i := r.head
	for c := 0; c < r.count; c++ {
		out[c] = append([]byte(nil), r.data[i]...)
		i = (i + 1) % logCapacity
	}
	return out
}

// Transport is one end of a paired, in-process full-duplex link. Use Pair to
// construct both ends wired to each other.
type Transport struct {
	name string

	send chan<- []byte
	recv <-chan []byte
	wake chan []byte

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	running atomic.Bool

	failNext atomic.Bool

	mu      sync.Mutex
	sentLog logRing

	cb     transport.Callbacks
	logger *zerolog.Logger
}

// Pair constructs two transports wired to exchange with each other: bytes
// sent by a arrive as b's received buffer on the same round, and vice versa,
// modeling a symmetric full-duplex link with no physical layer.
func Pair(logger *zerolog.Logger) (a, b *Transport) {
	ab := make(chan []byte, 1)
	ba := make(chan []byte, 1)
	a = &Transport{name: "a", send: ab, recv: ba, wake: make(chan []byte, 1), logger: logger}
	b = &Transport{name: "b", send: ba, recv: ab, wake: make(chan []byte, 1), logger: logger}
	return a, b
}

func (t *Transport) log() *zerolog.Logger {
	if t.logger != nil {
		return t.logger
	}
	nop := zerolog.Nop()
	return &nop
}

// Init wires cb and starts the exchange loop with initial as the first
// buffer to send and receive into.
func (t *Transport) Init(initial []byte, cb transport.Callbacks) error {
	t.cb = cb
	t.stop = make(chan struct{})
	t.running.Store(true)
	t.wg.Add(1)
	go t.run(initial)
	return nil
}

func (t *Transport) run(buf []byte) {
	defer t.wg.Done()
	startNow := true
	for {
		var received []byte
		peerStarted := false
		if !startNow {
			select {
			case <-t.stop:
				return
			case override := <-t.wake:
				if override != nil {
					buf = override
				}
			case received = <-t.recv: // the peer started an exchange
				peerStarted = true
			}
		}

		if t.failNext.CompareAndSwap(true, false) {
			if peerStarted {
				t.send <- buf
			}
			next := t.cb.OnXferFailed(buf, ErrInjectedFailure)
			buf = next
			startNow = true
			continue
		}

		select {
		case t.send <- buf:
		case <-t.stop:
			return
		}
		t.mu.Lock()
		t.sentLog.push(buf)
		t.mu.Unlock()

		if !peerStarted {
			select {
			case received = <-t.recv:
			case <-t.stop:
				return
			}
		}

		next, startImmediately, err := t.cb.OnXferDone(received)
		if errors.Is(err, transport.ErrStop) {
			t.running.Store(false)
			return
		}
		buf = next
		startNow = startImmediately
	}
}

// Exchange requests the next exchange use next as the outgoing buffer
// (ignored if nil, keeping whatever is currently staged) and, if
// startImmediately was false on the last callback, wakes the run loop to
// perform it now.
func (t *Transport) Exchange(next []byte, startImmediately bool) (transport.Outcome, error) {
	if !t.running.Load() {
		return transport.OutcomeNoDevice, nil
	}
	select {
	case t.wake <- next:
		return transport.OutcomeOK, nil
	default:
		return transport.OutcomeBusy, nil
	}
}

// Reset clears any pending injected failure. The link itself has no fault
// state to recover.
func (t *Transport) Reset() error {
	t.failNext.Store(false)
	return nil
}

// Close stops the exchange loop and joins it. Idempotent.
func (t *Transport) Close() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	t.stopped.Do(func() { close(t.stop) })
	t.wg.Wait()
	return nil
}

// IsRunning reports whether the exchange loop is active.
func (t *Transport) IsRunning() bool {
	return t.running.Load()
}

// InjectFailure arranges for the next exchange to be reported to Callbacks
// as a transport failure instead of completing normally, for exercising
// OnXferFailed in tests.
func (t *Transport) InjectFailure() {
	t.failNext.Store(true)
}

// SentLog returns a snapshot of the most recently sent frames, oldest first,
// bounded to the last logCapacity entries.
func (t *Transport) SentLog() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentLog.snapshot()
}

var _ transport.Interface = (*Transport)(nil)
