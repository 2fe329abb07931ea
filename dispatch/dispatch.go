// Package dispatch implements the ICCom consumer dispatch worker: a single
// cooperative goroutine that drains the RX store's ready messages to their
// registered callbacks, decoupled from the frame state machine's transport
// callback context.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/symlinkproto/iccom/store"
)

// Worker runs one background goroutine that calls
// store.DeliverReadyToConsumers whenever woken, until Stop is called.
// Modeled on a single-background-goroutine fan-out worker: one reader
// draining a source and dispatching to registered callbacks, rather than
// multiple consumer goroutines racing on the same store.
type Worker struct {
	store *store.Store
	wake  chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup

	logger *zerolog.Logger
}

// New creates a stopped worker bound to st. Call Start to begin running.
func New(st *store.Store, logger *zerolog.Logger) *Worker {
	return &Worker{
		store:  st,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

func (w *Worker) log() *zerolog.Logger {
	if w.logger != nil {
		return w.logger
	}
	nop := zerolog.Nop()
	return &nop
}

// Start launches the worker goroutine. It is not safe to call Start twice.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Notify schedules a drain wake. It never blocks: a pending, undelivered
// wake already queued is sufficient to trigger the next drain, since
// DeliverReadyToConsumers always processes everything ready in one pass.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the worker and joins it. Safe to call once; the frame state
// machine must not call Notify after Stop returns.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
			n := w.store.DeliverReadyToConsumers()
			if n > 0 {
				w.log().Debug().Int("delivered", n).Msg("consumer dispatch drained ready messages")
			}
		}
	}
}
