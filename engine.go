// Package iccom is the engine façade: it wires the protocol codecs, RX
// store, TX queue, frame state machine, error-rate governor and consumer
// dispatch worker into one lifecycle-managed handle over an injected
// transport.
package iccom

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/symlinkproto/iccom/dispatch"
	"github.com/symlinkproto/iccom/errrate"
	"github.com/symlinkproto/iccom/framesm"
	"github.com/symlinkproto/iccom/internal/config"
	"github.com/symlinkproto/iccom/internal/logging"
	"github.com/symlinkproto/iccom/internal/stats"
	"github.com/symlinkproto/iccom/protocol"
	"github.com/symlinkproto/iccom/store"
	"github.com/symlinkproto/iccom/transport"
	"github.com/symlinkproto/iccom/txqueue"
)

// Re-exported error kinds and channel sentinel for callers of this package,
// matching the consumer API table's error vocabulary.
var (
	ErrInvalidArgument = protocol.ErrInvalidArgument
	ErrClosing         = protocol.ErrClosing
)

// ChannelANY addresses the store's global fallback callback in
// SetChannelCallback/RemoveChannelCallback.
const ChannelANY = protocol.ChannelANY

// defaultThresholdMessages gives each built-in error kind a human-readable
// log message, since Config only carries the numeric thresholds.
var defaultThresholdMessages = map[string]string{
	framesm.KindBadDataReceived:  "elevated rate of structurally invalid packages received",
	framesm.KindDuplicated:       "elevated rate of duplicate packages received",
	framesm.KindParsingFailed:    "elevated rate of packet parse failures",
	framesm.KindTransportFailure: "elevated rate of transport exchange failures",
}

// Engine is one running ICCom instance: a consumer-facing façade over a
// single injected transport.Interface. The zero value is not usable; build
// one with New.
type Engine struct {
	cfg   config.Config
	iface transport.Interface

	store    *store.Store
	txq      *txqueue.Queue
	machine  *framesm.Machine
	worker   *dispatch.Worker
	governor *errrate.Governor
	counters *stats.Counters

	logger     zerolog.Logger
	instanceID string

	closing atomic.Bool
}

// New assembles and starts an engine against iface using cfg. It hands the
// transport its first exchange buffer (the TX queue head) through Init
// before returning; the frame state machine starts in DataStage, awaiting
// the peer's first package.
func New(cfg config.Config, iface transport.Interface) (*Engine, error) {
	if iface == nil {
		return nil, fmt.Errorf("iccom: %w: nil transport", ErrInvalidArgument)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	instanceID := uuid.New().String()
	logger := logging.New(instanceID, cfg.LogLevel)

	st := store.New(&logger)
	txq, err := txqueue.New(cfg.DataXferSizeBytes, &logger)
	if err != nil {
		return nil, fmt.Errorf("iccom: %w", err)
	}

	governor := errrate.New(
		time.Duration(cfg.ErrorRate.MinReportIntervalMS)*time.Millisecond,
		time.Duration(cfg.ErrorRate.DecayHalfLifeMS)*time.Millisecond,
		cfg.ErrorRate.DecayFloorPercent,
		&logger,
	)
	for kind, threshold := range cfg.ErrorRate.Thresholds {
		msg := defaultThresholdMessages[kind]
		if msg == "" {
			msg = fmt.Sprintf("elevated rate of %s events", kind)
		}
		governor.Register(kind, threshold, msg)
	}

	counters := &stats.Counters{}
	worker := dispatch.New(st, &logger)

	e := &Engine{
		cfg:        cfg,
		iface:      iface,
		store:      st,
		txq:        txq,
		worker:     worker,
		governor:   governor,
		counters:   counters,
		logger:     logger,
		instanceID: instanceID,
	}

	e.machine = framesm.New(st, txq, cfg.DataXferSizeBytes, cfg.AckXferSizeBytes, governor, counters, &logger, worker.Notify)

	worker.Start()
	if err := iface.Init(e.machine.InitialXfer(), e.machine); err != nil {
		worker.Stop()
		return nil, fmt.Errorf("iccom: transport init: %w", err)
	}

	e.logger.Info().Str("instance", instanceID).Int("data_xfer_size", cfg.DataXferSizeBytes).Msg("engine started")
	return e, nil
}

// Post fragments data into packets on channel and appends them to the TX
// queue, waking the transport if it is currently idle waiting for more work.
func (e *Engine) Post(channel protocol.Channel, data []byte) error {
	if e.closing.Load() {
		return ErrClosing
	}
	if err := e.txq.AppendMessage(channel, data); err != nil {
		return err
	}
	_, _ = e.iface.Exchange(nil, true)
	return nil
}

// Flush nudges the transport to resume exchanging immediately, in case it is
// idle waiting on a deferred round. It never blocks on the transport itself.
func (e *Engine) Flush() error {
	if e.closing.Load() {
		return ErrClosing
	}
	_, _ = e.iface.Exchange(nil, true)
	return nil
}

// Read pops the oldest ready message on channel, if any, transferring buffer
// ownership to the caller.
func (e *Engine) Read(channel protocol.Channel) (data []byte, id uint32, ok bool, err error) {
	if e.closing.Load() {
		return nil, 0, false, ErrClosing
	}
	if err := channel.Validate(); err != nil {
		return nil, 0, false, err
	}
	msg, found := e.store.PopFirstReady(channel)
	if !found {
		return nil, 0, false, nil
	}
	return msg.Bytes(), msg.ID, true, nil
}

// SetChannelCallback installs a per-channel (or, with channel==ChannelANY,
// global fallback) ready callback. A nil cb clears it.
func (e *Engine) SetChannelCallback(channel protocol.Channel, cb store.ReadyCallback, opaque any) error {
	if e.closing.Load() {
		return ErrClosing
	}
	if channel != ChannelANY {
		if err := channel.Validate(); err != nil {
			return err
		}
	}
	e.store.SetChannelCallback(channel, cb, opaque)
	return nil
}

// RemoveChannelCallback clears the callback for channel (or the global
// fallback, with channel==ChannelANY).
func (e *Engine) RemoveChannelCallback(channel protocol.Channel) error {
	if e.closing.Load() {
		return ErrClosing
	}
	if channel != ChannelANY {
		if err := channel.Validate(); err != nil {
			return err
		}
	}
	e.store.RemoveChannelCallback(channel)
	return nil
}

// IsRunning reports whether the engine is neither closing nor closed and its
// transport is attached and exchanging.
func (e *Engine) IsRunning() bool {
	return !e.closing.Load() && e.iface.IsRunning()
}

// Stats returns a point-in-time snapshot of the engine's counters, TX queue
// depth and ready-message count for the introspection surface.
func (e *Engine) Stats() stats.Snapshot {
	return e.counters.Snapshot(e.txq.Len(), e.store.ReadyCount())
}

// Logger returns the engine's instance logger, for callers that want to
// attach their own fields to it.
func (e *Engine) Logger() *zerolog.Logger {
	return &e.logger
}

// Close stops the engine: it is a CAS-gated, idempotent, one-shot teardown
// that stops the transport and joins the dispatch worker. It first asks the
// frame state machine to return ErrStop on its next callback, giving the
// transport a chance to wind down gracefully mid-exchange, then forces the
// issue with iface.Close() so Close always returns deterministically even if
// the transport is idle waiting on a deferred round. Once Close returns,
// every other error-returning public method returns ErrClosing and
// IsRunning reports false. The RX store and TX queue
// are left to the garbage collector; there is no manual free step in Go the
// way the original driver's teardown frees kernel buffers.
func (e *Engine) Close() error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	e.machine.RequestStop()
	_, _ = e.iface.Exchange(nil, true)
	e.worker.Stop()
	if err := e.iface.Close(); err != nil {
		return fmt.Errorf("iccom: transport close: %w", err)
	}
	e.logger.Info().Str("instance", e.instanceID).Msg("engine closed")
	return nil
}
