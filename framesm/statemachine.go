// Package framesm implements the ICCom frame state machine: the two-stage
// DataStage/AckStage cycle that drives a symmetric full-duplex transport,
// applying received packages to the RX store and stepping the TX queue
// forward on ACK.
package framesm

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/symlinkproto/iccom/errrate"
	"github.com/symlinkproto/iccom/internal/stats"
	"github.com/symlinkproto/iccom/protocol"
	"github.com/symlinkproto/iccom/store"
	"github.com/symlinkproto/iccom/transport"
	"github.com/symlinkproto/iccom/txqueue"
)

// Stage names the current half-frame the machine expects to complete next.
type Stage int

const (
	// DataStage is the machine's initial stage: the next completed xfer is
	// expected to carry a data package.
	DataStage Stage = iota
	// AckStage: the next completed xfer is expected to carry an ack/nack.
	AckStage
)

func (s Stage) String() string {
	if s == AckStage {
		return "AckStage"
	}
	return "DataStage"
}

// Error kinds reported to the governor, matching the original driver's
// error taxonomy.
const (
	KindBadDataReceived  = "bad_data_received"
	KindDuplicated       = "duplicated_received"
	KindParsingFailed    = "parsing_failed"
	KindTransportFailure = "transport_failure"
)

// Machine is the per-engine frame state machine. It implements the
// transport callback contract: OnXferDone/OnXferFailed.
type Machine struct {
	store *store.Store
	txq   *txqueue.Queue

	dataXferSize int
	ackXferSize  int

	governor *errrate.Governor
	counters *stats.Counters
	logger   *zerolog.Logger
	notify   func()

	stage    Stage
	lastRxID byte
	hasRxID  bool

	stopRequested atomic.Bool
}

// New creates a frame state machine wired to the given RX store and TX
// queue. notify is invoked (never blocking, never from inside a lock)
// whenever a package commit finalizes at least one message, so the caller
// can schedule a consumer-dispatch wake. counters may be nil.
func New(st *store.Store, txq *txqueue.Queue, dataXferSize, ackXferSize int, governor *errrate.Governor, counters *stats.Counters, logger *zerolog.Logger, notify func()) *Machine {
	return &Machine{
		store:        st,
		txq:          txq,
		dataXferSize: dataXferSize,
		ackXferSize:  ackXferSize,
		governor:     governor,
		counters:     counters,
		logger:       logger,
		notify:       notify,
		stage:        DataStage,
	}
}

func (m *Machine) log() *zerolog.Logger {
	if m.logger != nil {
		return m.logger
	}
	nop := zerolog.Nop()
	return &nop
}

// report forwards kind and its classifying cause to the governor, which owns
// both the rate accounting and the (throttled) log emission for it.
func (m *Machine) report(kind string, cause error) {
	if m.governor == nil {
		return
	}
	m.governor.Report(kind, cause)
}

// Stage reports the machine's current half-frame, for tests and statistics.
func (m *Machine) Stage() Stage { return m.stage }

// InitialXfer returns the first buffer the transport should be initialized
// with: the current TX queue head, since the machine always starts in
// DataStage.
func (m *Machine) InitialXfer() []byte {
	return m.txq.Head().Bytes()
}

// RequestStop arranges for the next OnXferDone call to instruct the
// transport to stop exchanging, instead of driving the frame further.
// Idempotent; safe to call from any goroutine.
func (m *Machine) RequestStop() {
	m.stopRequested.Store(true)
}

// OnXferDone advances the machine after a completed exchange. done is the
// bytes received during that exchange; the returned next buffer is what the
// transport should send (and expect to receive into) during the following
// exchange. Once RequestStop has been called, it returns ErrStop instead of
// driving the frame further.
func (m *Machine) OnXferDone(done []byte) (next []byte, startImmediately bool, err error) {
	if m.stopRequested.Load() {
		return nil, false, transport.ErrStop
	}
	if m.counters != nil {
		m.counters.TransportXfers.Add(1)
		m.counters.TransportBytes.Add(uint64(len(done)))
	}
	switch m.stage {
	case DataStage:
		next, startImmediately = m.onDataXferDone(done)
	default:
		next, startImmediately = m.onAckXferDone(done)
	}
	return next, startImmediately, nil
}

func (m *Machine) onDataXferDone(done []byte) ([]byte, bool) {
	if m.counters != nil {
		m.counters.PackagesXfered.Add(1)
	}

	res := protocol.Validate(done)
	if !res.Valid {
		if m.counters != nil {
			m.counters.PackagesBad.Add(1)
		}
		m.report(KindBadDataReceived, fmt.Errorf("%w: %w", protocol.ErrProtocolFault, res.Err))
		m.stage = AckStage
		return protocol.BuildAckFrame(m.ackXferSize, false), true
	}

	if m.hasRxID && res.ID == m.lastRxID {
		if m.counters != nil {
			m.counters.PackagesDuplicated.Add(1)
		}
		m.report(KindDuplicated, fmt.Errorf("%w: package id %d", protocol.ErrDuplicate, res.ID))
		m.stage = AckStage
		return protocol.BuildAckFrame(m.ackXferSize, true), true
	}

	finalized, err := m.applyPackage(done, res.PayloadLen)
	if err != nil {
		m.store.RollbackAll()
		if m.counters != nil {
			m.counters.PackagesParseFailed.Add(1)
		}
		m.report(KindParsingFailed, fmt.Errorf("%w: %w", protocol.ErrProtocolFault, err))
		m.stage = AckStage
		return protocol.BuildAckFrame(m.ackXferSize, false), true
	}

	m.store.CommitAll()
	m.lastRxID = res.ID
	m.hasRxID = true
	m.stage = AckStage
	if m.counters != nil {
		m.counters.PackagesOK.Add(1)
	}

	if finalized {
		m.log().Debug().Uint32("package_id", uint32(res.ID)).Msg("package commit finalized at least one message")
		if m.notify != nil {
			m.notify()
		}
	}
	return protocol.BuildAckFrame(m.ackXferSize, true), true
}

// applyPackage parses every packet out of done's declared payload window and
// applies each to the RX store, reassembling per-channel messages. It
// returns whether any message was finalized by this package.
func (m *Machine) applyPackage(done []byte, payloadLen int) (bool, error) {
	window := done[protocol.PackageHeaderSize : protocol.PackageHeaderSize+payloadLen]
	finalized := false

	for {
		pkt, n, err := protocol.ParsePacket(window)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return finalized, nil
		}
		if err := m.applyPacket(pkt); err != nil {
			return false, err
		}
		if m.counters != nil {
			m.counters.PacketsReceivedOK.Add(1)
			m.counters.ConsumerBytesReceived.Add(uint64(len(pkt.Payload)))
		}
		if pkt.Final {
			finalized = true
			if m.counters != nil {
				m.counters.MessagesReceivedOK.Add(1)
			}
		}
		window = window[n:]
	}
}

func (m *Machine) applyPacket(pkt protocol.Packet) error {
	var id uint32
	if tail, ok := m.store.LastUnfinalizedOf(pkt.Channel); ok {
		id = tail.ID
	} else {
		id = m.store.CreateMessageInChannel(pkt.Channel)
	}
	return m.store.AppendToMessage(pkt.Channel, id, pkt.Payload, pkt.Final)
}

func (m *Machine) onAckXferDone(done []byte) ([]byte, bool) {
	var startImmediately bool
	if protocol.IsAck(done, m.ackXferSize) {
		hadMore := m.txq.AdvanceOnAck()
		startImmediately = hadMore
	} else {
		startImmediately = true
	}
	m.stage = DataStage
	return m.txq.Head().Bytes(), startImmediately
}

// OnXferFailed handles a transport-reported failure of the in-flight xfer.
// The machine always drives forward: it treats the failure as a NACK and
// moves to AckStage, keeping both sides aligned even when the transport
// itself faulted.
func (m *Machine) OnXferFailed(_ []byte, err error) []byte {
	if m.counters != nil {
		m.counters.PackagesFailed.Add(1)
	}
	m.report(KindTransportFailure, fmt.Errorf("%w: %w", protocol.ErrTransportFault, err))
	m.stage = AckStage
	return protocol.BuildAckFrame(m.ackXferSize, false)
}
