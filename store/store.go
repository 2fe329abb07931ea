// Package store implements the ICCom RX message store: per-channel
// ordered message lists under construction and finalized, with
// commit/rollback of a single received package's uncommitted deltas and a
// per-channel/global ready-callback registry.
package store

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/symlinkproto/iccom/protocol"
)

// ReadyCallback delivers one finalized message to a consumer. The return
// value tells the store whether the consumer took ownership of data: true
// means the store must drop its reference without any further use of the
// slice; false means the store's reference was the only one and the buffer
// is simply left to the garbage collector once dropped.
type ReadyCallback func(channel protocol.Channel, data []byte, opaque any) (tookOwnership bool)

// Message is a byte sequence under construction or ready for delivery on one
// channel. Only the transport (RX-parsing) context mutates a message's
// bytes; consumer-facing code may only read or pop already-finalized ones
// (the "unlocked copy" invariant).
type Message struct {
	Channel           protocol.Channel
	ID                uint32
	Finalized         bool
	UncommittedLength int

	data []byte
}

// Length returns the total number of committed-or-not bytes appended so far.
func (m *Message) Length() int { return len(m.data) }

// Bytes returns the message's accumulated payload. Callers must not retain
// the slice past a subsequent Store mutation unless they own it exclusively
// (e.g. after PopFirstReady).
func (m *Message) Bytes() []byte { return m.data }

type channelRecord struct {
	messages []*Message
	nextID   uint32
	cb       ReadyCallback
	opaque   any
}

// Store is a channel-id -> channel-record map plus an optional global
// fallback callback, protected by a single mutex.
type Store struct {
	mu                   sync.Mutex
	channels             map[protocol.Channel]*channelRecord
	globalCB             ReadyCallback
	globalOpaque         any
	finalizedSinceCommit int

	logger *zerolog.Logger
}

// New creates an empty RX message store. logger may be nil.
func New(logger *zerolog.Logger) *Store {
	return &Store{
		channels: make(map[protocol.Channel]*channelRecord),
		logger:   logger,
	}
}

func (s *Store) log() *zerolog.Logger {
	if s.logger != nil {
		return s.logger
	}
	nop := zerolog.Nop()
	return &nop
}

func (s *Store) recordFor(channel protocol.Channel) *channelRecord {
	rec, ok := s.channels[channel]
	if !ok {
		rec = &channelRecord{nextID: protocol.MessageIDInitial}
		s.channels[channel] = rec
	}
	return rec
}

// CreateMessageInChannel allocates a channel record if absent, appends a new
// empty, unfinalized message and returns its freshly-assigned per-channel id.
func (s *Store) CreateMessageInChannel(channel protocol.Channel) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recordFor(channel)
	id := rec.nextID
	rec.nextID = nextMessageID(rec.nextID)

	msg := &Message{Channel: channel, ID: id}
	rec.messages = append(rec.messages, msg)
	return id
}

func nextMessageID(id uint32) uint32 {
	if id == protocol.MessageIDMax {
		return protocol.MessageIDInitial
	}
	return id + 1
}

// LastUnfinalizedOf returns the tail message of channel if it exists and is
// not yet finalized.
func (s *Store) LastUnfinalizedOf(channel protocol.Channel) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[channel]
	if !ok || len(rec.messages) == 0 {
		return nil, false
	}
	tail := rec.messages[len(rec.messages)-1]
	if tail.Finalized {
		return nil, false
	}
	return tail, true
}

// AppendToMessage appends bytes to the named message and marks it finalized
// if final is set. The store's mutex is held only to locate the message;
// the byte copy itself happens unlocked, under the invariant
// that the transport context is the sole mutator of any given in-progress
// message — consumer code never touches an unfinalized message.
func (s *Store) AppendToMessage(channel protocol.Channel, id uint32, data []byte, final bool) error {
	s.mu.Lock()
	rec, ok := s.channels[channel]
	if !ok {
		s.mu.Unlock()
		return protocol.ErrMessageNotFound
	}
	var msg *Message
	for _, m := range rec.messages {
		if m.ID == id {
			msg = m
			break
		}
	}
	if msg == nil {
		s.mu.Unlock()
		return protocol.ErrMessageNotFound
	}
	if msg.Finalized {
		s.mu.Unlock()
		return protocol.ErrMessageFinalized
	}
	s.mu.Unlock()

	msg.data = append(msg.data, data...)
	msg.UncommittedLength += len(data)

	if final {
		s.mu.Lock()
		msg.Finalized = true
		s.finalizedSinceCommit++
		s.mu.Unlock()
	}
	return nil
}

// PopFirstReady removes and returns the oldest finalized, fully-committed
// message on channel, transferring buffer ownership to the caller.
func (s *Store) PopFirstReady(channel protocol.Channel) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[channel]
	if !ok {
		return nil, false
	}
	for i, m := range rec.messages {
		if m.Finalized && m.UncommittedLength == 0 {
			rec.messages = append(rec.messages[:i], rec.messages[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

// CommitAll clears UncommittedLength on every message in the store and
// resets the finalized-since-commit counter. Called once a whole received
// package has been successfully parsed and applied.
func (s *Store) CommitAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.channels {
		for _, m := range rec.messages {
			m.UncommittedLength = 0
		}
	}
	s.finalizedSinceCommit = 0
}

// RollbackAll undoes every uncommitted delta applied since the last commit:
// for each message with UncommittedLength>0, shrinks its buffer back by that
// amount, clears Finalized, and zeroes UncommittedLength. Used when parsing
// or applying a received package fails partway through: the
// store must behave as if the whole package's effects never happened, since
// the peer will retransmit it in full.
func (s *Store) RollbackAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.channels {
		for _, m := range rec.messages {
			if m.UncommittedLength == 0 {
				continue
			}
			cut := len(m.data) - m.UncommittedLength
			if cut < 0 {
				cut = 0
			}
			m.data = m.data[:cut]
			m.Finalized = false
			m.UncommittedLength = 0
		}
	}
	s.finalizedSinceCommit = 0
}

// SetChannelCallback installs a per-channel ready callback. If channel is
// protocol.ChannelANY, it installs (or, with a nil cb, clears) the global
// fallback used when no per-channel callback is set for a given channel.
// A nil cb on a real channel removes that channel's per-channel entry.
func (s *Store) SetChannelCallback(channel protocol.Channel, cb ReadyCallback, opaque any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channel == protocol.ChannelANY {
		s.globalCB = cb
		s.globalOpaque = opaque
		return
	}
	if cb == nil {
		if rec, ok := s.channels[channel]; ok {
			rec.cb = nil
			rec.opaque = nil
		}
		return
	}
	rec := s.recordFor(channel)
	rec.cb = cb
	rec.opaque = opaque
}

// RemoveChannelCallback clears the callback for channel (or the global
// fallback, if channel is protocol.ChannelANY).
func (s *Store) RemoveChannelCallback(channel protocol.Channel) {
	s.SetChannelCallback(channel, nil, nil)
}

// DeliverReadyToConsumers walks every channel, delivering each
// finalized, fully-committed message to its per-channel callback (falling
// back to the global one, or skipping if neither is set) and removing it
// from the store. It returns the number of messages delivered.
//
// Within one channel messages are visited oldest-first, so callback
// invocation order matches peer send order. Across channels no
// ordering is guaranteed.
func (s *Store) DeliverReadyToConsumers() int {
	s.mu.Lock()
	type delivery struct {
		channel protocol.Channel
		msg     *Message
		cb      ReadyCallback
		opaque  any
	}
	var deliveries []delivery

	for channel, rec := range s.channels {
		remaining := rec.messages[:0]
		for _, m := range rec.messages {
			if m.Finalized && m.UncommittedLength == 0 {
				cb, opaque := rec.cb, rec.opaque
				if cb == nil {
					cb, opaque = s.globalCB, s.globalOpaque
				}
				if cb == nil {
					remaining = append(remaining, m)
					continue
				}
				deliveries = append(deliveries, delivery{channel, m, cb, opaque})
				continue
			}
			remaining = append(remaining, m)
		}
		rec.messages = remaining
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		took := d.cb(d.channel, d.msg.data, d.opaque)
		if took {
			s.log().Debug().
				Int32("channel", int32(d.channel)).
				Uint32("message_id", d.msg.ID).
				Msg("consumer took ownership of message buffer")
		}
	}
	return len(deliveries)
}

// ChannelCount reports how many channel records the store currently holds
// (best-effort, for statistics only).
func (s *Store) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// ReadyCount reports how many messages across all channels are finalized and
// fully committed, i.e. eligible for delivery (best-effort, for statistics).
func (s *Store) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.channels {
		for _, m := range rec.messages {
			if m.Finalized && m.UncommittedLength == 0 {
				n++
			}
		}
	}
	return n
}
