package framesm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symlinkproto/iccom/errrate"
	"github.com/symlinkproto/iccom/protocol"
	"github.com/symlinkproto/iccom/store"
	"github.com/symlinkproto/iccom/transport"
	"github.com/symlinkproto/iccom/txqueue"
)

const testFrameSize = 64
const testAckSize = 1

func buildDataPackage(t *testing.T, id byte, frameSize int, packets [][]byte) *protocol.Package {
	t.Helper()
	pkg, err := protocol.NewEmptyPackage(id, frameSize)
	require.NoError(t, err)
	for _, pkt := range packets {
		n := pkg.AppendRaw(pkt)
		require.Equal(t, len(pkt), n, "test packets must fit the frame")
	}
	pkg.Finalize()
	return pkg
}

func buildPacket(t *testing.T, channel protocol.Channel, final bool, payload []byte) []byte {
	t.Helper()
	dst := make([]byte, protocol.PacketHeaderSize+len(payload))
	n, err := protocol.WritePacket(dst, channel, final, payload)
	require.NoError(t, err)
	return dst[:n]
}

func newTestMachine(t *testing.T) (*Machine, *store.Store, *txqueue.Queue, *int) {
	t.Helper()
	st := store.New(nil)
	txq, err := txqueue.New(testFrameSize, nil)
	require.NoError(t, err)
	notifyCount := 0
	m := New(st, txq, testFrameSize, testAckSize, nil, nil, nil, func() { notifyCount++ })
	return m, st, txq, &notifyCount
}

// newTestMachineWithGovernor is newTestMachine plus a wired errrate.Governor,
// for tests that assert on the reported error taxonomy.
func newTestMachineWithGovernor(t *testing.T) (*Machine, *store.Store, *errrate.Governor) {
	t.Helper()
	st := store.New(nil)
	txq, err := txqueue.New(testFrameSize, nil)
	require.NoError(t, err)
	governor := errrate.New(0, time.Second, 0, nil)
	m := New(st, txq, testFrameSize, testAckSize, governor, nil, nil, nil)
	return m, st, governor
}

func snapshotFor(g *errrate.Governor, kind string) errrate.Snapshot {
	for _, s := range g.Snapshots() {
		if s.Kind == kind {
			return s
		}
	}
	return errrate.Snapshot{}
}

func TestSingleSmallMessageIsAckedAndDelivered(t *testing.T) {
	m, st, _, notifyCount := newTestMachine(t)
	channel := protocol.Channel(0x0005)

	pkt := buildPacket(t, channel, true, []byte{0x11, 0x22, 0x33})
	pkg := buildDataPackage(t, 1, testFrameSize, [][]byte{pkt})

	next, startImmediately, err := m.OnXferDone(pkg.Bytes())
	require.NoError(t, err)
	require.True(t, startImmediately)
	require.True(t, protocol.IsAck(next, testAckSize))
	require.Equal(t, AckStage, m.Stage())
	require.Equal(t, 1, *notifyCount)

	msg, ok := st.PopFirstReady(channel)
	require.True(t, ok)
	require.Equal(t, []byte{0x11, 0x22, 0x33}, msg.Bytes())
}

func TestDuplicatePackageIsAckedButNotReapplied(t *testing.T) {
	m, st, _, _ := newTestMachine(t)
	channel := protocol.Channel(1)

	pkt := buildPacket(t, channel, true, []byte("hello"))
	pkg := buildDataPackage(t, 1, testFrameSize, [][]byte{pkt})

	_, _, _ = m.OnXferDone(pkg.Bytes())
	m.stage = DataStage // simulate the ack round-trip completing, back to DataStage

	next, _, err := m.OnXferDone(pkg.Bytes())
	require.NoError(t, err)
	require.True(t, protocol.IsAck(next, testAckSize), "duplicate must still be acked")

	_, ok := st.PopFirstReady(channel)
	require.True(t, ok, "first copy is still delivered")
	_, ok = st.PopFirstReady(channel)
	require.False(t, ok, "duplicate must not produce a second message")
}

func TestCorruptedPackageIsNacked(t *testing.T) {
	m, _, _, notifyCount := newTestMachine(t)
	channel := protocol.Channel(1)

	pkt := buildPacket(t, channel, true, []byte("hello"))
	pkg := buildDataPackage(t, 1, testFrameSize, [][]byte{pkt})
	corrupted := append([]byte(nil), pkg.Bytes()...)
	corrupted[len(corrupted)-1] ^= 0x01 // flip a CRC byte

	next, startImmediately, err := m.OnXferDone(corrupted)
	require.NoError(t, err)
	require.True(t, startImmediately)
	require.False(t, isPositiveAck(next), "corrupted package must be nacked")
	require.Equal(t, 0, *notifyCount)
}

func TestCorruptedPackageReportsProtocolFault(t *testing.T) {
	m, _, governor := newTestMachineWithGovernor(t)
	channel := protocol.Channel(1)

	pkt := buildPacket(t, channel, true, []byte("hello"))
	pkg := buildDataPackage(t, 1, testFrameSize, [][]byte{pkt})
	corrupted := append([]byte(nil), pkg.Bytes()...)
	corrupted[len(corrupted)-1] ^= 0x01 // flip a CRC byte

	_, _, err := m.OnXferDone(corrupted)
	require.NoError(t, err)

	snap := snapshotFor(governor, KindBadDataReceived)
	require.ErrorIs(t, snap.LastError, protocol.ErrProtocolFault)
	require.ErrorIs(t, snap.LastError, protocol.ErrBadCRC)
}

func TestDuplicatePackageReportsDuplicateFault(t *testing.T) {
	m, _, governor := newTestMachineWithGovernor(t)
	channel := protocol.Channel(1)

	pkt := buildPacket(t, channel, true, []byte("hello"))
	pkg := buildDataPackage(t, 1, testFrameSize, [][]byte{pkt})

	_, _, _ = m.OnXferDone(pkg.Bytes())
	m.stage = DataStage

	_, _, err := m.OnXferDone(pkg.Bytes())
	require.NoError(t, err)

	snap := snapshotFor(governor, KindDuplicated)
	require.ErrorIs(t, snap.LastError, protocol.ErrDuplicate)
}

func TestTransportFailureReportsTransportFault(t *testing.T) {
	m, _, governor := newTestMachineWithGovernor(t)

	m.OnXferFailed([]byte{0}, errors.New("injected"))

	snap := snapshotFor(governor, KindTransportFailure)
	require.ErrorIs(t, snap.LastError, protocol.ErrTransportFault)
}

// TestParseFailureInsideApplyPackageRollsBackAndPeerResendSucceeds forces a
// structurally valid (CRC-correct) package whose declared packet length
// overruns the payload window, so protocol.ParsePacket fails inside
// applyPackage after the package has already passed protocol.Validate. It
// asserts the half-applied message is rolled back, the package is nacked,
// and a subsequent correctly-formed resend of the same data completes.
func TestParseFailureInsideApplyPackageRollsBackAndPeerResendSucceeds(t *testing.T) {
	m, st, governor := newTestMachineWithGovernor(t)
	channel := protocol.Channel(1)

	goodPkt := buildPacket(t, channel, false, []byte("part-one:"))
	pkg, err := protocol.NewEmptyPackage(1, testFrameSize)
	require.NoError(t, err)
	n := pkg.AppendRaw(goodPkt)
	require.Equal(t, len(goodPkt), n)

	// Hand-craft a second, malformed packet header declaring a payload
	// length (200) that overruns the remaining window, then finalize over
	// it so the package's CRC/fill still validate structurally.
	badHeader := []byte{0x00, 0xC8, 0x00, 0x00} // len=200 BE, LUN=0, CID/complete=0
	n2 := pkg.AppendRaw(badHeader)
	require.Equal(t, len(badHeader), n2)
	pkg.Finalize()

	next, startImmediately, err := m.OnXferDone(pkg.Bytes())
	require.NoError(t, err)
	require.True(t, startImmediately)
	require.False(t, isPositiveAck(next), "parse failure mid-package must be nacked")

	tail, ok := st.LastUnfinalizedOf(channel)
	require.True(t, ok)
	require.Equal(t, 0, tail.Length(), "the first packet's partial apply must be rolled back to empty")

	snap := snapshotFor(governor, KindParsingFailed)
	require.ErrorIs(t, snap.LastError, protocol.ErrProtocolFault)

	// Peer resends the same message correctly, as one packet, under a
	// fresh package id.
	m.stage = DataStage
	resendPkt := buildPacket(t, channel, true, []byte("part-one:part-two"))
	resendPkg := buildDataPackage(t, 2, testFrameSize, [][]byte{resendPkt})
	next, startImmediately, err = m.OnXferDone(resendPkg.Bytes())
	require.NoError(t, err)
	require.True(t, startImmediately)
	require.True(t, isPositiveAck(next), "correct resend must be acked")

	msg, ok := st.PopFirstReady(channel)
	require.True(t, ok)
	require.Equal(t, "part-one:part-two", string(msg.Bytes()))
}

// TestInterleavedChannelsInOnePackageCommitPerChannel exercises a package
// carrying packets for two distinct channels, the first with complete=0 and
// the second with complete=1, and asserts each channel's commit lands
// independently: the unfinalized channel stays pending and the finalized
// one becomes ready, in packet order within the package.
func TestInterleavedChannelsInOnePackageCommitPerChannel(t *testing.T) {
	m, st, _, notifyCount := newTestMachine(t)
	chanSeven := protocol.Channel(7)
	chanEight := protocol.Channel(8)

	fragment := buildPacket(t, chanSeven, false, []byte("unfinished"))
	finalPkt := buildPacket(t, chanEight, true, []byte("done"))
	pkg := buildDataPackage(t, 1, testFrameSize, [][]byte{fragment, finalPkt})

	next, startImmediately, err := m.OnXferDone(pkg.Bytes())
	require.NoError(t, err)
	require.True(t, startImmediately)
	require.True(t, isPositiveAck(next))
	require.Equal(t, 1, *notifyCount, "only channel 8's finalized packet triggers a notify")

	_, pending := st.LastUnfinalizedOf(chanSeven)
	require.True(t, pending, "channel 7's fragment is committed but not finalized")
	_, stillReadySeven := st.PopFirstReady(chanSeven)
	require.False(t, stillReadySeven, "channel 7 must not be ready yet")

	msg, ready := st.PopFirstReady(chanEight)
	require.True(t, ready, "channel 8's packet was final and must be ready")
	require.Equal(t, "done", string(msg.Bytes()))
}

func TestFragmentedMessageAcrossTwoPackagesFinalizesOnSecond(t *testing.T) {
	m, st, _, notifyCount := newTestMachine(t)
	channel := protocol.Channel(1)

	first := buildPacket(t, channel, false, []byte("part-one:"))
	pkg1 := buildDataPackage(t, 1, testFrameSize, [][]byte{first})
	_, _, _ = m.OnXferDone(pkg1.Bytes())
	require.Equal(t, 0, *notifyCount, "unfinalized fragment must not trigger dispatch")

	_, ok := st.LastUnfinalizedOf(channel)
	require.True(t, ok)

	m.stage = DataStage
	second := buildPacket(t, channel, true, []byte("part-two"))
	pkg2 := buildDataPackage(t, 2, testFrameSize, [][]byte{second})
	_, _, _ = m.OnXferDone(pkg2.Bytes())
	require.Equal(t, 1, *notifyCount)

	msg, ok := st.PopFirstReady(channel)
	require.True(t, ok)
	require.Equal(t, "part-one:part-two", string(msg.Bytes()))
}

func TestAckStagePositiveAckAdvancesQueue(t *testing.T) {
	m, _, txq, _ := newTestMachine(t)
	// Posting splits off a fresh tail behind the original (still empty) head,
	// so the first ack only retires that empty head and the real payload is
	// still queued behind it.
	require.NoError(t, txq.AppendMessage(protocol.Channel(1), []byte("posted")))
	require.Equal(t, 2, txq.Len())
	m.stage = AckStage

	headBefore := txq.Head().ID()
	next, startImmediately, err := m.OnXferDone(protocol.BuildAckFrame(testAckSize, true))
	require.NoError(t, err)
	require.Equal(t, DataStage, m.Stage())
	require.NotEqual(t, headBefore, txq.Head().ID())
	require.Equal(t, txq.Head().Bytes(), next)
	require.True(t, startImmediately, "posted payload is still queued behind the retired empty head")
}

func TestAckStagePositiveAckReusesSoleIdleElement(t *testing.T) {
	m, _, txq, _ := newTestMachine(t)
	m.stage = AckStage

	headBefore := txq.Head().ID()
	next, startImmediately, err := m.OnXferDone(protocol.BuildAckFrame(testAckSize, true))
	require.NoError(t, err)
	require.Equal(t, DataStage, m.Stage())
	require.NotEqual(t, headBefore, txq.Head().ID())
	require.Equal(t, txq.Head().Bytes(), next)
	require.False(t, startImmediately, "sole-element reuse means no more data queued")
}

func TestAckStageNackTriggersImmediateResend(t *testing.T) {
	m, _, txq, _ := newTestMachine(t)
	m.stage = AckStage

	headBefore := txq.Head().ID()
	next, startImmediately, err := m.OnXferDone(protocol.BuildAckFrame(testAckSize, false))
	require.NoError(t, err)
	require.Equal(t, DataStage, m.Stage())
	require.True(t, startImmediately)
	require.Equal(t, headBefore, txq.Head().ID(), "nack must not advance the queue")
	require.Equal(t, txq.Head().Bytes(), next)
}

func TestOnXferFailedNacksAndMovesToAckStage(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	next := m.OnXferFailed([]byte{0}, assert.AnError)
	require.Equal(t, AckStage, m.Stage())
	require.False(t, isPositiveAck(next))
}

func TestRequestStopReturnsErrStopInsteadOfAdvancing(t *testing.T) {
	m, _, txq, _ := newTestMachine(t)
	headBefore := txq.Head().ID()

	m.RequestStop()
	next, startImmediately, err := m.OnXferDone(protocol.BuildAckFrame(testAckSize, true))
	require.ErrorIs(t, err, transport.ErrStop)
	require.Nil(t, next)
	require.False(t, startImmediately)
	require.Equal(t, headBefore, txq.Head().ID(), "a stopped machine must not advance the queue")
}

func isPositiveAck(frame []byte) bool {
	return len(frame) > 0 && frame[0] == protocol.PackageAckValue
}
