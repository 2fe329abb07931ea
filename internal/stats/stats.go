// Package stats implements the ICCom engine's introspection surface: a set
// of best-effort counters plus a point-in-time snapshot renderer.
// Counters use sync/atomic rather than a mutex, since they are updated from
// the frame state machine's hot path and must never add synchronization
// cost there.
package stats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"text/tabwriter"
)

// Counters accumulates the engine's lifetime statistics. The zero value is
// ready to use.
type Counters struct {
	TransportXfers        atomic.Uint64
	TransportBytes        atomic.Uint64
	PackagesXfered        atomic.Uint64
	PackagesOK            atomic.Uint64
	PackagesFailed        atomic.Uint64
	PackagesDuplicated    atomic.Uint64
	PackagesBad           atomic.Uint64
	PackagesParseFailed   atomic.Uint64
	PacketsReceivedOK     atomic.Uint64
	MessagesReceivedOK    atomic.Uint64
	ConsumerBytesReceived atomic.Uint64
}

// Snapshot is an immutable point-in-time copy of Counters plus the two
// dynamic gauges (queue depth, ready messages) that live outside Counters.
type Snapshot struct {
	TransportXfers        uint64
	TransportBytes        uint64
	PackagesXfered        uint64
	PackagesOK            uint64
	PackagesFailed        uint64
	PackagesDuplicated    uint64
	PackagesBad           uint64
	PackagesParseFailed   uint64
	TXQueueDepth          int
	PacketsReceivedOK     uint64
	MessagesReceivedOK    uint64
	MessagesReady         int
	ConsumerBytesReceived uint64
}

// Snapshot copies the current counters and merges in the two live gauges.
func (c *Counters) Snapshot(txQueueDepth, messagesReady int) Snapshot {
	return Snapshot{
		TransportXfers:        c.TransportXfers.Load(),
		TransportBytes:        c.TransportBytes.Load(),
		PackagesXfered:        c.PackagesXfered.Load(),
		PackagesOK:            c.PackagesOK.Load(),
		PackagesFailed:        c.PackagesFailed.Load(),
		PackagesDuplicated:    c.PackagesDuplicated.Load(),
		PackagesBad:           c.PackagesBad.Load(),
		PackagesParseFailed:   c.PackagesParseFailed.Load(),
		TXQueueDepth:          txQueueDepth,
		PacketsReceivedOK:     c.PacketsReceivedOK.Load(),
		MessagesReceivedOK:    c.MessagesReceivedOK.Load(),
		MessagesReady:         messagesReady,
		ConsumerBytesReceived: c.ConsumerBytesReceived.Load(),
	}
}

// String renders the snapshot as an aligned text table, the same shape the
// original driver's procfs statistics file produced.
func (s Snapshot) String() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	rows := []struct {
		name  string
		value uint64
	}{
		{"transport xfers", s.TransportXfers},
		{"transport bytes", s.TransportBytes},
		{"packages xfered", s.PackagesXfered},
		{"packages ok", s.PackagesOK},
		{"packages failed", s.PackagesFailed},
		{"packages duplicated", s.PackagesDuplicated},
		{"packages bad", s.PackagesBad},
		{"packages parse-failed", s.PackagesParseFailed},
		{"packets received ok", s.PacketsReceivedOK},
		{"messages received ok", s.MessagesReceivedOK},
		{"consumer bytes received", s.ConsumerBytesReceived},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s:\t%d\n", r.name, r.value)
	}
	fmt.Fprintf(w, "tx queue depth:\t%d\n", s.TXQueueDepth)
	fmt.Fprintf(w, "messages ready:\t%d\n", s.MessagesReady)
	w.Flush()
	return b.String()
}
