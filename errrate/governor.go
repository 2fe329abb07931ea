// Package errrate implements the ICCom error-rate governor: an
// integer-only exponentially-weighted rate estimator per error kind that
// throttles log reporting so a burst of legitimate line errors cannot
// flood the log while a sustained fault still gets reported promptly.
package errrate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity classifies a reported event once its instantaneous rate is known.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type record struct {
	message            string
	thresholdPerSec    uint64
	totalCount         uint64
	unreportedCount    uint64
	lastReportMS       int64
	lastOccurrenceMS   int64
	expAvgIntervalMS   uint64
	haveLastReport     bool
	haveLastOccurrence bool
	lastError          error
}

// Governor tracks one rate-limited record per error kind. All fields are
// protected by a single mutex; events are expected to be infrequent relative
// to the protocol's hot data path, so lock contention here is not a concern.
type Governor struct {
	mu sync.Mutex

	minReportInterval time.Duration
	decayHalfLife     time.Duration
	decayFloorPercent uint64
	records           map[string]*record

	now    func() time.Time
	logger *zerolog.Logger
}

// Option configures a Governor at construction.
type Option func(*Governor)

// WithClock overrides the governor's time source. Used by tests to drive the
// EWMA deterministically instead of against wall-clock time.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a governor with the given tuning parameters, mirroring the
// original driver's ICCOM_MIN_ERR_REPORT_INTERVAL_MSEC /
// ICCOM_ERR_RATE_DECAY_RATE_MSEC_PER_HALF / ICCOM_ERR_RATE_DECAY_RATE_MIN.
func New(minReportInterval, decayHalfLife time.Duration, decayFloorPercent uint, logger *zerolog.Logger, opts ...Option) *Governor {
	g := &Governor{
		minReportInterval: minReportInterval,
		decayHalfLife:     decayHalfLife,
		decayFloorPercent: uint64(decayFloorPercent),
		records:           make(map[string]*record),
		now:               time.Now,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register declares an error kind with its per-second report threshold and
// human-readable message, ahead of any Report calls for it. Calling Register
// twice for the same kind resets its history.
func (g *Governor) Register(kind string, thresholdPerSec uint, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[kind] = &record{message: message, thresholdPerSec: uint64(thresholdPerSec)}
}

func (g *Governor) log() *zerolog.Logger {
	if g.logger != nil {
		return g.logger
	}
	nop := zerolog.Nop()
	return &nop
}

func absDiff(a, b int64) int64 {
	if a >= b {
		return a - b
	}
	return b - a
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Report records one occurrence of kind and returns whether it should be
// logged now, and at what severity. An unregistered kind is tracked and
// reported, throttled like any other kind, but never at more than warning
// severity, rather than silently dropped. cause, if
// non-nil, is the classifying sentinel error for this occurrence (e.g.
// protocol.ErrProtocolFault); it is attached to the log line when Report
// decides to log, and kept as the record's LastError so a caller inspecting
// Snapshots can classify the kind's most recent occurrence with errors.Is.
//
// Ported arithmetic (original_source driver/iccom.c
// __iccom_error_report): the inter-arrival interval is tracked as an
// exponentially-weighted average whose decay percentage grows with the time
// elapsed since the last occurrence (floored so a burst of near-simultaneous
// events still decays a little). Report is gated on either the minimum
// interval having elapsed, or the rate having just crossed the threshold
// upward.
func (g *Governor) Report(kind string, cause error) (bool, Severity) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[kind]
	if !ok {
		// An unreachable threshold: the rate never escalates it to error.
		rec = &record{thresholdPerSec: ^uint64(0)}
		g.records[kind] = rec
	}

	nowMS := g.now().UnixMilli()
	rec.totalCount++
	if cause != nil {
		rec.lastError = cause
	}

	var sinceLastReport, sinceLastOccurrence int64
	if rec.haveLastReport {
		sinceLastReport = absDiff(nowMS, rec.lastReportMS)
	} else {
		sinceLastReport = g.minReportInterval.Milliseconds() + 1
	}
	if rec.haveLastOccurrence {
		sinceLastOccurrence = absDiff(nowMS, rec.lastOccurrenceMS)
	} else {
		sinceLastOccurrence = g.decayHalfLife.Milliseconds() * 2
	}
	rec.lastOccurrenceMS = nowMS
	rec.haveLastOccurrence = true

	halfLifeMS := uint64(g.decayHalfLife.Milliseconds())
	if halfLifeMS == 0 {
		halfLifeMS = 1
	}
	decayPercent := clamp((50*uint64(sinceLastOccurrence))/halfLifeMS, g.decayFloorPercent, 100)

	prevRate := 1000 / maxU64(rec.expAvgIntervalMS, 1)
	rec.expAvgIntervalMS = maxU64(((100-decayPercent)*rec.expAvgIntervalMS+decayPercent*uint64(sinceLastOccurrence))/100, 1)
	rate := 1000 / rec.expAvgIntervalMS

	crossedUpward := prevRate < rec.thresholdPerSec && rate >= rec.thresholdPerSec
	if sinceLastReport < g.minReportInterval.Milliseconds() && !crossedUpward {
		rec.unreportedCount++
		return false, ""
	}

	rec.lastReportMS = nowMS
	rec.haveLastReport = true

	severity := SeverityWarning
	if rate >= rec.thresholdPerSec {
		severity = SeverityError
	}

	ev := g.log().Warn()
	if severity == SeverityError {
		ev = g.log().Error()
	}
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Str("kind", kind).
		Uint64("rate_per_sec", rate).
		Uint64("threshold_per_sec", rec.thresholdPerSec).
		Uint64("unreported_since_last", rec.unreportedCount).
		Msg(rec.message)

	rec.unreportedCount = 0
	return true, severity
}

// Snapshot is a point-in-time, best-effort copy of one kind's counters.
// LastError is the cause passed to the most recent Report call for this
// kind, if any, and can be tested with errors.Is against the sentinels in
// protocol/errors.go.
type Snapshot struct {
	Kind            string
	TotalCount      uint64
	UnreportedCount uint64
	RatePerSec      uint64
	LastError       error
}

// Snapshots returns a copy of every registered kind's current counters.
func (g *Governor) Snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Snapshot, 0, len(g.records))
	for kind, rec := range g.records {
		rate := uint64(0)
		if rec.expAvgIntervalMS > 0 {
			rate = 1000 / rec.expAvgIntervalMS
		}
		out = append(out, Snapshot{
			Kind:            kind,
			TotalCount:      rec.totalCount,
			UnreportedCount: rec.unreportedCount,
			RatePerSec:      rate,
			LastError:       rec.lastError,
		})
	}
	return out
}
