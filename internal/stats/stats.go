// Package stats tracks run counters shared by all generator workers.
package stats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Counter names one run counter.
type Counter int

const (
	FilesProcessed Counter = iota
	FileErrors
	Games
	FRCGames
	Scanned
	Written // positions claimed for the writer
	SkippedModulus
	SkippedPlyFloor
	SkippedFocus
	SkippedDuplicate
	SkippedFilter
	BlocksAbandoned
	TBLookups
	TBHits
	TBRescored
	UnintendedBlunders
	NoiseBlunders

	NumCounters
)

var counterNames = [NumCounters]string{
	FilesProcessed:     "files",
	FileErrors:         "file_errors",
	Games:              "games",
	FRCGames:           "frc_games",
	Scanned:            "scanned",
	Written:            "written",
	SkippedModulus:     "skipped_modulus",
	SkippedPlyFloor:    "skipped_ply_floor",
	SkippedFocus:       "skipped_focus",
	SkippedDuplicate:   "skipped_duplicate",
	SkippedFilter:      "skipped_filter",
	BlocksAbandoned:    "blocks_abandoned",
	TBLookups:          "tb_lookups",
	TBHits:             "tb_hits",
	TBRescored:         "tb_rescored",
	UnintendedBlunders: "unintended_blunders",
	NoiseBlunders:      "noise_blunders",
}

func (c Counter) String() string {
	if c < 0 || c >= NumCounters {
		return fmt.Sprintf("counter(%d)", int(c))
	}
	return counterNames[c]
}

// EmitEvery is how many newly written positions trigger a status line when
// no target file is configured.
const EmitEvery = 1_000_000

// WriterCounts is the part of the shard writer the status line reports.
type WriterCounts interface {
	NumPositionsWritten() int64
	NumPositionsRejectedByPostprocessor() int64
}

// Stats holds the run counters.
type Stats struct {
	counters [NumCounters]int64 // atomic
	lastEmit int64              // atomic, Written at the last status line

	start  time.Time
	now    func() time.Time
	writer WriterCounts
}

// New creates zeroed counters with the clock started.
func New() *Stats {
	s := &Stats{now: time.Now}
	s.start = s.now()
	return s
}

// AttachWriter adds writer-side counts to status lines.
func (s *Stats) AttachWriter(w WriterCounts) {
	s.writer = w
}

// Add adds n to c and returns the new value.
func (s *Stats) Add(c Counter, n int64) int64 {
	return atomic.AddInt64(&s.counters[c], n)
}

// Inc adds one to c.
func (s *Stats) Inc(c Counter) {
	atomic.AddInt64(&s.counters[c], 1)
}

// Get returns the current value of c.
func (s *Stats) Get(c Counter) int64 {
	return atomic.LoadInt64(&s.counters[c])
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Values           [NumCounters]int64
	Elapsed          time.Duration
	WriterWritten    int64
	WriterRejected   int64
	HasWriterCounter bool
}

// Get returns the value of c in the snapshot.
func (sn Snapshot) Get(c Counter) int64 {
	return sn.Values[c]
}

// PositionsPerSec is positions written over elapsed wall time.
func (sn Snapshot) PositionsPerSec() float64 {
	secs := sn.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(sn.Values[Written]) / secs
}

// Skipped sums every skip counter.
func (sn Snapshot) Skipped() int64 {
	return sn.Values[SkippedModulus] + sn.Values[SkippedPlyFloor] + sn.Values[SkippedFocus] +
		sn.Values[SkippedDuplicate] + sn.Values[SkippedFilter]
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	var sn Snapshot
	for i := range s.counters {
		sn.Values[i] = atomic.LoadInt64(&s.counters[i])
	}
	sn.Elapsed = s.now().Sub(s.start)
	if s.writer != nil {
		sn.HasWriterCounter = true
		sn.WriterWritten = s.writer.NumPositionsWritten()
		sn.WriterRejected = s.writer.NumPositionsRejectedByPostprocessor()
	}
	return sn
}

// ShouldEmit reports whether a status line is due. With a target file every
// call is due; otherwise a line is due once EmitEvery more positions have
// been written since the last one. Only one concurrent caller wins.
func (s *Stats) ShouldEmit(targetConfigured bool) bool {
	if targetConfigured {
		return true
	}
	written := s.Get(Written)
	last := atomic.LoadInt64(&s.lastEmit)
	if written-last < EmitEvery {
		return false
	}
	return atomic.CompareAndSwapInt64(&s.lastEmit, last, written)
}

// StatusLine formats the periodic status line.
func (s *Stats) StatusLine() string {
	return s.Snapshot().Format("STATUS")
}

// SummaryLine formats the final summary line.
func (s *Stats) SummaryLine() string {
	return s.Snapshot().Format("SUMMARY")
}

// Format renders tab-delimited key=value pairs after prefix. Keys and their
// order are stable.
func (sn Snapshot) Format(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for c := Counter(0); c < NumCounters; c++ {
		fmt.Fprintf(&b, "\t%s=%d", c, sn.Values[c])
	}
	if sn.HasWriterCounter {
		fmt.Fprintf(&b, "\twriter_written=%d\twriter_rejected=%d", sn.WriterWritten, sn.WriterRejected)
	}
	fmt.Fprintf(&b, "\telapsed_s=%.1f\tpos_per_sec=%.1f", sn.Elapsed.Seconds(), sn.PositionsPerSec())
	return b.String()
}
