package generate

import (
	"math/rand"
	"time"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
	"github.com/freeeve/chessgraph/traingen/internal/rescore"
	"github.com/freeeve/chessgraph/traingen/internal/stats"
)

// reseedEvery is how many accepted positions share one skip modulus.
const reseedEvery = 500

// PositionFilter is a user predicate over candidate positions. Returning
// false rejects the position.
type PositionFilter func(pos archive.Position) bool

// sampler decides which scanned positions are written. One sampler belongs
// to one worker; its stride state is reset for every file.
type sampler struct {
	skipCount   int
	minPly      int
	maxFraction float64
	focus       bool

	dedup  *DedupTracker
	filter PositionFilter
	stats  *stats.Stats
	rng    *rand.Rand

	skipModulus     int
	sinceReseed     int
	scanCounter     int64
	exempt          bool // the previous candidate was rejected by a filter
	writtenThisFile int64

	// Per-file progress: positions scanned and positions that matched the
	// stride (or were exempt) and so reached the filter chain.
	scannedThisFile int64
	candidates      int64
}

func newSampler(g *Generator, workerID int) *sampler {
	seed := g.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// Workers draw from distinct streams even with a shared seed.
	seed += int64(workerID) * 7919
	return &sampler{
		skipCount:   g.opts.PositionSkipCount,
		minPly:      g.opts.MinPositionGamePly,
		maxFraction: g.opts.PositionMaxFraction,
		focus:       g.opts.PositionFocus,
		dedup:       g.dedup,
		filter:      g.deps.Filter,
		stats:       g.stats,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// resetFile starts a new file: fresh stride, no exemption, nothing written.
func (s *sampler) resetFile() {
	s.scanCounter = 0
	s.exempt = false
	s.writtenThisFile = 0
	s.scannedThisFile = 0
	s.candidates = 0
	s.reseed()
}

func (s *sampler) reseed() {
	s.skipModulus = s.rng.Intn(s.skipCount)
	s.sinceReseed = 0
}

// accept runs the full acceptance chain for one scanned position: stride,
// ply floor, position focus, dedup and the user filter.
func (s *sampler) accept(pos archive.Position, tgt rescore.Target) bool {
	s.stats.Inc(stats.Scanned)
	match := s.scanCounter%int64(s.skipCount) == int64(s.skipModulus)
	s.scanCounter++
	s.scannedThisFile++
	if !match && !s.exempt {
		s.stats.Inc(stats.SkippedModulus)
		return false
	}
	s.candidates++

	var reject stats.Counter = -1
	switch {
	case pos.Ply < s.minPly:
		reject = stats.SkippedPlyFloor
	case s.focus && tgt.RejectFocus:
		reject = stats.SkippedFocus
	case !s.dedup.Admit(pos.Fingerprint, s.writtenThisFile, s.maxFraction):
		reject = stats.SkippedDuplicate
	case s.filter != nil && !s.filter(pos):
		reject = stats.SkippedFilter
	}
	if reject >= 0 {
		s.stats.Inc(reject)
		s.exempt = true
		return false
	}
	s.exempt = false
	return true
}

// acceptFollower checks a block continuation: ply floor, dedup and the user
// filter, without stride or focus. Rejections are not counted per filter;
// the caller counts the abandoned block.
func (s *sampler) acceptFollower(pos archive.Position) bool {
	if pos.Ply < s.minPly {
		return false
	}
	if !s.dedup.Admit(pos.Fingerprint, s.writtenThisFile, s.maxFraction) {
		return false
	}
	return s.filter == nil || s.filter(pos)
}

// claimed records n positions handed to the writer from this file.
func (s *sampler) claimed(n int) {
	s.writtenThisFile += int64(n)
	s.sinceReseed += n
	if s.sinceReseed >= reseedEvery {
		s.reseed()
	}
}
