package generate

import "sync"

const dedupStripes = 64

type dedupStripe struct {
	mu     sync.Mutex
	counts map[uint64]uint32
}

// DedupTracker counts how often each position fingerprint has been accepted
// over the whole run. Entries are never removed.
type DedupTracker struct {
	stripes [dedupStripes]dedupStripe
}

// NewDedupTracker creates an empty tracker.
func NewDedupTracker() *DedupTracker {
	d := &DedupTracker{}
	for i := range d.stripes {
		d.stripes[i].counts = make(map[uint64]uint32)
	}
	return d
}

func (d *DedupTracker) stripe(fp uint64) *dedupStripe {
	// Fingerprints are hashes; the top bits are as good as any.
	return &d.stripes[fp>>58]
}

// Admit accepts fp unless its count relative to the positions written from
// the current file exceeds maxFraction. An accepted fingerprint's count is
// incremented in the same critical section.
func (d *DedupTracker) Admit(fp uint64, writtenThisFile int64, maxFraction float64) bool {
	denom := writtenThisFile
	if denom < 1 {
		denom = 1
	}
	s := d.stripe(fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counts[fp]
	if float64(c)/float64(denom) > maxFraction {
		return false
	}
	s.counts[fp] = c + 1
	return true
}

// Count returns how often fp has been admitted.
func (d *DedupTracker) Count(fp uint64) uint32 {
	s := d.stripe(fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[fp]
}

// Len returns the number of distinct fingerprints admitted.
func (d *DedupTracker) Len() int {
	n := 0
	for i := range d.stripes {
		s := &d.stripes[i]
		s.mu.Lock()
		n += len(s.counts)
		s.mu.Unlock()
	}
	return n
}
