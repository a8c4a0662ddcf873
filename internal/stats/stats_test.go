package stats

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeWriter struct{ written, rejected int64 }

func (f fakeWriter) NumPositionsWritten() int64                 { return f.written }
func (f fakeWriter) NumPositionsRejectedByPostprocessor() int64 { return f.rejected }

func fixedClock(s *Stats, elapsed time.Duration) {
	start := time.Unix(1000, 0)
	s.start = start
	s.now = func() time.Time { return start.Add(elapsed) }
}

func TestConcurrentAdds(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Inc(Scanned)
				s.Add(Written, 4)
			}
		}()
	}
	wg.Wait()
	if got := s.Get(Scanned); got != 8000 {
		t.Errorf("Scanned = %d, want 8000", got)
	}
	if got := s.Get(Written); got != 32000 {
		t.Errorf("Written = %d, want 32000", got)
	}
}

func TestCounterNames(t *testing.T) {
	seen := make(map[string]bool)
	for c := Counter(0); c < NumCounters; c++ {
		name := c.String()
		if name == "" || seen[name] {
			t.Errorf("counter %d has empty or duplicate name %q", int(c), name)
		}
		seen[name] = true
	}
}

func TestStatusAndSummaryLines(t *testing.T) {
	s := New()
	fixedClock(s, 2*time.Second)
	s.AttachWriter(fakeWriter{written: 9, rejected: 1})
	s.Add(Written, 10)
	s.Add(SkippedDuplicate, 3)

	status := s.StatusLine()
	if !strings.HasPrefix(status, "STATUS\t") {
		t.Errorf("StatusLine() = %q, want STATUS prefix", status)
	}
	for _, kv := range []string{"written=10", "skipped_duplicate=3", "writer_rejected=1", "pos_per_sec=5.0"} {
		if !strings.Contains(status, "\t"+kv) {
			t.Errorf("StatusLine() missing %q: %q", kv, status)
		}
	}
	summary := s.SummaryLine()
	if !strings.HasPrefix(summary, "SUMMARY\t") {
		t.Errorf("SummaryLine() = %q, want SUMMARY prefix", summary)
	}
	if strings.TrimPrefix(summary, "SUMMARY") != strings.TrimPrefix(status, "STATUS") {
		t.Error("summary and status fields differ for the same counters")
	}
}

func TestShouldEmit(t *testing.T) {
	s := New()
	if !s.ShouldEmit(true) {
		t.Error("ShouldEmit(target) = false")
	}
	if s.ShouldEmit(false) {
		t.Error("ShouldEmit(no target) = true with nothing written")
	}
	s.Add(Written, EmitEvery-1)
	if s.ShouldEmit(false) {
		t.Error("ShouldEmit fired below threshold")
	}
	s.Add(Written, 1)
	if !s.ShouldEmit(false) {
		t.Error("ShouldEmit did not fire at threshold")
	}
	if s.ShouldEmit(false) {
		t.Error("ShouldEmit fired twice for one threshold")
	}
	s.Add(Written, EmitEvery)
	if !s.ShouldEmit(false) {
		t.Error("ShouldEmit did not fire at second threshold")
	}
}

func TestSnapshotRates(t *testing.T) {
	s := New()
	fixedClock(s, 0)
	if got := s.Snapshot().PositionsPerSec(); got != 0 {
		t.Errorf("PositionsPerSec() at t=0 = %v, want 0", got)
	}
	s.Add(SkippedModulus, 1)
	s.Add(SkippedPlyFloor, 2)
	s.Add(SkippedFocus, 3)
	s.Add(SkippedDuplicate, 4)
	s.Add(SkippedFilter, 5)
	if got := s.Snapshot().Skipped(); got != 15 {
		t.Errorf("Skipped() = %d, want 15", got)
	}
}

func TestRegister(t *testing.T) {
	s := New()
	s.AttachWriter(fakeWriter{written: 7})
	s.Add(Games, 3)

	reg := prometheus.NewRegistry()
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				got[mf.GetName()] = c.GetValue()
			}
		}
	}
	if got["traingen_games_total"] != 3 {
		t.Errorf("traingen_games_total = %v, want 3", got["traingen_games_total"])
	}
	if got["traingen_writer_written_total"] != 7 {
		t.Errorf("traingen_writer_written_total = %v, want 7", got["traingen_writer_written_total"])
	}
	if len(got) != int(NumCounters)+2 {
		t.Errorf("gathered %d counters, want %d", len(got), int(NumCounters)+2)
	}

	if err := s.Register(reg); err == nil {
		t.Error("second Register = nil error")
	}
}
