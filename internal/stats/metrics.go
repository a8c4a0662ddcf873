package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Register exports every counter to reg as a counter func read at scrape
// time, plus the writer-side counts when a writer is attached.
func (s *Stats) Register(reg prometheus.Registerer) error {
	for c := Counter(0); c < NumCounters; c++ {
		c := c
		cf := prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "traingen",
				Name:      c.String() + "_total",
				Help:      "Run counter " + c.String(),
			},
			func() float64 { return float64(s.Get(c)) },
		)
		if err := reg.Register(cf); err != nil {
			return err
		}
	}

	rate := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "traingen",
			Name:      "positions_per_second",
			Help:      "Positions written per second since the run started",
		},
		func() float64 { return s.Snapshot().PositionsPerSec() },
	)
	if err := reg.Register(rate); err != nil {
		return err
	}

	if s.writer == nil {
		return nil
	}
	w := s.writer
	return registerAll(reg,
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "traingen",
				Subsystem: "writer",
				Name:      "written_total",
				Help:      "Positions accepted by the shard writer",
			},
			func() float64 { return float64(w.NumPositionsWritten()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "traingen",
				Subsystem: "writer",
				Name:      "rejected_total",
				Help:      "Positions vetoed by the postprocessor",
			},
			func() float64 { return float64(w.NumPositionsRejectedByPostprocessor()) },
		),
	)
}

func registerAll(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
