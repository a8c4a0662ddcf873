package tablebase

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/freeeve/pgn/v3"
	"github.com/freeeve/uci"
	"github.com/rs/zerolog"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
)

// EngineConfig configures an EngineOracle.
type EngineConfig struct {
	Path      string
	Depth     int // search depth (default 20)
	HashMB    int // engine hash (default 64)
	Threads   int // engine threads (default 1)
	MaxPieces int // only positions with at most this many pieces are searched (default 7)
	Logger    zerolog.Logger
}

// EngineOracle treats a forced mate found by a UCI engine as an exact result.
// Positions without a mate score are reported unknown. Results are cached,
// and the engine is shared behind a mutex.
type EngineOracle struct {
	cfg EngineConfig
	log zerolog.Logger

	mu     sync.Mutex
	engine *uci.Engine
	cache  map[pgn.PackedPosition]engineEntry

	searches int64
	mates    int64
}

type engineEntry struct {
	r  Result
	ok bool
}

// NewEngineOracle starts the engine.
func NewEngineOracle(cfg EngineConfig) (*EngineOracle, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("engine path required")
	}
	if cfg.Depth == 0 {
		cfg.Depth = 20
	}
	if cfg.HashMB == 0 {
		cfg.HashMB = 64
	}
	if cfg.Threads == 0 {
		cfg.Threads = 1
	}
	if cfg.MaxPieces == 0 {
		cfg.MaxPieces = 7
	}

	engine, err := uci.NewEngine(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	opts := uci.Options{
		Hash:    cfg.HashMB,
		Threads: cfg.Threads,
		MultiPV: 1,
		Ponder:  false,
		OwnBook: false,
	}
	if err := engine.SetOptions(opts); err != nil {
		engine.Close()
		return nil, fmt.Errorf("set options: %w", err)
	}

	cfg.Logger.Info().
		Str("engine", cfg.Path).
		Int("depth", cfg.Depth).
		Int("max_pieces", cfg.MaxPieces).
		Msg("tablebase engine started")

	return &EngineOracle{
		cfg:    cfg,
		log:    cfg.Logger,
		engine: engine,
		cache:  make(map[pgn.PackedPosition]engineEntry),
	}, nil
}

// Lookup implements Oracle.
func (o *EngineOracle) Lookup(pos archive.Position) (Result, bool) {
	if pos.Pieces > o.cfg.MaxPieces || pos.FEN == "" {
		return Draw, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.cache[pos.Packed]; ok {
		return e.r, e.ok
	}
	r, ok, err := o.search(pos.FEN)
	if err != nil {
		o.log.Warn().Err(err).Str("fen", pos.FEN).Msg("tablebase engine search failed")
		return Draw, false
	}
	o.cache[pos.Packed] = engineEntry{r: r, ok: ok}
	return r, ok
}

func (o *EngineOracle) search(fen string) (Result, bool, error) {
	if err := o.engine.SetFEN(fen); err != nil {
		return Draw, false, fmt.Errorf("set FEN: %w", err)
	}
	results, err := o.engine.GoDepth(o.cfg.Depth, uci.HighestDepthOnly)
	if err != nil {
		return Draw, false, fmt.Errorf("engine search: %w", err)
	}
	atomic.AddInt64(&o.searches, 1)
	if len(results.Results) == 0 {
		return Draw, false, fmt.Errorf("no results from engine")
	}

	best := results.Results[0]
	for _, r := range results.Results {
		if r.Depth > best.Depth {
			best = r
		}
	}
	if !best.Mate {
		return Draw, false, nil
	}
	atomic.AddInt64(&o.mates, 1)
	// Scores are from the side to move; mate 0 means the side to move is mated.
	if best.Score > 0 {
		return Win, true, nil
	}
	return Loss, true, nil
}

// Stats returns the number of engine searches and mates found.
func (o *EngineOracle) Stats() (searches, mates int64) {
	return atomic.LoadInt64(&o.searches), atomic.LoadInt64(&o.mates)
}

// Close stops the engine.
func (o *EngineOracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.engine.Close()
	return nil
}
