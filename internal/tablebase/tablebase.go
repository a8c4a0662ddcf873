// Package tablebase provides oracles that return exact game outcomes for
// positions simple enough to have been solved.
package tablebase

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
)

// ErrTablebaseDirRequired is returned when tablebase rescoring is requested
// without a tablebase directory.
var ErrTablebaseDirRequired = errors.New("tablebase rescoring requested but no tablebase directory configured")

// Result is an exact outcome from the side to move's perspective.
type Result int8

const (
	Loss Result = -1
	Draw Result = 0
	Win  Result = 1
)

// WDL returns the one-hot win/draw/loss vector of r.
func (r Result) WDL() [3]float32 {
	switch r {
	case Win:
		return [3]float32{1, 0, 0}
	case Loss:
		return [3]float32{0, 0, 1}
	default:
		return [3]float32{0, 1, 0}
	}
}

// Flip returns the result seen by the other side.
func (r Result) Flip() Result {
	return -r
}

func (r Result) String() string {
	switch r {
	case Win:
		return "win"
	case Loss:
		return "loss"
	default:
		return "draw"
	}
}

// Oracle looks up exact outcomes. ok is false when the outcome is unknown.
// Implementations must be safe for concurrent use.
type Oracle interface {
	Lookup(pos archive.Position) (r Result, ok bool)
}

// Chain consults oracles in order and returns the first exact result.
type Chain []Oracle

func (c Chain) Lookup(pos archive.Position) (Result, bool) {
	for _, o := range c {
		if r, ok := o.Lookup(pos); ok {
			return r, true
		}
	}
	return Draw, false
}

// Config configures Open.
type Config struct {
	Dir        string // directory of DTM eval logs
	EnginePath string // optional UCI engine used for positions the logs miss
	MaxPieces  int    // largest piece count considered solvable (default 7)
	Depth      int    // engine search depth (default 20)
	Logger     zerolog.Logger
}

// Open builds the oracle chain for a run.
func Open(cfg Config) (Oracle, func() error, error) {
	if cfg.Dir == "" {
		return nil, nil, ErrTablebaseDirRequired
	}
	if cfg.MaxPieces == 0 {
		cfg.MaxPieces = 7
	}
	if st, err := os.Stat(cfg.Dir); err != nil {
		return nil, nil, fmt.Errorf("tablebase dir: %w", err)
	} else if !st.IsDir() {
		return nil, nil, fmt.Errorf("tablebase dir %s is not a directory", cfg.Dir)
	}

	dtm := NewDTMOracle(cfg.MaxPieces)
	n, err := dtm.LoadDir(cfg.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("load eval logs: %w", err)
	}
	cfg.Logger.Info().Str("dir", cfg.Dir).Int("positions", n).Int("max_pieces", cfg.MaxPieces).Msg("loaded tablebase eval logs")

	chain := Chain{dtm}
	closeFn := func() error { return nil }
	if cfg.EnginePath != "" {
		eng, err := NewEngineOracle(EngineConfig{
			Path:      cfg.EnginePath,
			Depth:     cfg.Depth,
			MaxPieces: cfg.MaxPieces,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, eng)
		closeFn = eng.Close
	}
	return chain, closeFn, nil
}
