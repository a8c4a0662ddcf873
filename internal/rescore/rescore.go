// Package rescore derives training targets for every position of a game:
// outcome correction after blunders, tablebase truth substitution and
// forward-looking value statistics.
package rescore

import (
	"github.com/freeeve/chessgraph/traingen/internal/archive"
	"github.com/freeeve/chessgraph/traingen/internal/tablebase"
)

// TargetSource tags where a position's result target came from.
type TargetSource uint8

const (
	SourceGame TargetSource = iota
	SourceDeblunder
	SourceTablebase
)

func (s TargetSource) String() string {
	switch s {
	case SourceDeblunder:
		return "deblunder"
	case SourceTablebase:
		return "tablebase"
	default:
		return "game"
	}
}

// Target is the rescored output for one ply. All values are from the
// perspective of the side to move at that ply.
type Target struct {
	ResultWDL  [3]float32 // rescored outcome
	BestWDL    [3]float32 // search W/D/L at this ply
	BestQ      float32
	MinQDev    float32 // how far Q drops over the next plies (>= 0)
	MaxQDev    float32 // how far Q rises over the next plies (>= 0)
	BlunderPos float32 // value given away by the opponent from here on
	BlunderNeg float32 // value given away by the side to move from here on
	Source     TargetSource
	// RejectFocus marks positions the focus filter considers uninformative.
	RejectFocus bool
	TBLookup    bool
	TBFound     bool
	TBRescored  bool
}

// Counters are per-game counts folded into the run statistics.
type Counters struct {
	TBLookups          int64
	TBHits             int64
	TBRescored         int64
	UnintendedBlunders int64
	NoiseBlunders      int64
}

// Rescorer is the per-game rescoring contract. One instance is owned by a
// single worker and reused across games.
type Rescorer interface {
	SetGame(g *archive.Replayed)
	ComputeRescoring(oracle tablebase.Oracle)
	ComputeTrainingTargets(deblunder, tablebase, focus bool)
	Target(ply int) Target
	Counters() Counters
}

// Config holds the analyzer thresholds.
type Config struct {
	BlunderThreshold    float32 // Q loss that marks a played move as a blunder (default 0.15)
	UnintendedDrop      float32 // eval drop after a best move that marks an unintended blunder (default 0.30)
	DeviationWindow     int     // plies scanned for forward Q deviation (default 8)
	FocusMinAbsQ        float32 // focus rejects decided positions with |Q| above this (default 0.95)
	FocusMaxUncertainty float32 // ...and uncertainty below this (default 0.02)
	TablebaseMaxPieces  int     // oracle is only consulted at or below this piece count (default 7)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BlunderThreshold == 0 {
		out.BlunderThreshold = 0.15
	}
	if out.UnintendedDrop == 0 {
		out.UnintendedDrop = 0.30
	}
	if out.DeviationWindow == 0 {
		out.DeviationWindow = 8
	}
	if out.FocusMinAbsQ == 0 {
		out.FocusMinAbsQ = 0.95
	}
	if out.FocusMaxUncertainty == 0 {
		out.FocusMaxUncertainty = 0.02
	}
	if out.TablebaseMaxPieces == 0 {
		out.TablebaseMaxPieces = 7
	}
	return out
}

// Analyzer is the default Rescorer.
type Analyzer struct {
	cfg Config

	game     *archive.Replayed
	tbResult []tablebase.Result // white-relative
	tbFound  []bool
	tbLooked []bool
	blunder  []bool
	targets  []Target
	counters Counters
}

var _ Rescorer = (*Analyzer)(nil)

// NewAnalyzer creates an analyzer with cfg's thresholds.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg.withDefaults()}
}

// SetGame resets the analyzer for g, reusing scratch buffers.
func (a *Analyzer) SetGame(g *archive.Replayed) {
	n := g.Len()
	a.game = g
	a.counters = Counters{}
	a.tbResult = resize(a.tbResult, n)
	a.tbFound = resize(a.tbFound, n)
	a.tbLooked = resize(a.tbLooked, n)
	a.blunder = resize(a.blunder, n)
	a.targets = resize(a.targets, n)
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	s = s[:n]
	var zero T
	for i := range s {
		s[i] = zero
	}
	return s
}

// ComputeRescoring consults the oracle and classifies blunders. A nil
// oracle skips tablebase lookups.
func (a *Analyzer) ComputeRescoring(oracle tablebase.Oracle) {
	pos := a.game.Positions
	for i := range pos {
		rec := pos[i].Record

		if oracle != nil && pos[i].Pieces <= a.cfg.TablebaseMaxPieces {
			a.tbLooked[i] = true
			a.counters.TBLookups++
			if r, ok := oracle.Lookup(pos[i]); ok {
				if !pos[i].WhiteToMove {
					r = r.Flip()
				}
				a.tbResult[i] = r
				a.tbFound[i] = true
				a.counters.TBHits++
			}
		}

		sub := rec.Suboptimality()
		if sub > a.cfg.BlunderThreshold {
			a.blunder[i] = true
			if !rec.PlayedBest() {
				a.counters.NoiseBlunders++
			}
		}
		if rec.PlayedBest() && i+1 < len(pos) {
			// The next ply is scored by the opponent; negate to compare.
			drop := rec.Q + pos[i+1].Record.Q
			if drop > a.cfg.UnintendedDrop {
				a.counters.UnintendedBlunders++
			}
		}
	}
}

// ComputeTrainingTargets fills the per-ply targets. Must follow ComputeRescoring.
func (a *Analyzer) ComputeTrainingTargets(deblunder, useTablebase, focus bool) {
	pos := a.game.Positions
	n := len(pos)
	gameWhite := gameResultWhite(a.game.Game.Result)

	// Walk backward so corrections propagate to earlier plies.
	cur := gameWhite.WDL()
	src := SourceGame
	for i := n - 1; i >= 0; i-- {
		rec := pos[i].Record
		t := &a.targets[i]
		t.TBLookup = a.tbLooked[i]
		t.TBFound = a.tbFound[i]

		switch {
		case useTablebase && a.tbFound[i]:
			cur = a.tbResult[i].WDL()
			src = SourceTablebase
			if a.tbResult[i] != gameWhite {
				t.TBRescored = true
				a.counters.TBRescored++
			}
		case deblunder && a.blunder[i]:
			cur = toWhite(normalizeWDL(rec.W, rec.D, rec.L), pos[i].WhiteToMove)
			src = SourceDeblunder
		}
		t.ResultWDL = toWhite(cur, pos[i].WhiteToMove)
		t.Source = src
		t.BestWDL = normalizeWDL(rec.W, rec.D, rec.L)
		t.BestQ = ClampQ(rec.BestQ)
	}

	a.computeDeviations()
	a.computeBlunderSums()

	for i := range pos {
		t := &a.targets[i]
		rec := pos[i].Record
		t.RejectFocus = focus && !a.tbFound[i] &&
			abs32(rec.Q) > a.cfg.FocusMinAbsQ &&
			rec.Uncertainty < a.cfg.FocusMaxUncertainty
	}
}

func (a *Analyzer) computeDeviations() {
	pos := a.game.Positions
	for i := range pos {
		qi := pos[i].Record.Q
		var up, down float32
		end := i + a.cfg.DeviationWindow
		if end >= len(pos) {
			end = len(pos) - 1
		}
		for j := i + 1; j <= end; j++ {
			qj := pos[j].Record.Q
			if pos[j].WhiteToMove != pos[i].WhiteToMove {
				qj = -qj
			}
			d := qj - qi
			if d > up {
				up = d
			}
			if -d > down {
				down = -d
			}
		}
		t := &a.targets[i]
		t.MinQDev, t.MaxQDev = ClampDeviation(t.BestQ, down, up)
	}
}

func (a *Analyzer) computeBlunderSums() {
	pos := a.game.Positions
	// Suffix sums per side, white-to-move plies and black-to-move plies.
	var sumWhite, sumBlack float32
	for i := len(pos) - 1; i >= 0; i-- {
		sub := pos[i].Record.Suboptimality()
		if pos[i].WhiteToMove {
			sumWhite += sub
		} else {
			sumBlack += sub
		}
		t := &a.targets[i]
		if pos[i].WhiteToMove {
			t.BlunderNeg, t.BlunderPos = sumWhite, sumBlack
		} else {
			t.BlunderNeg, t.BlunderPos = sumBlack, sumWhite
		}
	}
}

// Target returns the rescored target of a ply.
func (a *Analyzer) Target(ply int) Target {
	return a.targets[ply]
}

// Counters returns the counts for the current game.
func (a *Analyzer) Counters() Counters {
	return a.counters
}

// ClampDeviation limits deviations so that q-minDev >= -1 and q+maxDev <= 1.
func ClampDeviation(q, minDev, maxDev float32) (float32, float32) {
	if minDev < 0 {
		minDev = 0
	}
	if maxDev < 0 {
		maxDev = 0
	}
	if q-minDev < -1 {
		minDev = q + 1
	}
	if q+maxDev > 1 {
		maxDev = 1 - q
	}
	return minDev, maxDev
}

func gameResultWhite(result string) tablebase.Result {
	switch result {
	case archive.ResultWhiteWin:
		return tablebase.Win
	case archive.ResultBlackWin:
		return tablebase.Loss
	default:
		return tablebase.Draw
	}
}

// toWhite swaps W and L when black is to move. It is its own inverse, so it
// also converts white-relative values to the mover's perspective.
func toWhite(wdl [3]float32, whiteToMove bool) [3]float32 {
	if whiteToMove {
		return wdl
	}
	return [3]float32{wdl[2], wdl[1], wdl[0]}
}

func normalizeWDL(w, d, l float32) [3]float32 {
	if w < 0 {
		w = 0
	}
	if d < 0 {
		d = 0
	}
	if l < 0 {
		l = 0
	}
	sum := w + d + l
	if sum <= 0 {
		return [3]float32{0, 1, 0}
	}
	return [3]float32{w / sum, d / sum, l / sum}
}

// ClampQ limits q to [-1, 1].
func ClampQ(q float32) float32 {
	if q > 1 {
		return 1
	}
	if q < -1 {
		return -1
	}
	return q
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
