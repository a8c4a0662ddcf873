package rescore

import (
	"math"
	"testing"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
	"github.com/freeeve/chessgraph/traingen/internal/archive/archivetest"
	"github.com/freeeve/chessgraph/traingen/internal/tablebase"
)

func replay(t *testing.T, g *archive.Game) *archive.Replayed {
	t.Helper()
	r, err := archive.Replay(g)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return r
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func nearWDL(a, b [3]float32) bool {
	return near(a[0], b[0]) && near(a[1], b[1]) && near(a[2], b[2])
}

type plyOracle struct {
	ply int
	r   tablebase.Result
}

func (o plyOracle) Lookup(pos archive.Position) (tablebase.Result, bool) {
	if pos.Ply == o.ply {
		return o.r, true
	}
	return tablebase.Draw, false
}

func run(a *Analyzer, g *archive.Replayed, oracle tablebase.Oracle, deblunder, tb, focus bool) {
	a.SetGame(g)
	a.ComputeRescoring(oracle)
	a.ComputeTrainingTargets(deblunder, tb, focus)
}

func TestGameResultTargets(t *testing.T) {
	a := NewAnalyzer(Config{})
	g := replay(t, archivetest.Game(archive.ResultWhiteWin, archivetest.RuyLopez))
	run(a, g, nil, true, false, false)

	for i := 0; i < g.Len(); i++ {
		want := [3]float32{1, 0, 0}
		if i%2 == 1 {
			want = [3]float32{0, 0, 1}
		}
		tg := a.Target(i)
		if tg.ResultWDL != want {
			t.Errorf("ply %d ResultWDL = %v, want %v", i, tg.ResultWDL, want)
		}
		if tg.Source != SourceGame {
			t.Errorf("ply %d Source = %v, want game", i, tg.Source)
		}
	}
	if c := a.Counters(); c != (Counters{}) {
		t.Errorf("Counters = %+v, want zero", c)
	}
}

func blunderGame() *archive.Game {
	g := archivetest.Game(archive.ResultBlackWin, archivetest.RuyLopez)
	p := &g.Plies[6]
	p.Best = "Bxc6"
	p.BestQ = 0.2
	p.PlayedQ = -0.1
	p.W, p.D, p.L = 0.5, 0.4, 0.1
	return g
}

func TestDeblunder(t *testing.T) {
	a := NewAnalyzer(Config{})
	g := replay(t, blunderGame())
	run(a, g, nil, true, false, false)

	if got := a.Target(6); !nearWDL(got.ResultWDL, [3]float32{0.5, 0.4, 0.1}) || got.Source != SourceDeblunder {
		t.Errorf("ply 6 = %v %v, want search WDL from deblunder", got.ResultWDL, got.Source)
	}
	if got := a.Target(5).ResultWDL; !nearWDL(got, [3]float32{0.1, 0.4, 0.5}) {
		t.Errorf("ply 5 ResultWDL = %v, want flipped search WDL", got)
	}
	if got := a.Target(7); got.ResultWDL != [3]float32{1, 0, 0} || got.Source != SourceGame {
		t.Errorf("ply 7 = %v %v, want game result for black", got.ResultWDL, got.Source)
	}
	if c := a.Counters(); c.NoiseBlunders != 1 {
		t.Errorf("NoiseBlunders = %d, want 1", c.NoiseBlunders)
	}

	// Deblunder off: the game result stands.
	run(a, g, nil, false, false, false)
	if got := a.Target(0).ResultWDL; got != [3]float32{0, 0, 1} {
		t.Errorf("ply 0 without deblunder = %v, want loss", got)
	}
}

func TestBlunderSums(t *testing.T) {
	a := NewAnalyzer(Config{})
	g := replay(t, blunderGame())
	run(a, g, nil, false, false, false)

	if got := a.Target(0); !near(got.BlunderNeg, 0.3) || got.BlunderPos != 0 {
		t.Errorf("ply 0 blunder sums = %v/%v, want neg 0.3", got.BlunderPos, got.BlunderNeg)
	}
	if got := a.Target(1); !near(got.BlunderPos, 0.3) || got.BlunderNeg != 0 {
		t.Errorf("ply 1 blunder sums = %v/%v, want pos 0.3", got.BlunderPos, got.BlunderNeg)
	}
	if got := a.Target(7); got.BlunderPos != 0 || got.BlunderNeg != 0 {
		t.Errorf("ply 7 blunder sums = %v/%v, want 0", got.BlunderPos, got.BlunderNeg)
	}
}

func TestTablebaseRescoring(t *testing.T) {
	a := NewAnalyzer(Config{TablebaseMaxPieces: 32})
	g := replay(t, archivetest.Game(archive.ResultWhiteWin, archivetest.RuyLopez))
	run(a, g, plyOracle{ply: 8, r: tablebase.Draw}, false, true, false)

	for i := 0; i <= 8; i++ {
		if got := a.Target(i); got.ResultWDL != [3]float32{0, 1, 0} || got.Source != SourceTablebase {
			t.Errorf("ply %d = %v %v, want tablebase draw", i, got.ResultWDL, got.Source)
		}
	}
	if got := a.Target(9).ResultWDL; got != [3]float32{0, 0, 1} {
		t.Errorf("ply 9 ResultWDL = %v, want game result", got)
	}
	if !a.Target(8).TBRescored || a.Target(7).TBRescored {
		t.Error("TBRescored should be set only where the oracle hit")
	}
	c := a.Counters()
	if c.TBLookups != 10 || c.TBHits != 1 || c.TBRescored != 1 {
		t.Errorf("Counters = %+v, want 10 lookups, 1 hit, 1 rescored", c)
	}

	// Tablebase substitution off: lookups still counted, truth unchanged.
	run(a, g, plyOracle{ply: 8, r: tablebase.Draw}, false, false, false)
	if got := a.Target(0).ResultWDL; got != [3]float32{1, 0, 0} {
		t.Errorf("ply 0 without tablebase = %v, want win", got)
	}
}

func TestTablebasePieceGate(t *testing.T) {
	a := NewAnalyzer(Config{})
	g := replay(t, archivetest.Game(archive.ResultWhiteWin, archivetest.RuyLopez))
	run(a, g, plyOracle{ply: 8, r: tablebase.Draw}, false, true, false)
	if c := a.Counters(); c.TBLookups != 0 {
		t.Errorf("TBLookups = %d for full-board positions, want 0", c.TBLookups)
	}
}

func TestFocusRejection(t *testing.T) {
	gm := archivetest.Game(archive.ResultWhiteWin, archivetest.RuyLopez)
	gm.Plies[3].Q = 0.97
	gm.Plies[3].Uncertainty = 0.01
	g := replay(t, gm)

	a := NewAnalyzer(Config{})
	run(a, g, nil, false, false, true)
	if !a.Target(3).RejectFocus {
		t.Error("ply 3 RejectFocus = false, want true")
	}
	if a.Target(2).RejectFocus {
		t.Error("ply 2 RejectFocus = true, want false")
	}
	run(a, g, nil, false, false, false)
	if a.Target(3).RejectFocus {
		t.Error("ply 3 RejectFocus with focus disabled")
	}
}

func TestDeviationBounds(t *testing.T) {
	gm := archivetest.Game(archive.ResultWhiteWin, archivetest.RuyLopez)
	gm.Plies[0].Q, gm.Plies[0].BestQ = 0.98, 0.99
	gm.Plies[1].Q = -1 // white's view: +1
	gm.Plies[2].Q = 0.5
	g := replay(t, gm)

	a := NewAnalyzer(Config{})
	run(a, g, nil, false, false, false)
	t0 := a.Target(0)
	if !near(t0.MaxQDev, 0.01) {
		t.Errorf("ply 0 MaxQDev = %v, want clamped 0.01", t0.MaxQDev)
	}
	if !near(t0.MinQDev, 0.93) {
		t.Errorf("ply 0 MinQDev = %v, want 0.93", t0.MinQDev)
	}
	for i := 0; i < g.Len(); i++ {
		tg := a.Target(i)
		if tg.BestQ+tg.MaxQDev > 1+1e-6 || tg.BestQ-tg.MinQDev < -1-1e-6 {
			t.Errorf("ply %d deviation escapes [-1,1]: q=%v min=%v max=%v", i, tg.BestQ, tg.MinQDev, tg.MaxQDev)
		}
	}
	if last := a.Target(g.Len() - 1); last.MinQDev != 0 || last.MaxQDev != 0 {
		t.Errorf("last ply deviations = %v/%v, want 0", last.MinQDev, last.MaxQDev)
	}
}

func TestClampDeviation(t *testing.T) {
	tests := []struct {
		q, min, max      float32
		wantMin, wantMax float32
	}{
		{0, 0.5, 0.5, 0.5, 0.5},
		{0.9, 0.2, 0.3, 0.2, 0.1},
		{-0.9, 0.3, 0.2, 0.1, 0.2},
		{0, -1, -1, 0, 0},
	}
	for _, tt := range tests {
		gotMin, gotMax := ClampDeviation(tt.q, tt.min, tt.max)
		if !near(gotMin, tt.wantMin) || !near(gotMax, tt.wantMax) {
			t.Errorf("ClampDeviation(%v, %v, %v) = %v, %v, want %v, %v",
				tt.q, tt.min, tt.max, gotMin, gotMax, tt.wantMin, tt.wantMax)
		}
	}
}
