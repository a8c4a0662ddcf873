package tablebase

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
)

const kqk = "8/8/8/4k3/8/8/3QK3/8 w - - 0 1"

func startPosition(t *testing.T, fen string) archive.Position {
	t.Helper()
	g := &archive.Game{StartFEN: fen, Result: archive.ResultWhiteWin, Plies: []archive.PlyRecord{{Move: "Kf2"}}}
	r, err := archive.Replay(g)
	if err != nil {
		t.Fatalf("Replay(%s): %v", fen, err)
	}
	return r.Positions[0]
}

func TestDecodeDTM(t *testing.T) {
	tests := []struct {
		dtm    int16
		want   Result
		wantOK bool
	}{
		{DTMUnknown, Draw, false},
		{12, Win, true},
		{-7, Loss, true},
		{DTMMate0White, Loss, true},
		{DTMMate0Black, Win, true},
		{DTMDrawBase, Draw, true},
		{DTMDrawBase + 40, Draw, true},
	}
	for _, tt := range tests {
		got, ok := DecodeDTM(tt.dtm)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("DecodeDTM(%d) = %v,%v, want %v,%v", tt.dtm, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDTMOracleLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	csvData := "fen,position,cp,dtm,dtz,proven_depth\n" +
		kqk + ",,0,9,0,12\n" +
		"8/8/8/4k3/8/8/4K3/8 w - - 0 1,,0,0,0,0\n" +
		"bogus,,0,5,0,0\n"

	path := filepath.Join(dir, "evals.csv.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write([]byte(csvData)); err != nil {
		t.Fatal(err)
	}
	zw.Close()
	f.Close()

	o := NewDTMOracle(7)
	n, err := o.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n != 1 || o.Len() != 1 {
		t.Fatalf("LoadDir loaded %d (Len %d), want 1", n, o.Len())
	}

	pos := startPosition(t, kqk)
	r, ok := o.Lookup(pos)
	if !ok || r != Win {
		t.Errorf("Lookup(white to move) = %v,%v, want win,true", r, ok)
	}

	// Same board, black to move: the white-relative DTM flips.
	pos.WhiteToMove = false
	if r, ok := o.Lookup(pos); !ok || r != Loss {
		t.Errorf("Lookup(black to move) = %v,%v, want loss,true", r, ok)
	}

	pos.Pieces = 8
	if _, ok := o.Lookup(pos); ok {
		t.Error("Lookup above piece limit returned a result")
	}
}

func TestChain(t *testing.T) {
	pos := startPosition(t, kqk)
	empty := NewDTMOracle(0)
	full := NewDTMOracle(0)
	full.Put(pos.Packed, DTMDrawBase)

	if _, ok := (Chain{empty}).Lookup(pos); ok {
		t.Error("Chain{empty}.Lookup found a result")
	}
	r, ok := (Chain{empty, full}).Lookup(pos)
	if !ok || r != Draw {
		t.Errorf("Chain.Lookup = %v,%v, want draw,true", r, ok)
	}
}

func TestOpenRequiresDir(t *testing.T) {
	if _, _, err := Open(Config{}); !errors.Is(err, ErrTablebaseDirRequired) {
		t.Errorf("Open(no dir) = %v, want ErrTablebaseDirRequired", err)
	}
	if _, _, err := Open(Config{Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("Open(missing dir) = nil error")
	}
	o, closeFn, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(empty dir): %v", err)
	}
	defer closeFn()
	if _, ok := o.Lookup(startPosition(t, kqk)); ok {
		t.Error("empty oracle returned a result")
	}
}

func TestResultWDL(t *testing.T) {
	if w := Win.WDL(); w != [3]float32{1, 0, 0} {
		t.Errorf("Win.WDL() = %v", w)
	}
	if Loss.Flip() != Win || Draw.Flip() != Draw {
		t.Error("Flip is not a negation")
	}
}
