package archive_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
	"github.com/freeeve/chessgraph/traingen/internal/archive/archivetest"
)

func TestWriteReadArchive(t *testing.T) {
	dir := t.TempDir()
	path := archivetest.WriteArchive(t, dir, "a"+archive.Extension,
		archivetest.Game(archive.ResultWhiteWin, archivetest.RuyLopez),
		archivetest.Game(archive.ResultDraw, archivetest.Italian),
	)

	r, err := archive.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	g1, err := r.Next()
	if err != nil {
		t.Fatalf("Next 1: %v", err)
	}
	if len(g1.Plies) != 10 || g1.Result != archive.ResultWhiteWin {
		t.Errorf("game 1 = %d plies %q, want 10 plies 1-0", len(g1.Plies), g1.Result)
	}
	if g1.Plies[8].Move != "O-O" {
		t.Errorf("ply 8 move = %q, want O-O", g1.Plies[8].Move)
	}
	g2, err := r.Next()
	if err != nil {
		t.Fatalf("Next 2: %v", err)
	}
	if len(g2.Plies) != 4 {
		t.Errorf("game 2 plies = %d, want 4", len(g2.Plies))
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next after last = %v, want io.EOF", err)
	}
}

func TestReaderMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.games")
	if err := os.WriteFile(path, []byte("{\"result\":\"1-0\",\"plies\":[]}\nnot json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := archive.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next 1: %v", err)
	}
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("Next on malformed line = %v, want decode error", err)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.games.zst", "a.games.zst", "c.games", "notes.txt", "d.pgn"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.games"), 0755); err != nil {
		t.Fatal(err)
	}

	files, err := archive.List(dir, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Name())
	}
	want := []string{"a.games.zst", "b.games.zst", "c.games"}
	if len(names) != len(want) {
		t.Fatalf("List = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	filter, err := archive.GlobFilter("b*")
	if err != nil {
		t.Fatalf("GlobFilter: %v", err)
	}
	files, err = archive.List(dir, filter)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(files) != 1 || files[0].Name() != "b.games.zst" {
		t.Errorf("List filtered = %v, want [b.games.zst]", files)
	}
}

func TestGlobFilterBadPattern(t *testing.T) {
	if _, err := archive.GlobFilter("["); err == nil {
		t.Error("GlobFilter([) = nil error, want error")
	}
}

func TestReplay(t *testing.T) {
	g := archivetest.Game(archive.ResultWhiteWin, archivetest.RuyLopez)
	r, err := archive.Replay(g)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if r.Len() != 10 {
		t.Fatalf("Len = %d, want 10", r.Len())
	}
	start := r.Positions[0]
	if start.NumLegal != 20 {
		t.Errorf("start NumLegal = %d, want 20", start.NumLegal)
	}
	if start.Pieces != 32 {
		t.Errorf("start Pieces = %d, want 32", start.Pieces)
	}
	for i, p := range r.Positions {
		if p.WhiteToMove != (i%2 == 0) {
			t.Errorf("ply %d WhiteToMove = %v", i, p.WhiteToMove)
		}
		if p.Record != &g.Plies[i] {
			t.Errorf("ply %d Record does not point into game", i)
		}
	}

	// Shared opening plies fingerprint identically across games.
	it, err := archive.Replay(archivetest.Game(archive.ResultDraw, archivetest.Italian))
	if err != nil {
		t.Fatalf("Replay italian: %v", err)
	}
	for i := 0; i < 3; i++ {
		if it.Positions[i].Fingerprint != r.Positions[i].Fingerprint {
			t.Errorf("ply %d fingerprints differ across games", i)
		}
	}
	if it.Positions[3].Fingerprint == r.Positions[3].Fingerprint {
		t.Error("ply 3 fingerprints equal for different positions")
	}
}

func TestReplayIllegalMove(t *testing.T) {
	g := &archive.Game{Result: archive.ResultDraw, Plies: []archive.PlyRecord{{Move: "e4"}, {Move: "Ke2"}}}
	if _, err := archive.Replay(g); err == nil {
		t.Error("Replay with illegal move = nil error, want error")
	}
}

func TestChild(t *testing.T) {
	r, err := archive.Replay(archivetest.Game(archive.ResultWhiteWin, archivetest.RuyLopez))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	c, err := archive.Child(r.Positions[0], "e4")
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if c.Fingerprint != r.Positions[1].Fingerprint {
		t.Error("Child(start, e4) fingerprint differs from replayed ply 1")
	}
	if c.WhiteToMove {
		t.Error("Child(start, e4) has white to move")
	}
	if _, err := archive.Child(r.Positions[0], "Qh5"); err == nil {
		t.Error("Child(start, Qh5) = nil error, want error")
	}
}

func TestFingerprintIgnoresCounters(t *testing.T) {
	a := archive.Fingerprint("8/8/8/4k3/8/8/4K3/8 w - - 3 40")
	b := archive.Fingerprint("8/8/8/4k3/8/8/4K3/8 w - - 10 77")
	if a != b {
		t.Error("fingerprint depends on low move counters")
	}
	c := archive.Fingerprint("8/8/8/4k3/8/8/4K3/8 w - - 85 77")
	if a == c {
		t.Error("fingerprint ignores a half-move clock above the threshold")
	}
	d := archive.Fingerprint("8/8/8/4k3/8/8/4K3/8 b - - 3 40")
	if a == d {
		t.Error("fingerprint ignores side to move")
	}
}
