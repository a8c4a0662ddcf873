// Package archivetest builds small, legal archive games for tests.
package archivetest

import (
	"path/filepath"
	"testing"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
)

// RuyLopez is a 10-ply opening line with two legal alternatives per ply.
var RuyLopez = []Ply{
	{"e4", []string{"d4", "Nf3"}},
	{"e5", []string{"c5", "e6"}},
	{"Nf3", []string{"Nc3", "Bc4"}},
	{"Nc6", []string{"Nf6", "d6"}},
	{"Bb5", []string{"Bc4", "d4"}},
	{"a6", []string{"Nf6", "d6"}},
	{"Ba4", []string{"Bxc6", "Bc4"}},
	{"Nf6", []string{"b5", "d6"}},
	{"O-O", []string{"d3", "Nc3"}},
	{"Be7", []string{"b5", "Bc5"}},
}

// Italian shares its first two plies with RuyLopez.
var Italian = []Ply{
	{"e4", []string{"d4", "c4"}},
	{"e5", []string{"c5", "e6"}},
	{"Bc4", []string{"Nf3", "Nc3"}},
	{"Nf6", []string{"Nc6", "Bc5"}},
}

// Ply is a played move and some legal alternatives from the same position.
type Ply struct {
	Move string
	Alts []string
}

// Game builds a game whose search metadata agrees with the played moves:
// the played move is always best, carries most of the policy and the values
// drift gently around zero.
func Game(result string, line []Ply) *archive.Game {
	g := &archive.Game{Result: result}
	for i, p := range line {
		q := float32(0.05)
		if i%2 == 1 {
			q = -0.05
		}
		rec := archive.PlyRecord{
			Move:        p.Move,
			Best:        p.Move,
			Q:           q,
			W:           0.3 + q/2,
			D:           0.4,
			L:           0.3 - q/2,
			BestQ:       q,
			PlayedQ:     q,
			Uncertainty: 0.1,
			MovesLeft:   float32(60 - i),
		}
		rec.Policy = append(rec.Policy, archive.PolicyEntry{Move: p.Move, P: 0.7, Q: q, U: 0.1})
		for j, alt := range p.Alts {
			rec.Policy = append(rec.Policy, archive.PolicyEntry{
				Move: alt,
				P:    0.3 / float32(len(p.Alts)),
				Q:    q - 0.1*float32(j+1),
				U:    0.2,
			})
		}
		g.Plies = append(g.Plies, rec)
	}
	return g
}

// WriteArchive writes games to dir/name and returns the path.
func WriteArchive(t testing.TB, dir, name string, games ...*archive.Game) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := archive.WriteFile(path, games); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
	return path
}
