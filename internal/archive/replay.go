package archive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/freeeve/pgn/v3"
)

// Rule50Threshold is the half-move clock at which the fifty-move counter
// starts to matter for a position's identity. Below it the clock is ignored
// by Fingerprint.
const Rule50Threshold = 80

// Position is one replayed ply of a game.
type Position struct {
	Ply         int
	FEN         string
	Packed      pgn.PackedPosition
	Fingerprint uint64
	NumLegal    int
	Pieces      int
	WhiteToMove bool
	FRC         bool
	Record      *PlyRecord // nil for positions not taken from the archive
}

// Replayed is a game with every ply materialized as a Position.
type Replayed struct {
	Game      *Game
	Positions []Position
}

// Len returns the number of plies.
func (r *Replayed) Len() int {
	return len(r.Positions)
}

// Replay walks the game from its start position, applying every recorded move.
func Replay(g *Game) (*Replayed, error) {
	gs, err := startState(g.StartFEN)
	if err != nil {
		return nil, err
	}

	r := &Replayed{Game: g, Positions: make([]Position, len(g.Plies))}
	for i := range g.Plies {
		rec := &g.Plies[i]
		p := describe(gs)
		p.Ply = i
		p.FRC = g.FRC
		p.Record = rec
		r.Positions[i] = p

		mv, err := pgn.ParseSAN(gs, rec.Move)
		if err != nil {
			return nil, fmt.Errorf("ply %d: parse move %q: %w", i, rec.Move, err)
		}
		if err := pgn.ApplyMove(gs, mv); err != nil {
			return nil, fmt.Errorf("ply %d: apply move %q: %w", i, rec.Move, err)
		}
	}
	return r, nil
}

// Child returns the position reached by playing san from p.
func Child(p Position, san string) (Position, error) {
	gs, err := pgn.NewGame(p.FEN)
	if err != nil {
		return Position{}, fmt.Errorf("parse FEN: %w", err)
	}
	mv, err := pgn.ParseSAN(gs, san)
	if err != nil {
		return Position{}, fmt.Errorf("parse move %q: %w", san, err)
	}
	if err := pgn.ApplyMove(gs, mv); err != nil {
		return Position{}, fmt.Errorf("apply move %q: %w", san, err)
	}
	c := describe(gs)
	c.Ply = p.Ply + 1
	c.FRC = p.FRC
	return c, nil
}

func startState(fen string) (*pgn.GameState, error) {
	if fen == "" {
		return pgn.NewStartingPosition(), nil
	}
	gs, err := pgn.NewGame(fen)
	if err != nil {
		return nil, fmt.Errorf("parse start FEN: %w", err)
	}
	return gs, nil
}

func describe(gs *pgn.GameState) Position {
	fen := gs.ToFEN()
	return Position{
		FEN:         fen,
		Packed:      gs.Pack(),
		Fingerprint: Fingerprint(fen),
		NumLegal:    len(pgn.GenerateLegalMoves(gs)),
		Pieces:      PieceCount(fen),
		WhiteToMove: WhiteToMove(fen),
	}
}

// Fingerprint hashes the board, side to move, castling and en passant fields
// of a FEN. Move counters are ignored, except that a half-move clock at or
// above Rule50Threshold is distinguished from one below it.
func Fingerprint(fen string) uint64 {
	fields := strings.Fields(fen)
	n := len(fields)
	if n > 4 {
		n = 4
	}
	h := xxhash.New()
	for i := 0; i < n; i++ {
		h.WriteString(fields[i])
		h.WriteString(" ")
	}
	if len(fields) > 4 {
		if clock, err := strconv.Atoi(fields[4]); err == nil && clock >= Rule50Threshold {
			h.WriteString("r50")
		}
	}
	return h.Sum64()
}

// PieceCount counts the pieces (kings included) on the board of a FEN.
func PieceCount(fen string) int {
	board, _, _ := strings.Cut(fen, " ")
	n := 0
	for i := 0; i < len(board); i++ {
		c := board[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			n++
		}
	}
	return n
}

// WhiteToMove reports the side-to-move field of a FEN.
func WhiteToMove(fen string) bool {
	fields := strings.Fields(fen)
	return len(fields) < 2 || fields[1] != "b"
}
