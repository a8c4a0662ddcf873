// Package archive reads and writes archives of recorded self-play games.
//
// An archive is a zstd-compressed stream of JSON lines, one Game per line.
// Each Game carries the start position, the result and, for every ply, the
// move actually played together with the search metadata recorded when it
// was chosen (root value, W/D/L, policy over legal moves, uncertainty).
package archive

import (
	"path/filepath"
	"strings"
)

// Extension is the file extension of compressed archives.
const Extension = ".games.zst"

// plainExtension is accepted for uncompressed archives (fixtures, debugging).
const plainExtension = ".games"

// Game results as recorded in the archive (PGN notation).
const (
	ResultWhiteWin = "1-0"
	ResultBlackWin = "0-1"
	ResultDraw     = "1/2-1/2"
)

// PolicyEntry is the search policy mass of one legal move.
// Q and U are the child's value (mover perspective) and uncertainty when the
// search visited it; both are zero otherwise.
type PolicyEntry struct {
	Move string  `json:"m"`
	P    float32 `json:"p"`
	Q    float32 `json:"q,omitempty"`
	U    float32 `json:"u,omitempty"`
}

// PlyRecord is the recorded search output for one position of a game.
// All values are from the perspective of the side to move.
type PlyRecord struct {
	Move        string        `json:"move"`           // SAN of the move played
	Best        string        `json:"best,omitempty"` // SAN of the search's best move
	Q           float32       `json:"q"`
	W           float32       `json:"w"`
	D           float32       `json:"d"`
	L           float32       `json:"l"`
	BestQ       float32       `json:"best_q"`
	PlayedQ     float32       `json:"played_q"`
	Uncertainty float32       `json:"unc"`
	MovesLeft   float32       `json:"ml,omitempty"`
	Policy      []PolicyEntry `json:"policy"`
}

// Suboptimality is how much value the played move gave up against the best move.
func (p *PlyRecord) Suboptimality() float32 {
	d := p.BestQ - p.PlayedQ
	if d < 0 {
		return 0
	}
	return d
}

// PlayedBest reports whether the played move was the search's best move.
func (p *PlyRecord) PlayedBest() bool {
	return p.Best == "" || p.Best == p.Move
}

// Game is one recorded game.
type Game struct {
	StartFEN string      `json:"fen,omitempty"` // empty = standard start position
	Result   string      `json:"result"`
	FRC      bool        `json:"frc,omitempty"`
	Plies    []PlyRecord `json:"plies"`
}

// IsArchiveFile reports whether name has an archive extension.
func IsArchiveFile(name string) bool {
	return strings.HasSuffix(name, Extension) || filepath.Ext(name) == plainExtension
}
