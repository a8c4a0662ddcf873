// Package record encodes training records.
//
// A record is a fixed header followed by a length-prefixed policy. Records
// travel in units: one record for single-position output, or a block of
// related records that must be read back together.
package record

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/freeeve/pgn/v3"
)

// Flags describe how a record was produced.
type Flags uint8

const (
	FlagFRC Flags = 1 << iota
	FlagTBLookup
	FlagTBFound
	FlagTBRescored
	// FlagCounterfactual marks a synthesized alternative continuation in a
	// block. Its values stay in the view of the root's mover, the side that
	// chose the alternative, not the side to move in Packed.
	FlagCounterfactual
	FlagPriorWL        // PriorW/PriorL are set
)

// Move is one legal move and its policy probability.
type Move struct {
	SAN string
	P   float32
}

// Record is one training position. Values are from the side to move,
// except in records flagged FlagCounterfactual.
type Record struct {
	Packed      pgn.PackedPosition
	Fingerprint uint64
	Ply         uint16
	Flags       Flags
	Source      uint8

	ResultWDL [3]float32
	BestWDL   [3]float32
	BestQ     float32
	MinQDev   float32
	MaxQDev   float32

	BlunderPos float32
	BlunderNeg float32

	Uncertainty float32
	MovesLeft   float32

	// W/L of the position before this one, from the previous mover's view.
	PriorW float32
	PriorL float32

	Played string
	Policy []Move
}

// Encoding layout (big endian):
// - Packed (34 bytes)
// - Fingerprint (uint64)
// - Ply (uint16), Flags (uint8), Source (uint8)
// - ResultWDL, BestWDL (6 x float32)
// - BestQ, MinQDev, MaxQDev, BlunderPos, BlunderNeg (5 x float32)
// - Uncertainty, MovesLeft, PriorW, PriorL (4 x float32)
// - Played (8 byte SAN, zero padded)
// - policy count (uint8), then count x (8 byte SAN + float32)
const (
	packedSize  = 34
	sanSize     = 8
	HeaderSize  = packedSize + 8 + 2 + 1 + 1 + 6*4 + 5*4 + 4*4 + sanSize + 1
	PolicyEntry = sanSize + 4

	// MaxPolicy is the most legal moves any chess position has.
	MaxPolicy = 218
)

// Size returns the encoded size of r.
func (r *Record) Size() int {
	return HeaderSize + len(r.Policy)*PolicyEntry
}

// HasFlag reports whether f is set.
func (r *Record) HasFlag(f Flags) bool {
	return r.Flags&f != 0
}

// Validate reports whether r fits the fixed layout: at most MaxPolicy
// moves and no SAN longer than 8 bytes.
func Validate(r *Record) error {
	if len(r.Policy) > MaxPolicy {
		return fmt.Errorf("policy has %d moves, max %d", len(r.Policy), MaxPolicy)
	}
	if len(r.Played) > sanSize {
		return fmt.Errorf("move %q longer than %d bytes", r.Played, sanSize)
	}
	for _, m := range r.Policy {
		if len(m.SAN) > sanSize {
			return fmt.Errorf("move %q longer than %d bytes", m.SAN, sanSize)
		}
	}
	return nil
}

// Append encodes r onto buf.
func Append(buf []byte, r *Record) ([]byte, error) {
	if err := Validate(r); err != nil {
		return buf, err
	}
	start := len(buf)
	buf = append(buf, make([]byte, r.Size())...)
	b := buf[start:]

	copy(b[0:packedSize], r.Packed[:])
	off := packedSize
	binary.BigEndian.PutUint64(b[off:], r.Fingerprint)
	off += 8
	binary.BigEndian.PutUint16(b[off:], r.Ply)
	off += 2
	b[off] = byte(r.Flags)
	b[off+1] = r.Source
	off += 2

	for _, v := range [...]float32{
		r.ResultWDL[0], r.ResultWDL[1], r.ResultWDL[2],
		r.BestWDL[0], r.BestWDL[1], r.BestWDL[2],
		r.BestQ, r.MinQDev, r.MaxQDev,
		r.BlunderPos, r.BlunderNeg,
		r.Uncertainty, r.MovesLeft,
		r.PriorW, r.PriorL,
	} {
		binary.BigEndian.PutUint32(b[off:], math.Float32bits(v))
		off += 4
	}

	if err := putSAN(b[off:off+sanSize], r.Played); err != nil {
		return buf[:start], err
	}
	off += sanSize
	b[off] = byte(len(r.Policy))
	off++

	for _, m := range r.Policy {
		if err := putSAN(b[off:off+sanSize], m.SAN); err != nil {
			return buf[:start], err
		}
		binary.BigEndian.PutUint32(b[off+sanSize:], math.Float32bits(m.P))
		off += PolicyEntry
	}
	return buf, nil
}

// Decode reads one record from data and returns the bytes consumed.
func Decode(data []byte) (Record, int, error) {
	if len(data) < HeaderSize {
		return Record{}, 0, fmt.Errorf("record too short: got %d bytes, need %d", len(data), HeaderSize)
	}
	var r Record
	copy(r.Packed[:], data[0:packedSize])
	off := packedSize
	r.Fingerprint = binary.BigEndian.Uint64(data[off:])
	off += 8
	r.Ply = binary.BigEndian.Uint16(data[off:])
	off += 2
	r.Flags = Flags(data[off])
	r.Source = data[off+1]
	off += 2

	floats := [...]*float32{
		&r.ResultWDL[0], &r.ResultWDL[1], &r.ResultWDL[2],
		&r.BestWDL[0], &r.BestWDL[1], &r.BestWDL[2],
		&r.BestQ, &r.MinQDev, &r.MaxQDev,
		&r.BlunderPos, &r.BlunderNeg,
		&r.Uncertainty, &r.MovesLeft,
		&r.PriorW, &r.PriorL,
	}
	for _, p := range floats {
		*p = math.Float32frombits(binary.BigEndian.Uint32(data[off:]))
		off += 4
	}

	r.Played = getSAN(data[off : off+sanSize])
	off += sanSize
	n := int(data[off])
	off++

	need := HeaderSize + n*PolicyEntry
	if len(data) < need {
		return Record{}, 0, fmt.Errorf("record policy truncated: got %d bytes, need %d", len(data), need)
	}
	if n > 0 {
		r.Policy = make([]Move, n)
		for i := range r.Policy {
			r.Policy[i].SAN = getSAN(data[off : off+sanSize])
			r.Policy[i].P = math.Float32frombits(binary.BigEndian.Uint32(data[off+sanSize:]))
			off += PolicyEntry
		}
	}
	return r, off, nil
}

func putSAN(dst []byte, san string) error {
	if len(san) > sanSize {
		return fmt.Errorf("move %q longer than %d bytes", san, sanSize)
	}
	copy(dst, san)
	return nil
}

func getSAN(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// WithMinLegalProb returns a copy of policy in which every legal move has at
// least floor probability, renormalized to sum to one. A floor <= 0 returns
// policy unchanged.
func WithMinLegalProb(policy []Move, floor float32) []Move {
	if floor <= 0 || len(policy) == 0 {
		return policy
	}
	out := make([]Move, len(policy))
	var sum float32
	for i, m := range policy {
		p := m.P
		if p < floor {
			p = floor
		}
		out[i] = Move{SAN: m.SAN, P: p}
		sum += p
	}
	for i := range out {
		out[i].P /= sum
	}
	return out
}
