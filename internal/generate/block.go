package generate

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
	"github.com/freeeve/chessgraph/traingen/internal/record"
	"github.com/freeeve/chessgraph/traingen/internal/rescore"
)

const (
	// optimalPathThreshold is the largest suboptimality a forced continuation
	// may have when the optimal-path filter is on.
	optimalPathThreshold = 0.02

	// counterfactualBlend is the policy share of the counterfactual draw; the
	// rest is uniform over the remaining legal moves.
	counterfactualBlend = 0.5

	// counterfactualQGap is how far the counterfactual value may sit from the
	// root's best Q before its deviation bounds are recomputed.
	counterfactualQGap = 0.20

	// counterfactualUncertaintyScale turns the counterfactual's uncertainty
	// into deviation bounds.
	counterfactualUncertaintyScale = 2.0
)

// blockAssembler builds four-position blocks: the root, two forced
// continuations along the played line and one counterfactual alternative
// to the root's played move.
type blockAssembler struct {
	size        int
	threshold   float32
	emitPriorWL bool
	rng         *rand.Rand
	sampler     *sampler

	weights []float64
}

func newBlockAssembler(size int, optimalPath, emitPriorWL bool, s *sampler) *blockAssembler {
	b := &blockAssembler{
		size:        size,
		threshold:   float32(math.Inf(1)),
		emitPriorWL: emitPriorWL,
		rng:         s.rng,
		sampler:     s,
	}
	if optimalPath {
		b.threshold = optimalPathThreshold
	}
	return b
}

// canStart reports whether a block may start at ply i: enough plies remain
// and both continuations are accepted and near-optimal.
func (b *blockAssembler) canStart(g *archive.Replayed, i int) bool {
	pos := g.Positions
	if len(pos)-1-i < b.size-1 {
		return false
	}
	for j := i + 1; j <= i+2; j++ {
		// The move leading into j must be near-optimal.
		if pos[j-1].Record.Suboptimality() >= b.threshold {
			return false
		}
		if !b.sampler.acceptFollower(pos[j]) {
			return false
		}
	}
	return true
}

// assemble builds the block rooted at ply i. canStart must have returned true.
func (b *blockAssembler) assemble(g *archive.Replayed, i int, target func(int) rescore.Target) ([]record.Record, error) {
	root := target(i)
	unit := make([]record.Record, 0, b.size)
	for j := i; j <= i+2; j++ {
		t := target(j)
		t.BlunderPos, t.BlunderNeg = root.BlunderPos, root.BlunderNeg
		unit = append(unit, buildRecord(g, j, t, b.emitPriorWL))
	}

	cf, err := b.counterfactual(g, i, root, unit[1])
	if err != nil {
		return nil, err
	}
	return append(unit, cf), nil
}

// counterfactual draws an alternative to the move played at ply i and
// synthesizes its record. The record holds the child position but keeps the
// root mover's view: result, best WDL, blunder sums and the alternative's Q
// all come from ply i. With a single legal move the second slot is repeated
// instead, unflagged and in its own side to move's view.
func (b *blockAssembler) counterfactual(g *archive.Replayed, i int, root rescore.Target, second record.Record) (record.Record, error) {
	p := g.Positions[i]
	rec := p.Record
	if p.NumLegal <= 1 {
		return second, nil
	}
	alt, ok := b.draw(rec)
	if !ok {
		return second, nil
	}

	child, err := archive.Child(p, alt.Move)
	if err != nil {
		return record.Record{}, fmt.Errorf("counterfactual %s at ply %d: %w", alt.Move, i, err)
	}

	r := record.Record{
		Packed:      child.Packed,
		Fingerprint: child.Fingerprint,
		Ply:         uint16(child.Ply),
		Flags:       record.FlagCounterfactual,
		Source:      uint8(root.Source),
		ResultWDL:   root.ResultWDL,
		BestWDL:     root.BestWDL,
		BestQ:       rescore.ClampQ(alt.Q),
		MinQDev:     root.MinQDev,
		MaxQDev:     root.MaxQDev,
		BlunderPos:  root.BlunderPos,
		BlunderNeg:  root.BlunderNeg,
		Uncertainty: alt.U,
		MovesLeft:   rec.MovesLeft,
		Played:      alt.Move,
	}
	if p.FRC {
		r.Flags |= record.FlagFRC
	}
	if abs32(r.BestQ-root.BestQ) > counterfactualQGap {
		dev := alt.U * counterfactualUncertaintyScale
		r.MinQDev, r.MaxQDev = dev, dev
	}
	r.MinQDev, r.MaxQDev = rescore.ClampDeviation(r.BestQ, r.MinQDev, r.MaxQDev)
	return r, nil
}

// draw picks a move other than the played one: policy mass with the played
// move zeroed and renormalized, blended with a uniform distribution.
func (b *blockAssembler) draw(rec *archive.PlyRecord) (archive.PolicyEntry, bool) {
	b.weights = b.weights[:0]
	var mass float64
	alts := 0
	for _, e := range rec.Policy {
		w := 0.0
		if e.Move != rec.Move {
			w = math.Max(float64(e.P), 0)
			alts++
		}
		mass += w
		b.weights = append(b.weights, w)
	}
	if alts == 0 {
		return archive.PolicyEntry{}, false
	}

	uniform := 1 / float64(alts)
	var total float64
	for j, e := range rec.Policy {
		if e.Move == rec.Move {
			continue
		}
		p := uniform
		if mass > 0 {
			p = b.weights[j] / mass
		}
		b.weights[j] = counterfactualBlend*p + (1-counterfactualBlend)*uniform
		total += b.weights[j]
	}

	x := b.rng.Float64() * total
	last := -1
	for j, e := range rec.Policy {
		if e.Move == rec.Move {
			continue
		}
		last = j
		x -= b.weights[j]
		if x < 0 {
			return e, true
		}
	}
	return rec.Policy[last], true
}

// buildRecord converts ply i of g and its target into a training record.
func buildRecord(g *archive.Replayed, i int, t rescore.Target, emitPriorWL bool) record.Record {
	p := g.Positions[i]
	rec := p.Record
	r := record.Record{
		Packed:      p.Packed,
		Fingerprint: p.Fingerprint,
		Ply:         uint16(p.Ply),
		Source:      uint8(t.Source),
		ResultWDL:   t.ResultWDL,
		BestWDL:     t.BestWDL,
		BestQ:       t.BestQ,
		MinQDev:     t.MinQDev,
		MaxQDev:     t.MaxQDev,
		BlunderPos:  t.BlunderPos,
		BlunderNeg:  t.BlunderNeg,
		Uncertainty: rec.Uncertainty,
		MovesLeft:   rec.MovesLeft,
		Played:      rec.Move,
	}
	if p.FRC {
		r.Flags |= record.FlagFRC
	}
	if t.TBLookup {
		r.Flags |= record.FlagTBLookup
	}
	if t.TBFound {
		r.Flags |= record.FlagTBFound
	}
	if t.TBRescored {
		r.Flags |= record.FlagTBRescored
	}
	if emitPriorWL && i > 0 {
		prev := g.Positions[i-1].Record
		r.PriorW, r.PriorL = prev.W, prev.L
		r.Flags |= record.FlagPriorWL
	}
	if len(rec.Policy) > 0 {
		r.Policy = make([]record.Move, len(rec.Policy))
		for j, e := range rec.Policy {
			r.Policy[j] = record.Move{SAN: e.Move, P: e.P}
		}
	}
	return r
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
