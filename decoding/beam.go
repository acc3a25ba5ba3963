package decoding

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/krau/konacaption/feature"
	"golang.org/x/sync/errgroup"
)

// candidate is one partial sequence tracked by beam search.
type candidate[S any] struct {
	tokens     []int
	score      float64
	last       float64 // log-probability of the last appended token
	state      S
	terminated bool

	// parent is the index in the previous beam this candidate was expanded
	// from, -1 for a carried terminated candidate.
	parent int
	// order is the enumeration position used as the final tie-break:
	// carried candidates first in beam order, then extensions by parent
	// and token id.
	order int
}

// cloner is implemented by states that hold mutable buffers. When a parent
// forks into several surviving children every child after the first gets its
// own copy.
type cloner[S any] interface {
	Clone() S
}

// compareCandidates orders by raw score descending, then by the log-probability
// of the last token descending, then by enumeration order.
func compareCandidates[S any](a, b candidate[S]) int {
	if c := cmp.Compare(b.score, a.score); c != 0 {
		return c
	}
	if c := cmp.Compare(b.last, a.last); c != 0 {
		return c
	}
	return cmp.Compare(a.order, b.order)
}

// Beam runs beam search with opts.BeamWidth candidates.
//
// At every step each live candidate is expanded over the vocabulary;
// terminated candidates are carried forward with their score unchanged.
// The merged pool is pruned to the best BeamWidth by raw cumulative
// log-probability. Search stops when every candidate has terminated or the
// sequences reach MaxLength. The winner is the best terminated candidate, or
// the best candidate overall when none terminated, ranked by the
// length-normalised score when LengthPenalty is non-zero.
//
// With BeamWidth 1 the trajectory is identical to Greedily.
func Beam[S any](ctx context.Context, d Decoder[S], grid *feature.Grid, opts Options) (Result, error) {
	if err := opts.Validate(BeamSearch); err != nil {
		return Result{}, err
	}
	state, err := d.Start(grid)
	if err != nil {
		return Result{}, fmt.Errorf("decoding: start: %w", err)
	}

	beam := []candidate[S]{{tokens: []int{opts.StartToken}, state: state, parent: -1}}
	steps := 0
	for length := 1; length < opts.MaxLength; length++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		var live []int
		for i, c := range beam {
			if !c.terminated {
				live = append(live, i)
			}
		}
		if len(live) == 0 {
			break
		}

		exts, err := expand(d, grid, beam, live, opts)
		if err != nil {
			return Result{}, fmt.Errorf("step %d: %w", steps, err)
		}
		steps++

		pool := make([]candidate[S], 0, len(beam)+len(live)*opts.BeamWidth)
		for _, c := range beam {
			if c.terminated {
				c.parent = -1
				c.order = len(pool)
				pool = append(pool, c)
			}
		}
		for _, ext := range exts {
			pool = append(pool, ext...)
		}
		beam = prune(pool, opts.BeamWidth)
		fork(beam)
	}

	best := winner(beam, opts.LengthPenalty)
	return Result{
		Tokens:     best.tokens,
		Score:      best.score,
		Terminated: best.terminated,
		Steps:      steps,
	}, nil
}

// expand runs the decoder for every live candidate and returns, per live
// candidate, its best BeamWidth extensions in candidate order. Decoder calls
// run concurrently; the caller prunes only after all of them finished.
func expand[S any](d Decoder[S], grid *feature.Grid, beam []candidate[S], live []int, opts Options) ([][]candidate[S], error) {
	exts := make([][]candidate[S], len(live))
	var g errgroup.Group
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for slot, idx := range live {
		parent := beam[idx]
		g.Go(func() error {
			logits, next, err := d.Step(grid, parent.state, parent.tokens[len(parent.tokens)-1])
			if err != nil {
				return fmt.Errorf("decoding: expanding candidate %d: %w", idx, err)
			}
			lp, err := opts.logProbs(logits, parent.tokens)
			if err != nil {
				return err
			}
			base := opts.BeamWidth + slot*len(lp)
			var children []candidate[S]
			for _, tok := range topIndices(lp, opts.BeamWidth) {
				if math.IsInf(lp[tok], -1) {
					continue
				}
				children = append(children, candidate[S]{
					tokens:     append(slices.Clip(parent.tokens), tok),
					score:      parent.score + lp[tok],
					last:       lp[tok],
					state:      next,
					terminated: tok == opts.EndToken,
					parent:     idx,
					order:      base + tok,
				})
			}
			exts[slot] = children
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return exts, nil
}

// prune keeps the best k candidates of pool.
func prune[S any](pool []candidate[S], k int) []candidate[S] {
	slices.SortStableFunc(pool, compareCandidates[S])
	if len(pool) > k {
		pool = pool[:k]
	}
	return pool
}

// fork gives every surviving sibling after the first its own state copy.
func fork[S any](beam []candidate[S]) {
	seen := make(map[int]bool, len(beam))
	for i := range beam {
		c := &beam[i]
		if c.parent < 0 {
			continue
		}
		if seen[c.parent] {
			if cl, ok := any(c.state).(cloner[S]); ok {
				c.state = cl.Clone()
			}
		}
		seen[c.parent] = true
	}
}

// winner picks the final candidate of beam, which is sorted by
// compareCandidates so ties keep the earlier candidate.
func winner[S any](beam []candidate[S], alpha float64) candidate[S] {
	pool := beam
	if done := slices.DeleteFunc(slices.Clone(beam), func(c candidate[S]) bool { return !c.terminated }); len(done) > 0 {
		pool = done
	}
	best, bestScore := 0, normalised(pool[0], alpha)
	for i := 1; i < len(pool); i++ {
		if s := normalised(pool[i], alpha); s > bestScore {
			best, bestScore = i, s
		}
	}
	return pool[best]
}

func normalised[S any](c candidate[S], alpha float64) float64 {
	n := len(c.tokens) - 1
	if alpha == 0 || n < 1 {
		return c.score
	}
	return c.score / math.Pow(float64(n), alpha)
}

// topIndices returns the indices of the k largest values of lp, highest
// first, lowest index first among equal values.
func topIndices(lp []float64, k int) []int {
	idx := make([]int, len(lp))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(lp[b], lp[a]) })
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
