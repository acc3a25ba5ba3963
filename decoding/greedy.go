package decoding

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/krau/konacaption/feature"
	"github.com/krau/konacaption/nn"
)

// Greedily emits the most likely token at every step, breaking ties on the
// lowest token id, until the end token or MaxLength.
func Greedily[S any](ctx context.Context, d Decoder[S], grid *feature.Grid, opts Options) (Result, error) {
	if err := opts.Validate(Greedy); err != nil {
		return Result{}, err
	}
	return autoregress(ctx, d, grid, opts, nn.Argmax)
}

// Sampled draws every token from the (temperature-scaled, optionally top-k
// truncated) distribution using a generator seeded with opts.Seed. The same
// seed and inputs always produce the same caption.
func Sampled[S any](ctx context.Context, d Decoder[S], grid *feature.Grid, opts Options) (Result, error) {
	if err := opts.Validate(Sample); err != nil {
		return Result{}, err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0xda942042e4dd58b5))
	return autoregress(ctx, d, grid, opts, func(lp []float64) int {
		return draw(rng, lp, opts.TopK)
	})
}

func autoregress[S any](ctx context.Context, d Decoder[S], grid *feature.Grid, opts Options, pick func([]float64) int) (Result, error) {
	state, err := d.Start(grid)
	if err != nil {
		return Result{}, fmt.Errorf("decoding: start: %w", err)
	}
	res := Result{Tokens: []int{opts.StartToken}}
	for len(res.Tokens) < opts.MaxLength {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		logits, next, err := d.Step(grid, state, res.Tokens[len(res.Tokens)-1])
		if err != nil {
			return Result{}, fmt.Errorf("decoding: step %d: %w", res.Steps, err)
		}
		lp, err := opts.logProbs(logits, res.Tokens)
		if err != nil {
			return Result{}, fmt.Errorf("step %d: %w", res.Steps, err)
		}
		tok := pick(lp)
		res.Steps++
		res.Score += lp[tok]
		res.Tokens = append(res.Tokens, tok)
		state = next
		if tok == opts.EndToken {
			res.Terminated = true
			break
		}
	}
	return res, nil
}

// draw samples an index from log-probabilities lp.
func draw(rng *rand.Rand, lp []float64, topK int) int {
	probs := make([]float64, len(lp))
	for i, v := range lp {
		probs[i] = math.Exp(v)
	}
	if topK > 0 && topK < len(probs) {
		keep := topIndices(lp, topK)
		mask := make([]float64, len(probs))
		for _, i := range keep {
			mask[i] = probs[i]
		}
		probs = mask
	}
	var total float64
	for _, p := range probs {
		total += p
	}
	r := rng.Float64() * total
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		last = i
		r -= p
		if r < 0 {
			return i
		}
	}
	return last
}
