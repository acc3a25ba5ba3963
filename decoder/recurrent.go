package decoder

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/krau/konacaption/attention"
	"github.com/krau/konacaption/feature"
	"github.com/krau/konacaption/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// forgetBias is added to the forget gate so a fresh cell tends to remember.
const forgetBias = 1

// RecurrentConfig sizes an LSTM decoder with additive attention.
type RecurrentConfig struct {
	VocabSize    int
	EmbedDim     int
	HiddenDim    int
	AttentionDim int
	FeatureDim   int
	Seed         uint64
}

// Validate checks that every dimension is positive.
func (c RecurrentConfig) Validate() error {
	return errors.Join(
		positive("vocab size", c.VocabSize),
		positive("embed dim", c.EmbedDim),
		positive("hidden dim", c.HiddenDim),
		positive("attention dim", c.AttentionDim),
		positive("feature dim", c.FeatureDim),
	)
}

// Recurrent is an LSTM decoder that attends over the grid at every step.
type Recurrent struct {
	cfg RecurrentConfig

	embed *nn.Embedding
	attn  *attention.Additive
	// gates maps [embedding; context] to the stacked i, f, g, o pre-activations;
	// recur adds the hidden-state contribution.
	gates *nn.Linear
	recur *nn.Linear
	initH *nn.Linear
	initC *nn.Linear
	out   *nn.Linear
}

// RecurrentState is the (hidden, cell) pair after a step, together with the
// attention weights that produced it. The initial state has nil Attention.
type RecurrentState struct {
	Hidden    []float64
	Cell      []float64
	Attention []float64

	keys *mat.Dense
}

// Clone returns a deep copy of the per-step vectors. The projected grid keys
// are read-only and stay shared.
func (s RecurrentState) Clone() RecurrentState {
	return RecurrentState{
		Hidden:    slices.Clone(s.Hidden),
		Cell:      slices.Clone(s.Cell),
		Attention: slices.Clone(s.Attention),
		keys:      s.keys,
	}
}

// NewRecurrent builds a decoder with weights drawn from cfg.Seed.
func NewRecurrent(cfg RecurrentConfig) (*Recurrent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := nn.NewRand(cfg.Seed)
	h := cfg.HiddenDim
	r := &Recurrent{
		cfg:   cfg,
		embed: nn.NewEmbedding(rng, cfg.VocabSize, cfg.EmbedDim),
		attn:  attention.NewAdditive(rng, h, cfg.FeatureDim, cfg.AttentionDim),
		gates: nn.NewLinear(rng, cfg.EmbedDim+cfg.FeatureDim, 4*h),
		recur: nn.NewLinear(rng, h, 4*h),
		initH: nn.NewLinear(rng, cfg.FeatureDim, h),
		initC: nn.NewLinear(rng, cfg.FeatureDim, h),
		out:   nn.NewLinear(rng, h, cfg.VocabSize),
	}
	for i := h; i < 2*h; i++ {
		r.gates.B[i] = forgetBias
	}
	return r, nil
}

// VocabSize returns the number of logits produced per step.
func (r *Recurrent) VocabSize() int { return r.cfg.VocabSize }

// Start derives the initial hidden and cell vectors from the mean feature.
func (r *Recurrent) Start(g *feature.Grid) (RecurrentState, error) {
	if err := checkGrid(g, r.cfg.FeatureDim); err != nil {
		return RecurrentState{}, err
	}
	mean := g.Mean()
	return RecurrentState{
		Hidden: r.initH.Apply(mean),
		Cell:   r.initC.Apply(mean),
		keys:   r.attn.Keys(g),
	}, nil
}

// Step consumes token and returns next-token logits and the new state.
func (r *Recurrent) Step(g *feature.Grid, s RecurrentState, token int) ([]float64, RecurrentState, error) {
	if s.keys == nil {
		return nil, RecurrentState{}, ErrNotStarted
	}
	if n, _ := s.keys.Dims(); g.Len() != n {
		return nil, RecurrentState{}, fmt.Errorf("%w: state built for %d locations, grid has %d", ErrFeatureDim, n, g.Len())
	}
	emb, err := r.embed.Lookup(token)
	if err != nil {
		return nil, RecurrentState{}, fmt.Errorf("decoder: embedding token: %w", err)
	}
	context, weights := r.attn.Attend(s.Hidden, g, s.keys)

	pre := r.gates.Apply(append(emb, context...))
	floats.Add(pre, r.recur.Apply(s.Hidden))

	h := r.cfg.HiddenDim
	in := nn.Sigmoid(pre[0:h])
	forget := nn.Sigmoid(pre[h : 2*h])
	cand := nn.Tanh(pre[2*h : 3*h])
	outGate := nn.Sigmoid(pre[3*h : 4*h])

	next := RecurrentState{
		Hidden:    make([]float64, h),
		Cell:      make([]float64, h),
		Attention: weights,
		keys:      s.keys,
	}
	for k := 0; k < h; k++ {
		next.Cell[k] = forget[k]*s.Cell[k] + in[k]*cand[k]
		next.Hidden[k] = outGate[k] * math.Tanh(next.Cell[k])
	}
	return r.out.Apply(next.Hidden), next, nil
}
