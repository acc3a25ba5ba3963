package decoder

import (
	"errors"
	"fmt"
	"slices"

	"github.com/krau/konacaption/attention"
	"github.com/krau/konacaption/feature"
	"github.com/krau/konacaption/nn"
	"gonum.org/v1/gonum/mat"
)

// TransformerConfig sizes a post-norm transformer decoder stack.
type TransformerConfig struct {
	VocabSize  int
	ModelDim   int
	FeatureDim int
	Heads      int
	Layers     int
	FFDim      int
	// MaxLen bounds the prefix length, including the start token.
	MaxLen int
	Seed   uint64
}

// Validate checks dimensions and head divisibility.
func (c TransformerConfig) Validate() error {
	err := errors.Join(
		positive("vocab size", c.VocabSize),
		positive("model dim", c.ModelDim),
		positive("feature dim", c.FeatureDim),
		positive("heads", c.Heads),
		positive("layers", c.Layers),
		positive("feed-forward dim", c.FFDim),
		positive("max length", c.MaxLen),
	)
	if err != nil {
		return err
	}
	if c.ModelDim%c.Heads != 0 {
		return fmt.Errorf("%w: %w: dim %d, heads %d", ErrConfig, attention.ErrHeads, c.ModelDim, c.Heads)
	}
	return nil
}

// Transformer embeds the prefix, adds sinusoidal positions and runs it
// through Layers decoder layers of causal self-attention, cross-attention
// over the grid and a ReLU feed-forward block, each followed by a residual
// add and layer norm.
type Transformer struct {
	cfg TransformerConfig

	embed  *nn.Embedding
	pos    *mat.Dense
	layers []*transformerLayer
	out    *nn.Linear
}

type transformerLayer struct {
	self  *attention.MultiHead
	cross *attention.MultiHead
	norm1 *nn.LayerNorm
	norm2 *nn.LayerNorm
	norm3 *nn.LayerNorm
	ff1   *nn.Linear
	ff2   *nn.Linear
}

// TransformerState is the token prefix consumed so far plus the per-layer
// cross-attention keys and values of the grid. The projections depend only
// on the grid and are shared read-only by every state derived from Start.
type TransformerState struct {
	prefix []int
	memory []attention.KV
}

// Prefix returns a copy of the tokens consumed so far.
func (s TransformerState) Prefix() []int {
	return slices.Clone(s.prefix)
}

// NewTransformer builds a decoder with weights drawn from cfg.Seed.
func NewTransformer(cfg TransformerConfig) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := nn.NewRand(cfg.Seed)
	t := &Transformer{
		cfg:   cfg,
		embed: nn.NewEmbedding(rng, cfg.VocabSize, cfg.ModelDim),
		pos:   nn.Sinusoidal(cfg.MaxLen, cfg.ModelDim),
	}
	for i := 0; i < cfg.Layers; i++ {
		self, err := attention.NewMultiHead(rng, cfg.ModelDim, cfg.ModelDim, cfg.Heads)
		if err != nil {
			return nil, err
		}
		cross, err := attention.NewMultiHead(rng, cfg.ModelDim, cfg.FeatureDim, cfg.Heads)
		if err != nil {
			return nil, err
		}
		t.layers = append(t.layers, &transformerLayer{
			self:  self,
			cross: cross,
			norm1: nn.NewLayerNorm(cfg.ModelDim),
			norm2: nn.NewLayerNorm(cfg.ModelDim),
			norm3: nn.NewLayerNorm(cfg.ModelDim),
			ff1:   nn.NewLinear(rng, cfg.ModelDim, cfg.FFDim),
			ff2:   nn.NewLinear(rng, cfg.FFDim, cfg.ModelDim),
		})
	}
	t.out = nn.NewLinear(rng, cfg.ModelDim, cfg.VocabSize)
	return t, nil
}

// VocabSize returns the number of logits produced per step.
func (t *Transformer) VocabSize() int { return t.cfg.VocabSize }

// MaxLen returns the longest prefix Step accepts, including the start token.
func (t *Transformer) MaxLen() int { return t.cfg.MaxLen }

// Start projects the grid into every layer's cross-attention keys and values.
func (t *Transformer) Start(g *feature.Grid) (TransformerState, error) {
	if err := checkGrid(g, t.cfg.FeatureDim); err != nil {
		return TransformerState{}, err
	}
	return TransformerState{memory: t.memory(g)}, nil
}

// Step appends token to the prefix, recomputes the stack over the whole
// prefix and returns the logits at the last position.
func (t *Transformer) Step(g *feature.Grid, s TransformerState, token int) ([]float64, TransformerState, error) {
	if s.memory == nil {
		return nil, TransformerState{}, ErrNotStarted
	}
	prefix := append(slices.Clip(s.prefix), token)
	hidden, err := t.forward(prefix, s.memory)
	if err != nil {
		return nil, TransformerState{}, err
	}
	last := len(prefix) - 1
	logits := t.out.ApplyRows(hidden.Slice(last, last+1, 0, t.cfg.ModelDim))
	return logits.RawRowView(0), TransformerState{prefix: prefix, memory: s.memory}, nil
}

// Logits runs prefix against g and returns one row of logits per position.
// Row i depends only on prefix[:i+1].
func (t *Transformer) Logits(g *feature.Grid, prefix []int) (*mat.Dense, error) {
	if err := checkGrid(g, t.cfg.FeatureDim); err != nil {
		return nil, err
	}
	hidden, err := t.forward(prefix, t.memory(g))
	if err != nil {
		return nil, err
	}
	return t.out.ApplyRows(hidden), nil
}

func (t *Transformer) memory(g *feature.Grid) []attention.KV {
	mem := make([]attention.KV, len(t.layers))
	for i, l := range t.layers {
		mem[i] = l.cross.Project(g.Matrix())
	}
	return mem
}

func (t *Transformer) forward(prefix []int, memory []attention.KV) (*mat.Dense, error) {
	n := len(prefix)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty prefix", ErrConfig)
	}
	if n > t.cfg.MaxLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, n, t.cfg.MaxLen)
	}

	x := mat.NewDense(n, t.cfg.ModelDim, nil)
	for i, tok := range prefix {
		emb, err := t.embed.Lookup(tok)
		if err != nil {
			return nil, fmt.Errorf("decoder: embedding position %d: %w", i, err)
		}
		row := x.RawRowView(i)
		copy(row, emb)
		for j, p := range t.pos.RawRowView(i) {
			row[j] += p
		}
	}

	for i, l := range t.layers {
		var sum mat.Dense

		sa := l.self.Attend(x, l.self.Project(x), true).Out
		sum.Add(x, sa)
		x = l.norm1.ApplyRows(&sum)

		ca := l.cross.Attend(x, memory[i], false).Out
		sum.Add(x, ca)
		x = l.norm2.ApplyRows(&sum)

		h := l.ff1.ApplyRows(x)
		nn.ReLU(h.RawMatrix().Data)
		f := l.ff2.ApplyRows(h)
		sum.Add(x, f)
		x = l.norm3.ApplyRows(&sum)
	}
	return x, nil
}
