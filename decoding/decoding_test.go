package decoding

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/krau/konacaption/decoder"
	"github.com/krau/konacaption/feature"
	"github.com/krau/konacaption/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokStart = 0
	tokEnd   = 1
	tokA     = 2
	tokB     = 3
)

// tableDecoder returns next-token probabilities that depend only on the
// previous token.
type tableDecoder struct {
	rows  map[int][]float64
	steps atomic.Int64
}

func (d *tableDecoder) Start(*feature.Grid) (int, error) { return 0, nil }

func (d *tableDecoder) Step(_ *feature.Grid, n int, token int) ([]float64, int, error) {
	d.steps.Add(1)
	row := d.rows[token]
	logits := make([]float64, len(row))
	for i, p := range row {
		logits[i] = math.Log(p)
	}
	return logits, n + 1, nil
}

// constDecoder returns the same logits at every step.
type constDecoder []float64

func (d constDecoder) Start(*feature.Grid) (struct{}, error) { return struct{}{}, nil }

func (d constDecoder) Step(*feature.Grid, struct{}, int) ([]float64, struct{}, error) {
	return append([]float64(nil), d...), struct{}{}, nil
}

const tiny = 1e-9

func branchingTable() *tableDecoder {
	return &tableDecoder{rows: map[int][]float64{
		tokStart: {tiny, 0.1, 0.5, 0.4},
		tokA:     {tiny, 0.2, 0.45, 0.35},
		tokB:     {tiny, 0.9, 0.05, 0.05},
	}}
}

func baseOptions() Options {
	return Options{StartToken: tokStart, EndToken: tokEnd, MaxLength: 4, BeamWidth: 1}
}

func testGrid(t *testing.T) *feature.Grid {
	t.Helper()
	g, err := feature.NewGrid(2, 3, nil)
	require.NoError(t, err)
	return g
}

func TestParseMethod(t *testing.T) {
	for _, s := range []string{"greedy", "beam_search", "sample"} {
		m, err := ParseMethod(s)
		require.NoError(t, err)
		assert.Equal(t, Method(s), m)
	}
	_, err := ParseMethod("nucleus")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestOptionsValidate(t *testing.T) {
	o := baseOptions()
	require.NoError(t, o.Validate(BeamSearch))

	bad := o
	bad.MaxLength = 0
	assert.ErrorIs(t, bad.Validate(Greedy), ErrInvalidOptions)

	bad = o
	bad.BeamWidth = 0
	assert.NoError(t, bad.Validate(Greedy))
	assert.ErrorIs(t, bad.Validate(BeamSearch), ErrInvalidOptions)

	bad = o
	bad.EndToken = bad.StartToken
	assert.ErrorIs(t, bad.Validate(Greedy), ErrInvalidOptions)

	for _, temp := range []float64{-1, math.NaN(), math.Inf(1), 1e-310} {
		bad = o
		bad.Temperature = temp
		assert.ErrorIs(t, bad.Validate(Sample), ErrInvalidOptions, temp)
	}
}

func TestValidTemperature(t *testing.T) {
	for _, temp := range []float64{0, 1e-300, 0.7, 1, 10} {
		assert.True(t, ValidTemperature(temp), temp)
	}
	for _, temp := range []float64{-0.5, math.NaN(), math.Inf(1), 1e-310, 4e-324} {
		assert.False(t, ValidTemperature(temp), temp)
	}
}

func TestScaledLogitsOverflow(t *testing.T) {
	o := baseOptions()
	o.Temperature = 1e-300
	logits := constDecoder{0, 0.5, 1e10, 1}
	_, err := o.logProbs(logits, []int{tokStart})
	assert.ErrorIs(t, err, ErrNumerical)

	o.BeamWidth = 2
	for _, m := range []Method{Greedy, BeamSearch, Sample} {
		res, err := Decode(context.Background(), logits, testGrid(t), m, o)
		assert.ErrorIs(t, err, ErrNumerical, m)
		assert.Empty(t, res.Tokens, m)
	}
}

func TestCheckLogProbs(t *testing.T) {
	require.NoError(t, checkLogProbs([]float64{math.Inf(-1), -0.1, -2.4}))
	assert.ErrorIs(t, checkLogProbs([]float64{math.Inf(-1), math.NaN()}), ErrNumerical)
	assert.ErrorIs(t, checkLogProbs([]float64{math.Inf(-1), math.Inf(-1)}), ErrNumerical)
	assert.ErrorIs(t, checkLogProbs([]float64{math.Inf(1), 0}), ErrNumerical)
}

func TestGreedyFollowsArgmax(t *testing.T) {
	d := branchingTable()
	res, err := Greedily(context.Background(), d, testGrid(t), baseOptions())
	require.NoError(t, err)
	assert.Equal(t, []int{tokStart, tokA, tokA, tokA}, res.Tokens)
	assert.False(t, res.Terminated)
	assert.Equal(t, 3, res.Steps)
	assert.InDelta(t, math.Log(0.5*0.45*0.45), res.Score, 1e-6)

	again, err := Greedily(context.Background(), d, testGrid(t), baseOptions())
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestGreedyStopsAtEnd(t *testing.T) {
	d := &tableDecoder{rows: map[int][]float64{
		tokStart: {tiny, 0.2, 0.7, 0.1},
		tokA:     {tiny, 0.8, 0.1, 0.1},
	}}
	o := baseOptions()
	o.MaxLength = 20
	res, err := Greedily(context.Background(), d, testGrid(t), o)
	require.NoError(t, err)
	assert.Equal(t, []int{tokStart, tokA, tokEnd}, res.Tokens)
	assert.True(t, res.Terminated)
	assert.EqualValues(t, 2, d.steps.Load())
}

func TestMaxLengthOne(t *testing.T) {
	for _, m := range []Method{Greedy, BeamSearch, Sample} {
		o := baseOptions()
		o.MaxLength = 1
		res, err := Decode(context.Background(), branchingTable(), testGrid(t), m, o)
		require.NoError(t, err, m)
		assert.Equal(t, []int{tokStart}, res.Tokens, m)
		assert.Zero(t, res.Steps, m)
	}
}

func TestBeamWidthOneMatchesGreedy(t *testing.T) {
	ctx := context.Background()
	o := baseOptions()
	g, err := Greedily(ctx, branchingTable(), testGrid(t), o)
	require.NoError(t, err)
	b, err := Beam(ctx, branchingTable(), testGrid(t), o)
	require.NoError(t, err)
	assert.Equal(t, g.Tokens, b.Tokens)
	assert.InDelta(t, g.Score, b.Score, 1e-12)
}

func TestBeamWidthOneMatchesGreedyOnModels(t *testing.T) {
	rng := nn.NewRand(11)
	data := make([]float64, 49*16)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	grid, err := feature.NewGrid(49, 16, data)
	require.NoError(t, err)
	o := Options{StartToken: 0, EndToken: 1, MaxLength: 12, BeamWidth: 1}
	ctx := context.Background()

	rec, err := decoder.NewRecurrent(decoder.RecurrentConfig{
		VocabSize: 30, EmbedDim: 8, HiddenDim: 16, AttentionDim: 8, FeatureDim: 16, Seed: 3,
	})
	require.NoError(t, err)
	g1, err := Greedily(ctx, rec, grid, o)
	require.NoError(t, err)
	b1, err := Beam(ctx, rec, grid, o)
	require.NoError(t, err)
	assert.Equal(t, g1.Tokens, b1.Tokens)

	tr, err := decoder.NewTransformer(decoder.TransformerConfig{
		VocabSize: 30, ModelDim: 8, FeatureDim: 16, Heads: 2, Layers: 2, FFDim: 16, MaxLen: 12, Seed: 3,
	})
	require.NoError(t, err)
	g2, err := Greedily(ctx, tr, grid, o)
	require.NoError(t, err)
	b2, err := Beam(ctx, tr, grid, o)
	require.NoError(t, err)
	assert.Equal(t, g2.Tokens, b2.Tokens)
}

func TestBeamWiderNeverScoresWorse(t *testing.T) {
	prev := math.Inf(-1)
	for k := 1; k <= 4; k++ {
		o := baseOptions()
		o.BeamWidth = k
		res, err := Beam(context.Background(), branchingTable(), testGrid(t), o)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Score, prev-1e-9, "beam width %d", k)
		prev = res.Score
		if k > 1 {
			assert.Equal(t, []int{tokStart, tokB, tokEnd}, res.Tokens)
			assert.True(t, res.Terminated)
			assert.InDelta(t, math.Log(0.36), res.Score, 1e-6)
		}
	}
}

func TestBeamLengthPenalty(t *testing.T) {
	d := &tableDecoder{rows: map[int][]float64{
		tokStart: {tiny, 0.4, 0.6},
		tokA:     {tiny, 0.3, 0.7},
	}}
	o := baseOptions()
	o.BeamWidth = 3

	raw, err := Beam(context.Background(), d, testGrid(t), o)
	require.NoError(t, err)
	assert.Equal(t, []int{tokStart, tokEnd}, raw.Tokens)

	o.LengthPenalty = 1
	norm, err := Beam(context.Background(), d, testGrid(t), o)
	require.NoError(t, err)
	assert.Equal(t, []int{tokStart, tokA, tokEnd}, norm.Tokens)
	assert.InDelta(t, math.Log(0.18), norm.Score, 1e-6)
}

func TestBeamOutputShape(t *testing.T) {
	o := Options{StartToken: 0, EndToken: 1, MaxLength: 10, BeamWidth: 3, Workers: 2}
	res, err := Beam(context.Background(), constDecoder{-5, 0.5, 1, 0.2}, testGrid(t), o)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Tokens), 10)
	assert.Equal(t, 0, res.Tokens[0])
	assert.NotContains(t, res.Tokens[1:], 0)
	for i, tok := range res.Tokens[1:] {
		if tok == 1 {
			assert.Equal(t, len(res.Tokens)-2, i, "end token before the last position")
		}
	}
}

func TestPruneKeepsBest(t *testing.T) {
	pool := []candidate[int]{
		{score: -3, order: 0},
		{score: -1, order: 1},
		{score: -1, last: -0.5, order: 2},
		{score: -2, order: 3},
	}
	kept := prune(pool, 2)
	require.Len(t, kept, 2)
	assert.Equal(t, 1, kept[0].order)
	assert.Equal(t, 2, kept[1].order)

	assert.Len(t, prune([]candidate[int]{{score: -1}}, 3), 1)
}

type countingState struct{ clones *atomic.Int64 }

func (s countingState) Clone() countingState {
	s.clones.Add(1)
	return s
}

func TestForkClonesSiblings(t *testing.T) {
	var n atomic.Int64
	st := countingState{clones: &n}
	fork([]candidate[countingState]{
		{parent: 0, state: st},
		{parent: 0, state: st},
		{parent: 1, state: st},
		{parent: -1, state: st},
	})
	assert.EqualValues(t, 1, n.Load())
}

type nanDecoder struct{}

func (nanDecoder) Start(*feature.Grid) (int, error) { return 0, nil }

func (nanDecoder) Step(*feature.Grid, int, int) ([]float64, int, error) {
	return []float64{0, math.NaN(), 1}, 0, nil
}

func TestNonFiniteLogits(t *testing.T) {
	o := Options{StartToken: 0, EndToken: 1, MaxLength: 5, BeamWidth: 2}
	for _, m := range []Method{Greedy, BeamSearch, Sample} {
		res, err := Decode(context.Background(), nanDecoder{}, testGrid(t), m, o)
		assert.ErrorIs(t, err, ErrNumerical, m)
		assert.Empty(t, res.Tokens, m)
	}
}

func TestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := baseOptions()
	o.BeamWidth = 2
	for _, m := range []Method{Greedy, BeamSearch, Sample} {
		d := branchingTable()
		_, err := Decode(ctx, d, testGrid(t), m, o)
		assert.ErrorIs(t, err, context.Canceled, m)
		assert.Zero(t, d.steps.Load(), m)
	}
}

func TestNoRepeatUnigram(t *testing.T) {
	o := Options{StartToken: 0, EndToken: 1, MaxLength: 10, NoRepeatNGram: 1}
	res, err := Greedily(context.Background(), constDecoder{-5, -3, 2, 1, 0}, testGrid(t), o)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3, 4, 1}, res.Tokens)
	assert.True(t, res.Terminated)
}

func TestRepeatedNGrams(t *testing.T) {
	assert.Equal(t, map[int]struct{}{2: {}}, repeatedNGrams([]int{0, 2, 1, 0}, 2))
	assert.Equal(t, map[int]struct{}{0: {}, 1: {}}, repeatedNGrams([]int{0, 1}, 1))
	assert.Empty(t, repeatedNGrams([]int{0, 1}, 3))
	assert.Empty(t, repeatedNGrams([]int{0, 1, 0}, 0))
}

func TestSuppressKeepsOneToken(t *testing.T) {
	logits := []float64{1, 2}
	assert.False(t, suppress(logits, map[int]struct{}{0: {}, 1: {}}))
	assert.Equal(t, []float64{1, 2}, logits)

	logits = []float64{1, 2, 3}
	assert.True(t, suppress(logits, map[int]struct{}{2: {}, 7: {}}))
	assert.True(t, math.IsInf(logits[2], -1))
	assert.Equal(t, 2.0, logits[1])
}

func TestStartTokenNeverEmitted(t *testing.T) {
	o := Options{StartToken: 2, EndToken: 0, MaxLength: 4, BeamWidth: 2}
	for _, m := range []Method{Greedy, BeamSearch, Sample} {
		res, err := Decode(context.Background(), constDecoder{-1, 0, 5}, testGrid(t), m, o)
		require.NoError(t, err, m)
		assert.NotContains(t, res.Tokens[1:], 2, m)
	}
}

func TestSampledReproducible(t *testing.T) {
	o := Options{StartToken: 0, EndToken: 1, MaxLength: 8, Seed: 42, Temperature: 1.5}
	d := constDecoder{-5, 0, 0.5, 0.3, 0.1}
	a, err := Sampled(context.Background(), d, testGrid(t), o)
	require.NoError(t, err)
	b, err := Sampled(context.Background(), d, testGrid(t), o)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSampledTopOneIsGreedy(t *testing.T) {
	o := baseOptions()
	o.TopK = 1
	o.Seed = 7
	s, err := Sampled(context.Background(), branchingTable(), testGrid(t), o)
	require.NoError(t, err)
	g, err := Greedily(context.Background(), branchingTable(), testGrid(t), o)
	require.NoError(t, err)
	assert.Equal(t, g.Tokens, s.Tokens)
}
