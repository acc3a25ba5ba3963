// Package decoding turns a single-step decoder into captions: greedy
// decoding, beam search and seeded sampling.
//
// The engine only depends on the Decoder contract, so it drives the recurrent
// and transformer families alike. Every strategy checks the context once per
// decoding step and refuses to select a token from NaN or infinite logits.
package decoding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/krau/konacaption/feature"
	"github.com/krau/konacaption/nn"
	"gonum.org/v1/gonum/floats"
)

// Decoder is the step contract of a decoder family with state type S.
// Step must not modify the state it receives and must be safe to call
// concurrently with distinct or shared states.
type Decoder[S any] interface {
	Start(grid *feature.Grid) (S, error)
	Step(grid *feature.Grid, state S, token int) (logits []float64, next S, err error)
}

// Method selects a decoding strategy.
type Method string

const (
	Greedy     Method = "greedy"
	BeamSearch Method = "beam_search"
	Sample     Method = "sample"
)

var (
	// ErrInvalidOptions is returned for options that must not start decoding.
	ErrInvalidOptions = errors.New("decoding: invalid options")
	// ErrUnknownMethod is returned for an unsupported strategy name.
	ErrUnknownMethod = errors.New("decoding: unknown method")
	// ErrNumerical is returned when a decoder produced NaN or Inf logits.
	ErrNumerical = errors.New("decoding: non-finite logits")
)

// ParseMethod validates a strategy name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case Greedy, BeamSearch, Sample:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Options configures a decoding run.
type Options struct {
	StartToken int
	EndToken   int
	// MaxLength bounds the sequence length including the start token.
	MaxLength int
	// BeamWidth is the number of candidates kept by beam search.
	BeamWidth int
	// LengthPenalty selects the beam search winner by score/len^LengthPenalty,
	// len being the number of generated tokens. Zero selects on the raw
	// cumulative log-probability. Pruning always uses the raw score.
	LengthPenalty float64
	// Temperature divides the logits before the softmax. Zero means 1.
	Temperature float64
	// NoRepeatNGram forbids repeating any n-gram of this size. Zero disables it.
	NoRepeatNGram int
	// TopK restricts sampling to the k most likely tokens. Zero disables it.
	TopK int
	// Seed drives the sampler.
	Seed uint64
	// Workers bounds concurrent decoder steps within one beam step.
	// Zero means one goroutine per live candidate.
	Workers int
}

// Validate rejects options that cannot produce a caption for method.
func (o Options) Validate(method Method) error {
	var errs []error
	if o.MaxLength < 1 {
		errs = append(errs, fmt.Errorf("max length must be at least 1, got %d", o.MaxLength))
	}
	if method == BeamSearch && o.BeamWidth < 1 {
		errs = append(errs, fmt.Errorf("beam width must be at least 1, got %d", o.BeamWidth))
	}
	if o.StartToken < 0 || o.EndToken < 0 || o.StartToken == o.EndToken {
		errs = append(errs, fmt.Errorf("start %d and end %d tokens must be distinct ids", o.StartToken, o.EndToken))
	}
	if !ValidTemperature(o.Temperature) {
		errs = append(errs, fmt.Errorf("temperature must be zero or positive with a finite reciprocal, got %v", o.Temperature))
	}
	if math.IsNaN(o.LengthPenalty) || math.IsInf(o.LengthPenalty, 0) {
		errs = append(errs, fmt.Errorf("length penalty must be finite, got %v", o.LengthPenalty))
	}
	if o.NoRepeatNGram < 0 || o.TopK < 0 || o.Workers < 0 {
		errs = append(errs, errors.New("no-repeat n-gram, top-k and workers must be non-negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

// ValidTemperature reports whether t is zero (meaning 1) or a finite positive
// value whose reciprocal is finite too.
func ValidTemperature(t float64) bool {
	if t == 0 {
		return true
	}
	return t > 0 && !math.IsInf(t, 0) && !math.IsInf(1/t, 0)
}

// Result is a decoded sequence.
type Result struct {
	// Tokens starts with the start token and ends with the end token when
	// Terminated is set.
	Tokens []int
	// Score is the cumulative log-probability of Tokens[1:].
	Score float64
	// Terminated reports whether the end token was produced before MaxLength.
	Terminated bool
	// Steps counts decoding steps.
	Steps int
}

// Decode runs method over grid.
func Decode[S any](ctx context.Context, d Decoder[S], grid *feature.Grid, method Method, opts Options) (Result, error) {
	if err := opts.Validate(method); err != nil {
		return Result{}, err
	}
	switch method {
	case Greedy:
		return Greedily(ctx, d, grid, opts)
	case BeamSearch:
		return Beam(ctx, d, grid, opts)
	case Sample:
		return Sampled(ctx, d, grid, opts)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// logProbs converts raw logits into next-token log-probabilities after
// temperature scaling and token suppression. prefix is the sequence so far.
// The start token is never emitted, and no token may complete an n-gram of
// size NoRepeatNGram already in prefix unless that would leave nothing to pick.
func (o Options) logProbs(logits []float64, prefix []int) ([]float64, error) {
	if len(logits) == 0 {
		return nil, fmt.Errorf("%w: empty logits", ErrNumerical)
	}
	if err := nn.CheckFinite(logits); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNumerical, err)
	}
	x := slices.Clone(logits)
	if t := o.Temperature; t > 0 && t != 1 {
		floats.Scale(1/t, x)
		if err := nn.CheckFinite(x); err != nil {
			return nil, fmt.Errorf("%w: temperature %v: %w", ErrNumerical, t, err)
		}
	}
	banned := repeatedNGrams(prefix, o.NoRepeatNGram)
	banned[o.StartToken] = struct{}{}
	if !suppress(x, banned) {
		suppress(x, map[int]struct{}{o.StartToken: {}})
	}
	lp := nn.LogSoftmax(x)
	if err := checkLogProbs(lp); err != nil {
		return nil, err
	}
	return lp, nil
}

// checkLogProbs accepts -Inf for suppressed tokens but requires at least one
// finite entry and no NaN or +Inf.
func checkLogProbs(lp []float64) error {
	finite := false
	for i, v := range lp {
		if math.IsNaN(v) || math.IsInf(v, 1) {
			return fmt.Errorf("%w: log-probability %v at index %d", ErrNumerical, v, i)
		}
		if !math.IsInf(v, -1) {
			finite = true
		}
	}
	if !finite {
		return fmt.Errorf("%w: no selectable token", ErrNumerical)
	}
	return nil
}

// repeatedNGrams returns every token that would complete an n-gram already
// present in prefix.
func repeatedNGrams(prefix []int, n int) map[int]struct{} {
	banned := map[int]struct{}{}
	if n < 1 || len(prefix) < n {
		return banned
	}
	key := prefix[len(prefix)-n+1:]
	for i := 0; i+n <= len(prefix); i++ {
		if slices.Equal(prefix[i:i+n-1], key) {
			banned[prefix[i+n-1]] = struct{}{}
		}
	}
	return banned
}

// suppress sets the logits of banned tokens to -Inf. It leaves logits
// untouched and reports false when that would ban every token.
func suppress(logits []float64, banned map[int]struct{}) bool {
	n := 0
	for tok := range banned {
		if tok >= 0 && tok < len(logits) {
			n++
		}
	}
	if n >= len(logits) {
		return false
	}
	for tok := range banned {
		if tok >= 0 && tok < len(logits) {
			logits[tok] = math.Inf(-1)
		}
	}
	return true
}
