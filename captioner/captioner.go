// Package captioner ties a feature extractor, a decoder and a vocabulary
// into a single image-to-text operation.
package captioner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/krau/konacaption/decoding"
	"github.com/krau/konacaption/feature"
	"github.com/krau/konacaption/vocab"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRequest wraps every request rejected before decoding starts.
var ErrInvalidRequest = errors.New("captioner: invalid request")

// Request selects the decoding strategy for one caption.
type Request struct {
	Method      decoding.Method
	MaxLength   int
	BeamWidth   int
	Temperature float64
	TopK        int
	Seed        uint64
}

// Validate rejects requests that must not reach the extractor.
func (r Request) Validate() error {
	if _, err := decoding.ParseMethod(string(r.Method)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if r.MaxLength < 1 {
		return fmt.Errorf("%w: max length must be at least 1, got %d", ErrInvalidRequest, r.MaxLength)
	}
	if r.Method == decoding.BeamSearch && r.BeamWidth < 1 {
		return fmt.Errorf("%w: beam width must be at least 1, got %d", ErrInvalidRequest, r.BeamWidth)
	}
	if !decoding.ValidTemperature(r.Temperature) {
		return fmt.Errorf("%w: temperature must be zero or a positive value with a finite reciprocal, got %v", ErrInvalidRequest, r.Temperature)
	}
	if r.TopK < 0 {
		return fmt.Errorf("%w: top-k must be non-negative, got %d", ErrInvalidRequest, r.TopK)
	}
	return nil
}

// Caption is a generated description.
type Caption struct {
	Text   string          `json:"caption"`
	Method decoding.Method `json:"method"`
	// Tokens are the generated ids without start and end tokens.
	Tokens []int   `json:"tokens"`
	Score  float64 `json:"score"`
	// Truncated is set when decoding hit the length limit before the end token.
	Truncated bool          `json:"truncated"`
	Elapsed   time.Duration `json:"-"`
}

// Generator is implemented by every Captioner regardless of decoder family.
type Generator interface {
	Generate(ctx context.Context, img image.Image, req Request) (*Caption, error)
	GenerateBatch(ctx context.Context, imgs []image.Image, req Request) ([]*Caption, error)
}

// Options holds settings shared by every request.
type Options struct {
	LengthPenalty float64
	NoRepeatNGram int
	// Workers bounds concurrent decoder steps inside one beam step and
	// concurrent images inside a batch. Zero means unbounded.
	Workers int
	Logger  *zap.Logger
}

// Captioner generates captions with a decoder of state type S. All of its
// collaborators are read-only, so one Captioner serves concurrent requests.
type Captioner[S any] struct {
	extractor feature.Extractor
	decoder   decoding.Decoder[S]
	vocab     *vocab.Vocabulary
	opts      Options
	// maxLen is the longest sequence the decoder accepts, zero if unbounded.
	maxLen int
	logger *zap.Logger
}

// New checks that the decoder's output size matches the vocabulary when the
// decoder reports it. A decoder with a MaxLen method bounds the MaxLength of
// every request.
func New[S any](ex feature.Extractor, dec decoding.Decoder[S], v *vocab.Vocabulary, opts Options) (*Captioner[S], error) {
	if ex == nil || dec == nil || v == nil {
		return nil, errors.New("captioner: extractor, decoder and vocabulary are required")
	}
	if sized, ok := dec.(interface{ VocabSize() int }); ok && sized.VocabSize() != v.Size() {
		return nil, fmt.Errorf("captioner: decoder emits %d logits, vocabulary has %d tokens", sized.VocabSize(), v.Size())
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Captioner[S]{extractor: ex, decoder: dec, vocab: v, opts: opts, logger: logger}
	if bounded, ok := dec.(interface{ MaxLen() int }); ok {
		c.maxLen = bounded.MaxLen()
	}
	return c, nil
}

// MaxLength returns the longest sequence the decoder accepts, including the
// start token, or zero when it has no bound.
func (c *Captioner[S]) MaxLength() int { return c.maxLen }

func (c *Captioner[S]) validate(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if c.maxLen > 0 && req.MaxLength > c.maxLen {
		return fmt.Errorf("%w: max length %d exceeds the decoder limit %d", ErrInvalidRequest, req.MaxLength, c.maxLen)
	}
	return nil
}

// Generate extracts img once and decodes a caption for it.
func (c *Captioner[S]) Generate(ctx context.Context, img image.Image, req Request) (*Caption, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrInvalidRequest)
	}
	start := time.Now()
	grid, err := c.extractor.Extract(ctx, img)
	if errors.Is(err, feature.ErrEmptyGrid) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err != nil {
		return nil, fmt.Errorf("captioner: extracting features: %w", err)
	}
	caption, err := c.decode(ctx, grid, req)
	if err != nil {
		return nil, err
	}
	caption.Elapsed = time.Since(start)
	c.logger.Debug("Caption generated",
		zap.String("method", string(req.Method)),
		zap.Int("tokens", len(caption.Tokens)),
		zap.Bool("truncated", caption.Truncated),
		zap.Duration("elapsed", caption.Elapsed))
	return caption, nil
}

// GenerateFromGrid decodes a caption for an already extracted grid.
func (c *Captioner[S]) GenerateFromGrid(ctx context.Context, grid *feature.Grid, req Request) (*Caption, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	start := time.Now()
	caption, err := c.decode(ctx, grid, req)
	if err != nil {
		return nil, err
	}
	caption.Elapsed = time.Since(start)
	return caption, nil
}

// GenerateBatch captions imgs concurrently. Results keep the input order;
// the first failure cancels the remaining images.
func (c *Captioner[S]) GenerateBatch(ctx context.Context, imgs []image.Image, req Request) ([]*Caption, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	out := make([]*Caption, len(imgs))
	g, ctx := errgroup.WithContext(ctx)
	if c.opts.Workers > 0 {
		g.SetLimit(c.opts.Workers)
	}
	for i, img := range imgs {
		g.Go(func() error {
			caption, err := c.Generate(ctx, img, req)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			out[i] = caption
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Captioner[S]) decode(ctx context.Context, grid *feature.Grid, req Request) (*Caption, error) {
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	sp := c.vocab.Special()
	opts := decoding.Options{
		StartToken:    sp.Start,
		EndToken:      sp.End,
		MaxLength:     req.MaxLength,
		BeamWidth:     req.BeamWidth,
		LengthPenalty: c.opts.LengthPenalty,
		Temperature:   req.Temperature,
		NoRepeatNGram: c.opts.NoRepeatNGram,
		TopK:          req.TopK,
		Seed:          req.Seed,
		Workers:       c.opts.Workers,
	}
	res, err := decoding.Decode(ctx, c.decoder, grid, req.Method, opts)
	if err != nil {
		return nil, err
	}
	tokens := res.Tokens[1:]
	if res.Terminated {
		tokens = tokens[:len(tokens)-1]
	}
	return &Caption{
		Text:      c.vocab.Decode(tokens),
		Method:    req.Method,
		Tokens:    append([]int{}, tokens...),
		Score:     res.Score,
		Truncated: !res.Terminated,
	}, nil
}
