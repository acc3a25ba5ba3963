// Package service assembles the captioning runtime from configuration.
package service

import (
	"context"
	"fmt"
	"image"

	"github.com/krau/konacaption/captioner"
	"github.com/krau/konacaption/config"
	"github.com/krau/konacaption/decoder"
	"github.com/krau/konacaption/decoding"
	"github.com/krau/konacaption/feature"
	"github.com/krau/konacaption/onnx"
	"github.com/krau/konacaption/vocab"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Runtime owns the model resources of one process: the vocabulary, the
// extractor and the decoder. It is built once at startup, passed explicitly
// to its users and is safe for concurrent use.
type Runtime struct {
	cfg    config.Config
	vocab  *vocab.Vocabulary
	gen    captioner.Generator
	sem    *semaphore.Weighted
	logger *zap.Logger
	close  []func() error
}

// New loads the vocabulary, the extractor and the decoder described by cfg.
func New(cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{cfg: cfg, logger: logger}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}

	v, err := loadVocab(cfg.Decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to load vocabulary: %w", err)
	}
	r.vocab = v

	ex, dim, err := r.extractor()
	if err != nil {
		r.Close()
		return nil, err
	}

	opts := captioner.Options{
		LengthPenalty: cfg.Generation.LengthPenalty,
		NoRepeatNGram: cfg.Generation.NoRepeatNGram,
		Workers:       cfg.Generation.Workers,
		Logger:        logger.Named("captioner"),
	}
	d := cfg.Decoder
	switch d.Family {
	case decoder.FamilyRecurrent:
		var dec *decoder.Recurrent
		dec, err = decoder.NewRecurrent(decoder.RecurrentConfig{
			VocabSize:    v.Size(),
			EmbedDim:     d.EmbedDim,
			HiddenDim:    d.HiddenDim,
			AttentionDim: d.AttentionDim,
			FeatureDim:   dim,
			Seed:         d.Seed,
		})
		if err == nil {
			r.gen, err = captioner.New(ex, dec, v, opts)
		}
	case decoder.FamilyTransformer:
		var dec *decoder.Transformer
		dec, err = decoder.NewTransformer(decoder.TransformerConfig{
			VocabSize:  v.Size(),
			ModelDim:   d.ModelDim,
			FeatureDim: dim,
			Heads:      d.Heads,
			Layers:     d.Layers,
			FFDim:      d.FFDim,
			MaxLen:     d.MaxLen,
			Seed:       d.Seed,
		})
		if err == nil {
			r.gen, err = captioner.New(ex, dec, v, opts)
		}
	default:
		err = fmt.Errorf("%w: unknown family %q", decoder.ErrConfig, d.Family)
	}
	if err != nil {
		r.Close()
		return nil, err
	}

	logger.Info("Captioning runtime ready",
		zap.String("family", d.Family),
		zap.String("extractor", cfg.Extractor.Kind),
		zap.Int("vocab_size", v.Size()),
		zap.Int("feature_dim", dim),
		zap.String("model_version", d.ModelVersion))
	return r, nil
}

func loadVocab(d config.Decoder) (*vocab.Vocabulary, error) {
	if d.VocabPath != "" {
		return vocab.LoadFile(d.VocabPath)
	}
	return vocab.Synthetic(d.VocabSize, vocab.DefaultSpecial)
}

func (r *Runtime) extractor() (feature.Extractor, int, error) {
	e := r.cfg.Extractor
	if e.Kind == "pixel" {
		px, err := feature.NewPixelExtractor(e.GridSide, e.FeatureDim, e.Seed)
		if err != nil {
			return nil, 0, err
		}
		return px, px.Dim(), nil
	}

	if err := onnx.Init(onnx.LibPath(r.cfg.Libonnx), r.logger); err != nil {
		return nil, 0, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	r.close = append(r.close, onnx.Destroy)
	ex, err := onnx.NewExtractor(e.ModelPath, onnx.Options{ImageSize: e.ImageSize, Sessions: e.Sessions}, r.logger.Named("onnx"))
	if err != nil {
		return nil, 0, err
	}
	r.close = append(r.close, func() error { ex.Close(); return nil })
	return ex, ex.Dim(), nil
}

// Generate captions img, waiting for a free slot when MaxConcurrent is set.
func (r *Runtime) Generate(ctx context.Context, img image.Image, req captioner.Request) (*captioner.Caption, error) {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
	}
	return r.gen.Generate(ctx, img, req)
}

// GenerateBatch captions imgs as one slot of the concurrency limit.
func (r *Runtime) GenerateBatch(ctx context.Context, imgs []image.Image, req captioner.Request) ([]*captioner.Caption, error) {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
	}
	return r.gen.GenerateBatch(ctx, imgs, req)
}

// Defaults returns the configured request defaults.
func (r *Runtime) Defaults() captioner.Request {
	g := r.cfg.Generation
	return captioner.Request{
		Method:      decoding.Method(g.Method),
		MaxLength:   g.MaxLength,
		BeamWidth:   g.BeamWidth,
		Temperature: g.Temperature,
		TopK:        g.TopK,
	}
}

// Limits returns the largest max length and beam width a request may ask for.
func (r *Runtime) Limits() (maxLength, beamWidth int) {
	return r.cfg.Generation.LengthLimit, r.cfg.Generation.BeamLimit
}

// Version is the configured model version.
func (r *Runtime) Version() string { return r.cfg.Decoder.ModelVersion }

// Vocab returns the loaded vocabulary.
func (r *Runtime) Vocab() *vocab.Vocabulary { return r.vocab }

// Close releases the extractor and the ONNX Runtime environment.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.close) - 1; i >= 0; i-- {
		if err := r.close[i](); err != nil && first == nil {
			first = err
		}
	}
	r.close = nil
	return first
}
