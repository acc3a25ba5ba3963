package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/krau/konacaption/decoding"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token    string `toml:"token"`
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	LogLevel string `toml:"log_level"`
	Libonnx  string `toml:"libonnx"`
	// MaxConcurrent bounds the requests decoded at once. Zero means no limit.
	MaxConcurrent int `toml:"max_concurrent"`
	// MaxUploadMB bounds the size of an uploaded image.
	MaxUploadMB int `toml:"max_upload_mb"`

	Extractor  Extractor  `toml:"extractor"`
	Decoder    Decoder    `toml:"decoder"`
	Generation Generation `toml:"generation"`
}

// Extractor configures the image backbone.
type Extractor struct {
	// Kind is "onnx" for an exported backbone or "pixel" for the built-in
	// pooled-pixel extractor.
	Kind      string `toml:"kind"`
	ModelPath string `toml:"model_path"`
	ImageSize int    `toml:"image_size"`
	// GridSide is the side of the pooled grid of the pixel extractor.
	GridSide   int    `toml:"grid_side"`
	FeatureDim int    `toml:"feature_dim"`
	Sessions   int    `toml:"sessions"`
	Seed       uint64 `toml:"seed"`
}

// Decoder configures the decoder family and its vocabulary.
type Decoder struct {
	Family       string `toml:"family"`
	VocabPath    string `toml:"vocab_path"`
	VocabSize    int    `toml:"vocab_size"`
	EmbedDim     int    `toml:"embed_dim"`
	HiddenDim    int    `toml:"hidden_dim"`
	AttentionDim int    `toml:"attention_dim"`
	ModelDim     int    `toml:"model_dim"`
	Heads        int    `toml:"heads"`
	Layers       int    `toml:"layers"`
	FFDim        int    `toml:"ff_dim"`
	MaxLen       int    `toml:"max_len"`
	Seed         uint64 `toml:"seed"`
	ModelVersion string `toml:"model_version"`
}

// Generation holds request defaults and the bounds enforced on requests.
type Generation struct {
	Method        string  `toml:"method"`
	MaxLength     int     `toml:"max_length"`
	BeamWidth     int     `toml:"beam_width"`
	Temperature   float64 `toml:"temperature"`
	TopK          int     `toml:"top_k"`
	LengthPenalty float64 `toml:"length_penalty"`
	NoRepeatNGram int     `toml:"no_repeat_ngram"`
	Workers       int     `toml:"workers"`

	LengthLimit int `toml:"length_limit"`
	BeamLimit   int `toml:"beam_limit"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Token:         "",
		Host:          "0.0.0.0",
		Port:          "8000",
		LogLevel:      "info",
		MaxConcurrent: 4,
		MaxUploadMB:   10,
		Extractor: Extractor{
			Kind:       "pixel",
			ModelPath:  "models/encoder.onnx",
			ImageSize:  224,
			GridSide:   7,
			FeatureDim: 512,
			Sessions:   2,
			Seed:       1,
		},
		Decoder: Decoder{
			Family:       "transformer",
			VocabSize:    1000,
			EmbedDim:     256,
			HiddenDim:    512,
			AttentionDim: 256,
			ModelDim:     256,
			Heads:        8,
			Layers:       3,
			FFDim:        1024,
			MaxLen:       100,
			Seed:         42,
			ModelVersion: "1.0.0",
		},
		Generation: Generation{
			Method:      "beam_search",
			MaxLength:   20,
			BeamWidth:   3,
			Temperature: 1,
			LengthLimit: 100,
			BeamLimit:   10,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the values that cannot be caught when the decoder is built.
func (c Config) Validate() error {
	var errs []error
	switch c.Extractor.Kind {
	case "onnx", "pixel":
	default:
		errs = append(errs, fmt.Errorf("extractor.kind must be onnx or pixel, got %q", c.Extractor.Kind))
	}
	if c.Extractor.Sessions < 1 {
		errs = append(errs, fmt.Errorf("extractor.sessions must be positive, got %d", c.Extractor.Sessions))
	}
	switch c.Decoder.Family {
	case "lstm", "transformer":
	default:
		errs = append(errs, fmt.Errorf("decoder.family must be lstm or transformer, got %q", c.Decoder.Family))
	}
	g := c.Generation
	if g.LengthLimit < 1 || g.BeamLimit < 1 {
		errs = append(errs, errors.New("generation.length_limit and generation.beam_limit must be positive"))
	}
	if g.MaxLength < 1 || g.MaxLength > g.LengthLimit {
		errs = append(errs, fmt.Errorf("generation.max_length must be in [1, %d], got %d", g.LengthLimit, g.MaxLength))
	}
	if g.BeamWidth < 1 || g.BeamWidth > g.BeamLimit {
		errs = append(errs, fmt.Errorf("generation.beam_width must be in [1, %d], got %d", g.BeamLimit, g.BeamWidth))
	}
	if !decoding.ValidTemperature(g.Temperature) {
		errs = append(errs, fmt.Errorf("generation.temperature must be zero or positive with a finite reciprocal, got %v", g.Temperature))
	}
	if c.Decoder.Family == "transformer" && g.LengthLimit > c.Decoder.MaxLen {
		errs = append(errs, fmt.Errorf("generation.length_limit %d exceeds decoder.max_len %d", g.LengthLimit, c.Decoder.MaxLen))
	}
	return errors.Join(errs...)
}
