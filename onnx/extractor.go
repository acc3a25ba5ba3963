package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/krau/konacaption/feature"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ErrClosed is returned by Extract after Close.
var ErrClosed = errors.New("onnx: extractor closed")

// Options configures an Extractor.
type Options struct {
	ImageSize int
	// Sessions is the number of sessions run in parallel.
	Sessions int
}

type session struct {
	run    *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

// Extractor runs a backbone whose single input is a (1, 3, S, S) image and
// whose single output is either a (1, C, H, W) feature map or a (1, N, F)
// sequence of feature vectors. Sessions are pooled; a request waits for a
// free one.
type Extractor struct {
	pool     chan *session
	sessions []*session
	size     int
	shape    ort.Shape
	logger   *zap.Logger
}

// NewExtractor opens opts.Sessions sessions of the model at path. Init must
// have been called.
func NewExtractor(path string, opts Options, logger *zap.Logger) (*Extractor, error) {
	if opts.ImageSize <= 0 || opts.Sessions <= 0 {
		return nil, errors.New("onnx: image size and sessions must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("onnx: model must have one input and one output, has %d and %d", len(inputs), len(outputs))
	}
	outShape, err := fixedShape(outputs[0].Dimensions)
	if err != nil {
		return nil, fmt.Errorf("onnx: output %q: %w", outputs[0].Name, err)
	}
	if _, _, err := gridShape(outShape); err != nil {
		return nil, err
	}

	e := &Extractor{
		pool:   make(chan *session, opts.Sessions),
		size:   opts.ImageSize,
		shape:  outShape,
		logger: logger,
	}
	for i := 0; i < opts.Sessions; i++ {
		s, err := newSession(path, inputs[0].Name, outputs[0].Name, opts.ImageSize, outShape)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.sessions = append(e.sessions, s)
		e.pool <- s
	}
	n, dim, _ := gridShape(outShape)
	logger.Info("Feature extractor loaded",
		zap.String("model", path),
		zap.Int("sessions", opts.Sessions),
		zap.Int("grid", n),
		zap.Int("feature_dim", dim))
	return e, nil
}

func newSession(path, inputName, outputName string, size int, outShape ort.Shape) (*session, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), make([]float32, 3*size*size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	run, err := ort.NewAdvancedSession(path,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{input},
		[]ort.Value{output},
		opts,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return &session{run: run, input: input, output: output}, nil
}

// Dim returns the feature dimension of the produced grids.
func (e *Extractor) Dim() int {
	_, dim, _ := gridShape(e.shape)
	return dim
}

// Extract implements feature.Extractor.
func (e *Extractor) Extract(ctx context.Context, img image.Image) (*feature.Grid, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, feature.ErrEmptyGrid
	}
	pixels := Preprocess(img, e.size)

	var s *session
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s = <-e.pool:
	}
	if s == nil {
		return nil, ErrClosed
	}
	defer func() { e.pool <- s }()

	copy(s.input.GetData(), pixels)
	if err := s.run.Run(); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	return gridFromOutput(e.shape, s.output.GetData())
}

// Close releases every session. It must not race with Extract.
func (e *Extractor) Close() {
	for _, s := range e.sessions {
		s.run.Destroy()
		s.input.Destroy()
		s.output.Destroy()
	}
	e.sessions = nil
	close(e.pool)
}

// ErrDynamicShape is returned for a backbone output whose non-batch
// dimensions are not fixed in the model.
var ErrDynamicShape = errors.New("dynamic output dimension")

// fixedShape pins a dynamic batch dimension to 1. Every other dimension must
// be fixed, since the output tensor is allocated once per session.
func fixedShape(dims ort.Shape) (ort.Shape, error) {
	out := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d < 1 {
			if i != 0 {
				return nil, fmt.Errorf("%w: shape %v, axis %d; re-export the backbone with fixed spatial and feature sizes", ErrDynamicShape, dims, i)
			}
			d = 1
		}
		out[i] = d
	}
	return out, nil
}

// gridShape maps an output shape to grid length and feature dimension.
func gridShape(s ort.Shape) (n, dim int, err error) {
	switch {
	case len(s) == 4 && s[0] == 1:
		return int(s[2] * s[3]), int(s[1]), nil
	case len(s) == 3 && s[0] == 1:
		return int(s[1]), int(s[2]), nil
	default:
		return 0, 0, fmt.Errorf("onnx: unsupported output shape %v, want (1,C,H,W) or (1,N,F)", s)
	}
}

// gridFromOutput copies backbone output into a grid, transposing a
// (1, C, H, W) map so each of the H*W locations becomes one row.
func gridFromOutput(s ort.Shape, data []float32) (*feature.Grid, error) {
	n, dim, err := gridShape(s)
	if err != nil {
		return nil, err
	}
	if len(data) != n*dim {
		return nil, fmt.Errorf("%w: output has %d values for shape %v", feature.ErrShape, len(data), s)
	}
	if len(s) == 3 {
		return feature.FromFloat32(n, dim, data)
	}
	rows := make([]float64, n*dim)
	for c := 0; c < dim; c++ {
		for p := 0; p < n; p++ {
			rows[p*dim+c] = float64(data[c*n+p])
		}
	}
	return feature.NewGrid(n, dim, rows)
}
