package feature

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
)

// ImageNet normalisation statistics used by the pretrained backbones.
var (
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// PixelExtractor is a backbone-free extractor: it average-pools the image into
// a Side x Side grid and lifts each normalised RGB cell into Dim features with a
// fixed random projection. It needs no native runtime and is deterministic for
// a given seed.
type PixelExtractor struct {
	side int
	dim  int
	proj [][4]float64
}

// NewPixelExtractor creates an extractor producing side*side vectors of size dim.
func NewPixelExtractor(side, dim int, seed uint64) (*PixelExtractor, error) {
	if side <= 0 || dim <= 0 {
		return nil, errors.New("feature: pixel extractor needs positive side and dim")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	proj := make([][4]float64, dim)
	limit := math.Sqrt(6.0 / float64(4+dim))
	for i := range proj {
		for j := range proj[i] {
			proj[i][j] = (2*rng.Float64() - 1) * limit
		}
	}
	return &PixelExtractor{side: side, dim: dim, proj: proj}, nil
}

// Dim returns the feature dimension.
func (p *PixelExtractor) Dim() int { return p.dim }

// Len returns the number of grid locations.
func (p *PixelExtractor) Len() int { return p.side * p.side }

// Extract implements Extractor.
func (p *PixelExtractor) Extract(ctx context.Context, img image.Image) (*Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyGrid
	}
	b := img.Bounds()
	flat := imaging.New(b.Dx(), b.Dy(), color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1.0)
	small := imaging.Resize(flat, p.side, p.side, imaging.Box)

	data := make([]float64, 0, p.side*p.side*p.dim)
	for y := 0; y < p.side; y++ {
		for x := 0; x < p.side; x++ {
			off := small.PixOffset(x, y)
			px := small.Pix[off : off+3]
			var in [4]float64
			for c := 0; c < 3; c++ {
				in[c] = (float64(px[c])/255 - ImageNetMean[c]) / ImageNetStd[c]
			}
			in[3] = 1
			for _, w := range p.proj {
				data = append(data, math.Tanh(w[0]*in[0]+w[1]*in[1]+w[2]*in[2]+w[3]*in[3]))
			}
		}
	}
	return NewGrid(p.side*p.side, p.dim, data)
}
