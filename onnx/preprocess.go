package onnx

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/krau/konacaption/feature"
)

// Preprocess flattens img onto white, resizes it to size x size and returns
// the ImageNet-normalised pixels in CHW order.
func Preprocess(img image.Image, size int) []float32 {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), color.White)
	flat := imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
	resized := imaging.Resize(flat, size, size, imaging.Lanczos)

	plane := size * size
	out := make([]float32, 3*plane)
	var mean, std [3]float32
	for c := range 3 {
		mean[c] = float32(feature.ImageNetMean[c])
		std[c] = float32(feature.ImageNetStd[c])
	}
	i := 0
	for y := range size {
		for x := range size {
			off := resized.PixOffset(x, y)
			px := resized.Pix[off : off+3]
			for c := range 3 {
				out[c*plane+i] = (float32(px[c])/255 - mean[c]) / std[c]
			}
			i++
		}
	}
	return out
}
