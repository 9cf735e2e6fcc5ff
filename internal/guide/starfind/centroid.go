package starfind

import (
	"image"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/frame"
)

// ringKernel is a 9x9 star-profile template split into nine concentric
// rings. Each ring sum is compared with its share of the neighbourhood mean
// and weighted by an empirically fitted coefficient.
type ringKernel struct {
	rings  [9][9]uint8
	coeff  [9]float64
	counts [9]float64
	norm   float64
}

var profileCoeff = [9]float64{0.906, 0.584, 0.365, 0.117, 0.049, -0.05, -0.064, -0.074, -0.094}

// templateKernel drives the template-fit centroid.
var templateKernel = ringKernel{
	rings: [9][9]uint8{
		{8, 8, 8, 8, 8, 8, 8, 8, 8},
		{8, 8, 8, 7, 6, 7, 8, 8, 8},
		{8, 8, 5, 4, 3, 4, 5, 8, 8},
		{8, 7, 4, 2, 1, 2, 4, 8, 8},
		{8, 6, 3, 1, 0, 1, 3, 6, 8},
		{8, 7, 4, 2, 1, 2, 4, 8, 8},
		{8, 8, 5, 4, 3, 4, 5, 8, 8},
		{8, 8, 8, 7, 6, 7, 8, 8, 8},
		{8, 8, 8, 8, 8, 8, 8, 8, 8},
	},
	coeff:  profileCoeff,
	counts: [9]float64{1, 4, 4, 4, 8, 4, 4, 8, 48},
	norm:   85,
}

// psfKernel drives the autofind convolution.
var psfKernel = ringKernel{
	rings: [9][9]uint8{
		{8, 8, 8, 8, 8, 8, 8, 8, 8},
		{8, 8, 8, 7, 6, 7, 8, 8, 8},
		{8, 8, 5, 4, 3, 4, 5, 8, 8},
		{8, 7, 4, 2, 1, 2, 4, 7, 8},
		{8, 6, 3, 1, 0, 1, 3, 6, 8},
		{8, 7, 4, 2, 1, 2, 4, 7, 8},
		{8, 8, 5, 4, 3, 4, 5, 8, 8},
		{8, 8, 8, 7, 6, 7, 8, 8, 8},
		{8, 8, 8, 8, 8, 8, 8, 8, 8},
	},
	coeff:  profileCoeff,
	counts: [9]float64{1, 4, 4, 4, 8, 4, 4, 8, 44},
	norm:   81,
}

// fit scores the neighbourhood centred on (cx, cy). sample must return 0
// outside the image.
func (k *ringKernel) fit(sample func(x, y int) float64, cx, cy int) float64 {
	var sums [9]float64
	for dy := -4; dy <= 4; dy++ {
		row := &k.rings[dy+4]
		for dx := -4; dx <= 4; dx++ {
			sums[row[dx+4]] += sample(cx+dx, cy+dy)
		}
	}
	var total float64
	for _, s := range sums {
		total += s
	}
	mean := total / k.norm
	var score float64
	for i, s := range sums {
		score += k.coeff[i] * (s - k.counts[i]*mean)
	}
	return score
}

// TemplateFitThreshold is the minimum score the best template match must
// exceed before a centroid is computed.
const TemplateFitThreshold = 50

// CentroidLocator matches a star-profile template at every pixel of the
// tracking box and centroids the best match.
type CentroidLocator struct{}

// Locate implements Locator.
func (CentroidLocator) Locate(f *frame.Frame, box image.Rectangle) guide.Vector {
	if f == nil || box.Empty() {
		return guide.NoStar
	}
	sample := func(x, y int) float64 { return f.At(box.Min.X+x, box.Min.Y+y) }

	bestFit := 0.0
	ix, iy := 0, 0
	for x := 0; x < box.Dx(); x++ {
		for y := 0; y < box.Dy(); y++ {
			fit := templateKernel.fit(sample, x, y)
			if bestFit < fit {
				bestFit = fit
				ix, iy = x, y
			}
		}
	}
	if bestFit <= TemplateFitThreshold {
		return guide.NoStar
	}

	var sumX, sumY, total float64
	for y := iy - 4; y <= iy+4; y++ {
		for x := ix - 4; x <= ix+4; x++ {
			w := sample(x, y)
			sumX += float64(x) * w
			sumY += float64(y) * w
			total += w
		}
	}
	if total <= 0 {
		return guide.NoStar
	}
	return guide.Vector{
		X:    float64(box.Min.X) + sumX/total,
		Y:    float64(box.Min.Y) + sumY/total,
		Mass: total,
	}
}
