package starfind

import (
	"image"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/frame"
)

// ThresholdLocator subtracts a threshold from every pixel of the tracking box,
// clamps at zero and returns the intensity-weighted centroid. Mode selects
// how the threshold is chosen: SmartThreshold, AutoThreshold or NoThreshold.
type ThresholdLocator struct {
	Mode       Algorithm
	FrameWidth int
}

// Locate implements Locator.
func (l ThresholdLocator) Locate(f *frame.Frame, box image.Rectangle) guide.Vector {
	if f == nil {
		return guide.NoStar
	}
	box = f.Clip(box)
	if box.Empty() {
		return guide.NoStar
	}
	var threshold float64
	switch l.Mode {
	case SmartThreshold:
		threshold = smartThreshold(f, box, l.FrameWidth)
	case AutoThreshold:
		threshold = f.Sum(box) / float64(box.Dx()*box.Dy())
	}
	return weightedCentroid(f, box, threshold)
}

// smartThreshold averages a border of width fw around box (clipped to the
// frame) as the background estimate, then moves the threshold
// SmartCutFactor of the way towards the brightest pixel in the box.
func smartThreshold(f *frame.Frame, box image.Rectangle, fw int) float64 {
	if fw <= 0 {
		fw = DefaultSmartFrameWidth
	}
	outer := f.Clip(box.Inset(-fw))

	var sum float64
	var count int
	for y := outer.Min.Y; y < outer.Max.Y; y++ {
		for x := outer.Min.X; x < outer.Max.X; x++ {
			if (image.Point{X: x, Y: y}).In(box) {
				continue
			}
			sum += f.At(x, y)
			count++
		}
	}

	threshold := 0.0
	if count != 0 {
		threshold = sum / float64(count)
	}
	maxVal := 0.0
	if m := f.Max(box); m > maxVal {
		maxVal = m
	}
	if maxVal > threshold {
		threshold += (maxVal - threshold) * SmartCutFactor
	}
	return threshold
}

// weightedCentroid returns the centroid of (pixel - threshold) clamped at
// zero, offset by the box origin. An all-dark box yields the box origin.
func weightedCentroid(f *frame.Frame, box image.Rectangle, threshold float64) guide.Vector {
	var resX, resY, mass float64
	for j := 0; j < box.Dy(); j++ {
		for i := 0; i < box.Dx(); i++ {
			v := f.At(box.Min.X+i, box.Min.Y+j) - threshold
			if v < 0 {
				v = 0
			}
			resX += float64(i) * v
			resY += float64(j) * v
			mass += v
		}
	}
	if mass == 0 {
		mass = 1
	}
	return guide.Vector{
		X:    float64(box.Min.X) + resX/mass,
		Y:    float64(box.Min.Y) + resY/mass,
		Mass: mass,
	}
}
