package frame

import (
	"image"
	"math"
	"sort"
)

// Median3 returns a copy of src with a 3x3 median filter applied. Edge pixels
// use clamped neighbours so the output has the same size as the input.
func Median3(src *Frame) *Frame {
	dst := &Frame{Width: src.Width, Height: src.Height, Pix: make([]float32, len(src.Pix))}
	var win [9]float32
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				yy := clamp(y+dy, 0, src.Height-1)
				for dx := -1; dx <= 1; dx++ {
					xx := clamp(x+dx, 0, src.Width-1)
					win[n] = src.Pix[yy*src.Width+xx]
					n++
				}
			}
			insertionSort(win[:])
			dst.Pix[y*src.Width+x] = win[4]
		}
	}
	return dst
}

func insertionSort(a []float32) {
	for i := 1; i < len(a); i++ {
		v := a[i]
		j := i - 1
		for ; j >= 0 && a[j] > v; j-- {
			a[j+1] = a[j]
		}
		a[j+1] = v
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Partition cuts the frame into size x size regions in row-major order.
// Trailing columns and rows that do not fill a whole region are dropped, so
// two frames of equal dimensions always yield the same region count.
func (f *Frame) Partition(size int, arena *Arena) []*Frame {
	if size <= 0 {
		return nil
	}
	xRegions := f.Width / size
	yRegions := f.Height / size
	regions := make([]*Frame, 0, xRegions*yRegions)
	for ry := 0; ry < yRegions; ry++ {
		for rx := 0; rx < xRegions; rx++ {
			var pix []float32
			if arena != nil {
				pix = arena.Float32s(size * size)
			} else {
				pix = make([]float32, size*size)
			}
			for line := 0; line < size; line++ {
				srcOff := (ry*size+line)*f.Width + rx*size
				copy(pix[line*size:(line+1)*size], f.Pix[srcOff:srcOff+size])
			}
			regions = append(regions, &Frame{Width: size, Height: size, Pix: pix})
		}
	}
	return regions
}

// SubFrame copies the (clipped) rectangle r into a new frame whose origin is
// r.Min.
func (f *Frame) SubFrame(r image.Rectangle) *Frame {
	r = f.Clip(r)
	sub := &Frame{Width: r.Dx(), Height: r.Dy(), Pix: make([]float32, r.Dx()*r.Dy())}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		copy(sub.Pix[(y-r.Min.Y)*sub.Width:(y-r.Min.Y+1)*sub.Width], f.Pix[y*f.Width+r.Min.X:y*f.Width+r.Max.X])
	}
	return sub
}

// Median returns the median of vals. vals is sorted in place.
func Median(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return 0
	}
	sort.Float64s(vals)
	if n%2 == 0 {
		return (vals[n/2-1] + vals[n/2]) / 2
	}
	return vals[n/2]
}

// MedianMAD returns the median and the scaled median absolute deviation
// (a robust sigma estimate) of vals. vals is reordered.
func MedianMAD(vals []float64) (median, mad float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	median = Median(vals)
	dev := make([]float64, len(vals))
	for i, v := range vals {
		dev[i] = math.Abs(v - median)
	}
	return median, 1.4826 * Median(dev)
}
