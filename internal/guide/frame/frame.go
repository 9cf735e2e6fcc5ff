// Package frame holds the single-plane float image the guide algorithms
// operate on, plus the small set of pixel utilities they share.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrInvalidDimensions is returned when a frame cannot be built from the
// supplied width, height and sample count.
var ErrInvalidDimensions = errors.New("frame: invalid dimensions")

// Frame is a row-major single-plane image. Colour sources contribute their
// luminance only.
type Frame struct {
	Width  int
	Height int
	Pix    []float32
}

// Sample is any pixel type a camera driver may deliver.
type Sample interface {
	~uint8 | ~uint16 | ~int16 | ~int32 | ~uint32 | ~int64 | ~float32 | ~float64
}

// New allocates a zeroed frame.
func New(width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	return &Frame{Width: width, Height: height, Pix: make([]float32, width*height)}, nil
}

// FromSlice converts a raw sample buffer into a Frame.
func FromSlice[T Sample](width, height int, data []T) (*Frame, error) {
	f, err := New(width, height)
	if err != nil {
		return nil, err
	}
	if len(data) < width*height {
		return nil, fmt.Errorf("%w: have %d samples, need %d", ErrInvalidDimensions, len(data), width*height)
	}
	for i := range f.Pix {
		f.Pix[i] = float32(data[i])
	}
	return f, nil
}

// FromImage converts a decoded image. 8 and 16 bit grey images take a
// direct path; anything else goes through the Gray16 colour model.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := &Frame{Width: b.Dx(), Height: b.Dy(), Pix: make([]float32, b.Dx()*b.Dy())}
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				f.Pix[y*f.Width+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				f.Pix[y*f.Width+x] = float32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				f.Pix[y*f.Width+x] = float32(g.Y)
			}
		}
	}
	return f
}

// Bounds returns the frame rectangle anchored at the origin.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// In reports whether (x, y) lies inside the frame.
func (f *Frame) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < f.Width && y < f.Height
}

// At returns the sample at (x, y). Coordinates outside the frame read as 0.
func (f *Frame) At(x, y int) float64 {
	if !f.In(x, y) {
		return 0
	}
	return float64(f.Pix[y*f.Width+x])
}

// Set writes a sample; writes outside the frame are dropped.
func (f *Frame) Set(x, y int, v float64) {
	if !f.In(x, y) {
		return
	}
	f.Pix[y*f.Width+x] = float32(v)
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := &Frame{Width: f.Width, Height: f.Height, Pix: make([]float32, len(f.Pix))}
	copy(c.Pix, f.Pix)
	return c
}

// Clip intersects r with the frame bounds.
func (f *Frame) Clip(r image.Rectangle) image.Rectangle {
	return r.Intersect(f.Bounds())
}

// Values copies the samples inside r (clipped) into dst, growing it as
// needed, and returns the filled slice.
func (f *Frame) Values(r image.Rectangle, dst []float64) []float64 {
	r = f.Clip(r)
	dst = dst[:0]
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := f.Pix[y*f.Width+r.Min.X : y*f.Width+r.Max.X]
		for _, v := range row {
			dst = append(dst, float64(v))
		}
	}
	return dst
}

// Stats returns the mean and population standard deviation over r. An empty
// rectangle yields zeros.
func (f *Frame) Stats(r image.Rectangle) (mean, stdev float64) {
	vals := f.Values(r, nil)
	if len(vals) == 0 {
		return 0, 0
	}
	mean = stat.Mean(vals, nil)
	variance := stat.MomentAbout(2, vals, mean, nil)
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// Max returns the largest sample inside r, or 0 when r is empty.
func (f *Frame) Max(r image.Rectangle) float64 {
	vals := f.Values(r, nil)
	if len(vals) == 0 {
		return 0
	}
	return floats.Max(vals)
}

// Sum returns the sum of samples inside r.
func (f *Frame) Sum(r image.Rectangle) float64 {
	return floats.Sum(f.Values(r, nil))
}
