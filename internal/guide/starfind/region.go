package starfind

import (
	"errors"
	"fmt"
	"image"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/frame"
	"github.com/banshee-data/autoguide/internal/monitoring"
)

// ErrPartitionMismatch is reported when the current frame does not split
// into the same number of regions as the reference frame.
var ErrPartitionMismatch = errors.New("starfind: reference and frame partition counts differ")

// ErrNoRegions is reported when a frame is smaller than one region.
var ErrNoRegions = errors.New("starfind: frame too small to partition")

// DefaultRegionSize is the side of the square correlation regions.
const DefaultRegionSize = 64

// RegionLocator tracks whole-frame motion without a guide star. Each frame is
// cut into square regions, every region is phase-correlated against the same
// region of the reference frame and the median shift is returned with Mass
// -1. The tracking box is ignored.
type RegionLocator struct {
	size      int
	reference []*frame.Frame
	refArena  frame.Arena
	arena     frame.Arena
	fft       *fourier.CmplxFFT
	lastErr   error
}

// NewRegionLocator returns a locator with size x size regions.
func NewRegionLocator(size int) *RegionLocator {
	if size <= 0 {
		size = DefaultRegionSize
	}
	return &RegionLocator{size: size, fft: fourier.NewCmplxFFT(size)}
}

// RegionSize returns the region side length in pixels.
func (r *RegionLocator) RegionSize() int { return r.size }

// CaptureReference stores the partitions of f as the reference.
func (r *RegionLocator) CaptureReference(f *frame.Frame) error {
	r.refArena.Reset()
	if f == nil {
		r.reference = nil
		return ErrNoRegions
	}
	r.reference = f.Partition(r.size, &r.refArena)
	if len(r.reference) == 0 {
		return fmt.Errorf("%w: %dx%d with %d px regions", ErrNoRegions, f.Width, f.Height, r.size)
	}
	return nil
}

// HasReference reports whether CaptureReference succeeded.
func (r *RegionLocator) HasReference() bool { return len(r.reference) > 0 }

// Err returns the reason the last Locate call returned guide.NoStar.
func (r *RegionLocator) Err() error { return r.lastErr }

// Locate implements Locator.
func (r *RegionLocator) Locate(f *frame.Frame, _ image.Rectangle) guide.Vector {
	r.lastErr = nil
	if f == nil {
		r.lastErr = ErrNoRegions
		return guide.NoStar
	}
	r.arena.Reset()
	parts := f.Partition(r.size, &r.arena)
	if len(parts) == 0 {
		r.lastErr = ErrNoRegions
		monitoring.Logf("[starfind] failed to partition %dx%d frame into %d px regions", f.Width, f.Height, r.size)
		return guide.NoStar
	}
	if len(parts) != len(r.reference) {
		r.lastErr = fmt.Errorf("%w: reference %d, frame %d", ErrPartitionMismatch, len(r.reference), len(parts))
		monitoring.Logf("[starfind] %v", r.lastErr)
		return guide.NoStar
	}

	xs := make([]float64, len(parts))
	ys := make([]float64, len(parts))
	for i, p := range parts {
		xs[i], ys[i] = r.phaseCorrelate(r.reference[i], p)
		monitoring.Debugf("[starfind] region #%d: x-shift=%.3f y-shift=%.3f", i, xs[i], ys[i])
	}
	return guide.Vector{X: frame.Median(xs), Y: frame.Median(ys), Mass: -1}
}

// phaseCorrelate returns the translation of cur relative to ref with
// parabolic sub-pixel refinement around the correlation peak.
func (r *RegionLocator) phaseCorrelate(ref, cur *frame.Frame) (dx, dy float64) {
	n := r.size
	a := r.spectrum(ref)
	b := r.spectrum(cur)

	cross := make([]complex128, n*n)
	for i := range cross {
		c := b[i] * cmplx.Conj(a[i])
		if m := cmplx.Abs(c); m > 1e-12 {
			cross[i] = c / complex(m, 0)
		}
	}
	r.fft2(cross, true)

	best, bx, by := math.Inf(-1), 0, 0
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if v := real(cross[y*n+x]); v > best {
				best, bx, by = v, x, y
			}
		}
	}

	at := func(x, y int) float64 {
		return real(cross[((y+n)%n)*n+(x+n)%n])
	}
	dx = float64(wrapShift(bx, n)) + subPixel(at(bx-1, by), best, at(bx+1, by))
	dy = float64(wrapShift(by, n)) + subPixel(at(bx, by-1), best, at(bx, by+1))
	return dx, dy
}

// spectrum returns the 2D spectrum of the mean-subtracted region.
func (r *RegionLocator) spectrum(f *frame.Frame) []complex128 {
	n := r.size
	var mean float64
	for _, v := range f.Pix {
		mean += float64(v)
	}
	mean /= float64(len(f.Pix))
	data := make([]complex128, n*n)
	for i, v := range f.Pix {
		data[i] = complex(float64(v)-mean, 0)
	}
	r.fft2(data, false)
	return data
}

// fft2 transforms an n x n row-major grid in place, rows then columns.
func (r *RegionLocator) fft2(data []complex128, inverse bool) {
	n := r.size
	line := make([]complex128, n)
	out := make([]complex128, n)
	apply := func() {
		if inverse {
			r.fft.Sequence(out, line)
		} else {
			r.fft.Coefficients(out, line)
		}
	}
	for y := 0; y < n; y++ {
		copy(line, data[y*n:(y+1)*n])
		apply()
		copy(data[y*n:(y+1)*n], out)
	}
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			line[y] = data[y*n+x]
		}
		apply()
		for y := 0; y < n; y++ {
			data[y*n+x] = out[y]
		}
	}
}

func wrapShift(i, n int) int {
	if i > n/2 {
		return i - n
	}
	return i
}

// subPixel fits a parabola through three samples and returns the vertex
// offset from the centre sample, limited to half a pixel.
func subPixel(left, centre, right float64) float64 {
	denom := left - 2*centre + right
	if denom == 0 {
		return 0
	}
	off := 0.5 * (left - right) / denom
	return math.Max(-0.5, math.Min(0.5, off))
}
