package starfind

import (
	"image"
	"math"
	"sort"

	"github.com/banshee-data/autoguide/internal/guide/frame"
)

// Star is one detected source, in full-frame pixel coordinates.
type Star struct {
	X, Y       float64
	Flux       float64
	Peak       float64
	HFR        float64
	SNR        float64
	Background float64
	Pixels     int
}

// Extractor detects sources inside a rectangle of a frame.
type Extractor interface {
	Extract(f *frame.Frame, region image.Rectangle) []Star
}

// SourceExtractor is a background-subtracted connected-component detector.
// The background level and noise come from the median and MAD of the
// region, so a few bright stars do not bias them.
type SourceExtractor struct {
	// Sigma is the detection threshold above background in noise units.
	Sigma float64
	// MinPixels drops components smaller than this (hot pixels, noise).
	MinPixels int
	// MaxStars caps the result, brightest first. Zero means unlimited.
	MaxStars int
}

// NewExtractor returns a SourceExtractor with the defaults used by the SEP
// strategies.
func NewExtractor() *SourceExtractor {
	return &SourceExtractor{Sigma: 5, MinPixels: 4, MaxStars: 50}
}

// Extract implements Extractor. Stars are returned ordered by descending flux.
func (e *SourceExtractor) Extract(f *frame.Frame, region image.Rectangle) []Star {
	if f == nil {
		return nil
	}
	region = f.Clip(region)
	if region.Empty() {
		return nil
	}
	bg, noise := frame.MedianMAD(f.Values(region, nil))
	if noise <= 0 {
		// Flat or quantised backgrounds give a zero MAD; fall back to a
		// Poisson-like floor so a single bright pixel is not a detection.
		noise = math.Max(1, math.Sqrt(math.Abs(bg)))
	}
	threshold := bg + e.Sigma*noise

	w, h := region.Dx(), region.Dy()
	visited := make([]bool, w*h)
	var stars []Star
	var queue []image.Point
	var members []image.Point

	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			idx := (y-region.Min.Y)*w + (x - region.Min.X)
			if visited[idx] || f.At(x, y) <= threshold {
				continue
			}
			// Flood fill the 4-connected component above threshold.
			members = members[:0]
			queue = append(queue[:0], image.Pt(x, y))
			visited[idx] = true
			for len(queue) > 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				members = append(members, p)
				for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					q := p.Add(d)
					if !q.In(region) {
						continue
					}
					qi := (q.Y-region.Min.Y)*w + (q.X - region.Min.X)
					if visited[qi] || f.At(q.X, q.Y) <= threshold {
						continue
					}
					visited[qi] = true
					queue = append(queue, q)
				}
			}
			if len(members) < e.MinPixels {
				continue
			}
			if s, ok := measure(f, members, bg, noise); ok {
				stars = append(stars, s)
			}
		}
	}

	sort.SliceStable(stars, func(i, j int) bool { return stars[i].Flux > stars[j].Flux })
	if e.MaxStars > 0 && len(stars) > e.MaxStars {
		stars = stars[:e.MaxStars]
	}
	return stars
}

// measure computes the flux-weighted centre, flux, peak, half-flux radius
// and SNR of a component. The HFR is measured over a box around the centre
// so faint wings below threshold still contribute.
func measure(f *frame.Frame, members []image.Point, bg, noise float64) (Star, bool) {
	var sx, sy, flux, peak float64
	minX, minY := members[0].X, members[0].Y
	maxX, maxY := minX, minY
	for _, p := range members {
		v := f.At(p.X, p.Y) - bg
		if v <= 0 {
			continue
		}
		sx += float64(p.X) * v
		sy += float64(p.Y) * v
		flux += v
		if v > peak {
			peak = v
		}
		minX, maxX = min(minX, p.X), max(maxX, p.X)
		minY, maxY = min(minY, p.Y), max(maxY, p.Y)
	}
	if flux <= 0 {
		return Star{}, false
	}
	cx, cy := sx/flux, sy/flux

	// Grow the measurement box by the component radius.
	r := max(maxX-minX, maxY-minY)/2 + 2
	box := f.Clip(image.Rect(int(cx)-r, int(cy)-r, int(cx)+r+1, int(cy)+r+1))
	var wr, wsum float64
	npix := 0
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			v := f.At(x, y) - bg
			if v <= 0 {
				continue
			}
			wr += math.Hypot(float64(x)-cx, float64(y)-cy) * v
			wsum += v
			npix++
		}
	}
	hfr := 0.0
	if wsum > 0 {
		hfr = wr / wsum
	}
	snr := flux / math.Sqrt(flux+float64(npix)*noise*noise)
	return Star{
		X:          cx,
		Y:          cy,
		Flux:       flux,
		Peak:       peak,
		HFR:        hfr,
		SNR:        snr,
		Background: bg,
		Pixels:     len(members),
	}, true
}
