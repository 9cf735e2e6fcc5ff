package starfind

import (
	"image"
	"math"
	"sort"

	"github.com/banshee-data/autoguide/internal/guide/frame"
)

// Peak is an autofind candidate. Val is the local excess over background in
// units of the global noise.
type Peak struct {
	X, Y int
	Val  float64
}

const (
	convRadius      = 4
	peakSearch      = 4
	localStatRadius = 7
	peakThreshold   = 0.1
	topN            = 100
	mergeDistSq     = 5 * 5
	closeMargin     = 5
	closeRatio      = 5.0
	minEdgeDist     = 40
)

// AutoFind scans the whole frame for isolated star candidates suitable as a
// guide star. searchRegion is the tracking box size; candidates closer than
// max(searchRegion, 40) + edgeAllowance pixels to any edge are dropped. The
// result is ordered by descending Val.
func AutoFind(f *frame.Frame, searchRegion, edgeAllowance int) []Peak {
	if f == nil || f.Width <= 2*(convRadius+peakSearch) || f.Height <= 2*(convRadius+peakSearch) {
		return nil
	}
	conv := psfConvolve(frame.Median3(f))
	peaks := findPeaks(conv)
	return refinePeaks(peaks, f.Width, f.Height, searchRegion, edgeAllowance)
}

// psfConvolve correlates every pixel at least convRadius from the edge with
// the PSF ring kernel. Border pixels stay zero.
func psfConvolve(src *frame.Frame) *frame.Frame {
	dst := &frame.Frame{Width: src.Width, Height: src.Height, Pix: make([]float32, len(src.Pix))}
	sample := func(x, y int) float64 { return float64(src.Pix[y*src.Width+x]) }
	for y := convRadius; y < src.Height-convRadius; y++ {
		for x := convRadius; x < src.Width-convRadius; x++ {
			dst.Pix[y*src.Width+x] = float32(psfKernel.fit(sample, x, y))
		}
	}
	return dst
}

// findPeaks returns up to topN local maxima of conv, ascending by Val.
func findPeaks(conv *frame.Frame) []Peak {
	convRect := image.Rect(convRadius, convRadius, conv.Width-convRadius, conv.Height-convRadius)
	_, globalStdev := conv.Stats(convRect)
	if globalStdev == 0 {
		return nil
	}

	var peaks []Peak
	for y := convRect.Min.Y + peakSearch; y < convRect.Max.Y-peakSearch; y++ {
		for x := convRect.Min.X + peakSearch; x < convRect.Max.X-peakSearch; x++ {
			val := conv.At(x, y)
			if val <= 0 || !isLocalMax(conv, x, y, val) {
				continue
			}

			local := image.Rect(x-localStatRadius, y-localStatRadius, x+localStatRadius+1, y+localStatRadius+1).Intersect(convRect)
			localMean, _ := conv.Stats(local)
			h := (val - localMean) / globalStdev
			if h < peakThreshold {
				continue
			}
			peaks = insertPeak(peaks, Peak{X: x, Y: y, Val: h})
			if len(peaks) > topN {
				peaks = peaks[1:]
			}
		}
	}
	return peaks
}

func isLocalMax(conv *frame.Frame, x, y int, val float64) bool {
	for j := -peakSearch; j <= peakSearch; j++ {
		for i := -peakSearch; i <= peakSearch; i++ {
			if i == 0 && j == 0 {
				continue
			}
			if conv.At(x+i, y+j) > val {
				return false
			}
		}
	}
	return true
}

// insertPeak keeps peaks sorted ascending by Val. Equal values keep
// insertion order.
func insertPeak(peaks []Peak, p Peak) []Peak {
	i := sort.Search(len(peaks), func(i int) bool { return peaks[i].Val > p.Val })
	peaks = append(peaks, Peak{})
	copy(peaks[i+1:], peaks[i:])
	peaks[i] = p
	return peaks
}

// refinePeaks applies the merge, crowding and edge rules to an ascending
// candidate list and returns the survivors in descending order.
func refinePeaks(peaks []Peak, width, height, searchRegion, edgeAllowance int) []Peak {
	peaks = append([]Peak(nil), peaks...)

	// Merge candidates closer than 5 px by dropping the dimmer one. The list
	// is ascending, so the earlier entry of a pair is the dimmer.
	for {
		a, ok := firstCrowded(peaks)
		if !ok {
			break
		}
		peaks = append(peaks[:a], peaks[a+1:]...)
	}

	// Drop pairs that would share one tracking box, unless the brighter
	// one dominates.
	fullw := searchRegion + closeMargin
	erase := make([]bool, len(peaks))
	for a := 0; a < len(peaks); a++ {
		for b := a + 1; b < len(peaks); b++ {
			if abs(peaks[a].X-peaks[b].X) > fullw || abs(peaks[a].Y-peaks[b].Y) > fullw {
				continue
			}
			if peaks[b].Val/peaks[a].Val >= closeRatio {
				continue
			}
			erase[a], erase[b] = true, true
		}
	}

	edgeDist := max(minEdgeDist, searchRegion) + edgeAllowance
	out := make([]Peak, 0, len(peaks))
	for i := len(peaks) - 1; i >= 0; i-- {
		p := peaks[i]
		if erase[i] {
			continue
		}
		if p.X <= edgeDist || p.X >= width-edgeDist || p.Y <= edgeDist || p.Y >= height-edgeDist {
			continue
		}
		out = append(out, p)
	}
	return out
}

// firstCrowded returns the index of the first candidate that has a later
// candidate within the merge distance.
func firstCrowded(peaks []Peak) (int, bool) {
	for a := 0; a < len(peaks); a++ {
		for b := a + 1; b < len(peaks); b++ {
			dx := peaks[a].X - peaks[b].X
			dy := peaks[a].Y - peaks[b].Y
			if dx*dx+dy*dy < mergeDistSq {
				return a, true
			}
		}
	}
	return 0, false
}

func abs(v int) int {
	return int(math.Abs(float64(v)))
}
