package starfind

import (
	"fmt"
	"image"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/frame"
)

// Locator finds the guide star inside the tracking box.
type Locator interface {
	Locate(f *frame.Frame, box image.Rectangle) guide.Vector
}

// MultiStarTracker is satisfied by multistar.GuideStars. It is declared here
// so the multi-star strategy can be selected like any other.
type MultiStarTracker interface {
	FindGuideStar(f *frame.Frame, box image.Rectangle) guide.Vector
}

// Options carries the collaborators and tunables shared by the strategies.
type Options struct {
	// SmartFrameWidth is the width of the background frame sampled around
	// the tracking box by the smart threshold. Defaults to 4.
	SmartFrameWidth int
	// Extractor is used by the SEP strategy. Defaults to NewExtractor().
	Extractor Extractor
	// MultiStar is required for SEPMultiStar.
	MultiStar MultiStarTracker
}

// DefaultSmartFrameWidth is the smart threshold background frame width.
const DefaultSmartFrameWidth = 4

// SmartCutFactor places the smart threshold this fraction of the way from
// the background to the peak.
const SmartCutFactor = 0.1

// NewLocator returns the strategy for alg.
func NewLocator(alg Algorithm, opts Options) (Locator, error) {
	if opts.SmartFrameWidth <= 0 {
		opts.SmartFrameWidth = DefaultSmartFrameWidth
	}
	switch alg {
	case Centroid:
		return CentroidLocator{}, nil
	case SmartThreshold, AutoThreshold, NoThreshold:
		return ThresholdLocator{Mode: alg, FrameWidth: opts.SmartFrameWidth}, nil
	case SEPThreshold:
		ex := opts.Extractor
		if ex == nil {
			ex = NewExtractor()
		}
		return SEPLocator{Extractor: ex}, nil
	case SEPMultiStar:
		if opts.MultiStar == nil {
			return nil, fmt.Errorf("%s requires a multi-star tracker", alg)
		}
		return MultiStarLocator{Tracker: opts.MultiStar}, nil
	default:
		return nil, fmt.Errorf("unknown centroid algorithm index %d", int(alg))
	}
}

// MultiStarLocator delegates to the multi-star tracker.
type MultiStarLocator struct {
	Tracker MultiStarTracker
}

// Locate implements Locator.
func (l MultiStarLocator) Locate(f *frame.Frame, box image.Rectangle) guide.Vector {
	if f == nil || box.Empty() {
		return guide.NoStar
	}
	return l.Tracker.FindGuideStar(f, box)
}

// SEPLocator returns the extracted source with the largest half-flux radius.
type SEPLocator struct {
	Extractor Extractor
}

// Locate implements Locator.
func (l SEPLocator) Locate(f *frame.Frame, box image.Rectangle) guide.Vector {
	if f == nil || box.Empty() {
		return guide.NoStar
	}
	stars := l.Extractor.Extract(f, box)
	if len(stars) == 0 {
		return guide.NoStar
	}
	best := stars[0]
	for _, s := range stars[1:] {
		if s.HFR > best.HFR {
			best = s
		}
	}
	return guide.Vector{X: best.X, Y: best.Y, Mass: best.Flux}
}
