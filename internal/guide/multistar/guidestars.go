// Package multistar tracks a guide star together with a set of reference
// stars and blends their motion into one weighted drift estimate.
//
// Reference stars are stored as offsets from the guide star at the moment
// they were captured, so the set stays valid when the guide star is not
// exactly on the lock position. The set is rebuilt on Reset.
package multistar

import (
	"image"
	"math"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/calibration"
	"github.com/banshee-data/autoguide/internal/guide/frame"
	"github.com/banshee-data/autoguide/internal/guide/starfind"
	"github.com/banshee-data/autoguide/internal/monitoring"
)

// Config tunes reference star selection and drift blending.
type Config struct {
	// MaxReferences caps the number of reference stars kept.
	MaxReferences int
	// MatchRadius is how far (pixels) a reference star may move from its
	// expected position and still be matched.
	MatchRadius float64
	// MinStars is the minimum number of contributing stars, guide star
	// included, for GetDrift to succeed.
	MinStars int
	// MaxDisagreement rejects a reference star whose drift magnitude differs
	// from the guide star drift by more than this many arcseconds.
	MaxDisagreement float64
	// EdgeMargin excludes stars this close to the frame edge when selecting.
	EdgeMargin int
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		MaxReferences:   10,
		MatchRadius:     5,
		MinStars:        2,
		MaxDisagreement: 2,
		EdgeMargin:      10,
	}
}

// SkyBackground summarises the last detection pass.
type SkyBackground struct {
	Mean          float64
	StarsDetected int
}

type reference struct {
	dx, dy float64 // offset from the guide star at capture
	snr    float64
}

// GuideStars is the multi-star tracker. It is owned by one session and not
// safe for concurrent use.
type GuideStars struct {
	cfg       Config
	extractor starfind.Extractor
	calib     *calibration.Model

	refs      []reference
	matched   []guide.Vector // current position per reference, NoStar if unmatched
	guidePos  guide.Vector
	guideSNR  float64
	guideMass float64
	sky       SkyBackground
}

// New creates a tracker. calib may be nil until SetCalibration is called.
func New(ex starfind.Extractor, calib *calibration.Model, cfg Config) *GuideStars {
	if ex == nil {
		ex = starfind.NewExtractor()
	}
	if cfg.MinStars < 1 {
		cfg.MinStars = 1
	}
	return &GuideStars{cfg: cfg, extractor: ex, calib: calib, guidePos: guide.NoStar}
}

// SetCalibration installs the model used to express drift in arcseconds.
func (g *GuideStars) SetCalibration(m *calibration.Model) {
	g.calib = m
}

// Reset forgets the guide star and all reference stars.
func (g *GuideStars) Reset() {
	g.refs = nil
	g.matched = nil
	g.guidePos = guide.NoStar
	g.guideSNR = 0
	g.guideMass = 0
	g.sky = SkyBackground{}
}

// References returns the number of reference stars being tracked.
func (g *GuideStars) References() int { return len(g.refs) }

// GuideStarSNR returns the SNR of the guide star in the last frame.
func (g *GuideStars) GuideStarSNR() float64 { return g.guideSNR }

// GuideStarMass returns the background-subtracted flux of the guide star.
func (g *GuideStars) GuideStarMass() float64 { return g.guideMass }

// SkyBackground returns statistics from the last detection pass.
func (g *GuideStars) SkyBackground() SkyBackground { return g.sky }

// SelectGuideStar detects stars over the whole frame and picks the best
// guide star away from the edges: highest SNR among unsaturated candidates.
// The remaining stars become the reference set.
func (g *GuideStars) SelectGuideStar(f *frame.Frame) guide.Vector {
	stars := g.detect(f)
	inner := f.Bounds().Inset(g.cfg.EdgeMargin)
	best := -1
	for i, s := range stars {
		if !image.Pt(int(s.X), int(s.Y)).In(inner) {
			continue
		}
		if best < 0 || s.SNR > stars[best].SNR {
			best = i
		}
	}
	if best < 0 {
		return guide.NoStar
	}
	g.capture(stars, best)
	return g.guidePos
}

// FindGuideStar locates the guide star inside box and refreshes the reference
// matches from the same detection pass. The first call after Reset captures
// the reference set around whatever guide star is found.
func (g *GuideStars) FindGuideStar(f *frame.Frame, box image.Rectangle) guide.Vector {
	stars := g.detect(f)
	centre := image.Pt((box.Min.X+box.Max.X)/2, (box.Min.Y+box.Max.Y)/2)
	best, bestDist := -1, math.Inf(1)
	for i, s := range stars {
		if !image.Pt(int(s.X), int(s.Y)).In(box) {
			continue
		}
		d := math.Hypot(s.X-float64(centre.X), s.Y-float64(centre.Y))
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		g.guidePos = guide.NoStar
		g.guideSNR, g.guideMass = 0, 0
		return guide.NoStar
	}
	if len(g.refs) == 0 {
		g.capture(stars, best)
		return g.guidePos
	}

	gs := stars[best]
	g.guidePos = guide.Vector{X: gs.X, Y: gs.Y, Mass: gs.Flux}
	g.guideSNR, g.guideMass = gs.SNR, gs.Flux

	used := map[int]bool{best: true}
	for i, r := range g.refs {
		ex, ey := gs.X+r.dx, gs.Y+r.dy
		g.matched[i] = guide.NoStar
		match, matchDist := -1, g.cfg.MatchRadius
		for j, s := range stars {
			if used[j] {
				continue
			}
			if d := math.Hypot(s.X-ex, s.Y-ey); d <= matchDist {
				match, matchDist = j, d
			}
		}
		if match >= 0 {
			used[match] = true
			g.matched[i] = guide.Vector{X: stars[match].X, Y: stars[match].Y, Mass: stars[match].SNR}
		}
	}
	return g.guidePos
}

func (g *GuideStars) detect(f *frame.Frame) []starfind.Star {
	if f == nil {
		g.sky = SkyBackground{}
		return nil
	}
	stars := g.extractor.Extract(f, f.Bounds())
	g.sky = SkyBackground{StarsDetected: len(stars)}
	if len(stars) > 0 {
		g.sky.Mean = stars[0].Background
	}
	return stars
}

func (g *GuideStars) capture(stars []starfind.Star, guideIdx int) {
	gs := stars[guideIdx]
	g.guidePos = guide.Vector{X: gs.X, Y: gs.Y, Mass: gs.Flux}
	g.guideSNR, g.guideMass = gs.SNR, gs.Flux
	g.refs = g.refs[:0]
	for i, s := range stars {
		if i == guideIdx {
			continue
		}
		if len(g.refs) >= g.cfg.MaxReferences {
			break
		}
		g.refs = append(g.refs, reference{dx: s.X - gs.X, dy: s.Y - gs.Y, snr: s.SNR})
	}
	g.matched = make([]guide.Vector, len(g.refs))
	for i, r := range g.refs {
		g.matched[i] = guide.Vector{X: gs.X + r.dx, Y: gs.Y + r.dy, Mass: r.snr}
	}
	monitoring.Logf("[multistar] guide star at (%.1f, %.1f) snr %.1f with %d reference stars", gs.X, gs.Y, gs.SNR, len(g.refs))
}

// GetDrift blends the guide star drift with the drift of every matched
// reference star, weighted by SNR. guideDrift is the magnitude (arcsec) of
// the single-star drift and is used to reject stars that disagree. Drift is
// in arcseconds along RA and DEC. ok is false when fewer than MinStars
// stars contribute.
func (g *GuideStars) GetDrift(guideDrift, reticleX, reticleY float64) (raDrift, decDrift float64, ok bool) {
	if !g.guidePos.Found() {
		return 0, 0, false
	}
	toSky := func(dx, dy float64) guide.Vector {
		v := guide.Vector{X: dx, Y: dy}
		if g.calib == nil {
			return v
		}
		return g.calib.RotateToRaDec(g.calib.ToArcseconds(v))
	}

	w := math.Max(g.guideSNR, 1)
	gd := toSky(g.guidePos.X-reticleX, g.guidePos.Y-reticleY)
	sumRA, sumDEC, sumW := gd.X*w, gd.Y*w, w
	n := 1

	for i, r := range g.refs {
		pos := g.matched[i]
		if !pos.Found() {
			continue
		}
		d := toSky(pos.X-(reticleX+r.dx), pos.Y-(reticleY+r.dy))
		if math.Abs(d.Len()-guideDrift) > g.cfg.MaxDisagreement {
			monitoring.Debugf("[multistar] reference %d rejected: drift %.2f vs %.2f", i, d.Len(), guideDrift)
			continue
		}
		rw := math.Max(pos.Mass, 1)
		sumRA += d.X * rw
		sumDEC += d.Y * rw
		sumW += rw
		n++
	}
	if n < g.cfg.MinStars {
		return 0, 0, false
	}
	return sumRA / sumW, sumDEC / sumW, true
}
