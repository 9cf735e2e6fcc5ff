// Package session runs the per-frame guide loop: locate the star, convert
// its offset from the reticle into RA/DEC drift, let the controller decide
// on pulses and record the outcome.
//
// A Session is safe for concurrent use; frames are processed one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/calibration"
	"github.com/banshee-data/autoguide/internal/guide/control"
	"github.com/banshee-data/autoguide/internal/guide/frame"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
	"github.com/banshee-data/autoguide/internal/guide/multistar"
	"github.com/banshee-data/autoguide/internal/guide/starfind"
	"github.com/banshee-data/autoguide/internal/monitoring"
	"github.com/banshee-data/autoguide/internal/timeutil"
)

var (
	ErrCalibrationFailed = errors.New("calibration failed")
	ErrNotGuiding        = errors.New("not guiding")
	ErrInvalidVideo      = errors.New("invalid video parameters")
)

// Defaults.
const (
	DefaultBoxSize      = 32
	DefaultDitherPixels = 3.0
	// DefaultDitherSettle is the pixel error below which a dither is
	// considered settled.
	DefaultDitherSettle = 1.5
)

// Pulser sends a correction pulse to the mount.
type Pulser interface {
	Pulse(ctx context.Context, dir guide.Direction, ms int) error
}

// Options wires a Session. Only Calibration is required.
type Options struct {
	Calibration *calibration.Model
	// Params is called before every controller cycle.
	Params    func() control.InParams
	Predictor control.Predictor
	Extractor starfind.Extractor
	MultiStar multistar.Config

	Algorithm  starfind.Algorithm
	BoxSize    int
	RegionSize int
	// ImageGuide selects region correlation instead of a single star.
	ImageGuide bool

	Log    *guidelog.Writer
	Header guidelog.Header
	Sink   guidelog.Sink
	Store  calibration.Store
	Pulser Pulser
	Clock  timeutil.Clock

	DitherSettle float64
	Rand         *rand.Rand

	OnStats        func(guide.Stats)
	OnStarPosition func(guide.Vector)
	OnStateChange  func(State)
}

// Result describes one processed frame.
type Result struct {
	Star     guide.Vector
	LostStar bool
	// Drift is the RA/DEC error in arcsec fed to the controller.
	Drift guide.Vector
	Out   control.OutParams
	// Processed is false for suspended and preview frames.
	Processed bool
}

// Session is the internal guide engine.
type Session struct {
	mu sync.Mutex

	calib   *calibration.Model
	ctrl    *control.Controller
	params  func() control.InParams
	stars   *multistar.GuideStars
	regions *starfind.RegionLocator
	locator starfind.Locator
	alg     starfind.Algorithm
	opts    Options

	state     State
	preview   bool
	suspended bool
	lostStar  bool

	width, height int
	boxSize       int
	box           image.Rectangle
	reticle       guide.Vector
	starPos       guide.Vector
	lastFrame     *frame.Frame
	frames        int

	imageGuide bool
	rapid      bool
	rapidPos   guide.Vector

	clock timeutil.Clock
	rng   *rand.Rand
}

// New returns a stopped session.
func New(opts Options) (*Session, error) {
	if opts.Calibration == nil {
		return nil, errors.New("session: calibration model required")
	}
	if opts.Params == nil {
		opts.Params = control.DefaultInParams
	}
	if opts.Extractor == nil {
		opts.Extractor = starfind.NewExtractor()
	}
	if opts.MultiStar == (multistar.Config{}) {
		opts.MultiStar = multistar.DefaultConfig()
	}
	if opts.BoxSize <= 0 {
		opts.BoxSize = DefaultBoxSize
	}
	if opts.RegionSize <= 0 {
		opts.RegionSize = starfind.DefaultRegionSize
	}
	if opts.DitherSettle <= 0 {
		opts.DitherSettle = DefaultDitherSettle
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}

	s := &Session{
		calib:      opts.Calibration,
		ctrl:       control.NewController(opts.Params()),
		params:     opts.Params,
		stars:      multistar.New(opts.Extractor, opts.Calibration, opts.MultiStar),
		regions:    starfind.NewRegionLocator(opts.RegionSize),
		opts:       opts,
		state:      Stopped,
		preview:    true,
		boxSize:    opts.BoxSize,
		reticle:    guide.Vector{},
		starPos:    guide.NoStar,
		imageGuide: opts.ImageGuide,
		clock:      opts.Clock,
		rng:        opts.Rand,
	}
	s.ctrl.Predictor = opts.Predictor
	s.ctrl.Now = s.clock.Now
	if err := s.setAlgorithm(opts.Algorithm); err != nil {
		return nil, err
	}
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	monitoring.Logf("[session] %s -> %s", s.state, st)
	s.state = st
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

// LostStar reports whether the last frame had no star.
func (s *Session) LostStar() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostStar
}

// Calibration returns the model in use.
func (s *Session) Calibration() *calibration.Model { return s.calib }

// Controller exposes the controller for inspection.
func (s *Session) Controller() *control.Controller { return s.ctrl }

// GuideStars exposes the multi-star tracker.
func (s *Session) GuideStars() *multistar.GuideStars { return s.stars }

// Algorithm returns the active centroid algorithm.
func (s *Session) Algorithm() starfind.Algorithm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alg
}

// SetAlgorithm switches the centroid algorithm. Unknown indices are
// rejected and the current algorithm is kept.
func (s *Session) SetAlgorithm(alg starfind.Algorithm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setAlgorithm(alg)
}

func (s *Session) setAlgorithm(alg starfind.Algorithm) error {
	loc, err := starfind.NewLocator(alg, starfind.Options{Extractor: s.opts.Extractor, MultiStar: s.stars})
	if err != nil {
		return err
	}
	s.alg = alg
	s.locator = loc
	return nil
}

// SetVideoParameters sets the frame size in unbinned pixels and the
// binning.
func (s *Session) SetVideoParameters(width, height, binX, binY int) error {
	if width <= 0 || height <= 0 || binX <= 0 || binY <= 0 {
		return fmt.Errorf("%w: %dx%d bin %dx%d", ErrInvalidVideo, width, height, binX, binY)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width = width / binX
	s.height = height / binY
	s.calib.SetOptics(s.calib.FocalLength, s.calib.PixelSizeX, s.calib.PixelSizeY, binX, binY)
	s.stars.SetCalibration(s.calib)
	return nil
}

// SetImageGuide enables region correlation.
func (s *Session) SetImageGuide(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageGuide = enabled
}

// SetRapidGuide makes the session use positions supplied through
// SetRapidStarData instead of measuring frames.
func (s *Session) SetRapidGuide(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rapid = enabled
}

// SetRapidStarData supplies an externally measured star position.
func (s *Session) SetRapidStarData(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rapidPos = guide.Vector{X: x, Y: y}
}

// SetReticle sets the lock position, clamped to the frame.
func (s *Session) SetReticle(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setReticle(x, y)
	s.centreBox(s.reticle.X, s.reticle.Y)
}

func (s *Session) setReticle(x, y float64) {
	x = math.Max(x, 0)
	y = math.Max(y, 0)
	if s.width > 0 && x >= float64(s.width-1) {
		x = float64(s.width - 1)
	}
	if s.height > 0 && y >= float64(s.height-1) {
		y = float64(s.height - 1)
	}
	s.reticle = guide.Vector{X: x, Y: y}
	s.stars.SetCalibration(s.calib)
}

// Reticle returns the lock position.
func (s *Session) Reticle() guide.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reticle
}

// StarPosition returns the last measured star position.
func (s *Session) StarPosition() guide.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starPos
}

// SetTrackingBox sets the search box explicitly.
func (s *Session) SetTrackingBox(r image.Rectangle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.box = r
}

// TrackingBox returns the current search box.
func (s *Session) TrackingBox() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.box
}

func (s *Session) centreBox(x, y float64) {
	half := s.boxSize / 2
	cx, cy := int(math.Round(x)), int(math.Round(y))
	s.box = image.Rect(cx-half, cy-half, cx-half+s.boxSize, cy-half+s.boxSize)
}

// SelectStar runs automatic star selection on f, locks the reticle on the
// chosen star and centres the tracking box on it.
func (s *Session) SelectStar(f *frame.Frame) (guide.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos guide.Vector
	if s.alg == starfind.SEPMultiStar {
		pos = s.stars.SelectGuideStar(f)
	} else {
		peaks := starfind.AutoFind(f, s.boxSize, 0)
		if len(peaks) > 0 {
			pos = guide.Vector{X: float64(peaks[0].X), Y: float64(peaks[0].Y), Mass: peaks[0].Val}
		} else {
			pos = guide.NoStar
		}
	}
	if !pos.Found() {
		return guide.NoStar, errors.New("no guide star found")
	}
	s.setReticle(pos.X, pos.Y)
	s.centreBox(pos.X, pos.Y)
	s.starPos = pos
	return pos, nil
}
