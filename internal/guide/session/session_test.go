package session

import (
	"context"
	"errors"
	"image"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autoguide/internal/fsutil"
	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/calibration"
	"github.com/banshee-data/autoguide/internal/guide/control"
	"github.com/banshee-data/autoguide/internal/guide/frame"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
	"github.com/banshee-data/autoguide/internal/guide/starfind"
	"github.com/banshee-data/autoguide/internal/testutil"
	"github.com/banshee-data/autoguide/internal/timeutil"
)

type recorder struct {
	data  []guidelog.GuideData
	stats []guide.Stats
}

func (r *recorder) AddGuideData(d guidelog.GuideData) { r.data = append(r.data, d) }

type memStore struct {
	saved []calibration.Model
	err   error
}

func (m *memStore) SaveCalibration(_ context.Context, c calibration.Model) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, c)
	return nil
}

func (m *memStore) LoadCalibration(context.Context) (calibration.Model, bool, error) {
	if len(m.saved) == 0 {
		return calibration.Model{}, false, m.err
	}
	return m.saved[len(m.saved)-1], true, nil
}

type pulse struct {
	dir guide.Direction
	ms  int
}

type fakePulser struct {
	pulses []pulse
	err    error
}

func (p *fakePulser) Pulse(_ context.Context, dir guide.Direction, ms int) error {
	p.pulses = append(p.pulses, pulse{dir, ms})
	return p.err
}

func starFrame(t *testing.T, w, h int, bg float64, stars ...testutil.Star) *frame.Frame {
	t.Helper()
	f, err := frame.FromSlice(w, h, testutil.StarField(w, h, bg, stars...))
	require.NoError(t, err)
	return f
}

func star(x, y float64) testutil.Star {
	return testutil.Star{X: x, Y: y, Sigma: 1.5, Amplitude: 1000}
}

func calibrated(t *testing.T) *calibration.Model {
	t.Helper()
	m := calibration.New(1000, 5.2, 5.2, 1, 1)
	require.True(t, m.Fit1D(10, 0, 1000))
	return m
}

func unitGains() control.InParams {
	in := control.DefaultInParams()
	for _, k := range guide.Axes {
		in.Axis[k].ProportionalGain = 100
	}
	return in
}

type fixture struct {
	s     *Session
	rec   *recorder
	fs    *fsutil.MemoryFileSystem
	clock *timeutil.MockClock
}

func newFixture(t *testing.T, mutate func(*Options)) fixture {
	t.Helper()
	fx := fixture{
		rec:   &recorder{},
		fs:    fsutil.NewMemoryFileSystem(),
		clock: timeutil.NewMockClock(time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)),
	}
	opts := Options{
		Calibration: calibrated(t),
		Params:      unitGains,
		Algorithm:   starfind.Centroid,
		Sink:        fx.rec,
		Clock:       fx.clock,
		Header:      guidelog.Header{GuidingRate: 0.5, Aperture: 200},
	}
	opts.Log = guidelog.NewWriter(fx.fs, "/logs/guide_log.txt", fx.clock)
	opts.OnStats = func(st guide.Stats) { fx.rec.stats = append(fx.rec.stats, st) }
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	fx.s = s
	return fx
}

func TestNewRequiresCalibration(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Calibration: calibration.New(0, 0, 0, 1, 1), Algorithm: 42})
	assert.Error(t, err)
}

func TestPreviewLocatesWithoutProcessing(t *testing.T) {
	fx := newFixture(t, nil)
	fx.s.SetReticle(50, 50)

	res := fx.s.ProcessFrame(starFrame(t, 100, 100, 0, star(52, 50)), false)
	require.True(t, res.Star.Found())
	assert.InDelta(t, 52, res.Star.X, 0.05)
	assert.False(t, res.Processed)
	assert.Empty(t, fx.rec.data)
	assert.Equal(t, Stopped, fx.s.State())
}

func TestGuidingCycle(t *testing.T) {
	fx := newFixture(t, nil)
	fx.s.SetReticle(50, 50)
	fx.s.Start()
	require.Equal(t, Guiding, fx.s.State())

	res := fx.s.Process(starFrame(t, 100, 100, 0, star(52, 50)))
	require.True(t, res.Processed)
	assert.InDelta(t, 2.145154, res.Drift.X, 1e-3)
	assert.InDelta(t, 0, res.Drift.Y, 1e-3)

	ra, dec := res.Out.Axis[guide.RA], res.Out.Axis[guide.DEC]
	assert.Equal(t, guide.RADecrease, ra.Direction)
	assert.Equal(t, 214, ra.PulseMs)
	assert.Equal(t, guide.NoDir, dec.Direction)
	assert.Equal(t, 1, fx.s.Controller().Ticks())
	assert.Zero(t, ra.Sigma, "sigma starts after the first tick")

	require.Len(t, fx.rec.data, 1)
	d := fx.rec.data[0]
	assert.Equal(t, guidelog.Mount, d.Type)
	assert.Equal(t, guidelog.NoErrors, d.Code)
	assert.Equal(t, 1, d.Frame)
	assert.InDelta(t, 2, d.DX, 0.05)
	assert.InDelta(t, -2, d.RADistance, 0.05)
	assert.InDelta(t, -2.14, d.RAGuideDistance, 1e-9)
	assert.Equal(t, 214, d.RADuration)
	assert.Zero(t, d.DECDuration)
	assert.Zero(t, d.DECGuideDistance)

	require.Len(t, fx.rec.stats, 1)
	assert.InDelta(t, -2.145, fx.rec.stats[0].RADrift, 1e-3)
	assert.Equal(t, 214.0, fx.rec.stats[0].RAPulse)

	log, err := fx.fs.ReadFile("/logs/guide_log.txt")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Focal,mm: 1000", lines[1])
	assert.True(t, strings.HasPrefix(lines[5], "0,0,2.14515,214,Decrease RA,"), lines[5])

	// The box follows the star.
	assert.Equal(t, image.Rect(36, 34, 68, 66), fx.s.TrackingBox())

	p := &fakePulser{}
	fx.s.opts.Pulser = p
	require.NoError(t, fx.s.ApplyCorrection(context.Background(), res))
	assert.Equal(t, []pulse{{guide.RADecrease, 214}}, p.pulses)

	p.err = errors.New("port closed")
	assert.ErrorIs(t, fx.s.ApplyCorrection(context.Background(), res), p.err)
}

func TestProcessWithoutGuidingDoesNotTick(t *testing.T) {
	fx := newFixture(t, nil)
	fx.s.SetReticle(50, 50)
	fx.s.Start()

	res := fx.s.ProcessFrame(starFrame(t, 100, 100, 0, star(52, 50)), false)
	assert.True(t, res.Processed)
	assert.Zero(t, fx.s.Controller().Ticks())
	assert.Empty(t, fx.rec.stats)
	assert.Len(t, fx.rec.data, 1)
}

func TestLostStar(t *testing.T) {
	fx := newFixture(t, nil)
	fx.s.SetReticle(50, 50)
	empty := starFrame(t, 100, 100, 0)

	res := fx.s.Process(empty)
	assert.True(t, res.LostStar)
	assert.True(t, fx.s.LostStar())
	assert.Empty(t, fx.rec.data, "preview drops are not recorded")

	fx.s.Start()
	res = fx.s.Process(empty)
	assert.True(t, res.LostStar)
	require.Len(t, fx.rec.data, 1)
	assert.Equal(t, guidelog.Drop, fx.rec.data[0].Type)
	assert.Equal(t, guidelog.NoStarFound, fx.rec.data[0].Code)

	fx.s.Process(starFrame(t, 100, 100, 0, star(50, 50)))
	assert.False(t, fx.s.LostStar())
}

func TestSuspendFeedsPredictor(t *testing.T) {
	var pred *control.LinearPredictor
	fx := newFixture(t, func(o *Options) {
		pred = control.NewLinearPredictor(o.Calibration)
		o.Predictor = pred
		o.Params = func() control.InParams {
			in := unitGains()
			in.Predictive = true
			return in
		}
	})
	fx.s.SetReticle(50, 50)

	assert.ErrorIs(t, fx.s.Suspend(), ErrNotGuiding)
	fx.s.Start()
	require.NoError(t, fx.s.Suspend())
	assert.Equal(t, Suspended, fx.s.State())

	res := fx.s.Process(starFrame(t, 100, 100, 0, star(51, 50)))
	assert.False(t, res.Processed)
	assert.Equal(t, 1, pred.Samples())
	assert.Empty(t, fx.rec.data)

	require.NoError(t, fx.s.Resume())
	assert.Equal(t, Guiding, fx.s.State())
	assert.Error(t, fx.s.Resume())

	fx.s.Start()
	assert.Zero(t, pred.Samples())
}

func TestSuspendRacingStop(t *testing.T) {
	fx := newFixture(t, nil)
	fx.s.SetReticle(50, 50)
	for i := 0; i < 200; i++ {
		fx.s.Start()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			fx.s.Suspend()
		}()
		go func() {
			defer wg.Done()
			fx.s.Stop()
		}()
		wg.Wait()
		require.Equal(t, Preview, fx.s.State(), "iteration %d", i)
	}
}

func TestReticleClamp(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.s.SetVideoParameters(100, 80, 1, 1))
	fx.s.SetReticle(-5, 200)
	assert.Equal(t, guide.Vector{X: 0, Y: 79}, fx.s.Reticle())

	require.NoError(t, fx.s.SetVideoParameters(200, 160, 2, 2))
	fx.s.SetReticle(150, 150)
	assert.Equal(t, guide.Vector{X: 99, Y: 79}, fx.s.Reticle())
	assert.Equal(t, 2, fx.s.Calibration().BinX)

	assert.ErrorIs(t, fx.s.SetVideoParameters(0, 10, 1, 1), ErrInvalidVideo)
}

func TestSetAlgorithm(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.s.SetAlgorithm(starfind.SmartThreshold))
	assert.Equal(t, starfind.SmartThreshold, fx.s.Algorithm())

	assert.Error(t, fx.s.SetAlgorithm(starfind.Algorithm(starfind.AlgorithmCount)))
	assert.Equal(t, starfind.SmartThreshold, fx.s.Algorithm())
}

func TestCalibrateAndSetReticle(t *testing.T) {
	store := &memStore{}
	fx := newFixture(t, func(o *Options) {
		o.Calibration = calibration.New(1000, 5.2, 5.2, 1, 1)
		o.Store = store
	})
	ctx := context.Background()

	require.NoError(t, fx.s.Calibrate())
	assert.Equal(t, Calibrating, fx.s.State())

	err := fx.s.CalibrateAndSetReticle1D(ctx, guide.Vector{X: 40, Y: 40}, guide.Vector{X: 40, Y: 40}, 1000)
	assert.ErrorIs(t, err, ErrCalibrationFailed)
	assert.Empty(t, store.saved)
	assert.Equal(t, Stopped, fx.s.State())

	require.NoError(t, fx.s.CalibrateAndSetReticle1D(ctx, guide.Vector{X: 40, Y: 40}, guide.Vector{X: 50, Y: 40}, 2000))
	require.Len(t, store.saved, 1)
	assert.True(t, store.saved[0].Calibrated)
	assert.InDelta(t, 200, store.saved[0].RAMsPerPixel, 1e-9)
	assert.Equal(t, guide.Vector{X: 40, Y: 40}, fx.s.Reticle())

	swap, err := fx.s.CalibrateAndSetReticle2D(ctx,
		guide.Vector{X: 10, Y: 10}, guide.Vector{X: 20, Y: 10},
		guide.Vector{X: 20, Y: 10}, guide.Vector{X: 20, Y: 20}, 1000, 1000)
	require.NoError(t, err)
	assert.False(t, swap)

	swap, err = fx.s.CalibrateAndSetReticle2D(ctx,
		guide.Vector{X: 10, Y: 10}, guide.Vector{X: 20, Y: 10},
		guide.Vector{X: 20, Y: 20}, guide.Vector{X: 20, Y: 10}, 1000, 1000)
	require.NoError(t, err)
	assert.True(t, swap)
	assert.Len(t, store.saved, 3)

	store.err = errors.New("disk full")
	err = fx.s.CalibrateAndSetReticle1D(ctx, guide.Vector{X: 40, Y: 40}, guide.Vector{X: 50, Y: 40}, 2000)
	assert.ErrorIs(t, err, store.err)
}

func TestRestoreCalibration(t *testing.T) {
	saved := *calibrated(t)
	saved.RAMsPerPixel = 321
	store := &memStore{saved: []calibration.Model{saved}}
	fx := newFixture(t, func(o *Options) {
		o.Calibration = calibration.New(1000, 5.2, 5.2, 1, 1)
		o.Store = store
	})

	ok, err := fx.s.RestoreCalibration(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 321.0, fx.s.Calibration().RAPulseMsPerPixel())

	store.saved = nil
	ok, err = fx.s.RestoreCalibration(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDitherSettles(t *testing.T) {
	fx := newFixture(t, nil)
	fx.s.SetReticle(50, 50)
	assert.ErrorIs(t, fx.s.Dither(2), ErrNotGuiding)

	fx.s.Start()
	require.NoError(t, fx.s.Dither(2))
	assert.Equal(t, Dithering, fx.s.State())
	r := fx.s.Reticle()
	assert.InDelta(t, 50, r.X, 2)
	assert.InDelta(t, 50, r.Y, 2)

	// Star still at the old lock position.
	fx.s.Process(starFrame(t, 100, 100, 0, star(50, 50)))
	if math.Hypot(r.X-50, r.Y-50) > 1.6 {
		assert.Equal(t, Dithering, fx.s.State())
	}

	fx.s.Process(starFrame(t, 100, 100, 0, star(r.X, r.Y)))
	assert.Equal(t, Guiding, fx.s.State())
}

func TestRapidGuide(t *testing.T) {
	fx := newFixture(t, nil)
	fx.s.SetReticle(50, 50)
	fx.s.SetRapidGuide(true)
	fx.s.SetRapidStarData(53, 50)
	fx.s.Start()

	res := fx.s.Process(nil)
	require.True(t, res.Processed)
	assert.Equal(t, guide.Vector{X: 53, Y: 50}, res.Star)
	assert.InDelta(t, 3*1.072577, res.Drift.X, 1e-4)
}

func regionFrame(t *testing.T, dx, dy float64) *frame.Frame {
	t.Helper()
	var stars []testutil.Star
	for _, c := range [][2]float64{{32, 32}, {96, 32}, {32, 96}, {96, 96}} {
		stars = append(stars, testutil.Star{X: c[0] + dx, Y: c[1] + dy, Sigma: 2, Amplitude: 1000})
	}
	return starFrame(t, 128, 128, 50, stars...)
}

func TestImageGuideUsesRegions(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Calibration = calibration.New(0, 0, 0, 1, 1)
		o.ImageGuide = true
		o.RegionSize = 64
	})
	fx.s.SetReticle(40, 40)

	res := fx.s.Process(regionFrame(t, 0, 0))
	assert.True(t, res.LostStar, "no reference before Start")

	fx.s.Start()
	assert.Equal(t, guide.Vector{}, fx.s.Reticle())

	res = fx.s.Process(regionFrame(t, 3, -2))
	require.True(t, res.Processed)
	assert.Equal(t, -1.0, res.Star.Mass)
	assert.InDelta(t, 3, res.Drift.X, 0.3)
	assert.InDelta(t, -2, res.Drift.Y, 0.3)
}

func TestMultiStarGuiding(t *testing.T) {
	stars := []testutil.Star{
		{X: 100, Y: 100, Sigma: 1.5, Amplitude: 3000},
		{X: 50, Y: 60, Sigma: 1.5, Amplitude: 1500},
		{X: 150, Y: 140, Sigma: 1.5, Amplitude: 1500},
		{X: 60, Y: 150, Sigma: 1.5, Amplitude: 1200},
	}
	render := func(dx, dy float64) *frame.Frame {
		f, err := frame.FromSlice(200, 200, testutil.ShiftedField(200, 200, 100, dx, dy, stars...))
		require.NoError(t, err)
		return f
	}
	fx := newFixture(t, func(o *Options) {
		o.Calibration = calibration.New(0, 0, 0, 1, 1)
		o.Algorithm = starfind.SEPMultiStar
	})

	pos, err := fx.s.SelectStar(render(0, 0))
	require.NoError(t, err)
	assert.InDelta(t, 100, pos.X, 0.1)
	assert.InDelta(t, 100, fx.s.Reticle().X, 0.1)

	fx.s.Start()
	res := fx.s.Process(render(2, 1))
	require.True(t, res.Processed)
	assert.InDelta(t, 2, res.Drift.X, 0.15)
	assert.InDelta(t, 1, res.Drift.Y, 0.15)

	require.Len(t, fx.rec.stats, 1)
	assert.Equal(t, 4, fx.rec.stats[0].StarCount)
	assert.Greater(t, fx.rec.stats[0].SNR, 0.0)
	assert.InDelta(t, 100, fx.rec.stats[0].SkyBG, 1)

	fx.s.ResetMultiStar()
	assert.Zero(t, fx.s.GuideStars().References())
	assert.Equal(t, Guiding, fx.s.State())
	res = fx.s.Process(render(2, 1))
	require.True(t, res.Processed)
	assert.Equal(t, 3, fx.s.GuideStars().References())

	require.NoError(t, fx.s.Abort())
	assert.Equal(t, Stopped, fx.s.State())
	assert.Zero(t, fx.s.GuideStars().References())
}

func TestStopReturnsToPreview(t *testing.T) {
	var states []State
	fx := newFixture(t, func(o *Options) {
		o.OnStateChange = func(s State) { states = append(states, s) }
	})
	fx.s.SetReticle(50, 50)
	require.NoError(t, fx.s.Guide())
	fx.s.Stop()
	assert.Equal(t, Preview, fx.s.State())
	assert.True(t, fx.fs.Closed("/logs/guide_log.txt"))

	res := fx.s.Process(starFrame(t, 100, 100, 0, star(52, 50)))
	assert.False(t, res.Processed)
	assert.Equal(t, []State{Guiding, Preview}, states)

	require.NoError(t, fx.s.Connect(context.Background()))
	require.NoError(t, fx.s.Disconnect())
	assert.Equal(t, Stopped, fx.s.State())
	assert.Equal(t, "Dithering", Dithering.String())
	assert.Equal(t, "Unknown", State(99).String())
}
