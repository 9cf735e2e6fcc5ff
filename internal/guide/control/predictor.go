package control

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/calibration"
)

// Predictor models RA drift over time and proposes pulses ahead of the
// measured error.
type Predictor interface {
	// ComputePulse records delta (arcsec) at time at and returns a pulse.
	// ok is false when the model cannot yet predict.
	ComputePulse(delta float64, at time.Time) (pulseMs int, dir guide.Direction, ok bool)
	// Suspended records drift measured while no corrections are sent.
	Suspended(raDrift float64, at time.Time)
	Reset()
}

// Defaults for LinearPredictor.
const (
	DefaultPredictorWindow     = 30
	DefaultPredictorMinSamples = 8
	DefaultPredictorGain       = 0.7
)

type driftSample struct {
	at    time.Time
	drift float64
}

// LinearPredictor fits a straight line to a sliding window of RA drift
// samples and adds the drift expected over the next frame interval to the
// measured error.
type LinearPredictor struct {
	Window     int
	MinSamples int
	// Gain scales the predicted correction before conversion to ms.
	Gain float64

	calib *calibration.Model

	samples []driftSample
	// correction accumulates the corrections issued so far so that the
	// model tracks the uncorrected drift rather than the residual.
	correction float64
}

// NewLinearPredictor returns a predictor using calib for arcsec to ms
// conversion.
func NewLinearPredictor(calib *calibration.Model) *LinearPredictor {
	return &LinearPredictor{
		Window:     DefaultPredictorWindow,
		MinSamples: DefaultPredictorMinSamples,
		Gain:       DefaultPredictorGain,
		calib:      calib,
	}
}

// SetCalibration replaces the calibration model.
func (p *LinearPredictor) SetCalibration(calib *calibration.Model) {
	p.calib = calib
}

// Reset drops all samples.
func (p *LinearPredictor) Reset() {
	p.samples = p.samples[:0]
	p.correction = 0
}

// Samples returns the number of samples in the window.
func (p *LinearPredictor) Samples() int { return len(p.samples) }

// Suspended records an observation without issuing a correction.
func (p *LinearPredictor) Suspended(raDrift float64, at time.Time) {
	p.observe(raDrift, at)
}

// ComputePulse implements Predictor.
func (p *LinearPredictor) ComputePulse(delta float64, at time.Time) (int, guide.Direction, bool) {
	p.observe(delta, at)
	if len(p.samples) < max(p.MinSamples, 2) {
		return 0, guide.NoDir, false
	}
	msPerArcsec := p.msPerArcsec()
	if msPerArcsec <= 0 {
		return 0, guide.NoDir, false
	}

	t0 := p.samples[0].at
	xs := make([]float64, len(p.samples))
	ys := make([]float64, len(p.samples))
	for i, s := range p.samples {
		xs[i] = s.at.Sub(t0).Seconds()
		ys[i] = s.drift
	}
	interval := (xs[len(xs)-1] - xs[0]) / float64(len(xs)-1)
	if interval <= 0 {
		return 0, guide.NoDir, false
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(slope) {
		return 0, guide.NoDir, false
	}

	predicted := p.Gain * (delta + slope*interval)
	pulse := int(math.Round(math.Abs(predicted) * msPerArcsec))
	dir := guide.RAIncrease
	if predicted > 0 {
		dir = guide.RADecrease
	}
	if pulse == 0 {
		dir = guide.NoDir
	}
	p.correction += predicted
	return pulse, dir, true
}

func (p *LinearPredictor) observe(drift float64, at time.Time) {
	if math.IsNaN(drift) {
		return
	}
	window := p.Window
	if window <= 0 {
		window = DefaultPredictorWindow
	}
	p.samples = append(p.samples, driftSample{at: at, drift: drift + p.correction})
	if len(p.samples) > window {
		p.samples = append(p.samples[:0], p.samples[len(p.samples)-window:]...)
	}
}

func (p *LinearPredictor) msPerArcsec() float64 {
	if p.calib == nil {
		return 0
	}
	scale, _ := p.calib.ArcsecPerPixel()
	if scale <= 0 {
		return 0
	}
	return p.calib.RAPulseMsPerPixel() / scale
}
