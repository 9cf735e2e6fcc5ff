package control

import (
	"math"
	"time"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/monitoring"
)

// Controller holds the drift history and produces pulse decisions for both
// axes.
type Controller struct {
	In  InParams
	Out OutParams

	// Predictor, when set and In.Predictive is true, replaces the PID law
	// on the RA axis whenever it reports a usable prediction.
	Predictor Predictor
	// Now timestamps predictor samples. Defaults to time.Now.
	Now func() time.Time

	buffers   [2]DriftBuffer
	prevDelta [2]float64
	ticks     int
}

// NewController returns a controller with the given parameters.
func NewController(in InParams) *Controller {
	return &Controller{In: in, Now: time.Now}
}

// Reset clears drift history, tick counters and outputs. Parameters are kept.
func (c *Controller) Reset() {
	for k := range c.buffers {
		c.buffers[k].Reset()
	}
	c.prevDelta = [2]float64{}
	c.ticks = 0
	c.Out.Reset()
	if c.Predictor != nil {
		c.Predictor.Reset()
	}
}

// PutDrift writes the current RA and DEC drift in arcseconds at the channel
// tick.
func (c *Controller) PutDrift(ra, dec float64) {
	c.buffers[guide.RA].Put(ra)
	c.buffers[guide.DEC].Put(dec)
}

// Drift returns the sample at the channel tick of axis k.
func (c *Controller) Drift(k guide.Axis) float64 {
	return c.buffers[k].Current()
}

// Buffer exposes the drift buffer of axis k.
func (c *Controller) Buffer(k guide.Axis) *DriftBuffer {
	return &c.buffers[k]
}

// Ticks returns the number of guiding cycles since the last Reset.
func (c *Controller) Ticks() int { return c.ticks }

// ProcessAxes computes delta, direction and pulse length for both axes
// from the buffered drift.
func (c *Controller) ProcessAxes() {
	for _, k := range guide.Axes {
		p := c.In.Axis[k]
		out := &c.Out.Axis[k]
		out.Direction = guide.NoDir
		out.PulseMs = 0

		buf := &c.buffers[k]
		if buf.AccumTick() < p.AccumFrames-1 {
			continue
		}

		cnt := p.AccumFrames
		if cnt < 1 {
			cnt = 1
		}
		out.Delta = buf.Average(cnt)
		integral := buf.Integral()
		derivative := out.Delta - c.prevDelta[k]
		c.prevDelta[k] = out.Delta

		monitoring.Debugf("[control] axis %s delta=%.3f integral=%.3f", k, out.Delta, integral)

		if k == guide.RA && c.In.Predictive && p.Enabled && c.Predictor != nil {
			if pulse, dir, ok := c.Predictor.ComputePulse(out.Delta, c.now()); ok {
				out.Direction = dir
				out.PulseMs = min(pulse, p.MaxPulse)
				continue
			}
		}

		out.PulseMs = pulseLength(out.Delta*p.ProportionalGain+integral*p.IntegralGain+derivative*p.DerivativeGain, p.MaxPulse)

		if !p.Enabled || (out.Delta > 0 && !p.EnabledPositive) || (out.Delta < 0 && !p.EnabledNegative) {
			out.Direction = guide.NoDir
			out.PulseMs = 0
			continue
		}

		if out.PulseMs < p.MinPulse {
			out.Direction = guide.NoDir
			continue
		}
		if k == guide.RA {
			if out.Delta > 0 {
				out.Direction = guide.RADecrease
			} else {
				out.Direction = guide.RAIncrease
			}
		} else {
			if out.Delta > 0 {
				out.Direction = guide.DECIncrease
			} else {
				out.Direction = guide.DECDecrease
			}
		}
	}
}

func pulseLength(v float64, maxPulse int) int {
	v = math.Abs(v)
	if math.IsNaN(v) {
		return 0
	}
	if v > float64(maxPulse) {
		return max(maxPulse, 0)
	}
	return int(v)
}

// CalcSigma updates the RMS drift of both axes over the samples seen so
// far, capped at the buffer capacity. It does nothing before the first tick.
func (c *Controller) CalcSigma() {
	if c.ticks == 0 {
		return
	}
	count := min(c.ticks, MaxAccumCount)
	for _, k := range guide.Axes {
		c.Out.Axis[k].Sigma = math.Sqrt(c.buffers[k].MeanSquare(count))
	}
}

// Tick advances the cycle counter and both buffers.
func (c *Controller) Tick() {
	c.ticks++
	for _, k := range guide.Axes {
		c.buffers[k].Advance(c.In.Axis[k].AccumFrames)
	}
}

// Suspended feeds the predictor with RA drift observed while guiding is
// suspended.
func (c *Controller) Suspended(raDrift float64) {
	if c.Predictor != nil && c.In.Predictive {
		c.Predictor.Suspended(raDrift, c.now())
	}
}

func (c *Controller) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
