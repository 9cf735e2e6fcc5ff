package control

import "github.com/banshee-data/autoguide/internal/guide"

// MaxAccumCount is the capacity of each drift ring buffer.
const MaxAccumCount = 50

// AxisParams configures one axis.
type AxisParams struct {
	ProportionalGain float64
	IntegralGain     float64
	DerivativeGain   float64

	Enabled bool
	// EnabledPositive allows corrections for positive drift (east on RA,
	// north on DEC); EnabledNegative for negative drift (west, south).
	EnabledPositive bool
	EnabledNegative bool

	MinPulse int // ms
	MaxPulse int // ms
	// AccumFrames is how many recent samples are averaged into delta.
	AccumFrames int
}

// InParams is rebuilt from configuration before every cycle.
type InParams struct {
	Axis [2]AxisParams
	// Algorithm is the centroid algorithm index in use.
	Algorithm int
	// Predictive enables the predictive RA model.
	Predictive bool
}

// DefaultInParams returns both axes enabled with a 100..5000 ms pulse window,
// no accumulation and only the proportional term active.
func DefaultInParams() InParams {
	in := InParams{Algorithm: 2}
	for _, k := range guide.Axes {
		in.Axis[k] = AxisParams{
			ProportionalGain: 133.33,
			Enabled:          true,
			EnabledPositive:  true,
			EnabledNegative:  true,
			MinPulse:         100,
			MaxPulse:         5000,
			AccumFrames:      1,
		}
	}
	return in
}

// AxisOutput is the controller decision for one axis.
type AxisOutput struct {
	Delta     float64 // arcsec
	Direction guide.Direction
	PulseMs   int
	Sigma     float64 // arcsec RMS
}

// OutParams holds the last decision for both axes.
type OutParams struct {
	Axis [2]AxisOutput
}

// Reset zeroes every field.
func (o *OutParams) Reset() {
	*o = OutParams{}
}
