package guide

import "context"

// Guider is the command surface shared by the internal guide engine and the
// external guider adapter. Exactly one implementation drives a session.
type Guider interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Calibrate() error
	Guide() error
	Abort() error
	Suspend() error
	Resume() error
	Dither(pixels float64) error
}

// Stats is the per-frame statistics event emitted while guiding. Drift is
// reported as target minus star, so it is the negated controller delta.
type Stats struct {
	RADrift   float64
	DECDrift  float64
	RAPulse   float64
	DECPulse  float64
	SNR       float64
	SkyBG     float64
	StarCount int
}
