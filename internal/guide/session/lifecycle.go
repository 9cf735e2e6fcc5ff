package session

import (
	"context"
	"fmt"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/monitoring"
)

// Start begins guiding: drift history, ticks and outputs are cleared, a
// fresh text log is opened when the optics are known, region references
// are captured from the last frame and the predictor and multi-star state
// start over.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
}

func (s *Session) start() {
	s.ctrl.Reset()
	s.preview = false
	s.suspended = false

	if s.calib.FocalLength > 0 && s.opts.Header.Aperture > 0 {
		h := s.opts.Header
		h.FocalLength = s.calib.FocalLength
		if err := s.opts.Log.Start(h); err != nil {
			monitoring.Logf("[session] %v", err)
		}
	}

	if s.imageGuide {
		if err := s.regions.CaptureReference(s.lastFrame); err != nil {
			monitoring.Logf("[session] capture region reference: %v", err)
		}
		s.reticle = guide.Vector{}
	}
	s.stars.Reset()
	s.setState(Guiding)
}

// Stop returns to preview: stars are still located but no corrections are
// computed.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
}

func (s *Session) stop() {
	s.halt()
	s.setState(Preview)
}

func (s *Session) halt() {
	s.preview = true
	s.suspended = false
	if err := s.opts.Log.Close(); err != nil {
		monitoring.Logf("[session] close guide log: %v", err)
	}
}

// SetSuspended pauses or resumes corrections. While suspended, frames only
// feed the predictor.
func (s *Session) SetSuspended(suspended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setSuspended(suspended)
}

func (s *Session) setSuspended(suspended bool) {
	s.suspended = suspended
	switch {
	case suspended:
		s.setState(Suspended)
	case s.state == Suspended:
		s.setState(Guiding)
	}
}

// Connect implements guide.Guider. The internal engine is always connected.
func (s *Session) Connect(ctx context.Context) error { return ctx.Err() }

// Disconnect implements guide.Guider.
func (s *Session) Disconnect() error { return s.Abort() }

// Calibrate enters the calibrating state. The fit itself arrives through
// CalibrateAndSetReticle1D or CalibrateAndSetReticle2D.
func (s *Session) Calibrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preview = true
	s.setState(Calibrating)
	return nil
}

// Guide implements guide.Guider.
func (s *Session) Guide() error {
	s.Start()
	return nil
}

// ResetMultiStar forgets the multi-star reference set and nothing else.
// The next located frame captures a new set.
func (s *Session) ResetMultiStar() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stars.Reset()
}

// Abort implements guide.Guider. As a command it ends the session: it stops
// corrections, closes the guide log, moves to Stopped and then clears the
// multi-star state as ResetMultiStar does.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt()
	s.stars.Reset()
	s.setState(Stopped)
	return nil
}

// Suspend implements guide.Guider.
func (s *Session) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() {
		return ErrNotGuiding
	}
	s.setSuspended(true)
	return nil
}

// Resume implements guide.Guider.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Suspended {
		return fmt.Errorf("%w: resume while %s", ErrNotGuiding, s.state)
	}
	s.setSuspended(false)
	return nil
}

// Dither moves the reticle by a random offset of up to pixels on each axis
// and waits for the star to settle on the new lock position.
func (s *Session) Dither(pixels float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() {
		return ErrNotGuiding
	}
	if pixels <= 0 {
		pixels = DefaultDitherPixels
	}
	dx := (s.rng.Float64()*2 - 1) * pixels
	dy := (s.rng.Float64()*2 - 1) * pixels
	s.setReticle(s.reticle.X+dx, s.reticle.Y+dy)
	monitoring.Logf("[session] dither by (%.2f, %.2f) px to (%.2f, %.2f)", dx, dy, s.reticle.X, s.reticle.Y)
	s.setState(Dithering)
	return nil
}

// CalibrateAndSetReticle1D fits an RA-only calibration from the star moving
// from start to end under raPulseMs of RA pulses, persists it and locks the
// reticle on start.
func (s *Session) CalibrateAndSetReticle1D(ctx context.Context, start, end guide.Vector, raPulseMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setState(Stopped)

	if !s.calib.Fit1D(end.X-start.X, end.Y-start.Y, raPulseMs) {
		return fmt.Errorf("%w: RA move (%.2f, %.2f) px over %d ms", ErrCalibrationFailed, end.X-start.X, end.Y-start.Y, raPulseMs)
	}
	s.setReticle(start.X, start.Y)
	s.centreBox(start.X, start.Y)
	return s.saveCalibration(ctx)
}

// CalibrateAndSetReticle2D fits RA and DEC from two star moves, persists
// the result and locks the reticle on the RA start. swapDEC reports a
// reversed DEC axis.
func (s *Session) CalibrateAndSetReticle2D(ctx context.Context, raStart, raEnd, decStart, decEnd guide.Vector, raPulseMs, decPulseMs int) (swapDEC bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setState(Stopped)

	swapDEC, ok := s.calib.Fit2D(raEnd.X-raStart.X, raEnd.Y-raStart.Y, decEnd.X-decStart.X, decEnd.Y-decStart.Y, raPulseMs, decPulseMs)
	if !ok {
		return false, fmt.Errorf("%w: degenerate RA or DEC move", ErrCalibrationFailed)
	}
	s.setReticle(raStart.X, raStart.Y)
	s.centreBox(raStart.X, raStart.Y)
	return swapDEC, s.saveCalibration(ctx)
}

func (s *Session) saveCalibration(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	if err := s.opts.Store.SaveCalibration(ctx, *s.calib); err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	return nil
}

// RestoreCalibration loads the last saved calibration, if any. It reports
// whether one was found.
func (s *Session) RestoreCalibration(ctx context.Context) (bool, error) {
	if s.opts.Store == nil {
		return false, nil
	}
	m, ok, err := s.opts.Store.LoadCalibration(ctx)
	if err != nil {
		return false, fmt.Errorf("load calibration: %w", err)
	}
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.calib = m
	s.stars.SetCalibration(s.calib)
	monitoring.Logf("[session] restored calibration angle=%.3f rad ra=%.1f ms/px dec=%.1f ms/px",
		m.Angle, m.RAMsPerPixel, m.DECMsPerPixel)
	return true, nil
}
