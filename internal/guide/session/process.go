package session

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/frame"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
	"github.com/banshee-data/autoguide/internal/guide/starfind"
	"github.com/banshee-data/autoguide/internal/monitoring"
)

// Process handles f using the session's own state to decide whether
// corrections are active.
func (s *Session) Process(f *frame.Frame) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processFrame(f, s.state.Active())
}

// ProcessFrame locates the star in f and, unless previewing, runs one
// controller cycle. When guiding is false the drift buffers are written but
// ticks and statistics do not advance.
func (s *Session) ProcessFrame(f *frame.Frame, guiding bool) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processFrame(f, guiding)
}

func (s *Session) processFrame(f *frame.Frame, guiding bool) Result {
	s.frames++
	s.lastFrame = f

	if s.suspended {
		if s.ctrl.In.Predictive {
			if pos := s.locate(f); pos.Found() {
				s.ctrl.Suspended(s.driftOf(pos).X)
			}
		}
		return Result{Star: guide.NoStar}
	}

	pos := s.locate(f)
	if !pos.Found() {
		s.lostStar = true
		if !s.preview {
			s.emit(guidelog.GuideData{Type: guidelog.Drop, Code: guidelog.NoStarFound})
		}
		return Result{Star: guide.NoStar, LostStar: true}
	}
	s.lostStar = false
	s.starPos = pos
	if pos.Mass != -1 {
		s.centreBox(pos.X, pos.Y)
	}
	if s.opts.OnStarPosition != nil {
		s.opts.OnStarPosition(pos)
	}
	if s.preview {
		return Result{Star: pos}
	}

	drift := s.driftOf(pos)
	s.ctrl.PutDrift(drift.X, drift.Y)
	monitoring.Debugf("[session] star (%.2f, %.2f) reticle (%.2f, %.2f) drift ra=%.3f dec=%.3f",
		pos.X, pos.Y, s.reticle.X, s.reticle.Y, drift.X, drift.Y)

	if guiding && s.alg == starfind.SEPMultiStar {
		if ra, dec, ok := s.stars.GetDrift(drift.Len(), s.reticle.X, s.reticle.Y); ok {
			s.ctrl.PutDrift(ra, dec)
		} else {
			monitoring.Debugf("[session] multi-star drift unavailable, using guide star")
		}
	}
	tempRA, tempDEC := s.ctrl.Drift(guide.RA), s.ctrl.Drift(guide.DEC)

	in := s.params()
	in.Algorithm = int(s.alg)
	s.ctrl.In = in
	s.ctrl.ProcessAxes()
	out := s.ctrl.Out
	if err := s.opts.Log.WriteRow(guidelog.Row{
		Frame:    s.ctrl.Ticks(),
		RAError:  out.Axis[guide.RA].Delta,
		RAPulse:  out.Axis[guide.RA].PulseMs,
		RADir:    out.Axis[guide.RA].Direction,
		DECError: out.Axis[guide.DEC].Delta,
		DECPulse: out.Axis[guide.DEC].PulseMs,
		DECDir:   out.Axis[guide.DEC].Direction,
	}); err != nil {
		monitoring.Logf("[session] %v", err)
	}

	if guiding {
		s.ctrl.CalcSigma()
		s.emitStats()
		s.ctrl.Tick()
	}

	data := guidelog.GuideData{
		Type:         guidelog.Mount,
		Code:         guidelog.NoErrors,
		DX:           pos.X - s.reticle.X,
		DY:           pos.Y - s.reticle.Y,
		RADuration:   pulseIfDirected(out.Axis[guide.RA].Direction, out.Axis[guide.RA].PulseMs),
		RADirection:  out.Axis[guide.RA].Direction,
		DECDuration:  pulseIfDirected(out.Axis[guide.DEC].Direction, out.Axis[guide.DEC].PulseMs),
		DECDirection: out.Axis[guide.DEC].Direction,
		SNR:          s.stars.GuideStarSNR(),
		Mass:         s.stars.GuideStarMass(),
	}
	// Distances point from the star back to the reticle.
	data.RADistance, data.DECDistance = s.calib.ToPixels(-tempRA, -tempDEC)
	data.RAGuideDistance = raGuideFactor(data.RADirection) * s.calib.PulseToPixels(guide.RA, float64(out.Axis[guide.RA].PulseMs))
	data.DECGuideDistance = decGuideFactor(data.DECDirection) * s.calib.PulseToPixels(guide.DEC, float64(out.Axis[guide.DEC].PulseMs))
	s.emit(data)

	if s.state == Dithering && math.Hypot(data.DX, data.DY) <= s.opts.DitherSettle {
		monitoring.Logf("[session] dither settled at %.2f px", math.Hypot(data.DX, data.DY))
		s.setState(Guiding)
	}

	return Result{Star: pos, Drift: guide.Vector{X: tempRA, Y: tempDEC}, Out: out, Processed: true}
}

// locate finds the star with the active strategy. Multi-star tracking wins
// over rapid guiding, which wins over region correlation.
func (s *Session) locate(f *frame.Frame) guide.Vector {
	switch {
	case s.alg == starfind.SEPMultiStar:
		return s.locator.Locate(f, s.box)
	case s.rapid:
		return s.rapidPos
	case s.imageGuide:
		return s.regions.Locate(f, s.box)
	default:
		return s.locator.Locate(f, s.box)
	}
}

// driftOf converts a star position into RA/DEC drift in arcsec.
func (s *Session) driftOf(pos guide.Vector) guide.Vector {
	star := s.calib.ToArcseconds(pos)
	ret := s.calib.ToArcseconds(s.reticle)
	return s.calib.RotateToRaDec(star.Sub(ret))
}

func (s *Session) emit(d guidelog.GuideData) {
	if s.opts.Sink == nil {
		return
	}
	d.Time = s.clock.Now()
	d.Frame = s.frames
	s.opts.Sink.AddGuideData(d)
}

func (s *Session) emitStats() {
	if s.opts.OnStats == nil {
		return
	}
	out := s.ctrl.Out
	st := guide.Stats{
		RADrift:  -out.Axis[guide.RA].Delta,
		DECDrift: -out.Axis[guide.DEC].Delta,
		RAPulse:  out.Axis[guide.RA].Direction.SignedPulse(out.Axis[guide.RA].PulseMs),
		DECPulse: out.Axis[guide.DEC].Direction.SignedPulse(out.Axis[guide.DEC].PulseMs),
	}
	if s.alg == starfind.SEPMultiStar {
		sky := s.stars.SkyBackground()
		st.SNR = s.stars.GuideStarSNR()
		st.SkyBG = sky.Mean
		st.StarCount = sky.StarsDetected
	}
	s.opts.OnStats(st)
}

func pulseIfDirected(d guide.Direction, ms int) int {
	if d == guide.NoDir {
		return 0
	}
	return ms
}

func raGuideFactor(d guide.Direction) float64 {
	switch d {
	case guide.RADecrease:
		return -1
	case guide.RAIncrease:
		return 1
	default:
		return 0
	}
}

func decGuideFactor(d guide.Direction) float64 {
	switch d {
	case guide.DECIncrease:
		return -1
	case guide.DECDecrease:
		return 1
	default:
		return 0
	}
}

// ApplyCorrection sends the pulses decided for res to the configured
// Pulser, RA first. Axes without a direction are skipped.
func (s *Session) ApplyCorrection(ctx context.Context, res Result) error {
	if s.opts.Pulser == nil || !res.Processed {
		return nil
	}
	var errs []error
	for _, k := range guide.Axes {
		ax := res.Out.Axis[k]
		if ax.Direction == guide.NoDir || ax.PulseMs <= 0 {
			continue
		}
		if err := s.opts.Pulser.Pulse(ctx, ax.Direction, ax.PulseMs); err != nil {
			errs = append(errs, fmt.Errorf("pulse %s %d ms: %w", ax.Direction, ax.PulseMs, err))
		}
	}
	return errors.Join(errs...)
}
