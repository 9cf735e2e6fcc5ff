package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"time"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/frame"
	"github.com/banshee-data/autoguide/internal/guide/session"
	"github.com/banshee-data/autoguide/internal/monitoring"
	"github.com/banshee-data/autoguide/internal/timeutil"
)

// DefaultCalibrationPulseMs is the length of each calibration step.
const DefaultCalibrationPulseMs = 2000

// guideLoop drives a session from a frame source: select a star, calibrate
// unless a calibration was restored, then guide until the frames run out.
type guideLoop struct {
	sess   *session.Session
	pulser session.Pulser
	src    FrameSource
	clock  timeutil.Clock

	calibrationMs int
	// interval paces frames. Zero processes them back to back.
	interval time.Duration
	// ditherEvery dithers after this many guided frames. Zero disables it.
	ditherEvery  int
	ditherPixels float64

	onResult func(session.Result)
}

// Run blocks until the source is exhausted or ctx is cancelled. Running out
// of frames is not an error.
func (l *guideLoop) Run(ctx context.Context) error {
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	if l.calibrationMs <= 0 {
		l.calibrationMs = DefaultCalibrationPulseMs
	}

	f, err := l.next(ctx)
	if err != nil {
		return fmt.Errorf("first frame: %w", err)
	}
	pos, err := l.sess.SelectStar(f)
	if err != nil {
		return fmt.Errorf("select guide star: %w", err)
	}
	// Refine the peak with the tracking centroid and lock on that.
	if res := l.sess.Process(f); res.Star.Found() {
		pos = res.Star
		l.sess.SetReticle(pos.X, pos.Y)
	}
	monitoring.Logf("[loop] guide star selected at %s", pos)

	if !l.sess.Calibration().Calibrated {
		if err := l.calibrate(ctx); err != nil {
			l.sess.Abort()
			return err
		}
	}

	l.sess.Start()
	defer l.sess.Stop()

	guided := 0
	for {
		f, err := l.next(ctx)
		if errors.Is(err, io.EOF) {
			monitoring.Logf("[loop] no more frames after %d guided", guided)
			return nil
		}
		if err != nil {
			return err
		}

		res := l.sess.Process(f)
		if l.onResult != nil {
			l.onResult(res)
		}
		if err := l.sess.ApplyCorrection(ctx, res); err != nil {
			monitoring.Logf("[loop] %v", err)
		}
		if !res.Processed {
			continue
		}
		guided++
		if l.ditherEvery > 0 && guided%l.ditherEvery == 0 {
			if err := l.sess.Dither(l.ditherPixels); err != nil {
				monitoring.Logf("[loop] dither: %v", err)
			}
		}
	}
}

// calibrate pulses RA then DEC, measuring the star after each step.
func (l *guideLoop) calibrate(ctx context.Context) error {
	if err := l.sess.Calibrate(); err != nil {
		return err
	}
	raStart := l.sess.StarPosition()
	raEnd, err := l.step(ctx, guide.RAIncrease)
	if err != nil {
		return err
	}
	decEnd, err := l.step(ctx, guide.DECDecrease)
	if err != nil {
		return err
	}

	swap, err := l.sess.CalibrateAndSetReticle2D(ctx, raStart, raEnd, raEnd, decEnd, l.calibrationMs, l.calibrationMs)
	if err != nil {
		return err
	}
	m := l.sess.Calibration()
	monitoring.Logf("[loop] calibrated angle=%.1f deg ra=%.1f ms/px dec=%.1f ms/px swap_dec=%v",
		m.Angle*180/math.Pi, m.RAMsPerPixel, m.DECMsPerPixel, swap)

	// The star is still displaced by the calibration steps; track it there
	// and let guiding bring it back to the reticle.
	box := l.sess.TrackingBox()
	half := box.Dx() / 2
	cx, cy := int(math.Round(decEnd.X)), int(math.Round(decEnd.Y))
	l.sess.SetTrackingBox(image.Rect(cx-half, cy-half, cx-half+box.Dx(), cy-half+box.Dy()))
	return nil
}

func (l *guideLoop) step(ctx context.Context, dir guide.Direction) (guide.Vector, error) {
	if err := l.pulser.Pulse(ctx, dir, l.calibrationMs); err != nil {
		return guide.NoStar, fmt.Errorf("calibration pulse %s: %w", dir, err)
	}
	f, err := l.next(ctx)
	if err != nil {
		return guide.NoStar, fmt.Errorf("calibration frame after %s: %w", dir, err)
	}
	res := l.sess.Process(f)
	if !res.Star.Found() {
		return guide.NoStar, fmt.Errorf("%w: star lost after %s", session.ErrCalibrationFailed, dir)
	}
	return res.Star, nil
}

func (l *guideLoop) next(ctx context.Context) (*frame.Frame, error) {
	if l.interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clock.After(l.interval):
		}
	}
	return l.src.Next(ctx)
}
