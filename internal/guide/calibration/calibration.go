// Package calibration maps pixel motion on the guide camera to sky motion
// along the mount's RA and DEC axes.
//
// Optics (focal length, pixel size, binning) give the arcsecond scale. A
// calibration fit adds the camera rotation, the DEC sign and the pulse rates
// in milliseconds per pixel. Until a fit succeeds the rotation is identity.
package calibration

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/units"
)

// Store persists the last successful calibration.
type Store interface {
	SaveCalibration(ctx context.Context, m Model) error
	LoadCalibration(ctx context.Context) (Model, bool, error)
}

// Model is the calibration state. Exported fields are persisted as-is.
type Model struct {
	FocalLength float64 `json:"focal_length_mm"`
	PixelSizeX  float64 `json:"pixel_size_x_um"`
	PixelSizeY  float64 `json:"pixel_size_y_um"`
	BinX        int     `json:"bin_x"`
	BinY        int     `json:"bin_y"`

	// Angle is the RA axis direction in the image, radians from +x.
	Angle         float64 `json:"angle_rad"`
	RAMsPerPixel  float64 `json:"ra_ms_per_pixel"`
	DECMsPerPixel float64 `json:"dec_ms_per_pixel"`
	SwapDEC       bool    `json:"swap_dec"`
	Calibrated    bool    `json:"calibrated"`
}

// New returns an uncalibrated model for the given optics.
func New(focalLength, pixelSizeX, pixelSizeY float64, binX, binY int) *Model {
	m := &Model{}
	m.SetOptics(focalLength, pixelSizeX, pixelSizeY, binX, binY)
	return m
}

// SetOptics updates the optical parameters without touching the fit.
func (m *Model) SetOptics(focalLength, pixelSizeX, pixelSizeY float64, binX, binY int) {
	if binX < 1 {
		binX = 1
	}
	if binY < 1 {
		binY = 1
	}
	m.FocalLength = focalLength
	m.PixelSizeX = pixelSizeX
	m.PixelSizeY = pixelSizeY
	m.BinX = binX
	m.BinY = binY
}

// Reset discards the fit and keeps the optics.
func (m *Model) Reset() {
	m.Angle = 0
	m.RAMsPerPixel = 0
	m.DECMsPerPixel = 0
	m.SwapDEC = false
	m.Calibrated = false
}

// Fit1D derives the RA axis direction and pulse rate from a single RA
// calibration drag of (dx, dy) pixels produced by raPulseMs of guiding. DEC
// is assumed to run at the same rate. Degenerate input leaves m untouched.
func (m *Model) Fit1D(dx, dy float64, raPulseMs int) bool {
	length := math.Hypot(dx, dy)
	if length == 0 || raPulseMs <= 0 || math.IsNaN(length) {
		return false
	}
	m.Angle = math.Atan2(dy, dx)
	m.RAMsPerPixel = float64(raPulseMs) / length
	m.DECMsPerPixel = m.RAMsPerPixel
	m.SwapDEC = false
	m.Calibrated = true
	return true
}

// Fit2D derives both axes from separate RA and DEC calibration drags.
// swapDEC is true when the measured DEC motion points away from the RA axis
// rotated by +90 degrees, in which case DEC drift is sign-flipped.
func (m *Model) Fit2D(dxRA, dyRA, dxDEC, dyDEC float64, raPulseMs, decPulseMs int) (swapDEC bool, ok bool) {
	raLen := math.Hypot(dxRA, dyRA)
	decLen := math.Hypot(dxDEC, dyDEC)
	if raLen == 0 || decLen == 0 || raPulseMs <= 0 || decPulseMs <= 0 {
		return false, false
	}
	if math.IsNaN(raLen) || math.IsNaN(decLen) {
		return false, false
	}

	raAngle := math.Atan2(dyRA, dxRA)
	decAngle := math.Atan2(dyDEC, dxDEC)
	swapDEC = math.Abs(normalizeAngle(decAngle-(raAngle+math.Pi/2))) > math.Pi/2

	m.Angle = raAngle
	m.RAMsPerPixel = float64(raPulseMs) / raLen
	m.DECMsPerPixel = float64(decPulseMs) / decLen
	m.SwapDEC = swapDEC
	m.Calibrated = true
	return swapDEC, true
}

// normalizeAngle wraps a into (-pi, pi].
func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// ArcsecPerPixel returns the x and y image scale.
func (m *Model) ArcsecPerPixel() (x, y float64) {
	return units.PixelScale(m.PixelSizeX, m.FocalLength, m.BinX),
		units.PixelScale(m.PixelSizeY, m.FocalLength, m.BinY)
}

// ToArcseconds scales a pixel-space vector into arcseconds.
func (m *Model) ToArcseconds(v guide.Vector) guide.Vector {
	sx, sy := m.ArcsecPerPixel()
	return guide.Vector{X: v.X * sx, Y: v.Y * sy, Mass: v.Mass}
}

// ToPixels converts an arcsecond offset back to pixels.
func (m *Model) ToPixels(raArcsec, decArcsec float64) (dx, dy float64) {
	sx, sy := m.ArcsecPerPixel()
	return raArcsec / sx, decArcsec / sy
}

// RotateToRaDec rotates an image-space offset into the RA/DEC frame. Before
// a successful fit it returns v unchanged.
func (m *Model) RotateToRaDec(v guide.Vector) guide.Vector {
	if !m.Calibrated {
		return v
	}
	out := mat.NewVecDense(2, nil)
	out.MulVec(m.rotation(), mat.NewVecDense(2, []float64{v.X, v.Y}))
	ra, dec := out.AtVec(0), out.AtVec(1)
	if m.SwapDEC {
		dec = -dec
	}
	return guide.Vector{X: ra, Y: dec, Mass: v.Mass}
}

// rotation is the matrix that rotates by -Angle.
func (m *Model) rotation() *mat.Dense {
	c, s := math.Cos(m.Angle), math.Sin(m.Angle)
	return mat.NewDense(2, 2, []float64{
		c, s,
		-s, c,
	})
}

// RAPulseMsPerPixel returns the RA guide rate, or 0 before calibration.
func (m *Model) RAPulseMsPerPixel() float64 { return m.RAMsPerPixel }

// DECPulseMsPerPixel returns the DEC guide rate, or 0 before calibration.
func (m *Model) DECPulseMsPerPixel() float64 { return m.DECMsPerPixel }

// PulseToPixels converts a pulse length on axis a to the expected pixel
// motion. An uncalibrated axis yields 0.
func (m *Model) PulseToPixels(a guide.Axis, ms float64) float64 {
	rate := m.RAMsPerPixel
	if a == guide.DEC {
		rate = m.DECMsPerPixel
	}
	if rate == 0 {
		return 0
	}
	return ms / rate
}
