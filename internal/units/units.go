// Package units provides shared constants and validation for guide drift units
package units

import "math"

// ArcsecPerRadianMilli converts a micron/millimetre ratio to arcseconds. It is
// the number of arcseconds in a radian divided by 1000.
const ArcsecPerRadianMilli = 206.26480624709

// Unit constants
const (
	Arcsec = "arcsec"
	Pixels = "px"
)

// ValidUnits contains all valid display unit values
var ValidUnits = []string{Arcsec, Pixels}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "arcsec, px"
}

// PixelScale returns the sky angle covered by one (binned) pixel in arcseconds.
// Non-positive focal length or pixel size yields 1 so callers degrade to
// working in raw pixels.
func PixelScale(pixelSizeMicrons, focalLengthMM float64, binning int) float64 {
	if pixelSizeMicrons <= 0 || focalLengthMM <= 0 {
		return 1
	}
	if binning < 1 {
		binning = 1
	}
	return ArcsecPerRadianMilli * pixelSizeMicrons * float64(binning) / focalLengthMM
}

// ConvertDrift converts an arcsecond drift to the target display units using
// the given pixel scale (arcsec per pixel).
func ConvertDrift(arcsec, scale float64, targetUnits string) float64 {
	switch targetUnits {
	case Pixels:
		if scale == 0 {
			return arcsec
		}
		return arcsec / scale
	default:
		return arcsec
	}
}

// RMS returns the root mean square of the samples, or 0 for an empty slice.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
