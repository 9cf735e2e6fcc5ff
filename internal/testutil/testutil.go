// Package testutil provides shared test utilities and fixtures.
//
// Besides the assertion helpers it renders synthetic star fields so the
// star locators, the session loop and the replay harness can be tested
// against known sub-pixel positions.
package testutil

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertNear fails the test if got and want differ by more than tol.
func AssertNear(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %.4f, want %.4f (±%g)", name, got, want, tol)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// Star describes a synthetic Gaussian star.
type Star struct {
	X, Y      float64
	Sigma     float64
	Amplitude float64
}

// StarField renders stars over a flat background into a row-major buffer
// suitable for frame.FromSlice.
func StarField(width, height int, background float64, stars ...Star) []float32 {
	pix := make([]float32, width*height)
	for i := range pix {
		pix[i] = float32(background)
	}
	for _, s := range stars {
		AddStar(pix, width, height, s)
	}
	return pix
}

// AddStar adds a Gaussian profile to pix. Contributions beyond 5 sigma are
// skipped.
func AddStar(pix []float32, width, height int, s Star) {
	sigma := s.Sigma
	if sigma <= 0 {
		sigma = 1.5
	}
	r := int(math.Ceil(5 * sigma))
	cx, cy := int(math.Round(s.X)), int(math.Round(s.Y))
	for y := cy - r; y <= cy+r; y++ {
		if y < 0 || y >= height {
			continue
		}
		for x := cx - r; x <= cx+r; x++ {
			if x < 0 || x >= width {
				continue
			}
			dx, dy := float64(x)-s.X, float64(y)-s.Y
			pix[y*width+x] += float32(s.Amplitude * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}
}

// ShiftedField renders the same stars translated by (dx, dy).
func ShiftedField(width, height int, background, dx, dy float64, stars ...Star) []float32 {
	moved := make([]Star, len(stars))
	for i, s := range stars {
		s.X += dx
		s.Y += dy
		moved[i] = s
	}
	return StarField(width, height, background, moved...)
}
