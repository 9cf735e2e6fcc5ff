package starfind

import (
	"errors"
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/frame"
	"github.com/banshee-data/autoguide/internal/testutil"
)

func mustFrame(t *testing.T, w, h int, pix []float32) *frame.Frame {
	t.Helper()
	f, err := frame.FromSlice(w, h, pix)
	testutil.AssertNoError(t, err)
	return f
}

func TestAlgorithmTable(t *testing.T) {
	want := []string{"Smart", "SEP", "Fast", "Auto", "No thresh.", "SEP Multistar"}
	if diff := cmp.Diff(want, AlgorithmNames()); diff != "" {
		t.Errorf("AlgorithmNames mismatch (-want +got):\n%s", diff)
	}
	if Algorithm(6).Valid() || Algorithm(-1).Valid() {
		t.Error("out of range algorithm reported valid")
	}
	if a, err := ParseAlgorithm("Fast"); err != nil || a != Centroid {
		t.Errorf("ParseAlgorithm(Fast) = %v, %v", a, err)
	}
	if a, err := ParseAlgorithm("3"); err != nil || a != AutoThreshold {
		t.Errorf("ParseAlgorithm(3) = %v, %v", a, err)
	}
	if _, err := ParseAlgorithm("9"); err == nil {
		t.Error("ParseAlgorithm(9) should fail")
	}
}

func TestNewLocator(t *testing.T) {
	if _, err := NewLocator(Algorithm(42), Options{}); err == nil {
		t.Error("unknown index should fail")
	}
	if _, err := NewLocator(SEPMultiStar, Options{}); err == nil {
		t.Error("multi-star without tracker should fail")
	}
	for _, alg := range []Algorithm{SmartThreshold, SEPThreshold, Centroid, AutoThreshold, NoThreshold} {
		if _, err := NewLocator(alg, Options{}); err != nil {
			t.Errorf("NewLocator(%v) error: %v", alg, err)
		}
	}
}

func TestCentroidLocator(t *testing.T) {
	star := testutil.Star{X: 50.3, Y: 40.7, Sigma: 1.5, Amplitude: 1000}
	f := mustFrame(t, 100, 100, testutil.StarField(100, 100, 0, star))
	box := image.Rect(30, 20, 70, 60)

	got := CentroidLocator{}.Locate(f, box)
	if !got.Found() {
		t.Fatal("star not found")
	}
	testutil.AssertNear(t, "x", got.X, star.X, 0.1)
	testutil.AssertNear(t, "y", got.Y, star.Y, 0.1)

	empty := mustFrame(t, 100, 100, testutil.StarField(100, 100, 0))
	if v := (CentroidLocator{}).Locate(empty, box); v.Found() {
		t.Errorf("empty frame located %v", v)
	}
}

func TestThresholdLocators(t *testing.T) {
	star := testutil.Star{X: 50.3, Y: 40.7, Sigma: 1.5, Amplitude: 1000}
	box := image.Rect(30, 20, 70, 60)

	tests := []struct {
		name string
		alg  Algorithm
		bg   float64
	}{
		{"smart", SmartThreshold, 100},
		{"auto", AutoThreshold, 100},
		{"no threshold on dark sky", NoThreshold, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustFrame(t, 100, 100, testutil.StarField(100, 100, tt.bg, star))
			loc, err := NewLocator(tt.alg, Options{})
			testutil.AssertNoError(t, err)
			got := loc.Locate(f, box)
			testutil.AssertNear(t, "x", got.X, star.X, 0.15)
			testutil.AssertNear(t, "y", got.Y, star.Y, 0.15)
		})
	}
}

func TestSmartThresholdClipsFrame(t *testing.T) {
	// Box touching the top-left corner: only the right and bottom bars exist.
	pix := testutil.StarField(20, 20, 10)
	f := mustFrame(t, 20, 20, pix)
	got := smartThreshold(f, image.Rect(0, 0, 8, 8), 4)
	if got != 10 {
		t.Errorf("threshold = %v, want background 10", got)
	}
}

func TestWeightedCentroidDarkBox(t *testing.T) {
	f := mustFrame(t, 10, 10, testutil.StarField(10, 10, 0))
	got := weightedCentroid(f, image.Rect(2, 3, 6, 7), 0)
	if got.X != 2 || got.Y != 3 {
		t.Errorf("dark box centroid = %v, want box origin", got)
	}
}

func TestSEPLocatorPicksLargestHFR(t *testing.T) {
	tight := testutil.Star{X: 40, Y: 40, Sigma: 1.2, Amplitude: 2000}
	wide := testutil.Star{X: 70, Y: 65, Sigma: 2.5, Amplitude: 800}
	f := mustFrame(t, 100, 100, testutil.StarField(100, 100, 100, tight, wide))

	loc := SEPLocator{Extractor: NewExtractor()}
	got := loc.Locate(f, f.Bounds())
	testutil.AssertNear(t, "x", got.X, wide.X, 0.2)
	testutil.AssertNear(t, "y", got.Y, wide.Y, 0.2)

	empty := mustFrame(t, 100, 100, testutil.StarField(100, 100, 100))
	if v := loc.Locate(empty, empty.Bounds()); v != guide.NoStar {
		t.Errorf("empty frame = %v, want NoStar", v)
	}
}

func TestExtractor(t *testing.T) {
	a := testutil.Star{X: 30.4, Y: 30.6, Sigma: 1.5, Amplitude: 3000}
	b := testutil.Star{X: 70.2, Y: 60.1, Sigma: 1.5, Amplitude: 1000}
	f := mustFrame(t, 100, 100, testutil.StarField(100, 100, 200, a, b))

	stars := NewExtractor().Extract(f, f.Bounds())
	if len(stars) != 2 {
		t.Fatalf("extracted %d stars, want 2", len(stars))
	}
	testutil.AssertNear(t, "brightest x", stars[0].X, a.X, 0.1)
	testutil.AssertNear(t, "brightest y", stars[0].Y, a.Y, 0.1)
	if stars[0].Flux <= stars[1].Flux {
		t.Error("stars not ordered by flux")
	}
	if stars[0].SNR <= 0 || stars[0].HFR <= 0 {
		t.Errorf("missing SNR/HFR: %+v", stars[0])
	}

	// Restricting the region excludes the second star.
	only := NewExtractor().Extract(f, image.Rect(0, 0, 50, 50))
	if len(only) != 1 {
		t.Errorf("region extract = %d stars, want 1", len(only))
	}
}

func regionField(w, h, size int, dx, dy float64) []float32 {
	var stars []testutil.Star
	for y := 0; y+size <= h; y += size {
		for x := 0; x+size <= w; x += size {
			stars = append(stars, testutil.Star{
				X: float64(x+size/2) + dx, Y: float64(y+size/2) + dy, Sigma: 2, Amplitude: 1000,
			})
		}
	}
	return testutil.StarField(w, h, 50, stars...)
}

func TestRegionLocatorMedianShift(t *testing.T) {
	ref := mustFrame(t, 128, 128, regionField(128, 128, 64, 0, 0))
	cur := mustFrame(t, 128, 128, regionField(128, 128, 64, 3, -2))

	loc := NewRegionLocator(64)
	testutil.AssertNoError(t, loc.CaptureReference(ref))

	got := loc.Locate(cur, image.Rectangle{})
	if got.Mass != -1 {
		t.Errorf("mass = %v, want -1", got.Mass)
	}
	testutil.AssertNear(t, "x shift", got.X, 3, 0.3)
	testutil.AssertNear(t, "y shift", got.Y, -2, 0.3)

	still := loc.Locate(ref, image.Rectangle{})
	testutil.AssertNear(t, "x still", still.X, 0, 0.3)
	testutil.AssertNear(t, "y still", still.Y, 0, 0.3)
}

func TestRegionLocatorPartitionMismatch(t *testing.T) {
	loc := NewRegionLocator(64)
	testutil.AssertNoError(t, loc.CaptureReference(mustFrame(t, 128, 128, regionField(128, 128, 64, 0, 0))))

	small := mustFrame(t, 64, 128, regionField(64, 128, 64, 0, 0))
	if got := loc.Locate(small, image.Rectangle{}); got != guide.NoStar {
		t.Errorf("mismatch returned %v, want NoStar", got)
	}
	if !errors.Is(loc.Err(), ErrPartitionMismatch) {
		t.Errorf("Err() = %v, want ErrPartitionMismatch", loc.Err())
	}

	tiny := mustFrame(t, 32, 32, testutil.StarField(32, 32, 0))
	if got := loc.Locate(tiny, image.Rectangle{}); got != guide.NoStar {
		t.Errorf("unpartitionable frame returned %v", got)
	}
	if !errors.Is(loc.Err(), ErrNoRegions) {
		t.Errorf("Err() = %v, want ErrNoRegions", loc.Err())
	}
	if err := NewRegionLocator(64).CaptureReference(tiny); !errors.Is(err, ErrNoRegions) {
		t.Errorf("CaptureReference(tiny) = %v", err)
	}
}
