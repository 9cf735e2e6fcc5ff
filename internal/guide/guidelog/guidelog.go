// Package guidelog records what the guide engine did each frame: a plain
// text log with one CSV row per guiding cycle, and structured GuideData
// records fanned out to sinks such as the database and the live monitor.
package guidelog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/autoguide/internal/fsutil"
	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/timeutil"
)

// Type distinguishes corrections from dropped frames.
type Type int

const (
	Mount Type = iota
	Drop
)

func (t Type) String() string {
	if t == Drop {
		return "DROP"
	}
	return "MOUNT"
}

// Code qualifies a record.
type Code int

const (
	NoErrors Code = iota
	NoStarFound
)

func (c Code) String() string {
	if c == NoStarFound {
		return "NO_STAR_FOUND"
	}
	return "NO_ERRORS"
}

// GuideData is one frame's outcome. Distances are in pixels; RADistance
// and DECDistance point from the star back to the reticle, and the guide
// distances are the motion the issued pulses are expected to produce.
type GuideData struct {
	Time  time.Time `json:"time"`
	Frame int       `json:"frame"`
	Type  Type      `json:"type"`
	Code  Code      `json:"code"`

	DX               float64 `json:"dx"`
	DY               float64 `json:"dy"`
	RADistance       float64 `json:"ra_distance"`
	DECDistance      float64 `json:"dec_distance"`
	RAGuideDistance  float64 `json:"ra_guide_distance"`
	DECGuideDistance float64 `json:"dec_guide_distance"`

	RADuration   int             `json:"ra_duration_ms"`
	RADirection  guide.Direction `json:"ra_direction"`
	DECDuration  int             `json:"dec_duration_ms"`
	DECDirection guide.Direction `json:"dec_direction"`

	SNR  float64 `json:"snr"`
	Mass float64 `json:"mass"`
}

// Sink receives guide data records. Implementations must not block.
type Sink interface {
	AddGuideData(d GuideData)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(GuideData)

// AddGuideData implements Sink.
func (f SinkFunc) AddGuideData(d GuideData) { f(d) }

// MultiSink fans a record out to every non-nil sink in order.
type MultiSink []Sink

// AddGuideData implements Sink.
func (m MultiSink) AddGuideData(d GuideData) {
	for _, s := range m {
		if s != nil {
			s.AddGuideData(d)
		}
	}
}

// Header is written at the top of each text log.
type Header struct {
	// GuidingRate is the mount guide rate as a multiple of 15 arcsec/s.
	GuidingRate float64
	FocalLength float64 // mm
	Aperture    float64 // mm
}

// Row is one guiding cycle.
type Row struct {
	Frame    int
	RAError  float64 // arcsec
	RAPulse  int     // ms
	RADir    guide.Direction
	DECError float64
	DECPulse int
	DECDir   guide.Direction
}

// ColumnHeader is the CSV header line of the text log.
const ColumnHeader = "Frame #, Time Elapsed (ms), RA Error (arcsec), RA Correction (ms), RA Correction Direction, " +
	"DEC Error (arcsec), DEC Correction (ms), DEC Correction Direction"

// Writer produces the text guide log. Start truncates the file, so each
// guiding run gets a fresh log. A nil *Writer discards everything.
type Writer struct {
	fs    fsutil.FileSystem
	path  string
	clock timeutil.Clock

	mu    sync.Mutex
	w     io.WriteCloser
	start time.Time
}

// NewWriter returns a writer for path. A nil clock uses the real clock.
func NewWriter(fs fsutil.FileSystem, path string, clock timeutil.Clock) *Writer {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Writer{fs: fs, path: path, clock: clock}
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// Start (re)creates the log and writes the header. Elapsed time is measured
// from here.
func (w *Writer) Start(h Header) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w != nil {
		w.w.Close()
		w.w = nil
	}
	f, err := w.fs.Create(w.path)
	if err != nil {
		return fmt.Errorf("create guide log %s: %w", w.path, err)
	}
	w.w = f
	w.start = w.clock.Now()

	fd := 0.0
	if h.Aperture > 0 {
		fd = h.FocalLength / h.Aperture
	}
	_, err = fmt.Fprintf(f, "Guiding rate,x15 arcsec/sec: %s\nFocal,mm: %s\nAperture,mm: %s\nF/D: %s\n%s\n",
		num(h.GuidingRate), num(h.FocalLength), num(h.Aperture), num(fd), ColumnHeader)
	if err != nil {
		return fmt.Errorf("write guide log header: %w", err)
	}
	return nil
}

// WriteRow appends one cycle. It is a no-op before Start.
func (w *Writer) WriteRow(r Row) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	elapsed := w.clock.Since(w.start).Milliseconds()
	_, err := fmt.Fprintf(w.w, "%d,%d,%s,%d,%s,%s,%d,%s\n",
		r.Frame, elapsed, num(r.RAError), r.RAPulse, r.RADir, num(r.DECError), r.DECPulse, r.DECDir)
	if err != nil {
		return fmt.Errorf("write guide log row: %w", err)
	}
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	err := w.w.Close()
	w.w = nil
	return err
}

func num(v float64) string {
	return fmt.Sprintf("%.6g", v)
}
