package monitor

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/autoguide/internal/guide/guidelog"
)

var (
	raColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	decColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WriteDriftPlot saves a PNG (or any format gonum/plot infers from the
// extension) of RA and DEC distance per frame. DROP records are skipped.
func WriteDriftPlot(path string, records []guidelog.GuideData) error {
	if len(records) == 0 {
		return fmt.Errorf("no guide records to plot")
	}

	raPts := make(plotter.XYs, 0, len(records))
	decPts := make(plotter.XYs, 0, len(records))
	for _, d := range records {
		if d.Type == guidelog.Drop {
			continue
		}
		raPts = append(raPts, plotter.XY{X: float64(d.Frame), Y: d.RADistance})
		decPts = append(decPts, plotter.XY{X: float64(d.Frame), Y: d.DECDistance})
	}

	p := plot.New()
	p.Title.Text = "Guide drift"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Distance (px)"
	p.Add(plotter.NewGrid())

	if len(raPts) > 0 {
		raLine, err := plotter.NewLine(raPts)
		if err != nil {
			return fmt.Errorf("RA line: %w", err)
		}
		raLine.Color = raColor
		raLine.Width = vg.Points(1)
		p.Add(raLine)
		p.Legend.Add("RA", raLine)

		decLine, err := plotter.NewLine(decPts)
		if err != nil {
			return fmt.Errorf("DEC line: %w", err)
		}
		decLine.Color = decColor
		decLine.Width = vg.Points(1)
		p.Add(decLine)
		p.Legend.Add("DEC", decLine)
	}
	p.Legend.Top = true

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save drift plot %s: %w", path, err)
	}
	return nil
}
