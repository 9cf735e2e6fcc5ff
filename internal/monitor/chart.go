package monitor

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/autoguide/internal/guide/guidelog"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// RenderDriftChart writes an HTML page with two line charts: RA/DEC
// distance in pixels and the signed correction pulses in milliseconds.
// DROP records leave gaps in both.
func RenderDriftChart(w io.Writer, records []guidelog.GuideData, subtitle string) error {
	frames := make([]string, 0, len(records))
	ra := make([]opts.LineData, 0, len(records))
	dec := make([]opts.LineData, 0, len(records))
	raPulse := make([]opts.LineData, 0, len(records))
	decPulse := make([]opts.LineData, 0, len(records))
	for _, d := range records {
		frames = append(frames, strconv.Itoa(d.Frame))
		if d.Type == guidelog.Drop {
			ra = append(ra, opts.LineData{Value: "-"})
			dec = append(dec, opts.LineData{Value: "-"})
			raPulse = append(raPulse, opts.LineData{Value: "-"})
			decPulse = append(decPulse, opts.LineData{Value: "-"})
			continue
		}
		ra = append(ra, opts.LineData{Value: d.RADistance})
		dec = append(dec, opts.LineData{Value: d.DECDistance})
		raPulse = append(raPulse, opts.LineData{Value: d.RADirection.SignedPulse(d.RADuration)})
		decPulse = append(decPulse, opts.LineData{Value: d.DECDirection.SignedPulse(d.DECDuration)})
	}

	drift := charts.NewLine()
	drift.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Guide Drift", Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Guide Drift", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "distance (px)"}),
	)
	drift.SetXAxis(frames).
		AddSeries("RA", ra).
		AddSeries("DEC", dec).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	pulses := charts.NewLine()
	pulses.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Corrections"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "pulse (ms)"}),
	)
	pulses.SetXAxis(frames).
		AddSeries("RA pulse", raPulse).
		AddSeries("DEC pulse", decPulse).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(drift, pulses)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render drift charts: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
