// Package metrics exports guide loop telemetry to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
)

// Metrics holds the guide collectors. Use New with a registry, or Default
// for the process-wide one.
type Metrics struct {
	reg prometheus.Gatherer

	drift       *prometheus.GaugeVec
	rms         *prometheus.GaugeVec
	snr         prometheus.Gauge
	stars       prometheus.Gauge
	frames      *prometheus.CounterVec
	lostStars   prometheus.Counter
	pulses      *prometheus.CounterVec
	pulseLength *prometheus.HistogramVec
	state       *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoguide_drift_arcsec",
			Help: "Latest guide star drift per axis in arcseconds.",
		}, []string{"axis"}),
		rms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoguide_rms_arcsec",
			Help: "RMS drift over the controller window per axis in arcseconds.",
		}, []string{"axis"}),
		snr: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoguide_star_snr",
			Help: "Signal to noise ratio of the guide star.",
		}),
		stars: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoguide_stars_detected",
			Help: "Stars detected in the last frame.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoguide_frames_total",
			Help: "Guide records by type.",
		}, []string{"type"}),
		lostStars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoguide_lost_star_total",
			Help: "Frames in which the guide star was not found.",
		}),
		pulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoguide_pulses_total",
			Help: "Correction pulses issued by direction.",
		}, []string{"direction"}),
		pulseLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoguide_pulse_duration_ms",
			Help:    "Correction pulse length in milliseconds.",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		}, []string{"axis"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoguide_state",
			Help: "1 for the current guide state, 0 otherwise.",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoguide_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"path", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoguide_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
	}
	reg.MustRegister(m.drift, m.rms, m.snr, m.stars, m.frames, m.lostStars,
		m.pulses, m.pulseLength, m.state, m.httpRequests, m.httpDuration)
	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveStats records a guide statistics event.
func (m *Metrics) ObserveStats(s guide.Stats) {
	m.drift.WithLabelValues(guide.RA.String()).Set(s.RADrift)
	m.drift.WithLabelValues(guide.DEC.String()).Set(s.DECDrift)
	m.snr.Set(s.SNR)
	m.stars.Set(float64(s.StarCount))
}

// ObserveSigma records the per-axis RMS drift.
func (m *Metrics) ObserveSigma(ra, dec float64) {
	m.rms.WithLabelValues(guide.RA.String()).Set(ra)
	m.rms.WithLabelValues(guide.DEC.String()).Set(dec)
}

// SetState marks state as current and clears the others in states.
func (m *Metrics) SetState(state string, states []string) {
	for _, s := range states {
		m.state.WithLabelValues(s).Set(0)
	}
	m.state.WithLabelValues(state).Set(1)
}

// AddGuideData implements guidelog.Sink.
func (m *Metrics) AddGuideData(d guidelog.GuideData) {
	m.frames.WithLabelValues(d.Type.String()).Inc()
	if d.Code == guidelog.NoStarFound {
		m.lostStars.Inc()
		return
	}
	m.observePulse(d.RADirection, d.RADuration)
	m.observePulse(d.DECDirection, d.DECDuration)
}

func (m *Metrics) observePulse(dir guide.Direction, ms int) {
	axis, ok := dir.Axis()
	if !ok || ms <= 0 {
		return
	}
	m.pulses.WithLabelValues(dir.String()).Inc()
	m.pulseLength.WithLabelValues(axis.String()).Observe(float64(ms))
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers behind the middleware flush.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)

		m.httpRequests.WithLabelValues(r.URL.Path, r.Method, code).Inc()
		m.httpDuration.WithLabelValues(r.URL.Path, r.Method).Observe(duration)
	})
}
