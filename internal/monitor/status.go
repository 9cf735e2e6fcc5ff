package monitor

import (
	"sync"
	"time"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
	"github.com/banshee-data/autoguide/internal/timeutil"
)

// Status is the JSON view served at /debug/guide/status.
type Status struct {
	State      string              `json:"state"`
	Connection string              `json:"connection,omitempty"`
	Frames     int                 `json:"frames"`
	Dropped    int                 `json:"dropped"`
	RARMSPx    float64             `json:"ra_rms_px"`
	DECRMSPx   float64             `json:"dec_rms_px"`
	RASigma    float64             `json:"ra_sigma_arcsec"`
	DECSigma   float64             `json:"dec_sigma_arcsec"`
	Stats      *guide.Stats        `json:"stats,omitempty"`
	Last       *guidelog.GuideData `json:"last,omitempty"`
	Updated    time.Time           `json:"updated"`
}

// Tracker collects guide events into a Status, records them in a
// DriftHistory and forwards them to the websocket hub. It is a
// guidelog.Sink.
type Tracker struct {
	history *DriftHistory
	hub     *Hub
	clock   timeutil.Clock

	mu        sync.Mutex
	status    Status
	listeners []func(string)
}

// NewTracker wires a tracker. hub may be nil.
func NewTracker(history *DriftHistory, hub *Hub, clock timeutil.Clock) *Tracker {
	if history == nil {
		history = NewDriftHistory(DefaultHistory)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{history: history, hub: hub, clock: clock, status: Status{State: "Stopped"}}
}

// History returns the tracker's drift history.
func (t *Tracker) History() *DriftHistory { return t.history }

// OnState registers f to be called with every new state.
func (t *Tracker) OnState(f func(state string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, f)
}

// AddGuideData implements guidelog.Sink.
func (t *Tracker) AddGuideData(d guidelog.GuideData) {
	t.history.AddGuideData(d)
	t.mu.Lock()
	t.status.Last = &d
	t.status.Updated = t.clock.Now()
	t.mu.Unlock()
	t.broadcast(Event{Type: EventGuide, Time: d.Time, Guide: &d})
}

// ObserveStats records a guide statistics event.
func (t *Tracker) ObserveStats(s guide.Stats) {
	now := t.clock.Now()
	t.mu.Lock()
	t.status.Stats = &s
	t.status.Updated = now
	t.mu.Unlock()
	t.broadcast(Event{Type: EventStats, Time: now, Stats: &s})
}

// ObserveSigma records the controller RMS drift in arcseconds.
func (t *Tracker) ObserveSigma(ra, dec float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.RASigma, t.status.DECSigma = ra, dec
}

// SetState records a guide state change and notifies listeners.
func (t *Tracker) SetState(state string) {
	now := t.clock.Now()
	t.mu.Lock()
	if t.status.State == state {
		t.mu.Unlock()
		return
	}
	t.status.State = state
	t.status.Updated = now
	listeners := append(([]func(string))(nil), t.listeners...)
	t.mu.Unlock()

	for _, f := range listeners {
		f(state)
	}
	t.broadcast(Event{Type: EventState, Time: now, State: state})
}

// SetConnection records the external guider connection state.
func (t *Tracker) SetConnection(conn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Connection = conn
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	st := t.status
	t.mu.Unlock()
	st.Frames, st.Dropped = t.history.Counts()
	st.RARMSPx, st.DECRMSPx = t.history.RMS()
	return st
}

func (t *Tracker) broadcast(ev Event) {
	if t.hub != nil {
		t.hub.Broadcast(ev)
	}
}
