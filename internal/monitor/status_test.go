package monitor

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
	"github.com/banshee-data/autoguide/internal/timeutil"
)

func TestTracker_Status(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC))
	tr := NewTracker(NewDriftHistory(10), nil, clock)

	if got := tr.Status().State; got != "Stopped" {
		t.Fatalf("initial state %q", got)
	}

	var seen []string
	tr.OnState(func(s string) { seen = append(seen, s) })
	tr.SetState("Guiding")
	tr.SetState("Guiding")
	tr.SetState("Suspended")
	if diff := cmp.Diff([]string{"Guiding", "Suspended"}, seen); diff != "" {
		t.Errorf("state listener mismatch (-want +got):\n%s", diff)
	}

	clock.Advance(2 * time.Second)
	tr.AddGuideData(mountRecord(1, 2, 0))
	tr.AddGuideData(guidelog.GuideData{Frame: 2, Type: guidelog.Drop, Code: guidelog.NoStarFound})
	tr.ObserveStats(guide.Stats{RADrift: -0.5, DECDrift: 0.25, SNR: 20})
	tr.ObserveSigma(0.7, 0.4)
	tr.SetConnection("EquipmentConnected")

	st := tr.Status()
	if st.State != "Suspended" || st.Connection != "EquipmentConnected" {
		t.Errorf("state/connection = %q/%q", st.State, st.Connection)
	}
	if st.Frames != 1 || st.Dropped != 1 {
		t.Errorf("frames/dropped = %d/%d", st.Frames, st.Dropped)
	}
	if st.RARMSPx != 2 || st.DECRMSPx != 0 {
		t.Errorf("rms = %v/%v", st.RARMSPx, st.DECRMSPx)
	}
	if st.RASigma != 0.7 || st.DECSigma != 0.4 {
		t.Errorf("sigma = %v/%v", st.RASigma, st.DECSigma)
	}
	if st.Last == nil || st.Last.Frame != 2 {
		t.Errorf("last record = %+v", st.Last)
	}
	if st.Stats == nil || st.Stats.SNR != 20 {
		t.Errorf("stats = %+v", st.Stats)
	}
	if !st.Updated.Equal(clock.Now()) {
		t.Errorf("updated = %v, want %v", st.Updated, clock.Now())
	}
}

func TestTracker_ForwardsToHub(t *testing.T) {
	hub := NewHub()
	tr := NewTracker(nil, hub, nil)
	// No clients: events are dropped without blocking.
	tr.AddGuideData(mountRecord(1, 0, 0))
	tr.SetState("Guiding")
	if tr.History().Len() != 1 {
		t.Errorf("history len = %d", tr.History().Len())
	}
}
