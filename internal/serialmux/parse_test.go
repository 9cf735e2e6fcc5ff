package serialmux

import "testing"

func TestClassifyPayload(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{"1", EventTypeAck},
		{"0", EventTypeNak},
		{"12:34:56", EventTypeRA},
		{"12:34.5", EventTypeRA},
		{"+45*30'15", EventTypeDEC},
		{"-05*12", EventTypeDEC},
		{"LX200 Classic", EventTypeUnknown},
		{"", EventTypeUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyPayload(tt.payload); got != tt.want {
			t.Errorf("ClassifyPayload(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestMountState_HandleEvent(t *testing.T) {
	var m MountState
	for _, p := range []string{"1", "1", "0", "05:10:00", "-10*00'00", "junk"} {
		m.HandleEvent(p)
	}
	ra, dec, acks, naks := m.Snapshot()
	if ra != "05:10:00" || dec != "-10*00'00" {
		t.Errorf("ra=%q dec=%q", ra, dec)
	}
	if acks != 2 || naks != 1 {
		t.Errorf("acks=%d naks=%d", acks, naks)
	}
}
