// Package monitor serves live guiding state over HTTP: a JSON status view,
// echarts drift charts, a websocket event feed and a gRPC health service.
package monitor

import (
	"math"
	"sync"

	"github.com/banshee-data/autoguide/internal/guide/guidelog"
)

// DefaultHistory is the number of records kept when no capacity is given.
const DefaultHistory = 500

// DriftHistory keeps the most recent guide records in a fixed ring. It is a
// guidelog.Sink and is safe for concurrent use.
type DriftHistory struct {
	mu      sync.RWMutex
	buf     []guidelog.GuideData
	next    int
	full    bool
	frames  int
	dropped int
}

// NewDriftHistory returns an empty ring holding up to capacity records.
func NewDriftHistory(capacity int) *DriftHistory {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &DriftHistory{buf: make([]guidelog.GuideData, capacity)}
}

// AddGuideData implements guidelog.Sink.
func (h *DriftHistory) AddGuideData(d guidelog.GuideData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = d
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	if d.Type == guidelog.Drop {
		h.dropped++
	} else {
		h.frames++
	}
}

// Len returns the number of records held.
func (h *DriftHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Counts returns the total MOUNT and DROP records seen, including those
// that have rolled out of the ring.
func (h *DriftHistory) Counts() (frames, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frames, h.dropped
}

// Snapshot returns the held records oldest first.
func (h *DriftHistory) Snapshot() []guidelog.GuideData {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full {
		return append([]guidelog.GuideData(nil), h.buf[:h.next]...)
	}
	out := make([]guidelog.GuideData, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// RMS returns the root mean square RA and DEC distance in pixels over the
// MOUNT records held. Both are zero when there are none.
func (h *DriftHistory) RMS() (ra, dec float64) {
	var n int
	for _, d := range h.Snapshot() {
		if d.Type != guidelog.Mount {
			continue
		}
		ra += d.RADistance * d.RADistance
		dec += d.DECDistance * d.DECDistance
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return math.Sqrt(ra / float64(n)), math.Sqrt(dec / float64(n))
}

// Reset empties the ring and zeroes the counters.
func (h *DriftHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.buf)
	h.next, h.full = 0, false
	h.frames, h.dropped = 0, 0
}
