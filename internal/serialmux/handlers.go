package serialmux

import (
	"log"
	"sync"
)

// MountState holds the latest replies received from the mount so admin
// routes and tests can inspect it.
type MountState struct {
	mu   sync.Mutex
	ra   string
	dec  string
	acks int
	naks int
}

// Snapshot returns the last RA and DEC strings and the ack/nak counts.
func (m *MountState) Snapshot() (ra, dec string, acks, naks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ra, m.dec, m.acks, m.naks
}

// HandleEvent records one reply.
func (m *MountState) HandleEvent(payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ClassifyPayload(payload) {
	case EventTypeAck:
		m.acks++
	case EventTypeNak:
		m.naks++
	case EventTypeRA:
		m.ra = payload
	case EventTypeDEC:
		m.dec = payload
	default:
		log.Printf("unknown mount reply: %q", payload)
	}
}
