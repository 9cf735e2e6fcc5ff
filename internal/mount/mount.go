// Package mount sends guide pulses to the telescope mount.
package mount

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/monitoring"
	"github.com/banshee-data/autoguide/internal/serialmux"
)

// MaxPulseMs is the longest pulse the LX200 :Mg command can express.
const MaxPulseMs = 9999

// ErrNoDirection is returned for a pulse without an axis.
var ErrNoDirection = errors.New("pulse has no direction")

// PulseGuider moves the mount for ms milliseconds in dir.
type PulseGuider interface {
	Pulse(ctx context.Context, dir guide.Direction, ms int) error
}

// commandRune maps a pulse direction onto the LX200 guide direction.
func commandRune(dir guide.Direction) (byte, bool) {
	switch dir {
	case guide.RAIncrease:
		return 'w', true
	case guide.RADecrease:
		return 'e', true
	case guide.DECIncrease:
		return 'n', true
	case guide.DECDecrease:
		return 's', true
	default:
		return 0, false
	}
}

// PulseCommand formats the LX200 pulse guide command for dir and ms. The
// duration is clamped to [0, MaxPulseMs].
func PulseCommand(dir guide.Direction, ms int) (string, error) {
	r, ok := commandRune(dir)
	if !ok {
		return "", ErrNoDirection
	}
	ms = min(max(ms, 0), MaxPulseMs)
	return fmt.Sprintf(":Mg%c%04d#", r, ms), nil
}

// SerialPulseGuider writes pulse commands through a serial mux and tracks
// the replies the mount sends back.
type SerialPulseGuider struct {
	mux   serialmux.SerialMuxInterface
	state serialmux.MountState

	mu     sync.Mutex
	pulses map[guide.Direction]int
}

// NewSerialPulseGuider wraps mux.
func NewSerialPulseGuider(mux serialmux.SerialMuxInterface) *SerialPulseGuider {
	return &SerialPulseGuider{mux: mux, pulses: make(map[guide.Direction]int)}
}

// Pulse implements PulseGuider. Zero length pulses and NoDir are ignored.
func (g *SerialPulseGuider) Pulse(ctx context.Context, dir guide.Direction, ms int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir == guide.NoDir || ms <= 0 {
		return nil
	}
	cmd, err := PulseCommand(dir, ms)
	if err != nil {
		return err
	}
	if err := g.mux.SendCommand(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	g.mu.Lock()
	g.pulses[dir]++
	g.mu.Unlock()
	monitoring.Debugf("[mount] %s %d ms", dir, ms)
	return nil
}

// Pulses returns how many pulses were sent in dir.
func (g *SerialPulseGuider) Pulses(dir guide.Direction) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pulses[dir]
}

// State exposes the latest mount replies.
func (g *SerialPulseGuider) State() *serialmux.MountState {
	return &g.state
}

// Run records mount replies until ctx is cancelled or the mux closes the
// subscription. The mux Monitor loop must be running separately.
func (g *SerialPulseGuider) Run(ctx context.Context) error {
	id, ch := g.mux.Subscribe()
	defer g.mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			g.state.HandleEvent(payload)
		}
	}
}

// Pulse is one recorded call to MockPulseGuider.
type Pulse struct {
	Direction guide.Direction
	Ms        int
}

// MockPulseGuider records pulses for tests and dry runs.
type MockPulseGuider struct {
	mu     sync.Mutex
	pulses []Pulse
	// Err is returned from every Pulse call when set.
	Err error
}

// Pulse implements PulseGuider.
func (m *MockPulseGuider) Pulse(ctx context.Context, dir guide.Direction, ms int) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulses = append(m.pulses, Pulse{Direction: dir, Ms: ms})
	return nil
}

// Pulses returns the recorded pulses.
func (m *MockPulseGuider) Pulses() []Pulse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Pulse(nil), m.pulses...)
}
