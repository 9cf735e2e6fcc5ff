package extguide

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrEquipmentNotConnected is returned by guide commands issued before
	// the peer reports its equipment connected. No request is sent.
	ErrEquipmentNotConnected = errors.New("guider equipment not connected")
	// ErrNotConnected is returned when no socket is open.
	ErrNotConnected = errors.New("not connected to guider")
	// ErrHostNotFound classifies name resolution failures.
	ErrHostNotFound = errors.New("guider host not found")
	// ErrConnectionRefused classifies a refused connection.
	ErrConnectionRefused = errors.New("guider connection refused")
	// ErrWriteFailed wraps socket write failures.
	ErrWriteFailed = errors.New("failed to write to guider")
)

// classifyError maps a socket error onto one of the exported sentinels.
// Anything else is wrapped as a generic connection error.
func classifyError(err error) error {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return fmt.Errorf("%w: %w", ErrHostNotFound, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	default:
		return fmt.Errorf("guider connection error: %w", err)
	}
}
