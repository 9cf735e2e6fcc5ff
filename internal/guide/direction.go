package guide

// Axis identifies one of the two mount axes.
type Axis int

const (
	RA Axis = iota
	DEC
)

// Axes lists both axes in processing order.
var Axes = [2]Axis{RA, DEC}

func (a Axis) String() string {
	if a == DEC {
		return "DEC"
	}
	return "RA"
}

// Direction is the direction of a single correction pulse.
type Direction int

const (
	NoDir Direction = iota
	RAIncrease
	RADecrease
	DECIncrease
	DECDecrease
)

// String returns the fixed label written to the guide log.
func (d Direction) String() string {
	switch d {
	case RADecrease:
		return "Decrease RA"
	case RAIncrease:
		return "Increase RA"
	case DECDecrease:
		return "Decrease DEC"
	case DECIncrease:
		return "Increase DEC"
	default:
		return "NO DIR"
	}
}

// Axis returns the axis the direction moves. NoDir reports ok=false.
func (d Direction) Axis() (Axis, bool) {
	switch d {
	case RAIncrease, RADecrease:
		return RA, true
	case DECIncrease, DECDecrease:
		return DEC, true
	default:
		return RA, false
	}
}

// SignedPulse converts a pulse length into the signed value used by guide
// statistics: RA decrease and DEC increase are positive.
func (d Direction) SignedPulse(ms int) float64 {
	switch d {
	case RADecrease, DECIncrease:
		return float64(ms)
	case RAIncrease, DECDecrease:
		return -float64(ms)
	default:
		return 0
	}
}
