package session

// State is the lifecycle state of a guide session.
type State int

const (
	Stopped State = iota
	Preview
	Calibrating
	Guiding
	Suspended
	Dithering
)

var stateNames = [...]string{
	Stopped:     "Stopped",
	Preview:     "Preview",
	Calibrating: "Calibrating",
	Guiding:     "Guiding",
	Suspended:   "Suspended",
	Dithering:   "Dithering",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Active reports whether corrections are being computed and ticks advance.
func (s State) Active() bool {
	return s == Guiding || s == Dithering
}
