package extguide

// ConnectionState tracks the socket and the peer's equipment connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	EquipmentConnecting
	EquipmentConnected
	EquipmentDisconnecting
	EquipmentDisconnected
)

var connectionStateNames = [...]string{
	"Disconnected",
	"Connecting",
	"Connected",
	"EquipmentConnecting",
	"EquipmentConnected",
	"EquipmentDisconnecting",
	"EquipmentDisconnected",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionStateNames) {
		return "Unknown"
	}
	return connectionStateNames[s]
}

// GuidingState mirrors what the peer reports about its guide loop.
type GuidingState int

const (
	Stopped GuidingState = iota
	Selected
	Calibrating
	Guiding
	Paused
	LostLock
	Looping
	Dithering
	DitherSuccessful
	DitherFailed
	CalibrationFailed
)

var guidingStateNames = [...]string{
	"Stopped",
	"Selected",
	"Calibrating",
	"Guiding",
	"Paused",
	"LostLock",
	"Looping",
	"Dithering",
	"DitherSuccessful",
	"DitherFailed",
	"CalibrationFailed",
}

func (s GuidingState) String() string {
	if s < 0 || int(s) >= len(guidingStateNames) {
		return "Unknown"
	}
	return guidingStateNames[s]
}

// appStates maps the AppState event's State field.
var appStates = map[string]GuidingState{
	"Stopped":     Stopped,
	"Selected":    Selected,
	"Calibrating": Calibrating,
	"Guiding":     Guiding,
	"LostLock":    LostLock,
	"Paused":      Paused,
	"Looping":     Looping,
}
