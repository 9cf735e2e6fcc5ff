package extguide

import (
	"encoding/json"

	"github.com/banshee-data/autoguide/internal/guide"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// message is any line received from the peer: an event, a result or an
// error. Only the fields the adapter reads are decoded.
type message struct {
	Event string `json:"Event"`

	// Version
	PHDVersion string `json:"PHDVersion"`

	// AppState
	State string `json:"State"`

	// CalibrationFailed, Alert
	Reason string `json:"Reason"`
	Msg    string `json:"Msg"`
	Type   string `json:"Type"`

	// SettleDone
	Status int    `json:"Status"`
	Error  string `json:"Error"`

	// GuideStep
	Frame            int     `json:"Frame"`
	Time             float64 `json:"Time"`
	DX               float64 `json:"dx"`
	DY               float64 `json:"dy"`
	RADistanceRaw    float64 `json:"RADistanceRaw"`
	DECDistanceRaw   float64 `json:"DECDistanceRaw"`
	RADistanceGuide  float64 `json:"RADistanceGuide"`
	DECDistanceGuide float64 `json:"DECDistanceGuide"`
	RADuration       int     `json:"RADuration"`
	RADirection      string  `json:"RADirection"`
	DECDuration      int     `json:"DECDuration"`
	DECDirection     string  `json:"DECDirection"`
	StarMass         float64 `json:"StarMass"`
	SNR              float64 `json:"SNR"`

	Result json.RawMessage `json:"result"`
	RPCErr *rpcError       `json:"error"`
	ID     *int            `json:"id"`
}

func (m *message) isResponse() bool {
	return m.Event == "" && (m.Result != nil || m.RPCErr != nil)
}

// GuideStep is one guide cycle reported by the peer, with distances in
// arcseconds.
type GuideStep struct {
	Frame        int
	RADistance   float64
	DECDistance  float64
	RADuration   int
	RADirection  guide.Direction
	DECDuration  int
	DECDirection guide.Direction
	SNR          float64
	StarMass     float64
}

// parseDirection maps the compass direction a peer reports for a pulse.
func parseDirection(s string) guide.Direction {
	switch s {
	case "West", "W":
		return guide.RAIncrease
	case "East", "E":
		return guide.RADecrease
	case "North", "N":
		return guide.DECIncrease
	case "South", "S":
		return guide.DECDecrease
	default:
		return guide.NoDir
	}
}
