// Package extguide drives an external guiding service over its
// line-delimited JSON-RPC socket. It offers the same command surface as the
// internal guide session and keeps two state machines: one for the socket
// and equipment connection, one mirroring the peer's guide loop.
//
// Responses are matched to requests by arrival order only; the id echoed
// by the peer is not used for dispatch.
package extguide

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
	"github.com/banshee-data/autoguide/internal/monitoring"
	"github.com/banshee-data/autoguide/internal/timeutil"
	"github.com/banshee-data/autoguide/internal/units"
)

// DefaultAddress is the usual local guiding service endpoint.
const DefaultAddress = "localhost:4400"

// Settle describes when the peer considers guiding settled after a guide
// or dither command.
type Settle struct {
	Pixels  float64 `json:"pixels"`
	Time    int     `json:"time"`
	Timeout int     `json:"timeout"`
}

// DefaultSettle returns the settle parameters used when none are set.
func DefaultSettle() Settle {
	return Settle{Pixels: 1.5, Time: 10, Timeout: 60}
}

// Options configures an Adapter.
type Options struct {
	Address string

	// Pixel scale used to convert guide step distances to arcseconds.
	// Distances stay in pixels when either is unset.
	PixelSizeUm   float64
	FocalLengthMm float64
	Binning       int

	Settle       Settle
	Recalibrate  bool
	RAOnlyDither bool
	// FullPause asks the peer to stop looping exposures while paused.
	FullPause bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Dial replaces net.Dialer.DialContext, mainly for tests.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	Sink  guidelog.Sink
	Clock timeutil.Clock

	// Callbacks run outside the adapter lock, in event order.
	OnConnectionState func(ConnectionState)
	OnGuidingState    func(state GuidingState, reason string)
	OnGuideStep       func(GuideStep)
}

// Adapter is a client for an external guiding service. It implements
// guide.Guider.
type Adapter struct {
	opts Options

	mu         sync.Mutex
	conn       net.Conn
	connState  ConnectionState
	guideState GuidingState
	reason     string
	nextID     int
	pending    []string
	notes      []func()
}

var _ guide.Guider = (*Adapter)(nil)

// New creates a disconnected adapter.
func New(opts Options) *Adapter {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.Settle == (Settle{}) {
		opts.Settle = DefaultSettle()
	}
	if opts.Binning <= 0 {
		opts.Binning = 1
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = d.DialContext
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Adapter{opts: opts, nextID: 1}
}

// ConnectionState returns the current connection state.
func (a *Adapter) ConnectionState() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connState
}

// GuidingState returns the peer's guide state as last reported.
func (a *Adapter) GuidingState() GuidingState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.guideState
}

// FailureReason returns the reason carried by the last CalibrationFailed
// or DitherFailed transition.
func (a *Adapter) FailureReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// unlock releases the lock and then runs the queued callbacks.
func (a *Adapter) unlock() {
	notes := a.notes
	a.notes = nil
	a.mu.Unlock()
	for _, f := range notes {
		f()
	}
}

func (a *Adapter) setConn(s ConnectionState) {
	if a.connState == s {
		return
	}
	monitoring.Logf("[extguide] connection %s -> %s", a.connState, s)
	a.connState = s
	if cb := a.opts.OnConnectionState; cb != nil {
		a.notes = append(a.notes, func() { cb(s) })
	}
}

func (a *Adapter) setGuiding(s GuidingState, reason string) {
	if a.guideState == s && a.reason == reason {
		return
	}
	monitoring.Logf("[extguide] guiding %s -> %s", a.guideState, s)
	a.guideState = s
	a.reason = reason
	if cb := a.opts.OnGuidingState; cb != nil {
		a.notes = append(a.notes, func() { cb(s, reason) })
	}
}

// Connect opens the socket. The connection reaches Connected when the peer
// sends its Version event.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.unlock()
		return nil
	}
	a.setConn(Connecting)
	a.unlock()

	conn, err := a.opts.Dial(ctx, "tcp", a.opts.Address)

	a.mu.Lock()
	defer a.unlock()
	if err != nil {
		err = classifyError(err)
		monitoring.Logf("[extguide] connect %s: %v", a.opts.Address, err)
		a.setConn(Disconnected)
		return err
	}
	a.conn = conn
	a.nextID = 1
	a.pending = nil
	go a.readLoop(conn)
	return nil
}

// Disconnect closes the socket without waiting for the reader, so it may be
// called from a callback. The reader exits on its own once the read fails.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.pending = nil
	a.setConn(Disconnected)
	a.unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ConnectEquipment asks the peer to connect its camera and mount.
func (a *Adapter) ConnectEquipment() error {
	a.mu.Lock()
	defer a.unlock()
	if a.conn == nil {
		return ErrNotConnected
	}
	return a.connectEquipment()
}

func (a *Adapter) connectEquipment() error {
	if err := a.send("set_connected", true); err != nil {
		return err
	}
	a.setConn(EquipmentConnecting)
	return nil
}

// DisconnectEquipment asks the peer to disconnect its equipment.
func (a *Adapter) DisconnectEquipment() error {
	a.mu.Lock()
	defer a.unlock()
	if err := a.requireEquipment("set_connected"); err != nil {
		return err
	}
	if err := a.send("set_connected", false); err != nil {
		return err
	}
	a.setConn(EquipmentDisconnecting)
	return nil
}

// Calibrate succeeds without a request: the peer calibrates as part of
// guide when needed.
func (a *Adapter) Calibrate() error {
	a.mu.Lock()
	defer a.unlock()
	return a.requireEquipment("calibrate")
}

// Guide starts guiding with the configured settle parameters.
func (a *Adapter) Guide() error {
	return a.command("guide", a.opts.Settle, a.opts.Recalibrate)
}

// Abort stops the peer's capture loop.
func (a *Adapter) Abort() error {
	return a.command("stop_capture")
}

// Suspend pauses guide corrections.
func (a *Adapter) Suspend() error {
	if a.opts.FullPause {
		return a.command("set_paused", true, "full")
	}
	return a.command("set_paused", true)
}

// Resume resumes guide corrections.
func (a *Adapter) Resume() error {
	return a.command("set_paused", false)
}

// Dither moves the lock position by up to pixels. The local guiding state
// switches to Dithering before the peer confirms.
func (a *Adapter) Dither(pixels float64) error {
	a.mu.Lock()
	defer a.unlock()
	if err := a.requireEquipment("dither"); err != nil {
		return err
	}
	if err := a.send("dither", pixels, a.opts.RAOnlyDither, a.opts.Settle); err != nil {
		return err
	}
	a.setGuiding(Dithering, "")
	return nil
}

func (a *Adapter) command(method string, params ...any) error {
	a.mu.Lock()
	defer a.unlock()
	if err := a.requireEquipment(method); err != nil {
		return err
	}
	return a.send(method, params...)
}

func (a *Adapter) requireEquipment(method string) error {
	if a.connState != EquipmentConnected {
		monitoring.Logf("[extguide] %s rejected: equipment not connected (%s)", method, a.connState)
		return ErrEquipmentNotConnected
	}
	return nil
}

// send writes one request. The caller holds the lock.
func (a *Adapter) send(method string, params ...any) error {
	if a.conn == nil {
		return ErrNotConnected
	}
	req := request{JSONRPC: "2.0", Method: method, Params: params, ID: a.nextID}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	a.nextID++
	b = append(b, '\r', '\n')

	if err := a.conn.SetWriteDeadline(a.opts.Clock.Now().Add(a.opts.WriteTimeout)); err != nil {
		monitoring.Debugf("[extguide] set write deadline: %v", err)
	}
	if _, err := a.conn.Write(b); err != nil {
		monitoring.Logf("[extguide] write %s: %v", method, err)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	a.pending = append(a.pending, method)
	monitoring.Debugf("[extguide] -> %s", b[:len(b)-2])
	return nil
}

func (a *Adapter) readLoop(conn net.Conn) {
	scan := bufio.NewScanner(conn)
	scan.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scan.Scan() {
		a.handleLine(scan.Bytes())
	}
	err := scan.Err()

	a.mu.Lock()
	defer a.unlock()
	if a.conn != conn {
		// closed by Disconnect
		return
	}
	a.conn = nil
	a.pending = nil
	conn.Close()
	if err != nil {
		monitoring.Logf("[extguide] %v", classifyError(err))
	} else {
		monitoring.Logf("[extguide] connection closed by peer")
	}
	a.setConn(Disconnected)
}

func (a *Adapter) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		monitoring.Logf("[extguide] skipping malformed line: %v", err)
		return
	}
	monitoring.Debugf("[extguide] <- %s", line)

	a.mu.Lock()
	defer a.unlock()
	switch {
	case m.isResponse():
		a.handleResponse(&m)
	case m.Event != "":
		a.handleEvent(&m)
	}
}

func (a *Adapter) handleResponse(m *message) {
	method := ""
	if len(a.pending) > 0 {
		method = a.pending[0]
		a.pending = a.pending[1:]
	}
	failed := m.RPCErr != nil
	if failed {
		monitoring.Logf("[extguide] %s failed: %s (code %d)", method, m.RPCErr.Message, m.RPCErr.Code)
	}

	switch a.connState {
	case EquipmentConnecting:
		if failed {
			a.setConn(EquipmentDisconnected)
		} else {
			a.setConn(EquipmentConnected)
		}
		return
	case EquipmentDisconnecting:
		a.setConn(EquipmentDisconnected)
		return
	}

	if failed && method == "dither" {
		a.setGuiding(DitherFailed, m.RPCErr.Message)
	}
}

func (a *Adapter) handleEvent(m *message) {
	switch m.Event {
	case "Version":
		monitoring.Logf("[extguide] peer version %s", m.PHDVersion)
		if a.connState != Connecting {
			return
		}
		a.setConn(Connected)
		switch a.guideState {
		case Stopped:
			if err := a.connectEquipment(); err != nil {
				monitoring.Logf("[extguide] connect equipment: %v", err)
			}
		case Guiding:
			a.setConn(EquipmentConnected)
		}
	case "AppState":
		s, ok := appStates[m.State]
		if !ok {
			monitoring.Logf("[extguide] unknown app state %q", m.State)
			return
		}
		a.setGuiding(s, "")
	case "StarSelected":
		a.setGuiding(Selected, "")
	case "StartCalibration":
		a.setGuiding(Calibrating, "")
	case "CalibrationComplete", "StartGuiding", "Resumed":
		a.setGuiding(Guiding, "")
	case "CalibrationFailed":
		a.setGuiding(CalibrationFailed, m.Reason)
	case "Paused":
		a.setGuiding(Paused, "")
	case "GuidingStopped", "LoopingExposuresStopped":
		a.setGuiding(Stopped, "")
	case "LoopingExposures":
		a.setGuiding(Looping, "")
	case "StarLost", "LockPositionLost":
		a.setGuiding(LostLock, "")
	case "GuidingDithered":
		a.setGuiding(Dithering, "")
	case "SettleDone":
		if a.guideState != Dithering {
			if m.Status != 0 {
				monitoring.Logf("[extguide] settle failed: %s", m.Error)
			}
			return
		}
		if m.Status == 0 {
			a.setGuiding(DitherSuccessful, "")
		} else {
			a.setGuiding(DitherFailed, m.Error)
		}
	case "GuideStep":
		if a.guideState == LostLock || a.guideState == DitherSuccessful {
			a.setGuiding(Guiding, "")
		}
		a.guideStep(m)
	case "Alert":
		monitoring.Logf("[extguide] alert (%s): %s", m.Type, m.Msg)
	case "LockPositionSet", "CalibrationDataFlipped", "SettleBegin", "Settling",
		"GuideParamChange", "ConfigurationChange", "LockPositionShiftLimitReached":
		monitoring.Debugf("[extguide] event %s", m.Event)
	default:
		monitoring.Logf("[extguide] ignoring unknown event %q", m.Event)
	}
}

func (a *Adapter) guideStep(m *message) {
	scale := units.PixelScale(a.opts.PixelSizeUm, a.opts.FocalLengthMm, a.opts.Binning)
	step := GuideStep{
		Frame:        m.Frame,
		RADistance:   m.RADistanceRaw * scale,
		DECDistance:  m.DECDistanceRaw * scale,
		RADuration:   m.RADuration,
		RADirection:  parseDirection(m.RADirection),
		DECDuration:  m.DECDuration,
		DECDirection: parseDirection(m.DECDirection),
		SNR:          m.SNR,
		StarMass:     m.StarMass,
	}
	if a.opts.Sink != nil {
		a.opts.Sink.AddGuideData(guidelog.GuideData{
			Time:             a.opts.Clock.Now(),
			Frame:            m.Frame,
			Type:             guidelog.Mount,
			Code:             guidelog.NoErrors,
			DX:               m.DX,
			DY:               m.DY,
			RADistance:       m.RADistanceRaw,
			DECDistance:      m.DECDistanceRaw,
			RAGuideDistance:  m.RADistanceGuide,
			DECGuideDistance: m.DECDistanceGuide,
			RADuration:       m.RADuration,
			RADirection:      step.RADirection,
			DECDuration:      m.DECDuration,
			DECDirection:     step.DECDirection,
			SNR:              m.SNR,
			Mass:             m.StarMass,
		})
	}
	if cb := a.opts.OnGuideStep; cb != nil {
		a.notes = append(a.notes, func() { cb(step) })
	}
}
