package extguide

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
)

type peer struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
}

func (p *peer) send(line string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func (p *peer) expect(want string) {
	p.t.Helper()
	select {
	case got := <-p.lines:
		assert.JSONEq(p.t, want, got)
	case <-time.After(time.Second):
		p.t.Fatalf("timeout waiting for request %s", want)
	}
}

func (p *peer) expectNothing() {
	p.t.Helper()
	select {
	case got := <-p.lines:
		p.t.Errorf("unexpected request %s", got)
	case <-time.After(20 * time.Millisecond):
	}
}

type recorder struct {
	mu      sync.Mutex
	conn    []ConnectionState
	guiding []GuidingState
	reasons []string
	steps   []GuideStep
	data    []guidelog.GuideData
}

func (r *recorder) connStates() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.conn...)
}

func (r *recorder) guidingStates() []GuidingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GuidingState(nil), r.guiding...)
}

func newTestAdapter(t *testing.T, opts Options) (*Adapter, *peer, *recorder) {
	t.Helper()
	client, server := net.Pipe()
	p := &peer{t: t, conn: server, lines: make(chan string, 32)}
	go func() {
		defer close(p.lines)
		scan := bufio.NewScanner(server)
		for scan.Scan() {
			p.lines <- scan.Text()
		}
	}()

	rec := &recorder{}
	opts.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return client, nil
	}
	opts.OnConnectionState = func(s ConnectionState) {
		rec.mu.Lock()
		rec.conn = append(rec.conn, s)
		rec.mu.Unlock()
	}
	opts.OnGuidingState = func(s GuidingState, reason string) {
		rec.mu.Lock()
		rec.guiding = append(rec.guiding, s)
		rec.reasons = append(rec.reasons, reason)
		rec.mu.Unlock()
	}
	opts.OnGuideStep = func(s GuideStep) {
		rec.mu.Lock()
		rec.steps = append(rec.steps, s)
		rec.mu.Unlock()
	}
	opts.Sink = guidelog.SinkFunc(func(d guidelog.GuideData) {
		rec.mu.Lock()
		rec.data = append(rec.data, d)
		rec.mu.Unlock()
	})

	a := New(opts)
	t.Cleanup(func() {
		a.Disconnect()
		server.Close()
	})
	return a, p, rec
}

func waitConn(t *testing.T, a *Adapter, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return a.ConnectionState() == want }, time.Second, 2*time.Millisecond,
		"connection state %s, want %s", a.ConnectionState(), want)
}

func waitGuiding(t *testing.T, a *Adapter, want GuidingState) {
	t.Helper()
	require.Eventually(t, func() bool { return a.GuidingState() == want }, time.Second, 2*time.Millisecond,
		"guiding state %s, want %s", a.GuidingState(), want)
}

// connected drives the adapter through the version handshake.
func connected(t *testing.T, opts Options) (*Adapter, *peer, *recorder) {
	t.Helper()
	a, p, rec := newTestAdapter(t, opts)
	require.NoError(t, a.Connect(context.Background()))
	p.send(`{"Event":"Version","PHDVersion":"2.6.11","MsgVersion":1}`)
	p.expect(`{"jsonrpc":"2.0","method":"set_connected","params":[true],"id":1}`)
	p.send(`{"jsonrpc":"2.0","result":0,"id":1}`)
	waitConn(t, a, EquipmentConnected)
	return a, p, rec
}

func TestConnectHandshake(t *testing.T) {
	a, _, rec := connected(t, Options{})
	assert.Equal(t, []ConnectionState{Connecting, Connected, EquipmentConnecting, EquipmentConnected}, rec.connStates())
	assert.Equal(t, Stopped, a.GuidingState())
}

func TestConnectEquipmentError(t *testing.T) {
	a, p, _ := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))
	p.send(`{"Event":"Version","PHDVersion":"2.6.11"}`)
	p.expect(`{"jsonrpc":"2.0","method":"set_connected","params":[true],"id":1}`)
	p.send(`{"jsonrpc":"2.0","error":{"code":1,"message":"camera not found"},"id":1}`)
	waitConn(t, a, EquipmentDisconnected)

	assert.ErrorIs(t, a.Guide(), ErrEquipmentNotConnected)
	p.expectNothing()

	require.NoError(t, a.ConnectEquipment())
	p.expect(`{"jsonrpc":"2.0","method":"set_connected","params":[true],"id":2}`)
	assert.Equal(t, EquipmentConnecting, a.ConnectionState())
}

func TestVersionWhileGuidingSkipsEquipmentConnect(t *testing.T) {
	a, p, _ := newTestAdapter(t, Options{})
	require.NoError(t, a.Connect(context.Background()))
	p.send(`{"Event":"AppState","State":"Guiding"}`)
	waitGuiding(t, a, Guiding)
	p.send(`{"Event":"Version","PHDVersion":"2.6.11"}`)
	waitConn(t, a, EquipmentConnected)
	p.expectNothing()
}

func TestCommandsRequireEquipment(t *testing.T) {
	a := New(Options{})
	ops := map[string]func() error{
		"calibrate": a.Calibrate,
		"guide":     a.Guide,
		"abort":     a.Abort,
		"suspend":   a.Suspend,
		"resume":    a.Resume,
		"dither":    func() error { return a.Dither(2) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), ErrEquipmentNotConnected)
		})
	}
	assert.Equal(t, Stopped, a.GuidingState())
	assert.ErrorIs(t, a.ConnectEquipment(), ErrNotConnected)
	assert.NoError(t, a.Disconnect())
}

func TestCommandWireFormat(t *testing.T) {
	a, p, _ := connected(t, Options{FullPause: true})

	require.NoError(t, a.Calibrate())
	p.expectNothing()

	require.NoError(t, a.Guide())
	p.expect(`{"jsonrpc":"2.0","method":"guide","params":[{"pixels":1.5,"time":10,"timeout":60},false],"id":2}`)

	require.NoError(t, a.Suspend())
	p.expect(`{"jsonrpc":"2.0","method":"set_paused","params":[true,"full"],"id":3}`)

	require.NoError(t, a.Resume())
	p.expect(`{"jsonrpc":"2.0","method":"set_paused","params":[false],"id":4}`)

	require.NoError(t, a.Abort())
	p.expect(`{"jsonrpc":"2.0","method":"stop_capture","id":5}`)

	require.NoError(t, a.Dither(3))
	assert.Equal(t, Dithering, a.GuidingState())
	p.expect(`{"jsonrpc":"2.0","method":"dither","params":[3,false,{"pixels":1.5,"time":10,"timeout":60}],"id":6}`)
}

func TestGuidingEvents(t *testing.T) {
	a, p, rec := connected(t, Options{})

	steps := []struct {
		line string
		want GuidingState
	}{
		{`{"Event":"LoopingExposures","Frame":1}`, Looping},
		{`{"Event":"StarSelected","X":10,"Y":12}`, Selected},
		{`{"Event":"StartCalibration","Mount":"Mount"}`, Calibrating},
		{`{"Event":"CalibrationComplete","Mount":"Mount"}`, Guiding},
		{`{"Event":"Paused"}`, Paused},
		{`{"Event":"Resumed"}`, Guiding},
		{`{"Event":"StarLost","Frame":7}`, LostLock},
		{`{"Event":"StartGuiding"}`, Guiding},
		{`{"Event":"LockPositionLost"}`, LostLock},
		{`{"Event":"GuideStep","Frame":9}`, Guiding},
		{`{"Event":"GuidingStopped"}`, Stopped},
		{`{"Event":"AppState","State":"Looping"}`, Looping},
		{`{"Event":"LoopingExposuresStopped"}`, Stopped},
	}
	for _, s := range steps {
		p.send(s.line)
		waitGuiding(t, a, s.want)
	}

	want := make([]GuidingState, 0, len(steps))
	for _, s := range steps {
		want = append(want, s.want)
	}
	assert.Equal(t, want, rec.guidingStates())
}

func TestUnknownAndMalformedLinesIgnored(t *testing.T) {
	a, p, rec := connected(t, Options{})

	p.send(`{"Event":"NotARealEvent"}`)
	p.send(`this is not json`)
	p.send(`{"Event":"Alert","Msg":"dark library missing","Type":"warning"}`)
	p.send(`{"Event":"AppState","State":"Bogus"}`)
	p.send(`{"Event":"Paused"}`)
	waitGuiding(t, a, Paused)

	assert.Equal(t, []GuidingState{Paused}, rec.guidingStates())
	assert.Equal(t, EquipmentConnected, a.ConnectionState())
}

func TestCalibrationFailedCarriesReason(t *testing.T) {
	a, p, _ := connected(t, Options{})
	p.send(`{"Event":"CalibrationFailed","Reason":"star did not move enough"}`)
	waitGuiding(t, a, CalibrationFailed)
	assert.Equal(t, "star did not move enough", a.FailureReason())
}

func TestDitherSettle(t *testing.T) {
	tests := []struct {
		name   string
		settle string
		want   GuidingState
		reason string
	}{
		{"success", `{"Event":"SettleDone","Status":0}`, DitherSuccessful, ""},
		{"failure", `{"Event":"SettleDone","Status":1,"Error":"timed-out waiting for guider to settle"}`, DitherFailed, "timed-out waiting for guider to settle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, p, _ := connected(t, Options{RAOnlyDither: true})
			require.NoError(t, a.Dither(2.5))
			p.expect(`{"jsonrpc":"2.0","method":"dither","params":[2.5,true,{"pixels":1.5,"time":10,"timeout":60}],"id":2}`)
			p.send(`{"jsonrpc":"2.0","result":0,"id":2}`)
			p.send(`{"Event":"GuidingDithered","dx":1.2,"dy":-0.4}`)
			p.send(tt.settle)
			waitGuiding(t, a, tt.want)
			assert.Equal(t, tt.reason, a.FailureReason())
		})
	}
}

func TestDitherErrorResponse(t *testing.T) {
	a, p, _ := connected(t, Options{})
	require.NoError(t, a.Dither(1))
	p.expect(`{"jsonrpc":"2.0","method":"dither","params":[1,false,{"pixels":1.5,"time":10,"timeout":60}],"id":2}`)
	p.send(`{"jsonrpc":"2.0","error":{"code":1,"message":"cannot dither if not guiding"},"id":2}`)
	waitGuiding(t, a, DitherFailed)
	assert.Equal(t, "cannot dither if not guiding", a.FailureReason())
}

func TestGuideStepConversion(t *testing.T) {
	a, p, rec := connected(t, Options{PixelSizeUm: 5.2, FocalLengthMm: 1000})
	p.send(`{"Event":"GuideStep","Frame":4,"Mount":"Mount","dx":1.5,"dy":-1,"RADistanceRaw":2,"DECDistanceRaw":-1,` +
		`"RADistanceGuide":1.8,"DECDistanceGuide":-0.9,"RADuration":214,"RADirection":"East","DECDuration":107,` +
		`"DECDirection":"South","StarMass":5000,"SNR":42.5}`)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.steps) == 1 && len(rec.data) == 1
	}, time.Second, 2*time.Millisecond)

	rec.mu.Lock()
	step, data := rec.steps[0], rec.data[0]
	rec.mu.Unlock()

	assert.Equal(t, 4, step.Frame)
	assert.InDelta(t, 2.145154, step.RADistance, 1e-5)
	assert.InDelta(t, -1.072577, step.DECDistance, 1e-5)
	assert.Equal(t, guide.RADecrease, step.RADirection)
	assert.Equal(t, guide.DECDecrease, step.DECDirection)
	assert.Equal(t, 214, step.RADuration)
	assert.Equal(t, 42.5, step.SNR)

	assert.Equal(t, guidelog.Mount, data.Type)
	assert.Equal(t, 2.0, data.RADistance)
	assert.Equal(t, 1.8, data.RAGuideDistance)
	assert.Equal(t, 107, data.DECDuration)
	assert.Equal(t, 5000.0, data.Mass)
	assert.Equal(t, Stopped, a.GuidingState())
}

func TestGuideStepWithoutScaleStaysInPixels(t *testing.T) {
	_, p, rec := connected(t, Options{})
	p.send(`{"Event":"GuideStep","Frame":1,"RADistanceRaw":0.5,"DECDistanceRaw":0.25,"RADirection":"West","DECDirection":"North"}`)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.steps) == 1
	}, time.Second, 2*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 0.5, rec.steps[0].RADistance)
	assert.Equal(t, guide.RAIncrease, rec.steps[0].RADirection)
	assert.Equal(t, guide.DECIncrease, rec.steps[0].DECDirection)
}

func TestPeerCloseDisconnects(t *testing.T) {
	a, p, rec := connected(t, Options{})
	p.conn.Close()
	waitConn(t, a, Disconnected)
	assert.Equal(t, Disconnected, rec.connStates()[len(rec.connStates())-1])
	assert.ErrorIs(t, a.Guide(), ErrEquipmentNotConnected)
}

func TestDisconnectEquipment(t *testing.T) {
	a, p, _ := connected(t, Options{})
	require.NoError(t, a.DisconnectEquipment())
	p.expect(`{"jsonrpc":"2.0","method":"set_connected","params":[false],"id":2}`)
	assert.Equal(t, EquipmentDisconnecting, a.ConnectionState())
	p.send(`{"jsonrpc":"2.0","result":0,"id":2}`)
	waitConn(t, a, EquipmentDisconnected)

	require.NoError(t, a.Disconnect())
	assert.Equal(t, Disconnected, a.ConnectionState())
}

func TestDisconnectFromCallback(t *testing.T) {
	a, p, _ := connected(t, Options{})
	returned := make(chan error, 1)
	a.mu.Lock()
	a.opts.OnConnectionState = func(s ConnectionState) {
		if s == EquipmentDisconnected {
			returned <- a.Disconnect()
		}
	}
	a.mu.Unlock()

	require.NoError(t, a.DisconnectEquipment())
	p.expect(`{"jsonrpc":"2.0","method":"set_connected","params":[false],"id":2}`)
	p.send(`{"jsonrpc":"2.0","result":0,"id":2}`)

	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Disconnect from a connection callback did not return")
	}
	assert.Equal(t, Disconnected, a.ConnectionState())
}

func TestConnectErrorClassification(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"host not found", &net.DNSError{Err: "no such host", Name: "guider.invalid", IsNotFound: true}, ErrHostNotFound},
		{"refused", refused, ErrConnectionRefused},
		{"generic", errors.New("network is unreachable"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var states []ConnectionState
			a := New(Options{
				Address: "guider.invalid:4400",
				Dial: func(context.Context, string, string) (net.Conn, error) {
					return nil, tt.err
				},
				OnConnectionState: func(s ConnectionState) { states = append(states, s) },
			})
			err := a.Connect(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			} else {
				assert.NotErrorIs(t, err, ErrHostNotFound)
				assert.NotErrorIs(t, err, ErrConnectionRefused)
			}
			assert.Equal(t, []ConnectionState{Connecting, Disconnected}, states)
		})
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "EquipmentConnected", EquipmentConnected.String())
	assert.Equal(t, "CalibrationFailed", CalibrationFailed.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
	assert.Equal(t, "Unknown", GuidingState(-1).String())
}
