// Command autoguide runs the guide engine against a directory of recorded
// frames, or drives an external guiding service, and serves the live
// monitor while it does.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/autoguide/internal/config"
	"github.com/banshee-data/autoguide/internal/db"
	"github.com/banshee-data/autoguide/internal/extguide"
	"github.com/banshee-data/autoguide/internal/fsutil"
	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/calibration"
	"github.com/banshee-data/autoguide/internal/guide/control"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
	"github.com/banshee-data/autoguide/internal/guide/session"
	"github.com/banshee-data/autoguide/internal/guide/starfind"
	"github.com/banshee-data/autoguide/internal/metrics"
	"github.com/banshee-data/autoguide/internal/monitor"
	"github.com/banshee-data/autoguide/internal/monitoring"
	"github.com/banshee-data/autoguide/internal/mount"
	"github.com/banshee-data/autoguide/internal/serialmux"
	"github.com/banshee-data/autoguide/internal/version"
)

var (
	configPath    = flag.String("config", "", "Guide configuration file (.json or .yaml); defaults apply when empty")
	dbPath        = flag.String("db", "", "SQLite database path (overrides config)")
	framesDir     = flag.String("frames", "", "Directory of PNG/TIFF guide frames to replay")
	external      = flag.String("external", "", "Drive an external guiding service at host:port instead of the internal engine")
	serialPort    = flag.String("serial", "", "Mount serial port for LX200 pulse guiding (overrides config)")
	listen        = flag.String("listen", "", "Monitor listen address (overrides config)")
	grpcListen    = flag.String("grpc-listen", "", "gRPC health listen address (overrides config)")
	plotPath      = flag.String("plot", "", "Write a drift plot PNG here when the run ends")
	interval      = flag.Duration("interval", 0, "Delay between replayed frames")
	calibrationMs = flag.Int("calibration-ms", DefaultCalibrationPulseMs, "Calibration pulse length per axis")
	ditherEvery   = flag.Int("dither-every", 0, "Dither after this many guided frames (0 disables)")
	debug         = flag.Bool("debug", false, "Log per-frame guide diagnostics")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *framesDir == "" && *external == "" {
		log.Fatal("one of -frames or -external is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	monitoring.SetDebug(cfg.GetDebug())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("autoguide: %v", err)
	}
}

func loadConfig(path string) (*config.GuideConfig, error) {
	if path == "" {
		return config.EmptyGuideConfig(), nil
	}
	return config.LoadGuideConfig(path)
}

// applyFlags lets command line flags override the configuration file.
func applyFlags(cfg *config.GuideConfig) {
	if *dbPath != "" {
		cfg.Database = &config.DatabaseConfig{Path: dbPath}
	}
	if *listen != "" || *grpcListen != "" {
		if cfg.Monitor == nil {
			cfg.Monitor = &config.MonitorConfig{}
		}
		if *listen != "" {
			cfg.Monitor.Listen = listen
		}
		if *grpcListen != "" {
			cfg.Monitor.GRPCListen = grpcListen
		}
	}
	if *serialPort != "" {
		m := cfg.GetMount()
		m.Port = *serialPort
		cfg.Mount = &m
	}
	if *external != "" {
		if cfg.ExternalGuider == nil {
			cfg.ExternalGuider = &config.ExternalGuiderConfig{}
		}
		cfg.ExternalGuider.Address = external
	}
	if *debug {
		cfg.Debug = debug
	}
}

// app holds the long-lived components shared by both guiding modes.
type app struct {
	cfg     *config.GuideConfig
	db      *db.DB
	metrics *metrics.Metrics
	tracker *monitor.Tracker
	health  *monitor.HealthServer
	mount   serialmux.SerialMuxInterface
}

func run(ctx context.Context, cfg *config.GuideConfig) error {
	store, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &app{
		cfg:     cfg,
		db:      store,
		metrics: metrics.New(reg),
		health:  monitor.NewHealthServer(),
	}
	hub := monitor.NewHub()
	a.tracker = monitor.NewTracker(monitor.NewDriftHistory(cfg.GetMonitorHistory()), hub, nil)

	if *external == "" {
		mux, err := openMount(cfg.GetMount())
		if err != nil {
			return err
		}
		defer mux.Close()
		a.mount = mux
	}

	var wg sync.WaitGroup
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer func() {
		cancelServe()
		wg.Wait()
	}()

	ws := monitor.NewWebServer(monitor.WebServerConfig{
		Address: cfg.GetMonitorListen(),
		Tracker: a.tracker,
		Hub:     hub,
		Metrics: a.metrics,
		DB:      store,
		Mount:   a.mount,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(serveCtx); err != nil {
			log.Printf("monitor server: %v", err)
		}
	}()
	if addr := cfg.GetGRPCListen(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.health.ListenAndServe(serveCtx, addr); err != nil {
				log.Printf("health server: %v", err)
			}
		}()
	}

	if *external != "" {
		err = a.runExternal(ctx)
	} else {
		err = a.runInternal(ctx)
	}
	if *plotPath != "" {
		if perr := monitor.WriteDriftPlot(*plotPath, a.tracker.History().Snapshot()); perr != nil {
			log.Printf("drift plot: %v", perr)
		} else {
			log.Printf("wrote drift plot to %s", *plotPath)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setState fans a guide state out to the monitor, metrics and health.
func (a *app) setState(state string, states []string, guiding bool) {
	a.tracker.SetState(state)
	a.metrics.SetState(state, states)
	a.health.SetGuiding(guiding)
}

func (a *app) observeStats(s guide.Stats) {
	a.tracker.ObserveStats(s)
	a.metrics.ObserveStats(s)
}

func (a *app) startSession(ctx context.Context, mode, algorithm string) (uuid.UUID, guidelog.Sink, error) {
	id, err := a.db.StartSession(ctx, mode, algorithm)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("start guide session: %w", err)
	}
	log.Printf("guide session %s started (%s, %s)", id, mode, algorithm)
	return id, guidelog.MultiSink{a.tracker, a.metrics, a.db.Recorder(id)}, nil
}

func (a *app) endSession(id uuid.UUID) {
	// The run context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gs, err := a.db.EndSession(ctx, id)
	if err != nil {
		log.Printf("end guide session %s: %v", id, err)
		return
	}
	log.Printf("guide session %s ended: %d frames, %d dropped, rms ra=%.2f dec=%.2f px",
		id, gs.Frames, gs.Dropped, gs.RARMS, gs.DECRMS)
}

func sessionStateNames() []string {
	var names []string
	for s := session.Stopped; s <= session.Dithering; s++ {
		names = append(names, s.String())
	}
	return names
}

func (a *app) runInternal(ctx context.Context) error {
	cfg := a.cfg
	src, err := NewReplaySource(fsutil.OSFileSystem{}, *framesDir)
	if err != nil {
		return err
	}
	log.Printf("replaying %d frames from %s", src.Len(), *framesDir)

	mux := a.mount
	pulser := mount.NewSerialPulseGuider(mux)

	var wg sync.WaitGroup
	mountCtx, cancelMount := context.WithCancel(ctx)
	defer func() {
		cancelMount()
		wg.Wait()
	}()
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(mountCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("mount monitor: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		pulser.Run(mountCtx)
	}()

	alg := cfg.GetAlgorithm()
	id, sink, err := a.startSession(ctx, "internal", alg.String())
	if err != nil {
		return err
	}
	defer a.endSession(id)

	calib := calibration.New(cfg.GetFocalLengthMm(), cfg.GetPixelSizeUm(), cfg.GetPixelSizeUm(), cfg.GetBinning(), cfg.GetBinning())
	var predictor control.Predictor
	if cfg.GetPredictive() {
		predictor = control.NewLinearPredictor(calib)
	}
	logPath := filepath.Join(cfg.GetLogDir(), fmt.Sprintf("guide_log-%s.txt", id))
	if err := (fsutil.OSFileSystem{}).MkdirAll(cfg.GetLogDir(), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	states := sessionStateNames()
	sess, err := session.New(session.Options{
		Calibration: calib,
		Params:      cfg.InParams,
		Predictor:   predictor,
		Algorithm:   alg,
		BoxSize:     cfg.GetBoxSize(),
		RegionSize:  cfg.GetRegionSize(),
		ImageGuide:  cfg.GetImageGuide(),
		Log:         guidelog.NewWriter(fsutil.OSFileSystem{}, logPath, nil),
		Header: guidelog.Header{
			GuidingRate: cfg.GetGuidingRate(),
			FocalLength: cfg.GetFocalLengthMm(),
			Aperture:    cfg.GetApertureMm(),
		},
		Sink:         sink,
		Store:        a.db,
		Pulser:       pulser,
		DitherSettle: cfg.GetDitherSettle(),
		OnStats:      a.observeStats,
		OnStateChange: func(s session.State) {
			a.setState(s.String(), states, s.Active())
		},
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if alg == starfind.SEPMultiStar {
		log.Printf("multi-star tracking enabled")
	}
	if ok, err := sess.RestoreCalibration(ctx); err != nil {
		log.Printf("restore calibration: %v", err)
	} else if ok {
		log.Printf("using stored calibration")
	}

	loop := &guideLoop{
		sess:          sess,
		pulser:        pulser,
		src:           src,
		calibrationMs: *calibrationMs,
		interval:      *interval,
		ditherEvery:   *ditherEvery,
		ditherPixels:  cfg.GetDitherPixels(),
		onResult: func(res session.Result) {
			if res.Processed {
				ra, dec := res.Out.Axis[guide.RA].Sigma, res.Out.Axis[guide.DEC].Sigma
				a.tracker.ObserveSigma(ra, dec)
				a.metrics.ObserveSigma(ra, dec)
			}
		},
	}
	return loop.Run(ctx)
}

// openMount opens the configured serial port, or a disabled link that only
// records commands when no port is set.
func openMount(mc config.MountConfig) (serialmux.SerialMuxInterface, error) {
	if mc.Port == "" {
		log.Printf("no mount port configured; pulses will be logged only")
		return serialmux.NewDisabledSerialMux(), nil
	}
	mux, err := serialmux.NewRealSerialMux(mc.Port, mc.PortOptions)
	if err != nil {
		return nil, fmt.Errorf("open mount port %s: %w", mc.Port, err)
	}
	if err := mux.Initialize(mc.Init...); err != nil {
		mux.Close()
		return nil, fmt.Errorf("initialize mount: %w", err)
	}
	log.Printf("mount connected on %s", mc.Port)
	return mux, nil
}

func guiderStateNames() []string {
	var names []string
	for s := extguide.Stopped; s <= extguide.CalibrationFailed; s++ {
		names = append(names, s.String())
	}
	return names
}

func (a *app) runExternal(ctx context.Context) error {
	id, sink, err := a.startSession(ctx, "external", "external")
	if err != nil {
		return err
	}
	defer a.endSession(id)

	states := guiderStateNames()
	lost := make(chan struct{}, 1)
	var adapter *extguide.Adapter
	opts := a.cfg.ExternalGuiderOptions()
	opts.Sink = sink
	opts.OnConnectionState = func(s extguide.ConnectionState) {
		a.tracker.SetConnection(s.String())
		if s == extguide.Disconnected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
		if s == extguide.EquipmentConnected && adapter.GuidingState() == extguide.Stopped {
			go func() {
				if err := adapter.Guide(); err != nil {
					log.Printf("start external guiding: %v", err)
				}
			}()
		}
	}
	opts.OnGuidingState = func(s extguide.GuidingState, reason string) {
		if reason != "" {
			log.Printf("external guider %s: %s", s, reason)
		}
		a.setState(s.String(), states, s == extguide.Guiding || s == extguide.Dithering || s == extguide.DitherSuccessful)
	}
	opts.OnGuideStep = func(step extguide.GuideStep) {
		a.observeStats(guide.Stats{
			RADrift:  step.RADistance,
			DECDrift: step.DECDistance,
			RAPulse:  step.RADirection.SignedPulse(step.RADuration),
			DECPulse: step.DECDirection.SignedPulse(step.DECDuration),
			SNR:      step.SNR,
		})
	}
	adapter = extguide.New(opts)

	if err := adapter.Connect(ctx); err != nil {
		return err
	}
	defer adapter.Disconnect()

	var ticker <-chan time.Time
	if *ditherEvery > 0 && *interval > 0 {
		t := time.NewTicker(time.Duration(*ditherEvery) * *interval)
		defer t.Stop()
		ticker = t.C
	}
	for {
		select {
		case <-ctx.Done():
			if err := adapter.Abort(); err != nil && !errors.Is(err, extguide.ErrEquipmentNotConnected) {
				log.Printf("stop external guiding: %v", err)
			}
			return ctx.Err()
		case <-lost:
			return errors.New("external guider connection lost")
		case <-ticker:
			if err := adapter.Dither(a.cfg.GetDitherPixels()); err != nil {
				log.Printf("dither: %v", err)
			}
		}
	}
}
