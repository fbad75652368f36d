package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/live2d-driver/facedriver/internal/api"
	"github.com/live2d-driver/facedriver/internal/bridge"
	"github.com/live2d-driver/facedriver/internal/catalog"
	"github.com/live2d-driver/facedriver/internal/config"
	"github.com/live2d-driver/facedriver/internal/connection"
	"github.com/live2d-driver/facedriver/internal/database"
	"github.com/live2d-driver/facedriver/internal/detection"
	"github.com/live2d-driver/facedriver/internal/dispatcher"
	"github.com/live2d-driver/facedriver/internal/influx"
	"github.com/live2d-driver/facedriver/internal/logging"
	"github.com/live2d-driver/facedriver/internal/mapper"
	"github.com/live2d-driver/facedriver/internal/monitor"
	"github.com/live2d-driver/facedriver/internal/process"
	"github.com/live2d-driver/facedriver/internal/retry"
	"github.com/live2d-driver/facedriver/internal/storage"
	"github.com/live2d-driver/facedriver/internal/store"
	"github.com/live2d-driver/facedriver/internal/video"
	"github.com/live2d-driver/facedriver/internal/worker"
	"github.com/live2d-driver/facedriver/pkg/core"
)

var runOpts struct {
	framesDir string
	noBackend bool
	track     bool
	model     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracking host until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHost(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runOpts.framesDir, "frames", "", "replay an image sequence with local detection (overrides detection.framesDir)")
	runCmd.Flags().BoolVar(&runOpts.noBackend, "no-backend", false, "connect to an already running backend instead of spawning one")
	runCmd.Flags().BoolVar(&runOpts.track, "track", false, "start tracking once the backend is reachable")
	runCmd.Flags().StringVar(&runOpts.model, "model", "", "model to select after the catalog loads")
	rootCmd.AddCommand(runCmd)
}

func zerologOutput() io.Writer {
	if logFile == nil {
		return os.Stdout
	}
	return logFile
}

func runHost(ctx context.Context) error {
	connCfg := config.GetConnectionConfig()
	detCfg := config.GetDetectionConfig()
	if runOpts.framesDir != "" {
		detCfg.FramesDir = runOpts.framesDir
	}

	zlog := logging.NewZerolog(zerologOutput(), config.GetString("logLevel"))

	d, err := dispatcher.New(logging.NewDispatcherLogger(zlog))
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	sched := retry.NewScheduler()
	defer sched.Close()

	conn := connection.New(connection.Config{
		URL:          connCfg.URL,
		PingInterval: connCfg.PingInterval,
		WriteWait:    connCfg.WriteWait,
		Logger:       logger,
	})
	defer conn.Close()

	// recording
	db := database.NewManager(component(zlog, "database"))
	defer db.Close()

	backend, err := storage.NewBackend(config.GetStorageConfig(), db, zlog)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("init storage backend: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Failed to close storage backend", "error", err)
		}
	}()

	influxCfg := config.GetInfluxConfig()
	metrics := influx.NewManager(component(zlog, "influx"), influxCfg)
	if err := metrics.Connect(ctx); err != nil && !errors.Is(err, influx.ErrDisabled) {
		logger.Warn("InfluxDB unavailable", "error", err)
	}
	defer metrics.Close()

	var points worker.PointWriter
	if influxCfg.Enabled {
		points = metrics
	}

	// tracking state
	viewport := core.Viewport{Width: detCfg.ViewportWidth, Height: detCfg.ViewportHeight}
	mapping := mapper.Mapper{Clamp: detCfg.Clamp}
	source := newSource(detCfg)

	opts := store.Options{
		Channel:        conn,
		Source:         source,
		Catalog:        catalog.New(api.New(config.GetString("api.serverUrl"), config.GetString("api.apiKey"))),
		Mapper:         mapping,
		Viewport:       viewport,
		CameraSource:   detCfg.CameraSource,
		ConnectTimeout: connCfg.ConnectTimeout,
		Logger:         logger,
	}

	var proc *process.Supervisor
	if procCfg := config.GetProcessConfig(); procCfg.Enabled && !runOpts.noBackend {
		proc = process.New(process.Config{
			Spec:         backendSpec(procCfg),
			RespawnDelay: connCfg.ReconnectDelay,
			Logger:       logger,
		}, process.ExecSpawner{}, conn, sched)
		opts.Ensure = proc.EnsureStarted
	}

	tracker = store.New(opts)
	defer tracker.Cleanup()

	tracker.RegisterHandlers(d)
	conn.OnStateChange(tracker.MirrorConnection)
	conn.OnTelemetry(d.HandleRaw)

	if proc != nil {
		defer proc.Stop()
	}

	keeper := connection.NewKeeper(conn, sched, connCfg.ReconnectDelay, logger)
	defer keeper.Stop()

	recorder := worker.NewManager(worker.Dependencies{
		Backend: backend,
		Metrics: points,
		Logger:  logger,
		Mapper: func(r *core.DetectionResult) core.ControlParameters {
			return mapping.Map(r, viewport)
		},
	})
	recorder.RegisterHandlers(d)
	stopRecorder := follow(ctx, tracker, recorder.Watch)
	defer stopRecorder()

	// renderer bridge
	b := bridge.New(conn, logger)
	b.RegisterHandlers(d)
	srv := bridge.NewServer(b, config.GetBridgeConfig().Listen, logger)
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("Bridge server stopped", "error", err)
		}
	}()

	// local detection replays a frames directory in place of the backend's
	// camera pipeline
	var loop *detection.Loop
	if detCfg.FramesDir != "" {
		loop, err = detection.New(detection.Config{RefreshRate: detCfg.RefreshRate, Logger: logger})
		if err != nil {
			return fmt.Errorf("create detection loop: %w", err)
		}
		if err := loop.Init(ctx, &detection.AnnotationDetector{}); err != nil {
			return err
		}
		onResult := func(r *core.DetectionResult) {
			tracker.HandleResult(r)
			if points == nil {
				return
			}
			faces := 0
			if r != nil {
				faces = 1
			}
			if err := points.WritePoint(influx.DetectionPoint(loop.Stats().LastLatency, faces, time.Now())); err != nil {
				logger.Debug("Metric point dropped", "error", err)
			}
		}
		stopLoop := follow(ctx, tracker, func(ctx context.Context, updates <-chan store.Snapshot) {
			driveLoop(ctx, loop, source, onResult, updates)
		})
		defer stopLoop()
	}

	monCfg := config.GetMonitorConfig()
	monDeps := monitor.Dependencies{
		Store:      tracker,
		StatusPath: monCfg.StatusFile,
		Interval:   monCfg.Interval,
		Logger:     logger,
	}
	if loop != nil {
		monDeps.Detection = loop
	}
	if p, ok := backend.(interface{ Pending() int }); ok {
		monDeps.Pending = p.Pending
	}
	if proc != nil {
		monDeps.Spawns = proc.Spawns
	}
	mon := monitor.NewService(monDeps)
	mon.Start()
	defer mon.Stop()

	// bring the backend up, then keep it up
	if proc != nil {
		err = proc.EnsureStarted(ctx)
	} else {
		err = conn.Connect(ctx)
	}
	if err != nil && !errors.Is(err, connection.ErrConnecting) {
		logger.Warn("Backend not started", "error", err)
	}
	keeper.Start()

	if err := tracker.LoadModels(ctx); err != nil {
		logger.Warn("Model catalog unavailable", "error", err)
	}
	if runOpts.model != "" {
		if err := tracker.SwitchModel(runOpts.model); err != nil {
			logger.Warn("Model not selected", "model", runOpts.model, "error", err)
		}
	}
	if runOpts.track {
		if err := tracker.ToggleTracking(ctx); err != nil {
			logger.Warn("Tracking not started", "error", err)
		}
	}

	logger.Info("Host running", "bridge", config.GetBridgeConfig().Listen, "backend", connCfg.URL)

	<-ctx.Done()

	logger.Info("Shutting down")
	if tracker.Snapshot().Running {
		_ = tracker.ToggleTracking(context.Background())
	}
	<-served
	return nil
}

func component(zlog zerolog.Logger, name string) zerolog.Logger {
	return zlog.With().Str("component", name).Logger()
}

func backendSpec(cfg config.ProcessConfig) process.Spec {
	command := cfg.Command
	if command == "" {
		command = process.DefaultCommand()
	}
	var args []string
	if cfg.Script != "" {
		args = append(args, cfg.Script)
	}
	return process.Spec{Command: command, Args: args, Dir: cfg.WorkDir}
}

func newSource(cfg config.DetectionConfig) video.Source {
	if cfg.FramesDir != "" {
		return video.NewImageSequence(cfg.FramesDir, cfg.FrameWidth)
	}
	return &video.Placeholder{Device: cfg.CameraSource}
}

// follow runs fn on the tracker's snapshots in its own goroutine. The
// returned func stops it and waits for it to return.
func follow(ctx context.Context, s *store.Store, fn func(context.Context, <-chan store.Snapshot)) func() {
	updates, unsubscribe := s.Subscribe()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx, updates)
	}()
	return func() {
		cancel()
		<-done
		unsubscribe()
	}
}

// driveLoop keeps the detection loop running exactly while tracking is on.
func driveLoop(ctx context.Context, loop *detection.Loop, source video.Source, onResult detection.ResultFunc, updates <-chan store.Snapshot) {
	defer loop.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			switch {
			case snap.Running && !loop.Running():
				if err := loop.Start(source, onResult); err != nil && !errors.Is(err, detection.ErrAlreadyRunning) {
					logger.Error("Failed to start detection loop", "error", err)
				}
			case !snap.Running && loop.Running():
				loop.Stop()
			}
		}
	}
}
