// Package app wires every routing-engine component into one runnable
// daemon: load config, build the rule matcher and dispatch fan-out, watch
// the incoming folder, run the background sweep/cleanup tasks, and serve a
// small ops HTTP surface. Grounded on the teacher's internal/app/app.go
// (sequential component init, context-based lifecycle, signal-driven Run),
// trimmed of every enterprise feature with no routing-domain analog
// (security/auth, SLO budgets, service discovery, anomaly detection — see
// DESIGN.md's Dropped section).
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"mercutio-route/internal/config"
	"mercutio-route/internal/dispatch"
	"mercutio-route/internal/metrics"
	"mercutio-route/internal/monitors"
	"mercutio-route/internal/notify"
	"mercutio-route/internal/routing"
	"mercutio-route/internal/ruleeval"
	"mercutio-route/internal/rules"
	"mercutio-route/internal/stager"
	"mercutio-route/internal/sweeper"
	"mercutio-route/internal/telemetry"
	"mercutio-route/pkg/backpressure"
	"mercutio-route/pkg/cleanup"
	"mercutio-route/pkg/goroutines"
	"mercutio-route/pkg/hotreload"
	"mercutio-route/pkg/secrets"
	"mercutio-route/pkg/task_manager"
	"mercutio-route/pkg/tracing"
	"mercutio-route/pkg/types"
	"mercutio-route/pkg/workerpool"
)

// App coordinates every component's lifecycle: construction in New,
// Start/Stop in lockstep, and the rule-table swap a config hot-reload
// triggers.
type App struct {
	logger     *logrus.Logger
	configFile string

	// ambient collaborators, built once and shared across config reloads
	secretsManager *secrets.MultiSecretsManager
	telemetry      types.TelemetrySink
	notifier       *notify.Sender
	tracer         *tracing.EnhancedTracingManager
	evaluator      *ruleeval.Evaluator
	stager         *stager.Stager

	// rebuilt on every config load/reload
	controllerMu sync.RWMutex
	controller   *routing.Controller
	cfg          *types.Config

	sweeper     *sweeper.Sweeper
	cleanupMgr  *cleanup.Manager
	workerPool  *workerpool.WorkerPool
	backpressureMgr *backpressure.Manager
	taskMgr     task_manager.Manager
	goroutineTracker *goroutines.GoroutineTracker
	watcher     *monitors.Watcher
	reloader    *hotreload.ConfigReloader
	runtimeSampler *metrics.RuntimeSampler
	metricsServer  *metrics.Server
	httpServer     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configFile, builds every component, and returns an App ready to
// Start. It does not start any background goroutine itself.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level := os.Getenv("MERCUTIO_LOG_LEVEL"); level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(parsed)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		logger:     logger,
		configFile: configFile,
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
	}

	if err := a.initAmbient(cfg); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize ambient components: %w", err)
	}
	if err := a.rebuildRouting(cfg); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build routing components: %w", err)
	}
	a.initBackgroundComponents(cfg)
	a.initWatcher(cfg)
	if err := a.initReloader(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize config reloader: %w", err)
	}
	a.initOpsServer(cfg)

	return a, nil
}

// initAmbient builds the collaborators that survive a config hot-reload
// unchanged: telemetry sinks, the notify sender, the tracing manager, the
// rule evaluator, and the stager.
func (a *App) initAmbient(cfg *types.Config) error {
	metrics.Register()

	secretsCfg := secrets.Config{DefaultBackend: "env"}
	secretsManager, err := secrets.NewMultiSecretsManager(secretsCfg, a.logger)
	if err != nil {
		return fmt.Errorf("secrets manager: %w", err)
	}
	a.secretsManager = secretsManager

	sinks := []types.TelemetrySink{telemetry.NewLogrusSink(a.logger)}
	if cfg.Telemetry.Kafka.Enabled {
		kafkaSink, err := telemetry.NewKafkaSink(cfg.Telemetry.Kafka, a.logger, secretsManager)
		if err != nil {
			return fmt.Errorf("kafka telemetry sink: %w", err)
		}
		sinks = append(sinks, kafkaSink)
	}
	a.telemetry = telemetry.NewFanout(sinks...)

	notifier, err := notify.New(cfg.Notify, a.logger, secretsManager)
	if err != nil {
		return fmt.Errorf("notify sender: %w", err)
	}
	a.notifier = notifier

	tracingCfg := tracing.DefaultEnhancedTracingConfig()
	if os.Getenv("MERCUTIO_TRACING_ENABLED") == "true" {
		tracingCfg.Enabled = true
	}
	if endpoint := os.Getenv("MERCUTIO_TRACING_ENDPOINT"); endpoint != "" {
		tracingCfg.Endpoint = endpoint
	}
	tracer, err := tracing.NewEnhancedTracingManager(tracingCfg, a.logger)
	if err != nil {
		return fmt.Errorf("tracing manager: %w", err)
	}
	a.tracer = tracer

	a.evaluator = ruleeval.New()
	a.stager = stager.New(a.logger, cfg.Cleanup.MinFreeBytes)

	return nil
}

// ruleOrder derives the rule evaluation order from the configured rule
// table. The source configuration format has no explicit ordering field —
// map iteration in Go (and in yaml.v2 unmarshaling) is unordered — so this
// sorts rule names lexically for a deterministic, reproducible evaluation
// order across reloads. An operator who needs a specific precedence names
// rules accordingly (e.g. "01-urgent", "02-default").
func ruleOrder(ruleTable map[string]types.Rule) []string {
	order := make([]string, 0, len(ruleTable))
	for name := range ruleTable {
		order = append(order, name)
	}
	sort.Strings(order)
	return order
}

// rebuildRouting constructs a fresh matcher, fan-out, and controller from
// cfg and swaps them in under controllerMu. Called once from New and again
// by the hot-reload callback whenever the config file changes.
func (a *App) rebuildRouting(cfg *types.Config) error {
	matcher := rules.New(ruleOrder(cfg.Rules), cfg.Rules, a.evaluator, a.telemetry, a.logger)

	fanout := dispatch.New(cfg.Folders, cfg.Targets, a.stager, a.telemetry, a.notifier, a.tracer, a.logger)

	controller := routing.New(cfg.Folders, matcher, fanout, a.telemetry, a.logger, cfg.Dispatch.DedupeWindow)

	a.controllerMu.Lock()
	a.controller = controller
	a.cfg = cfg
	a.controllerMu.Unlock()

	return nil
}

// currentController returns the controller currently in effect, safe to
// call concurrently with a reload's swap.
func (a *App) currentController() *routing.Controller {
	a.controllerMu.RLock()
	defer a.controllerMu.RUnlock()
	return a.controller
}

// currentConfig returns the config snapshot currently in effect.
func (a *App) currentConfig() *types.Config {
	a.controllerMu.RLock()
	defer a.controllerMu.RUnlock()
	return a.cfg
}

// initBackgroundComponents builds the sweeper, retention cleanup manager,
// ingest worker pool, backpressure manager, task heartbeat manager, and
// goroutine leak guard. None are started here.
func (a *App) initBackgroundComponents(cfg *types.Config) {
	a.sweeper = sweeper.New(cfg.Folders, a.telemetry, a.logger, cfg.Cleanup.ArchiveOverBytes)

	a.cleanupMgr = cleanup.NewManager(cleanup.Config{
		Directories: []cleanup.DirectoryConfig{
			{Path: cfg.Folders.Discard, MaxAge: cfg.Cleanup.DiscardTTL},
			{Path: cfg.Folders.Processing, MaxAge: cfg.Cleanup.ProcessingTTL},
			{Path: cfg.Folders.Error, MaxAge: cfg.Cleanup.ErrorTTL},
		},
		CheckInterval: cfg.Cleanup.Interval,
	}, a.logger)

	a.workerPool = workerpool.NewWorkerPool(workerpool.WorkerPoolConfig{
		MaxWorkers:    cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		EnableMetrics: true,
	}, a.logger)

	a.backpressureMgr = backpressure.NewManager(backpressure.Config{}, a.logger)

	a.taskMgr = task_manager.New(task_manager.Config{}, a.logger)

	a.goroutineTracker = goroutines.NewGoroutineTracker(goroutines.DefaultGoroutineConfig(), a.logger)

	a.runtimeSampler = metrics.NewRuntimeSampler(15*time.Second, a.logger)
}

// initWatcher builds the incoming-folder watcher. Its RouteFunc submits a
// task to the worker pool rather than calling RouteSeries inline, so a slow
// routing pass never blocks fsnotify's event loop. Each arrival feeds the
// worker pool's current queue depth into backpressureMgr, whose ShouldReject
// then sheds new submissions instead of growing the queue without bound.
func (a *App) initWatcher(cfg *types.Config) {
	route := func(ctx context.Context, seriesUID string) {
		stats := a.workerPool.GetStats()
		queueUtil := 0.0
		if stats.QueueSize > 0 {
			queueUtil = float64(stats.QueuedTasks) / float64(stats.QueueSize)
		}
		a.backpressureMgr.UpdateMetrics(backpressure.Metrics{QueueUtilization: queueUtil})

		if a.backpressureMgr.ShouldReject() {
			a.logger.WithField("series_uid", seriesUID).Warn("backpressure: rejecting series submission")
			return
		}
		err := a.workerPool.SubmitTask(workerpool.Task{
			ID: seriesUID,
			Execute: func(taskCtx context.Context) error {
				stop := a.goroutineTracker.Track("series-route:"+seriesUID, "internal/routing.Controller.RouteSeries")
				defer stop()
				return a.currentController().RouteSeries(taskCtx, seriesUID)
			},
		})
		if err != nil {
			a.logger.WithError(err).WithField("series_uid", seriesUID).Error("failed to submit series for routing")
		}
	}
	a.watcher = monitors.New(cfg.Folders.Incoming, 0, route, a.logger)
}

// initReloader builds the hot-reload watcher over configFile and registers
// the callback that rebuilds routing components on a validated change.
func (a *App) initReloader() error {
	reloader, err := hotreload.NewConfigReloader(hotreload.Config{
		Enabled:          true,
		DebounceInterval: time.Second,
		ValidateOnReload: true,
	}, a.configFile, a.logger)
	if err != nil {
		return err
	}
	reloader.SetCallbacks(
		func(_, newCfg *types.Config) error {
			return a.rebuildRouting(newCfg)
		},
		func(newCfg *types.Config) {
			a.logger.Info("configuration reloaded")
		},
		func(err error) {
			a.logger.WithError(err).Error("configuration reload failed")
		},
	)
	a.reloader = reloader
	return nil
}

// initOpsServer builds (but does not start) the gorilla/mux ops HTTP
// surface: a health check and a manual per-series routing trigger. Metrics
// live on internal/metrics.Server's own listener instead, so /metrics stays
// reachable even when this surface is disabled.
func (a *App) initOpsServer(cfg *types.Config) {
	if !cfg.Server.Enabled {
		return
	}
	router := mux.NewRouter()
	router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/routes/{seriesUID}", a.handleRouteTrigger).Methods(http.MethodPost)
	router.HandleFunc("/tracing/targets/{target}", a.handleEnableTargetTracing).Methods(http.MethodPost)
	router.HandleFunc("/tracing/targets/{target}", a.handleDisableTargetTracing).Methods(http.MethodDelete)

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
}

// Start brings every component up in dependency order: metrics first (so
// /metrics is reachable even if something downstream fails to start), then
// the worker pool and background sweeps, then the incoming watcher, then
// the ops HTTP surface.
func (a *App) Start() error {
	a.logger.Info("starting mercutio-route")

	metricsAddr := os.Getenv("MERCUTIO_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	a.metricsServer = metrics.NewServer(metricsAddr, a.logger)
	a.metricsServer.Start()
	a.runtimeSampler.Start(a.ctx)

	if err := a.workerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if err := a.goroutineTracker.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start goroutine tracker: %w", err)
	}

	if a.currentConfig().Cleanup.Enabled {
		if err := a.taskMgr.StartTask(a.ctx, "retention-cleanup", func(ctx context.Context) error {
			stop := a.goroutineTracker.Track("retention-cleanup", "internal/cleanup.Manager.Start")
			defer stop()
			return a.cleanupMgr.Start()
		}); err != nil {
			return fmt.Errorf("failed to start retention cleanup: %w", err)
		}
	}

	if err := a.taskMgr.StartTask(a.ctx, "error-sweeper", a.runSweepLoop); err != nil {
		return fmt.Errorf("failed to start error sweeper: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		stop := a.goroutineTracker.Track("incoming-watcher", "internal/monitors.Watcher.Run")
		defer stop()
		if err := a.watcher.Run(a.ctx); err != nil {
			a.logger.WithError(err).Error("incoming watcher stopped with error")
		}
	}()

	if err := a.reloader.Start(); err != nil {
		return fmt.Errorf("failed to start config reloader: %w", err)
	}

	if a.httpServer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			stop := a.goroutineTracker.Track("ops-http-server", "internal/app.App.initOpsServer")
			defer stop()
			a.logger.WithField("addr", a.httpServer.Addr).Info("starting ops HTTP server")
			if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.WithError(err).Error("ops HTTP server error")
			}
		}()
	}

	a.logger.Info("mercutio-route started")
	return nil
}

// runSweepLoop runs the error-marker sweep on the configured cleanup
// interval until ctx is cancelled, heartbeating the task manager each pass
// so a wedged sweep is caught like any other background task.
func (a *App) runSweepLoop(ctx context.Context) error {
	stop := a.goroutineTracker.Track("error-sweeper", "internal/app.App.runSweepLoop")
	defer stop()

	interval := a.currentConfig().Cleanup.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.sweeper.SweepErrors(ctx); err != nil {
				a.logger.WithError(err).Warn("error sweep pass failed")
			}
			_ = a.taskMgr.Heartbeat("error-sweeper")
		}
	}
}

// Stop performs graceful shutdown of every component, logging but not
// propagating individual component failures — a stuck sink must never
// prevent the rest of the daemon from shutting down.
func (a *App) Stop() error {
	a.logger.Info("stopping mercutio-route")
	a.cancel()

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("failed to shut down ops HTTP server")
		}
	}

	if err := a.reloader.Stop(); err != nil {
		a.logger.WithError(err).Error("failed to stop config reloader")
	}

	if err := a.cleanupMgr.Stop(); err != nil {
		a.logger.WithError(err).Error("failed to stop retention cleanup")
	}

	if err := a.workerPool.Stop(); err != nil {
		a.logger.WithError(err).Error("failed to stop worker pool")
	}

	if err := a.goroutineTracker.Stop(); err != nil {
		a.logger.WithError(err).Error("failed to stop goroutine tracker")
	}

	a.runtimeSampler.Stop()

	tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer tracerCancel()
	if err := a.tracer.Shutdown(tracerCtx); err != nil {
		a.logger.WithError(err).Error("failed to shut down tracing manager")
	}

	if err := a.secretsManager.Close(); err != nil {
		a.logger.WithError(err).Error("failed to close secrets manager")
	}

	a.taskMgr.Cleanup()

	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(); err != nil {
			a.logger.WithError(err).Error("failed to stop metrics server")
		}
	}

	a.wg.Wait()

	a.logger.Info("mercutio-route stopped")
	return nil
}

// Run starts the daemon and blocks until SIGINT/SIGTERM, then shuts down
// gracefully. This is cmd/routerd's entire main loop.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received")
	return a.Stop()
}
